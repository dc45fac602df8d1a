package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateUser inserts a user and returns it with ID and timestamps set.
func (s *Store) CreateUser(username, displayName string, admin bool) (*User, error) {
	u := &User{
		ID:          uuid.NewString(),
		Username:    username,
		DisplayName: displayName,
		Admin:       admin,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.db.Exec(`
		INSERT INTO users (id, username, display_name, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.Username, u.DisplayName, u.Admin, formatTime(u.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

// UserByID fetches one user.
func (s *Store) UserByID(id string) (*User, error) {
	row := s.db.QueryRow(`
		SELECT id, username, display_name, is_admin, created_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// UserByUsername fetches one user by unique username.
func (s *Store) UserByUsername(username string) (*User, error) {
	row := s.db.QueryRow(`
		SELECT id, username, display_name, is_admin, created_at
		FROM users WHERE username = ?
	`, username)
	return scanUser(row)
}

// FirstAdmin returns the oldest admin account. Used when authentication is
// disabled to resolve every connection to a fixed identity.
func (s *Store) FirstAdmin() (*User, error) {
	row := s.db.QueryRow(`
		SELECT id, username, display_name, is_admin, created_at
		FROM users WHERE is_admin = 1 ORDER BY created_at LIMIT 1
	`)
	return scanUser(row)
}

// ListUsers returns all users ordered by creation.
func (s *Store) ListUsers() ([]*User, error) {
	rows, err := s.db.Query(`
		SELECT id, username, display_name, is_admin, created_at
		FROM users ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(row scanner) (*User, error) {
	var u User
	var createdAt string
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Admin, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}
