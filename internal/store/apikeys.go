package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateAPIKey persists a key record. The caller supplies the public key ID
// and the bcrypt hash of the secret half; plaintext never reaches the store.
func (s *Store) CreateAPIKey(id, userID, name, secretHash string) (*APIKey, error) {
	k := &APIKey{
		ID:         id,
		UserID:     userID,
		Name:       name,
		SecretHash: secretHash,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := s.db.Exec(`
		INSERT INTO api_keys (id, user_id, name, secret_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, k.ID, k.UserID, k.Name, k.SecretHash, formatTime(k.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("inserting api key: %w", err)
	}
	return k, nil
}

const apiKeyColumns = `id, user_id, name, secret_hash, created_at, last_used_at`

// APIKeyByID fetches one key record.
func (s *Store) APIKeyByID(id string) (*APIKey, error) {
	row := s.db.QueryRow(`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanAPIKey(row)
}

// APIKeysForUser returns a user's keys, newest first.
func (s *Store) APIKeysForUser(userID string) ([]*APIKey, error) {
	rows, err := s.db.Query(`
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchAPIKey stamps last_used_at. Called on successful bearer auth.
func (s *Store) TouchAPIKey(id string) error {
	res, err := s.db.Exec(`
		UPDATE api_keys SET last_used_at = ? WHERE id = ?
	`, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating api key: %w", err)
	}
	return requireRow(res)
}

// DeleteAPIKey revokes a key.
func (s *Store) DeleteAPIKey(id string) error {
	res, err := s.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting api key: %w", err)
	}
	return requireRow(res)
}

func scanAPIKey(row scanner) (*APIKey, error) {
	var k APIKey
	var createdAt string
	var lastUsed sql.NullString
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.SecretHash, &createdAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning api key: %w", err)
	}
	k.CreatedAt = parseTime(createdAt)
	k.LastUsedAt = parseTimePtr(lastUsed)
	return &k, nil
}
