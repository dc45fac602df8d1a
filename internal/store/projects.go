package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateProject inserts a project owned by ownerUserID.
func (s *Store) CreateProject(name, folder, ownerUserID string, shared bool) (*Project, error) {
	p := &Project{
		ID:          uuid.NewString(),
		Name:        name,
		Folder:      folder,
		OwnerUserID: ownerUserID,
		Shared:      shared,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, folder, owner_user_id, shared, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Folder, p.OwnerUserID, p.Shared, formatTime(p.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("inserting project: %w", err)
	}
	return p, nil
}

// ProjectByID fetches one project.
func (s *Store) ProjectByID(id string) (*Project, error) {
	row := s.db.QueryRow(`
		SELECT id, name, folder, owner_user_id, shared, default_agent_id, created_at
		FROM projects WHERE id = ?
	`, id)
	return scanProject(row)
}

// ProjectsForUser returns projects the user can access: their own plus any
// shared ones.
func (s *Store) ProjectsForUser(userID string) ([]*Project, error) {
	rows, err := s.db.Query(`
		SELECT id, name, folder, owner_user_id, shared, default_agent_id, created_at
		FROM projects WHERE owner_user_id = ? OR shared = 1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// SetProjectShared flips the shared flag.
func (s *Store) SetProjectShared(id string, shared bool) error {
	res, err := s.db.Exec(`UPDATE projects SET shared = ? WHERE id = ?`, shared, id)
	if err != nil {
		return fmt.Errorf("updating project: %w", err)
	}
	return requireRow(res)
}

// SetProjectDefaultAgent records the agent preselected for new tasks.
func (s *Store) SetProjectDefaultAgent(id string, agentID *string) error {
	res, err := s.db.Exec(`UPDATE projects SET default_agent_id = ? WHERE id = ?`, agentID, id)
	if err != nil {
		return fmt.Errorf("updating project: %w", err)
	}
	return requireRow(res)
}

// DeleteProject removes a project. Sessions, tasks, and their dependents
// cascade at the schema level; the caller is responsible for stopping
// containers first.
func (s *Store) DeleteProject(id string) error {
	res, err := s.db.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}
	return requireRow(res)
}

func scanProject(row scanner) (*Project, error) {
	var p Project
	var defaultAgent sql.NullString
	var createdAt string
	err := row.Scan(&p.ID, &p.Name, &p.Folder, &p.OwnerUserID, &p.Shared, &defaultAgent, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning project: %w", err)
	}
	p.DefaultAgentID = strPtr(defaultAgent)
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// requireRow maps zero affected rows to ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
