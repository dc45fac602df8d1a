package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionParams are the caller-supplied fields of a new session.
type SessionParams struct {
	Name        string
	OwnerUserID string
	ProjectID   *string
	ParentID    *string
	Relation    RelationType
}

// CreateSession inserts a session in status pending.
func (s *Store) CreateSession(params SessionParams) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		Name:         params.Name,
		OwnerUserID:  params.OwnerUserID,
		ProjectID:    params.ProjectID,
		ParentID:     params.ParentID,
		RelationType: params.Relation,
		Status:       SessionPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, name, owner_user_id, project_id, parent_id, relation_type, status, container_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)
	`, sess.ID, sess.Name, sess.OwnerUserID, sess.ProjectID, sess.ParentID,
		string(sess.RelationType), string(sess.Status), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

const sessionColumns = `id, name, owner_user_id, project_id, parent_id, relation_type, status, container_name, created_at, updated_at`

// SessionByID fetches one session.
func (s *Store) SessionByID(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ActiveSessionForOwner returns the most recent session owned by userID
// that is starting or running, or ErrNotFound.
func (s *Store) ActiveSessionForOwner(userID string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE owner_user_id = ? AND status IN ('starting', 'running')
		ORDER BY updated_at DESC LIMIT 1
	`, userID)
	return scanSession(row)
}

// SessionsByProject returns a project's sessions, newest first.
func (s *Store) SessionsByProject(projectID string) ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE project_id = ? ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// SessionsForOwner returns every session the user owns, newest first.
func (s *Store) SessionsForOwner(userID string) ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE owner_user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// AllSessions returns every session, newest first. The operator CLI uses
// it; everything request-scoped filters by owner or project instead.
func (s *Store) AllSessions() ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// SetSessionStatus moves a session to status and bumps updated_at.
func (s *Store) SetSessionStatus(id string, status SessionStatus) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return requireRow(res)
}

// SetSessionRunning records the container binding and moves the session to
// running in one statement.
func (s *Store) SetSessionRunning(id, containerName string) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET status = 'running', container_name = ?, updated_at = ? WHERE id = ?
	`, containerName, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return requireRow(res)
}

// ChildCount returns how many sessions reference id as their parent.
func (s *Store) ChildCount(id string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE parent_id = ?`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting children: %w", err)
	}
	return n, nil
}

// DetachChildren clears the parent link on every session forked or stacked
// off id. The children stay; only the lineage goes.
func (s *Store) DetachChildren(id string) error {
	_, err := s.db.Exec(`
		UPDATE sessions SET parent_id = NULL, updated_at = ? WHERE parent_id = ?
	`, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("detaching children: %w", err)
	}
	return nil
}

// DeleteSession removes a session row. Fails if descendants still reference
// it; callers check ChildCount and confirm with the user first.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return requireRow(res)
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var projectID, parentID sql.NullString
	var relation, status, createdAt, updatedAt string
	err := row.Scan(&sess.ID, &sess.Name, &sess.OwnerUserID, &projectID, &parentID,
		&relation, &status, &sess.ContainerName, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.ProjectID = strPtr(projectID)
	sess.ParentID = strPtr(parentID)
	sess.RelationType = RelationType(relation)
	sess.Status = SessionStatus(status)
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
