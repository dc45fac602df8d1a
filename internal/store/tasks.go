package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskParams are the caller-supplied fields of a new task. An empty
// Status means todo; tasks handed straight to an agent start as doing.
type TaskParams struct {
	ProjectID   string
	Title       string
	Description string
	Status      TaskStatus
	AgentID     *string
	SessionID   *string
	CreatedBy   string
}

// CreateTask inserts a task, in status todo unless params say otherwise.
func (s *Store) CreateTask(params TaskParams) (*Task, error) {
	t, err := s.insertTask(s.db, params)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTaskWithExecution inserts a task plus a pending execution in one
// transaction, so a crash can't leave a task that claims an execution it
// never got.
func (s *Store) CreateTaskWithExecution(params TaskParams) (*Task, *Execution, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := s.insertTask(tx, params)
	if err != nil {
		return nil, nil, err
	}
	exec, err := s.insertExecution(tx, t.ID, params.SessionID)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing transaction: %w", err)
	}
	return t, exec, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) insertTask(db execer, params TaskParams) (*Task, error) {
	status := params.Status
	if status == "" {
		status = TaskTodo
	}

	now := time.Now().UTC()
	t := &Task{
		ID:          uuid.NewString(),
		ProjectID:   params.ProjectID,
		Title:       params.Title,
		Description: params.Description,
		Status:      status,
		AgentID:     params.AgentID,
		SessionID:   params.SessionID,
		CreatedBy:   params.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := db.Exec(`
		INSERT INTO tasks (id, project_id, title, description, status, agent_id, session_id, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ProjectID, t.Title, t.Description, string(t.Status),
		t.AgentID, t.SessionID, t.CreatedBy, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}
	return t, nil
}

const taskColumns = `id, project_id, title, description, status, agent_id, session_id, created_by, created_at, updated_at`

// TaskByID fetches one task.
func (s *Store) TaskByID(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks pages through tasks, newest first. Empty projectID or status
// mean "any". The returned total counts all matches, not just this page.
func (s *Store) ListTasks(projectID string, status TaskStatus, limit, offset int) ([]*Task, int, error) {
	where := `WHERE 1=1`
	args := []any{}
	if projectID != "" {
		where += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, string(status))
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting tasks: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM tasks `+where+`
		ORDER BY created_at DESC LIMIT ? OFFSET ?
	`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

// SetTaskStatus moves a task to status and bumps updated_at.
func (s *Store) SetTaskStatus(id string, status TaskStatus) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	return requireRow(res)
}

// AssignTaskSession links a task to the session executing it.
func (s *Store) AssignTaskSession(id string, sessionID *string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET session_id = ?, updated_at = ? WHERE id = ?
	`, sessionID, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	return requireRow(res)
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var agentID, sessionID sql.NullString
	var status, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &status,
		&agentID, &sessionID, &t.CreatedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}
	t.Status = TaskStatus(status)
	t.AgentID = strPtr(agentID)
	t.SessionID = strPtr(sessionID)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// CreateExecution inserts a pending execution for a task.
func (s *Store) CreateExecution(taskID string, sessionID *string) (*Execution, error) {
	return s.insertExecution(s.db, taskID, sessionID)
}

func (s *Store) insertExecution(db execer, taskID string, sessionID *string) (*Execution, error) {
	e := &Execution{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		SessionID: sessionID,
		Status:    ExecutionPending,
		CreatedAt: time.Now().UTC(),
	}

	_, err := db.Exec(`
		INSERT INTO executions (id, task_id, session_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, e.TaskID, e.SessionID, string(e.Status), formatTime(e.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("inserting execution: %w", err)
	}
	return e, nil
}

const executionColumns = `id, task_id, session_id, status, started_at, finished_at, created_at`

// ExecutionByID fetches one execution.
func (s *Store) ExecutionByID(id string) (*Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

// ExecutionsByTask returns a task's executions, newest first.
func (s *Store) ExecutionsByTask(taskID string) ([]*Execution, error) {
	rows, err := s.db.Query(`
		SELECT `+executionColumns+` FROM executions
		WHERE task_id = ? ORDER BY created_at DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// AssignExecutionSession links an execution to the session running it.
func (s *Store) AssignExecutionSession(id string, sessionID *string) error {
	res, err := s.db.Exec(`UPDATE executions SET session_id = ? WHERE id = ?`, sessionID, id)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}
	return requireRow(res)
}

// SetExecutionStatus moves an execution state, stamping started_at on the
// transition to running and finished_at on completed or failed.
func (s *Store) SetExecutionStatus(id string, status ExecutionStatus) error {
	now := formatTime(time.Now().UTC())
	var res sql.Result
	var err error
	switch status {
	case ExecutionRunning:
		res, err = s.db.Exec(`
			UPDATE executions SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?
		`, string(status), now, id)
	case ExecutionCompleted, ExecutionFailed:
		res, err = s.db.Exec(`
			UPDATE executions SET status = ?, finished_at = ? WHERE id = ?
		`, string(status), now, id)
	default:
		res, err = s.db.Exec(`UPDATE executions SET status = ? WHERE id = ?`, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}
	return requireRow(res)
}

func scanExecution(row scanner) (*Execution, error) {
	var e Execution
	var sessionID, startedAt, finishedAt sql.NullString
	var status, createdAt string
	err := row.Scan(&e.ID, &e.TaskID, &sessionID, &status, &startedAt, &finishedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning execution: %w", err)
	}
	e.SessionID = strPtr(sessionID)
	e.Status = ExecutionStatus(status)
	e.StartedAt = parseTimePtr(startedAt)
	e.FinishedAt = parseTimePtr(finishedAt)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}
