package store

import "time"

// SessionStatus is the logical lifecycle state of a terminal session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionStopped  SessionStatus = "stopped"
	SessionError    SessionStatus = "error"
)

// RelationType links a session to its parent.
type RelationType string

const (
	RelationNone  RelationType = ""
	RelationFork  RelationType = "fork"
	RelationStack RelationType = "stack"
)

// TaskStatus is the kanban state of a task.
type TaskStatus string

const (
	TaskTodo     TaskStatus = "todo"
	TaskDoing    TaskStatus = "doing"
	TaskDone     TaskStatus = "done"
	TaskCanceled TaskStatus = "canceled"
)

// ValidTaskStatus reports whether s is one of the four task states.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskTodo, TaskDoing, TaskDone, TaskCanceled:
		return true
	}
	return false
}

// ExecutionStatus is the state of one agent run against a task.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "pending"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionNeedsInput ExecutionStatus = "needs_input"
)

// User is an account known to the broker.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	Admin       bool      `json:"admin"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Project groups sessions and tasks around one working folder.
type Project struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Folder         string    `json:"folder"`
	OwnerUserID    string    `json:"ownerUserId"`
	Shared         bool      `json:"shared"`
	DefaultAgentID *string   `json:"defaultAgentId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AccessibleBy reports whether userID may touch this project: the owner
// always, anyone authenticated when the project is shared.
func (p *Project) AccessibleBy(userID string) bool {
	return p.OwnerUserID == userID || p.Shared
}

// Session is a terminal session and its container linkage.
type Session struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	OwnerUserID   string        `json:"ownerUserId"`
	ProjectID     *string       `json:"projectId,omitempty"`
	ParentID      *string       `json:"parentId,omitempty"`
	RelationType  RelationType  `json:"relationType,omitempty"`
	Status        SessionStatus `json:"status"`
	ContainerName string        `json:"containerName,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Task is a unit of work a user hands to an agent.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	AgentID     *string    `json:"agentId,omitempty"`
	SessionID   *string    `json:"sessionId,omitempty"`
	CreatedBy   string     `json:"createdBy"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Execution is one agent run against a task.
type Execution struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"taskId"`
	SessionID  *string         `json:"sessionId,omitempty"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// PortMapping publishes a container port on a fixed host port for a session.
type PortMapping struct {
	SessionID     string `json:"sessionId"`
	HostPort      int    `json:"hostPort"`
	ContainerPort int    `json:"containerPort"`
}

// APIKey is a bearer credential. Only the bcrypt hash of the secret is
// stored; the plaintext exists exactly once, at creation time.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Name       string     `json:"name"`
	SecretHash string     `json:"-"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Event is one row of the append-only audit trail.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      string    `json:"type"`
	ActorID   *string   `json:"actorId,omitempty"`
	SubjectID *string   `json:"subjectId,omitempty"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"createdAt"`
}
