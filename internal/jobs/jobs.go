// Package jobs queues agent runs and executes them in-process: refresh
// the repository checkout, spawn a session for the task, and walk the
// task and execution rows through their lifecycle.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/name"
	"github.com/falleco/open-commander/internal/session"
	"github.com/falleco/open-commander/internal/store"
)

// Job is one queued agent run against a task.
type Job struct {
	TaskID      string
	ExecutionID string
	UserID      string
	ProjectID   string
	AgentID     string
	// Repository optionally names an "owner/name" checkout to refresh
	// before the session starts.
	Repository string
}

// Queue accepts jobs for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// ErrQueueFull is returned when the runner's backlog is at capacity.
var ErrQueueFull = errors.New("job queue is full")

// Starter starts sessions. *session.Service satisfies it.
type Starter interface {
	Start(ctx context.Context, userID, sessionID string, opts session.StartOpts) (string, error)
}

// Syncer refreshes repository checkouts. *workspace.Service satisfies it.
type Syncer interface {
	CloneOrPull(ctx context.Context, repo string) (string, error)
}

const (
	defaultWorkers = 2
	defaultDepth   = 64
)

// Runner executes queued jobs with a fixed worker pool.
type Runner struct {
	store    *store.Store
	sessions Starter
	repos    Syncer
	jobs     chan Job
	workers  int
}

// NewRunner builds a Runner with workers goroutines and a backlog of
// depth jobs; non-positive values pick the defaults. repos may be nil
// when no workspace service is configured.
func NewRunner(st *store.Store, sessions Starter, repos Syncer, workers, depth int) *Runner {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if depth <= 0 {
		depth = defaultDepth
	}
	return &Runner{
		store:    st,
		sessions: sessions,
		repos:    repos,
		jobs:     make(chan Job, depth),
		workers:  workers,
	}
}

// Enqueue implements Queue. It never blocks past the backlog cap.
func (r *Runner) Enqueue(ctx context.Context, job Job) error {
	select {
	case r.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Run processes jobs until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-r.jobs:
					r.process(ctx, job)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// process drives one job to a terminal execution state.
func (r *Runner) process(ctx context.Context, job Job) {
	log.Info("running task", "task", job.TaskID, "execution", job.ExecutionID, "agent", job.AgentID)

	if err := r.store.SetTaskStatus(job.TaskID, store.TaskDoing); err != nil {
		log.Warn("marking task doing", "task", job.TaskID, "error", err)
	}
	if err := r.store.SetExecutionStatus(job.ExecutionID, store.ExecutionRunning); err != nil {
		log.Warn("marking execution running", "execution", job.ExecutionID, "error", err)
	}

	if err := r.execute(ctx, job); err != nil {
		log.Error("task run failed", "task", job.TaskID, "execution", job.ExecutionID, "error", err)
		if err := r.store.SetExecutionStatus(job.ExecutionID, store.ExecutionFailed); err != nil {
			log.Warn("marking execution failed", "execution", job.ExecutionID, "error", err)
		}
		// The agent never started; the task goes back on the board.
		if err := r.store.SetTaskStatus(job.TaskID, store.TaskTodo); err != nil {
			log.Warn("returning task to todo", "task", job.TaskID, "error", err)
		}
		r.event("task.run_failed", job, map[string]string{"error": err.Error()})
		return
	}

	if err := r.store.SetExecutionStatus(job.ExecutionID, store.ExecutionCompleted); err != nil {
		log.Warn("marking execution completed", "execution", job.ExecutionID, "error", err)
	}
	log.Info("task session started", "task", job.TaskID, "execution", job.ExecutionID)
	r.event("task.run_started", job, nil)
}

// event appends to the audit trail with the task as subject. Failures are
// logged and dropped.
func (r *Runner) event(eventType string, job Job, data any) {
	actor := job.UserID
	subject := job.TaskID
	if _, err := r.store.AppendEvent(eventType, &actor, &subject, data); err != nil {
		log.Debug("appending event", "type", eventType, "error", err)
	}
}

// execute refreshes the checkout when asked, then spawns a session and
// links it to the task and execution.
func (r *Runner) execute(ctx context.Context, job Job) error {
	if job.Repository != "" {
		if r.repos == nil {
			log.Debug("no workspace service, skipping checkout refresh", "repo", job.Repository)
		} else if _, err := r.repos.CloneOrPull(ctx, job.Repository); err != nil {
			return fmt.Errorf("refreshing %s: %w", job.Repository, err)
		}
	}

	sess, err := r.store.CreateSession(store.SessionParams{
		Name:        name.Generate(),
		OwnerUserID: job.UserID,
		ProjectID:   &job.ProjectID,
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	sid := sess.ID
	if err := r.store.AssignTaskSession(job.TaskID, &sid); err != nil {
		log.Warn("linking task to session", "task", job.TaskID, "error", err)
	}
	if err := r.store.AssignExecutionSession(job.ExecutionID, &sid); err != nil {
		log.Warn("linking execution to session", "execution", job.ExecutionID, "error", err)
	}

	if _, err := r.sessions.Start(ctx, job.UserID, sess.ID, session.StartOpts{AgentID: job.AgentID}); err != nil {
		return fmt.Errorf("starting session %s: %w", sess.ID, err)
	}
	return nil
}
