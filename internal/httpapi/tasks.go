package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/falleco/open-commander/internal/jobs"
	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/store"
	"github.com/falleco/open-commander/internal/workspace"
)

// createTaskRequest is the POST /api/tasks body. MountPoint is accepted
// from older clients and ignored.
type createTaskRequest struct {
	Body       string `json:"body"`
	AgentID    string `json:"agentId"`
	Repository string `json:"repository"`
	MountPoint string `json:"mountPoint"`
}

// taskResponse pairs a task with the execution that was queued for it,
// null when the task was filed without an agent.
type taskResponse struct {
	Task      *store.Task      `json:"task"`
	Execution *store.Execution `json:"execution"`
}

type taskListResponse struct {
	Tasks      []*store.Task `json:"tasks"`
	Pagination pagination    `json:"pagination"`
}

type pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// handleListTasks returns tasks across all projects, newest first. The
// limit defaults to 50 and is clamped to 1..100.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, _ string) {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"invalid offset"}`, http.StatusBadRequest)
			return
		}
		offset = n
	}

	status := store.TaskStatus(q.Get("status"))
	if status != "" && !store.ValidTaskStatus(status) {
		http.Error(w, `{"error":"invalid status"}`, http.StatusBadRequest)
		return
	}

	tasks, total, err := s.store.ListTasks("", status, limit, offset)
	if err != nil {
		log.Error("listing tasks failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}

	writeJSON(w, http.StatusOK, taskListResponse{
		Tasks: tasks,
		Pagination: pagination{
			Total:   total,
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(tasks) < total,
		},
	})
}

// handleCreateTask files a task. With an agentId the task starts out
// doing, a pending execution is recorded and a job is queued; without one
// the task just sits in todo for someone to pick up.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, userID string) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	req.Body = strings.TrimSpace(req.Body)
	if req.Body == "" {
		http.Error(w, `{"error":"body is required"}`, http.StatusBadRequest)
		return
	}
	if req.AgentID != "" && s.cfg.Agent(req.AgentID) == nil {
		http.Error(w, `{"error":"unknown agent"}`, http.StatusBadRequest)
		return
	}
	if req.Repository != "" {
		if _, _, err := workspace.SplitRepo(req.Repository); err != nil {
			http.Error(w, `{"error":"invalid repository"}`, http.StatusBadRequest)
			return
		}
	}
	if req.MountPoint != "" {
		log.Debug("ignoring deprecated mountPoint", "mountPoint", req.MountPoint)
	}

	project, err := s.projectForTask(userID, req.Repository)
	if err != nil {
		log.Error("resolving task project failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	if req.AgentID == "" {
		task, err := s.store.CreateTask(store.TaskParams{
			ProjectID: project.ID,
			Title:     req.Body,
			CreatedBy: userID,
		})
		if err != nil {
			log.Error("creating task failed", "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		s.event("task.created", userID, task.ID, nil)
		writeJSON(w, http.StatusCreated, taskResponse{Task: task})
		return
	}

	agentID := req.AgentID
	task, exec, err := s.store.CreateTaskWithExecution(store.TaskParams{
		ProjectID: project.ID,
		Title:     req.Body,
		Status:    store.TaskDoing,
		AgentID:   &agentID,
		CreatedBy: userID,
	})
	if err != nil {
		log.Error("creating task failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	err = s.queue.Enqueue(r.Context(), jobs.Job{
		TaskID:      task.ID,
		ExecutionID: exec.ID,
		UserID:      userID,
		ProjectID:   project.ID,
		AgentID:     agentID,
		Repository:  req.Repository,
	})
	if err != nil {
		// The rows exist but nothing will pick them up. Leave them the way
		// a failed run would: execution failed, task back on the board.
		log.Warn("queueing task failed", "task", task.ID, "error", err)
		if serr := s.store.SetExecutionStatus(exec.ID, store.ExecutionFailed); serr != nil {
			log.Error("failing execution", "execution", exec.ID, "error", serr)
		}
		if serr := s.store.SetTaskStatus(task.ID, store.TaskTodo); serr != nil {
			log.Error("resetting task", "task", task.ID, "error", serr)
		}
		http.Error(w, `{"error":"failed to queue task"}`, http.StatusInternalServerError)
		return
	}

	s.event("task.created", userID, task.ID, map[string]string{
		"agent":      agentID,
		"repository": req.Repository,
	})
	writeJSON(w, http.StatusCreated, taskResponse{Task: task, Execution: exec})
}

// handleGetTask returns a task with its latest execution.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, _ string) {
	task, err := s.store.TaskByID(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
			return
		}
		log.Error("loading task failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	execs, err := s.store.ExecutionsByTask(task.ID)
	if err != nil {
		log.Error("loading executions failed", "task", task.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	resp := taskResponse{Task: task}
	if len(execs) > 0 {
		resp.Execution = execs[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

// projectForTask finds or creates the project a delegated task files
// under. Tasks naming a repository share a project keyed by the checkout
// folder, so repeat delegations against the same repository land on one
// board; bare tasks go to the key owner's catch-all project rooted at the
// workspace itself.
func (s *Server) projectForTask(userID, repository string) (*store.Project, error) {
	name, folder := "tasks", ""
	if repository != "" {
		owner, repo, err := workspace.SplitRepo(repository)
		if err != nil {
			return nil, err
		}
		name = repository
		folder = path.Join("repos", owner, repo)
	}

	projects, err := s.store.ProjectsForUser(userID)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.Folder == folder {
			return p, nil
		}
	}
	return s.store.CreateProject(name, folder, userID, false)
}
