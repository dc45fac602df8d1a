package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "commander.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, username string, admin bool) *User {
	t.Helper()
	u, err := s.CreateUser(username, "", admin)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return u
}

func seedProject(t *testing.T, s *Store, owner *User, name string, shared bool) *Project {
	t.Helper()
	p, err := s.CreateProject(name, "/srv/"+name, owner.ID, shared)
	if err != nil {
		t.Fatalf("CreateProject(%s): %v", name, err)
	}
	return p
}

func TestOpenClose(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "commander.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)

	admin := seedUser(t, s, "ana", true)
	seedUser(t, s, "bo", false)

	got, err := s.UserByID(admin.ID)
	if err != nil {
		t.Fatalf("UserByID: %v", err)
	}
	if got.Username != "ana" || !got.Admin {
		t.Errorf("UserByID = %+v, want ana/admin", got)
	}

	byName, err := s.UserByUsername("bo")
	if err != nil {
		t.Fatalf("UserByUsername: %v", err)
	}
	if byName.Admin {
		t.Error("bo should not be admin")
	}

	first, err := s.FirstAdmin()
	if err != nil {
		t.Fatalf("FirstAdmin: %v", err)
	}
	if first.ID != admin.ID {
		t.Errorf("FirstAdmin = %s, want %s", first.ID, admin.ID)
	}

	if _, err := s.UserByID("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestProjectAccess(t *testing.T) {
	s := newTestStore(t)

	owner := seedUser(t, s, "owner", false)
	other := seedUser(t, s, "other", false)

	private := seedProject(t, s, owner, "private", false)
	shared := seedProject(t, s, owner, "shared", true)

	if !private.AccessibleBy(owner.ID) {
		t.Error("owner must access own project")
	}
	if private.AccessibleBy(other.ID) {
		t.Error("non-owner must not access private project")
	}
	if !shared.AccessibleBy(other.ID) {
		t.Error("anyone may access a shared project")
	}

	visible, err := s.ProjectsForUser(other.ID)
	if err != nil {
		t.Fatalf("ProjectsForUser: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != shared.ID {
		t.Errorf("expected only the shared project, got %d projects", len(visible))
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	owner := seedUser(t, s, "owner", false)
	project := seedProject(t, s, owner, "proj", false)

	sess, err := s.CreateSession(SessionParams{
		Name:        "brave-otter",
		OwnerUserID: owner.ID,
		ProjectID:   &project.ID,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Status != SessionPending {
		t.Errorf("new session status = %s, want pending", sess.Status)
	}

	// Not yet active: pending does not count.
	if _, err := s.ActiveSessionForOwner(owner.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("pending session must not be active, got err=%v", err)
	}

	if err := s.SetSessionStatus(sess.ID, SessionStarting); err != nil {
		t.Fatalf("SetSessionStatus: %v", err)
	}
	active, err := s.ActiveSessionForOwner(owner.ID)
	if err != nil {
		t.Fatalf("ActiveSessionForOwner: %v", err)
	}
	if active.ID != sess.ID {
		t.Errorf("active = %s, want %s", active.ID, sess.ID)
	}

	if err := s.SetSessionRunning(sess.ID, "oc-sess-"+sess.ID); err != nil {
		t.Fatalf("SetSessionRunning: %v", err)
	}
	got, err := s.SessionByID(sess.ID)
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	if got.Status != SessionRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.ContainerName != "oc-sess-"+sess.ID {
		t.Errorf("containerName = %q", got.ContainerName)
	}

	if err := s.SetSessionStatus(sess.ID, SessionStopped); err != nil {
		t.Fatalf("SetSessionStatus stop: %v", err)
	}
	if _, err := s.ActiveSessionForOwner(owner.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("stopped session must not be active, got err=%v", err)
	}
}

func TestSessionChildren(t *testing.T) {
	s := newTestStore(t)

	owner := seedUser(t, s, "owner", false)
	parent, err := s.CreateSession(SessionParams{Name: "parent", OwnerUserID: owner.ID})
	if err != nil {
		t.Fatalf("CreateSession parent: %v", err)
	}
	child, err := s.CreateSession(SessionParams{
		Name:        "fork",
		OwnerUserID: owner.ID,
		ParentID:    &parent.ID,
		Relation:    RelationFork,
	})
	if err != nil {
		t.Fatalf("CreateSession child: %v", err)
	}

	n, err := s.ChildCount(parent.ID)
	if err != nil {
		t.Fatalf("ChildCount: %v", err)
	}
	if n != 1 {
		t.Errorf("ChildCount = %d, want 1", n)
	}

	// The schema refuses to orphan a fork.
	if err := s.DeleteSession(parent.ID); err == nil {
		t.Error("expected delete of parent with children to fail")
	}

	if err := s.DeleteSession(child.ID); err != nil {
		t.Fatalf("DeleteSession child: %v", err)
	}
	if err := s.DeleteSession(parent.ID); err != nil {
		t.Fatalf("DeleteSession parent after child removed: %v", err)
	}
}

func TestDetachChildren(t *testing.T) {
	s := newTestStore(t)

	owner := seedUser(t, s, "owner", false)
	parent, err := s.CreateSession(SessionParams{Name: "parent", OwnerUserID: owner.ID})
	if err != nil {
		t.Fatalf("CreateSession parent: %v", err)
	}
	child, err := s.CreateSession(SessionParams{
		Name:        "stacked",
		OwnerUserID: owner.ID,
		ParentID:    &parent.ID,
		Relation:    RelationStack,
	})
	if err != nil {
		t.Fatalf("CreateSession child: %v", err)
	}

	if err := s.DetachChildren(parent.ID); err != nil {
		t.Fatalf("DetachChildren: %v", err)
	}
	if err := s.DeleteSession(parent.ID); err != nil {
		t.Fatalf("DeleteSession after detach: %v", err)
	}

	got, err := s.SessionByID(child.ID)
	if err != nil {
		t.Fatalf("SessionByID child: %v", err)
	}
	if got.ParentID != nil {
		t.Errorf("child.ParentID = %v, want nil", *got.ParentID)
	}
}

func TestAllSessions(t *testing.T) {
	s := newTestStore(t)

	ana := seedUser(t, s, "ana", true)
	bo := seedUser(t, s, "bo", false)
	for i, owner := range []*User{ana, bo, ana} {
		name := []string{"first", "second", "third"}[i]
		if _, err := s.CreateSession(SessionParams{Name: name, OwnerUserID: owner.ID}); err != nil {
			t.Fatalf("CreateSession(%s): %v", name, err)
		}
	}

	sessions, err := s.AllSessions()
	if err != nil {
		t.Fatalf("AllSessions: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("sessions = %d, want 3", len(sessions))
	}
	if sessions[0].Name != "third" || sessions[2].Name != "first" {
		t.Errorf("order = %s..%s, want newest first", sessions[0].Name, sessions[2].Name)
	}
}

func TestListTasks_PaginationAndFilter(t *testing.T) {
	s := newTestStore(t)

	owner := seedUser(t, s, "owner", false)
	project := seedProject(t, s, owner, "proj", false)

	for i := 0; i < 5; i++ {
		_, err := s.CreateTask(TaskParams{
			ProjectID: project.ID,
			Title:     "task",
			CreatedBy: owner.ID,
		})
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	page, total, err := s.ListTasks(project.ID, "", 2, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Errorf("page size = %d, want 2", len(page))
	}

	if err := s.SetTaskStatus(page[0].ID, TaskDone); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	done, doneTotal, err := s.ListTasks(project.ID, TaskDone, 50, 0)
	if err != nil {
		t.Fatalf("ListTasks done: %v", err)
	}
	if doneTotal != 1 || len(done) != 1 {
		t.Errorf("done filter: total=%d len=%d, want 1/1", doneTotal, len(done))
	}
}

func TestCreateTaskWithExecution(t *testing.T) {
	s := newTestStore(t)

	owner := seedUser(t, s, "owner", false)
	project := seedProject(t, s, owner, "proj", false)

	task, exec, err := s.CreateTaskWithExecution(TaskParams{
		ProjectID: project.ID,
		Title:     "wire the proxy",
		CreatedBy: owner.ID,
	})
	if err != nil {
		t.Fatalf("CreateTaskWithExecution: %v", err)
	}
	if exec.TaskID != task.ID {
		t.Errorf("execution.TaskID = %s, want %s", exec.TaskID, task.ID)
	}
	if exec.Status != ExecutionPending {
		t.Errorf("execution status = %s, want pending", exec.Status)
	}

	execs, err := s.ExecutionsByTask(task.ID)
	if err != nil {
		t.Fatalf("ExecutionsByTask: %v", err)
	}
	if len(execs) != 1 {
		t.Errorf("executions = %d, want 1", len(execs))
	}
}

func TestSetExecutionStatus_Timestamps(t *testing.T) {
	s := newTestStore(t)

	owner := seedUser(t, s, "owner", false)
	project := seedProject(t, s, owner, "proj", false)
	task, err := s.CreateTask(TaskParams{ProjectID: project.ID, Title: "t", CreatedBy: owner.ID})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	exec, err := s.CreateExecution(task.ID, nil)
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	if err := s.SetExecutionStatus(exec.ID, ExecutionRunning); err != nil {
		t.Fatalf("SetExecutionStatus running: %v", err)
	}
	got, err := s.ExecutionByID(exec.ID)
	if err != nil {
		t.Fatalf("ExecutionByID: %v", err)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not stamped on running")
	}
	if got.FinishedAt != nil {
		t.Error("FinishedAt stamped too early")
	}

	if err := s.SetExecutionStatus(exec.ID, ExecutionCompleted); err != nil {
		t.Fatalf("SetExecutionStatus completed: %v", err)
	}
	got, err = s.ExecutionByID(exec.ID)
	if err != nil {
		t.Fatalf("ExecutionByID: %v", err)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not stamped on completed")
	}
}

func TestPortMappings(t *testing.T) {
	s := newTestStore(t)

	owner := seedUser(t, s, "owner", false)
	sess, err := s.CreateSession(SessionParams{Name: "s", OwnerUserID: owner.ID})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := s.UpsertPortMapping(sess.ID, 18080, 3000); err != nil {
		t.Fatalf("UpsertPortMapping: %v", err)
	}
	// Same (session, hostPort) replaces the container port.
	if err := s.UpsertPortMapping(sess.ID, 18080, 8080); err != nil {
		t.Fatalf("UpsertPortMapping replace: %v", err)
	}

	mappings, err := s.PortMappingsBySession(sess.ID)
	if err != nil {
		t.Fatalf("PortMappingsBySession: %v", err)
	}
	if len(mappings) != 1 || mappings[0].ContainerPort != 8080 {
		t.Errorf("mappings = %+v, want single 18080->8080", mappings)
	}

	used, err := s.UsedHostPorts()
	if err != nil {
		t.Fatalf("UsedHostPorts: %v", err)
	}
	if !used[18080] {
		t.Error("expected 18080 marked used")
	}

	if err := s.UpsertPortMapping(sess.ID, 0, 3000); err == nil {
		t.Error("expected range error for host port 0")
	}

	if err := s.DeletePortMappings(sess.ID); err != nil {
		t.Fatalf("DeletePortMappings: %v", err)
	}
	mappings, err = s.PortMappingsBySession(sess.ID)
	if err != nil {
		t.Fatalf("PortMappingsBySession after delete: %v", err)
	}
	if len(mappings) != 0 {
		t.Errorf("expected no mappings, got %d", len(mappings))
	}
}

func TestAPIKeys(t *testing.T) {
	s := newTestStore(t)

	owner := seedUser(t, s, "owner", false)
	k, err := s.CreateAPIKey("k1a2b3c4", owner.ID, "ci", "$2a$10$fakehash")
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if k.LastUsedAt != nil {
		t.Error("fresh key should have nil LastUsedAt")
	}

	if err := s.TouchAPIKey(k.ID); err != nil {
		t.Fatalf("TouchAPIKey: %v", err)
	}
	got, err := s.APIKeyByID(k.ID)
	if err != nil {
		t.Fatalf("APIKeyByID: %v", err)
	}
	if got.LastUsedAt == nil {
		t.Error("LastUsedAt not stamped")
	}
	if got.SecretHash != "$2a$10$fakehash" {
		t.Errorf("SecretHash = %q", got.SecretHash)
	}

	if err := s.DeleteAPIKey(k.ID); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}
	if _, err := s.APIKeyByID(k.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestEvents(t *testing.T) {
	s := newTestStore(t)

	owner := seedUser(t, s, "owner", false)
	if _, err := s.AppendEvent("session.started", &owner.ID, nil, map[string]string{"session": "s1"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if _, err := s.AppendEvent("session.stopped", &owner.ID, nil, nil); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	events, err := s.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	// Newest first.
	if events[0].Type != "session.stopped" {
		t.Errorf("events[0].Type = %s, want session.stopped", events[0].Type)
	}
	if events[1].Data == "" {
		t.Error("expected JSON payload on first event")
	}
}

func TestProjectCascade(t *testing.T) {
	s := newTestStore(t)

	owner := seedUser(t, s, "owner", false)
	project := seedProject(t, s, owner, "proj", false)
	task, err := s.CreateTask(TaskParams{ProjectID: project.ID, Title: "t", CreatedBy: owner.ID})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.DeleteProject(project.ID); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if _, err := s.TaskByID(task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("task should cascade with project, got %v", err)
	}
}
