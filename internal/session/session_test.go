package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/falleco/open-commander/internal/broadcast"
	"github.com/falleco/open-commander/internal/config"
	"github.com/falleco/open-commander/internal/docker"
	"github.com/falleco/open-commander/internal/docker/dockertest"
	"github.com/falleco/open-commander/internal/ingress"
	"github.com/falleco/open-commander/internal/mounts"
	"github.com/falleco/open-commander/internal/store"
)

type fixture struct {
	svc     *Service
	store   *store.Store
	driver  *dockertest.FakeDriver
	hub     *broadcast.Hub
	cfg     *config.Config
	user    *store.User
	project *store.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "commander.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	stateRoot := t.TempDir()
	workspaceRoot := t.TempDir()
	certsDir := t.TempDir()

	cfg := config.Default()
	cfg.Paths.StateRoot = stateRoot
	cfg.Paths.WorkspaceRoot = workspaceRoot
	cfg.Docker.CertsDir = certsDir

	planner := &mounts.Planner{
		StateRoot:     stateRoot,
		WorkspaceRoot: workspaceRoot,
		CertsDir:      certsDir,
		ProxyURL:      cfg.Proxy.URL,
		NoProxyHosts:  cfg.Proxy.NoProxy,
		DockerHost:    cfg.Docker.InnerHost,
		TerminalArgv:  cfg.Terminal.Argv,
		AgentIDs:      cfg.AgentIDs(),
	}

	driver := dockertest.New()
	hub := broadcast.NewHub()

	svc := New(st, driver, planner, hub, &ingress.DriverCleaner{Driver: driver, Store: st}, cfg)
	svc.layerDelay = time.Millisecond

	user, err := st.CreateUser("dev", "Dev", false)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	project, err := st.CreateProject("widgets", "repos/falleco/widgets", user.ID, false)
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	return &fixture{
		svc:     svc,
		store:   st,
		driver:  driver,
		hub:     hub,
		cfg:     cfg,
		user:    user,
		project: project,
	}
}

func (f *fixture) newSession(t *testing.T) *store.Session {
	t.Helper()
	sess, err := f.store.CreateSession(store.SessionParams{
		Name:        "sess",
		OwnerUserID: f.user.ID,
		ProjectID:   &f.project.ID,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func (f *fixture) sessionStatus(t *testing.T, id string) store.SessionStatus {
	t.Helper()
	sess, err := f.store.SessionByID(id)
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	return sess.Status
}

func TestStartCreatesContainer(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	notified := 0
	unsub := f.hub.Subscribe("sessions:"+f.project.ID, func() { notified++ })
	defer unsub()

	name, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if want := "oc-sess-" + sess.ID; name != want {
		t.Fatalf("container name = %q, want %q", name, want)
	}

	if !f.driver.ContainerRunning(name) {
		t.Fatal("container is not running after Start")
	}
	for _, op := range []string{"ensurenetwork", "pull", "run"} {
		if f.driver.CallCount(op) != 1 {
			t.Fatalf("%s called %d times, want 1", op, f.driver.CallCount(op))
		}
	}

	got, err := f.store.SessionByID(sess.ID)
	if err != nil {
		t.Fatalf("SessionByID: %v", err)
	}
	if got.Status != store.SessionRunning {
		t.Fatalf("status = %q, want running", got.Status)
	}
	if got.ContainerName != name {
		t.Fatalf("recorded name = %q, want %q", got.ContainerName, name)
	}
	if notified == 0 {
		t.Fatal("session watchers were never notified")
	}
}

func TestStartTwiceShortCircuits(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)
	ctx := context.Background()

	first, err := f.svc.Start(ctx, f.user.ID, sess.ID, StartOpts{})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	callsBefore := len(f.driver.Calls())

	second, err := f.svc.Start(ctx, f.user.ID, sess.ID, StartOpts{})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if second != first {
		t.Fatalf("second Start returned %q, want %q", second, first)
	}
	if got := len(f.driver.Calls()); got != callsBefore {
		t.Fatalf("second Start touched the engine: %v", f.driver.Calls()[callsBefore:])
	}
}

func TestStartAdoptsStoppedContainer(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)
	name := ContainerName(sess.ID)
	f.driver.SetContainer(name, false)

	got, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got != name {
		t.Fatalf("name = %q, want %q", got, name)
	}
	if f.driver.CallCount("start") != 1 {
		t.Fatalf("start called %d times, want 1", f.driver.CallCount("start"))
	}
	if f.driver.CallCount("run") != 0 {
		t.Fatal("run should not be called when the container exists")
	}
}

func TestResetRestartsStoppedContainer(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)
	name := ContainerName(sess.ID)

	// Session looks alive in the store, but the engine lost the container's
	// process (host reboot). Reset must reconcile instead of trusting the row.
	if err := f.store.SetSessionRunning(sess.ID, name); err != nil {
		t.Fatalf("SetSessionRunning: %v", err)
	}
	f.driver.SetContainer(name, false)

	if _, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{Reset: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.driver.CallCount("restart") != 1 {
		t.Fatalf("restart called %d times, want 1", f.driver.CallCount("restart"))
	}
	if f.driver.CallCount("start") != 0 || f.driver.CallCount("run") != 0 {
		t.Fatalf("unexpected engine calls: %v", f.driver.Calls())
	}
}

func TestResetLeavesRunningContainerAlone(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)
	name := ContainerName(sess.ID)
	if err := f.store.SetSessionRunning(sess.ID, name); err != nil {
		t.Fatalf("SetSessionRunning: %v", err)
	}
	f.driver.SetContainer(name, true)

	got, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{Reset: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got != name {
		t.Fatalf("name = %q, want %q", got, name)
	}
	for _, op := range []string{"run", "start", "restart"} {
		if f.driver.CallCount(op) != 0 {
			t.Fatalf("%s should not run against a live container", op)
		}
	}
}

func TestStartMissingSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Start(context.Background(), f.user.ID, "ghost", StartOpts{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestStartStoppedSessionIsNotFound(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)
	if err := f.store.SetSessionStatus(sess.ID, store.SessionStopped); err != nil {
		t.Fatalf("SetSessionStatus: %v", err)
	}

	_, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

// missingThenReal reports the container missing on the first probe, then
// answers from the fake's table. Simulates losing a create race to a
// concurrent broker.
func missingThenReal(f *dockertest.FakeDriver) func(context.Context, string) (*bool, error) {
	probes := 0
	return func(ctx context.Context, name string) (*bool, error) {
		probes++
		if probes == 1 {
			return nil, nil
		}
		if !f.HasContainer(name) {
			return nil, nil
		}
		running := f.ContainerRunning(name)
		return &running, nil
	}
}

func TestNameConflictAdoptsExisting(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)
	name := ContainerName(sess.ID)

	f.driver.SetContainer(name, false)
	f.driver.IsRunningFn = missingThenReal(f.driver)

	if _, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.driver.CallCount("run") != 1 {
		t.Fatalf("run called %d times, want 1", f.driver.CallCount("run"))
	}
	if f.driver.CallCount("start") != 1 {
		t.Fatalf("start called %d times, want 1", f.driver.CallCount("start"))
	}
	if !f.driver.ContainerRunning(name) {
		t.Fatal("adopted container is not running")
	}
}

func TestNameConflictReplacesUnstartable(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)
	name := ContainerName(sess.ID)

	f.driver.SetContainer(name, false)
	f.driver.IsRunningFn = missingThenReal(f.driver)
	f.driver.StartFn = func(ctx context.Context, n string) error {
		return fmt.Errorf("container %s is corrupted", n)
	}

	if _, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.driver.CallCount("run") != 2 {
		t.Fatalf("run called %d times, want 2", f.driver.CallCount("run"))
	}
	if f.driver.CallCount("saferemove") != 1 {
		t.Fatalf("saferemove called %d times, want 1", f.driver.CallCount("saferemove"))
	}
	if f.driver.CallCount("ensurenetwork") != 2 {
		t.Fatalf("ensurenetwork called %d times, want 2", f.driver.CallCount("ensurenetwork"))
	}
}

func layerLocked(name string) error {
	return &docker.Error{
		Kind: docker.KindLayerLocked,
		Op:   "create",
		Name: name,
		Err:  errors.New("layer is locked by extraction"),
	}
}

func TestLayerLockWaitsAndRetries(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	runs := 0
	f.driver.RunFn = func(ctx context.Context, spec docker.RunSpec) (string, error) {
		runs++
		if runs < 3 {
			return "", layerLocked(spec.Name)
		}
		f.driver.SetContainer(spec.Name, true)
		return "id-" + spec.Name, nil
	}

	if _, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if runs != 3 {
		t.Fatalf("run attempted %d times, want 3", runs)
	}
	if f.sessionStatus(t, sess.ID) != store.SessionRunning {
		t.Fatalf("status = %q, want running", f.sessionStatus(t, sess.ID))
	}
}

func TestLayerLockGivesUpEventually(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	runs := 0
	f.driver.RunFn = func(ctx context.Context, spec docker.RunSpec) (string, error) {
		runs++
		return "", layerLocked(spec.Name)
	}

	_, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{})
	if err == nil {
		t.Fatal("Start succeeded despite permanent layer lock")
	}
	if runs != 5 {
		t.Fatalf("run attempted %d times, want 5", runs)
	}
	if f.sessionStatus(t, sess.ID) != store.SessionError {
		t.Fatalf("status = %q, want error", f.sessionStatus(t, sess.ID))
	}
}

func TestCreateFailureMarksSessionErrored(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	f.driver.RunFn = func(ctx context.Context, spec docker.RunSpec) (string, error) {
		return "", errors.New("disk full")
	}

	_, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{})
	if err == nil {
		t.Fatal("Start succeeded despite create failure")
	}
	if f.sessionStatus(t, sess.ID) != store.SessionError {
		t.Fatalf("status = %q, want error", f.sessionStatus(t, sess.ID))
	}
}

func TestContainerDiesAfterCreate(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	f.driver.RunFn = func(ctx context.Context, spec docker.RunSpec) (string, error) {
		// Created but exits immediately.
		f.driver.SetContainer(spec.Name, false)
		return "id-" + spec.Name, nil
	}

	_, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{})
	if !errors.Is(err, ErrContainerNotRunning) {
		t.Fatalf("err = %v, want ErrContainerNotRunning", err)
	}
	if f.sessionStatus(t, sess.ID) != store.SessionError {
		t.Fatalf("status = %q, want error", f.sessionStatus(t, sess.ID))
	}
}

func TestGitBranchCheckoutIsBestEffort(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	f.driver.ExecFn = func(ctx context.Context, name string, argv []string) (docker.ExecResult, error) {
		return docker.ExecResult{}, errors.New("exec transport broke")
	}

	if _, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{GitBranch: "main"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := "exec oc-sess-" + sess.ID + " git -C /workspace checkout main"
	found := false
	for _, call := range f.driver.Calls() {
		if call == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("checkout exec not issued; calls: %v", f.driver.Calls())
	}
	if f.sessionStatus(t, sess.ID) != store.SessionRunning {
		t.Fatal("checkout failure must not fail the start")
	}
}

func TestAgentLayering(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	t.Setenv("OC_TEST_ANTHROPIC_KEY", "sk-test-123")
	extra := t.TempDir()
	f.cfg.Agents = []config.AgentConfig{{
		ID:          "claude",
		Image:       "ghcr.io/falleco/claude-agent:latest",
		ExtraMounts: []string{extra + ":/cache:ro"},
		Publish:     []string{"18080:3000"},
		Env:         map[string]string{"ANTHROPIC_API_KEY": "env://OC_TEST_ANTHROPIC_KEY"},
	}}

	if _, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{AgentID: "claude"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(f.driver.RunSpecs) != 1 {
		t.Fatalf("got %d run specs, want 1", len(f.driver.RunSpecs))
	}
	spec := f.driver.RunSpecs[0]
	if spec.Image != "ghcr.io/falleco/claude-agent:latest" {
		t.Fatalf("image = %q", spec.Image)
	}

	foundEnv := false
	for _, kv := range spec.Env {
		if kv == "ANTHROPIC_API_KEY=sk-test-123" {
			foundEnv = true
		}
	}
	if !foundEnv {
		t.Fatal("agent env var was not resolved into the run spec")
	}

	foundMount := false
	for _, m := range spec.Mounts {
		if m.Target == "/cache" && m.ReadOnly {
			foundMount = true
		}
	}
	if !foundMount {
		t.Fatalf("extra mount missing from spec: %+v", spec.Mounts)
	}

	mappings, err := f.store.PortMappingsBySession(sess.ID)
	if err != nil {
		t.Fatalf("PortMappingsBySession: %v", err)
	}
	if len(mappings) != 1 || mappings[0].HostPort != 18080 || mappings[0].ContainerPort != 3000 {
		t.Fatalf("mappings = %+v", mappings)
	}
}

func TestUnknownAgentRejected(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	_, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{AgentID: "nope"})
	if !errors.Is(err, mounts.ErrInvalidInput) {
		t.Fatalf("err = %v, want invalid input", err)
	}
}

func TestWorkspaceSuffixMounted(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	sub := filepath.Join(f.cfg.Paths.WorkspaceRoot, "proj")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if _, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{WorkspaceSuffix: "proj"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	spec := f.driver.RunSpecs[0]
	found := false
	for _, m := range spec.Mounts {
		if m.Target == "/workspace" && m.Source == sub {
			found = true
		}
	}
	if !found {
		t.Fatalf("workspace mount wrong: %+v", spec.Mounts)
	}
}

func TestStopRemovesContainerAndIngress(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)
	ctx := context.Background()

	name, err := f.svc.Start(ctx, f.user.ID, sess.ID, StartOpts{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.driver.SetContainer(ingress.HelperName(sess.ID), true)

	res, err := f.svc.Stop(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !res.Removed {
		t.Fatalf("Removed = false, result %+v", res)
	}
	if res.ContainerName != name {
		t.Fatalf("ContainerName = %q, want %q", res.ContainerName, name)
	}
	if f.driver.HasContainer(name) {
		t.Fatal("agent container survived Stop")
	}
	if f.driver.HasContainer(ingress.HelperName(sess.ID)) {
		t.Fatal("ingress helper survived Stop")
	}
	if f.sessionStatus(t, sess.ID) != store.SessionStopped {
		t.Fatalf("status = %q, want stopped", f.sessionStatus(t, sess.ID))
	}
}

func TestStopMissingContainer(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	res, err := f.svc.Stop(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Removed {
		t.Fatal("Removed = true for a container that never existed")
	}
	if res.Err != "" {
		t.Fatalf("Err = %q, want empty", res.Err)
	}
	if f.sessionStatus(t, sess.ID) != store.SessionStopped {
		t.Fatalf("status = %q, want stopped", f.sessionStatus(t, sess.ID))
	}
}

func TestStopReportsSurvivingContainer(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)
	name := ContainerName(sess.ID)
	f.driver.SetContainer(name, true)

	// Remove reports success but the container is still there.
	f.driver.RemoveFn = func(ctx context.Context, n string) error { return nil }

	res, err := f.svc.Stop(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Removed {
		t.Fatal("Removed = true for a surviving container")
	}
	if res.Err != "still exists" {
		t.Fatalf("Err = %q, want %q", res.Err, "still exists")
	}
}

func TestConcurrentStartsCollapse(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
	}
	if got := f.driver.CallCount("run"); got != 1 {
		t.Fatalf("run called %d times, want 1", got)
	}
}

func TestLifecycleEventsRecorded(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	if _, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.svc.Stop(context.Background(), sess.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	events, err := f.store.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != "session.stopped" || events[1].Type != "session.started" {
		t.Fatalf("events = %s, %s; want session.stopped then session.started", events[0].Type, events[1].Type)
	}
	if events[1].ActorID == nil || *events[1].ActorID != f.user.ID {
		t.Fatalf("started actor = %v, want %s", events[1].ActorID, f.user.ID)
	}
	if events[0].SubjectID == nil || *events[0].SubjectID != sess.ID {
		t.Fatalf("stopped subject = %v, want %s", events[0].SubjectID, sess.ID)
	}
}

func TestFailedStartRecordsErrorEvent(t *testing.T) {
	f := newFixture(t)
	sess := f.newSession(t)

	f.driver.RunFn = func(ctx context.Context, spec docker.RunSpec) (string, error) {
		return "", errors.New("disk full")
	}

	if _, err := f.svc.Start(context.Background(), f.user.ID, sess.ID, StartOpts{}); err == nil {
		t.Fatal("Start succeeded despite create failure")
	}

	events, err := f.store.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != "session.errored" {
		t.Fatalf("event type = %q, want session.errored", events[0].Type)
	}
}
