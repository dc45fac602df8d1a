// Package dockertest provides a scriptable in-memory docker.Driver.
//
// The fake keeps a container/network/image table so most tests only seed
// state and assert on the call log; per-operation Fn fields override any
// single behavior when a test needs a specific failure.
package dockertest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"github.com/falleco/open-commander/internal/docker"
)

// FakeDriver implements docker.Driver in memory.
type FakeDriver struct {
	mu         sync.Mutex
	calls      []string
	containers map[string]bool // name → running
	networks   map[string]bool // name → internal
	images     map[string]bool

	// Overrides. A nil field falls through to the in-memory default.
	RunFn           func(ctx context.Context, spec docker.RunSpec) (string, error)
	StartFn         func(ctx context.Context, name string) error
	RestartFn       func(ctx context.Context, name string) error
	StopFn          func(ctx context.Context, name string) error
	RemoveFn        func(ctx context.Context, name string) error
	SafeRemoveFn    func(ctx context.Context, name string) error
	IsRunningFn     func(ctx context.Context, name string) (*bool, error)
	ExecFn          func(ctx context.Context, name string, argv []string) (docker.ExecResult, error)
	ExecStreamFn    func(ctx context.Context, name string, argv []string) (io.ReadWriteCloser, error)
	PullFn          func(ctx context.Context, ref string) error
	EnsureNetworkFn func(ctx context.Context, name string, internal bool) error
	ListFn          func(ctx context.Context, prefix string) ([]docker.ContainerInfo, error)
	PingFn          func(ctx context.Context) error

	// RunSpecs records every spec passed to Run.
	RunSpecs []docker.RunSpec
}

var _ docker.Driver = (*FakeDriver)(nil)

// New creates an empty FakeDriver.
func New() *FakeDriver {
	return &FakeDriver{
		containers: make(map[string]bool),
		networks:   make(map[string]bool),
		images:     make(map[string]bool),
	}
}

// SetContainer seeds a container in the given running state.
func (f *FakeDriver) SetContainer(name string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = running
}

// HasContainer reports whether the named container exists.
func (f *FakeDriver) HasContainer(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[name]
	return ok
}

// ContainerRunning reports whether the named container exists and is running.
func (f *FakeDriver) ContainerRunning(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[name]
}

// Calls returns the operations invoked so far, e.g. "run oc-sess-a1".
func (f *FakeDriver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts invocations of one operation.
func (f *FakeDriver) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op || strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

func (f *FakeDriver) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *FakeDriver) Run(ctx context.Context, spec docker.RunSpec) (string, error) {
	f.record("run " + spec.Name)
	f.mu.Lock()
	f.RunSpecs = append(f.RunSpecs, spec)
	f.mu.Unlock()

	if f.RunFn != nil {
		return f.RunFn(ctx, spec)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[spec.Name]; ok {
		return "", &docker.Error{
			Kind: docker.KindNameConflict,
			Op:   "create",
			Name: spec.Name,
			Err:  fmt.Errorf("name %q already in use", spec.Name),
		}
	}
	f.containers[spec.Name] = true
	return "id-" + spec.Name, nil
}

func (f *FakeDriver) Start(ctx context.Context, name string) error {
	f.record("start " + name)
	if f.StartFn != nil {
		return f.StartFn(ctx, name)
	}
	return f.setRunning(name, true)
}

func (f *FakeDriver) Restart(ctx context.Context, name string) error {
	f.record("restart " + name)
	if f.RestartFn != nil {
		return f.RestartFn(ctx, name)
	}
	return f.setRunning(name, true)
}

func (f *FakeDriver) Stop(ctx context.Context, name string) error {
	f.record("stop " + name)
	if f.StopFn != nil {
		return f.StopFn(ctx, name)
	}
	return f.setRunning(name, false)
}

func (f *FakeDriver) Remove(ctx context.Context, name string) error {
	f.record("remove " + name)
	if f.RemoveFn != nil {
		return f.RemoveFn(ctx, name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		return notFound(name)
	}
	delete(f.containers, name)
	return nil
}

func (f *FakeDriver) SafeRemove(ctx context.Context, name string) error {
	f.record("saferemove " + name)
	if f.SafeRemoveFn != nil {
		return f.SafeRemoveFn(ctx, name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, name)
	return nil
}

func (f *FakeDriver) IsRunning(ctx context.Context, name string) (*bool, error) {
	f.record("isrunning " + name)
	if f.IsRunningFn != nil {
		return f.IsRunningFn(ctx, name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.containers[name]
	if !ok {
		return nil, nil
	}
	return &running, nil
}

func (f *FakeDriver) Exec(ctx context.Context, name string, argv []string) (docker.ExecResult, error) {
	f.record("exec " + name + " " + strings.Join(argv, " "))
	if f.ExecFn != nil {
		return f.ExecFn(ctx, name, argv)
	}
	return docker.ExecResult{ExitCode: 0}, nil
}

func (f *FakeDriver) ExecStream(ctx context.Context, name string, argv []string) (io.ReadWriteCloser, error) {
	f.record("execstream " + name)
	if f.ExecStreamFn != nil {
		return f.ExecStreamFn(ctx, name, argv)
	}
	return nil, fmt.Errorf("execstream not scripted for %s", name)
}

func (f *FakeDriver) Pull(ctx context.Context, ref string) error {
	f.record("pull " + ref)
	if f.PullFn != nil {
		return f.PullFn(ctx, ref)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = true
	return nil
}

func (f *FakeDriver) EnsureNetwork(ctx context.Context, name string, internal bool) error {
	f.record("ensurenetwork " + name)
	if f.EnsureNetworkFn != nil {
		return f.EnsureNetworkFn(ctx, name, internal)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = internal
	return nil
}

func (f *FakeDriver) List(ctx context.Context, prefix string) ([]docker.ContainerInfo, error) {
	f.record("list " + prefix)
	if f.ListFn != nil {
		return f.ListFn(ctx, prefix)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docker.ContainerInfo
	for name, running := range f.containers {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		state := "exited"
		if running {
			state = "running"
		}
		out = append(out, docker.ContainerInfo{
			ID:      "id-" + name,
			Name:    name,
			State:   state,
			Created: time.Unix(0, 0),
		})
	}
	return out, nil
}

func (f *FakeDriver) Ping(ctx context.Context) error {
	f.record("ping")
	if f.PingFn != nil {
		return f.PingFn(ctx)
	}
	return nil
}

func (f *FakeDriver) Close() error {
	f.record("close")
	return nil
}

func (f *FakeDriver) setRunning(name string, running bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		return notFound(name)
	}
	f.containers[name] = running
	return nil
}

func notFound(name string) error {
	return fmt.Errorf("no such container %s: %w", name, errdefs.ErrNotFound)
}
