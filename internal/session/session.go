// Package session drives the lifecycle of agent containers: it turns a
// stored session row into a running container and back, reconciling
// whatever state the engine is actually in. All engine access goes through
// the docker.Driver so the recovery paths stay testable.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/falleco/open-commander/internal/broadcast"
	"github.com/falleco/open-commander/internal/config"
	"github.com/falleco/open-commander/internal/docker"
	"github.com/falleco/open-commander/internal/ingress"
	"github.com/falleco/open-commander/internal/log"
	"github.com/falleco/open-commander/internal/mounts"
	"github.com/falleco/open-commander/internal/secrets"
	"github.com/falleco/open-commander/internal/store"
)

// ContainerPrefix starts every session container name. Listing by it
// finds all session containers regardless of what the database says.
const ContainerPrefix = "oc-sess-"

const (
	maxLayerRetries = 5
	layerRetryDelay = 5 * time.Second
)

// ErrContainerNotRunning means the container refused to stay up after a
// start or create. The session is moved to error when this surfaces.
var ErrContainerNotRunning = errors.New("container is not running after start")

// ContainerName returns the engine container name for a session id.
func ContainerName(sessionID string) string {
	return ContainerPrefix + sessionID
}

// StartOpts tune a single Start call.
type StartOpts struct {
	// Reset skips the short-circuit on an already-started session and
	// restarts a stopped container instead of plainly starting it.
	Reset bool

	// WorkspaceSuffix selects a subdirectory of the workspace root to mount
	// at /workspace. Empty mounts the whole root.
	WorkspaceSuffix string

	// GitBranch is checked out in /workspace after the container is up.
	// Failures are logged, never fatal.
	GitBranch string

	// AgentID layers that agent's image, env, mounts, and published ports
	// onto the container.
	AgentID string
}

// StopResult reports what Stop did to the container.
type StopResult struct {
	Removed       bool   `json:"removed"`
	ContainerName string `json:"containerName"`
	Err           string `json:"error,omitempty"`
}

// Service orchestrates session containers. Start and Stop serialize per
// session id, so concurrent calls against one session collapse into a
// single engine interaction.
type Service struct {
	store   *store.Store
	driver  docker.Driver
	planner *mounts.Planner
	hub     *broadcast.Hub
	cleaner ingress.Cleaner
	cfg     *config.Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	layerDelay time.Duration
}

// New wires a Service. The cleaner may be ingress.NopCleaner{} when no
// ingress helper runs alongside sessions.
func New(st *store.Store, driver docker.Driver, planner *mounts.Planner, hub *broadcast.Hub, cleaner ingress.Cleaner, cfg *config.Config) *Service {
	return &Service{
		store:      st,
		driver:     driver,
		planner:    planner,
		hub:        hub,
		cleaner:    cleaner,
		cfg:        cfg,
		locks:      make(map[string]*sync.Mutex),
		layerDelay: layerRetryDelay,
	}
}

// lock returns the per-session mutex, creating it on first use.
func (s *Service) lock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[sessionID]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[sessionID] = lk
	}
	return lk
}

// Start brings the session's container up and records the binding,
// reconciling with whatever the engine already has under the session's
// name. Repeated calls are idempotent: an already-started session returns
// its recorded container name untouched. Reset bypasses that short-circuit
// and restarts a stopped container.
func (s *Service) Start(ctx context.Context, userID, sessionID string, opts StartOpts) (string, error) {
	lk := s.lock(sessionID)
	lk.Lock()
	defer lk.Unlock()

	if !opts.Reset {
		if name, ok := s.recordedName(userID, sessionID); ok {
			return name, nil
		}
	}

	sess, err := s.store.SessionByID(sessionID)
	if err != nil {
		return "", fmt.Errorf("loading session: %w", err)
	}
	if sess.Status == store.SessionStopped {
		return "", fmt.Errorf("session %s is stopped: %w", sessionID, store.ErrNotFound)
	}

	name := ContainerName(sessionID)

	if err := s.store.SetSessionStatus(sessionID, store.SessionStarting); err != nil {
		return "", fmt.Errorf("marking session starting: %w", err)
	}
	s.notify(sess)

	running, err := s.driver.IsRunning(ctx, name)
	if err != nil {
		return "", s.fail(sess, fmt.Errorf("probing container: %w", err))
	}

	var published []docker.PortBinding
	switch {
	case running == nil:
		spec, err := s.buildRunSpec(ctx, sess, name, opts)
		if err != nil {
			return "", s.fail(sess, err)
		}
		if err := s.driver.EnsureNetwork(ctx, s.cfg.Docker.Network, false); err != nil {
			return "", s.fail(sess, fmt.Errorf("ensuring network: %w", err))
		}
		if err := s.driver.Pull(ctx, spec.Image); err != nil {
			return "", s.fail(sess, fmt.Errorf("pulling %s: %w", spec.Image, err))
		}
		if err := s.createContainer(ctx, spec); err != nil {
			return "", s.fail(sess, err)
		}
		published = spec.Ports
	case !*running && opts.Reset:
		if err := s.driver.Restart(ctx, name); err != nil {
			return "", s.fail(sess, fmt.Errorf("restarting container: %w", err))
		}
	case !*running:
		if err := s.driver.Start(ctx, name); err != nil {
			return "", s.fail(sess, fmt.Errorf("starting container: %w", err))
		}
	}

	running, err = s.driver.IsRunning(ctx, name)
	if err != nil {
		return "", s.fail(sess, fmt.Errorf("verifying container: %w", err))
	}
	if running == nil || !*running {
		return "", s.fail(sess, fmt.Errorf("%s: %w", name, ErrContainerNotRunning))
	}

	if opts.GitBranch != "" {
		s.checkout(ctx, name, opts.GitBranch)
	}

	s.recordPorts(sessionID, published)

	if err := s.store.SetSessionRunning(sessionID, name); err != nil {
		return "", fmt.Errorf("recording running session: %w", err)
	}
	s.notify(sess)
	s.event("session.started", userID, sessionID, map[string]string{"container": name})
	return name, nil
}

// Stop tears down the session's container and its ingress leftovers, then
// marks the session stopped. A container that is already gone is not an
// error; a container that survives removal is reported in the result.
func (s *Service) Stop(ctx context.Context, sessionID string) (StopResult, error) {
	lk := s.lock(sessionID)
	lk.Lock()
	defer lk.Unlock()

	sess, err := s.store.SessionByID(sessionID)
	if err != nil {
		return StopResult{}, fmt.Errorf("loading session: %w", err)
	}

	name := sess.ContainerName
	if name == "" {
		name = ContainerName(sessionID)
	}
	res := StopResult{ContainerName: name}

	if err := s.cleaner.Cleanup(ctx, sessionID); err != nil {
		log.Debug("ingress cleanup", "session", sessionID, "error", err)
	}

	switch err := s.driver.Remove(ctx, name); {
	case err == nil:
		state, probeErr := s.driver.IsRunning(ctx, name)
		if probeErr == nil && state != nil {
			res.Err = "still exists"
		} else {
			res.Removed = true
		}
	case docker.IsNotFound(err):
		// Already gone; stopping is still a success.
	default:
		return res, fmt.Errorf("removing container: %w", err)
	}

	if err := s.store.SetSessionStatus(sessionID, store.SessionStopped); err != nil {
		return res, fmt.Errorf("marking session stopped: %w", err)
	}
	s.notify(sess)
	s.event("session.stopped", "", sessionID, map[string]any{
		"container": name,
		"removed":   res.Removed,
	})
	return res, nil
}

// recordedName implements Start's short-circuit: a session already
// starting or running for this owner keeps its container untouched.
func (s *Service) recordedName(userID, sessionID string) (string, bool) {
	sess, err := s.store.SessionByID(sessionID)
	if err != nil {
		return "", false
	}
	if sess.OwnerUserID != userID || sess.ContainerName == "" {
		return "", false
	}
	if sess.Status != store.SessionStarting && sess.Status != store.SessionRunning {
		return "", false
	}
	return sess.ContainerName, true
}

// createContainer runs the create loop: a name conflict is recovered by
// adopting or replacing the existing container, layer-lock contention from
// a concurrent pull is waited out, anything else aborts.
func (s *Service) createContainer(ctx context.Context, spec *docker.RunSpec) error {
	for attempt := 1; attempt <= maxLayerRetries; attempt++ {
		_, err := s.driver.Run(ctx, *spec)
		switch {
		case err == nil:
			return nil

		case docker.IsNameConflict(err):
			// Another broker, or a crashed previous run, owns the name.
			// Adopt the container if it starts; otherwise replace it.
			if startErr := s.driver.Start(ctx, spec.Name); startErr == nil {
				return nil
			}
			if err := s.driver.SafeRemove(ctx, spec.Name); err != nil {
				return fmt.Errorf("removing conflicting container: %w", err)
			}
			if err := s.driver.EnsureNetwork(ctx, s.cfg.Docker.Network, false); err != nil {
				return fmt.Errorf("ensuring network: %w", err)
			}
			if _, err := s.driver.Run(ctx, *spec); err != nil {
				return fmt.Errorf("recreating container: %w", err)
			}
			return nil

		case docker.IsLayerLocked(err):
			log.Debug("image layer locked, retrying",
				"container", spec.Name, "attempt", attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.layerDelay):
			}

		default:
			return fmt.Errorf("creating container: %w", err)
		}
	}
	return fmt.Errorf("creating container %s: image layers still locked after %d attempts", spec.Name, maxLayerRetries)
}

// buildRunSpec combines the mount plan with the per-agent layer: image
// override, resolved env, extra mounts, and published ports.
func (s *Service) buildRunSpec(ctx context.Context, sess *store.Session, name string, opts StartOpts) (*docker.RunSpec, error) {
	plan, err := s.planner.Plan(sess.OwnerUserID, opts.WorkspaceSuffix)
	if err != nil {
		return nil, err
	}

	image := s.cfg.Docker.Image
	var ports []docker.PortBinding

	if opts.AgentID != "" {
		agent := s.cfg.Agent(opts.AgentID)
		if agent == nil {
			return nil, fmt.Errorf("%w: unknown agent %q", mounts.ErrInvalidInput, opts.AgentID)
		}
		if agent.Image != "" {
			image = agent.Image
		}

		env, err := secrets.ResolveAll(ctx, agent.Env)
		if err != nil {
			return nil, fmt.Errorf("resolving agent %s env: %w", agent.ID, err)
		}
		for k, v := range env {
			plan.Env[k] = v
		}

		for _, raw := range agent.ExtraMounts {
			m, err := config.ParseMount(raw)
			if err != nil {
				return nil, fmt.Errorf("agent %s: %w", agent.ID, err)
			}
			plan.Mounts = append(plan.Mounts, docker.Mount{
				Source:   m.Source,
				Target:   m.Target,
				ReadOnly: m.ReadOnly,
			})
		}

		for _, raw := range agent.Publish {
			hostPort, containerPort, err := config.ParsePublish(raw)
			if err != nil {
				return nil, fmt.Errorf("agent %s: %w", agent.ID, err)
			}
			ports = append(ports, docker.PortBinding{
				HostPort:      hostPort,
				ContainerPort: containerPort,
			})
		}
	}

	return &docker.RunSpec{
		Name:     name,
		Image:    image,
		Hostname: name,
		Cmd:      plan.Cmd,
		Env:      plan.EnvList(),
		Mounts:   plan.Mounts,
		Network:  s.cfg.Docker.Network,
		Ports:    ports,
		Labels: map[string]string{
			"dev.falleco.commander.session": sess.ID,
			"dev.falleco.commander.owner":   sess.OwnerUserID,
		},
	}, nil
}

// checkout switches /workspace to the requested branch inside the
// container. A bare workspace or a missing branch must never block the
// terminal, so every failure is logged and swallowed.
func (s *Service) checkout(ctx context.Context, name, branch string) {
	res, err := s.driver.Exec(ctx, name, []string{"git", "-C", "/workspace", "checkout", branch})
	if err != nil {
		log.Warn("git checkout", "container", name, "branch", branch, "error", err)
		return
	}
	if res.ExitCode != 0 {
		log.Warn("git checkout", "container", name, "branch", branch,
			"exit", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
	}
}

// recordPorts persists the host ports the run spec published so session
// listings can show where a dev server landed.
func (s *Service) recordPorts(sessionID string, ports []docker.PortBinding) {
	for _, p := range ports {
		if err := s.store.UpsertPortMapping(sessionID, p.HostPort, p.ContainerPort); err != nil {
			log.Warn("recording port mapping",
				"session", sessionID, "hostPort", p.HostPort, "error", err)
		}
	}
}

// notify nudges the session watchers of the session's project, if any.
func (s *Service) notify(sess *store.Session) {
	if sess.ProjectID != nil {
		s.hub.Notify("sessions:" + *sess.ProjectID)
	}
}

// fail records the error state, nudges watchers, and passes err through.
func (s *Service) fail(sess *store.Session, err error) error {
	if serr := s.store.SetSessionStatus(sess.ID, store.SessionError); serr != nil {
		log.Warn("marking session errored", "session", sess.ID, "error", serr)
	}
	s.notify(sess)
	s.event("session.errored", "", sess.ID, map[string]string{"error": err.Error()})
	return err
}

// event appends to the audit trail. The trail is observability; append
// failures are logged and dropped.
func (s *Service) event(eventType, actorID, subjectID string, data any) {
	var actor, subject *string
	if actorID != "" {
		actor = &actorID
	}
	if subjectID != "" {
		subject = &subjectID
	}
	if _, err := s.store.AppendEvent(eventType, actor, subject, data); err != nil {
		log.Debug("appending event", "type", eventType, "error", err)
	}
}
