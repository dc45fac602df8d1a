// Package docker is a thin typed layer over the Docker Engine API carrying
// exactly the operations session orchestration needs: create-and-start with
// conflict classification, liveness probes, exec (captured and streaming),
// idempotent pulls, and network management.
//
// Errors from engine calls are classified into kinds (see errors.go) so the
// session service can drive its retry and conflict-recovery loop without
// string-matching engine messages itself.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/falleco/open-commander/internal/log"
)

// stopTimeout bounds how long the engine waits for PID 1 before SIGKILL.
const stopTimeout = 10 // seconds

// Mount is a bind mount in a RunSpec.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// PortBinding publishes a container port on the host. HostIP "" binds all
// interfaces; HostPort 0 lets the engine pick.
type PortBinding struct {
	HostIP        string
	HostPort      int
	ContainerPort int
}

// RunSpec describes a container to create and start.
type RunSpec struct {
	Name       string
	Image      string
	Hostname   string
	Cmd        []string
	Env        []string
	WorkingDir string
	User       string
	Mounts     []Mount
	Network    string
	ExtraHosts []string
	Ports      []PortBinding
	Labels     map[string]string
}

// ExecResult is the captured output of a finished exec.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ContainerInfo is a row from List.
type ContainerInfo struct {
	ID      string
	Name    string
	Image   string
	State   string // "running", "exited", "created"
	Created time.Time
}

// Driver is the engine surface the rest of the system consumes. *Client is
// the real implementation; tests substitute fakes.
type Driver interface {
	// Run creates and starts a container. It returns once the engine has
	// accepted the start. This is the only call that may block for as long
	// as an image pull takes.
	Run(ctx context.Context, spec RunSpec) (id string, err error)

	// Start starts an existing stopped container.
	Start(ctx context.Context, name string) error

	// Restart stops (if needed) and starts a container.
	Restart(ctx context.Context, name string) error

	// Stop stops a running container, escalating to SIGKILL after the
	// engine-side timeout.
	Stop(ctx context.Context, name string) error

	// Remove force-removes a container.
	Remove(ctx context.Context, name string) error

	// SafeRemove stops and removes a container, swallowing "no such
	// container". Everything else is reported.
	SafeRemove(ctx context.Context, name string) error

	// IsRunning probes a container. nil means no such container; otherwise
	// the pointee reports whether it is running.
	IsRunning(ctx context.Context, name string) (*bool, error)

	// Exec runs argv inside a running container and captures the result.
	Exec(ctx context.Context, name string, argv []string) (ExecResult, error)

	// ExecStream runs argv inside a running container with stdin attached
	// and returns the raw byte stream. Container stderr is discarded.
	// Closing the stream tears the exec's I/O down.
	ExecStream(ctx context.Context, name string, argv []string) (io.ReadWriteCloser, error)

	// Pull fetches an image if not already present. Safe to call
	// concurrently; the engine deduplicates in-flight pulls.
	Pull(ctx context.Context, ref string) error

	// EnsureNetwork creates the named bridge network if absent. internal
	// networks get no external routing.
	EnsureNetwork(ctx context.Context, name string, internal bool) error

	// List returns containers (running and stopped) whose name starts with
	// prefix.
	List(ctx context.Context, prefix string) ([]ContainerInfo, error)

	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// Close releases the engine client.
	Close() error
}

// Client implements Driver against a real Docker daemon.
type Client struct {
	cli *client.Client
}

var _ Driver = (*Client)(nil)

// New creates a Client from the environment (DOCKER_HOST etc.) with API
// version negotiation.
func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Ping verifies the Docker daemon is accessible.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

// Close releases Docker client resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Run creates and starts a container per spec. The image is pulled first if
// absent. A start failure removes the half-created container so the name is
// free for the next attempt.
func (c *Client) Run(ctx context.Context, spec RunSpec) (string, error) {
	if err := c.Pull(ctx, spec.Image); err != nil {
		return "", err
	}

	mounts := make([]mount.Mount, len(spec.Mounts))
	for i, m := range spec.Mounts {
		mounts[i] = mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		}
	}

	var exposedPorts nat.PortSet
	var portBindings nat.PortMap
	if len(spec.Ports) > 0 {
		exposedPorts = make(nat.PortSet)
		portBindings = make(nat.PortMap)
		for _, p := range spec.Ports {
			port := nat.Port(fmt.Sprintf("%d/tcp", p.ContainerPort))
			hostPort := ""
			if p.HostPort > 0 {
				hostPort = strconv.Itoa(p.HostPort)
			}
			exposedPorts[port] = struct{}{}
			portBindings[port] = append(portBindings[port], nat.PortBinding{
				HostIP:   p.HostIP,
				HostPort: hostPort,
			})
		}
	}

	var netConfig *network.NetworkingConfig
	networkMode := container.NetworkMode("bridge")
	if spec.Network != "" {
		networkMode = container.NetworkMode(spec.Network)
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {},
			},
		}
	}

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Cmd:          spec.Cmd,
			Hostname:     spec.Hostname,
			WorkingDir:   spec.WorkingDir,
			Env:          spec.Env,
			User:         spec.User,
			Labels:       spec.Labels,
			ExposedPorts: exposedPorts,
		},
		&container.HostConfig{
			Mounts:       mounts,
			NetworkMode:  networkMode,
			ExtraHosts:   spec.ExtraHosts,
			PortBindings: portBindings,
		},
		netConfig,
		nil, // platform
		spec.Name,
	)
	if err != nil {
		return "", classify("create", spec.Name, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", classify("start", spec.Name, err)
	}

	return resp.ID, nil
}

// Start starts an existing container.
func (c *Client) Start(ctx context.Context, name string) error {
	if err := c.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return classify("start", name, err)
	}
	return nil
}

// Restart restarts a container regardless of its current state.
func (c *Client) Restart(ctx context.Context, name string) error {
	timeout := stopTimeout
	if err := c.cli.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return classify("restart", name, err)
	}
	return nil
}

// Stop stops a running container.
func (c *Client) Stop(ctx context.Context, name string) error {
	timeout := stopTimeout
	if err := c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return classify("stop", name, err)
	}
	return nil
}

// Remove force-removes a container.
func (c *Client) Remove(ctx context.Context, name string) error {
	if err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return classify("remove", name, err)
	}
	return nil
}

// SafeRemove stops and removes a container, tolerating its absence. The
// stop is best-effort; force-remove handles a still-running container.
func (c *Client) SafeRemove(ctx context.Context, name string) error {
	timeout := stopTimeout
	if err := c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil && !IsNotFound(err) {
		log.Debug("stop before remove failed", "container", name, "error", err)
	}
	if err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return classify("remove", name, err)
	}
	return nil
}

// IsRunning probes container state. Returns (nil, nil) when no container
// with that name exists.
func (c *Client) IsRunning(ctx context.Context, name string) (*bool, error) {
	inspect, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, classify("inspect", name, err)
	}
	running := inspect.State != nil && inspect.State.Running
	return &running, nil
}

// Exec runs argv in a running container, waits for it to finish, and
// captures stdout, stderr, and the exit code.
func (c *Client) Exec(ctx context.Context, name string, argv []string) (ExecResult, error) {
	execID, err := c.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, classify("exec", name, err)
	}

	resp, err := c.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, classify("exec", name, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return ExecResult{}, classify("exec", name, err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return ExecResult{}, classify("exec", name, err)
	}

	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// ExecStream starts argv in a running container with stdin attached and
// returns the bidirectional byte stream. Output frames are demultiplexed;
// stderr is dropped since stream consumers splice raw protocol bytes.
func (c *Client) ExecStream(ctx context.Context, name string, argv []string) (io.ReadWriteCloser, error) {
	execID, err := c.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          argv,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, classify("exec", name, err)
	}

	resp, err := c.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, classify("exec", name, err)
	}

	return newExecStream(resp), nil
}

// execStream adapts a hijacked exec connection to io.ReadWriteCloser.
// Reads see demultiplexed stdout; writes go to the process's stdin.
type execStream struct {
	resp types.HijackedResponse
	pr   *io.PipeReader
}

func newExecStream(resp types.HijackedResponse) *execStream {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, io.Discard, resp.Reader)
		pw.CloseWithError(err)
	}()
	return &execStream{resp: resp, pr: pr}
}

func (s *execStream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *execStream) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *execStream) Close() error {
	s.resp.Close()
	return s.pr.Close()
}

// Pull fetches ref unless a matching image is already present. Concurrent
// pulls of the same ref are deduplicated by the engine; the progress stream
// is drained to completion.
func (c *Client) Pull(ctx context.Context, ref string) error {
	if _, err := c.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !IsNotFound(err) {
		return classify("inspect", ref, err)
	}

	log.Info("pulling image", "image", ref)
	reader, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("pull", ref, err)
	}
	defer reader.Close()

	// Drain the reader to complete the pull (discard JSON progress output)
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// EnsureNetwork creates the named bridge network when it does not exist.
// Loses the create race gracefully: a conflict from a concurrent create is
// success.
func (c *Client) EnsureNetwork(ctx context.Context, name string, internal bool) error {
	_, err := c.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return classify("network", name, err)
	}

	_, err = c.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:   "bridge",
		Internal: internal,
	})
	if err != nil {
		if IsNameConflict(classify("network", name, err)) {
			return nil
		}
		return classify("network", name, err)
	}
	return nil
}

// List returns all containers whose name starts with prefix, stopped ones
// included.
func (c *Client) List(ctx context.Context, prefix string) ([]ContainerInfo, error) {
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, classify("list", prefix, err)
	}

	var result []ContainerInfo
	for _, ct := range containers {
		for _, name := range ct.Names {
			// Names have leading slash, e.g., "/oc-sess-abc123"
			name = strings.TrimPrefix(name, "/")
			if strings.HasPrefix(name, prefix) {
				result = append(result, ContainerInfo{
					ID:      ct.ID[:12],
					Name:    name,
					Image:   ct.Image,
					State:   ct.State,
					Created: time.Unix(ct.Created, 0),
				})
				break
			}
		}
	}
	return result, nil
}
