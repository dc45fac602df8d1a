// Package mounts plans what an agent container sees: its bind mounts, its
// environment, and the entry command. The session service feeds the plan
// straight into the container driver.
package mounts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"al.essio.dev/pkg/shellescape"

	"github.com/falleco/open-commander/internal/docker"
)

// ErrInvalidInput rejects user ids and workspace suffixes that could name
// paths outside their roots.
var ErrInvalidInput = errors.New("invalid input")

// Planner derives container plans. Fields are plain configuration so the
// package depends on nothing but the driver types.
type Planner struct {
	StateRoot     string
	WorkspaceRoot string
	CertsDir      string
	ProxyURL      string
	NoProxyHosts  []string
	DockerHost    string
	GitHubToken   string
	TerminalArgv  []string
	// AgentIDs name the per-user state dirs to create and mount.
	AgentIDs []string
}

// Plan is everything the driver needs beyond image and name. The session
// service may layer per-agent mounts and resolved env on top before
// flattening with EnvList.
type Plan struct {
	Mounts []docker.Mount
	Env    map[string]string
	Cmd    []string
}

// EnvList flattens Env into sorted KEY=VALUE form for the driver.
func (p *Plan) EnvList() []string {
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, len(keys))
	for i, k := range keys {
		list[i] = k + "=" + p.Env[k]
	}
	return list
}

// Plan builds the mount list, environment, and entry command for one user's
// agent container. State directories are created on demand; the workspace
// directory must already exist.
func (pl *Planner) Plan(userID, workspaceSuffix string) (*Plan, error) {
	if userID == "" || strings.Contains(userID, "..") || strings.ContainsAny(userID, `/\`) {
		return nil, fmt.Errorf("%w: user id %q", ErrInvalidInput, userID)
	}

	var plan Plan

	// Shared agent-config state, the same for every user, aliased to
	// ~/.agents by the entry script.
	shared := filepath.Join(pl.StateRoot, "agents")
	if err := os.MkdirAll(shared, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	plan.Mounts = append(plan.Mounts, docker.Mount{
		Source: shared,
		Target: "/root/.commander",
	})

	// Per-user credential and history state for each agent CLI.
	for _, id := range pl.AgentIDs {
		dir := filepath.Join(pl.StateRoot, userID, id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating agent state dir: %w", err)
		}
		plan.Mounts = append(plan.Mounts, docker.Mount{
			Source: dir,
			Target: "/root/." + id,
		})
	}

	// TLS client material for the inner daemon, never writable.
	plan.Mounts = append(plan.Mounts, docker.Mount{
		Source:   pl.CertsDir,
		Target:   "/certs/client",
		ReadOnly: true,
	})

	workspace, err := pl.resolveWorkspace(workspaceSuffix)
	if err != nil {
		return nil, err
	}
	plan.Mounts = append(plan.Mounts, docker.Mount{
		Source: workspace,
		Target: "/workspace",
	})

	plan.Env = pl.buildEnv()
	plan.Cmd = shellCommand(pl.TerminalArgv)
	return &plan, nil
}

// resolveWorkspace maps an optional suffix onto the workspace root,
// refusing anything that could name a directory outside it.
func (pl *Planner) resolveWorkspace(suffix string) (string, error) {
	root := filepath.Clean(pl.WorkspaceRoot)
	if suffix == "" {
		return root, nil
	}

	if strings.Contains(suffix, "..") || strings.ContainsAny(suffix, `/\`) {
		return "", fmt.Errorf("%w: workspace suffix %q", ErrInvalidInput, suffix)
	}

	resolved := filepath.Join(root, suffix)
	if !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: workspace suffix %q escapes root", ErrInvalidInput, suffix)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("workspace %q: %w", suffix, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %q: not a directory", suffix)
	}
	return resolved, nil
}

func (pl *Planner) buildEnv() map[string]string {
	noProxy := strings.Join(pl.NoProxyHosts, ",")

	env := map[string]string{
		"HTTP_PROXY":        pl.ProxyURL,
		"HTTPS_PROXY":       pl.ProxyURL,
		"NO_PROXY":          noProxy,
		"http_proxy":        pl.ProxyURL,
		"https_proxy":       pl.ProxyURL,
		"no_proxy":          noProxy,
		"DOCKER_HOST":       pl.DockerHost,
		"DOCKER_TLS_VERIFY": "1",
		"DOCKER_CERT_PATH":  "/certs/client",
	}

	if pl.GitHubToken != "" {
		env["GITHUB_TOKEN"] = pl.GitHubToken
		env["GH_TOKEN"] = pl.GitHubToken
	}
	return env
}

// shellCommand wraps the terminal daemon argv in a login shell that first
// aliases ~/.agents to the mounted ~/.commander state dir, then execs the
// daemon so it becomes PID 1's child directly.
func shellCommand(argv []string) []string {
	script := `ln -sfn "$HOME/.commander" "$HOME/.agents" && exec ` + shellescape.QuoteCommand(argv)
	return []string{"/bin/sh", "-lc", script}
}
