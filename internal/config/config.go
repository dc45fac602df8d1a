// Package config loads broker configuration from ~/.commander/config.yaml
// and applies OC_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root broker configuration.
type Config struct {
	Ports    PortsConfig    `yaml:"ports,omitempty"`
	Docker   DockerConfig   `yaml:"docker,omitempty"`
	Paths    PathsConfig    `yaml:"paths,omitempty"`
	Proxy    EgressConfig   `yaml:"proxy,omitempty"`
	GitHub   GitHubConfig   `yaml:"github,omitempty"`
	Auth     AuthConfig     `yaml:"auth,omitempty"`
	Terminal TerminalConfig `yaml:"terminal,omitempty"`
	Agents   []AgentConfig  `yaml:"agents,omitempty"`
	Log      LogConfig      `yaml:"log,omitempty"`
}

// PortsConfig holds the three listener ports plus the in-container
// terminal-daemon port.
type PortsConfig struct {
	FrontDoor int `yaml:"front_door,omitempty"`
	HTTP      int `yaml:"http,omitempty"`
	WSProxy   int `yaml:"ws_proxy,omitempty"`
	Terminal  int `yaml:"terminal,omitempty"`
}

// DockerConfig configures the container driver and the inner daemon agents
// talk to from inside their containers.
type DockerConfig struct {
	Image     string `yaml:"image,omitempty"`
	Network   string `yaml:"network,omitempty"`
	InnerHost string `yaml:"inner_host,omitempty"`
	CertsDir  string `yaml:"certs_dir,omitempty"`
}

// PathsConfig holds the state and workspace roots.
type PathsConfig struct {
	StateRoot     string `yaml:"state_root,omitempty"`
	WorkspaceRoot string `yaml:"workspace_root,omitempty"`
}

// EgressConfig points agent containers at the egress proxy.
type EgressConfig struct {
	URL     string   `yaml:"url,omitempty"`
	NoProxy []string `yaml:"no_proxy,omitempty"`
}

// GitHubConfig holds the server-side GitHub token. Token accepts either a
// literal value or a secret reference (env://, file://, keyring://, sm://)
// resolved at startup.
type GitHubConfig struct {
	Token string `yaml:"token,omitempty"`
}

// AuthConfig controls cookie and bearer authentication.
type AuthConfig struct {
	// Disabled resolves every connection to the first admin user.
	// Single-operator installs only.
	Disabled bool `yaml:"disabled,omitempty"`
}

// TerminalConfig is the in-container terminal daemon invocation.
type TerminalConfig struct {
	Argv []string `yaml:"argv,omitempty"`
}

// AgentConfig describes an agent CLI selectable per task.
type AgentConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name,omitempty"`
	Image       string   `yaml:"image,omitempty"`
	ExtraMounts []string `yaml:"extra_mounts,omitempty"`

	// Publish lists "hostPort:containerPort" pairs the agent's container
	// publishes on the host, e.g. a dev server the user previews.
	Publish []string `yaml:"publish,omitempty"`

	// Env is injected into the agent's container. Values may be literals or
	// secret references (env://, file://, keyring://, sm://), resolved when
	// a session starts.
	Env map[string]string `yaml:"env,omitempty"`
}

// LogConfig mirrors internal/log Options.
type LogConfig struct {
	Verbose       bool   `yaml:"verbose,omitempty"`
	JSON          bool   `yaml:"json,omitempty"`
	DebugDir      string `yaml:"debug_dir,omitempty"`
	RetentionDays int    `yaml:"retention_days,omitempty"`
}

// Mount is a parsed extra-mount entry.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ParseMount parses a mount string like "./data:/data:ro".
func ParseMount(s string) (*Mount, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid mount: %s (expected source:target[:ro])", s)
	}

	m := &Mount{
		Source: parts[0],
		Target: parts[1],
	}

	if len(parts) >= 3 && parts[2] == "ro" {
		m.ReadOnly = true
	}

	return m, nil
}

// ParsePublish parses a port publication like "8080:3000" into host and
// container ports.
func ParsePublish(s string) (hostPort, containerPort int, err error) {
	host, cont, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid publish: %s (expected hostPort:containerPort)", s)
	}
	hostPort, err = strconv.Atoi(host)
	if err != nil || hostPort < 1 || hostPort > 65535 {
		return 0, 0, fmt.Errorf("invalid publish: %s: host port out of range", s)
	}
	containerPort, err = strconv.Atoi(cont)
	if err != nil || containerPort < 1 || containerPort > 65535 {
		return 0, 0, fmt.Errorf("invalid publish: %s: container port out of range", s)
	}
	return hostPort, containerPort, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Ports: PortsConfig{
			FrontDoor: 3000,
			HTTP:      3001,
			WSProxy:   7682,
			Terminal:  7681,
		},
		Docker: DockerConfig{
			Image:     "ghcr.io/falleco/commander-agent:latest",
			Network:   "open-commander",
			InnerHost: "tcp://docker:2376",
			CertsDir:  filepath.Join(Dir(), "certs"),
		},
		Paths: PathsConfig{
			StateRoot:     filepath.Join(Dir(), "state"),
			WorkspaceRoot: filepath.Join(Dir(), "workspace"),
		},
		Proxy: EgressConfig{
			URL:     "http://egress-proxy:3128",
			NoProxy: []string{"localhost", "127.0.0.1", "docker"},
		},
		Terminal: TerminalConfig{
			Argv: []string{"/usr/local/bin/terminal-daemon", "--port", "7681"},
		},
		Agents: []AgentConfig{
			{ID: "claude", Name: "Claude Code"},
			{ID: "codex", Name: "Codex CLI"},
			{ID: "cursor", Name: "Cursor Agent"},
		},
		Log: LogConfig{
			RetentionDays: 14,
		},
	}
}

// Load reads the config file at path (empty falls back to $OC_CONFIG, then
// <Dir()>/config.yaml), using defaults when the file is absent, then applies
// environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("OC_CONFIG")
	}
	if path == "" {
		path = filepath.Join(Dir(), "config.yaml")
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setPort := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				*dst = p
			}
		}
	}
	setPort("OC_FRONTDOOR_PORT", &cfg.Ports.FrontDoor)
	setPort("OC_HTTP_PORT", &cfg.Ports.HTTP)
	setPort("OC_PROXY_PORT", &cfg.Ports.WSProxy)
	setPort("OC_TERMINAL_PORT", &cfg.Ports.Terminal)

	if v := os.Getenv("OC_STATE_ROOT"); v != "" {
		cfg.Paths.StateRoot = v
	}
	if v := os.Getenv("OC_WORKSPACE_ROOT"); v != "" {
		cfg.Paths.WorkspaceRoot = v
	}
	if v := os.Getenv("OC_DOCKER_IMAGE"); v != "" {
		cfg.Docker.Image = v
	}
	if v := os.Getenv("OC_NETWORK"); v != "" {
		cfg.Docker.Network = v
	}
	if v := os.Getenv("OC_GITHUB_TOKEN"); v != "" {
		cfg.GitHub.Token = v
	}
	if v := os.Getenv("OC_DISABLE_AUTH"); v != "" {
		cfg.Auth.Disabled = v == "1" || strings.EqualFold(v, "true")
	}
}

// Validate rejects configurations the broker cannot run with.
func (c *Config) Validate() error {
	ports := []struct {
		name string
		p    int
	}{
		{"ports.front_door", c.Ports.FrontDoor},
		{"ports.http", c.Ports.HTTP},
		{"ports.ws_proxy", c.Ports.WSProxy},
		{"ports.terminal", c.Ports.Terminal},
	}
	for _, pp := range ports {
		if pp.p < 1 || pp.p > 65535 {
			return fmt.Errorf("%s: port %d out of range", pp.name, pp.p)
		}
	}
	if c.Docker.Image == "" {
		return fmt.Errorf("docker.image must not be empty")
	}
	if c.Docker.Network == "" {
		return fmt.Errorf("docker.network must not be empty")
	}
	if len(c.Terminal.Argv) == 0 || c.Terminal.Argv[0] == "" {
		return fmt.Errorf("terminal.argv: first element must be the executable")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents: id must not be empty")
		}
		if seen[a.ID] {
			return fmt.Errorf("agents: duplicate id %q", a.ID)
		}
		seen[a.ID] = true
		for _, m := range a.ExtraMounts {
			if _, err := ParseMount(m); err != nil {
				return fmt.Errorf("agents.%s: %w", a.ID, err)
			}
		}
		for _, p := range a.Publish {
			if _, _, err := ParsePublish(p); err != nil {
				return fmt.Errorf("agents.%s: %w", a.ID, err)
			}
		}
	}
	return nil
}

// Agent returns the agent config for id, or nil when unknown.
func (c *Config) Agent(id string) *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			return &c.Agents[i]
		}
	}
	return nil
}

// AgentIDs returns the configured agent ids in declaration order.
func (c *Config) AgentIDs() []string {
	ids := make([]string, len(c.Agents))
	for i, a := range c.Agents {
		ids[i] = a.ID
	}
	return ids
}

// DatabasePath is the SQLite file under the state root.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateRoot, "commander.db")
}

// LockPath is the flock file that keeps two brokers off one state root.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateRoot, "commander.lock")
}

// Dir returns the path to ~/.commander.
func Dir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".commander")
	}
	return filepath.Join(homeDir, ".commander")
}
