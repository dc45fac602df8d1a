package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load should not error for missing config: %v", err)
	}
	if cfg.Ports.FrontDoor != 3000 {
		t.Errorf("Ports.FrontDoor = %d, want 3000", cfg.Ports.FrontDoor)
	}
	if cfg.Ports.HTTP != 3001 {
		t.Errorf("Ports.HTTP = %d, want 3001", cfg.Ports.HTTP)
	}
	if cfg.Ports.WSProxy != 7682 {
		t.Errorf("Ports.WSProxy = %d, want 7682", cfg.Ports.WSProxy)
	}
	if cfg.Docker.Network != "open-commander" {
		t.Errorf("Docker.Network = %q, want %q", cfg.Docker.Network, "open-commander")
	}
	if cfg.Agent("claude") == nil {
		t.Error("expected default claude agent")
	}
	if cfg.Agent("nope") != nil {
		t.Error("unknown agent should be nil")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `
ports:
  front_door: 8000
  ws_proxy: 9682

docker:
  image: example.com/agent:dev
  network: oc-test

github:
  token: env://OC_TEST_TOKEN

agents:
  - id: claude
    name: Claude Code
    extra_mounts:
      - ./data:/data:ro
`
	os.WriteFile(configPath, []byte(content), 0644)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ports.FrontDoor != 8000 {
		t.Errorf("Ports.FrontDoor = %d, want 8000", cfg.Ports.FrontDoor)
	}
	// Unset fields keep defaults.
	if cfg.Ports.HTTP != 3001 {
		t.Errorf("Ports.HTTP = %d, want default 3001", cfg.Ports.HTTP)
	}
	if cfg.Docker.Image != "example.com/agent:dev" {
		t.Errorf("Docker.Image = %q", cfg.Docker.Image)
	}
	if cfg.GitHub.Token != "env://OC_TEST_TOKEN" {
		t.Errorf("GitHub.Token = %q", cfg.GitHub.Token)
	}
	a := cfg.Agent("claude")
	if a == nil {
		t.Fatal("expected claude agent")
	}
	if len(a.ExtraMounts) != 1 || a.ExtraMounts[0] != "./data:/data:ro" {
		t.Errorf("ExtraMounts = %v", a.ExtraMounts)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OC_FRONTDOOR_PORT", "4000")
	t.Setenv("OC_STATE_ROOT", "/tmp/oc-state")
	t.Setenv("OC_DISABLE_AUTH", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ports.FrontDoor != 4000 {
		t.Errorf("Ports.FrontDoor = %d, want 4000 from env", cfg.Ports.FrontDoor)
	}
	if cfg.Paths.StateRoot != "/tmp/oc-state" {
		t.Errorf("Paths.StateRoot = %q", cfg.Paths.StateRoot)
	}
	if !cfg.Auth.Disabled {
		t.Error("Auth.Disabled should be true from env")
	}
	if cfg.DatabasePath() != "/tmp/oc-state/commander.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Ports.HTTP = 0 }},
		{"port too large", func(c *Config) { c.Ports.WSProxy = 70000 }},
		{"empty image", func(c *Config) { c.Docker.Image = "" }},
		{"empty network", func(c *Config) { c.Docker.Network = "" }},
		{"empty terminal argv", func(c *Config) { c.Terminal.Argv = nil }},
		{"duplicate agent", func(c *Config) {
			c.Agents = append(c.Agents, AgentConfig{ID: "claude"})
		}},
		{"bad extra mount", func(c *Config) {
			c.Agents[0].ExtraMounts = []string{"just-a-path"}
		}},
		{"bad publish", func(c *Config) {
			c.Agents[0].Publish = []string{"8080"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestParseMount(t *testing.T) {
	m, err := ParseMount("./data:/data:ro")
	if err != nil {
		t.Fatalf("ParseMount: %v", err)
	}
	if m.Source != "./data" || m.Target != "/data" || !m.ReadOnly {
		t.Errorf("ParseMount = %+v", m)
	}

	m, err = ParseMount("./cache:/cache")
	if err != nil {
		t.Fatalf("ParseMount: %v", err)
	}
	if m.ReadOnly {
		t.Error("mount without :ro should be read-write")
	}

	if _, err := ParseMount("nocolon"); err == nil {
		t.Error("expected error for mount without target")
	}
}

func TestParsePublish(t *testing.T) {
	host, cont, err := ParsePublish("18080:3000")
	if err != nil {
		t.Fatalf("ParsePublish: %v", err)
	}
	if host != 18080 || cont != 3000 {
		t.Errorf("ParsePublish = %d:%d", host, cont)
	}

	for _, bad := range []string{"", "8080", ":3000", "8080:", "0:3000", "8080:70000", "a:b"} {
		if _, _, err := ParsePublish(bad); err == nil {
			t.Errorf("ParsePublish(%q) should fail", bad)
		}
	}
}
