package configstore

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	DefaultImage       = "ghcr.io/strongdm/berth-gateway:latest"
	DefaultPort        = 18789
	DefaultListen      = "127.0.0.1:18790"
	DefaultStateDir    = ".berth"
	DefaultHistoryKeep = 200
	DefaultEscalate    = 3
)

// Duration is a time.Duration that reads and writes TOML strings like "2s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the persisted configuration.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Image     ImageConfig     `toml:"image"`
	Container ContainerConfig `toml:"container"`
	Gateway   GatewayConfig   `toml:"gateway"`
	OAuth     OAuthConfig     `toml:"oauth"`
	History   HistoryConfig   `toml:"history"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Server    ServerConfig    `toml:"server"`

	// Verbose is runtime-only and never persisted.
	Verbose bool `toml:"-"`
}

type EngineConfig struct {
	Binary        string   `toml:"binary"`
	AutoInstall   bool     `toml:"auto_install"`
	LaunchCommand []string `toml:"launch_command,omitempty"`
	ReadyAttempts int      `toml:"ready_attempts"`
	ReadyDelay    Duration `toml:"ready_delay"`
}

type ImageConfig struct {
	Ref string `toml:"ref"`
}

type ContainerConfig struct {
	Name      string            `toml:"name"`
	Port      int               `toml:"port"`
	Memory    string            `toml:"memory"`
	PidsLimit int               `toml:"pids_limit"`
	StateDir  string            `toml:"state_dir,omitempty"`
	Service   string            `toml:"service"`
	Env       map[string]string `toml:"env,omitempty"`
}

type GatewayConfig struct {
	ReadyAttempts int      `toml:"ready_attempts"`
	ReadyDelay    Duration `toml:"ready_delay"`
	WatchInterval Duration `toml:"watch_interval"`
}

// OAuthConfig overrides the built-in authorization endpoints. Empty fields
// keep the defaults.
type OAuthConfig struct {
	ClientID     string   `toml:"client_id,omitempty"`
	AuthorizeURL string   `toml:"authorize_url,omitempty"`
	TokenURL     string   `toml:"token_url,omitempty"`
	RedirectURI  string   `toml:"redirect_uri,omitempty"`
	Scopes       []string `toml:"scopes,omitempty"`
}

type HistoryConfig struct {
	Enabled       bool   `toml:"enabled"`
	Path          string `toml:"path,omitempty"`
	Keep          int    `toml:"keep"`
	EscalateAfter int    `toml:"escalate_after"`
}

type TelemetryConfig struct {
	Metrics bool `toml:"metrics"`
	Traces  bool `toml:"traces"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
}

// New returns a Config populated with defaults.
func New() Config {
	return Config{
		Engine: EngineConfig{
			Binary:        "docker",
			ReadyAttempts: 30,
			ReadyDelay:    Duration{2 * time.Second},
		},
		Image: ImageConfig{Ref: DefaultImage},
		Container: ContainerConfig{
			Name:      "berth-gateway",
			Port:      DefaultPort,
			Memory:    "2g",
			PidsLimit: 256,
			Service:   "gateway",
		},
		Gateway: GatewayConfig{
			ReadyAttempts: 45,
			ReadyDelay:    Duration{2 * time.Second},
			WatchInterval: Duration{30 * time.Second},
		},
		History: HistoryConfig{
			Enabled:       true,
			Keep:          DefaultHistoryKeep,
			EscalateAfter: DefaultEscalate,
		},
		Server: ServerConfig{Listen: DefaultListen},
	}
}

// ResolveStateDir returns the absolute state directory, defaulting to
// ~/.berth.
func (c Config) ResolveStateDir() (string, error) {
	dir := strings.TrimSpace(c.Container.StateDir)
	if dir == "" {
		home, err := homeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, DefaultStateDir), nil
	}
	if strings.HasPrefix(dir, "~/") {
		home, err := homeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, dir[2:])
	}
	return filepath.Abs(dir)
}

// ResolveHistoryPath returns the history database path. It lives beside the
// config file so resetting the state directory keeps it.
func (c Config) ResolveHistoryPath() (string, error) {
	if p := strings.TrimSpace(c.History.Path); p != "" {
		return filepath.Abs(p)
	}
	dir, _, err := GetConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

// Validate reports configuration values that cannot work.
func (c Config) Validate() error {
	if c.Container.Port < 1 || c.Container.Port > 65535 {
		return fmt.Errorf("container.port %d out of range", c.Container.Port)
	}
	if strings.TrimSpace(c.Container.Name) == "" {
		return fmt.Errorf("container.name cannot be empty")
	}
	if strings.TrimSpace(c.Image.Ref) == "" {
		return fmt.Errorf("image.ref cannot be empty")
	}
	if c.History.EscalateAfter < 0 {
		return fmt.Errorf("history.escalate_after cannot be negative")
	}
	return nil
}

// ContainerEnv merges [container.env] with extra KEY=VALUE specs (typically
// from -e flags); extras win. Config-only keys come first in key order, then
// extras in the order given.
func (c Config) ContainerEnv(extra []string) []string {
	values := make(map[string]string, len(c.Container.Env)+len(extra))
	var order []string
	fromCLI := make(map[string]bool, len(extra))
	for _, spec := range extra {
		key, _, _ := strings.Cut(spec, "=")
		if key = strings.TrimSpace(key); key == "" {
			continue
		}
		if !fromCLI[key] {
			fromCLI[key] = true
			order = append(order, key)
		}
		values[key] = spec
	}

	var base []string
	for key, value := range c.Container.Env {
		if key = strings.TrimSpace(key); key == "" || fromCLI[key] {
			continue
		}
		base = append(base, key)
		values[key] = key + "=" + value
	}
	sort.Strings(base)

	out := make([]string, 0, len(values))
	for _, key := range append(base, order...) {
		out = append(out, values[key])
	}
	return out
}
