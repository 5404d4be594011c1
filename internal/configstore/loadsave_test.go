package configstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	want := New()
	if cfg.Image.Ref != want.Image.Ref || cfg.Container.Port != want.Container.Port {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.Engine.ReadyDelay.Duration != 2*time.Second || cfg.Gateway.ReadyAttempts != 45 {
		t.Fatalf("retry defaults lost: %+v %+v", cfg.Engine, cfg.Gateway)
	}
}

func TestDecodeConfigOverridesDefaults(t *testing.T) {
	t.Parallel()

	const body = `
[engine]
binary = "podman"
auto_install = true
ready_delay = "500ms"

[container]
name = "gw"
port = 20000

[container.env]
TZ = "UTC"

[history]
escalate_after = 5
`
	cfg := New()
	if err := decodeConfig([]byte(body), "config.toml", &cfg); err != nil {
		t.Fatalf("decodeConfig: %v", err)
	}
	if cfg.Engine.Binary != "podman" || !cfg.Engine.AutoInstall {
		t.Fatalf("engine: %+v", cfg.Engine)
	}
	if cfg.Engine.ReadyDelay.Duration != 500*time.Millisecond {
		t.Fatalf("ready_delay: got %v", cfg.Engine.ReadyDelay)
	}
	if cfg.Engine.ReadyAttempts != 30 {
		t.Fatalf("unset field should keep default, got %d", cfg.Engine.ReadyAttempts)
	}
	if cfg.Container.Name != "gw" || cfg.Container.Port != 20000 || cfg.Container.Memory != "2g" {
		t.Fatalf("container: %+v", cfg.Container)
	}
	if cfg.Container.Env["TZ"] != "UTC" {
		t.Fatalf("env: %v", cfg.Container.Env)
	}
	if cfg.History.EscalateAfter != 5 || cfg.History.Keep != DefaultHistoryKeep {
		t.Fatalf("history: %+v", cfg.History)
	}
}

func TestDecodeConfigExpandsEnv(t *testing.T) {
	t.Parallel()
	lockEnv(t)
	testSetEnv(t, "BERTH_TEST_REGISTRY", "registry.local:5000")
	testSetEnv(t, "BERTH_TEST_KEY", "supervalue")

	const body = `
[image]
ref = "${BERTH_TEST_REGISTRY}/gateway:dev"

[container.env]
API_KEY = "$BERTH_TEST_KEY-suffix"
LITERAL = "keep-\$HOME"
`
	cfg := New()
	if err := decodeConfig([]byte(body), "config.toml", &cfg); err != nil {
		t.Fatalf("decodeConfig: %v", err)
	}
	if got, want := cfg.Image.Ref, "registry.local:5000/gateway:dev"; got != want {
		t.Fatalf("image.ref = %q, want %q", got, want)
	}
	if got, want := cfg.Container.Env["API_KEY"], "supervalue-suffix"; got != want {
		t.Fatalf("API_KEY = %q, want %q", got, want)
	}
	if got, want := cfg.Container.Env["LITERAL"], "keep-$HOME"; got != want {
		t.Fatalf("LITERAL = %q, want %q", got, want)
	}
}

func TestDecodeConfigParseError(t *testing.T) {
	t.Parallel()

	cfg := New()
	err := decodeConfig([]byte("[engine\nbinary = "), "/tmp/broken.toml", &cfg)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T %v", err, err)
	}
	if pe.Path != "/tmp/broken.toml" || !strings.Contains(pe.Error(), "/tmp/broken.toml") {
		t.Fatalf("unexpected parse error %v", pe)
	}

	cfg = New()
	err = decodeConfig([]byte("[engine]\nready_delay = \"soon\"\n"), "config.toml", &cfg)
	if !errors.As(err, &pe) {
		t.Fatalf("invalid duration should be a ParseError, got %v", err)
	}
}

func TestSaveFileRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := New()
	cfg.Image.Ref = "ghcr.io/example/gw:1.0"
	cfg.Engine.LaunchCommand = []string{"colima", "start"}
	cfg.Container.Env = map[string]string{"TZ": "UTC"}
	cfg.Gateway.WatchInterval = Duration{time.Minute}
	cfg.Verbose = true

	if err := SaveFile(path, cfg); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("mode: got %o want 600", perm)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "Verbose") || strings.Contains(string(data), "verbose") {
		t.Fatalf("runtime-only field persisted:\n%s", data)
	}

	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got.Image.Ref != cfg.Image.Ref || got.Gateway.WatchInterval.Duration != time.Minute {
		t.Fatalf("round trip lost values: %+v", got)
	}
	if len(got.Engine.LaunchCommand) != 2 || got.Container.Env["TZ"] != "UTC" {
		t.Fatalf("round trip lost collections: %+v", got)
	}
	if got.Verbose {
		t.Fatalf("verbose must not round trip")
	}
}

func TestSaveUsesConfigPath(t *testing.T) {
	t.Parallel()
	lockEnv(t)
	home := filepath.Join(t.TempDir(), "berth-home")
	testSetEnv(t, EnvHome, home)

	cfg := New()
	cfg.Container.Port = 19000
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Container.Port != 19000 {
		t.Fatalf("got port %d want 19000", got.Container.Port)
	}
	if _, err := os.Stat(filepath.Join(home, configFileName)); err != nil {
		t.Fatalf("config not written under %s: %v", EnvHome, err)
	}
}
