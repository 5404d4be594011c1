package configstore

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variables recognised by ApplyEnv and GetConfigPath.
const (
	EnvHome        = "BERTH_HOME"
	EnvImage       = "BERTH_IMAGE"
	EnvContainer   = "BERTH_CONTAINER"
	EnvPort        = "BERTH_PORT"
	EnvStateDir    = "BERTH_STATE_DIR"
	EnvEngine      = "BERTH_ENGINE"
	EnvListen      = "BERTH_LISTEN"
	EnvVerbose     = "BERTH_VERBOSE"
	EnvOTelMetrics = "BERTH_OTEL_METRICS"
	EnvOTelTraces  = "BERTH_OTEL_TRACES"
)

// ApplyEnv overlays BERTH_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		parsed, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = parsed
		return nil
	}

	str(EnvImage, &cfg.Image.Ref)
	str(EnvContainer, &cfg.Container.Name)
	str(EnvStateDir, &cfg.Container.StateDir)
	str(EnvEngine, &cfg.Engine.Binary)
	str(EnvListen, &cfg.Server.Listen)

	if v, ok := lookup(EnvPort); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		cfg.Container.Port = port
	}
	if err := boolean(EnvVerbose, &cfg.Verbose); err != nil {
		return err
	}
	if err := boolean(EnvOTelMetrics, &cfg.Telemetry.Metrics); err != nil {
		return err
	}
	return boolean(EnvOTelTraces, &cfg.Telemetry.Traces)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", v)
	}
}
