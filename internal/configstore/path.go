package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const configFileName = "config.toml"

// GetConfigPath resolves the berth configuration directory and file path using
// XDG rules with a fallback to ~/.config/berth/config.toml.
func GetConfigPath() (string, string, error) {
	if override := strings.TrimSpace(os.Getenv(EnvHome)); override != "" {
		dir := filepath.Clean(override)
		if !filepath.IsAbs(dir) {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return "", "", fmt.Errorf("resolve %s %q: %w", EnvHome, override, err)
			}
			dir = abs
		}
		return dir, filepath.Join(dir, configFileName), nil
	}

	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base != "" {
		dir := buildConfigDir(base)
		return dir, filepath.Join(dir, configFileName), nil
	}

	home, err := homeDir()
	if err != nil {
		return "", "", err
	}
	base = filepath.Join(home, ".config")
	dir := buildConfigDir(base)
	return dir, filepath.Join(dir, configFileName), nil
}

func buildConfigDir(base string) string {
	return filepath.Join(base, "berth")
}

// homeDir reads HOME on every call; os.UserHomeDir is the fallback.
func homeDir() (string, error) {
	for _, key := range []string{"HOME", "USERPROFILE"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return filepath.Clean(v), nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Clean(home), nil
}
