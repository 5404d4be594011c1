package configstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// ParseError represents a TOML decode failure.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse config %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Load reads the persisted config from disk. Missing files result in the
// defaults.
func Load() (Config, error) {
	_, file, err := GetConfigPath()
	if err != nil {
		return New(), err
	}
	return LoadFile(file)
}

// LoadFile reads the config at path over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := decodeConfig(data, path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeConfig(data []byte, path string, cfg *Config) error {
	if err := toml.Unmarshal(escapeDollars(data), cfg); err != nil {
		var decodeErr *toml.DecodeError
		if errors.As(err, &decodeErr) {
			return &ParseError{Path: path, Err: decodeErr}
		}
		return &ParseError{Path: path, Err: err}
	}

	cfg.Engine.Binary = expandEnv(cfg.Engine.Binary)
	cfg.Image.Ref = expandEnv(cfg.Image.Ref)
	cfg.Container.StateDir = expandEnv(cfg.Container.StateDir)
	cfg.History.Path = expandEnv(cfg.History.Path)
	for key, value := range cfg.Container.Env {
		cfg.Container.Env[key] = expandEnv(value)
	}
	return nil
}

// Save atomically writes the configuration to disk.
func Save(cfg Config) error {
	_, file, err := GetConfigPath()
	if err != nil {
		return err
	}
	return SaveFile(file, cfg)
}

// SaveFile writes cfg to path with mode 0600, replacing any existing file
// only once the new content is on disk.
func SaveFile(path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	err = errors.Join(tmp.Chmod(0o600), writeSynced(tmp, data), tmp.Close())
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("save config %s: %w", path, err)
	}
	return nil
}

func writeSynced(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}
