// Package statedir owns the on-disk state shared with the workload container:
// the .env file, the service configuration, auth profiles and the workspace.
package statedir

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/strongdm/berth/internal/fault"
	"github.com/strongdm/berth/internal/token"
)

const (
	EnvFileName    = ".env"
	ConfigDirName  = "config"
	WorkspaceName  = "workspace"
	LockFileName   = ".lock"
	DefaultService = "gateway"

	KeyGatewayToken = "GATEWAY_TOKEN"
	KeyPort         = "PORT"
)

// Dir is a state directory rooted at Root.
type Dir struct {
	Root    string
	Service string
}

// New returns a Dir for root. An empty service selects DefaultService.
func New(root, service string) *Dir {
	if strings.TrimSpace(service) == "" {
		service = DefaultService
	}
	return &Dir{Root: filepath.Clean(root), Service: service}
}

func (d *Dir) EnvPath() string      { return filepath.Join(d.Root, EnvFileName) }
func (d *Dir) ConfigDir() string    { return filepath.Join(d.Root, ConfigDirName) }
func (d *Dir) WorkspaceDir() string { return filepath.Join(d.Root, WorkspaceName) }
func (d *Dir) LockPath() string     { return filepath.Join(d.Root, LockFileName) }
func (d *Dir) ServiceConfigPath() string {
	return filepath.Join(d.ConfigDir(), d.Service+".json")
}

// AuthProfilePath is where OAuth credentials for the workload are stored.
func (d *Dir) AuthProfilePath() string {
	return filepath.Join(d.ConfigDir(), filepath.FromSlash(token.AuthProfilePath))
}

// Env is the parsed .env file.
type Env struct {
	Token string
	Port  int
	// Extra holds any other KEY=VALUE lines, preserved on rewrite.
	Extra map[string]string
}

// LoadEnv parses the .env file. A missing file yields a zero Env.
func (d *Dir) LoadEnv() (Env, error) {
	data, err := os.ReadFile(d.EnvPath())
	if errors.Is(err, os.ErrNotExist) {
		return Env{}, nil
	}
	if err != nil {
		return Env{}, fmt.Errorf("read %s: %w", d.EnvPath(), err)
	}
	return ParseEnv(data)
}

// ParseEnv decodes KEY=VALUE lines. Blank lines and # comments are skipped and
// surrounding quotes are stripped from values.
func ParseEnv(data []byte) (Env, error) {
	var env Env
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		text = strings.TrimPrefix(text, "export ")
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return Env{}, fmt.Errorf("line %d: expected KEY=VALUE", line)
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))
		switch key {
		case KeyGatewayToken:
			env.Token = value
		case KeyPort:
			port, err := strconv.Atoi(value)
			if err != nil {
				return Env{}, fmt.Errorf("line %d: invalid %s %q", line, KeyPort, value)
			}
			env.Port = port
		default:
			if env.Extra == nil {
				env.Extra = make(map[string]string)
			}
			env.Extra[key] = value
		}
	}
	if err := sc.Err(); err != nil {
		return Env{}, err
	}
	return env, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// Encode renders env as .env lines with the known keys first.
func (e Env) Encode() []byte {
	var buf bytes.Buffer
	if e.Token != "" {
		fmt.Fprintf(&buf, "%s=%s\n", KeyGatewayToken, e.Token)
	}
	if e.Port > 0 {
		fmt.Fprintf(&buf, "%s=%d\n", KeyPort, e.Port)
	}
	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, e.Extra[k])
	}
	return buf.Bytes()
}

// WriteEnv atomically replaces the .env file with mode 0600.
func (d *Dir) WriteEnv(env Env) error {
	if err := os.MkdirAll(d.Root, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return writeFileAtomic(d.EnvPath(), env.Encode(), 0o600)
}

// ServiceConfig is the workload's own configuration file.
type ServiceConfig struct {
	Gateway struct {
		Port int    `json:"port"`
		Bind string `json:"bind"`
		Auth struct {
			Mode  string `json:"mode"`
			Token string `json:"token"`
		} `json:"auth"`
	} `json:"gateway"`
	Workspace string `json:"workspace"`
}

// ReadServiceConfig reads the service configuration, tolerating comments and
// trailing commas from hand edits.
func (d *Dir) ReadServiceConfig() (ServiceConfig, error) {
	var cfg ServiceConfig
	data, err := os.ReadFile(d.ServiceConfigPath())
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", d.ServiceConfigPath(), err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", d.ServiceConfigPath(), err)
	}
	return cfg, nil
}

func (d *Dir) writeServiceConfig(env Env, workspaceMount string) error {
	var cfg ServiceConfig
	cfg.Gateway.Port = env.Port
	// Published on host loopback only; inside the container it must accept bridge traffic.
	cfg.Gateway.Bind = "lan"
	cfg.Gateway.Auth.Mode = "token"
	cfg.Gateway.Auth.Token = env.Token
	cfg.Workspace = workspaceMount
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(d.ServiceConfigPath(), append(data, '\n'), 0o600)
}

// SetupOptions controls first-run setup.
type SetupOptions struct {
	Port int
	// WorkspaceMount is the workspace path as seen inside the container.
	WorkspaceMount string
}

// EnsureSetup creates the directory layout and, when no token exists yet,
// generates one and writes .env. The service configuration is written with a
// new token or whenever it is missing; an existing one is left as is. created reports whether this call generated the token.
// A token that cannot be read back afterwards is a NoToken failure.
func (d *Dir) EnsureSetup(opts SetupOptions) (env Env, created bool, err error) {
	for _, dir := range []string{d.Root, d.ConfigDir(), d.WorkspaceDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Env{}, false, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	env, err = d.LoadEnv()
	if err != nil {
		return Env{}, false, &fault.Error{Kind: fault.NoToken, Path: d.Root, Err: err}
	}

	if env.Token == "" {
		tok, err := token.GenerateSecureToken()
		if err != nil {
			return Env{}, false, fmt.Errorf("generate gateway token: %w", err)
		}
		env.Token = tok
		if env.Port == 0 {
			env.Port = opts.Port
		}
		if err := d.WriteEnv(env); err != nil {
			return Env{}, false, fmt.Errorf("write %s: %w", d.EnvPath(), err)
		}
		created = true
	}

	env, err = d.LoadEnv()
	if err != nil || !token.IsValidToken(env.Token) {
		return Env{}, false, &fault.Error{Kind: fault.NoToken, Path: d.Root, Err: err}
	}
	if env.Port == 0 {
		env.Port = opts.Port
	}

	_, statErr := os.Stat(d.ServiceConfigPath())
	if created || errors.Is(statErr, os.ErrNotExist) {
		if err := d.writeServiceConfig(env, opts.WorkspaceMount); err != nil {
			return Env{}, false, fmt.Errorf("write %s: %w", d.ServiceConfigPath(), err)
		}
	}
	return env, created, nil
}

// Token returns the stored gateway token, or "" when setup has not run.
func (d *Dir) Token() string {
	env, err := d.LoadEnv()
	if err != nil {
		return ""
	}
	return env.Token
}

// AuthConfigured reports whether model credentials have been stored.
func (d *Dir) AuthConfigured() bool {
	info, err := os.Stat(d.AuthProfilePath())
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Reset deletes the whole state directory. A missing directory is not an error.
func (d *Dir) Reset() error {
	if d.Root == "" || d.Root == "/" || d.Root == "." {
		return fmt.Errorf("refusing to remove %q", d.Root)
	}
	if err := os.RemoveAll(d.Root); err != nil {
		return fmt.Errorf("remove %s: %w", d.Root, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
