// Package engine verifies the container engine is installed and responsive,
// installing or launching it when it is not.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/strongdm/berth/internal/fault"
	"github.com/strongdm/berth/internal/retry"
)

// Installer performs a platform-specific engine installation.
type Installer interface {
	Install(ctx context.Context) error
}

// Prompter asks the operator for permission to install the engine.
type Prompter interface {
	ConfirmInstall(ctx context.Context, engine string) (bool, error)
}

// Options configures a Probe. Zero values select platform defaults.
type Options struct {
	Installer Installer
	Prompter  Prompter
	// LaunchCommand starts the engine daemon. Empty disables launching.
	LaunchCommand []string
	Retry         retry.Config
	// KnownPaths are checked when the binary is not on PATH.
	KnownPaths []string
	// Exists reports whether a candidate path is an executable file.
	Exists func(path string) bool
	Logger *slog.Logger
}

// Probe drives engine discovery, installation and daemon readiness.
type Probe struct {
	cli       *CLI
	installer Installer
	prompter  Prompter
	launch    []string
	retry     retry.Config
	known     []string
	exists    func(string) bool
	logger    *slog.Logger
}

// NewProbe returns a Probe bound to cli.
func NewProbe(cli *CLI, opts Options) *Probe {
	if opts.Exists == nil {
		opts.Exists = isExecutable
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.EngineDefault
	}
	return &Probe{
		cli:       cli,
		installer: opts.Installer,
		prompter:  opts.Prompter,
		launch:    opts.LaunchCommand,
		retry:     opts.Retry.Normalize(),
		known:     opts.KnownPaths,
		exists:    opts.Exists,
		logger:    opts.Logger,
	}
}

// DefaultLaunchCommand returns the command that starts the engine daemon on goos.
func DefaultLaunchCommand(goos, bin string) []string {
	name := DisplayName(bin)
	switch goos {
	case "darwin":
		return []string{"open", "-a", name}
	case "linux":
		return []string{"systemctl", "--user", "start", strings.ToLower(filepath.Base(bin))}
	default:
		return nil
	}
}

// DefaultKnownPaths lists locations engines install to outside a login PATH.
func DefaultKnownPaths(goos, bin string) []string {
	base := filepath.Base(bin)
	var paths []string
	switch goos {
	case "darwin":
		paths = []string{
			filepath.Join("/usr/local/bin", base),
			filepath.Join("/opt/homebrew/bin", base),
			filepath.Join("/Applications/Docker.app/Contents/Resources/bin", base),
		}
		if home, err := os.UserHomeDir(); err == nil && home != "" {
			paths = append(paths, filepath.Join(home, ".docker", "bin", base))
		}
	case "linux":
		paths = []string{
			filepath.Join("/usr/bin", base),
			filepath.Join("/usr/local/bin", base),
		}
	}
	return paths
}

// DefaultOptions returns the platform defaults for bin on the running OS.
func DefaultOptions(bin string) Options {
	return Options{
		LaunchCommand: DefaultLaunchCommand(runtime.GOOS, bin),
		KnownPaths:    DefaultKnownPaths(runtime.GOOS, bin),
		Retry:         retry.EngineDefault,
	}
}

// Discover locates the engine binary, returning its path.
func (p *Probe) Discover(ctx context.Context) (string, bool) {
	path, _, ok := p.discover(ctx)
	return path, ok
}

func (p *Probe) discover(ctx context.Context) (path string, onPath bool, ok bool) {
	bin := p.cli.Binary()
	if filepath.IsAbs(bin) {
		return bin, false, p.exists(bin)
	}
	res, err := p.cli.Executor().Run(ctx, []string{"which", bin})
	if err == nil && res.OK() {
		if found := strings.TrimSpace(firstLine(res.Stdout)); found != "" {
			return found, true, true
		}
	}
	for _, candidate := range p.known {
		if p.exists(candidate) {
			return candidate, false, true
		}
	}
	return "", false, false
}

// EnsureInstalled makes sure the engine binary is present, installing it when
// an installer exists and the operator agrees.
func (p *Probe) EnsureInstalled(ctx context.Context, notify func(string)) error {
	name := p.cli.Name()
	if path, onPath, ok := p.discover(ctx); ok {
		p.adopt(path, onPath)
		return nil
	}
	p.logger.Info("engine missing", "event", "engine.missing", "binary", p.cli.Binary())

	if p.installer == nil {
		return &fault.Error{Kind: fault.EngineNotInstalled, Engine: name, Reason: "no automatic installer for this platform"}
	}
	if p.prompter != nil {
		ok, err := p.prompter.ConfirmInstall(ctx, name)
		if err != nil {
			return &fault.Error{Kind: fault.EngineNotInstalled, Engine: name, Err: err}
		}
		if !ok {
			return &fault.Error{Kind: fault.EngineNotInstalled, Engine: name, Reason: "installation declined"}
		}
	}

	notifyf(notify, "Installing %s...", name)
	p.logger.Info("installing engine", "event", "engine.install.start", "engine", name)
	if err := p.installer.Install(ctx); err != nil {
		p.logger.Warn("engine install failed", "event", "engine.install.error", "error", err)
		return &fault.Error{Kind: fault.EngineInstallFailed, Engine: name, Reason: err.Error(), Err: err}
	}

	path, onPath, ok := p.discover(ctx)
	if !ok {
		return &fault.Error{Kind: fault.EngineInstallFailed, Engine: name, Reason: "binary still missing after install"}
	}
	p.adopt(path, onPath)
	p.logger.Info("engine installed", "event", "engine.install.done", "path", path)
	return nil
}

// Responsive reports whether the engine daemon answers `info`.
func (p *Probe) Responsive(ctx context.Context) error {
	res, err := p.cli.Run(ctx, "info", "--format", "{{.ServerVersion}}")
	if err != nil {
		return err
	}
	if !res.OK() {
		return errors.New(res.Diagnostic())
	}
	return nil
}

// EnsureRunning launches the daemon when it does not respond and waits for it
// within the retry budget.
func (p *Probe) EnsureRunning(ctx context.Context, notify func(string)) error {
	name := p.cli.Name()
	if err := p.Responsive(ctx); err == nil {
		return nil
	}

	notifyf(notify, "Starting %s...", name)
	if len(p.launch) > 0 {
		res, err := p.cli.Executor().Run(ctx, p.launch)
		switch {
		case err != nil:
			p.logger.Warn("engine launch failed", "event", "engine.launch.error", "error", err)
		case !res.OK():
			p.logger.Warn("engine launch failed", "event", "engine.launch.error", "error", res.Diagnostic())
		default:
			p.logger.Info("engine launch requested", "event", "engine.launch", "cmd", strings.Join(p.launch, " "))
		}
	}

	if err := retry.Until(ctx, p.retry, p.Responsive); err != nil {
		p.logger.Warn("engine not responding", "event", "engine.unresponsive", "attempts", p.retry.MaxAttempts, "error", err)
		return &fault.Error{Kind: fault.EngineNotRunning, Engine: name, Reason: lastLine(err.Error()), Err: err}
	}
	return nil
}

// Ensure runs EnsureInstalled followed by EnsureRunning.
func (p *Probe) Ensure(ctx context.Context, notify func(string)) error {
	if err := p.EnsureInstalled(ctx, notify); err != nil {
		return err
	}
	return p.EnsureRunning(ctx, notify)
}

// Name is the engine's display name, e.g. "Docker".
func (p *Probe) Name() string {
	return p.cli.Name()
}

// adopt switches to an absolute binary path unless PATH lookup already works.
func (p *Probe) adopt(path string, onPath bool) {
	if onPath {
		return
	}
	p.cli.SetBinary(path)
}

func notifyf(notify func(string), format string, args ...any) {
	if notify != nil {
		notify(fmt.Sprintf(format, args...))
	}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
