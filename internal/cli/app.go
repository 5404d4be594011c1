package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/strongdm/berth/internal/configstore"
	"github.com/strongdm/berth/internal/container"
	"github.com/strongdm/berth/internal/engine"
	"github.com/strongdm/berth/internal/gateway"
	"github.com/strongdm/berth/internal/history"
	"github.com/strongdm/berth/internal/image"
	"github.com/strongdm/berth/internal/orchestrator"
	"github.com/strongdm/berth/internal/retry"
	"github.com/strongdm/berth/internal/shell"
	"github.com/strongdm/berth/internal/statedir"
	"github.com/strongdm/berth/internal/telemetry/otel"
)

// environment is the process surface commands run against. Tests substitute
// the executor and streams.
type environment struct {
	in   io.Reader
	out  io.Writer
	err  io.Writer
	exec shell.Executor
	goos string
}

func defaultEnvironment() *environment {
	return &environment{in: os.Stdin, out: os.Stdout, err: os.Stderr, goos: runtime.GOOS}
}

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	verbose    bool
	stateDir   string
	image      string
	port       int
	engine     string
	env        []string
}

// app is the wired component graph for one command invocation.
type app struct {
	env       *environment
	cfg       configstore.Config
	logger    *slog.Logger
	exec      shell.Executor
	dir       *statedir.Dir
	port      int
	cli       *engine.CLI
	probe     *engine.Probe
	images    *image.Manager
	container *container.Supervisor
	gateway   *gateway.Monitor
	history   *history.Store
	telemetry *otel.Provider
	lock      *statedir.Lock
}

func loadConfig(flags *globalFlags) (configstore.Config, error) {
	var (
		cfg configstore.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = configstore.LoadFile(flags.configPath)
	} else {
		cfg, err = configstore.Load()
	}
	if err != nil {
		return cfg, err
	}
	if err := configstore.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	if flags.stateDir != "" {
		cfg.Container.StateDir = flags.stateDir
	}
	if flags.image != "" {
		cfg.Image.Ref = flags.image
	}
	if flags.port != 0 {
		cfg.Container.Port = flags.port
	}
	if flags.engine != "" {
		cfg.Engine.Binary = flags.engine
	}
	cfg.Verbose = cfg.Verbose || flags.verbose
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// newApp loads configuration and wires every component. interactive selects
// a terminal prompter for engine installation.
func newApp(ctx context.Context, env *environment, flags *globalFlags, interactive bool) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger := newLogger(env.err, cfg.Verbose)

	root, err := cfg.ResolveStateDir()
	if err != nil {
		return nil, fmt.Errorf("resolve state directory: %w", err)
	}
	dir := statedir.New(root, cfg.Container.Service)

	// A port recorded by an earlier setup wins so the published port, the
	// gateway probe and the access URL agree.
	port := cfg.Container.Port
	if recorded, err := dir.LoadEnv(); err == nil && recorded.Port > 0 {
		port = recorded.Port
	}

	exec := env.exec
	if exec == nil {
		exec = shell.NewLocal(logger)
	}
	cli := engine.NewCLI(exec, cfg.Engine.Binary)

	probeOpts := engine.Options{
		LaunchCommand: engine.DefaultLaunchCommand(env.goos, cfg.Engine.Binary),
		KnownPaths:    engine.DefaultKnownPaths(env.goos, cfg.Engine.Binary),
		Retry:         retry.Config{MaxAttempts: cfg.Engine.ReadyAttempts, Delay: cfg.Engine.ReadyDelay.Duration},
		Installer:     engine.PlatformInstaller(env.goos, exec, logger),
		Logger:        logger,
	}
	if len(cfg.Engine.LaunchCommand) > 0 {
		probeOpts.LaunchCommand = cfg.Engine.LaunchCommand
	}
	if interactive {
		probeOpts.Prompter = engine.NewPrompter(env.in, env.err, cfg.Engine.AutoInstall)
	} else {
		probeOpts.Prompter = engine.StaticPrompter(cfg.Engine.AutoInstall)
	}

	extra := make(map[string]string)
	for _, spec := range cfg.ContainerEnv(flags.env) {
		key, value, _ := strings.Cut(spec, "=")
		extra[key] = value
	}

	a := &app{
		env:    env,
		cfg:    cfg,
		logger: logger,
		exec:   exec,
		dir:    dir,
		port:   port,
		cli:    cli,
		probe:  engine.NewProbe(cli, probeOpts),
		images: image.NewManager(cli, logger),
		container: container.NewSupervisor(cli, container.Spec{
			Name:         cfg.Container.Name,
			Image:        cfg.Image.Ref,
			Port:         port,
			ConfigDir:    dir.ConfigDir(),
			WorkspaceDir: dir.WorkspaceDir(),
			EnvFile:      dir.EnvPath(),
			Memory:       cfg.Container.Memory,
			PidsLimit:    cfg.Container.PidsLimit,
			Env:          extra,
		}, logger),
		gateway: gateway.NewMonitor(gateway.LoopbackURL(port), gateway.Options{
			Retry:  retry.Config{MaxAttempts: cfg.Gateway.ReadyAttempts, Delay: cfg.Gateway.ReadyDelay.Duration},
			Logger: logger,
		}),
	}

	a.telemetry, err = otel.Setup(ctx, otel.Config{
		ServiceName:   "berth",
		EnableMetrics: cfg.Telemetry.Metrics,
		EnableTraces:  cfg.Telemetry.Traces,
		TraceWriter:   env.err,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if cfg.History.Enabled {
		path, err := cfg.ResolveHistoryPath()
		if err == nil {
			a.history, err = history.Open(ctx, path)
		}
		if err != nil {
			// History only strengthens messages; launching works without it.
			logger.Warn("history unavailable", "event", "cli.history.error", "error", err)
			a.history = nil
		}
	}
	return a, nil
}

// acquireLock takes the cross-process state directory lock.
func (a *app) acquireLock() error {
	l, err := a.dir.Lock()
	if errors.Is(err, statedir.ErrLocked) {
		return fmt.Errorf("%w (%s)", err, a.dir.Root)
	}
	if err != nil {
		return err
	}
	a.lock = l
	return nil
}

func (a *app) orchestrator() *orchestrator.Orchestrator {
	deps := orchestrator.Deps{
		Engine:    a.probe,
		Images:    a.images,
		Container: a.container,
		Gateway:   a.gateway,
		State:     a.dir,
		Telemetry: a.telemetry.Cycles(),
		Logger:    a.logger,
	}
	if a.history != nil {
		deps.History = a.history
	}
	return orchestrator.New(deps, orchestrator.Config{
		Image:          a.cfg.Image.Ref,
		Port:           a.port,
		WorkspaceMount: container.DefaultWorkspaceMount,
		WatchInterval:  a.cfg.Gateway.WatchInterval.Duration,
		EscalateAfter:  a.cfg.History.EscalateAfter,
	})
}

// close releases the lock, prunes history and flushes telemetry.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.lock.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release lock: %w", err))
	}
	if a.history != nil {
		if _, err := a.history.Prune(ctx, a.cfg.History.Keep); err != nil {
			errs = append(errs, err)
		}
		if err := a.history.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	return errors.Join(errs...)
}
