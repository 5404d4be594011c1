// Package container adopts or (re)creates the single named workload container
// under a fixed lockdown configuration.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/strongdm/berth/internal/engine"
	"github.com/strongdm/berth/internal/fault"
)

// State is the engine-reported condition of the named container.
type State string

const (
	Absent  State = "absent"
	Created State = "created"
	Running State = "running"
	Stopped State = "stopped"
)

// Spec is the fixed run configuration for the workload.
type Spec struct {
	Name  string
	Image string
	Port  int

	// Host directories mounted into the container.
	ConfigDir    string
	WorkspaceDir string
	EnvFile      string

	// Mount points inside the container.
	ConfigMount    string
	WorkspaceMount string

	Memory    string
	PidsLimit int
	// Env holds extra variables passed with -e, after the env file.
	Env map[string]string
}

const (
	DefaultName           = "berth-gateway"
	DefaultMemory         = "2g"
	DefaultPidsLimit      = 256
	DefaultConfigMount    = "/home/node/.config/gateway"
	DefaultWorkspaceMount = "/workspace"
)

func (s Spec) withDefaults() Spec {
	if strings.TrimSpace(s.Name) == "" {
		s.Name = DefaultName
	}
	if s.Memory == "" {
		s.Memory = DefaultMemory
	}
	if s.PidsLimit <= 0 {
		s.PidsLimit = DefaultPidsLimit
	}
	if s.ConfigMount == "" {
		s.ConfigMount = DefaultConfigMount
	}
	if s.WorkspaceMount == "" {
		s.WorkspaceMount = DefaultWorkspaceMount
	}
	return s
}

// RunArgs returns the engine arguments (without the binary) for a fresh run.
func (s Spec) RunArgs() []string {
	s = s.withDefaults()
	port := strconv.Itoa(s.Port)
	args := []string{
		"run", "-d",
		"--name", s.Name,
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--memory", s.Memory,
		"--pids-limit", strconv.Itoa(s.PidsLimit),
		"--tmpfs", "/tmp",
		"-p", "127.0.0.1:" + port + ":" + port,
	}
	if s.ConfigDir != "" {
		args = append(args, "-v", s.ConfigDir+":"+s.ConfigMount)
	}
	if s.WorkspaceDir != "" {
		args = append(args, "-v", s.WorkspaceDir+":"+s.WorkspaceMount)
	}
	if s.EnvFile != "" {
		args = append(args, "--env-file", s.EnvFile)
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+s.Env[k])
	}
	return append(args, s.Image)
}

// Supervisor drives the engine CLI for one container name. It re-inspects
// before every decision rather than caching state.
type Supervisor struct {
	cli    *engine.CLI
	spec   Spec
	logger *slog.Logger
}

// NewSupervisor returns a Supervisor for spec. A nil logger discards output.
func NewSupervisor(cli *engine.CLI, spec Spec, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{cli: cli, spec: spec.withDefaults(), logger: logger}
}

// Spec returns the effective run configuration.
func (s *Supervisor) Spec() Spec {
	return s.spec
}

// Name returns the container name.
func (s *Supervisor) Name() string {
	return s.spec.Name
}

// Inspect reports the container's current state.
func (s *Supervisor) Inspect(ctx context.Context) (State, error) {
	res, err := s.cli.Run(ctx, "inspect", "-f", "{{.State.Status}}", s.spec.Name)
	if err != nil {
		return Absent, err
	}
	if !res.OK() {
		if engine.IsNoSuchObject(res.Diagnostic()) {
			return Absent, nil
		}
		return Absent, fmt.Errorf("inspect %s: %s", s.spec.Name, res.Diagnostic())
	}
	switch strings.TrimSpace(res.Stdout) {
	case "running", "restarting":
		return Running, nil
	case "created":
		return Created, nil
	default:
		return Stopped, nil
	}
}

// EnsureRunning adopts a running container or replaces any other with a fresh
// run. recovered is true when an already-running container was adopted.
func (s *Supervisor) EnsureRunning(ctx context.Context) (recovered bool, err error) {
	state, err := s.Inspect(ctx)
	if err != nil {
		return false, fault.Wrap(fault.ContainerRunFailed, err)
	}
	switch state {
	case Running:
		s.logger.Info("adopting running container", "event", "container.recover", "name", s.spec.Name)
		return true, nil
	case Absent:
	default:
		s.logger.Info("removing stale container", "event", "container.remove", "name", s.spec.Name, "state", string(state))
		if err := s.Remove(ctx); err != nil {
			return false, fault.Wrap(fault.ContainerRunFailed, err)
		}
	}
	return false, s.RunFresh(ctx)
}

// RunFresh starts a new container. The caller must ensure the name is free.
func (s *Supervisor) RunFresh(ctx context.Context) error {
	args := s.spec.RunArgs()
	s.logger.Info("starting container", "event", "container.run", "name", s.spec.Name, "image", s.spec.Image, "port", s.spec.Port)
	res, err := s.cli.Run(ctx, args...)
	if err != nil {
		return fault.Wrap(fault.ContainerRunFailed, err)
	}
	if !res.OK() {
		diag := res.Diagnostic()
		s.logger.Warn("container run failed", "event", "container.run.error", "name", s.spec.Name, "port_conflict", fault.IsPortConflict(diag), "error", diag)
		return fault.New(fault.ContainerRunFailed, diag)
	}
	return nil
}

// Stop asks the engine to stop the container. Failures are logged, never returned.
func (s *Supervisor) Stop(ctx context.Context) {
	res, err := s.cli.Run(ctx, "stop", s.spec.Name)
	switch {
	case err != nil:
		s.logger.Warn("stop failed", "event", "container.stop.error", "name", s.spec.Name, "error", err)
	case !res.OK() && !engine.IsNoSuchObject(res.Diagnostic()):
		s.logger.Warn("stop failed", "event", "container.stop.error", "name", s.spec.Name, "error", res.Diagnostic())
	default:
		s.logger.Info("container stopped", "event", "container.stop", "name", s.spec.Name)
	}
}

// Restart restarts an existing container.
func (s *Supervisor) Restart(ctx context.Context) error {
	res, err := s.cli.Run(ctx, "restart", s.spec.Name)
	if err != nil {
		return fault.Wrap(fault.ContainerRunFailed, err)
	}
	if !res.OK() {
		return fault.New(fault.ContainerRunFailed, res.Diagnostic())
	}
	s.logger.Info("container restarted", "event", "container.restart", "name", s.spec.Name)
	return nil
}

// Remove force-removes the container. A missing container is not an error.
func (s *Supervisor) Remove(ctx context.Context) error {
	res, err := s.cli.Run(ctx, "rm", "-f", s.spec.Name)
	if err != nil {
		return err
	}
	if !res.OK() && !engine.IsNoSuchObject(res.Diagnostic()) {
		return fmt.Errorf("remove %s: %s", s.spec.Name, res.Diagnostic())
	}
	return nil
}

// ErrNotStarted is returned by StartedAt for a container that never ran.
var ErrNotStarted = errors.New("container has not started")

// StartedAt returns the instant the engine last started the container.
func (s *Supervisor) StartedAt(ctx context.Context) (time.Time, error) {
	res, err := s.cli.Run(ctx, "inspect", "-f", "{{.State.StartedAt}}", s.spec.Name)
	if err != nil {
		return time.Time{}, err
	}
	if !res.OK() {
		return time.Time{}, fmt.Errorf("inspect %s: %s", s.spec.Name, res.Diagnostic())
	}
	raw := strings.TrimSpace(res.Stdout)
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse start time %q: %w", raw, err)
	}
	// Engines report the zero time for containers that were created but never run.
	if ts.Year() <= 1 {
		return time.Time{}, ErrNotStarted
	}
	return ts, nil
}

// Logs returns the last tail lines of container output; tail <= 0 returns all.
func (s *Supervisor) Logs(ctx context.Context, tail int) (string, error) {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", strconv.Itoa(tail))
	}
	args = append(args, s.spec.Name)
	res, err := s.cli.Run(ctx, args...)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("logs %s: %s", s.spec.Name, res.Diagnostic())
	}
	// docker logs replays both streams; keep them in that order.
	return res.Stdout + res.Stderr, nil
}
