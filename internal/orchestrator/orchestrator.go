// Package orchestrator drives one launch cycle of the sandboxed workload:
// state directory setup, container engine, image, container and gateway, in
// that order, recording every stage in an append-only step log that observers
// can subscribe to.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strongdm/berth/internal/container"
	"github.com/strongdm/berth/internal/fault"
	"github.com/strongdm/berth/internal/gateway"
	"github.com/strongdm/berth/internal/history"
	"github.com/strongdm/berth/internal/image"
	"github.com/strongdm/berth/internal/statedir"
	"github.com/strongdm/berth/internal/telemetry/otel"
)

// ErrBusy is returned when an operation is requested while a cycle is working.
var ErrBusy = errors.New("an orchestration cycle is already in progress")

// Engine brings the container engine to a responsive state.
type Engine interface {
	Ensure(ctx context.Context, notify func(string)) error
	Name() string
}

// Images makes the workload image available locally.
type Images interface {
	Ensure(ctx context.Context, ref string) (image.Outcome, error)
}

// Supervisor manages the named workload container.
type Supervisor interface {
	Inspect(ctx context.Context) (container.State, error)
	EnsureRunning(ctx context.Context) (recovered bool, err error)
	Stop(ctx context.Context)
	Restart(ctx context.Context) error
	Remove(ctx context.Context) error
	StartedAt(ctx context.Context) (time.Time, error)
}

// Gateway checks the in-container service.
type Gateway interface {
	WaitReady(ctx context.Context) error
	Status(ctx context.Context) (gateway.Status, error)
}

// StateDir owns the on-disk state shared with the container.
type StateDir interface {
	EnsureSetup(opts statedir.SetupOptions) (statedir.Env, bool, error)
	LoadEnv() (statedir.Env, error)
	Reset() error
}

// History records finished cycles. Optional.
type History interface {
	Record(ctx context.Context, c history.Cycle) error
	WarningStreak(ctx context.Context, operation, kind string) (int, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Engine    Engine
	Images    Images
	Container Supervisor
	Gateway   Gateway
	State     StateDir
	History   History
	Telemetry *otel.CycleInstruments
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Config carries the fixed launch parameters.
type Config struct {
	Image          string
	Port           int
	WorkspaceMount string
	WatchInterval  time.Duration
	// EscalateAfter is the soft-failure streak that triggers a stronger
	// message; zero disables escalation.
	EscalateAfter int
}

// Orchestrator is the single error boundary for launch operations.
type Orchestrator struct {
	deps Deps
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	steps     []Step
	cycleID   string
	token     string
	port      int
	accessURL string
	startedAt time.Time
	gwStatus  *gateway.Status
	gwErr     string
	watcher   *gateway.Watcher
	watchGen  uint64

	// busy is held by the one start, restart or reset in flight. It is
	// separate from state, which a stop may change underneath the cycle.
	busy        bool
	cycleGen    uint64
	cycleCancel context.CancelFunc

	subs      map[uint64]chan Snapshot
	nextSubID uint64
	closed    bool
}

// New returns an idle Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = func() string { return uuid.NewString() }
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = gateway.DefaultWatchInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		state:  Idle,
		port:   cfg.Port,
		subs:   make(map[uint64]chan Snapshot),
	}
}

// Close stops background polling and closes every subscription.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	w := o.detachWatcherLocked()
	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
	o.mu.Unlock()
	o.cancel()
	w.Stop()
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Steps returns a copy of the step log.
func (o *Orchestrator) Steps() []Step {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Step(nil), o.steps...)
}

// Snapshot returns a copy of the observable state with derived views.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	steps := append([]Step(nil), o.steps...)
	snap := Snapshot{
		CycleID:      o.cycleID,
		State:        o.state,
		Busy:         o.busy,
		Steps:        steps,
		AccessURL:    o.accessURL,
		Token:        o.token,
		StartedAt:    o.startedAt,
		GatewayError: o.gwErr,
		DoneCount:    DoneCount(steps),
		ErrorSteps:   ErrorSteps(steps),
		Progress:     Progress(o.state, steps),
	}
	if o.gwStatus != nil {
		st := *o.gwStatus
		snap.Gateway = &st
	}
	if active, ok := ActiveStep(steps); ok {
		snap.ActiveStep = &active
	}
	if o.state == Running && !o.startedAt.IsZero() {
		snap.Uptime = FormatUptime(o.deps.Now().Sub(o.startedAt))
	}
	return snap
}

// cycle is the bookkeeping for one operation.
type cycle struct {
	op       string
	id       string
	started  time.Time
	warnings []string
	handle   *otel.CycleHandle
	ctx      context.Context
	// gen is the cycle generation that owns the state; zero for stop,
	// which always owns it.
	gen uint64
}

// admitLocked reserves the single busy slot for a start, restart or reset.
// The returned context is cancelled when StopContainer supersedes the cycle.
func (o *Orchestrator) admitLocked(ctx context.Context) (context.Context, uint64, error) {
	if o.busy {
		return nil, 0, ErrBusy
	}
	o.busy = true
	o.cycleGen++
	ctx, cancel := context.WithCancel(ctx)
	o.cycleCancel = cancel
	return ctx, o.cycleGen, nil
}

// release frees the busy slot taken by admitLocked.
func (o *Orchestrator) release() {
	o.mu.Lock()
	cancel := o.cycleCancel
	o.busy = false
	o.cycleCancel = nil
	o.publishLocked()
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) ownsLocked(c *cycle) bool {
	return c.gen == 0 || c.gen == o.cycleGen
}

// superseded reports whether a stop has taken over since c began.
func (o *Orchestrator) superseded(c *cycle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.ownsLocked(c)
}

func (o *Orchestrator) beginCycle(ctx context.Context, op, id string, gen uint64) *cycle {
	h, ctx := o.deps.Telemetry.StartCycle(ctx, op, id)
	o.deps.Logger.Info("cycle started", "event", "orchestrator.cycle.start", "op", op, "cycle", id)
	return &cycle{op: op, id: id, started: o.deps.Now(), handle: h, ctx: ctx, gen: gen}
}

func (o *Orchestrator) finishCycle(c *cycle) {
	o.mu.Lock()
	state := o.state
	steps := append([]Step(nil), o.steps...)
	o.mu.Unlock()

	c.handle.End(string(state), c.warnings)
	o.deps.Logger.Info("cycle finished", "event", "orchestrator.cycle.finish", "op", c.op, "cycle", c.id, "state", string(state), "warnings", c.warnings)

	if o.deps.History == nil {
		return
	}
	rec := history.Cycle{
		ID:         c.id,
		Operation:  c.op,
		StartedAt:  c.started,
		FinishedAt: o.deps.Now(),
		State:      string(state),
		Warnings:   c.warnings,
		Steps:      make([]history.Step, 0, len(steps)),
	}
	for _, s := range steps {
		rec.Steps = append(rec.Steps, history.Step{ID: s.ID, Status: string(s.Status), Message: s.Message, At: s.At})
	}
	if err := o.deps.History.Record(context.WithoutCancel(c.ctx), rec); err != nil {
		o.deps.Logger.Warn("record history failed", "event", "orchestrator.history.error", "cycle", c.id, "error", err)
	}
}

// appendStep adds a record unless c has been superseded.
func (o *Orchestrator) appendStep(c *cycle, id string, status Status, msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.ownsLocked(c) {
		return
	}
	o.appendStepLocked(id, status, msg)
}

func (o *Orchestrator) appendStepLocked(id string, status Status, msg string) {
	o.steps = append(o.steps, Step{ID: id, Status: status, Message: msg, At: o.deps.Now()})
	o.publishLocked()
}

// begin marks a stage as running and starts its telemetry.
func (o *Orchestrator) begin(c *cycle, id, msg string) *otel.StageHandle {
	o.appendStep(c, id, StatusRunning, msg)
	return c.handle.StartStage(id)
}

func (o *Orchestrator) settle(c *cycle, sh *otel.StageHandle, id string, status Status, msg string) {
	o.appendStep(c, id, status, msg)
	errText := ""
	if status == StatusError {
		errText = msg
	}
	sh.End(string(status), errText)
}

// fail settles a stage with an error and moves to the error state.
func (o *Orchestrator) fail(c *cycle, sh *otel.StageHandle, id string, err error) {
	msg := o.messageFor(err)
	o.deps.Logger.Warn("stage failed", "event", "orchestrator.stage.error", "stage", id, "kind", string(fault.KindOf(err)), "error", err)
	o.mu.Lock()
	if o.ownsLocked(c) {
		o.appendStepLocked(id, StatusError, msg)
		o.state = Error
		o.publishLocked()
	}
	o.mu.Unlock()
	sh.End(string(StatusError), msg)
}

func (o *Orchestrator) messageFor(err error) string {
	if fe, ok := fault.As(err); ok {
		if fe.Engine == "" && o.deps.Engine != nil {
			cp := *fe
			cp.Engine = o.deps.Engine.Name()
			return cp.Message()
		}
		return fe.Message()
	}
	return fmt.Sprintf("Unexpected error: %v", err)
}

// Start runs a full launch cycle. It returns ErrBusy when a cycle is already
// in flight, including one a stop has superseded but which has not unwound
// yet; every other failure is reported through the step log and state, never
// as an error.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	ctx, gen, err := o.admitLocked(ctx)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	w := o.detachWatcherLocked()
	id := o.deps.NewID()
	o.state = Working
	o.steps = nil
	o.cycleID = id
	o.accessURL = ""
	o.startedAt = time.Time{}
	o.gwStatus = nil
	o.gwErr = ""
	o.publishLocked()
	o.mu.Unlock()
	w.Stop()
	defer o.release()

	c := o.beginCycle(ctx, "start", id, gen)
	defer o.finishCycle(c)
	ctx = c.ctx

	// Setup.
	sh := o.begin(c, StageSetup, "Preparing state directory")
	env, created, err := o.deps.State.EnsureSetup(statedir.SetupOptions{Port: o.cfg.Port, WorkspaceMount: o.cfg.WorkspaceMount})
	if err != nil {
		o.fail(c, sh, StageSetup, err)
		return nil
	}
	o.mu.Lock()
	o.token = env.Token
	o.port = env.Port
	o.mu.Unlock()
	if created {
		o.settle(c, sh, StageSetup, StatusDone, "Generated gateway token and service configuration")
	} else {
		o.settle(c, sh, StageSetup, StatusDone, "State directory ready")
	}
	if o.superseded(c) {
		return nil
	}

	// Recovery shortcut: adopt a container that is already running.
	recovered := false
	if st, err := o.deps.Container.Inspect(ctx); err == nil && st == container.Running {
		recovered = true
		sh = c.handle.StartStage(StageContainer)
		o.settle(c, sh, StageContainer, StatusDone, "Recovered running container")
	} else if err != nil {
		o.deps.Logger.Debug("pre-flight inspect failed", "event", "orchestrator.inspect", "error", err)
	}

	if !recovered {
		engineName := o.deps.Engine.Name()
		sh = o.begin(c, StageEngine, fmt.Sprintf("Checking %s", engineName))
		notify := func(msg string) { o.appendStep(c, StageEngine, StatusRunning, msg) }
		if err := o.deps.Engine.Ensure(ctx, notify); err != nil {
			o.fail(c, sh, StageEngine, err)
			return nil
		}
		o.settle(c, sh, StageEngine, StatusDone, fmt.Sprintf("%s is running", o.deps.Engine.Name()))
		if o.superseded(c) {
			return nil
		}

		sh = o.begin(c, StageImage, "Pulling workload image")
		outcome, err := o.deps.Images.Ensure(ctx, o.cfg.Image)
		if err != nil {
			o.fail(c, sh, StageImage, err)
			return nil
		}
		if outcome.Cached {
			c.warnings = append(c.warnings, WarnCachedImage)
			o.settle(c, sh, StageImage, StatusWarning, o.escalate(ctx, WarnCachedImage, outcome.Warning))
		} else {
			o.settle(c, sh, StageImage, StatusDone, "Image up to date")
		}
		if o.superseded(c) {
			return nil
		}

		sh = o.begin(c, StageContainer, "Starting container")
		wasRunning, err := o.deps.Container.EnsureRunning(ctx)
		if err != nil {
			o.fail(c, sh, StageContainer, err)
			return nil
		}
		if wasRunning {
			o.settle(c, sh, StageContainer, StatusDone, "Recovered running container")
		} else {
			o.settle(c, sh, StageContainer, StatusDone, "Container started")
		}
	}
	if o.superseded(c) {
		return nil
	}

	sh = o.begin(c, StageGateway, "Waiting for gateway")
	if err := o.deps.Gateway.WaitReady(ctx); err != nil {
		if fe, ok := fault.As(err); ok && !fe.Fatal() {
			c.warnings = append(c.warnings, WarnGatewaySlow)
			o.settle(c, sh, StageGateway, StatusWarning, o.escalate(ctx, WarnGatewaySlow, o.messageFor(err)))
		} else {
			o.fail(c, sh, StageGateway, err)
			return nil
		}
	} else {
		o.settle(c, sh, StageGateway, StatusDone, "Gateway is reachable")
	}

	o.enterRunning(c)
	return nil
}

// escalate strengthens msg when kind has been seen at the end of enough
// consecutive start cycles, counting the current one.
func (o *Orchestrator) escalate(ctx context.Context, kind, msg string) string {
	if o.cfg.EscalateAfter <= 0 || o.deps.History == nil {
		return msg
	}
	prior, err := o.deps.History.WarningStreak(ctx, "start", kind)
	if err != nil {
		o.deps.Logger.Warn("read warning streak failed", "event", "orchestrator.history.error", "kind", kind, "error", err)
		return msg
	}
	streak := prior + 1
	if streak < o.cfg.EscalateAfter {
		return msg
	}
	return fmt.Sprintf("%s This has happened on %d starts in a row; if it keeps happening run 'berth reset'.", msg, streak)
}

// enterRunning records the access URL and start instant and begins status
// polling. A superseded cycle leaves the state alone.
func (o *Orchestrator) enterRunning(c *cycle) {
	started, err := o.deps.Container.StartedAt(c.ctx)
	if err != nil {
		o.deps.Logger.Debug("read start time failed", "event", "orchestrator.started_at", "error", err)
		started = time.Time{}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.ownsLocked(c) {
		return
	}
	o.state = Running
	o.startedAt = started
	if o.token != "" {
		o.accessURL = AccessURL(o.port, o.token)
	}
	o.attachWatcherLocked()
	o.publishLocked()
}

// StopContainer stops the container. It never fails and always ends stopped.
// It does not wait for an in-flight cycle: that cycle is cancelled and can no
// longer change the state, though it keeps the busy slot until it unwinds.
func (o *Orchestrator) StopContainer(ctx context.Context) {
	o.mu.Lock()
	w := o.detachWatcherLocked()
	o.cycleGen++
	cancel := o.cycleCancel
	id := o.deps.NewID()
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.Stop()

	c := o.beginCycle(ctx, "stop", id, 0)
	defer o.finishCycle(c)

	sh := o.begin(c, StageStop, "Stopping container")
	o.deps.Container.Stop(c.ctx)

	o.mu.Lock()
	o.appendStepLocked(StageStop, StatusDone, "Container stopped")
	o.state = Stopped
	o.startedAt = time.Time{}
	o.gwStatus = nil
	o.gwErr = ""
	o.publishLocked()
	o.mu.Unlock()
	sh.End(string(StatusDone), "")
}

// RestartContainer restarts the container. Failure moves to the error state.
func (o *Orchestrator) RestartContainer(ctx context.Context) error {
	o.mu.Lock()
	ctx, gen, err := o.admitLocked(ctx)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	w := o.detachWatcherLocked()
	id := o.deps.NewID()
	o.state = Working
	o.publishLocked()
	o.mu.Unlock()
	w.Stop()
	defer o.release()

	c := o.beginCycle(ctx, "restart", id, gen)
	defer o.finishCycle(c)

	sh := o.begin(c, StageRestart, "Restarting container")
	if err := o.deps.Container.Restart(c.ctx); err != nil {
		o.fail(c, sh, StageRestart, err)
		return nil
	}

	o.mu.Lock()
	needEnv := o.token == ""
	o.mu.Unlock()
	if needEnv {
		if env, err := o.deps.State.LoadEnv(); err == nil && env.Token != "" {
			o.mu.Lock()
			o.token = env.Token
			if env.Port > 0 {
				o.port = env.Port
			}
			o.mu.Unlock()
		}
	}

	o.settle(c, sh, StageRestart, StatusDone, "Container restarted")
	o.enterRunning(c)
	return nil
}

// ResetEverything force-removes the container and deletes the state
// directory, returning to idle with an empty log. Missing containers and
// files are not errors. The only failure is a state directory that cannot be
// removed (for example a root of "/"), which is reported in the step log and
// leaves the orchestrator in the error state.
func (o *Orchestrator) ResetEverything(ctx context.Context) error {
	o.mu.Lock()
	ctx, gen, err := o.admitLocked(ctx)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	w := o.detachWatcherLocked()
	id := o.deps.NewID()
	o.state = Working
	o.publishLocked()
	o.mu.Unlock()
	w.Stop()
	defer o.release()

	c := o.beginCycle(ctx, "reset", id, gen)
	sh := o.begin(c, StageReset, "Removing container and state")

	if err := o.deps.Container.Remove(c.ctx); err != nil {
		o.deps.Logger.Warn("remove container failed", "event", "orchestrator.reset.remove", "error", err)
	}
	if err := o.deps.State.Reset(); err != nil {
		o.fail(c, sh, StageReset, err)
		o.finishCycle(c)
		return nil
	}
	o.settle(c, sh, StageReset, StatusDone, "Reset complete")
	o.finishCycle(c)

	o.mu.Lock()
	o.token = ""
	o.port = o.cfg.Port
	o.accessURL = ""
	o.startedAt = time.Time{}
	o.gwStatus = nil
	o.gwErr = ""
	if o.ownsLocked(c) {
		o.state = Idle
		o.steps = nil
		o.cycleID = ""
	}
	o.publishLocked()
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) attachWatcherLocked() {
	if o.closed || o.deps.Gateway == nil {
		return
	}
	o.watchGen++
	gen := o.watchGen
	o.watcher = gateway.Watch(o.ctx, o.deps.Gateway, o.cfg.WatchInterval, func(st gateway.Status, err error) {
		o.onGatewayStatus(gen, st, err)
	})
}

// detachWatcherLocked disowns the current watcher. The caller must Stop the
// result after releasing o.mu, since the watcher callback takes o.mu.
func (o *Orchestrator) detachWatcherLocked() *gateway.Watcher {
	o.watchGen++
	w := o.watcher
	o.watcher = nil
	return w
}

func (o *Orchestrator) onGatewayStatus(gen uint64, st gateway.Status, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.watchGen || o.state != Running {
		return
	}
	if err != nil {
		o.gwErr = err.Error()
	} else {
		o.gwStatus = &st
		o.gwErr = ""
	}
	o.publishLocked()
}
