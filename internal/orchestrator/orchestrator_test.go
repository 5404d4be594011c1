package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strongdm/berth/internal/container"
	"github.com/strongdm/berth/internal/engine"
	"github.com/strongdm/berth/internal/gateway"
	"github.com/strongdm/berth/internal/history"
	"github.com/strongdm/berth/internal/image"
	"github.com/strongdm/berth/internal/retry"
	"github.com/strongdm/berth/internal/shell"
	"github.com/strongdm/berth/internal/statedir"
)

const (
	testImage = "ghcr.io/strongdm/berth-gateway:latest"
	testName  = "berth-test"
)

var testNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

type harness struct {
	fake        *shell.Fake
	orch        *Orchestrator
	dir         *statedir.Dir
	statusHits  *atomic.Int32
	history     *history.Store
	gatewayDown bool
}

type harnessOption func(*harness, *Deps, *Config)

func withGatewayDown() harnessOption {
	return func(h *harness, _ *Deps, _ *Config) { h.gatewayDown = true }
}

func withHistory(t *testing.T) harnessOption {
	return func(h *harness, d *Deps, c *Config) {
		store, err := history.Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
		if err != nil {
			t.Fatalf("history.Open: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		h.history = store
		d.History = store
		c.EscalateAfter = 3
	}
}

func withEngine(e Engine) harnessOption {
	return func(_ *harness, d *Deps, _ *Config) { d.Engine = e }
}

// newHarness wires real components to a scripted shell. script registers
// test-specific rules ahead of the baseline so they win.
func newHarness(t *testing.T, script func(f *shell.Fake), opts ...harnessOption) *harness {
	t.Helper()

	fake := shell.NewFake()
	if script != nil {
		script(fake)
	}
	fake.WhenPrefix([]string{"which", "docker"}, shell.Ok("/usr/bin/docker\n")).
		WhenPrefix([]string{"docker", "inspect", "-f", "{{.State.Status}}"}, shell.Fail(1, "Error: No such object: "+testName)).
		WhenPrefix([]string{"docker", "inspect", "-f", "{{.State.StartedAt}}"}, shell.Ok(testNow.Add(-90*time.Second).Format(time.RFC3339Nano)))

	h := &harness{fake: fake, statusHits: &atomic.Int32{}}
	deps := Deps{Now: func() time.Time { return testNow }}
	cfg := Config{Image: testImage, Port: 18789, WorkspaceMount: "/workspace", WatchInterval: 10 * time.Millisecond}
	for _, opt := range opts {
		opt(h, &deps, &cfg)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			h.statusHits.Add(1)
			_, _ = w.Write([]byte(`{"uptime": 42}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	gwURL := srv.URL
	if h.gatewayDown {
		srv.Close()
	} else {
		t.Cleanup(srv.Close)
	}

	cli := engine.NewCLI(fake, "docker")
	h.dir = statedir.New(filepath.Join(t.TempDir(), "state"), "")
	if deps.Engine == nil {
		deps.Engine = engine.NewProbe(cli, engine.Options{
			Retry:  retry.Config{MaxAttempts: 2},
			Exists: func(string) bool { return false },
		})
	}
	deps.Images = image.NewManager(cli, nil)
	deps.Container = container.NewSupervisor(cli, container.Spec{
		Name:         testName,
		Image:        testImage,
		Port:         cfg.Port,
		ConfigDir:    h.dir.ConfigDir(),
		WorkspaceDir: h.dir.WorkspaceDir(),
		EnvFile:      h.dir.EnvPath(),
	}, nil)
	deps.Gateway = gateway.NewMonitor(gwURL, gateway.Options{Retry: retry.Config{MaxAttempts: 2, Delay: time.Millisecond}})
	deps.State = h.dir

	h.orch = New(deps, cfg)
	t.Cleanup(h.orch.Close)
	return h
}

func (h *harness) start(t *testing.T) Snapshot {
	t.Helper()
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h.orch.Snapshot()
}

func findStep(steps []Step, status Status, substr string) (Step, bool) {
	for _, s := range steps {
		if s.Status == status && strings.Contains(strings.ToLower(s.Message), strings.ToLower(substr)) {
			return s, true
		}
	}
	return Step{}, false
}

func TestStartHappyPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	snap := h.start(t)

	if snap.State != Running {
		t.Fatalf("got state %q want running; steps=%+v", snap.State, snap.Steps)
	}
	if len(snap.ErrorSteps) != 0 {
		t.Fatalf("unexpected error steps %+v", snap.ErrorSteps)
	}
	if snap.DoneCount != ExpectedStages {
		t.Fatalf("got %d done steps want %d", snap.DoneCount, ExpectedStages)
	}
	if snap.Progress != 1 {
		t.Fatalf("got progress %v want 1", snap.Progress)
	}
	if snap.ActiveStep != nil {
		t.Fatalf("no step should be active after the cycle: %+v", snap.ActiveStep)
	}
	want := AccessURL(18789, h.dir.Token())
	if snap.AccessURL != want || !strings.HasPrefix(want, "http://127.0.0.1:18789/?token=") {
		t.Fatalf("got access URL %q want %q", snap.AccessURL, want)
	}
	if snap.Uptime != "1m 30s" {
		t.Fatalf("got uptime %q want 1m 30s", snap.Uptime)
	}
	if snap.CycleID == "" {
		t.Fatalf("cycle id missing")
	}
	if h.fake.Count("docker", "pull") != 1 || h.fake.Count("docker", "run") != 1 {
		t.Fatalf("expected one pull and one run, got %v", h.fake.Calls())
	}
	if _, ok := findStep(snap.Steps, StatusDone, "generated gateway token"); !ok {
		t.Fatalf("first run should report token generation: %+v", snap.Steps)
	}
}

func TestStartEngineNotRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(f *shell.Fake) {
		f.WhenPrefix([]string{"docker", "info"}, shell.Fail(1, "Cannot connect to the Docker daemon at unix:///var/run/docker.sock"))
	})
	snap := h.start(t)

	if snap.State != Error {
		t.Fatalf("got state %q want error", snap.State)
	}
	if len(snap.ErrorSteps) != 1 || snap.ErrorSteps[0].ID != StageEngine {
		t.Fatalf("expected one engine error step, got %+v", snap.ErrorSteps)
	}
	if !strings.Contains(snap.ErrorSteps[0].Message, "Docker") {
		t.Fatalf("error should name the engine, got %q", snap.ErrorSteps[0].Message)
	}
	if h.fake.Count("docker", "pull") != 0 || h.fake.Count("docker", "run") != 0 {
		t.Fatalf("no later stage may run after a fatal error: %v", h.fake.Calls())
	}
	if snap.AccessURL != "" {
		t.Fatalf("access URL must be empty on error")
	}
}

func TestStartEngineNotInstalled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(f *shell.Fake) {
		f.WhenPrefix([]string{"which", "docker"}, shell.Fail(1, ""))
	})
	snap := h.start(t)
	if snap.State != Error {
		t.Fatalf("got state %q want error", snap.State)
	}
	if _, ok := findStep(snap.Steps, StatusError, "not installed"); !ok {
		t.Fatalf("expected not-installed error: %+v", snap.Steps)
	}
}

func TestStartCachedImageWarns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(f *shell.Fake) {
		f.WhenPrefix([]string{"docker", "pull"}, shell.Fail(1, "dial tcp: lookup ghcr.io: no such host"))
		f.WhenPrefix([]string{"docker", "image", "inspect"}, shell.Ok("sha256:abc"))
	})
	snap := h.start(t)

	if snap.State != Running {
		t.Fatalf("got state %q want running; steps=%+v", snap.State, snap.Steps)
	}
	step, ok := findStep(snap.Steps, StatusWarning, "cached")
	if !ok {
		t.Fatalf("expected cached warning: %+v", snap.Steps)
	}
	if step.ID != StageImage {
		t.Fatalf("warning should belong to image stage, got %q", step.ID)
	}
}

func TestStartImageMissingIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(f *shell.Fake) {
		f.WhenPrefix([]string{"docker", "pull"}, shell.Fail(1, "manifest unknown"))
		f.WhenPrefix([]string{"docker", "image", "inspect"}, shell.Fail(1, "Error: No such image"))
	})
	snap := h.start(t)
	if snap.State != Error {
		t.Fatalf("got state %q want error", snap.State)
	}
	if h.fake.Count("docker", "run") != 0 {
		t.Fatalf("no container may be created without an image")
	}
}

func TestStartRunFailurePortConflict(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(f *shell.Fake) {
		f.WhenPrefix([]string{"docker", "run"}, shell.Fail(125, "Bind for 127.0.0.1:18789 failed: port is already allocated"))
	})
	snap := h.start(t)

	if snap.State != Error {
		t.Fatalf("got state %q want error", snap.State)
	}
	if len(snap.ErrorSteps) != 1 {
		t.Fatalf("expected one error step, got %+v", snap.ErrorSteps)
	}
	msg := strings.ToLower(snap.ErrorSteps[0].Message)
	if !strings.Contains(msg, "container") && !strings.Contains(msg, "port") {
		t.Fatalf("error should mention container or port, got %q", msg)
	}
	if _, ok := findStep(snap.Steps, StatusRunning, "waiting for gateway"); ok {
		t.Fatalf("gateway stage must not run after a fatal error")
	}
}

func TestStartRecoversRunningContainer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(f *shell.Fake) {
		f.WhenPrefix([]string{"docker", "inspect", "-f", "{{.State.Status}}"}, shell.Ok("running"))
	})
	snap := h.start(t)

	if snap.State != Running {
		t.Fatalf("got state %q want running", snap.State)
	}
	if _, ok := findStep(snap.Steps, StatusDone, "Recovered"); !ok {
		t.Fatalf("expected a Recovered step: %+v", snap.Steps)
	}
	for _, prefix := range [][]string{{"docker", "pull"}, {"docker", "run"}, {"docker", "info"}} {
		if n := h.fake.Count(prefix...); n != 0 {
			t.Fatalf("%v issued %d times during recovery", prefix, n)
		}
	}
	if snap.Progress != 1 {
		t.Fatalf("recovered cycle should report full progress, got %v", snap.Progress)
	}
}

func TestStartGatewayTimeoutIsWarning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, withGatewayDown())
	snap := h.start(t)

	if snap.State != Running {
		t.Fatalf("got state %q want running", snap.State)
	}
	step, ok := findStep(snap.Steps, StatusWarning, "")
	if !ok || step.ID != StageGateway {
		t.Fatalf("expected gateway warning: %+v", snap.Steps)
	}
	if len(snap.ErrorSteps) != 0 {
		t.Fatalf("gateway timeout must not produce error steps")
	}
}

func TestStartNoToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if err := os.MkdirAll(h.dir.Root, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(h.dir.EnvPath(), []byte("GATEWAY_TOKEN=not-hex\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	snap := h.start(t)
	if snap.State != Error {
		t.Fatalf("got state %q want error", snap.State)
	}
	if len(snap.ErrorSteps) != 1 || !strings.Contains(snap.ErrorSteps[0].Message, h.dir.Root) {
		t.Fatalf("NoToken message should reference the state directory: %+v", snap.ErrorSteps)
	}
}

func TestStartClearsPreviousLog(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	first := h.start(t)
	second := h.start(t)
	if first.CycleID == second.CycleID {
		t.Fatalf("each start must get a new cycle id")
	}
	if len(second.Steps) != len(first.Steps) {
		t.Fatalf("log should restart each cycle: first=%d second=%d", len(first.Steps), len(second.Steps))
	}
	if _, ok := findStep(second.Steps, StatusDone, "State directory ready"); !ok {
		t.Fatalf("second run should reuse setup: %+v", second.Steps)
	}
}

type blockingEngine struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEngine) Name() string { return "Docker" }

func (b *blockingEngine) Ensure(ctx context.Context, notify func(string)) error {
	close(b.entered)
	<-b.release
	return nil
}

func TestOperationsRejectedWhileWorking(t *testing.T) {
	t.Parallel()

	eng := &blockingEngine{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, nil, withEngine(eng))

	done := make(chan error, 1)
	go func() { done <- h.orch.Start(context.Background()) }()
	<-eng.entered

	if got := h.orch.State(); got != Working {
		t.Fatalf("got state %q want working", got)
	}
	if err := h.orch.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent Start: got %v want ErrBusy", err)
	}
	if err := h.orch.RestartContainer(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent Restart: got %v want ErrBusy", err)
	}
	if err := h.orch.ResetEverything(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent Reset: got %v want ErrBusy", err)
	}
	active := h.orch.Snapshot().ActiveStep
	if active == nil || active.ID != StageEngine {
		t.Fatalf("engine stage should be active, got %+v", active)
	}

	close(eng.release)
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.orch.State(); got != Running {
		t.Fatalf("got state %q want running", got)
	}
}

func TestStopSupersedesInFlightStart(t *testing.T) {
	t.Parallel()

	eng := &blockingEngine{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, nil, withEngine(eng))

	done := make(chan error, 1)
	go func() { done <- h.orch.Start(context.Background()) }()
	<-eng.entered

	h.orch.StopContainer(context.Background())
	snap := h.orch.Snapshot()
	if snap.State != Stopped || !snap.Busy {
		t.Fatalf("stop should end stopped while the start unwinds: %+v", snap)
	}
	if err := h.orch.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("Start after stop: got %v want ErrBusy", err)
	}

	close(eng.release)
	if err := <-done; err != nil {
		t.Fatalf("first Start: %v", err)
	}
	snap = h.orch.Snapshot()
	if snap.State != Stopped || snap.Busy || snap.AccessURL != "" {
		t.Fatalf("superseded start must not leave stopped: %+v", snap)
	}
	if last := snap.Steps[len(snap.Steps)-1]; last.ID != StageStop {
		t.Fatalf("superseded start appended %+v after the stop", last)
	}
	if got := h.fake.Count("docker", "run"); got != 0 {
		t.Fatalf("superseded start ran the container %d times", got)
	}
}

func TestStopAlwaysEndsStopped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(f *shell.Fake) {
		f.WhenPrefix([]string{"docker", "stop"}, shell.Fail(1, "Cannot connect to the Docker daemon"))
	})
	h.orch.StopContainer(context.Background())
	snap := h.orch.Snapshot()
	if snap.State != Stopped {
		t.Fatalf("got state %q want stopped", snap.State)
	}
	if len(snap.ErrorSteps) != 0 {
		t.Fatalf("stop must never report errors: %+v", snap.ErrorSteps)
	}
}

func TestRestartFailureAndSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(f *shell.Fake) {
		f.WhenPrefix([]string{"docker", "restart"},
			shell.Fail(1, "Error: No such container: "+testName),
			shell.Ok(testName),
		)
	})

	if err := h.orch.RestartContainer(context.Background()); err != nil {
		t.Fatalf("RestartContainer: %v", err)
	}
	snap := h.orch.Snapshot()
	if snap.State != Error {
		t.Fatalf("got state %q want error", snap.State)
	}
	if len(snap.ErrorSteps) != 1 || snap.ErrorSteps[0].ID != StageRestart {
		t.Fatalf("expected restart error step, got %+v", snap.ErrorSteps)
	}

	if err := h.orch.RestartContainer(context.Background()); err != nil {
		t.Fatalf("RestartContainer: %v", err)
	}
	if got := h.orch.State(); got != Running {
		t.Fatalf("got state %q want running", got)
	}
}

func TestRestartAfterStopRestoresAccessURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.start(t)
	h.orch.StopContainer(context.Background())
	if err := h.orch.RestartContainer(context.Background()); err != nil {
		t.Fatalf("RestartContainer: %v", err)
	}
	snap := h.orch.Snapshot()
	if snap.State != Running || snap.AccessURL == "" {
		t.Fatalf("restart should return to running with an access URL: %+v", snap)
	}
}

func TestResetEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(f *shell.Fake) {
		f.WhenPrefix([]string{"docker", "rm"}, shell.Fail(1, "Error: No such container: "+testName))
	})
	h.start(t)

	if err := h.orch.ResetEverything(context.Background()); err != nil {
		t.Fatalf("ResetEverything: %v", err)
	}
	snap := h.orch.Snapshot()
	if snap.State != Idle || len(snap.Steps) != 0 || snap.AccessURL != "" || snap.Token != "" {
		t.Fatalf("reset should return to a blank idle state: %+v", snap)
	}
	if _, err := os.Stat(h.dir.Root); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("state directory should be gone: %v", err)
	}
	if h.fake.Count("docker", "rm", "-f", testName) != 1 {
		t.Fatalf("reset must force-remove the container: %v", h.fake.Calls())
	}

	if err := h.orch.ResetEverything(context.Background()); err != nil {
		t.Fatalf("second reset: %v", err)
	}
}

func TestResetRefusesRootStateDir(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.dir.Root = "/"

	if err := h.orch.ResetEverything(context.Background()); err != nil {
		t.Fatalf("ResetEverything: %v", err)
	}
	snap := h.orch.Snapshot()
	if snap.State != Error || snap.Busy {
		t.Fatalf("got %+v want error state", snap)
	}
	if _, ok := findStep(snap.Steps, StatusError, "refusing to remove"); !ok {
		t.Fatalf("refusal should be in the step log: %+v", snap.Steps)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ch, cancel := h.orch.Subscribe()

	var seen []Snapshot
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for snap := range ch {
			seen = append(seen, snap)
		}
	}()

	h.start(t)
	cancel()
	<-collected

	last := -1.0
	for _, snap := range seen {
		if snap.State == Idle {
			continue
		}
		if snap.Progress < last {
			t.Fatalf("progress went backwards: %v after %v", snap.Progress, last)
		}
		if snap.Progress > 1 {
			t.Fatalf("progress above 1: %v", snap.Progress)
		}
		last = snap.Progress
	}
	if last != 1 {
		t.Fatalf("final observed progress %v want 1", last)
	}
}

func TestSlowSubscriberNeverBlocks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ch, cancel := h.orch.Subscribe()
	defer cancel()

	h.start(t)

	snap := <-ch
	if snap.State != Running {
		t.Fatalf("stale subscriber should see the latest snapshot, got %q", snap.State)
	}
}

func TestWatcherRunsOnlyWhileRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.start(t)

	deadline := time.After(2 * time.Second)
	for h.orch.Snapshot().Gateway == nil {
		select {
		case <-deadline:
			t.Fatalf("gateway status never arrived")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if up := h.orch.Snapshot().Gateway.Uptime; up == nil || *up != 42 {
		t.Fatalf("unexpected gateway status %+v", up)
	}

	h.orch.StopContainer(context.Background())
	if h.orch.Snapshot().Gateway != nil {
		t.Fatalf("gateway status should be cleared on stop")
	}
	hits := h.statusHits.Load()
	time.Sleep(50 * time.Millisecond)
	if got := h.statusHits.Load(); got != hits {
		t.Fatalf("watcher kept polling after stop: %d -> %d", hits, got)
	}
}

func TestCachedImageEscalatesAfterStreak(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(f *shell.Fake) {
		f.WhenPrefix([]string{"docker", "pull"}, shell.Fail(1, "offline"))
		f.WhenPrefix([]string{"docker", "image", "inspect"}, shell.Ok("sha256:abc"))
	}, withHistory(t))

	for i := 1; i <= 3; i++ {
		snap := h.start(t)
		step, ok := findStep(snap.Steps, StatusWarning, "cached")
		if !ok {
			t.Fatalf("run %d: expected cached warning", i)
		}
		escalated := strings.Contains(step.Message, "in a row")
		if escalated != (i >= 3) {
			t.Fatalf("run %d: escalated=%v message=%q", i, escalated, step.Message)
		}
		if snap.State != Running {
			t.Fatalf("run %d: escalation must not change state, got %q", i, snap.State)
		}
	}

	recent, err := h.history.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 3 || !recent[0].HasWarning(WarnCachedImage) {
		t.Fatalf("history should hold three cached-image cycles: %+v", recent)
	}
}
