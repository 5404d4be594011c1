// Package httpserver exposes the orchestrator over a loopback JSON and
// websocket control API.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/strongdm/berth/internal/history"
	"github.com/strongdm/berth/internal/openflag"
	"github.com/strongdm/berth/internal/orchestrator"
	"github.com/strongdm/berth/internal/websocket"
)

// EventSnapshot is the websocket event carrying an orchestrator snapshot.
const EventSnapshot = "berth.snapshot"

// Controller is the orchestrator surface the API drives.
type Controller interface {
	Start(ctx context.Context) error
	StopContainer(ctx context.Context)
	RestartContainer(ctx context.Context) error
	ResetEverything(ctx context.Context) error
	Snapshot() orchestrator.Snapshot
	Subscribe() (<-chan orchestrator.Snapshot, func())
}

// HistorySource lists finished cycles.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]history.Cycle, error)
}

// MetricsSource reads the current metric state.
type MetricsSource interface {
	Collect(ctx context.Context) (metricdata.ResourceMetrics, error)
}

// Options configures an API.
type Options struct {
	Logger  *slog.Logger
	History HistorySource
	Metrics MetricsSource
	Hub     *websocket.Hub
}

// API serves the control endpoints.
type API struct {
	ctrl    Controller
	history HistorySource
	metrics MetricsSource
	hub     *websocket.Hub
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewAPI returns an API bound to ctrl.
func NewAPI(ctrl Controller, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &API{ctrl: ctrl, history: opts.History, metrics: opts.Metrics, hub: opts.Hub, logger: opts.Logger}
}

// Handler returns the routed handler. Everything but the websocket is
// compressed.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /api/state", a.handleState)
	mux.HandleFunc("GET /api/history", a.handleHistory)
	mux.HandleFunc("GET /api/metrics", a.handleMetrics)
	for _, action := range []string{"start", "stop", "restart", "reset"} {
		mux.HandleFunc("POST /api/"+action, a.handleAction(action))
	}

	root := http.NewServeMux()
	if a.hub != nil {
		root.Handle("GET /api/ws", a.hub)
	}
	root.Handle("/", Compress(mux))
	return guardOrigin(root)
}

// Run forwards snapshots to the hub and executes actions sent by websocket
// clients until ctx is done. It waits for actions it started before
// returning.
func (a *API) Run(ctx context.Context) {
	snaps, cancel := a.ctrl.Subscribe()
	defer cancel()

	var incoming <-chan websocket.ClientMessage
	if a.hub != nil {
		incoming = a.hub.Incoming()
	}
	defer a.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if a.hub != nil {
				if err := a.hub.EmitJSON(EventSnapshot, snap); err != nil {
					a.logger.Warn("publish snapshot failed", "event", "api.publish.error", "error", err)
				}
			}
		case msg := <-incoming:
			var req struct {
				Action string `json:"action"`
			}
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				a.logger.Debug("ignoring malformed client message", "event", "api.ws.invalid", "client", msg.ClientID)
				continue
			}
			if _, err := a.dispatch(ctx, req.Action, false); err != nil {
				a.logger.Info("client action rejected", "event", "api.ws.reject", "client", msg.ClientID, "action", req.Action, "error", err)
			}
		}
	}
}

// Wait blocks until background actions finish.
func (a *API) Wait() {
	a.wg.Wait()
}

var errUnknownAction = errors.New("unknown action")

// dispatch runs action. Without wait it returns immediately after launching
// the operation; a cycle already working is reported as ErrBusy up front.
func (a *API) dispatch(ctx context.Context, action string, wait bool) (orchestrator.Snapshot, error) {
	var run func(context.Context) error
	switch action {
	case "start":
		run = a.ctrl.Start
	case "stop":
		run = func(ctx context.Context) error {
			a.ctrl.StopContainer(ctx)
			return nil
		}
	case "restart":
		run = a.ctrl.RestartContainer
	case "reset":
		run = a.ctrl.ResetEverything
	default:
		return orchestrator.Snapshot{}, errUnknownAction
	}

	a.logger.Info("action requested", "event", "api.action", "action", action, "wait", wait)
	// A cycle outlives the request that asked for it.
	bg := context.WithoutCancel(ctx)
	if wait {
		err := run(bg)
		return a.ctrl.Snapshot(), err
	}

	if action != "stop" && a.ctrl.Snapshot().Busy {
		return a.ctrl.Snapshot(), orchestrator.ErrBusy
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := run(bg); err != nil {
			a.logger.Warn("action failed", "event", "api.action.error", "action", action, "error", err)
		}
	}()
	return a.ctrl.Snapshot(), nil
}

func (a *API) handleAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wait := openflag.IsTruthy(r.URL.Query().Get("wait"))
		snap, err := a.dispatch(r.Context(), action, wait)
		switch {
		case errors.Is(err, orchestrator.ErrBusy):
			writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Snapshot: &snap})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Snapshot: &snap})
		case wait:
			writeJSON(w, http.StatusOK, snap)
		default:
			writeJSON(w, http.StatusAccepted, snap)
		}
	}
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Snapshot())
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": string(a.ctrl.Snapshot().State)})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "history is disabled"})
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, 500)
	}
	cycles, err := a.history.Recent(r.Context(), limit)
	if err != nil {
		a.logger.Warn("history query failed", "event", "api.history.error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "history query failed"})
		return
	}
	if cycles == nil {
		cycles = []history.Cycle{}
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if a.metrics == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "metrics are disabled"})
		return
	}
	rm, err := a.metrics.Collect(r.Context())
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, &rm)
}

type errorBody struct {
	Error    string                 `json:"error"`
	Snapshot *orchestrator.Snapshot `json:"snapshot,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// guardOrigin rejects cross-site browser requests that would mutate state.
func guardOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead && !loopbackOrigin(r) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "cross-origin request refused"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	rest, ok := strings.CutPrefix(origin, "http://")
	if !ok {
		return false
	}
	if rest == r.Host {
		return true
	}
	return strings.HasPrefix(rest, "127.0.0.1:") || strings.HasPrefix(rest, "localhost:") || strings.HasPrefix(rest, "[::1]:")
}
