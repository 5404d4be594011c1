// Package gateway checks the in-container gateway over loopback HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/strongdm/berth/internal/fault"
	"github.com/strongdm/berth/internal/retry"
)

// Status is the decoded body of GET /status.
type Status struct {
	// Uptime is in seconds; nil when the gateway does not report it.
	Uptime *int64 `json:"uptime"`
}

// UptimeKnown reports whether the gateway supplied an uptime.
func (s Status) UptimeKnown() bool {
	return s.Uptime != nil
}

const defaultRequestTimeout = 5 * time.Second

// Monitor probes a gateway listening on the loopback interface.
type Monitor struct {
	base   string
	client *http.Client
	retry  retry.Config
	logger *slog.Logger
}

// Options configures a Monitor. Zero values select production defaults.
type Options struct {
	Client *http.Client
	Retry  retry.Config
	Logger *slog.Logger
}

// NewMonitor returns a Monitor for the gateway at baseURL
// (e.g. "http://127.0.0.1:18789").
func NewMonitor(baseURL string, opts Options) *Monitor {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	cfg := opts.Retry
	if cfg.MaxAttempts == 0 {
		cfg = retry.GatewayDefault
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{
		base:   strings.TrimRight(baseURL, "/"),
		client: client,
		retry:  cfg,
		logger: logger,
	}
}

// LoopbackURL is the base URL of a gateway published on 127.0.0.1:port.
func LoopbackURL(port int) string {
	return "http://127.0.0.1:" + strconv.Itoa(port)
}

// BaseURL returns the monitored base URL.
func (m *Monitor) BaseURL() string {
	return m.base
}

// Ping issues one GET /. Any HTTP response, whatever its status, counts.
func (m *Monitor) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.base+"/", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.Body.Close()
}

// WaitReady polls GET / until the gateway answers or the retry budget is
// spent, in which case a non-fatal GatewayUnreachable error is returned.
func (m *Monitor) WaitReady(ctx context.Context) error {
	attempt := 0
	err := retry.Until(ctx, m.retry, func(ctx context.Context) error {
		attempt++
		err := m.Ping(ctx)
		if err != nil {
			m.logger.Debug("gateway not ready", "event", "gateway.wait", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		m.logger.Warn("gateway unreachable", "event", "gateway.unreachable", "url", m.base, "attempts", attempt, "error", err)
		return fault.Wrap(fault.GatewayUnreachable, err)
	}
	m.logger.Info("gateway ready", "event", "gateway.ready", "url", m.base, "attempts", attempt)
	return nil
}

// Status fetches and decodes GET /status. Unknown fields are ignored.
func (m *Monitor) Status(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.base+"/status", nil)
	if err != nil {
		return Status{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Status{}, fmt.Errorf("gateway status: %s", resp.Status)
	}
	var st Status
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("decode gateway status: %w", err)
	}
	return st, nil
}
