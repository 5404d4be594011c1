package orchestrator

import (
	"fmt"
	"time"

	"github.com/strongdm/berth/internal/gateway"
)

// State is the orchestrator lifecycle state.
type State string

const (
	Idle    State = "idle"
	Working State = "working"
	Running State = "running"
	Stopped State = "stopped"
	Error   State = "error"
)

// Status is the status of one step-log record.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Stage identifiers used as step IDs.
const (
	StageSetup     = "setup"
	StageEngine    = "engine"
	StageImage     = "image"
	StageContainer = "container"
	StageGateway   = "gateway"
	StageStop      = "stop"
	StageRestart   = "restart"
	StageReset     = "reset"
)

// ExpectedStages is the progress denominator for a start cycle.
const ExpectedStages = 5

// Soft-failure kinds tracked across cycles.
const (
	WarnCachedImage = "cached-image"
	WarnGatewaySlow = "gateway-slow"
)

// Step is one immutable step-log record.
type Step struct {
	ID      string    `json:"id"`
	Status  Status    `json:"status"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is a copy of the orchestrator's observable state.
type Snapshot struct {
	CycleID string `json:"cycle_id,omitempty"`
	State   State  `json:"state"`
	// Busy is set while a start, restart or reset cycle is in flight.
	Busy      bool            `json:"busy"`
	Steps     []Step          `json:"steps"`
	AccessURL string          `json:"access_url,omitempty"`
	Token     string          `json:"token,omitempty"`
	StartedAt time.Time       `json:"started_at,omitzero"`
	Gateway   *gateway.Status `json:"gateway,omitempty"`
	// GatewayError is the last status poll failure, if any.
	GatewayError string `json:"gateway_error,omitempty"`

	DoneCount  int     `json:"done_count"`
	ActiveStep *Step   `json:"active_step,omitempty"`
	ErrorSteps []Step  `json:"error_steps,omitempty"`
	Progress   float64 `json:"progress"`
	Uptime     string  `json:"uptime,omitempty"`
}

// DoneCount returns the number of done records.
func DoneCount(steps []Step) int {
	n := 0
	for _, s := range steps {
		if s.Status == StatusDone {
			n++
		}
	}
	return n
}

// ActiveStep returns the last record when it is still running.
func ActiveStep(steps []Step) (Step, bool) {
	if len(steps) == 0 {
		return Step{}, false
	}
	last := steps[len(steps)-1]
	if last.Status != StatusRunning {
		return Step{}, false
	}
	return last, true
}

// ErrorSteps returns every error record in log order.
func ErrorSteps(steps []Step) []Step {
	var out []Step
	for _, s := range steps {
		if s.Status == StatusError {
			out = append(out, s)
		}
	}
	return out
}

// Progress is the settled fraction of a start cycle: done and warning records
// over ExpectedStages, clamped to 1. A cycle that reached running reports 1.
func Progress(state State, steps []Step) float64 {
	if state == Running {
		return 1
	}
	settled := 0
	for _, s := range steps {
		if s.Status == StatusDone || s.Status == StatusWarning {
			settled++
		}
	}
	p := float64(settled) / ExpectedStages
	if p > 1 {
		p = 1
	}
	return p
}

// FormatUptime renders d as "1h 2m", "3m 4s" or "12s".
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// AccessURL is the dashboard URL for a gateway on port guarded by token.
func AccessURL(port int, token string) string {
	return fmt.Sprintf("http://127.0.0.1:%d/?token=%s", port, token)
}
