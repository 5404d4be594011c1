// Package fault is the launch error taxonomy. Every kind renders a non-empty,
// actionable message suitable for the step log.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a class of launch failure.
type Kind string

const (
	EngineNotInstalled  Kind = "engine-not-installed"
	EngineInstallFailed Kind = "engine-install-failed"
	EngineNotRunning    Kind = "engine-not-running"
	ImagePullFailed     Kind = "image-pull-failed"
	ContainerRunFailed  Kind = "container-run-failed"
	NoToken             Kind = "no-token"
	GatewayUnreachable  Kind = "gateway-unreachable"
)

// Error is a launch failure with an optional free-form diagnostic.
type Error struct {
	Kind   Kind
	Reason string
	// Engine names the container engine for engine-related kinds.
	Engine string
	// Path is the state directory, referenced by NoToken.
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the failure ends the orchestration cycle.
func (e *Error) Fatal() bool {
	return e.Kind != GatewayUnreachable
}

// Message is the user-facing text for the step log.
func (e *Error) Message() string {
	engine := e.Engine
	if engine == "" {
		engine = "Docker"
	}
	reason := strings.TrimSpace(e.Reason)
	if reason == "" && e.Err != nil {
		reason = strings.TrimSpace(e.Err.Error())
	}

	switch e.Kind {
	case EngineNotInstalled:
		return fmt.Sprintf("%s is not installed. Install %s and try again.", engine, engine)
	case EngineInstallFailed:
		return withReason(fmt.Sprintf("Installing %s failed. Install it manually and try again.", engine), reason)
	case EngineNotRunning:
		return fmt.Sprintf("%s is installed but not responding. Start %s and try again.", engine, engine)
	case ImagePullFailed:
		return withReason("Could not download the workload image and no cached copy exists. Check your network connection and try again.", reason)
	case ContainerRunFailed:
		msg := "The container failed to start."
		if IsPortConflict(reason) {
			msg = "The container failed to start because its port is already in use. Stop whatever is using the port or change it, then try again."
		}
		return withReason(msg, reason)
	case NoToken:
		path := e.Path
		if path == "" {
			path = "the state directory"
		}
		return fmt.Sprintf("No gateway token found. Setup did not complete; inspect or reset %s and try again.", path)
	case GatewayUnreachable:
		return "Gateway is still starting and may need more time. Open the dashboard manually in a moment."
	default:
		return withReason("Launch failed.", reason)
	}
}

func withReason(msg, reason string) string {
	if reason == "" {
		return msg
	}
	return msg + " (" + reason + ")"
}

// New returns an *Error of kind k with reason.
func New(k Kind, reason string) *Error {
	return &Error{Kind: k, Reason: reason}
}

// Wrap returns an *Error of kind k carrying err.
func Wrap(k Kind, err error) *Error {
	return &Error{Kind: k, Err: err}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is not a launch failure.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return ""
}

// Is reports whether err is a launch failure of kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsPortConflict recognises the engine's port allocation errors.
func IsPortConflict(msg string) bool {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "port is already allocated"):
		return true
	case strings.Contains(msg, "address already in use"):
		return true
	case strings.Contains(msg, "port is already in use"):
		return true
	default:
		return false
	}
}
