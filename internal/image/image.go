// Package image makes sure the workload image is available locally, preferring
// a fresh pull but falling back to a cached copy when the registry is
// unreachable.
package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/strongdm/berth/internal/engine"
	"github.com/strongdm/berth/internal/fault"
)

// CachedWarning is the step message used when a stale local image is used.
const CachedWarning = "Using cached image; it may be outdated (offline or registry unavailable)"

// Outcome describes how the image was made available.
type Outcome struct {
	Ref     string
	Pulled  bool
	Cached  bool
	Warning string
	// PullError is the diagnostic from the failed pull when Cached is true.
	PullError string
}

// Manager pulls and inspects images through the engine CLI.
type Manager struct {
	cli    *engine.CLI
	logger *slog.Logger
}

// NewManager returns a Manager. A nil logger discards output.
func NewManager(cli *engine.CLI, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{cli: cli, logger: logger}
}

// Normalize validates ref and returns it trimmed but otherwise as given, so
// pull, inspect and run all name the image the same way.
func Normalize(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("image reference is empty")
	}
	if _, err := name.ParseReference(ref); err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return ref, nil
}

// Ensure pulls ref, falling back to a local copy when the pull fails. It
// returns an ImagePullFailed error when neither is available.
func (m *Manager) Ensure(ctx context.Context, ref string) (Outcome, error) {
	normalized, err := Normalize(ref)
	if err != nil {
		return Outcome{}, fault.Wrap(fault.ImagePullFailed, err)
	}
	out := Outcome{Ref: normalized}

	m.logger.Info("pulling image", "event", "image.pull", "ref", normalized)
	res, err := m.cli.Run(ctx, "pull", "--quiet", normalized)
	var pullErr string
	switch {
	case err != nil:
		pullErr = err.Error()
	case !res.OK():
		pullErr = res.Diagnostic()
	default:
		out.Pulled = true
		return out, nil
	}
	m.logger.Warn("pull failed", "event", "image.pull.error", "ref", normalized, "error", pullErr)

	present, inspectErr := m.Present(ctx, normalized)
	if inspectErr != nil {
		m.logger.Warn("inspect failed", "event", "image.inspect.error", "ref", normalized, "error", inspectErr)
	}
	if !present {
		return out, &fault.Error{Kind: fault.ImagePullFailed, Reason: pullErr}
	}

	out.Cached = true
	out.PullError = pullErr
	out.Warning = CachedWarning
	m.logger.Info("using cached image", "event", "image.cached", "ref", normalized)
	return out, nil
}

// Present reports whether ref exists in the local image store.
func (m *Manager) Present(ctx context.Context, ref string) (bool, error) {
	res, err := m.cli.Run(ctx, "image", "inspect", "--format", "{{.Id}}", ref)
	if err != nil {
		return false, err
	}
	if res.OK() {
		return true, nil
	}
	if engine.IsNoSuchObject(res.Diagnostic()) {
		return false, nil
	}
	return false, errors.New(res.Diagnostic())
}
