package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/strongdm/berth/internal/shell"
)

// CLI invokes the container engine binary through an Executor. The binary is
// resolved by the Probe and shared by the image manager and supervisor.
type CLI struct {
	exec shell.Executor

	mu  sync.RWMutex
	bin string
}

// NewCLI returns a CLI that runs bin (e.g. "docker") via exec.
func NewCLI(exec shell.Executor, bin string) *CLI {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		bin = "docker"
	}
	return &CLI{exec: exec, bin: bin}
}

// Binary returns the engine binary currently in use.
func (c *CLI) Binary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bin
}

// SetBinary replaces the engine binary, typically with a resolved absolute path.
func (c *CLI) SetBinary(bin string) {
	bin = strings.TrimSpace(bin)
	if bin == "" {
		return
	}
	c.mu.Lock()
	c.bin = bin
	c.mu.Unlock()
}

// Name is a human-readable engine name for messages ("Docker", "Podman").
func (c *CLI) Name() string {
	return DisplayName(c.Binary())
}

// Run executes the engine with args.
func (c *CLI) Run(ctx context.Context, args ...string) (shell.Result, error) {
	argv := make([]string, 0, len(args)+1)
	argv = append(argv, c.Binary())
	argv = append(argv, args...)
	return c.exec.Run(ctx, argv)
}

// Executor exposes the underlying executor for non-engine commands.
func (c *CLI) Executor() shell.Executor {
	return c.exec
}

// DisplayName maps a binary path to a product name.
func DisplayName(bin string) string {
	base := strings.ToLower(filepath.Base(strings.TrimSpace(bin)))
	switch base {
	case "", ".", "docker":
		return "Docker"
	case "podman":
		return "Podman"
	case "nerdctl":
		return "nerdctl"
	default:
		return base
	}
}

// IsNoSuchObject reports whether engine output means the named object is absent.
func IsNoSuchObject(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "no such object") ||
		strings.Contains(lower, "no such container") ||
		strings.Contains(lower, "no such image") ||
		strings.Contains(lower, "not found")
}
