// Package shell is the single point of contact between berth and the
// operating environment: every external command goes through an Executor.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// Result is the uniform outcome of running a command. A nonzero ExitCode is not
// an error; callers decide what it means.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports whether the command exited with status zero.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Diagnostic returns the most useful text for explaining a failed command:
// trimmed stderr, falling back to stdout, falling back to the exit status.
func (r Result) Diagnostic() string {
	if msg := strings.TrimSpace(r.Stderr); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(r.Stdout); msg != "" {
		return msg
	}
	return fmt.Sprintf("exit status %d", r.ExitCode)
}

// Executor runs argv-style commands. Run fails only when the process could not
// be started at all.
type Executor interface {
	Run(ctx context.Context, args []string) (Result, error)
}

// ErrEmptyCommand is returned when Run is called without arguments.
var ErrEmptyCommand = errors.New("shell: empty command")

// Local runs commands as child processes of the current process.
type Local struct {
	logger *slog.Logger
}

// NewLocal returns an Executor backed by os/exec. A nil logger discards output.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Local{logger: logger}
}

func (l *Local) Run(ctx context.Context, args []string) (Result, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return Result{}, ErrEmptyCommand
	}
	l.logger.Debug("exec", "event", "shell.exec", "cmd", Quote(args))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			l.logger.Debug("exit", "event", "shell.exit", "cmd", args[0], "code", res.ExitCode)
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", args[0], err)
	}
	return res, nil
}

// Quote renders args as a copy-pasteable shell command line.
func Quote(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = quoteArg(p)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if isSafeWord(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}

func isSafeWord(s string) bool {
	for _, r := range s {
		if !isSafeRune(r) {
			return false
		}
	}
	return true
}

func isSafeRune(r rune) bool {
	if r >= 'a' && r <= 'z' {
		return true
	}
	if r >= 'A' && r <= 'Z' {
		return true
	}
	if r >= '0' && r <= '9' {
		return true
	}
	switch r {
	case '@', '%', '_', '+', '=', ':', ',', '.', '/', '-':
		return true
	}
	return false
}
