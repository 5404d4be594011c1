package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/strongdm/berth/internal/orchestrator"
)

// stepRenderer prints step-log records as they are appended.
type stepRenderer struct {
	w     io.Writer
	color bool

	done, warn, fail, run, muted, bold lipgloss.Style
}

func newStepRenderer(w io.Writer) *stepRenderer {
	r := &stepRenderer{w: w, color: supportsColor(w)}
	r.done = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	r.warn = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	r.fail = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	r.run = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	r.muted = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	r.bold = lipgloss.NewStyle().Bold(true)
	return r
}

func supportsColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (r *stepRenderer) paint(style lipgloss.Style, s string) string {
	if !r.color {
		return s
	}
	return style.Render(s)
}

func (r *stepRenderer) icon(status orchestrator.Status) string {
	switch status {
	case orchestrator.StatusDone:
		return r.paint(r.done, "✓")
	case orchestrator.StatusWarning:
		return r.paint(r.warn, "!")
	case orchestrator.StatusError:
		return r.paint(r.fail, "✗")
	case orchestrator.StatusRunning:
		return r.paint(r.run, "…")
	default:
		return r.paint(r.muted, "·")
	}
}

// formatStep renders one record as "<icon> <stage>  <message>".
func (r *stepRenderer) formatStep(s orchestrator.Step) string {
	stage := fmt.Sprintf("%-9s", s.ID)
	msg := s.Message
	switch s.Status {
	case orchestrator.StatusError:
		msg = r.paint(r.fail, msg)
	case orchestrator.StatusWarning:
		msg = r.paint(r.warn, msg)
	}
	return fmt.Sprintf("%s %s %s", r.icon(s.Status), r.paint(r.muted, stage), msg)
}

// snapshotSource is the part of the orchestrator the renderer observes.
type snapshotSource interface {
	Subscribe() (<-chan orchestrator.Snapshot, func())
	Snapshot() orchestrator.Snapshot
}

// follow prints records appended while run executes. Records present before
// the call are not printed.
func (r *stepRenderer) follow(src snapshotSource, run func() error) error {
	base := src.Snapshot()
	cycle, printed := base.CycleID, len(base.Steps)

	emit := func(snap orchestrator.Snapshot) {
		if snap.CycleID != cycle {
			cycle, printed = snap.CycleID, 0
		}
		if printed > len(snap.Steps) {
			printed = 0
		}
		for _, s := range snap.Steps[printed:] {
			fmt.Fprintln(r.w, r.formatStep(s))
		}
		printed = len(snap.Steps)
	}

	ch, cancel := src.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for snap := range ch {
			emit(snap)
		}
	}()

	err := run()
	cancel()
	<-done
	emit(src.Snapshot())
	return err
}

// summary prints the outcome of a cycle.
func (r *stepRenderer) summary(snap orchestrator.Snapshot) {
	switch snap.State {
	case orchestrator.Running:
		fmt.Fprintln(r.w)
		if snap.AccessURL != "" {
			fmt.Fprintf(r.w, "%s %s\n", r.paint(r.bold, "Dashboard:"), snap.AccessURL)
		}
		if snap.Uptime != "" {
			fmt.Fprintf(r.w, "%s %s\n", r.paint(r.muted, "Uptime:"), snap.Uptime)
		}
	case orchestrator.Error:
		fmt.Fprintln(r.w)
		for _, s := range snap.ErrorSteps {
			fmt.Fprintf(r.w, "%s %s\n", r.paint(r.fail, "Error:"), s.Message)
		}
	case orchestrator.Stopped:
		fmt.Fprintln(r.w, r.paint(r.muted, "Container stopped."))
	case orchestrator.Idle:
		fmt.Fprintln(r.w, r.paint(r.muted, "Reset complete; the next start sets up from scratch."))
	}
}

// table renders rows with left-aligned columns separated by two spaces.
func (r *stepRenderer) table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}
	line := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			if i == len(cells)-1 {
				parts[i] = c
				continue
			}
			parts[i] = c + strings.Repeat(" ", widths[i]-lipgloss.Width(c))
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}
	fmt.Fprintln(r.w, r.paint(r.bold, line(header)))
	for _, row := range rows {
		fmt.Fprintln(r.w, line(row))
	}
}
