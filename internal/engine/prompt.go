package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// StaticPrompter answers every install confirmation with the same value. It is
// used for non-interactive runs where auto_install decides.
type StaticPrompter bool

func (s StaticPrompter) ConfirmInstall(context.Context, string) (bool, error) {
	return bool(s), nil
}

// NewPrompter picks the richest prompter in/out support: a Bubble Tea dialog
// on a terminal, a line prompt otherwise, and autoInstall when neither side is
// interactive.
func NewPrompter(in io.Reader, out io.Writer, autoInstall bool) Prompter {
	if !isTerminal(in) {
		return StaticPrompter(autoInstall)
	}
	if canUseBubbleTea(in, out) {
		return newBubbleTeaPrompter(in, out)
	}
	return newTerminalPrompter(in, out)
}

type terminalPrompter struct {
	in    *bufio.Reader
	out   io.Writer
	color bool
}

func newTerminalPrompter(in io.Reader, out io.Writer) *terminalPrompter {
	return &terminalPrompter{
		in:    bufio.NewReader(in),
		out:   out,
		color: supportsColor(out),
	}
}

func (p *terminalPrompter) ConfirmInstall(ctx context.Context, engine string) (bool, error) {
	question := fmt.Sprintf("%s %s %s ", p.arrow(), p.bold(fmt.Sprintf("%s is not installed. Download and install it now?", engine)), p.muted("[y/N]"))
	for {
		if _, err := fmt.Fprint(p.out, question); err != nil {
			return false, err
		}
		line, err := p.in.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				return false, nil
			}
			return false, err
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "", "n", "no":
			return false, nil
		case "y", "yes":
			return true, nil
		default:
			if _, err := fmt.Fprintf(p.out, "%s Please respond with %s or %s.\n", p.muted("•"), p.bold("y"), p.bold("n")); err != nil {
				return false, err
			}
		}
	}
}

func (p *terminalPrompter) arrow() string {
	if !p.color {
		return ">"
	}
	return "\033[38;5;45m❯\033[0m"
}

func (p *terminalPrompter) bold(s string) string {
	if !p.color {
		return s
	}
	return "\033[1m" + s + "\033[0m"
}

func (p *terminalPrompter) muted(s string) string {
	if !p.color {
		return s
	}
	return "\033[2m" + s + "\033[0m"
}

type fder interface {
	Fd() uintptr
}

func isTerminal(v any) bool {
	f, ok := v.(fder)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func supportsColor(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isTerminal(w)
}

func canUseBubbleTea(in io.Reader, out io.Writer) bool {
	return isTerminal(in) && isTerminal(out)
}
