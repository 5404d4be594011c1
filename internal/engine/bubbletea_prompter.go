package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	dialogWidth      = 60
	dialogInnerWidth = dialogWidth - 4
)

type bubbleTeaPrompter struct {
	in       io.Reader
	out      io.Writer
	theme    dialogTheme
	fallback Prompter
}

func newBubbleTeaPrompter(in io.Reader, out io.Writer) *bubbleTeaPrompter {
	return &bubbleTeaPrompter{
		in:       in,
		out:      out,
		theme:    newDialogTheme(supportsColor(out)),
		fallback: newTerminalPrompter(in, out),
	}
}

func (p *bubbleTeaPrompter) ConfirmInstall(ctx context.Context, engine string) (bool, error) {
	restore := normalizeTERMForBubbleTea()
	defer restore()

	model := newInstallModel(engine, p.theme)
	prog := tea.NewProgram(model, tea.WithInput(p.in), tea.WithOutput(p.out), tea.WithContext(ctx))
	final, err := prog.Run()
	if err != nil {
		return p.fallback.ConfirmInstall(ctx, engine)
	}
	m, ok := final.(*installModel)
	if !ok {
		return p.fallback.ConfirmInstall(ctx, engine)
	}
	return m.accepted, nil
}

type dialogTheme struct {
	color        bool
	accent       lipgloss.Color
	title        lipgloss.Style
	body         lipgloss.Style
	option       lipgloss.Style
	optionActive lipgloss.Style
	help         lipgloss.Style
	key          lipgloss.Style
}

func newDialogTheme(color bool) dialogTheme {
	if !color {
		return dialogTheme{
			title:        lipgloss.NewStyle().Bold(true),
			body:         lipgloss.NewStyle(),
			option:       lipgloss.NewStyle().PaddingLeft(2),
			optionActive: lipgloss.NewStyle().PaddingLeft(2).Bold(true),
			help:         lipgloss.NewStyle().Faint(true),
			key:          lipgloss.NewStyle().Bold(true),
		}
	}
	accent := lipgloss.Color("#58d4ff")
	return dialogTheme{
		color:        true,
		accent:       accent,
		title:        lipgloss.NewStyle().Foreground(accent).Bold(true),
		body:         lipgloss.NewStyle().Foreground(lipgloss.Color("#9fb3c8")),
		option:       lipgloss.NewStyle().PaddingLeft(2),
		optionActive: lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("#0b1215")).Background(accent).Bold(true),
		help:         lipgloss.NewStyle().Faint(true),
		key:          lipgloss.NewStyle().Foreground(accent).Bold(true),
	}
}

type installModel struct {
	engine   string
	theme    dialogTheme
	cursor   int
	accepted bool
}

var installOptions = []string{"Install now", "Not now"}

func newInstallModel(engine string, theme dialogTheme) *installModel {
	return &installModel{engine: engine, theme: theme, cursor: 1}
}

func (m *installModel) Init() tea.Cmd {
	return nil
}

func (m *installModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch strings.ToLower(key.String()) {
	case "ctrl+c", "esc", "n":
		m.accepted = false
		return m, tea.Quit
	case "y":
		m.accepted = true
		return m, tea.Quit
	case "up", "k", "left", "h":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j", "right", "l", "tab":
		if m.cursor < len(installOptions)-1 {
			m.cursor++
		}
	case "enter":
		m.accepted = m.cursor == 0
		return m, tea.Quit
	}
	return m, nil
}

func (m *installModel) View() string {
	rows := []string{
		m.theme.title.Render(fmt.Sprintf("%s is required", m.engine)),
		"",
		m.theme.body.Width(dialogInnerWidth).Render(fmt.Sprintf("berth runs its workload inside a %s container. %s was not found on this machine.", m.engine, m.engine)),
		"",
	}
	for i, opt := range installOptions {
		if i == m.cursor {
			rows = append(rows, m.theme.optionActive.Render(" "+opt+" "))
		} else {
			rows = append(rows, m.theme.option.Render(opt))
		}
	}
	rows = append(rows, "", m.theme.help.Render(fmt.Sprintf("%s install, %s cancel, Enter selects", m.theme.key.Render("y"), m.theme.key.Render("n"))))

	border := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1).
		Width(dialogWidth)
	if m.theme.color {
		border = border.BorderForeground(m.theme.accent)
	}
	return "\n" + border.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)) + "\n"
}

// normalizeTERMForBubbleTea maps compatible but uncommon TERM values (e.g.
// xterm-ghostty) to xterm-256color for the lifetime of a dialog.
func normalizeTERMForBubbleTea() func() {
	const ghosttyTERM = "xterm-ghostty"

	current := strings.TrimSpace(os.Getenv("TERM"))
	if !strings.EqualFold(current, ghosttyTERM) {
		return func() {}
	}

	prev, existed := os.LookupEnv("TERM")
	_ = os.Setenv("TERM", "xterm-256color")
	return func() {
		if !existed {
			_ = os.Unsetenv("TERM")
			return
		}
		_ = os.Setenv("TERM", prev)
	}
}
