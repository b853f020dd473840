package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// pollInterval is the delay between status polls.
const pollInterval = 500 * time.Millisecond

// Status is the data payload the monitor renders. Callers map their
// client/buffer stats into it; the monitor holds no other state.
type Status struct {
	BufferUsage     float64
	AllocatedBytes  int64
	MaxBytes        int64
	BufferedBytes   int64
	RecordsAppended int64
	ChunksSealed    int64
	ChunksFlushed   int64
	FlushFailures   int64
}

// StatusFunc returns the current status. Called on every poll tick; must
// be safe to call from the TUI goroutine.
type StatusFunc func() Status

// MonitorModel is a Bubble Tea model for the live buffer monitor.
type MonitorModel struct {
	statusFn StatusFunc
	gauge    progress.Model
	status   Status
	width    int
	height   int
	quitting bool
}

// NewMonitorModel creates a monitor polling statusFn.
func NewMonitorModel(statusFn StatusFunc) MonitorModel {
	return MonitorModel{
		statusFn: statusFn,
		gauge:    progress.New(progress.WithDefaultGradient()),
		status:   statusFn(),
	}
}

// tickMsg drives the poll loop.
type tickMsg time.Time

func pollTick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// Init implements tea.Model.
func (m MonitorModel) Init() tea.Cmd {
	return pollTick()
}

// Update implements tea.Model.
func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.gauge.Width = min(msg.Width-8, 64)
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		m.status = m.statusFn()
		return m, pollTick()
	}

	return m, nil
}

// View implements tea.Model.
func (m MonitorModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Flume Buffer"))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("%s %s / %s\n",
		LabelStyle.Render("Buffer usage:"),
		ValueStyle.Render(humanBytes(m.status.AllocatedBytes)),
		ValueStyle.Render(humanBytes(m.status.MaxBytes))))
	b.WriteString(m.gauge.ViewAs(m.status.BufferUsage))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("%s %s\n\n",
		LabelStyle.Render("Pending bytes:"),
		ValueStyle.Render(humanBytes(m.status.BufferedBytes))))

	boxes := []string{
		renderStatBox("Records", m.status.RecordsAppended, highlightColor),
		renderStatBox("Sealed", m.status.ChunksSealed, warningColor),
		renderStatBox("Flushed", m.status.ChunksFlushed, successColor),
		renderStatBox("Failures", m.status.FlushFailures, errorColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))

	b.WriteString("\n")
	b.WriteString(HelpStyle.Render("Press q or Ctrl+C to quit"))
	return b.String()
}

func renderStatBox(label string, value int64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

// humanBytes formats a byte count with a binary unit suffix.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// RunMonitor runs the monitor and blocks until the user quits. It
// returns no program handle; callers that need to stop the monitor
// themselves build their own tea.Program around NewMonitorModel.
func RunMonitor(statusFn StatusFunc, opts ...tea.ProgramOption) error {
	p := tea.NewProgram(NewMonitorModel(statusFn), opts...)
	_, err := p.Run()
	return err
}

// RenderMonitorStatic renders a one-shot view without the full TUI.
func RenderMonitorStatic(statusFn StatusFunc) string {
	model := NewMonitorModel(statusFn)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
