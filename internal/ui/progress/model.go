// Package progress provides a Bubble Tea view of a running pipeline: the
// stage, a progress bar, the build pool's active tasks and the latest run
// events.
package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/abelbrown/blockgraph/internal/coord"
	"github.com/abelbrown/blockgraph/internal/otel"
	"github.com/abelbrown/blockgraph/internal/work"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#58a6ff"))

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3fb950"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d29922"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#f85149"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#484f58"))
)

// RefreshInterval is how often the view polls its source.
const RefreshInterval = 250 * time.Millisecond

const (
	maxActive = 8
	maxEvents = 6
)

// Source is what the view polls. *coord.Coordinator satisfies it.
type Source interface {
	Progress() coord.Progress
	Work() (work.Snapshot, bool)
}

// DoneMsg tells the view the run has ended. The view quits on receipt.
type DoneMsg struct {
	Err error
}

type tickMsg time.Time

// Model is the Bubble Tea model for the run view.
type Model struct {
	src     Source
	events  *otel.RingBuffer // optional
	bar     progress.Model
	spinner spinner.Model

	prog    coord.Progress
	snap    work.Snapshot
	hasWork bool
	recent  []otel.Event

	width int
	done  bool
	err   error
}

// New creates a view over src. events may be nil.
func New(src Source, events *otel.RingBuffer) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = activeStyle

	return Model{
		src:     src,
		events:  events,
		bar:     progress.New(progress.WithDefaultGradient()),
		spinner: s,
	}
}

func tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init starts the spinner and the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

// Err returns the error the run ended with.
func (m Model) Err() error {
	return m.err
}

func (m *Model) refresh() {
	m.prog = m.src.Progress()
	m.snap, m.hasWork = m.src.Work()
	if m.events != nil {
		m.recent = m.events.Last(maxEvents)
	}
}

// Update handles refresh ticks, resizes, keys and the end of the run.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, min(msg.Width-4, 80))
	case tickMsg:
		m.refresh()
		return m, tick()
	case DoneMsg:
		m.refresh()
		m.done = true
		m.err = msg.Err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the run state.
func (m Model) View() string {
	var b strings.Builder
	p := m.prog

	status := m.spinner.View()
	if m.done {
		status = activeStyle.Render("done")
		if m.err != nil {
			status = failedStyle.Render("aborted")
		}
	}
	b.WriteString(titleStyle.Render(fmt.Sprintf("BLOCKGRAPH %s", strings.ToUpper(string(p.Stage)))))
	b.WriteString(" ")
	b.WriteString(status)
	b.WriteString("\n\n")

	if p.Total > 0 {
		b.WriteString(m.bar.ViewAs(p.Percent() / 100))
		b.WriteString("\n")
		b.WriteString(statsStyle.Render(fmt.Sprintf("%d/%d blocks  %.1f%%  docs %d  elapsed %s",
			p.Done, p.Total, p.Percent(), p.Documents, formatDuration(p.Elapsed()))))
	} else {
		b.WriteString(statsStyle.Render(fmt.Sprintf("%d processed  elapsed %s", p.Done, formatDuration(p.Elapsed()))))
	}
	b.WriteString("\n")
	if p.Partial > 0 {
		b.WriteString(warnStyle.Render(fmt.Sprintf("%d blocks missing a shard", p.Partial)))
		b.WriteString("\n")
	}
	if p.Failed > 0 {
		b.WriteString(failedStyle.Render(fmt.Sprintf("%d tasks failed", p.Failed)))
		b.WriteString("\n")
	}

	if m.hasWork {
		b.WriteString("\n")
		b.WriteString(statsStyle.Render(m.snap.Stats.String()))
		b.WriteString("\n")
		for i, item := range m.snap.Active {
			if i == maxActive {
				b.WriteString(dimStyle.Render(fmt.Sprintf("  ... and %d more\n", len(m.snap.Active)-i)))
				break
			}
			b.WriteString(renderItem(item))
			b.WriteString("\n")
		}
	}

	if len(m.recent) > 0 {
		b.WriteString("\n")
		for _, e := range m.recent {
			b.WriteString(renderEvent(e))
			b.WriteString("\n")
		}
	}

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(failedStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q:quit"))
	return b.String()
}

func renderItem(item work.Item) string {
	return fmt.Sprintf("%s %s %s %s",
		activeStyle.Render("["+item.StatusIcon()+"]"),
		item.Type.Icon(),
		truncate(item.Description, 40),
		dimStyle.Render(formatDuration(item.Duration())))
}

func renderEvent(e otel.Event) string {
	line := fmt.Sprintf("%s %s", e.Time.Format("15:04:05"), e.Kind)
	if e.Count > 0 {
		line += fmt.Sprintf(" %d", e.Count)
	}
	if e.Shard != "" {
		line += " " + e.Shard
	}
	if e.Replica != "" {
		line += " " + e.Replica
	}
	switch e.Level {
	case otel.LevelError:
		return failedStyle.Render(line + " " + truncate(e.Err, 40))
	case otel.LevelWarn:
		return warnStyle.Render(line + " " + truncate(e.Err, 40))
	}
	return dimStyle.Render(line)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}
