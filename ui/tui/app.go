// Package tui is the Inspector TUI (spec.md §4.8's read-only
// projection rendered as a terminal dashboard): a table list, the
// selected table's columns, its timeline position, its dirty/pending
// counts, and a row-count sparkline — everything the Store Inspector
// Surface exposes, nothing it doesn't.
//
// Grounded on the teacher's ui/tui/app.go: Bubble Tea MainModel/
// Init/Update/View structure, spinner.Model for a busy indicator,
// tea.Tick-driven polling, ntcharts linechart for a history sparkline,
// styles/theme.go's CardStyle/TitleStyle/StatusStyle generalized with a
// CleanSlate palette and a DirtyStyle for dirty-cell indicators.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/canvas"
	"github.com/NimbleMarkets/ntcharts/linechart"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cleanslate/engine/internal/inspector"
	"github.com/cleanslate/engine/ui/tui/styles"
)

// SnapshotProvider is the one method the TUI needs from the engine —
// satisfied directly by *inspector.Inspector.
type SnapshotProvider interface {
	Snapshot() inspector.Snapshot
}

const maxHistoryPoints = 40

// MainModel is the Bubble Tea Model acting as the Controller.
type MainModel struct {
	provider SnapshotProvider
	spinner  spinner.Model
	snap     inspector.Snapshot
	cursor   int
	history  map[string][]float64 // tableID -> recent row counts
	quitting bool
	width    int
	height   int
}

type tickMsg time.Time

type snapshotLoadedMsg struct{ snap inspector.Snapshot }

// InitialModel builds the starting Model for a given inspector.
func InitialModel(provider SnapshotProvider) MainModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return MainModel{
		provider: provider,
		spinner:  s,
		history:  map[string][]float64{},
	}
}

func (m MainModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd(), fetchSnapshotCmd(m.provider))
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func fetchSnapshotCmd(p SnapshotProvider) tea.Cmd {
	return func() tea.Msg { return snapshotLoadedMsg{snap: p.Snapshot()} }
}

func (m MainModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.snap.Tables)-1 {
				m.cursor++
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(fetchSnapshotCmd(m.provider), tickCmd())

	case snapshotLoadedMsg:
		m.snap = msg.snap
		if m.cursor >= len(m.snap.Tables) {
			m.cursor = len(m.snap.Tables) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
		for _, t := range m.snap.Tables {
			h := append(m.history[t.ID], float64(t.RowCount))
			if len(h) > maxHistoryPoints {
				h = h[len(h)-maxHistoryPoints:]
			}
			m.history[t.ID] = h
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m MainModel) View() string {
	if m.quitting {
		return "Bye!\n"
	}

	title := styles.TitleStyle.Render("CleanSlate Inspector")
	status := styles.StatusStyle.Render(fmt.Sprintf("persistence: %s  %s", m.snap.PersistenceStatus, m.spinner.View()))
	busy := renderBusy(m.snap.Busy)

	left := m.renderTableList()
	right := m.renderSelectedTable()

	body := lipgloss.JoinHorizontal(lipgloss.Top, left, right)
	return lipgloss.JoinVertical(lipgloss.Left, title, status, busy, body)
}

func renderBusy(b inspector.BusyFlagsView) string {
	flag := func(name string, on bool) string {
		if on {
			return lipgloss.NewStyle().Foreground(lipgloss.Color("#73F59F")).Render(name + ": busy")
		}
		return lipgloss.NewStyle().Foreground(styles.Subtle).Render(name + ": idle")
	}
	return strings.Join([]string{
		flag("matcher", b.MatcherBusy),
		flag("diff", b.DiffBusy),
		flag("combiner", b.CombinerBusy),
	}, "   ")
}

func (m MainModel) renderTableList() string {
	var sb strings.Builder
	for i, t := range m.snap.Tables {
		cursor := "  "
		if i == m.cursor {
			cursor = "> "
		}
		marker := " "
		if t.ID == m.snap.ActiveTableID {
			marker = "*"
		}
		dirty := ""
		if t.Dirty {
			dirty = styles.DirtyStyle.Render(" (dirty)")
		}
		sb.WriteString(fmt.Sprintf("%s%s %s%s\n", cursor, marker, t.Name, dirty))
	}
	if len(m.snap.Tables) == 0 {
		sb.WriteString("(no tables)\n")
	}
	return styles.CardStyle.Width(28).Render(sb.String())
}

func (m MainModel) renderSelectedTable() string {
	if m.cursor < 0 || m.cursor >= len(m.snap.Tables) {
		return styles.CardStyle.Width(50).Render("No table selected")
	}
	t := m.snap.Tables[m.cursor]

	lc := linechart.New(40, 8, 0, float64(maxHistoryPoints), 0, maxRowCount(m.history[t.ID]))
	history := m.history[t.ID]
	for i := 0; i+1 < len(history); i++ {
		lc.DrawBrailleLine(
			canvas.Float64Point{X: float64(i), Y: history[i]},
			canvas.Float64Point{X: float64(i + 1), Y: history[i+1]},
		)
	}
	lc.DrawXYAxisAndLabel()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("table: %s\n", t.Name))
	sb.WriteString(fmt.Sprintf("rows: %d   columns: %d\n", t.RowCount, len(t.Columns)))
	sb.WriteString(fmt.Sprintf("materialized: %v   dirty: %v\n", t.Materialized, t.Dirty))
	sb.WriteString(fmt.Sprintf("timeline position: %d\n", t.TimelinePosition))
	sb.WriteString(fmt.Sprintf("dirty cells: %d   pending edits: %d\n", t.DirtyCellCount, t.PendingEditCount))
	sb.WriteString(fmt.Sprintf("columns: %s\n\n", strings.Join(t.Columns, ", ")))
	sb.WriteString(lc.View())

	return styles.CardStyle.Width(54).Render(sb.String())
}

func maxRowCount(history []float64) float64 {
	max := 1.0
	for _, v := range history {
		if v > max {
			max = v
		}
	}
	return max
}

// Start runs the Inspector TUI against provider until the user quits.
func Start(provider SnapshotProvider) error {
	p := tea.NewProgram(InitialModel(provider), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
