package styles

import "github.com/charmbracelet/lipgloss"

var (
	Subtle    = lipgloss.AdaptiveColor{Light: "#C9CFC2", Dark: "#32363A"}
	Highlight = lipgloss.AdaptiveColor{Light: "#3A6FB0", Dark: "#5C9CE6"}
	Special   = lipgloss.AdaptiveColor{Light: "#B0763A", Dark: "#E6A45C"}
	Dirty     = lipgloss.AdaptiveColor{Light: "#A33A3A", Dark: "#E65C5C"}

	TitleStyle = lipgloss.NewStyle().
			MarginLeft(1).
			MarginRight(5).
			Padding(0, 1).
			Italic(true).
			Foreground(lipgloss.Color("#F2E7CF"))

	CardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Highlight).
			Padding(1, 2).
			Margin(1, 1)

	StatusStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFF"))

	// DirtyStyle marks a table-list entry carrying unreconciled edits
	// (spec.md §4.6.4's dirty-cell tracking), distinct from Special so a
	// glance at the table list tells dirty apart from busy.
	DirtyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Dirty)
)
