package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Pane frames
var (
	StyleFrameFocused = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleFrame = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240"))
)

// Lane and cycle states. Waiting lanes need a human answer and get their
// own colour.
var (
	StyleWorking = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow")).
			Bold(true)

	StyleWaiting = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13")).
			Bold(true)

	StyleDone = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green")).
			Bold(true)

	StyleFailed = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)

	StyleIdle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	StyleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("62")).
			Foreground(lipgloss.Color("0"))

	// Breaker and validation alerts under the lane board.
	StyleAlert = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))

	StyleFilter = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Italic(true)
)
