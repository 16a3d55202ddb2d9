package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/teamlead/internal/events"
)

// Cycle statuses shown in the list.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// maxOutputLines bounds the output kept per group.
const maxOutputLines = 2000

// GroupActivity is the latest cycle of one group.
type GroupActivity struct {
	Group     string
	Role      string
	Tasks     []string
	Status    string
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// AgentPaneModel lists groups with their current cycle and shows the
// selected group's streamed worker output.
type AgentPaneModel struct {
	groups      map[string]*GroupActivity // folder -> activity
	groupOrder  []string                  // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewAgentPaneModel creates a new agent pane model.
func NewAgentPaneModel() AgentPaneModel {
	vp := viewport.New(0, 0)
	return AgentPaneModel{
		groups:   make(map[string]*GroupActivity),
		viewport: vp,
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.groupOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.CycleStartedEvent:
		g := m.group(msg.Group)
		g.Role = msg.Role
		g.Tasks = msg.Tasks
		g.Status = StatusRunning
		g.StartTime = msg.Timestamp
		g.Duration = 0
		g.append(fmt.Sprintf("── %s %s (%s) ──", msg.Role, strings.Join(msg.Tasks, ", "), msg.Timestamp.Format("15:04:05")))
		if m.selectedGroup() == msg.Group {
			m.updateViewportContent()
		}

	case events.AgentOutputEvent:
		g := m.group(msg.Group)
		g.append(msg.Line)
		if m.selectedGroup() == msg.Group {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.CycleCompletedEvent:
		g := m.group(msg.Group)
		g.Status = StatusCompleted
		g.Duration = msg.Duration
		g.append(fmt.Sprintf("[Completed in %v with %s]", msg.Duration.Round(time.Millisecond), msg.Model))
		if m.selectedGroup() == msg.Group {
			m.updateViewportContent()
		}

	case events.CycleFailedEvent:
		g := m.group(msg.Group)
		g.Status = StatusFailed
		g.Duration = msg.Duration
		note := "cursor kept"
		if msg.RolledBack {
			note = "cursor rolled back"
		}
		g.append(fmt.Sprintf("[Failed: %v; %s]", msg.Err, note))
		if m.selectedGroup() == msg.Group {
			m.updateViewportContent()
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// group returns the entry for folder, creating it on first sight.
func (m *AgentPaneModel) group(folder string) *GroupActivity {
	if g, ok := m.groups[folder]; ok {
		return g
	}
	g := &GroupActivity{Group: folder}
	m.groups[folder] = g
	m.groupOrder = append(m.groupOrder, folder)
	if len(m.groupOrder) == 1 {
		m.selectedIdx = 0
	}
	return g
}

func (g *GroupActivity) append(line string) {
	g.Output = append(g.Output, line)
	if over := len(g.Output) - maxOutputLines; over > 0 {
		g.Output = g.Output[over:]
	}
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderGroupList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleFrame
	if m.focused {
		style = StyleFrameFocused
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m AgentPaneModel) renderGroupList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Groups")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.groupOrder) == 0 {
		b.WriteString(StyleIdle.Render("Waiting..."))
	} else {
		for i, folder := range m.groupOrder {
			g := m.groups[folder]
			name := folder
			if g.Role != "" {
				name += " · " + g.Role
			}
			if r := []rune(name); len(r) > width-4 {
				name = string(r[:width-7]) + "..."
			}

			line := fmt.Sprintf("%s %s", StatusIcon(g.Status), name)
			if i == m.selectedIdx {
				line = StyleSelected.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return StyleWorking.Render("●")
	case StatusCompleted:
		return StyleDone.Render("✓")
	case StatusFailed:
		return StyleFailed.Render("✗")
	default:
		return StyleIdle.Render("○")
	}
}

func (m AgentPaneModel) selectedGroup() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.groupOrder) {
		return m.groupOrder[m.selectedIdx]
	}
	return ""
}

func (m *AgentPaneModel) updateViewportContent() {
	g, ok := m.groups[m.selectedGroup()]
	if !ok {
		m.viewport.SetContent("Waiting for cycles...")
		return
	}
	m.viewport.SetContent(strings.Join(g.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *AgentPaneModel) resizeViewport() {
	viewportWidth := m.width - 25 - 4
	viewportHeight := m.height - 4

	if viewportWidth < 10 {
		viewportWidth = 10
	}
	if viewportHeight < 5 {
		viewportHeight = 5
	}

	m.viewport.Width = viewportWidth
	m.viewport.Height = viewportHeight
}

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
