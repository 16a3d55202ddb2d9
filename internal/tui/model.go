// Package tui is the terminal dashboard for a running orchestrator. It
// consumes the event bus and renders group cycles, worker output and the
// lane board.
package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/teamlead/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneGroups PaneID = iota
	PaneOutput
	PaneLanes
)

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	agentPane   AgentPaneModel
	lanePane    LanePaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	groups      int
	width       int
	height      int
	quitting    bool
}

// New creates a new TUI model subscribed to every topic of eventBus.
// groups is the number of configured groups, shown in the help bar.
func New(eventBus *events.EventBus, groups int) Model {
	return Model{
		agentPane:   NewAgentPaneModel(),
		lanePane:    NewLanePaneModel(),
		focusedPane: PaneGroups,
		eventSub:    eventBus.SubscribeAll(256),
		groups:      groups,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 3
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + 2) % 3 // +2 is equivalent to -1 mod 3
			m.updateFocusStates()

		case KeyGroups:
			m.focusedPane = PaneGroups
			m.updateFocusStates()

		case KeyOutput:
			m.focusedPane = PaneOutput
			m.updateFocusStates()

		case KeyLanes:
			m.focusedPane = PaneLanes
			m.updateFocusStates()

		default:
			switch m.focusedPane {
			case PaneGroups, PaneOutput:
				var cmd tea.Cmd
				m.agentPane, cmd = m.agentPane.Update(msg)
				cmds = append(cmds, cmd)
			case PaneLanes:
				var cmd tea.Cmd
				m.lanePane, cmd = m.lanePane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case tickMsg:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.CycleStartedEvent, events.CycleCompletedEvent, events.CycleFailedEvent, events.AgentOutputEvent:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.LaneChangedEvent, events.LaneReconciledEvent,
		events.CircuitOpenedEvent, events.CircuitBlockedEvent, events.ValidationFailedEvent:
		var cmd tea.Cmd
		m.lanePane, cmd = m.lanePane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.Event:
		// Unknown event types are consumed so the subscription keeps draining.
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	content := lipgloss.JoinHorizontal(lipgloss.Top, m.agentPane.View(), m.lanePane.View())
	help := HelpView(m.focusedPane) + StyleHelp.Render(fmt.Sprintf(" | %d groups", m.groups))
	return lipgloss.JoinVertical(lipgloss.Left, content, help)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 55) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar

	m.agentPane.SetSize(leftWidth, availableHeight)
	m.lanePane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.agentPane.SetFocused(m.focusedPane == PaneGroups || m.focusedPane == PaneOutput)
	m.lanePane.SetFocused(m.focusedPane == PaneLanes)
}
