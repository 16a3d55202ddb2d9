package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/teamlead/internal/events"
	"github.com/aristath/teamlead/internal/lanes"
)

// maxAlerts bounds the alert list under the board.
const maxAlerts = 5

// LanePaneModel is the lane board: one row per task with a cell per role,
// followed by lane totals and the latest breaker and validation alerts.
type LanePaneModel struct {
	rows     map[string]map[lanes.Role]lanes.State // "group/task" -> role -> state
	rowOrder []string
	alerts   []string
	offset   int  // first visible row
	trouble  bool // show only rows with a failed or waiting lane
	width    int
	height   int
	focused  bool
}

// NewLanePaneModel creates an empty board.
func NewLanePaneModel() LanePaneModel {
	return LanePaneModel{rows: make(map[string]map[lanes.Role]lanes.State)}
}

// Update handles messages for the lane pane.
func (m LanePaneModel) Update(msg tea.Msg) (LanePaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		last := max(0, len(m.visibleRows())-1)
		switch msg.String() {
		case KeyJ, KeyDown:
			m.offset = min(m.offset+1, last)
		case KeyK, KeyUp:
			m.offset = max(m.offset-1, 0)
		case KeyTop:
			m.offset = 0
		case KeyBottom:
			m.offset = last
		case KeyTrouble:
			m.trouble = !m.trouble
			m.offset = 0
		}

	case events.LaneChangedEvent:
		key := msg.Group + "/" + msg.Task
		row, ok := m.rows[key]
		if !ok {
			row = make(map[lanes.Role]lanes.State)
			m.rows[key] = row
			m.rowOrder = append(m.rowOrder, key)
		}
		row[lanes.Role(msg.Role)] = lanes.State(msg.To)

	case events.LaneReconciledEvent:
		m.alert(fmt.Sprintf("♻ %s: %d stale, %d orphaned lanes recovered", msg.Group, msg.Failed, msg.Orphaned))

	case events.CircuitOpenedEvent:
		m.alert(fmt.Sprintf("⛔ %s breaker %s open until %s", msg.Kind, msg.Key, msg.OpenUntil.Format("15:04")))

	case events.CircuitBlockedEvent:
		m.alert(fmt.Sprintf("⛔ %s/%s blocked for %s", msg.Group, msg.Task, msg.Role))

	case events.ValidationFailedEvent:
		m.alert(fmt.Sprintf("✗ %s %s: %s", msg.Group, msg.Claim, msg.Reason))
	}

	return m, nil
}

func (m *LanePaneModel) alert(line string) {
	m.alerts = append(m.alerts, line)
	if len(m.alerts) > maxAlerts {
		m.alerts = m.alerts[len(m.alerts)-maxAlerts:]
	}
}

// visibleRows returns the row keys the board shows, honouring the
// failing-and-waiting filter.
func (m LanePaneModel) visibleRows() []string {
	if !m.trouble {
		return m.rowOrder
	}
	var out []string
	for _, key := range m.rowOrder {
		for _, st := range m.rows[key] {
			if needsAttention(st) {
				out = append(out, key)
				break
			}
		}
	}
	return out
}

func needsAttention(st lanes.State) bool {
	switch st {
	case lanes.StateError, lanes.StateFailed, lanes.StateWaiting:
		return true
	}
	return false
}

// Counts returns the number of lanes per state across the board.
func (m LanePaneModel) Counts() map[lanes.State]int {
	out := make(map[lanes.State]int)
	for _, row := range m.rows {
		for _, st := range row {
			out[st]++
		}
	}
	return out
}

// View renders the lane pane.
func (m LanePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Lanes")
	b.WriteString(title)
	if m.trouble {
		b.WriteString(StyleFilter.Render(" failing+waiting"))
	}
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	const taskWidth = 18
	b.WriteString(fmt.Sprintf("%-*s", taskWidth, "TASK"))
	for _, role := range lanes.Roles {
		b.WriteString(fmt.Sprintf(" %-6s", role))
	}
	b.WriteString("\n")

	rows := m.visibleRows()
	switch {
	case len(m.rowOrder) == 0:
		b.WriteString(StyleIdle.Render("No lanes yet"))
		b.WriteString("\n")
	case len(rows) == 0:
		b.WriteString(StyleIdle.Render("Nothing failing or waiting"))
		b.WriteString("\n")
	}
	visible := max(1, m.height-12-len(m.alerts))
	for _, key := range rows[min(m.offset, len(rows)):] {
		if visible == 0 {
			break
		}
		visible--
		name := key
		if r := []rune(name); len(r) > taskWidth-1 {
			name = string(r[:taskWidth-4]) + "..."
		}
		b.WriteString(fmt.Sprintf("%-*s", taskWidth, name))
		for _, role := range lanes.Roles {
			b.WriteString(" " + LaneCell(m.rows[key][role]) + "     ")
		}
		b.WriteString("\n")
	}

	counts := m.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		done := counts[lanes.StateDone]
		failed := counts[lanes.StateError] + counts[lanes.StateFailed]
		waiting := counts[lanes.StateWaiting]
		active := counts[lanes.StateWorking] + counts[lanes.StateQueued]

		barWidth := min(m.width-4, 40)
		doneWidth := (done * barWidth) / total
		failedWidth := (failed * barWidth) / total
		activeWidth := (active * barWidth) / total
		waitingWidth := (waiting * barWidth) / total
		idleWidth := barWidth - doneWidth - failedWidth - activeWidth - waitingWidth

		bar := StyleDone.Render(strings.Repeat("=", max(0, doneWidth)))
		bar += StyleFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleWorking.Render(strings.Repeat("-", max(0, activeWidth)))
		bar += StyleWaiting.Render(strings.Repeat("?", max(0, waitingWidth)))
		bar += StyleIdle.Render(strings.Repeat(".", max(0, idleWidth)))

		b.WriteString(fmt.Sprintf("\n[%s]  %d/%d lanes done\n", bar, done, total))
	}

	if len(m.alerts) > 0 {
		b.WriteString("\n")
		for _, a := range m.alerts {
			b.WriteString(StyleAlert.Render(a))
			b.WriteString("\n")
		}
	}

	style := StyleFrame
	if m.focused {
		style = StyleFrameFocused
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// LaneCell returns the styled glyph for a lane state.
func LaneCell(st lanes.State) string {
	switch st {
	case lanes.StateWorking:
		return StyleWorking.Render("●")
	case lanes.StateQueued:
		return StyleWorking.Render("…")
	case lanes.StateWaiting:
		return StyleWaiting.Render("?")
	case lanes.StateDone:
		return StyleDone.Render("✓")
	case lanes.StateError, lanes.StateFailed:
		return StyleFailed.Render("✗")
	default:
		return StyleIdle.Render("○")
	}
}

// SetSize updates the pane dimensions.
func (m *LanePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *LanePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
