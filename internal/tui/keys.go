package tui

// Key bindings. Focus keys work from any pane; the rest go to the focused
// pane.
const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyGroups   = "1"
	KeyOutput   = "2"
	KeyLanes    = "3"
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
	KeyTop      = "g"
	KeyBottom   = "G"
	KeyTrouble  = "f" // lane board: rows with a failed or waiting lane only
)

var paneHelp = map[PaneID]string{
	PaneGroups: "j/k: select group",
	PaneOutput: "j/k: select group",
	PaneLanes:  "j/k: scroll | g/G: top/bottom | f: failing+waiting",
}

// HelpView returns the help bar for the focused pane.
func HelpView(focused PaneID) string {
	return StyleHelp.Render("Tab: cycle focus | 1/2/3: groups/output/lanes | " + paneHelp[focused] + " | q: quit")
}
