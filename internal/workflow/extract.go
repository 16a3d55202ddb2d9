package workflow

import (
	"regexp"
	"strings"
)

var taskIDPattern = regexp.MustCompile(`(?i)\b[A-Z]+-\d+\b`)

// ExtractTaskIDs returns the task identifiers (PREFIX-NNN) mentioned in text,
// uppercased, de-duplicated, in order of first appearance.
func ExtractTaskIDs(text string) []string {
	matches := taskIDPattern.FindAllString(text, -1)
	ids := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		id := strings.ToUpper(m)
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
