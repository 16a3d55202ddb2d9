package backend

import (
	"strconv"
	"strings"
)

// execProtocol runs an arbitrary command with the prompt on stdin. Every
// stdout line is user-visible output except the SESSION_ID= and TOKENS=
// control lines.
type execProtocol struct {
	bin  string
	base []string
}

func (p execProtocol) command() string { return p.bin }

func (p execProtocol) stdin(inv Invocation) string { return inv.Prompt }

func (p execProtocol) args(_ Invocation, extra []string) []string {
	return append(append([]string(nil), p.base...), extra...)
}

func (p execProtocol) newParser(inv Invocation) parser {
	return &execParser{sessionID: inv.SessionID}
}

type execParser struct {
	sessionID string
	lines     []string
	tokens    int
}

func (e *execParser) feed(line string) (string, error) {
	if v, ok := strings.CutPrefix(line, "SESSION_ID="); ok {
		e.sessionID = strings.TrimSpace(v)
		return "", nil
	}
	if v, ok := strings.CutPrefix(line, "TOKENS="); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			e.tokens += n
		}
		return "", nil
	}
	e.lines = append(e.lines, line)
	return line, nil
}

func (e *execParser) result() (string, string, int) {
	return strings.Join(e.lines, "\n"), e.sessionID, e.tokens
}
