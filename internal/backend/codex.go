package backend

import (
	"encoding/json"
	"fmt"
)

// codexProtocol drives the Codex CLI, which emits newline-delimited JSON
// events.
type codexProtocol struct {
	bin string
}

func (p codexProtocol) command() string { return p.bin }

func (p codexProtocol) stdin(Invocation) string { return "" }

// args builds the CLI arguments.
// First message: ["exec", prompt, "--json"]
// Resume: ["resume", threadID, prompt, "--json"]
func (p codexProtocol) args(inv Invocation, extra []string) []string {
	var args []string
	if inv.SessionID == "" {
		args = []string{"exec", inv.Prompt, "--json"}
	} else {
		args = []string{"resume", inv.SessionID, inv.Prompt, "--json"}
	}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	return append(args, extra...)
}

func (p codexProtocol) newParser(inv Invocation) parser {
	return &codexParser{threadID: inv.SessionID}
}

// codexEvent covers the ThreadStarted and TurnCompleted events.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
	Usage    struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type codexParser struct {
	threadID string
	content  string
	tokens   int
}

func (c *codexParser) feed(line string) (string, error) {
	var evt codexEvent
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		return "", fmt.Errorf("failed to parse codex event: %w", err)
	}

	switch evt.Type {
	case "ThreadStarted":
		c.threadID = evt.ThreadID
	case "TurnCompleted":
		c.content = evt.Content
		c.tokens += evt.Usage.TotalTokens
		return evt.Content, nil
	}
	return "", nil
}

func (c *codexParser) result() (string, string, int) {
	return c.content, c.threadID, c.tokens
}
