package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// claudeProtocol drives the Claude Code CLI in stream-json mode.
type claudeProtocol struct {
	bin string
}

func (p claudeProtocol) command() string { return p.bin }

func (p claudeProtocol) stdin(Invocation) string { return "" }

// args builds the CLI arguments. A fresh session gets a generated
// --session-id; an existing one is continued with --resume.
func (p claudeProtocol) args(inv Invocation, extra []string) []string {
	args := []string{"-p", inv.Prompt, "--output-format", "stream-json", "--verbose"}
	if inv.SessionID != "" {
		args = append(args, "--resume", inv.SessionID)
	} else {
		args = append(args, "--session-id", uuid.NewString())
	}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	return append(args, extra...)
}

func (p claudeProtocol) newParser(inv Invocation) parser {
	return &claudeParser{sessionID: inv.SessionID}
}

// claudeEvent covers the stream-json event shapes we read.
// Example: {"type":"result","subtype":"success","result":"...","session_id":"uuid","usage":{...}}
type claudeEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Message   struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Usage claudeUsage `json:"usage"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeParser struct {
	sessionID string
	text      strings.Builder
	final     string
	tokens    int
	gotResult bool
}

func (c *claudeParser) feed(line string) (string, error) {
	var evt claudeEvent
	if err := json.Unmarshal([]byte(line), &evt); err != nil {
		return "", fmt.Errorf("failed to parse claude event: %w", err)
	}
	if evt.SessionID != "" {
		c.sessionID = evt.SessionID
	}

	switch evt.Type {
	case "assistant":
		var chunk strings.Builder
		for _, item := range evt.Message.Content {
			if item.Type == "text" {
				chunk.WriteString(item.Text)
			}
		}
		c.text.WriteString(chunk.String())
		return chunk.String(), nil

	case "result":
		c.gotResult = true
		c.tokens = evt.Usage.InputTokens + evt.Usage.OutputTokens
		if evt.IsError || (evt.Subtype != "" && evt.Subtype != "success") {
			return "", fmt.Errorf("claude reported %s: %s", evt.Subtype, evt.Result)
		}
		c.final = evt.Result
	}
	return "", nil
}

func (c *claudeParser) result() (string, string, int) {
	text := c.final
	if text == "" {
		text = c.text.String()
	}
	return text, c.sessionID, c.tokens
}
