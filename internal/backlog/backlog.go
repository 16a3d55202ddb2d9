// Package backlog reads and rewrites the human-editable BACKLOG.md file.
//
// The file holds one block per task:
//
//	## ECOM-001 Checkout
//	- ID: ECOM-001
//	- Owner: DEV
//	- Scope: checkout flow
//	- Entregable: PR
//	- Tests: e2e
//	- Dependencias: ECOM-000
//	- Estado: todo
//	- Lanes: PM=done@14:05 | SPEC=working@14:10 | ...
//
// Anything before the first block is kept verbatim. Unknown lines inside a
// block are kept as notes.
package backlog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/aristath/teamlead/internal/fsutil"
	"github.com/aristath/teamlead/internal/scheduler"
	"github.com/aristath/teamlead/internal/workflow"
)

// Block is one task entry.
type Block struct {
	ID         string
	Title      string // Heading text without the leading hashes
	Owner      string
	Scope      string
	Entregable string
	Tests      string
	Deps       []string
	Estado     string
	Lanes      string
	Notes      []string

	idFromField bool
}

// Document is a parsed backlog file.
type Document struct {
	Preamble []string
	Blocks   []*Block
}

var (
	headingRe = regexp.MustCompile(`^#{2,6}\s+(.*)$`)
	fieldRe   = regexp.MustCompile(`(?i)^\s*(?:[-*]\s+)?(?:\*\*)?(ID|Owner|Scope|Entregable|Tests|Dependencias|Estado|Lanes)(?:\*\*)?\s*:\s*(.*?)\s*$`)
	frontRe   = regexp.MustCompile(`(?i)\b(frontend|front-end|ui|ux|landing|css|web app)\b`)
)

const defaultPreamble = "# Backlog"

// Parse reads a backlog document. It never fails: unrecognised content is
// preserved as preamble or notes.
func Parse(data []byte) *Document {
	doc := &Document{}
	var cur *Block

	start := func(b *Block) {
		doc.Blocks = append(doc.Blocks, b)
		cur = b
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if m := headingRe.FindStringSubmatch(line); m != nil {
			if ids := workflow.ExtractTaskIDs(m[1]); len(ids) > 0 && strings.HasPrefix(strings.ToUpper(strings.TrimSpace(m[1])), ids[0]) {
				start(&Block{ID: ids[0], Title: strings.TrimSpace(m[1])})
				continue
			}
		}

		if m := fieldRe.FindStringSubmatch(line); m != nil {
			key, value := strings.ToLower(m[1]), m[2]
			if key == "id" {
				id := strings.ToUpper(value)
				if cur == nil || cur.idFromField || (cur.ID != "" && cur.ID != id) {
					start(&Block{})
				}
				cur.ID = id
				cur.idFromField = true
				continue
			}
			if cur != nil {
				cur.setField(key, value)
				continue
			}
		}

		if cur == nil {
			doc.Preamble = append(doc.Preamble, line)
			continue
		}
		if strings.TrimSpace(line) != "" {
			cur.Notes = append(cur.Notes, line)
		}
	}

	return doc
}

func (b *Block) setField(key, value string) {
	switch key {
	case "owner":
		b.Owner = value
	case "scope":
		b.Scope = value
	case "entregable":
		b.Entregable = value
	case "tests":
		b.Tests = value
	case "dependencias":
		b.Deps = parseDeps(value)
	case "estado":
		b.Estado = value
	case "lanes":
		b.Lanes = value
	}
}

func parseDeps(value string) []string {
	return workflow.ExtractTaskIDs(value)
}

// Render serializes the document.
func (d *Document) Render() []byte {
	var buf bytes.Buffer

	pre := trimBlankEdges(d.Preamble)
	if len(pre) == 0 {
		pre = []string{defaultPreamble}
	}
	for _, line := range pre {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	for _, b := range d.Blocks {
		buf.WriteByte('\n')
		title := b.Title
		if title == "" {
			title = b.ID
		}
		fmt.Fprintf(&buf, "## %s\n", title)
		fmt.Fprintf(&buf, "- ID: %s\n", b.ID)
		fmt.Fprintf(&buf, "- Owner: %s\n", dash(b.Owner))
		fmt.Fprintf(&buf, "- Scope: %s\n", dash(b.Scope))
		fmt.Fprintf(&buf, "- Entregable: %s\n", dash(b.Entregable))
		fmt.Fprintf(&buf, "- Tests: %s\n", dash(b.Tests))
		deps := "-"
		if len(b.Deps) > 0 {
			deps = strings.Join(b.Deps, ", ")
		}
		fmt.Fprintf(&buf, "- Dependencias: %s\n", deps)
		fmt.Fprintf(&buf, "- Estado: %s\n", dash(b.Estado))
		if b.Lanes != "" {
			fmt.Fprintf(&buf, "- Lanes: %s\n", b.Lanes)
		}
		for _, n := range b.Notes {
			buf.WriteString(n)
			buf.WriteByte('\n')
		}
	}

	return buf.Bytes()
}

// Normalize canonicalizes IDs, fields and states and drops duplicate blocks
// (the first occurrence wins). Block order is kept.
func (d *Document) Normalize() {
	seen := make(map[string]bool, len(d.Blocks))
	kept := d.Blocks[:0]
	for _, b := range d.Blocks {
		b.ID = strings.ToUpper(strings.TrimSpace(b.ID))
		if b.ID == "" || seen[b.ID] {
			continue
		}
		seen[b.ID] = true

		if b.Title == "" {
			b.Title = b.ID
		}
		b.Owner = undash(b.Owner)
		b.Scope = undash(b.Scope)
		b.Entregable = undash(b.Entregable)
		b.Tests = undash(b.Tests)
		b.Estado = string(scheduler.ParseDagState(undash(b.Estado)))

		var deps []string
		for _, dep := range b.Deps {
			if dep != b.ID {
				deps = append(deps, dep)
			}
		}
		b.Deps = deps
		kept = append(kept, b)
	}
	d.Blocks = kept
}

// Find returns the block for id, or nil.
func (d *Document) Find(id string) *Block {
	id = strings.ToUpper(id)
	for _, b := range d.Blocks {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// Track appends a todo block for every id not already present and returns
// the ids that were added.
func (d *Document) Track(ids []string) []string {
	var added []string
	for _, id := range ids {
		id = strings.ToUpper(id)
		if d.Find(id) != nil {
			continue
		}
		d.Blocks = append(d.Blocks, &Block{
			ID:     id,
			Title:  id,
			Estado: string(scheduler.DagTodo),
		})
		added = append(added, id)
	}
	return added
}

// DagTasks projects the blocks for the DAG evaluator.
func (d *Document) DagTasks() []scheduler.DagTask {
	tasks := make([]scheduler.DagTask, 0, len(d.Blocks))
	for _, b := range d.Blocks {
		tasks = append(tasks, scheduler.DagTask{
			ID:    b.ID,
			State: scheduler.ParseDagState(b.Estado),
			Deps:  append([]string(nil), b.Deps...),
		})
	}
	return tasks
}

// Frontend reports whether the task is on the frontend track, where DEV only
// waits on SPEC rather than SPEC and ARQ.
func (b *Block) Frontend() bool {
	return frontRe.MatchString(b.Title + " " + b.Owner + " " + b.Scope + " " + b.Entregable)
}

// Load reads path. A missing file yields an empty document.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backlog %s: %w", path, err)
	}
	return Parse(data), nil
}

// Save writes the document atomically.
func Save(path string, d *Document) error {
	if err := fsutil.WriteFileAtomic(path, d.Render(), 0644); err != nil {
		return fmt.Errorf("writing backlog %s: %w", path, err)
	}
	return nil
}

// NormalizeFile normalizes path in place. The file is only rewritten when the
// normalized form differs. Callers hold the group lock.
func NormalizeFile(path string) (changed bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading backlog %s: %w", path, err)
	}

	doc := Parse(data)
	doc.Normalize()
	out := doc.Render()
	if bytes.Equal(out, data) {
		return false, nil
	}
	if err := fsutil.WriteFileAtomic(path, out, 0644); err != nil {
		return false, fmt.Errorf("writing backlog %s: %w", path, err)
	}
	return true, nil
}

// TrackFile adds todo blocks for unknown ids. Callers hold the group lock.
func TrackFile(path string, ids []string) ([]string, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	added := doc.Track(ids)
	if len(added) == 0 {
		return nil, nil
	}
	doc.Normalize()
	if err := Save(path, doc); err != nil {
		return nil, err
	}
	return added, nil
}

// SetLanesLine replaces the Lanes line of taskID's block. It reports false
// when the task has no block. Callers hold the group lock.
func SetLanesLine(path, taskID, line string) (bool, error) {
	doc, err := Load(path)
	if err != nil {
		return false, err
	}
	b := doc.Find(taskID)
	if b == nil {
		return false, nil
	}
	if b.Lanes == line {
		return true, nil
	}
	b.Lanes = line
	if err := Save(path, doc); err != nil {
		return false, err
	}
	return true, nil
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func undash(s string) string {
	s = strings.TrimSpace(s)
	if s == "-" {
		return ""
	}
	return s
}

func trimBlankEdges(lines []string) []string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[start:end]
}
