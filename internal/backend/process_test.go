package backend

import (
	"context"
	"strings"
	"testing"
	"time"
)

// TestStreamCommand_LargeOutput verifies no deadlock when output exceeds the
// pipe buffer.
func TestStreamCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := newCommand(ctx, "sh", "-c", `i=0; while [ $i -lt 20000 ]; do echo "line-$i"; echo "noise-$i" >&2; i=$((i+1)); done`)

	count := 0
	stderr, err := streamCommand(cmd, nil, func(line string) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if count != 20000 {
		t.Errorf("Expected 20000 lines, got %d", count)
	}
	if !strings.Contains(string(stderr), "noise-19999") {
		t.Error("stderr was not fully drained")
	}
}

// TestStreamCommand_TracksProcess verifies the process is tracked only while
// it runs.
func TestStreamCommand_TracksProcess(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "sh", "-c", "echo hi")

	var during int
	_, err := streamCommand(cmd, pm, func(string) error {
		during = pm.Count()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if during != 1 {
		t.Errorf("expected 1 tracked process while running, got %d", during)
	}
	if pm.Count() != 0 {
		t.Errorf("expected 0 tracked processes after exit, got %d", pm.Count())
	}
}

// TestProcessManager_KillAll verifies the whole group is killed.
func TestProcessManager_KillAll(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "sh", "-c", "sleep 30 & sleep 30")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pm.Track(cmd)

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err == nil {
			t.Error("killed process should exit with an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process survived KillAll")
	}
}
