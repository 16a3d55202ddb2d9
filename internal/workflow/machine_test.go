package workflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestMachine(t *testing.T) (*Machine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	m := NewMachine(store, nil)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	m.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	return m, store
}

func TestEnsureWorkflowTasks_NeverOverwrites(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	created, err := m.EnsureWorkflowTasks(ctx, "main", []string{"ECOM-001", "ECOM-002"})
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 created, got %v", created)
	}

	if _, err := m.TransitionTaskStage(ctx, "main", TransitionRequest{TaskID: "ECOM-001", To: "DEV"}); err != nil {
		t.Fatal(err)
	}

	created, err = m.EnsureWorkflowTasks(ctx, "main", []string{"ECOM-001", "ECOM-003"})
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 || created[0] != "ECOM-003" {
		t.Errorf("expected only ECOM-003 created, got %v", created)
	}

	task, _ := m.Get(ctx, "main", "ECOM-001")
	if task.Stage != StageDev {
		t.Errorf("existing row was overwritten: stage %s", task.Stage)
	}
}

func TestTransitionTaskStage_InvalidTargetIsNoop(t *testing.T) {
	ctx := context.Background()
	m, store := newTestMachine(t)
	m.EnsureWorkflowTasks(ctx, "main", []string{"ECOM-001"})

	res, err := m.TransitionTaskStage(ctx, "main", TransitionRequest{TaskID: "ECOM-001", To: "SHIPPED"})
	if err != nil {
		t.Fatalf("invalid target must not error, got %v", err)
	}
	if res.OK {
		t.Error("expected OK=false")
	}

	history, _ := store.ListTransitions(ctx, "main", "ECOM-001")
	if len(history) != 0 {
		t.Errorf("expected no transition rows, got %d", len(history))
	}
}

func TestTransitionTaskStage_StatusInvariants(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	tests := []struct {
		to           string
		reason       string
		expectStatus Status
	}{
		{"pm", "", StatusRunning},
		{"DEV", "", StatusRunning},
		{"BLOCKED", "breaker open", StatusBlocked},
		{"QA", "", StatusRunning},
		{"DONE", "", StatusDone},
	}

	for _, tt := range tests {
		res, err := m.TransitionTaskStage(ctx, "main", TransitionRequest{TaskID: "OPS-1", To: tt.to, Reason: tt.reason})
		if err != nil {
			t.Fatal(err)
		}
		if !res.OK {
			t.Fatalf("transition to %s rejected", tt.to)
		}
		if res.State.Status != tt.expectStatus {
			t.Errorf("to %s: status %s, want %s", tt.to, res.State.Status, tt.expectStatus)
		}
		if res.State.Status == StatusBlocked && len(res.State.PendingQuestions) == 0 && res.State.BlockedReason == "" {
			t.Errorf("to %s: blocked without questions or reason", tt.to)
		}
	}

	history, _ := m.History(ctx, "main", "OPS-1")
	if len(history) != len(tests) {
		t.Fatalf("expected %d transitions, got %d", len(tests), len(history))
	}
	if history[0].From != StageTeamlead || history[0].To != StagePM {
		t.Errorf("unexpected first transition %+v", history[0])
	}
}

func TestTransitionTaskStage_PendingQuestionsKeepBlocked(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	if _, err := m.AddPendingQuestions(ctx, "main", "UX-4", []string{"Which palette?"}); err != nil {
		t.Fatal(err)
	}
	res, _ := m.TransitionTaskStage(ctx, "main", TransitionRequest{TaskID: "UX-4", To: "SPEC"})
	if res.State.Status != StatusBlocked {
		t.Errorf("expected blocked while questions pending, got %s", res.State.Status)
	}
}

func TestGetBlockedAndResolve(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)
	m.EnsureWorkflowTasks(ctx, "main", []string{"A-1", "A-2"})

	m.AddPendingQuestions(ctx, "main", "A-1", []string{"Postgres or SQLite?", "Postgres or SQLite?"})

	blocked, err := m.GetBlockedTasks(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 || blocked[0].TaskID != "A-1" {
		t.Fatalf("expected A-1 blocked, got %+v", blocked)
	}
	if len(blocked[0].PendingQuestions) != 1 {
		t.Errorf("duplicate question was not collapsed: %v", blocked[0].PendingQuestions)
	}

	task, err := m.ResolveTaskQuestions(ctx, "main", "A-1", "SQLite")
	if err != nil {
		t.Fatal(err)
	}
	if len(task.PendingQuestions) != 0 || task.Status != StatusRunning {
		t.Errorf("task not unblocked: %+v", task)
	}
	if len(task.Decisions) != 1 || task.Decisions[0] != "SQLite" {
		t.Errorf("decision not recorded: %v", task.Decisions)
	}

	blocked, _ = m.GetBlockedTasks(ctx, "main")
	if len(blocked) != 0 {
		t.Errorf("expected no blocked tasks, got %d", len(blocked))
	}
}

func TestResolve_RestoresStageBeforeBlocked(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	m.TransitionTaskStage(ctx, "main", TransitionRequest{TaskID: "MKT-001", To: "DEV"})
	m.TransitionTaskStage(ctx, "main", TransitionRequest{TaskID: "MKT-001", To: "BLOCKED", Reason: "circuit"})

	task, err := m.ResolveTaskQuestions(ctx, "main", "MKT-001", "retry with smaller scope")
	if err != nil {
		t.Fatal(err)
	}
	if task.Stage != StageDev {
		t.Errorf("expected stage restored to DEV, got %s", task.Stage)
	}
	if task.BlockedReason != "" || task.Status != StatusRunning {
		t.Errorf("task still blocked: %+v", task)
	}
}

func TestMarkTaskValidationFailure_DoesNotChangeStage(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)
	m.TransitionTaskStage(ctx, "main", TransitionRequest{TaskID: "Q-1", To: "QA"})

	for i := 0; i < 2; i++ {
		if _, err := m.MarkTaskValidationFailure(ctx, "main", "Q-1", "missing TDD fields"); err != nil {
			t.Fatal(err)
		}
	}

	task, _ := m.Get(ctx, "main", "Q-1")
	if task.Retries != 2 {
		t.Errorf("retries = %d, want 2", task.Retries)
	}
	if task.LastError != "missing TDD fields" {
		t.Errorf("last error = %q", task.LastError)
	}
	if task.Stage != StageQA {
		t.Errorf("stage changed to %s", task.Stage)
	}
}

func TestAdvanceForRole_ForwardOnly(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)
	m.EnsureWorkflowTasks(ctx, "main", []string{"W-1"})

	res, err := m.AdvanceForRole(ctx, "main", "W-1", "ARQ", "lane done")
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.State.Stage != StageSpec {
		t.Fatalf("expected advance to SPEC, got %+v", res)
	}

	res, _ = m.AdvanceForRole(ctx, "main", "W-1", "PM", "late PM")
	if res.OK {
		t.Error("must not move backwards from SPEC to PM")
	}

	res, _ = m.AdvanceForRole(ctx, "main", "W-1", "UNKNOWN", "")
	if res.OK {
		t.Error("unknown role must not transition")
	}
}

func TestBudget(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)

	status, err := m.CheckBudget(ctx, "main", "B-1", 1000)
	if err != nil || status.Exceeded || status.Used != 0 {
		t.Fatalf("unknown task should have unused budget: %+v %v", status, err)
	}

	m.AddTokens(ctx, "main", "B-1", 600)
	m.AddTokens(ctx, "main", "B-1", 400)

	status, _ = m.CheckBudget(ctx, "main", "B-1", 1000)
	if !status.Exceeded || status.Used != 1000 {
		t.Errorf("expected exceeded at 1000/1000, got %+v", status)
	}

	status, _ = m.CheckBudget(ctx, "main", "B-1", 0)
	if status.Exceeded {
		t.Error("zero budget disables the check")
	}
}

func TestCancelTask(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMachine(t)
	m.EnsureWorkflowTasks(ctx, "main", []string{"C-1"})

	if err := m.CancelTask(ctx, "main", "C-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "main", "C-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}

	// Re-creating after cancel yields a single row
	m.EnsureWorkflowTasks(ctx, "main", []string{"C-1"})
	all, _ := m.List(ctx, "main")
	if len(all) != 1 {
		t.Errorf("expected 1 row, got %d", len(all))
	}
}

func TestStageHelpers(t *testing.T) {
	roles := map[string]Stage{
		"PM": StagePM, "SPEC": StageSpec, "ARQ": StageSpec, "UX": StageSpec,
		"DEV": StageDev, "DEV2": StageDev, "devops": StageDev, "QA": StageQA,
	}
	for role, want := range roles {
		got, ok := StageForRole(role)
		if !ok || got != want {
			t.Errorf("StageForRole(%s) = %s,%v want %s", role, got, ok, want)
		}
	}

	if !StageQA.AtLeast(StageDev) || StagePM.AtLeast(StageDev) {
		t.Error("stage ordering broken")
	}
	if StageBlocked.AtLeast(StageTeamlead) {
		t.Error("BLOCKED must not rank")
	}
	if _, ok := ParseStage("blocked"); !ok {
		t.Error("BLOCKED should parse")
	}
}
