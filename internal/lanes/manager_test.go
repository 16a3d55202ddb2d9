package lanes

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/teamlead/internal/backlog"
	"github.com/aristath/teamlead/internal/events"
	"github.com/aristath/teamlead/internal/scheduler"
	"github.com/aristath/teamlead/internal/workflow"
)

type fixture struct {
	mgr   *Manager
	store *MemoryStore
	wf    *workflow.Machine
	bus   *events.EventBus
	dir   string
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: NewMemoryStore(),
		wf:    workflow.NewMachine(workflow.NewMemoryStore(), nil),
		bus:   events.NewEventBus(),
		dir:   t.TempDir(),
		now:   time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local),
	}
	t.Cleanup(f.bus.Close)
	f.mgr = NewManager(f.store, f.wf, f.dir, scheduler.NewKeyedMutex(), f.bus, nil)
	f.mgr.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) seedBacklog(t *testing.T, group string, ids ...string) {
	t.Helper()
	if _, err := backlog.TrackFile(f.mgr.BacklogPath(group), ids); err != nil {
		t.Fatal(err)
	}
}

func TestSetLaneState_InvalidStateWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBacklog(t, "main", "ECOM-001")

	before, err := os.ReadFile(f.mgr.BacklogPath("main"))
	if err != nil {
		t.Fatal(err)
	}

	ok, err := f.mgr.SetLaneState(ctx, "main", Update{TaskID: "ECOM-001", Role: RoleDev, Next: "finished"})
	if err != nil {
		t.Fatalf("invalid state must not raise, got %v", err)
	}
	if ok {
		t.Fatal("invalid state reported as applied")
	}

	if _, err := f.store.GetLane(ctx, "main", "ECOM-001", RoleDev); err != ErrLaneNotFound {
		t.Errorf("expected no lane row, got %v", err)
	}
	if _, err := os.Stat(f.mgr.MirrorPath("main")); !os.IsNotExist(err) {
		t.Errorf("lanes.json must not be written, stat err = %v", err)
	}
	after, _ := os.ReadFile(f.mgr.BacklogPath("main"))
	if string(before) != string(after) {
		t.Errorf("backlog changed:\n%s\n---\n%s", before, after)
	}
}

func TestSetLaneState_PersistsAndMirrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBacklog(t, "main", "ECOM-001")
	sub := f.bus.Subscribe(events.TopicLane, 4)

	if err := f.mgr.EnsureTask(ctx, "main", "ECOM-001"); err != nil {
		t.Fatal(err)
	}
	ok, err := f.mgr.SetLaneState(ctx, "main", Update{TaskID: "ECOM-001", Role: RolePM, Next: StateWorking, Detail: "scoping"})
	if err != nil || !ok {
		t.Fatalf("SetLaneState = %v, %v", ok, err)
	}

	lane, err := f.store.GetLane(ctx, "main", "ECOM-001", RolePM)
	if err != nil {
		t.Fatal(err)
	}
	if lane.State != StateWorking || lane.Detail != "scoping" {
		t.Errorf("unexpected lane %+v", lane)
	}

	data, err := os.ReadFile(f.mgr.MirrorPath("main"))
	if err != nil {
		t.Fatal(err)
	}
	var doc mirrorDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if got := doc.Tasks["ECOM-001"]["PM"].State; got != StateWorking {
		t.Errorf("mirror PM state = %q", got)
	}
	if len(doc.Tasks["ECOM-001"]) != len(Roles) {
		t.Errorf("mirror should hold all %d roles, got %d", len(Roles), len(doc.Tasks["ECOM-001"]))
	}

	bl, err := backlog.Load(f.mgr.BacklogPath("main"))
	if err != nil {
		t.Fatal(err)
	}
	line := bl.Find("ECOM-001").Lanes
	if !strings.HasPrefix(line, "PM=working@09:30 | SPEC=idle@09:30") {
		t.Errorf("unexpected lanes line %q", line)
	}

	select {
	case ev := <-sub:
		changed := ev.(events.LaneChangedEvent)
		if changed.From != "idle" || changed.To != "working" {
			t.Errorf("unexpected event %+v", changed)
		}
	case <-time.After(time.Second):
		t.Fatal("no lane event published")
	}
}

func TestSetLaneState_BacklogFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A directory where BACKLOG.md should be makes the advisory mirror fail.
	if err := os.MkdirAll(f.mgr.BacklogPath("main"), 0755); err != nil {
		t.Fatal(err)
	}

	ok, err := f.mgr.SetLaneState(ctx, "main", Update{TaskID: "ECOM-001", Role: RoleQA, Next: StateDone})
	if err != nil || !ok {
		t.Fatalf("advisory failure leaked: %v, %v", ok, err)
	}
	if _, err := f.store.GetLane(ctx, "main", "ECOM-001", RoleQA); err != nil {
		t.Errorf("lane row should be persisted: %v", err)
	}
}

func TestEnsureTask_KeepsExistingLanes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.mgr.SetLaneState(ctx, "main", Update{TaskID: "MKT-001", Role: RoleDev, Next: StateDone}); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.EnsureTask(ctx, "main", "MKT-001"); err != nil {
		t.Fatal(err)
	}

	lanes, err := f.mgr.Lanes(ctx, "main", "MKT-001")
	if err != nil {
		t.Fatal(err)
	}
	if len(lanes) != len(Roles) {
		t.Fatalf("expected %d lanes, got %d", len(Roles), len(lanes))
	}
	if lanes[RoleDev].State != StateDone {
		t.Errorf("EnsureTask overwrote DEV lane: %+v", lanes[RoleDev])
	}
	if lanes[RoleQA].State != StateIdle {
		t.Errorf("new lanes should start idle, got %q", lanes[RoleQA].State)
	}
}

func TestHasActiveLane(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.mgr.EnsureTask(ctx, "main", "ECOM-001"); err != nil {
		t.Fatal(err)
	}

	active, err := f.mgr.HasActiveLane(ctx, "main", "ECOM-001", "")
	if err != nil || active {
		t.Fatalf("idle task reported active: %v, %v", active, err)
	}

	for _, state := range []State{StateWorking, StateQueued, StateWaiting} {
		if _, err := f.mgr.SetLaneState(ctx, "main", Update{TaskID: "ECOM-001", Role: RoleUX, Next: state}); err != nil {
			t.Fatal(err)
		}
		if active, _ := f.mgr.HasActiveLane(ctx, "main", "ECOM-001", ""); !active {
			t.Errorf("%s lane should count as active", state)
		}
		if active, _ := f.mgr.HasActiveLane(ctx, "main", "ECOM-001", RoleUX); active {
			t.Errorf("excluded role should not count (%s)", state)
		}
	}
}

func TestIsArchitectureReadyForDev(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.mgr.EnsureTask(ctx, "main", "ECOM-001"); err != nil {
		t.Fatal(err)
	}

	ready, missing, err := f.mgr.IsArchitectureReadyForDev(ctx, "main", "ECOM-001", false)
	if err != nil || ready || missing != RoleSpec {
		t.Fatalf("got ready=%v missing=%q err=%v", ready, missing, err)
	}

	if _, err := f.mgr.SetLaneState(ctx, "main", Update{TaskID: "ECOM-001", Role: RoleSpec, Next: StateDone}); err != nil {
		t.Fatal(err)
	}

	ready, missing, _ = f.mgr.IsArchitectureReadyForDev(ctx, "main", "ECOM-001", true)
	if !ready {
		t.Errorf("frontend track needs SPEC only, missing %q", missing)
	}
	ready, missing, _ = f.mgr.IsArchitectureReadyForDev(ctx, "main", "ECOM-001", false)
	if ready || missing != RoleArq {
		t.Errorf("backend track needs ARQ, got ready=%v missing=%q", ready, missing)
	}

	if _, err := f.wf.TransitionTaskStage(ctx, "main", workflow.TransitionRequest{TaskID: "ECOM-001", To: "QA"}); err != nil {
		t.Fatal(err)
	}
	ready, _, _ = f.mgr.IsArchitectureReadyForDev(ctx, "main", "ECOM-001", false)
	if !ready {
		t.Error("stage past DEV should bypass the lane check")
	}
}

func TestReconcileLaneStateOnBoot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.wf.EnsureWorkflowTasks(ctx, "main", []string{"ECOM-001", "ECOM-002"}); err != nil {
		t.Fatal(err)
	}

	put := func(task string, role Role, state State, age time.Duration) {
		t.Helper()
		err := f.store.SaveLane(ctx, Snapshot{
			GroupFolder: "main", TaskID: task, Role: role, State: state,
			UpdatedAt: f.now.Add(-age),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	put("ECOM-001", RoleDev, StateWorking, 2*time.Hour) // stale
	put("ECOM-001", RoleQA, StateWorking, time.Minute)  // fresh
	put("ECOM-002", RolePM, StateDone, 5*time.Hour)     // not working
	put("GHOST-9", RoleDev, StateWorking, time.Minute)  // orphan

	report, err := f.mgr.ReconcileLaneStateOnBoot(ctx, "main", 20*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if report.Orphaned != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if strings.Join(report.TaskIDs, ",") != "ECOM-001,GHOST-9" {
		t.Errorf("unexpected touched tasks %v", report.TaskIDs)
	}

	if _, err := f.store.GetLane(ctx, "main", "GHOST-9", RoleDev); err != ErrLaneNotFound {
		t.Errorf("orphan lane should be deleted, got %v", err)
	}
	stale, _ := f.store.GetLane(ctx, "main", "ECOM-001", RoleDev)
	if stale.State != StateFailed || !strings.HasPrefix(stale.Detail, "boot-recovery: stale working lane") {
		t.Errorf("stale lane not failed: %+v", stale)
	}
	fresh, _ := f.store.GetLane(ctx, "main", "ECOM-001", RoleQA)
	if fresh.State != StateWorking {
		t.Errorf("fresh lane touched: %+v", fresh)
	}

	again, err := f.mgr.ReconcileLaneStateOnBoot(ctx, "main", 20*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if again.Orphaned != 0 || again.Failed != 0 || len(again.TaskIDs) != 0 {
		t.Errorf("second pass should be a no-op, got %+v", again)
	}
}

func TestMaybeWriteTeamleadSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.mgr.EnsureTask(ctx, "main", "ECOM-001"); err != nil {
		t.Fatal(err)
	}

	written, err := f.mgr.MaybeWriteTeamleadSummary(ctx, "main", "ECOM-001", false)
	if err != nil || written {
		t.Fatalf("summary written before lanes done: %v, %v", written, err)
	}

	for role, summary := range map[Role]string{RolePM: "scope agreed", RoleSpec: "api spec", RoleArq: "two services"} {
		if _, err := f.mgr.SetLaneState(ctx, "main", Update{TaskID: "ECOM-001", Role: role, Next: StateDone, Summary: summary}); err != nil {
			t.Fatal(err)
		}
	}

	written, err = f.mgr.MaybeWriteTeamleadSummary(ctx, "main", "ECOM-001", false)
	if err != nil || !written {
		t.Fatalf("expected summary, got %v, %v", written, err)
	}
	data, err := os.ReadFile(filepath.Join(f.dir, "main", "merge", "ECOM-001-teamlead.md"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"## PM", "scope agreed", "## SPEC", "## ARQ", "two services"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("summary missing %q:\n%s", want, data)
		}
	}

	written, err = f.mgr.MaybeWriteTeamleadSummary(ctx, "main", "ECOM-001", false)
	if err != nil || written {
		t.Errorf("summary must be written once, got %v, %v", written, err)
	}
}

func TestFormatLanesLine(t *testing.T) {
	at := time.Date(2026, 3, 1, 14, 5, 0, 0, time.Local)
	got := FormatLanesLine([]Snapshot{
		{Role: RoleQA, State: StateIdle, UpdatedAt: at},
		{Role: RolePM, State: StateDone, UpdatedAt: at},
	})
	if got != "PM=done@14:05 | QA=idle@14:05" {
		t.Errorf("FormatLanesLine = %q", got)
	}
}

func TestParseRole(t *testing.T) {
	if r, ok := ParseRole(" dev2 "); !ok || r != RoleDev2 {
		t.Errorf("ParseRole(dev2) = %q, %v", r, ok)
	}
	if _, ok := ParseRole("CEO"); ok {
		t.Error("unknown role accepted")
	}
}
