package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aristath/teamlead/internal/agent"
	"github.com/aristath/teamlead/internal/backend"
	"github.com/aristath/teamlead/internal/breaker"
	"github.com/aristath/teamlead/internal/lanes"
	"github.com/aristath/teamlead/internal/workflow"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewSQLiteStore_CreatesFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "dir", "teamlead.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if err := store.SetCursor(ctx, "chat", base); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	got, err := store.GetCursor(ctx, "chat")
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if !got.Equal(base) {
		t.Errorf("expected cursor %v, got %v", base, got)
	}
}

func TestNewMemoryStore_Isolated(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	b := newTestStore(t)

	if err := a.SetCursor(ctx, "chat", base); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	got, err := b.GetCursor(ctx, "chat")
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("memory stores should not share data, got %v", got)
	}
}

func TestWorkflowTask_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := &workflow.Task{
		GroupFolder:      "shop",
		TaskID:           "MKT-001",
		Stage:            workflow.StageSpec,
		Status:           workflow.StatusBlocked,
		Retries:          2,
		PendingQuestions: []string{"which currency?"},
		Decisions:        []string{"use EUR"},
		LastError:        "boom",
		TokensUsed:       1500,
		CreatedAt:        base,
		UpdatedAt:        base.Add(time.Minute),
	}
	created, err := store.InsertWorkflowTask(ctx, task)
	if err != nil {
		t.Fatalf("InsertWorkflowTask failed: %v", err)
	}
	if !created {
		t.Fatal("expected first insert to create the row")
	}

	got, err := store.GetWorkflowTask(ctx, "shop", "MKT-001")
	if err != nil {
		t.Fatalf("GetWorkflowTask failed: %v", err)
	}
	if got.Stage != workflow.StageSpec || got.Status != workflow.StatusBlocked {
		t.Errorf("unexpected stage/status %s/%s", got.Stage, got.Status)
	}
	if len(got.PendingQuestions) != 1 || got.PendingQuestions[0] != "which currency?" {
		t.Errorf("pending questions not preserved: %v", got.PendingQuestions)
	}
	if len(got.Decisions) != 1 || got.Decisions[0] != "use EUR" {
		t.Errorf("decisions not preserved: %v", got.Decisions)
	}
	if got.Retries != 2 || got.TokensUsed != 1500 || got.LastError != "boom" {
		t.Errorf("counters not preserved: %+v", got)
	}
	if !got.CreatedAt.Equal(base) || !got.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("timestamps not preserved: %v %v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestInsertWorkflowTask_ExistingUntouched(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := &workflow.Task{GroupFolder: "g", TaskID: "T-1", Stage: workflow.StageDev, Status: workflow.StatusRunning, CreatedAt: base, UpdatedAt: base}
	if _, err := store.InsertWorkflowTask(ctx, first); err != nil {
		t.Fatalf("InsertWorkflowTask failed: %v", err)
	}

	second := &workflow.Task{GroupFolder: "g", TaskID: "T-1", Stage: workflow.StageTeamlead, Status: workflow.StatusRunning, CreatedAt: base, UpdatedAt: base}
	created, err := store.InsertWorkflowTask(ctx, second)
	if err != nil {
		t.Fatalf("InsertWorkflowTask failed: %v", err)
	}
	if created {
		t.Error("second insert should not report created")
	}

	got, err := store.GetWorkflowTask(ctx, "g", "T-1")
	if err != nil {
		t.Fatalf("GetWorkflowTask failed: %v", err)
	}
	if got.Stage != workflow.StageDev {
		t.Errorf("existing row was overwritten: stage %s", got.Stage)
	}
}

func TestGetWorkflowTask_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetWorkflowTask(context.Background(), "g", "NOPE-1")
	if !errors.Is(err, workflow.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSaveTransition_AppendsAndCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task := &workflow.Task{GroupFolder: "g", TaskID: "T-1", Stage: workflow.StagePM, Status: workflow.StatusRunning, CreatedAt: base, UpdatedAt: base}
	steps := []workflow.Stage{workflow.StagePM, workflow.StageSpec, workflow.StageDev}
	from := workflow.StageTeamlead
	for i, to := range steps {
		task.Stage = to
		tr := workflow.Transition{GroupFolder: "g", TaskID: "T-1", From: from, To: to, Reason: "step", At: base.Add(time.Duration(i) * time.Second)}
		if err := store.SaveTransition(ctx, task, tr); err != nil {
			t.Fatalf("SaveTransition failed: %v", err)
		}
		from = to
	}

	history, err := store.ListTransitions(ctx, "g", "T-1")
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(history))
	}
	if history[0].From != workflow.StageTeamlead || history[2].To != workflow.StageDev {
		t.Errorf("unexpected history order: %+v", history)
	}

	got, err := store.GetWorkflowTask(ctx, "g", "T-1")
	if err != nil {
		t.Fatalf("GetWorkflowTask failed: %v", err)
	}
	if got.Stage != workflow.StageDev {
		t.Errorf("expected row at DEV, got %s", got.Stage)
	}

	if err := store.DeleteWorkflowTask(ctx, "g", "T-1"); err != nil {
		t.Fatalf("DeleteWorkflowTask failed: %v", err)
	}
	history, err = store.ListTransitions(ctx, "g", "T-1")
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("transitions should cascade on delete, got %d", len(history))
	}
}

func TestListWorkflowTasks_ScopedAndOrdered(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i, id := range []string{"B-2", "A-1", "C-3"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		if _, err := store.InsertWorkflowTask(ctx, &workflow.Task{GroupFolder: "g", TaskID: id, Stage: workflow.StageTeamlead, Status: workflow.StatusRunning, CreatedAt: ts, UpdatedAt: ts}); err != nil {
			t.Fatalf("InsertWorkflowTask failed: %v", err)
		}
	}
	if _, err := store.InsertWorkflowTask(ctx, &workflow.Task{GroupFolder: "other", TaskID: "Z-9", Stage: workflow.StageTeamlead, Status: workflow.StatusRunning, CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatalf("InsertWorkflowTask failed: %v", err)
	}

	tasks, err := store.ListWorkflowTasks(ctx, "g")
	if err != nil {
		t.Fatalf("ListWorkflowTasks failed: %v", err)
	}
	want := []string{"B-2", "A-1", "C-3"}
	if len(tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(tasks))
	}
	for i, task := range tasks {
		if task.TaskID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], task.TaskID)
		}
	}
}

func TestMachine_OverSQLite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	m := workflow.NewMachine(store, nil)

	if _, err := m.TransitionTaskStage(ctx, "g", workflow.TransitionRequest{TaskID: "T-1", To: "DEV"}); err != nil {
		t.Fatalf("TransitionTaskStage failed: %v", err)
	}
	if _, err := m.TransitionTaskStage(ctx, "g", workflow.TransitionRequest{TaskID: "T-1", To: "BLOCKED", Reason: "circuit"}); err != nil {
		t.Fatalf("TransitionTaskStage failed: %v", err)
	}
	task, err := m.ResolveTaskQuestions(ctx, "g", "T-1", "retry")
	if err != nil {
		t.Fatalf("ResolveTaskQuestions failed: %v", err)
	}
	if task.Stage != workflow.StageDev || task.Status != workflow.StatusRunning {
		t.Errorf("expected DEV/running after resolve, got %s/%s", task.Stage, task.Status)
	}
}

func TestLanes_InsertSaveList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, role := range []lanes.Role{lanes.RoleQA, lanes.RolePM, lanes.RoleDev} {
		created, err := store.InsertLane(ctx, lanes.Snapshot{GroupFolder: "g", TaskID: "T-1", Role: role, State: lanes.StateIdle, UpdatedAt: base})
		if err != nil {
			t.Fatalf("InsertLane failed: %v", err)
		}
		if !created {
			t.Errorf("expected %s lane to be created", role)
		}
	}

	created, err := store.InsertLane(ctx, lanes.Snapshot{GroupFolder: "g", TaskID: "T-1", Role: lanes.RolePM, State: lanes.StateWorking, UpdatedAt: base})
	if err != nil {
		t.Fatalf("InsertLane failed: %v", err)
	}
	if created {
		t.Error("duplicate insert should not report created")
	}

	update := lanes.Snapshot{GroupFolder: "g", TaskID: "T-1", Role: lanes.RoleDev, State: lanes.StateWorking, UpdatedAt: base.Add(time.Minute), Detail: "coding", Summary: "s", Dependency: "ARQ"}
	if err := store.SaveLane(ctx, update); err != nil {
		t.Fatalf("SaveLane failed: %v", err)
	}

	got, err := store.GetLane(ctx, "g", "T-1", lanes.RoleDev)
	if err != nil {
		t.Fatalf("GetLane failed: %v", err)
	}
	if got.State != lanes.StateWorking || got.Detail != "coding" || got.Dependency != "ARQ" || !got.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("lane not updated: %+v", got)
	}

	list, err := store.ListTaskLanes(ctx, "g", "T-1")
	if err != nil {
		t.Fatalf("ListTaskLanes failed: %v", err)
	}
	want := []lanes.Role{lanes.RolePM, lanes.RoleDev, lanes.RoleQA}
	if len(list) != len(want) {
		t.Fatalf("expected %d lanes, got %d", len(want), len(list))
	}
	for i, l := range list {
		if l.Role != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], l.Role)
		}
	}
	pm, _ := store.GetLane(ctx, "g", "T-1", lanes.RolePM)
	if pm.State != lanes.StateIdle {
		t.Errorf("duplicate insert overwrote PM lane: %s", pm.State)
	}

	if err := store.DeleteLane(ctx, "g", "T-1", lanes.RoleQA); err != nil {
		t.Fatalf("DeleteLane failed: %v", err)
	}
	if _, err := store.GetLane(ctx, "g", "T-1", lanes.RoleQA); !errors.Is(err, lanes.ErrLaneNotFound) {
		t.Errorf("expected ErrLaneNotFound after delete, got %v", err)
	}
}

func TestCircuits_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.LoadCircuit(ctx, breaker.KindModel, "gpt"); !errors.Is(err, breaker.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	st := breaker.State{Key: "MKT-001:DEV", Failures: 2, LastError: "exit 1", LastFailureAt: base}
	if err := store.SaveCircuit(ctx, breaker.KindTaskRole, st); err != nil {
		t.Fatalf("SaveCircuit failed: %v", err)
	}
	st.Failures = 0
	st.OpenUntil = base.Add(30 * time.Minute)
	if err := store.SaveCircuit(ctx, breaker.KindTaskRole, st); err != nil {
		t.Fatalf("SaveCircuit failed: %v", err)
	}

	got, err := store.LoadCircuit(ctx, breaker.KindTaskRole, "MKT-001:DEV")
	if err != nil {
		t.Fatalf("LoadCircuit failed: %v", err)
	}
	if got.Failures != 0 || !got.OpenUntil.Equal(base.Add(30*time.Minute)) || got.LastError != "exit 1" {
		t.Errorf("unexpected circuit state: %+v", got)
	}

	// Kinds share the table but not the key space.
	if _, err := store.LoadCircuit(ctx, breaker.KindModel, "MKT-001:DEV"); !errors.Is(err, breaker.ErrNotFound) {
		t.Errorf("model kind should not see task_role row, got %v", err)
	}

	if err := store.SaveCircuit(ctx, breaker.KindTaskRole, breaker.State{Key: "A-1:QA", Failures: 1}); err != nil {
		t.Fatalf("SaveCircuit failed: %v", err)
	}
	list, err := store.ListCircuits(ctx, breaker.KindTaskRole)
	if err != nil {
		t.Fatalf("ListCircuits failed: %v", err)
	}
	if len(list) != 2 || list[0].Key != "A-1:QA" {
		t.Errorf("expected 2 circuits ordered by key, got %+v", list)
	}

	if err := store.DeleteCircuit(ctx, breaker.KindTaskRole, "A-1:QA"); err != nil {
		t.Fatalf("DeleteCircuit failed: %v", err)
	}
	list, _ = store.ListCircuits(ctx, breaker.KindTaskRole)
	if len(list) != 1 {
		t.Errorf("expected 1 circuit after delete, got %d", len(list))
	}
}

func TestBreaker_OverSQLite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	b := breaker.New(breaker.KindTaskRole, breaker.Settings{Threshold: 2, OpenFor: time.Hour}, store)
	b.SetClock(func() time.Time { return base })

	key := breaker.TaskRoleKey("mkt-001", "dev")
	if opened, err := b.RecordFailure(ctx, key, "first"); err != nil || opened {
		t.Fatalf("first failure: opened=%v err=%v", opened, err)
	}
	opened, err := b.RecordFailure(ctx, key, "second")
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if !opened {
		t.Fatal("expected breaker to open on threshold")
	}
	open, err := b.IsOpen(ctx, key)
	if err != nil {
		t.Fatalf("IsOpen failed: %v", err)
	}
	if !open {
		t.Error("breaker should read back open from SQLite")
	}
}

func TestSessions_SaveGetArchive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.SetClock(func() time.Time { return base.Add(time.Hour) })

	got, err := store.GetSession(ctx, "shop:DEV")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil session, got %+v", got)
	}

	sess := &agent.Session{Key: "shop:DEV", SessionID: "abc", Model: "sonnet", CallCount: 1, CreatedAt: base, UpdatedAt: base}
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	sess.CallCount = 2
	sess.SessionID = "def"
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err = store.GetSession(ctx, "shop:DEV")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil || got.SessionID != "def" || got.CallCount != 2 || !got.CreatedAt.Equal(base) {
		t.Fatalf("unexpected session %+v", got)
	}

	if err := store.ArchiveSession(ctx, got, agent.ReasonHardFailure); err != nil {
		t.Fatalf("ArchiveSession failed: %v", err)
	}
	got, err = store.GetSession(ctx, "shop:DEV")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Errorf("live session should be gone after archive, got %+v", got)
	}

	archived, err := store.ListArchivedSessions(ctx, "shop:DEV")
	if err != nil {
		t.Fatalf("ListArchivedSessions failed: %v", err)
	}
	if len(archived) != 1 {
		t.Fatalf("expected 1 archived session, got %d", len(archived))
	}
	a := archived[0]
	if a.Reason != agent.ReasonHardFailure || a.Session.SessionID != "def" || !a.ArchivedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("unexpected archive row %+v", a)
	}
}

func TestMessages_SinceCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	msgs := []backend.Message{
		{ID: "m2", ChatID: "c1", Sender: "ana", Content: "second", Timestamp: base.Add(2 * time.Second)},
		{ID: "m1", ChatID: "c1", Sender: "ana", Content: "first", Timestamp: base.Add(time.Second)},
		{ID: "m3", ChatID: "c2", Sender: "bo", Content: "elsewhere", Timestamp: base.Add(3 * time.Second)},
	}
	for _, m := range msgs {
		if err := store.StoreMessage(ctx, m); err != nil {
			t.Fatalf("StoreMessage failed: %v", err)
		}
	}
	// Duplicate delivery is ignored.
	if err := store.StoreMessage(ctx, msgs[0]); err != nil {
		t.Fatalf("StoreMessage duplicate failed: %v", err)
	}

	cursor, err := store.GetCursor(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	all, err := store.MessagesSince(ctx, "c1", cursor)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "m1" || all[1].ID != "m2" {
		t.Fatalf("expected [m1 m2], got %+v", all)
	}

	if err := store.SetCursor(ctx, "c1", all[0].Timestamp); err != nil {
		t.Fatalf("SetCursor failed: %v", err)
	}
	cursor, _ = store.GetCursor(ctx, "c1")
	rest, err := store.MessagesSince(ctx, "c1", cursor)
	if err != nil {
		t.Fatalf("MessagesSince failed: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "m2" {
		t.Errorf("expected [m2] after cursor advance, got %+v", rest)
	}

	// Rollback moves the cursor backwards.
	if err := store.SetCursor(ctx, "c1", time.Time{}); err != nil {
		t.Fatalf("SetCursor rollback failed: %v", err)
	}
	cursor, _ = store.GetCursor(ctx, "c1")
	if !cursor.IsZero() {
		t.Errorf("expected zero cursor after rollback, got %v", cursor)
	}
}

func TestSQLiteStore_ConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "concurrent.db")
	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.SaveLane(ctx, lanes.Snapshot{
				GroupFolder: "g",
				TaskID:      "T-1",
				Role:        lanes.Roles[i%len(lanes.Roles)],
				State:       lanes.StateWorking,
				UpdatedAt:   base,
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent SaveLane failed: %v", err)
		}
	}

	list, err := store.ListLanes(ctx, "g")
	if err != nil {
		t.Fatalf("ListLanes failed: %v", err)
	}
	if len(list) != len(lanes.Roles) {
		t.Errorf("expected %d lanes, got %d", len(lanes.Roles), len(list))
	}
}
