package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aristath/teamlead/internal/agent"
	"github.com/aristath/teamlead/internal/backend"
	"github.com/aristath/teamlead/internal/backlog"
	"github.com/aristath/teamlead/internal/config"
	"github.com/aristath/teamlead/internal/events"
	"github.com/aristath/teamlead/internal/lanes"
	"github.com/aristath/teamlead/internal/scheduler"
	"github.com/aristath/teamlead/internal/status"
	"github.com/aristath/teamlead/internal/trace"
	"github.com/aristath/teamlead/internal/validation"
	"github.com/aristath/teamlead/internal/workflow"
)

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Config   *config.Config
	Messages MessageSource
	Cursors  CursorStore
	Workflow *workflow.Machine
	Lanes    *lanes.Manager
	Runner   *agent.Runner
	Worker   backend.Worker // Used for CloseInput when it implements backend.InputCloser
	Circuits *CircuitHandler
	Recovery *Recovery
	Channel  Channel
	Status   *status.Writer
	Metrics  *status.Metrics
	Bus      *events.EventBus
	Locks    *scheduler.KeyedMutex
	Logger   *slog.Logger
}

// Pipeline runs one processing cycle per chat: Setup, Preflight, Timers,
// Execution and Cleanup.
type Pipeline struct {
	Deps
	chain *validation.Chain
	now   func() time.Time

	mu            sync.Mutex
	instructions  map[string][]string // chat -> queued corrective instructions
	batchOverride map[string]int      // chat -> batch cap for the next cycle only
	deferred      map[string][]string // chat -> task IDs left over by the batch cap
}

// NewPipeline wires a Pipeline. The validation chain reports failures
// through d.Circuits.
func NewPipeline(d Deps) *Pipeline {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Locks == nil {
		d.Locks = scheduler.NewKeyedMutex()
	}
	env := validation.Env{
		DatabaseConfigured:      d.Config.Validation.DatabaseConfigured,
		DurableTunnelConfigured: d.Config.Validation.DurableTunnel,
	}
	return &Pipeline{
		Deps:          d,
		chain:         validation.NewChain(env, d.Circuits, d.Metrics, d.Bus, d.Logger),
		now:           time.Now,
		instructions:  make(map[string][]string),
		batchOverride: make(map[string]int),
		deferred:      make(map[string][]string),
	}
}

// SetClock replaces the time source. Intended for tests.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// cycle is the state carried through the phases of one run.
type cycle struct {
	tr       trace.Trace
	group    config.GroupConfig
	messages []backend.Message
	cursor   time.Time

	role       lanes.Role
	taskIDs    []string
	deferred   []string
	blocked    []string
	frontend   map[string]bool
	prompt     string
	sessionKey string
	start      time.Time

	previousCursor   time.Time
	timers           *cycleTimers
	outputSentToUser bool
	contractFailures []string
	questions        []string
	output           strings.Builder // raw worker text for the whole cycle
	result           agent.Result
}

func (c *cycle) chatID() string { return c.group.ChatID }
func (c *cycle) folder() string { return c.group.Folder }

func (c *cycle) firstTask() string {
	if len(c.taskIDs) == 0 {
		return ""
	}
	return c.taskIDs[0]
}

// cleanupTimeout bounds the store writes made after a cycle ends.
const cleanupTimeout = 30 * time.Second

// ProcessChat runs one cycle for group if it has unread messages. It
// returns nil when there was nothing to do.
func (p *Pipeline) ProcessChat(ctx context.Context, group config.GroupConfig) error {
	c, err := p.setup(ctx, group)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	if err := p.preflight(ctx, c); err != nil {
		return err
	}
	if err := p.arm(ctx, c); err != nil {
		return err
	}
	runErr := p.execute(ctx, c)

	// Cleanup must reach the stores even when ctx was cancelled mid-run.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	return p.cleanup(cctx, c, runErr)
}

// QueueInstruction adds text to the instructions prepended to the chat's
// next prompt.
func (p *Pipeline) QueueInstruction(chatID, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.instructions[chatID] {
		if existing == text {
			return
		}
	}
	p.instructions[chatID] = append(p.instructions[chatID], text)
}

func (p *Pipeline) drainInstructions(chatID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.instructions[chatID]
	delete(p.instructions, chatID)
	return out
}

// batchLimit returns the cap for this cycle, consuming any one-shot
// override.
func (p *Pipeline) batchLimit(chatID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.batchOverride[chatID]; ok {
		delete(p.batchOverride, chatID)
		return n
	}
	if p.Config.MicroBatchMax > 0 {
		return p.Config.MicroBatchMax
	}
	return 1
}

// ---------------------------------------------------------------------------
// Setup

func (p *Pipeline) setup(ctx context.Context, group config.GroupConfig) (*cycle, error) {
	cursor, err := p.Cursors.GetCursor(ctx, group.ChatID)
	if err != nil {
		return nil, fmt.Errorf("reading cursor for %s: %w", group.ChatID, err)
	}
	msgs, err := p.Messages.MessagesSince(ctx, group.ChatID, cursor)
	if err != nil {
		return nil, fmt.Errorf("reading messages for %s: %w", group.ChatID, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	c := &cycle{
		tr:       trace.New(group.Folder),
		group:    group,
		messages: msgs,
		cursor:   cursor,
		frontend: make(map[string]bool),
		start:    p.now(),
	}
	log := c.tr.Logger(p.Logger)
	backlogPath := p.Lanes.BacklogPath(group.Folder)

	p.withGroupLock(group.Folder, func() {
		if changed, err := backlog.NormalizeFile(backlogPath); err != nil {
			log.Warn("backlog normalize failed", "error", err)
		} else if changed {
			log.Info("backlog normalized")
		}
	})

	if !triggered(group, msgs) {
		log.Debug("no trigger in pending messages, skipping", "messages", len(msgs))
		return nil, nil
	}

	text := joinMessages(msgs)
	ids := p.takeDeferred(group.ChatID)
	ids = appendUnique(ids, workflow.ExtractTaskIDs(text)...)

	var doc *backlog.Document
	p.withGroupLock(group.Folder, func() {
		if len(ids) > 0 {
			added, err := backlog.TrackFile(backlogPath, ids)
			if err != nil {
				log.Warn("backlog auto-track failed", "error", err)
			} else if len(added) > 0 {
				log.Info("tasks added to backlog", "tasks", added)
			}
		}
		doc, err = backlog.Load(backlogPath)
	})
	if err != nil {
		log.Warn("backlog load failed", "error", err)
		doc = &backlog.Document{}
	}

	eval := scheduler.EvaluateDag(doc.DagTasks())
	cyclic := make(map[string]bool, len(eval.Cycles))
	for _, t := range eval.Cycles {
		cyclic[t.ID] = true
	}
	var acyclic []string
	for _, id := range ids {
		if cyclic[id] {
			log.Warn("task is part of a dependency cycle, skipping", "task_id", id)
			continue
		}
		acyclic = append(acyclic, id)
	}

	kept, frozen := backlog.Freeze{
		Prefix:     p.Config.Freeze.Prefix,
		ActiveTask: p.Config.Freeze.ActiveTask,
	}.Apply(acyclic)
	if len(frozen) > 0 {
		log.Info("tasks held by backlog freeze", "tasks", frozen)
	}

	if limit := p.batchLimit(group.ChatID); len(kept) > limit {
		c.deferred = kept[limit:]
		kept = kept[:limit]
		p.setDeferred(group.ChatID, c.deferred)
		log.Info("micro-batch capped", "limit", limit, "deferred", c.deferred)
	}
	c.taskIDs = kept

	for _, id := range c.taskIDs {
		if b := doc.Find(id); b != nil {
			c.frontend[id] = b.Frontend()
		}
	}

	c.role = p.pickRole(ctx, c, text)
	if c.role == lanes.RoleDev || c.role == lanes.RoleDev2 {
		if err := p.gateDev(ctx, c); err != nil {
			return nil, err
		}
	}
	if len(c.taskIDs) > 0 {
		c.tr = c.tr.WithTask(c.firstTask())
	}
	c.sessionKey = group.Folder + ":" + string(c.role)
	c.prompt = p.buildPrompt(c)

	log.Info("cycle set up",
		"role", c.role,
		"tasks", c.taskIDs,
		"messages", len(msgs))
	return c, nil
}

func (p *Pipeline) withGroupLock(group string, fn func()) {
	release := p.Locks.Acquire(group)
	defer release()
	fn()
}

func (p *Pipeline) takeDeferred(chatID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := p.deferred[chatID]
	delete(p.deferred, chatID)
	return ids
}

func (p *Pipeline) setDeferred(chatID string, ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deferred[chatID] = append([]string(nil), ids...)
}

func triggered(group config.GroupConfig, msgs []backend.Message) bool {
	if group.Main || !group.RequiresTrigger {
		return true
	}
	trigger := strings.ToLower(strings.TrimSpace(group.Trigger))
	if trigger == "" {
		trigger = "@teamlead"
	}
	for _, m := range msgs {
		if strings.Contains(strings.ToLower(m.Content), trigger) {
			return true
		}
	}
	return false
}

func joinMessages(msgs []backend.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

func appendUnique(dst []string, ids ...string) []string {
	for _, id := range ids {
		dup := false
		for _, have := range dst {
			if have == id {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, id)
		}
	}
	return dst
}

var (
	explicitRoleRe = regexp.MustCompile(`(?i)\b(?:ROLE|ROL)\s*[:=]\s*([A-Z0-9]+)`)

	// stageHints are checked in order; the first match wins.
	stageHints = []struct {
		role lanes.Role
		re   *regexp.Regexp
	}{
		{lanes.RoleDevops, regexp.MustCompile(`(?i)\b(deploy\w*|despleg\w*|desplieg\w*|devops|infra\w*|docker|ci/cd)\b`)},
		{lanes.RoleQA, regexp.MustCompile(`(?i)\b(qa|testing|tests?|pruebas?|verifica\w*)\b`)},
		{lanes.RoleUX, regexp.MustCompile(`(?i)\b(ux|ui|dise[nñ]o|design|wireframes?|mockups?)\b`)},
		{lanes.RoleArq, regexp.MustCompile(`(?i)\b(arquitectura|architecture|arq)\b`)},
		{lanes.RoleSpec, regexp.MustCompile(`(?i)\b(spec|specs|especifica\w*|requisitos|requirements)\b`)},
		{lanes.RoleDev, regexp.MustCompile(`(?i)\b(implementa\w*|implement\w*|code|bug|fix|desarroll\w*)\b`)},
		{lanes.RolePM, regexp.MustCompile(`(?i)\b(prioriza\w*|backlog|roadmap|planifica\w*)\b`)},
	}
)

// stageHint infers the role from the message text.
func stageHint(text string) (lanes.Role, bool) {
	if m := explicitRoleRe.FindStringSubmatch(text); m != nil {
		if r, ok := lanes.ParseRole(m[1]); ok {
			return r, true
		}
	}
	for _, h := range stageHints {
		if h.re.MatchString(text) {
			return h.role, true
		}
	}
	return "", false
}

// pickRole uses the text hint, else the stage of the first task.
func (p *Pipeline) pickRole(ctx context.Context, c *cycle, text string) lanes.Role {
	if r, ok := stageHint(text); ok {
		return r
	}
	if len(c.taskIDs) == 0 {
		return lanes.RolePM
	}
	task, err := p.Workflow.Get(ctx, c.folder(), c.firstTask())
	if err != nil {
		return lanes.RolePM
	}
	switch task.Stage {
	case workflow.StageSpec:
		return lanes.RoleSpec
	case workflow.StageDev:
		return lanes.RoleDev
	case workflow.StageQA, workflow.StageDone:
		return lanes.RoleQA
	default:
		return lanes.RolePM
	}
}

// gateDev redirects a DEV cycle to the first missing prerequisite role and
// parks the DEV lane of every unready task as waiting on it.
func (p *Pipeline) gateDev(ctx context.Context, c *cycle) error {
	var redirect lanes.Role
	for _, id := range c.taskIDs {
		ready, missing, err := p.Lanes.IsArchitectureReadyForDev(ctx, c.folder(), id, c.frontend[id])
		if err != nil {
			return err
		}
		if ready {
			continue
		}
		if _, err := p.Lanes.SetLaneState(ctx, c.folder(), lanes.Update{
			TaskID:     id,
			Role:       c.role,
			Next:       lanes.StateWaiting,
			Detail:     "waiting for " + string(missing),
			Dependency: string(missing),
		}); err != nil {
			return err
		}
		if redirect == "" {
			redirect = missing
		}
	}
	if redirect != "" {
		c.tr.Logger(p.Logger).Info("dev not ready, redirecting", "from", c.role, "to", redirect)
		c.role = redirect
	}
	return nil
}

func (p *Pipeline) buildPrompt(c *cycle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[ROL: %s]\n", c.role)
	name := c.group.Name
	if name == "" {
		name = c.group.Folder
	}
	fmt.Fprintf(&b, "Grupo: %s\n", name)
	if len(c.taskIDs) > 0 {
		fmt.Fprintf(&b, "Tareas: %s\n", strings.Join(c.taskIDs, ", "))
	} else {
		b.WriteString("Tareas: (ninguna detectada)\n")
	}
	if len(c.deferred) > 0 {
		fmt.Fprintf(&b, "Diferidas para próximos ciclos: %s\n", strings.Join(c.deferred, ", "))
	}
	if pending := p.drainInstructions(c.chatID()); len(pending) > 0 {
		b.WriteString("\nInstrucciones pendientes:\n")
		for _, in := range pending {
			fmt.Fprintf(&b, "- %s\n", in)
		}
	}
	b.WriteString("\n<messages>\n")
	for _, m := range c.messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.UTC().Format(time.RFC3339), m.Sender, m.Content)
	}
	b.WriteString("</messages>\n")
	return b.String()
}

// ---------------------------------------------------------------------------
// Preflight

func (p *Pipeline) preflight(ctx context.Context, c *cycle) error {
	log := c.tr.Logger(p.Logger)

	created, err := p.Workflow.EnsureWorkflowTasks(ctx, c.folder(), c.taskIDs)
	if err != nil {
		return err
	}
	if len(created) > 0 {
		log.Info("workflow tasks created", "tasks", created)
	}
	for _, id := range c.taskIDs {
		if err := p.Lanes.EnsureTask(ctx, c.folder(), id); err != nil {
			return err
		}
	}
	p.Metrics.Inc(c.folder(), status.RequestsStarted)

	newest := c.messages[len(c.messages)-1].Content
	for _, id := range c.taskIDs {
		task, err := p.Workflow.Get(ctx, c.folder(), id)
		if err != nil {
			return err
		}
		switch {
		case len(task.PendingQuestions) > 0:
			if _, err := p.Workflow.ResolveTaskQuestions(ctx, c.folder(), id, newest); err != nil {
				return err
			}
			log.Info("pending questions resolved from chat", "task_id", id)
		case task.Stage == workflow.StageBlocked:
			open, err := p.Circuits.IsOpen(ctx, id, string(c.role))
			if err != nil {
				return err
			}
			if open {
				continue
			}
			if _, err := p.Workflow.ResolveTaskQuestions(ctx, c.folder(), id, ""); err != nil {
				return err
			}
			log.Info("circuit closed, task unblocked", "task_id", id)
		}
	}

	p.writeStatus(c, status.Working, "dispatching")
	return nil
}

// ---------------------------------------------------------------------------
// Timers

// arm commits the cursor past the consumed messages and starts the cycle
// timers.
func (p *Pipeline) arm(ctx context.Context, c *cycle) error {
	log := c.tr.Logger(p.Logger)

	c.previousCursor = c.cursor
	last := c.messages[len(c.messages)-1].Timestamp
	if err := p.Cursors.SetCursor(ctx, c.chatID(), last); err != nil {
		return fmt.Errorf("advancing cursor for %s: %w", c.chatID(), err)
	}

	// Timer callbacks run on their own goroutines and must not read fields
	// that execute rewrites.
	t := p.Config.Timers
	key := c.sessionKey
	snapshot := status.Status{
		Group:   c.folder(),
		Role:    string(c.role),
		Tasks:   append([]string(nil), c.taskIDs...),
		TraceID: c.tr.ID,
	}
	c.timers = startTimers(t.Idle, t.Heartbeat, t.IdleGrace,
		func() {
			if closer, ok := p.Worker.(backend.InputCloser); ok && closer.CloseInput(key) {
				log.Info("worker idle, closing input", "session_key", key, "idle", t.Idle)
			}
		},
		func() {
			s := snapshot
			s.Activity, s.Detail = status.Idle, "awaiting output"
			p.Status.Write(s)
		},
		func() {
			s := snapshot
			s.Activity, s.Detail = status.Working, "working"
			p.Status.Write(s)
		},
	)

	if err := p.Channel.SetTyping(ctx, c.chatID(), true); err != nil {
		log.Debug("typing indicator failed", "error", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Execution

func (p *Pipeline) execute(ctx context.Context, c *cycle) error {
	role := string(c.role)

	var dispatch []string
	for _, id := range c.taskIDs {
		blocked, err := p.Circuits.CheckCircuitBeforeDispatch(ctx, c.tr, c.folder(), c.chatID(), id, role)
		if err != nil {
			return fmt.Errorf("checking circuit for %s: %w", id, err)
		}
		if blocked {
			c.blocked = append(c.blocked, id)
			continue
		}
		dispatch = append(dispatch, id)
	}
	if len(c.taskIDs) > 0 && len(dispatch) == 0 {
		return &agent.DispatchError{
			Kind: agent.KindCircuitOpen,
			Err:  fmt.Errorf("%w: every task in scope is blocked for %s", agent.ErrCircuitOpen, role),
		}
	}
	c.taskIDs = dispatch

	for _, id := range c.taskIDs {
		if _, err := p.Lanes.SetLaneState(ctx, c.folder(), lanes.Update{
			TaskID: id,
			Role:   c.role,
			Next:   lanes.StateWorking,
			Detail: "dispatched",
		}); err != nil {
			return err
		}
	}

	p.Bus.Publish(events.TopicCycle, events.CycleStartedEvent{
		TraceID:   c.tr.ID,
		Group:     c.folder(),
		ChatID:    c.chatID(),
		Role:      role,
		Tasks:     c.taskIDs,
		Timestamp: p.now(),
	})

	res, err := p.Runner.Run(ctx, c.tr, agent.Request{
		Group:      c.folder(),
		ChatID:     c.chatID(),
		Role:       role,
		TaskIDs:    c.taskIDs,
		Prompt:     c.prompt,
		SessionKey: c.sessionKey,
		OnOutput:   func(out backend.Output) { p.onOutput(ctx, c, out) },
	})
	c.result = res
	if err != nil {
		// A shutdown is not the role's fault.
		if ctx.Err() == nil {
			switch agent.KindOf(err) {
			case agent.KindTransient, agent.KindPermanent:
				p.Circuits.RecordAgentFailure(context.WithoutCancel(ctx), c.tr, c.taskIDs, role, err.Error())
			}
		}
		return err
	}

	p.validate(ctx, c)
	if len(c.contractFailures) > 0 {
		return &agent.DispatchError{
			Kind:  agent.KindContract,
			Model: res.Model,
			Err:   fmt.Errorf("claim validation failed: %s", strings.Join(c.contractFailures, ", ")),
		}
	}
	p.Circuits.RecordAgentSuccess(ctx, c.tr, c.taskIDs, role)

	if len(c.questions) > 0 {
		for _, id := range c.taskIDs {
			if _, err := p.Workflow.AddPendingQuestions(ctx, c.folder(), id, c.questions); err != nil {
				return err
			}
		}
	}
	return nil
}

var (
	internalRe = regexp.MustCompile(`(?s)<internal>.*?</internal>`)
	questionRe = regexp.MustCompile(`(?im)^\s*(?:QUESTION|PREGUNTA)\s*:\s*(.+?)\s*$`)
)

func stripInternal(text string) string {
	return strings.TrimSpace(internalRe.ReplaceAllString(text, ""))
}

func extractQuestions(text string) []string {
	var out []string
	for _, m := range questionRe.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// Corrective instructions queued by validation nudges.
var nudgeInstructions = map[string]string{
	"status_line_contract_failed":  "Tu último reporte no cumplió el contrato de STATUS: incluye TASK y ROLE, y con STATUS=deployed una URL_PUBLIC pública (no localhost).",
	"deploy_claim_contract_failed": "El despliegue reportado usa un túnel temporal. Usa el túnel durable configurado y reporta su URL pública.",
}

const autoHealInstruction = "La sesión anterior falló varias veces seguidas. Reinicia con un lote pequeño: trabaja una sola tarea y reporta STATUS al terminar."

// onOutput delivers one streamed chunk. Runner.Run calls it synchronously.
func (p *Pipeline) onOutput(ctx context.Context, c *cycle, out backend.Output) {
	c.timers.Touch()
	p.Bus.Publish(events.TopicAgent, events.AgentOutputEvent{
		Group:     c.folder(),
		Role:      string(c.role),
		Task:      c.firstTask(),
		Line:      out.Text,
		Timestamp: p.now(),
	})

	if c.output.Len() > 0 {
		c.output.WriteByte('\n')
	}
	c.output.WriteString(out.Text)

	text := stripInternal(out.Text)
	if text == "" {
		return
	}
	if err := p.Channel.SendMessage(ctx, c.chatID(), text); err != nil {
		c.tr.Logger(p.Logger).Warn("delivering worker output failed", "error", err)
	} else {
		c.outputSentToUser = true
	}
}

// validate runs the claim chain over everything the worker said this
// cycle, so each claim fails at most once per cycle.
func (p *Pipeline) validate(ctx context.Context, c *cycle) {
	text := stripInternal(c.output.String())
	if text == "" {
		return
	}
	report := p.chain.Run(ctx, c.tr, validation.Scope{
		Group:   c.folder(),
		TaskIDs: c.taskIDs,
		Role:    string(c.role),
	}, text, func(reason string) {
		instr, ok := nudgeInstructions[reason]
		if !ok {
			instr = "Corrige el contrato de salida: " + reason
		}
		p.QueueInstruction(c.chatID(), instr)
	})
	c.contractFailures = append(c.contractFailures, report.Failed()...)
	c.questions = appendUnique(c.questions, extractQuestions(text)...)
}

// ---------------------------------------------------------------------------
// Cleanup

func (p *Pipeline) cleanup(ctx context.Context, c *cycle, runErr error) error {
	if c.timers != nil {
		c.timers.Stop()
	}
	log := c.tr.Logger(p.Logger)
	if err := p.Channel.SetTyping(ctx, c.chatID(), false); err != nil {
		log.Debug("typing indicator failed", "error", err)
	}
	duration := p.now().Sub(c.start)

	if runErr != nil {
		return p.fail(ctx, c, runErr, duration)
	}

	p.Recovery.Clear(c.chatID())

	next, detail := lanes.StateDone, "completed"
	if len(c.questions) > 0 {
		next, detail = lanes.StateWaiting, "waiting for answers"
	}
	for _, id := range c.taskIDs {
		if _, err := p.Lanes.SetLaneState(ctx, c.folder(), lanes.Update{
			TaskID:  id,
			Role:    c.role,
			Next:    next,
			Detail:  detail,
			Summary: truncate(stripInternal(c.output.String()), 2000),
		}); err != nil {
			return err
		}
		if next != lanes.StateDone {
			continue
		}
		if _, err := p.Workflow.AdvanceForRole(ctx, c.folder(), id, string(c.role), string(c.role)+" completed"); err != nil {
			return err
		}
		if wrote, err := p.Lanes.MaybeWriteTeamleadSummary(ctx, c.folder(), id, c.frontend[id]); err != nil {
			log.Warn("teamlead summary failed", "task_id", id, "error", err)
		} else if wrote {
			log.Info("teamlead summary written", "task_id", id)
		}
	}

	p.Metrics.Inc(c.folder(), status.RequestsSucceeded)
	p.writeStatus(c, status.Idle, detail)
	p.Bus.Publish(events.TopicCycle, events.CycleCompletedEvent{
		TraceID:   c.tr.ID,
		Group:     c.folder(),
		Role:      string(c.role),
		Tasks:     c.taskIDs,
		Model:     c.result.Model,
		Duration:  duration,
		Timestamp: p.now(),
	})
	log.Info("cycle completed", "role", c.role, "model", c.result.Model, "duration", duration)
	return nil
}

// fail is the single error branch. Delivered output is never rolled back.
func (p *Pipeline) fail(ctx context.Context, c *cycle, runErr error, duration time.Duration) error {
	log := c.tr.Logger(p.Logger)
	p.Metrics.Inc(c.folder(), status.RequestsFailed)

	for _, id := range c.taskIDs {
		if _, err := p.Lanes.SetLaneState(ctx, c.folder(), lanes.Update{
			TaskID: id,
			Role:   c.role,
			Next:   lanes.StateError,
			Detail: truncate(runErr.Error(), 300),
		}); err != nil {
			log.Error("marking lane error", "task_id", id, "error", err)
		}
		if _, err := p.Workflow.RecordError(ctx, c.folder(), id, runErr.Error()); err != nil {
			log.Error("recording workflow error", "task_id", id, "error", err)
		}
	}

	rolledBack := false
	var rollbackErr error
	if c.outputSentToUser {
		log.Warn("cycle failed after output was delivered, keeping cursor", "error", runErr)
	} else {
		if p.Recovery.HandleFailure(ctx, c.tr, c.chatID(), runErr) {
			p.autoHeal(ctx, c)
		}
		if err := p.Cursors.SetCursor(ctx, c.chatID(), c.previousCursor); err != nil {
			rollbackErr = fmt.Errorf("rolling back cursor for %s: %w", c.chatID(), err)
			log.Error("cursor rollback failed", "error", err)
		} else {
			rolledBack = true
			p.Metrics.Inc(c.folder(), status.CursorRollbacks)
			log.Warn("cursor rolled back", "action", "cursor_rollback", "cursor", c.previousCursor)
		}
	}

	p.writeStatus(c, status.Failed, truncate(runErr.Error(), 300))
	p.Bus.Publish(events.TopicCycle, events.CycleFailedEvent{
		TraceID:    c.tr.ID,
		Group:      c.folder(),
		Role:       string(c.role),
		Tasks:      c.taskIDs,
		Err:        runErr,
		RolledBack: rolledBack,
		Duration:   duration,
		Timestamp:  p.now(),
	})
	return errors.Join(fmt.Errorf("cycle for %s: %w", c.folder(), runErr), rollbackErr)
}

// autoHeal resets the role session, closes any running input and makes the
// next cycle a single-task batch with a restart instruction.
func (p *Pipeline) autoHeal(ctx context.Context, c *cycle) {
	log := c.tr.Logger(p.Logger)
	log.Warn("error streak reached threshold, auto-healing",
		"action", "auto_heal",
		"session_key", c.sessionKey,
		"threshold", p.Config.Recovery.StreakThreshold)
	p.Metrics.Inc(c.folder(), status.AutoHeals)

	if err := p.Runner.ResetSession(ctx, c.tr, c.sessionKey, agent.ReasonAutoHeal); err != nil {
		log.Error("auto-heal session reset failed", "error", err)
	}
	if closer, ok := p.Worker.(backend.InputCloser); ok {
		closer.CloseInput(c.sessionKey)
	}
	p.QueueInstruction(c.chatID(), autoHealInstruction)

	p.mu.Lock()
	p.batchOverride[c.chatID()] = 1
	p.mu.Unlock()

	msg := "🔄 Varios errores seguidos: reinicio la sesión y retomo con un lote pequeño."
	if err := p.Channel.SendMessage(ctx, c.chatID(), msg); err != nil {
		log.Warn("auto-heal notice failed", "error", err)
	}
}

func (p *Pipeline) writeStatus(c *cycle, activity status.Activity, detail string) {
	p.Status.Write(status.Status{
		Group:    c.folder(),
		Activity: activity,
		Role:     string(c.role),
		Tasks:    c.taskIDs,
		Detail:   detail,
		TraceID:  c.tr.ID,
	})
}
