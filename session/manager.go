package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/penguiflow/penguiflow-go/internal/telemetry"
)

// TaskStore is the optional persistence seam for task transitions. A state
// store that doesn't satisfy it leaves the registry in-process only.
type TaskStore interface {
	SaveTaskState(ctx context.Context, task TaskState) error
	LoadTask(ctx context.Context, taskID string) (TaskState, bool, error)
}

// BackgroundTasksConfig bounds how many background tasks a session or the
// manager as a whole may run concurrently, and how long a spawned run may
// take before it's forcibly cancelled.
type BackgroundTasksConfig struct {
	MaxConcurrent  int
	MaxPerSession  int
	Timeout        time.Duration
	AllowSpawnFrom map[TaskType]bool // task types that may spawn background work; Spawn does not consult it
}

func (c BackgroundTasksConfig) withDefaults() BackgroundTasksConfig {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.MaxPerSession <= 0 {
		c.MaxPerSession = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	return c
}

// Runner executes one background task against a captured context snapshot
// and returns the ContextPatch to apply on completion.
type Runner func(ctx context.Context, snapshot Context) (ContextPatch, error)

type sessionEntry struct {
	fifo     chan struct{} // capacity 1, acts as a cancellable mutex
	ctx      Context
	ctxMu    sync.Mutex
	pendingApprovals map[string]ContextPatch
}

// Manager owns session-scoped serialization, the task registry, background
// task spawning, and context-patch application. One Manager instance is
// shared by every run in the process.
type Manager struct {
	store  TaskStore
	broker *Broker
	cfg    BackgroundTasksConfig
	logger telemetry.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	tasks    map[string]*TaskState
	byGroup  map[string][]string

	groupsMu sync.Mutex
	groups   map[string]*TaskGroup

	running sync.WaitGroup
	inflightBySession map[string]int
}

// NewManager constructs a Manager. store and broker may be nil.
func NewManager(store TaskStore, broker *Broker, cfg BackgroundTasksConfig, logger telemetry.Logger) *Manager {
	if broker == nil {
		broker = NewBroker(0)
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Manager{
		store:             store,
		broker:            broker,
		cfg:               cfg.withDefaults(),
		logger:            logger,
		sessions:          map[string]*sessionEntry{},
		tasks:             map[string]*TaskState{},
		byGroup:           map[string][]string{},
		groups:            map[string]*TaskGroup{},
		inflightBySession: map[string]int{},
	}
}

func (m *Manager) entry(sessionID string) *sessionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		e = &sessionEntry{fifo: make(chan struct{}, 1), ctx: NewContext(), pendingApprovals: map[string]ContextPatch{}}
		m.sessions[sessionID] = e
	}
	return e
}

// AcquireSession serializes runs addressed to the same session_id: it
// suspends until the session's FIFO slot is free or ctx is cancelled, and
// returns a release func the caller must call exactly once.
func (m *Manager) AcquireSession(ctx context.Context, sessionID string) (func(), error) {
	e := m.entry(sessionID)
	select {
	case e.fifo <- struct{}{}:
		return func() { <-e.fifo }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SessionContext returns the current Context for sessionID.
func (m *Manager) SessionContext(sessionID string) Context {
	e := m.entry(sessionID)
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	return e.ctx
}

// RegisterTask assigns a task_id and records the task as PENDING.
func (m *Manager) RegisterTask(ctx context.Context, sessionID string, typ TaskType, parentID, groupID string, priority int) *TaskState {
	t := &TaskState{
		TaskID:    uuid.NewString(),
		SessionID: sessionID,
		Type:      typ,
		Status:    StatusPending,
		ParentID:  parentID,
		GroupID:   groupID,
		Priority:  priority,
		StartedAt: time.Time{},
	}
	m.mu.Lock()
	m.tasks[t.TaskID] = t
	if groupID != "" {
		m.byGroup[groupID] = append(m.byGroup[groupID], t.TaskID)
	}
	m.mu.Unlock()
	m.persist(ctx, *t)
	return t
}

// Transition moves task to status if legal, persists it, and publishes a
// status_change update.
func (m *Manager) Transition(ctx context.Context, taskID string, status TaskStatus) error {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session: unknown task %q", taskID)
	}
	if !CanTransition(t.Status, status) {
		from := t.Status
		m.mu.Unlock()
		return fmt.Errorf("session: illegal transition %s -> %s for task %q", from, status, taskID)
	}
	t.Status = status
	if status == StatusRunning && t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	if IsTerminal(status) {
		t.FinishedAt = time.Now()
	}
	snapshot := *t
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.broker.Publish(Update{TaskID: taskID, Type: UpdateStatusChange, Payload: status, At: time.Now()})
	return nil
}

func (m *Manager) persist(ctx context.Context, t TaskState) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveTaskState(ctx, t); err != nil {
		m.logger.Warn(ctx, "failed to persist task state", "task_id", t.TaskID, "error", err)
	}
}

// GetTask returns the current TaskState for taskID.
func (m *Manager) GetTask(taskID string) (TaskState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

// ListByGroup returns every task registered under groupID.
func (m *Manager) ListByGroup(groupID string) []TaskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byGroup[groupID]
	out := make([]TaskState, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.tasks[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// Spawn validates, snapshots, forks, and registers a background task per the
// background task spawning algorithm. It returns immediately with the
// registered TaskState; run proceeds on its own goroutine.
func (m *Manager) Spawn(ctx context.Context, sessionID string, typ TaskType, depth ContextDepth, mergeStrategy MergeStrategy, groupID string, run Runner) (*TaskState, error) {
	if err := m.checkSpawnGuards(sessionID); err != nil {
		return nil, err
	}

	sess := m.entry(sessionID)
	sess.ctxMu.Lock()
	snapshot := Snapshot(sess.ctx, depth)
	sess.ctxMu.Unlock()

	t := m.RegisterTask(ctx, sessionID, typ, "", groupID, 0)
	if err := m.Transition(ctx, t.TaskID, StatusQueued); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.inflightBySession[sessionID]++
	m.mu.Unlock()
	m.running.Add(1)

	go m.runBackgroundTask(sessionID, t.TaskID, snapshot, mergeStrategy, run)

	return t, nil
}

func (m *Manager) checkSpawnGuards(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflightBySession[sessionID] >= m.cfg.MaxPerSession {
		return fmt.Errorf("session: max_per_session background task limit reached for %q", sessionID)
	}
	total := 0
	for _, n := range m.inflightBySession {
		total += n
	}
	if total >= m.cfg.MaxConcurrent {
		return fmt.Errorf("session: max_concurrent background task limit reached")
	}
	return nil
}

func (m *Manager) runBackgroundTask(sessionID, taskID string, snapshot Context, mergeStrategy MergeStrategy, run Runner) {
	defer m.running.Done()
	defer func() {
		m.mu.Lock()
		m.inflightBySession[sessionID]--
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	if err := m.Transition(ctx, taskID, StatusRunning); err != nil {
		m.logger.Warn(ctx, "background task failed to start", "task_id", taskID, "error", err)
		return
	}

	patch, err := run(ctx, snapshot)
	if err != nil {
		_ = m.Transition(ctx, taskID, StatusFailed)
		m.broker.Publish(Update{TaskID: taskID, Type: UpdateError, Payload: err, At: time.Now()})
		return
	}
	patch.TaskID = taskID
	patch.MergeStrategy = mergeStrategy
	patch.SourceVersion = snapshot.Version
	patch.SourceHash = snapshot.Hash

	if err := m.ApplyPatch(ctx, sessionID, patch); err != nil {
		_ = m.Transition(ctx, taskID, StatusFailed)
		m.broker.Publish(Update{TaskID: taskID, Type: UpdateError, Payload: err, At: time.Now()})
		return
	}
	_ = m.Transition(ctx, taskID, StatusComplete)
	m.broker.Publish(Update{TaskID: taskID, Type: UpdateResult, Payload: patch, At: time.Now()})
}

// ApplyPatch applies patch to sessionID's Context. HUMAN_GATED patches are
// held in pending approvals and must be resolved via ResolveApproval.
func (m *Manager) ApplyPatch(ctx context.Context, sessionID string, patch ContextPatch) error {
	sess := m.entry(sessionID)
	sess.ctxMu.Lock()
	defer sess.ctxMu.Unlock()

	if patch.MergeStrategy == MergeHumanGated {
		sess.pendingApprovals[patch.TaskID] = patch
		m.broker.Publish(Update{TaskID: patch.TaskID, Type: UpdateStatusChange, Payload: "awaiting_approval", At: time.Now()})
		return nil
	}

	sess.ctx = ApplyPatch(sess.ctx, patch)
	return nil
}

// ResolveApproval resolves a HUMAN_GATED patch previously staged by
// ApplyPatch. approve=false discards the patch without mutating Context.
func (m *Manager) ResolveApproval(sessionID, taskID string, approve bool, fallback MergeStrategy) error {
	sess := m.entry(sessionID)
	sess.ctxMu.Lock()
	defer sess.ctxMu.Unlock()

	patch, ok := sess.pendingApprovals[taskID]
	if !ok {
		return fmt.Errorf("session: no pending approval for task %q", taskID)
	}
	delete(sess.pendingApprovals, taskID)
	if !approve {
		return nil
	}
	patch.MergeStrategy = fallback
	sess.ctx = ApplyPatch(sess.ctx, patch)
	return nil
}

// CreateGroup registers a new task group.
func (m *Manager) CreateGroup(sessionID, groupID string, policy GroupCompletionPolicy, propagation CancelPropagation) *TaskGroup {
	g := &TaskGroup{GroupID: groupID, SessionID: sessionID, Status: GroupOpen, CompletionPolicy: policy, PropagateOnCancel: propagation}
	m.groupsMu.Lock()
	m.groups[groupID] = g
	m.groupsMu.Unlock()
	return g
}

// SealGroup marks a group sealed: no further members will be added, and its
// completion can now be evaluated.
func (m *Manager) SealGroup(groupID string) {
	m.groupsMu.Lock()
	defer m.groupsMu.Unlock()
	if g, ok := m.groups[groupID]; ok {
		g.Status = GroupSealed
	}
}

// EvaluateGroup checks the group's member statuses against its completion
// policy and updates the group's own status if the policy is satisfied.
func (m *Manager) EvaluateGroup(groupID string) GroupStatus {
	m.groupsMu.Lock()
	g, ok := m.groups[groupID]
	m.groupsMu.Unlock()
	if !ok {
		return ""
	}
	members := m.ListByGroup(groupID)
	var complete, failed, total int
	for _, t := range members {
		total++
		switch t.Status {
		case StatusComplete:
			complete++
		case StatusFailed, StatusCancelled:
			failed++
		}
	}

	m.groupsMu.Lock()
	defer m.groupsMu.Unlock()
	if g.Status != GroupSealed {
		return g.Status
	}
	switch g.CompletionPolicy {
	case PolicyAll:
		if complete+failed == total && total > 0 {
			g.Status = pickStatus(complete, failed)
		}
	case PolicyAny:
		if complete > 0 {
			g.Status = GroupComplete
		} else if failed == total && total > 0 {
			g.Status = GroupFailed
		}
	case PolicyNone:
		g.Status = GroupComplete
	}
	return g.Status
}

func pickStatus(complete, failed int) GroupStatus {
	if failed > 0 && complete == 0 {
		return GroupFailed
	}
	return GroupComplete
}

// CancelGroup cancels groupID per its PropagateOnCancel setting.
// PropagateCascade cancels every non-terminal member along with the group.
// PropagateIsolate only marks the group's own bookkeeping as failed; member
// tasks keep running untouched.
func (m *Manager) CancelGroup(ctx context.Context, groupID string) {
	m.groupsMu.Lock()
	g, ok := m.groups[groupID]
	propagation := PropagateCascade
	if ok {
		propagation = g.PropagateOnCancel
		g.Status = GroupFailed
	}
	m.groupsMu.Unlock()

	if propagation == PropagateIsolate {
		return
	}
	for _, t := range m.ListByGroup(groupID) {
		if !IsTerminal(t.Status) {
			_ = m.Transition(ctx, t.TaskID, StatusCancelled)
		}
	}
}

// Wait blocks until every background task spawned through this Manager has
// finished. Intended for tests and graceful shutdown.
func (m *Manager) Wait() {
	m.running.Wait()
}
