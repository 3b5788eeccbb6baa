// Package memory implements per-session short-term conversation memory: a
// bounded full zone of recent turns plus an optional rolling prose summary
// of everything older, kept current by a background summarizer that never
// blocks the hot add_turn/get_context path.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/penguiflow/penguiflow-go/internal/backoff"
	"github.com/penguiflow/penguiflow-go/internal/telemetry"
	"github.com/penguiflow/penguiflow-go/planner"
)

// Strategy selects how older turns are folded out of the full zone.
type Strategy string

const (
	StrategyNone           Strategy = "none"
	StrategyTruncation     Strategy = "truncation"
	StrategyRollingSummary Strategy = "rolling_summary"
)

// HealthState is the summarizer's failure state machine.
type HealthState string

const (
	Healthy     HealthState = "HEALTHY"
	Retry       HealthState = "RETRY"
	Degraded    HealthState = "DEGRADED"
	Recovering  HealthState = "RECOVERING"
)

// Key identifies one memory instance. Cross-key reads are never served.
type Key struct {
	Tenant  string
	User    string
	Session string
}

func (k Key) String() string { return fmt.Sprintf("%s/%s/%s", k.Tenant, k.User, k.Session) }

// Store is the optional persistence seam. A state store that doesn't satisfy
// it (duck-typed, checked with a type assertion) leaves memory in-process
// only.
type Store interface {
	SaveMemoryState(ctx context.Context, key string, state []byte) error
	LoadMemoryState(ctx context.Context, key string) ([]byte, error)
}

// Config parameterizes one Memory instance.
type Config struct {
	Strategy Strategy

	FullZoneTurns     int
	SummaryMaxTokens  int
	TokenEstimator    func(string) int

	RetryAttempts         int
	RetryBackoff          backoff.Config
	DegradedRetryInterval time.Duration
	RecoveryBacklogLimit  int
}

func (c Config) withDefaults() Config {
	if c.FullZoneTurns <= 0 {
		c.FullZoneTurns = 8
	}
	if c.SummaryMaxTokens <= 0 {
		c.SummaryMaxTokens = 512
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.DegradedRetryInterval <= 0 {
		c.DegradedRetryInterval = 30 * time.Second
	}
	if c.RecoveryBacklogLimit <= 0 {
		c.RecoveryBacklogLimit = 64
	}
	return c
}

func (c Config) estimate(s string) int {
	if c.TokenEstimator != nil {
		return c.TokenEstimator(s)
	}
	return len(s)/4 + 1
}

// Context is the atomic snapshot returned by GetContext.
type Context struct {
	Summary  string
	FullZone []planner.ConversationTurn
}

// Memory holds one session's conversation state. Safe for concurrent use.
type Memory struct {
	key    Key
	cfg    Config
	store  Store
	logger telemetry.Logger
	summ   planner.Summarizer

	mu       sync.Mutex
	fullZone []planner.ConversationTurn
	pending  []planner.ConversationTurn
	summary  string

	state       HealthState
	retryCount  int
	lastDegradedRetry time.Time

	summarizing bool
}

// New constructs a Memory instance for key. summarizer may be nil, which
// forces StrategyRollingSummary down to truncation behavior.
func New(key Key, cfg Config, store Store, summarizer planner.Summarizer, logger telemetry.Logger) *Memory {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Memory{
		key:    key,
		cfg:    cfg.withDefaults(),
		store:  store,
		logger: logger,
		summ:   summarizer,
		state:  Healthy,
	}
}

// AddTurn pushes turn onto the full zone. Never blocks: when the full zone
// overflows, the oldest turn moves to pending and a background
// summarization task is kicked off (best effort, fire-and-forget).
func (m *Memory) AddTurn(ctx context.Context, turn planner.ConversationTurn) {
	if m.cfg.Strategy == StrategyNone {
		return
	}
	m.mu.Lock()
	m.fullZone = append(m.fullZone, turn)
	var overflow planner.ConversationTurn
	hasOverflow := false
	if len(m.fullZone) > m.cfg.FullZoneTurns {
		overflow = m.fullZone[0]
		m.fullZone = m.fullZone[1:]
		hasOverflow = true
	}
	if hasOverflow && m.cfg.Strategy == StrategyRollingSummary {
		m.pending = append(m.pending, overflow)
		if len(m.pending) > m.cfg.RecoveryBacklogLimit {
			dropped := len(m.pending) - m.cfg.RecoveryBacklogLimit
			m.pending = m.pending[dropped:]
		}
		shouldSpawn := !m.summarizing && m.summ != nil
		if shouldSpawn {
			m.summarizing = true
		}
		m.mu.Unlock()
		if shouldSpawn {
			go m.runSummarization(context.Background())
		}
		return
	}
	m.mu.Unlock()
}

// GetContext atomically snapshots (summary, full_zone). Cross-key callers
// never reach this: callers are expected to hold one Memory per key.
func (m *Memory) GetContext(ctx context.Context) Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	fz := make([]planner.ConversationTurn, len(m.fullZone))
	copy(fz, m.fullZone)
	return Context{Summary: m.summary, FullZone: fz}
}

// runSummarization drives the HEALTHY -> RETRY -> DEGRADED -> RECOVERING
// state machine for one summarization attempt over the current backlog.
// Summarization failures never surface to AddTurn/GetContext callers.
func (m *Memory) runSummarization(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.summarizing = false
		m.mu.Unlock()
	}()

	m.mu.Lock()
	if m.state == Degraded && time.Since(m.lastDegradedRetry) < m.cfg.DegradedRetryInterval {
		m.mu.Unlock()
		return
	}
	if m.state == Degraded {
		m.state = Recovering
	}
	backlog := append([]planner.ConversationTurn{}, m.pending...)
	priorSummary := m.summary
	m.mu.Unlock()

	if len(backlog) == 0 {
		return
	}

	text := renderBacklog(priorSummary, backlog)
	summary, err := m.summarizeWithRetry(ctx, text)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = Degraded
		m.lastDegradedRetry = time.Now()
		m.logger.Warn(ctx, "memory summarization degraded, falling back to truncation", "key", m.key.String(), "error", err)
		return
	}

	wasRecovering := m.state != Healthy
	m.summary = truncateToTokenBudget(summary, m.cfg.SummaryMaxTokens, m.cfg.estimate)
	m.pending = m.pending[min(len(backlog), len(m.pending)):]
	m.state = Healthy
	m.retryCount = 0
	if wasRecovering {
		m.logger.Warn(ctx, "memory summarization recovered", "key", m.key.String())
	}
}

func (m *Memory) summarizeWithRetry(ctx context.Context, text string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, m.cfg.RetryBackoff, attempt-1); err != nil {
				return "", err
			}
		}
		summary, err := m.summ.Summarize(ctx, text)
		if err == nil {
			return summary, nil
		}
		lastErr = err
		m.mu.Lock()
		m.state = Retry
		m.retryCount = attempt + 1
		m.mu.Unlock()
	}
	return "", lastErr
}

func renderBacklog(priorSummary string, backlog []planner.ConversationTurn) string {
	s := priorSummary
	for _, t := range backlog {
		s += "\n" + t.Role + ": " + t.Content
	}
	return s
}

func truncateToTokenBudget(s string, budget int, estimate func(string) int) string {
	if estimate(s) <= budget {
		return s
	}
	for len(s) > 0 && estimate(s) > budget {
		cut := len(s) / 2
		s = s[:cut]
	}
	return s + " …"
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Persist serializes memory state to the store, if present.
func (m *Memory) Persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	snapshot := m.GetContext(ctx)
	payload := encodeSnapshot(snapshot)
	return m.store.SaveMemoryState(ctx, m.key.String(), payload)
}

// Hydrate loads persisted memory state, if a store is configured and state
// exists for this key.
func (m *Memory) Hydrate(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	payload, err := m.store.LoadMemoryState(ctx, m.key.String())
	if err != nil || payload == nil {
		return err
	}
	snapshot, err := decodeSnapshot(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summary = snapshot.Summary
	m.fullZone = snapshot.FullZone
	return nil
}

func encodeSnapshot(c Context) []byte {
	b, _ := json.Marshal(c)
	return b
}

func decodeSnapshot(payload []byte) (Context, error) {
	var c Context
	if err := json.Unmarshal(payload, &c); err != nil {
		return Context{}, err
	}
	return c, nil
}
