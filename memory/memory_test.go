package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguiflow/penguiflow-go/planner"
)

type stubSummarizer struct {
	mu       sync.Mutex
	calls    int
	failN    int
	lastText string
}

func (s *stubSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastText = text
	if s.calls <= s.failN {
		return "", errors.New("transient summarizer failure")
	}
	return "summary of: " + text, nil
}

func (s *stubSummarizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func turn(role, content string) planner.ConversationTurn {
	return planner.ConversationTurn{Role: role, Content: content, Timestamp: time.Now()}
}

func TestAddTurnNeverBlocksAndKeepsFullZoneBounded(t *testing.T) {
	m := New(Key{Tenant: "t", User: "u", Session: "s"}, Config{Strategy: StrategyTruncation, FullZoneTurns: 2}, nil, nil, nil)
	ctx := context.Background()
	m.AddTurn(ctx, turn("user", "one"))
	m.AddTurn(ctx, turn("assistant", "two"))
	m.AddTurn(ctx, turn("user", "three"))

	got := m.GetContext(ctx)
	require.Len(t, got.FullZone, 2)
	assert.Equal(t, "two", got.FullZone[0].Content)
	assert.Equal(t, "three", got.FullZone[1].Content)
	assert.Empty(t, got.Summary)
}

func TestRollingSummaryCompressesOverflowInBackground(t *testing.T) {
	summ := &stubSummarizer{}
	m := New(Key{Tenant: "t", User: "u", Session: "s"}, Config{Strategy: StrategyRollingSummary, FullZoneTurns: 1}, nil, summ, nil)
	ctx := context.Background()

	m.AddTurn(ctx, turn("user", "a"))
	m.AddTurn(ctx, turn("user", "b"))

	waitUntil(t, time.Second, func() bool { return summ.callCount() >= 1 })

	got := m.GetContext(ctx)
	require.Len(t, got.FullZone, 1)
	assert.Equal(t, "b", got.FullZone[0].Content)
	assert.Contains(t, got.Summary, "summary of:")
}

func TestNoneStrategyDisablesMemory(t *testing.T) {
	m := New(Key{Tenant: "t", User: "u", Session: "s"}, Config{Strategy: StrategyNone}, nil, nil, nil)
	ctx := context.Background()
	m.AddTurn(ctx, turn("user", "hello"))

	got := m.GetContext(ctx)
	assert.Empty(t, got.FullZone)
	assert.Empty(t, got.Summary)
}

func TestSummarizationFailuresDegradeWithoutBlockingReads(t *testing.T) {
	summ := &stubSummarizer{failN: 10}
	m := New(Key{Tenant: "t", User: "u", Session: "s"}, Config{
		Strategy:      StrategyRollingSummary,
		FullZoneTurns: 1,
		RetryAttempts: 2,
	}, nil, summ, nil)
	ctx := context.Background()

	m.AddTurn(ctx, turn("user", "a"))
	m.AddTurn(ctx, turn("user", "b"))

	waitUntil(t, time.Second, func() bool { return summ.callCount() >= 2 })

	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	assert.Equal(t, Degraded, state)

	got := m.GetContext(ctx)
	require.Len(t, got.FullZone, 1)
	assert.Empty(t, got.Summary)
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (s *memStore) SaveMemoryState(ctx context.Context, key string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = state
	return nil
}

func (s *memStore) LoadMemoryState(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key], nil
}

func TestPersistAndHydrateRoundTrip(t *testing.T) {
	store := newMemStore()
	key := Key{Tenant: "t", User: "u", Session: "s"}
	m1 := New(key, Config{Strategy: StrategyTruncation, FullZoneTurns: 4}, store, nil, nil)
	ctx := context.Background()
	m1.AddTurn(ctx, turn("user", "persisted turn"))
	require.NoError(t, m1.Persist(ctx))

	m2 := New(key, Config{Strategy: StrategyTruncation, FullZoneTurns: 4}, store, nil, nil)
	require.NoError(t, m2.Hydrate(ctx))
	got := m2.GetContext(ctx)
	require.Len(t, got.FullZone, 1)
	assert.Equal(t, "persisted turn", got.FullZone[0].Content)
}
