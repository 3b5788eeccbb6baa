package mongostore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/penguiflow/penguiflow-go/planner"
	"github.com/penguiflow/penguiflow-go/session"
	"github.com/penguiflow/penguiflow-go/statestore"
)

// fakeKVCollection is a lightweight in-memory stand-in for collection, keyed
// by the filter's "_id" value, mimicking the subset of MongoDB semantics
// exercised by the memory/task/pause/steering stores.
type fakeKVCollection struct {
	mu      sync.Mutex
	docs    map[string]any
	pushLog map[string][]planner.SteeringEvent
}

func newFakeKVCollection() *fakeKVCollection {
	return &fakeKVCollection{docs: make(map[string]any), pushLog: make(map[string][]planner.SteeringEvent)}
}

func filterID(filter any) string {
	f, _ := filter.(bson.M)
	id, _ := f["_id"].(string)
	return id
}

func (c *fakeKVCollection) ReplaceOne(ctx context.Context, filter, replacement any, upsert bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filterID(filter)
	if _, ok := c.docs[id]; !ok && !upsert {
		return mongo.ErrNoDocuments
	}
	c.docs[id] = replacement
	return nil
}

func (c *fakeKVCollection) FindOne(ctx context.Context, filter any) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[filterID(filter)]
	if !ok {
		return fakeSingleResult{err: mongo.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeKVCollection) UpdateOne(ctx context.Context, filter, update any, upsert bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filterID(filter)
	u, ok := update.(bson.M)
	if !ok {
		return errors.New("fakeKVCollection: unsupported update shape")
	}
	push, ok := u["$push"].(bson.M)
	if !ok {
		return errors.New("fakeKVCollection: only $push updates are supported")
	}
	ev, ok := push["events"].(planner.SteeringEvent)
	if !ok {
		return errors.New("fakeKVCollection: expected a planner.SteeringEvent in $push")
	}
	c.pushLog[id] = append(c.pushLog[id], ev)
	return nil
}

func (c *fakeKVCollection) FindOneAndDelete(ctx context.Context, filter any) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filterID(filter)
	events, ok := c.pushLog[id]
	if !ok {
		return fakeSingleResult{err: mongo.ErrNoDocuments}
	}
	delete(c.pushLog, id)
	return fakeSingleResult{doc: steeringDoc{TaskID: id, Events: events}}
}

func (c *fakeKVCollection) Find(ctx context.Context, filter any) (cursor, error) {
	return nil, errors.New("fakeKVCollection: Find is not supported")
}

func (c *fakeKVCollection) InsertOne(ctx context.Context, document any) error {
	return errors.New("fakeKVCollection: InsertOne is not supported")
}

type fakeSingleResult struct {
	doc any
	err error
}

func (r fakeSingleResult) Decode(v any) error {
	if r.err != nil {
		return r.err
	}
	switch dst := v.(type) {
	case *memoryDoc:
		*dst = r.doc.(memoryDoc)
	case *taskDoc:
		*dst = r.doc.(taskDoc)
	case *pauseDoc:
		*dst = r.doc.(pauseDoc)
	case *steeringDoc:
		*dst = r.doc.(steeringDoc)
	default:
		return errors.New("fakeSingleResult: unsupported decode target")
	}
	return nil
}

// fakeEventCollection stands in for the append-only event log collection,
// supporting the trace/seq filter and ascending-seq sort Store relies on.
type fakeEventCollection struct {
	mu   sync.Mutex
	docs []eventDoc
}

func newFakeEventCollection() *fakeEventCollection {
	return &fakeEventCollection{}
}

func (c *fakeEventCollection) ReplaceOne(ctx context.Context, filter, replacement any, upsert bool) error {
	return errors.New("fakeEventCollection: ReplaceOne is not supported")
}

func (c *fakeEventCollection) FindOne(ctx context.Context, filter any) singleResult {
	return fakeSingleResult{err: errors.New("fakeEventCollection: FindOne is not supported")}
}

func (c *fakeEventCollection) UpdateOne(ctx context.Context, filter, update any, upsert bool) error {
	return errors.New("fakeEventCollection: UpdateOne is not supported")
}

func (c *fakeEventCollection) FindOneAndDelete(ctx context.Context, filter any) singleResult {
	return fakeSingleResult{err: errors.New("fakeEventCollection: FindOneAndDelete is not supported")}
}

func (c *fakeEventCollection) Find(ctx context.Context, filter any) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, _ := filter.(bson.M)
	traceID, _ := f["trace_id"].(string)
	var sinceSeq uint64
	if seqFilter, ok := f["seq"].(bson.M); ok {
		if gt, ok := seqFilter["$gt"].(uint64); ok {
			sinceSeq = gt
		}
	}

	var matched []eventDoc
	for _, d := range c.docs {
		if d.TraceID == traceID && d.Seq > sinceSeq {
			matched = append(matched, d)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq < matched[j].Seq })
	return &fakeCursor{docs: matched}, nil
}

func (c *fakeEventCollection) InsertOne(ctx context.Context, document any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := document.(eventDoc)
	if !ok {
		return errors.New("fakeEventCollection: expected eventDoc")
	}
	c.docs = append(c.docs, doc)
	return nil
}

type fakeCursor struct {
	docs []eventDoc
	idx  int
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	if c.idx >= len(c.docs) {
		return false
	}
	c.idx++
	return true
}

func (c *fakeCursor) Decode(v any) error {
	dst, ok := v.(*eventDoc)
	if !ok {
		return errors.New("fakeCursor: unsupported decode target")
	}
	*dst = c.docs[c.idx-1]
	return nil
}

func (c *fakeCursor) Err() error                      { return nil }
func (c *fakeCursor) Close(ctx context.Context) error { return nil }

func newTestStore() *Store {
	return &Store{
		memory:   newFakeKVCollection(),
		tasks:    newFakeKVCollection(),
		pauses:   newFakeKVCollection(),
		steering: newFakeKVCollection(),
		events:   newFakeEventCollection(),
	}
}

func TestSaveAndLoadMemoryState(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.SaveMemoryState(ctx, "tenant/user/sess", []byte(`{"summary":"hi"}`)))
	got, err := s.LoadMemoryState(ctx, "tenant/user/sess")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"summary":"hi"}`), got)
}

func TestLoadMemoryStateMissingReturnsNil(t *testing.T) {
	s := newTestStore()
	got, err := s.LoadMemoryState(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSaveAndLoadTaskState(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	task := session.TaskState{TaskID: "t1", SessionID: "s1", Status: session.StatusRunning}

	require.NoError(t, s.SaveTaskState(ctx, task))
	got, ok, err := s.LoadTask(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, session.StatusRunning, got.Status)
}

func TestLoadTaskMissingReturnsFalse(t *testing.T) {
	s := newTestStore()
	_, ok, err := s.LoadTask(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveAndDrainSteering(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.SaveSteering(ctx, "t1", planner.SteeringEvent{Type: planner.SteerPause}))
	require.NoError(t, s.SaveSteering(ctx, "t1", planner.SteeringEvent{Type: planner.SteerCancel}))

	events, err := s.DrainSteering(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, planner.SteerPause, events[0].Type)
	require.Equal(t, planner.SteerCancel, events[1].Type)

	again, err := s.DrainSteering(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestSaveAndLoadPause(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	state := planner.PauseState{Query: "why is the sky blue"}

	require.NoError(t, s.SavePause(ctx, "sess/trace", state))
	got, ok, err := s.LoadPause(ctx, "sess/trace")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "why is the sky blue", got.Query)
}

func TestLoadPauseMissingReturnsFalse(t *testing.T) {
	s := newTestStore()
	_, ok, err := s.LoadPause(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAppendAndReplayEventsOrdersBySeqAndFiltersSince(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, statestore.EventRecord{TraceID: "tr1", Seq: 2, Kind: "tock", Payload: []byte("b")}))
	require.NoError(t, s.AppendEvent(ctx, statestore.EventRecord{TraceID: "tr1", Seq: 1, Kind: "tick", Payload: []byte("a")}))
	require.NoError(t, s.AppendEvent(ctx, statestore.EventRecord{TraceID: "tr2", Seq: 1, Kind: "other", Payload: nil}))

	all, err := s.ReplayEvents(ctx, "tr1", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "tick", all[0].Kind)
	require.Equal(t, "tock", all[1].Kind)

	since, err := s.ReplayEvents(ctx, "tr1", 1)
	require.NoError(t, err)
	require.Len(t, since, 1)
	require.Equal(t, "tock", since[0].Kind)
}
