// Package mongostore is a MongoDB-backed implementation of the persistence
// seams consumed throughout the module: memory state, task state, pause
// state, steering replay, and the append-only event log.
package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/penguiflow/penguiflow-go/planner"
	"github.com/penguiflow/penguiflow-go/session"
	"github.com/penguiflow/penguiflow-go/statestore"
)

type memoryDoc struct {
	Key   string `bson:"_id"`
	State []byte `bson:"state"`
}

type taskDoc struct {
	TaskID string            `bson:"_id"`
	State  session.TaskState `bson:"state"`
}

type pauseDoc struct {
	Key   string             `bson:"_id"`
	State planner.PauseState `bson:"state"`
}

type steeringDoc struct {
	TaskID string                   `bson:"_id"`
	Events []planner.SteeringEvent `bson:"events"`
}

type eventDoc struct {
	TraceID string `bson:"trace_id"`
	Seq     uint64 `bson:"seq"`
	Kind    string `bson:"kind"`
	Payload []byte `bson:"payload"`
}

// singleResult is the subset of *mongo.SingleResult used by Store; it is
// satisfied directly by the driver's type as well as by fakes in tests.
type singleResult interface {
	Decode(v any) error
}

// cursor is the subset of *mongo.Cursor used by Store.
type cursor interface {
	Next(ctx context.Context) bool
	Decode(v any) error
	Err() error
	Close(ctx context.Context) error
}

// collection is the subset of *mongo.Collection operations Store needs. It
// exists so tests can substitute an in-memory fake instead of a live server,
// mirroring the narrow collection seam the rest of the module uses for its
// other external dependencies.
type collection interface {
	ReplaceOne(ctx context.Context, filter, replacement any, upsert bool) error
	FindOne(ctx context.Context, filter any) singleResult
	UpdateOne(ctx context.Context, filter, update any, upsert bool) error
	FindOneAndDelete(ctx context.Context, filter any) singleResult
	Find(ctx context.Context, filter any) (cursor, error)
	InsertOne(ctx context.Context, document any) error
}

// mongoCollection adapts *mongo.Collection to collection.
type mongoCollection struct {
	col *mongo.Collection
}

func (m mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any, upsert bool) error {
	_, err := m.col.ReplaceOne(ctx, filter, replacement, options.Replace().SetUpsert(upsert))
	return err
}

func (m mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return m.col.FindOne(ctx, filter)
}

func (m mongoCollection) UpdateOne(ctx context.Context, filter, update any, upsert bool) error {
	_, err := m.col.UpdateOne(ctx, filter, update, options.Update().SetUpsert(upsert))
	return err
}

func (m mongoCollection) FindOneAndDelete(ctx context.Context, filter any) singleResult {
	return m.col.FindOneAndDelete(ctx, filter)
}

func (m mongoCollection) Find(ctx context.Context, filter any) (cursor, error) {
	return m.col.Find(ctx, filter, options.Find().SetSort(bson.M{"seq": 1}))
}

func (m mongoCollection) InsertOne(ctx context.Context, document any) error {
	_, err := m.col.InsertOne(ctx, document)
	return err
}

// Store adapts a *mongo.Database to every duck-typed persistence interface
// the module defines, one collection per concern.
type Store struct {
	memory   collection
	tasks    collection
	pauses   collection
	steering collection
	events   collection
}

// New constructs a Store backed by collections in db, named with a fixed
// convention (memory_state, task_state, pause_state, steering_events,
// trace_events).
func New(db *mongo.Database) *Store {
	return &Store{
		memory:   mongoCollection{db.Collection("memory_state")},
		tasks:    mongoCollection{db.Collection("task_state")},
		pauses:   mongoCollection{db.Collection("pause_state")},
		steering: mongoCollection{db.Collection("steering_events")},
		events:   mongoCollection{db.Collection("trace_events")},
	}
}

// SaveMemoryState implements memory.Store.
func (s *Store) SaveMemoryState(ctx context.Context, key string, state []byte) error {
	return s.memory.ReplaceOne(ctx, bson.M{"_id": key}, memoryDoc{Key: key, State: state}, true)
}

// LoadMemoryState implements memory.Store.
func (s *Store) LoadMemoryState(ctx context.Context, key string) ([]byte, error) {
	var doc memoryDoc
	err := s.memory.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.State, nil
}

// SaveTaskState implements session.TaskStore.
func (s *Store) SaveTaskState(ctx context.Context, task session.TaskState) error {
	return s.tasks.ReplaceOne(ctx, bson.M{"_id": task.TaskID}, taskDoc{TaskID: task.TaskID, State: task}, true)
}

// LoadTask implements session.TaskStore.
func (s *Store) LoadTask(ctx context.Context, taskID string) (session.TaskState, bool, error) {
	var doc taskDoc
	err := s.tasks.FindOne(ctx, bson.M{"_id": taskID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return session.TaskState{}, false, nil
	}
	if err != nil {
		return session.TaskState{}, false, err
	}
	return doc.State, true, nil
}

// SaveSteering implements session.SteeringStore.
func (s *Store) SaveSteering(ctx context.Context, taskID string, event planner.SteeringEvent) error {
	return s.steering.UpdateOne(ctx,
		bson.M{"_id": taskID},
		bson.M{"$push": bson.M{"events": event}},
		true,
	)
}

// DrainSteering implements session.SteeringStore.
func (s *Store) DrainSteering(ctx context.Context, taskID string) ([]planner.SteeringEvent, error) {
	var doc steeringDoc
	err := s.steering.FindOneAndDelete(ctx, bson.M{"_id": taskID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Events, nil
}

// SavePause implements planner.PauseStore.
func (s *Store) SavePause(ctx context.Context, key string, state planner.PauseState) error {
	return s.pauses.ReplaceOne(ctx, bson.M{"_id": key}, pauseDoc{Key: key, State: state}, true)
}

// LoadPause implements planner.PauseStore.
func (s *Store) LoadPause(ctx context.Context, key string) (planner.PauseState, bool, error) {
	var doc pauseDoc
	err := s.pauses.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return planner.PauseState{}, false, nil
	}
	if err != nil {
		return planner.PauseState{}, false, err
	}
	return doc.State, true, nil
}

// AppendEvent implements statestore.EventStore.
func (s *Store) AppendEvent(ctx context.Context, rec statestore.EventRecord) error {
	return s.events.InsertOne(ctx, eventDoc{TraceID: rec.TraceID, Seq: rec.Seq, Kind: rec.Kind, Payload: rec.Payload})
}

// ReplayEvents implements statestore.EventStore.
func (s *Store) ReplayEvents(ctx context.Context, traceID string, sinceSeq uint64) ([]statestore.EventRecord, error) {
	cur, err := s.events.Find(ctx, bson.M{"trace_id": traceID, "seq": bson.M{"$gt": sinceSeq}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []statestore.EventRecord
	for cur.Next(ctx) {
		var doc eventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, statestore.EventRecord{TraceID: doc.TraceID, Seq: doc.Seq, Kind: doc.Kind, Payload: doc.Payload})
	}
	return out, cur.Err()
}
