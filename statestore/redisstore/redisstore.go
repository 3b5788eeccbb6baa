// Package redisstore is a Redis-backed implementation of the persistence
// seams consumed throughout the module: memory state, task state, pause
// state, steering replay, and the append-only event log.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/penguiflow/penguiflow-go/planner"
	"github.com/penguiflow/penguiflow-go/session"
	"github.com/penguiflow/penguiflow-go/statestore"
)

// redisClient captures the subset of *redis.Client used by Store, so tests
// can substitute a fake in-memory implementation instead of a live server.
type redisClient interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
}

// Store adapts a redisClient to every duck-typed persistence interface the
// module defines. The zero value is not usable; construct with New.
type Store struct {
	client redisClient
	ttl    time.Duration
	prefix string
}

// New constructs a Store. ttl, if nonzero, is applied to every key this
// store writes (memory/task/pause state, steering events); zero means keys
// never expire.
func New(client *redis.Client, keyPrefix string, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl, prefix: keyPrefix}
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// SaveMemoryState implements memory.Store.
func (s *Store) SaveMemoryState(ctx context.Context, key string, state []byte) error {
	return s.client.Set(ctx, s.key("memory", key), state, s.ttl).Err()
}

// LoadMemoryState implements memory.Store.
func (s *Store) LoadMemoryState(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key("memory", key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

// SaveTaskState implements session.TaskStore.
func (s *Store) SaveTaskState(ctx context.Context, task session.TaskState) error {
	b, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("task", task.TaskID), b, s.ttl).Err()
}

// LoadTask implements session.TaskStore.
func (s *Store) LoadTask(ctx context.Context, taskID string) (session.TaskState, bool, error) {
	b, err := s.client.Get(ctx, s.key("task", taskID)).Bytes()
	if err == redis.Nil {
		return session.TaskState{}, false, nil
	}
	if err != nil {
		return session.TaskState{}, false, err
	}
	var t session.TaskState
	if err := json.Unmarshal(b, &t); err != nil {
		return session.TaskState{}, false, err
	}
	return t, true, nil
}

// SaveSteering implements session.SteeringStore.
func (s *Store) SaveSteering(ctx context.Context, taskID string, event planner.SteeringEvent) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := s.key("steering", taskID)
	if err := s.client.RPush(ctx, key, b).Err(); err != nil {
		return err
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, key, s.ttl)
	}
	return nil
}

// DrainSteering implements session.SteeringStore.
func (s *Store) DrainSteering(ctx context.Context, taskID string) ([]planner.SteeringEvent, error) {
	key := s.key("steering", taskID)
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return nil, err
	}
	events := make([]planner.SteeringEvent, 0, len(raw))
	for _, r := range raw {
		var ev planner.SteeringEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// SavePause implements planner.PauseStore.
func (s *Store) SavePause(ctx context.Context, key string, state planner.PauseState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("pause", key), b, s.ttl).Err()
}

// LoadPause implements planner.PauseStore.
func (s *Store) LoadPause(ctx context.Context, key string) (planner.PauseState, bool, error) {
	b, err := s.client.Get(ctx, s.key("pause", key)).Bytes()
	if err == redis.Nil {
		return planner.PauseState{}, false, nil
	}
	if err != nil {
		return planner.PauseState{}, false, err
	}
	var state planner.PauseState
	if err := json.Unmarshal(b, &state); err != nil {
		return planner.PauseState{}, false, err
	}
	return state, true, nil
}

// AppendEvent implements statestore.EventStore.
func (s *Store) AppendEvent(ctx context.Context, rec statestore.EventRecord) error {
	key := s.key("events", rec.TraceID)
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.ZAdd(ctx, key, redis.Z{Score: float64(rec.Seq), Member: b}).Err()
}

// ReplayEvents implements statestore.EventStore.
func (s *Store) ReplayEvents(ctx context.Context, traceID string, sinceSeq uint64) ([]statestore.EventRecord, error) {
	key := s.key("events", traceID)
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", sinceSeq),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]statestore.EventRecord, 0, len(members))
	for _, m := range members {
		var rec statestore.EventRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
