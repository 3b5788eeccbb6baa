package session

import (
	"context"
	"sync"

	"github.com/penguiflow/penguiflow-go/internal/telemetry"
	"github.com/penguiflow/penguiflow-go/planner"
)

// SteeringStore is the optional persistence seam for steering events
// pushed while a run is paused, so they can be replayed in order once the
// run resumes.
type SteeringStore interface {
	SaveSteering(ctx context.Context, taskID string, event planner.SteeringEvent) error
	DrainSteering(ctx context.Context, taskID string) ([]planner.SteeringEvent, error)
}

// SteeringInbox is a per-task bounded FIFO of steering commands. Push never
// blocks: once full, the oldest-pending event stays and the new one is
// dropped (logged). A sticky cancelled flag is set by the first CANCEL and
// stays observable independent of draining.
type SteeringInbox struct {
	mu        sync.Mutex
	events    []planner.SteeringEvent
	capacity  int
	cancelled bool
	waiters   []chan struct{}
	logger    telemetry.Logger

	taskID string
	store  SteeringStore
}

// NewSteeringInbox constructs an inbox bounded at capacity events. store may
// be nil, in which case pushed events are not persisted for replay.
func NewSteeringInbox(taskID string, capacity int, store SteeringStore, logger telemetry.Logger) *SteeringInbox {
	if capacity <= 0 {
		capacity = 32
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &SteeringInbox{taskID: taskID, capacity: capacity, store: store, logger: logger}
}

// Push enqueues event, dropping it (and logging) if the inbox is full. The
// first CANCEL sets the sticky cancelled flag regardless of queue state. If
// a SteeringStore is configured, the event is persisted best-effort so a
// paused run can replay it on resume.
func (s *SteeringInbox) Push(ctx context.Context, event planner.SteeringEvent) {
	s.mu.Lock()
	if event.Type == planner.SteerCancel {
		s.cancelled = true
	}
	if len(s.events) >= s.capacity {
		s.mu.Unlock()
		s.logger.Warn(ctx, "steering inbox full, dropping event", "type", event.Type)
		return
	}
	s.events = append(s.events, event)
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if s.store != nil {
		if err := s.store.SaveSteering(ctx, s.taskID, event); err != nil {
			s.logger.Warn(ctx, "failed to persist steering event", "task_id", s.taskID, "error", err)
		}
	}
}

// Replay loads persisted steering events for this inbox's task and pushes
// them back in, in order, ahead of any newly arrived events. Intended to run
// once, right before the first LLM call after a resume.
func (s *SteeringInbox) Replay(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	events, err := s.store.DrainSteering(ctx, s.taskID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.events = append(events, s.events...)
	for _, ev := range events {
		if ev.Type == planner.SteerCancel {
			s.cancelled = true
		}
	}
	s.mu.Unlock()
	return nil
}

// Drain returns and clears every currently queued event, without blocking.
func (s *SteeringInbox) Drain() []planner.SteeringEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	out := s.events
	s.events = nil
	return out
}

// HasEvent reports whether at least one event is currently queued.
func (s *SteeringInbox) HasEvent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events) > 0
}

// Cancelled reports the sticky cancelled flag.
func (s *SteeringInbox) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Next suspends until an event is available or ctx is cancelled, then
// returns (and removes) the oldest queued event.
func (s *SteeringInbox) Next(ctx context.Context) (planner.SteeringEvent, error) {
	for {
		s.mu.Lock()
		if len(s.events) > 0 {
			ev := s.events[0]
			s.events = s.events[1:]
			s.mu.Unlock()
			return ev, nil
		}
		wake := make(chan struct{})
		s.waiters = append(s.waiters, wake)
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return planner.SteeringEvent{}, ctx.Err()
		}
	}
}
