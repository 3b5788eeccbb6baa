package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguiflow/penguiflow-go/planner"
)

func TestSteeringInboxDrainIsNonBlockingSnapshot(t *testing.T) {
	inbox := NewSteeringInbox("task-1", 4, nil, nil)
	ctx := context.Background()

	assert.False(t, inbox.HasEvent())
	inbox.Push(ctx, planner.SteeringEvent{Type: planner.SteerUserMessage, Text: "hi"})
	assert.True(t, inbox.HasEvent())

	events := inbox.Drain()
	require.Len(t, events, 1)
	assert.False(t, inbox.HasEvent())
}

func TestSteeringInboxCancelledFlagIsSticky(t *testing.T) {
	inbox := NewSteeringInbox("task-1", 4, nil, nil)
	ctx := context.Background()

	assert.False(t, inbox.Cancelled())
	inbox.Push(ctx, planner.SteeringEvent{Type: planner.SteerCancel})
	assert.True(t, inbox.Cancelled())

	inbox.Drain()
	assert.True(t, inbox.Cancelled())
}

func TestSteeringInboxDropsWhenFull(t *testing.T) {
	inbox := NewSteeringInbox("task-1", 1, nil, nil)
	ctx := context.Background()
	inbox.Push(ctx, planner.SteeringEvent{Type: planner.SteerUserMessage, Text: "first"})
	inbox.Push(ctx, planner.SteeringEvent{Type: planner.SteerUserMessage, Text: "second"})

	events := inbox.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, "first", events[0].Text)
}

func TestSteeringInboxNextSuspendsUntilPush(t *testing.T) {
	inbox := NewSteeringInbox("task-1", 4, nil, nil)
	ctx := context.Background()

	result := make(chan planner.SteeringEvent, 1)
	go func() {
		ev, err := inbox.Next(ctx)
		if err == nil {
			result <- ev
		}
	}()

	time.Sleep(10 * time.Millisecond)
	inbox.Push(ctx, planner.SteeringEvent{Type: planner.SteerRedirect, Goal: "new goal"})

	select {
	case ev := <-result:
		assert.Equal(t, planner.SteerRedirect, ev.Type)
		assert.Equal(t, "new goal", ev.Goal)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up after Push")
	}
}

func TestSteeringInboxNextCancelledByContext(t *testing.T) {
	inbox := NewSteeringInbox("task-1", 4, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := inbox.Next(ctx)
	assert.Error(t, err)
}
