package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFiltersByTaskIDAndUpdateType(t *testing.T) {
	b := NewBroker(8)
	sub := b.Subscribe(Filter{TaskIDs: []string{"t1"}, UpdateTypes: []UpdateType{UpdateProgress}}, 0)
	defer b.Unsubscribe(sub)

	b.Publish(Update{TaskID: "t2", Type: UpdateProgress})
	b.Publish(Update{TaskID: "t1", Type: UpdateError})
	b.Publish(Update{TaskID: "t1", Type: UpdateProgress, Payload: "50%"})

	got, ok := sub.Next()
	require.True(t, ok)
	assert.Equal(t, "50%", got.Payload)
}

func TestBrokerDropsOldestOnOverflow(t *testing.T) {
	b := NewBroker(8)
	sub := b.Subscribe(Filter{}, 2)
	defer b.Unsubscribe(sub)

	b.Publish(Update{TaskID: "t1", Payload: 1})
	b.Publish(Update{TaskID: "t1", Payload: 2})
	b.Publish(Update{TaskID: "t1", Payload: 3})

	first, ok := sub.Next()
	require.True(t, ok)
	assert.Equal(t, 2, first.Payload)
	second, ok := sub.Next()
	require.True(t, ok)
	assert.Equal(t, 3, second.Payload)
}

func TestSubscriptionCloseUnblocksNext(t *testing.T) {
	b := NewBroker(8)
	sub := b.Subscribe(Filter{}, 4)

	done := make(chan bool)
	go func() {
		_, ok := sub.Next()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	b.Unsubscribe(sub)

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after close")
	}
}
