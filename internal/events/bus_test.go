package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(EventIntentExecuted, 4)
	defer unsubA()
	b, unsubB := bus.Subscribe(EventIntentExecuted, 4)
	defer unsubB()

	assert.Equal(t, 2, bus.Subscribers(EventIntentExecuted))
	assert.Equal(t, 0, bus.Subscribers(EventIntentFailed))

	update := IntentUpdate{IntentID: "i-1", Outcome: "EXECUTED"}
	bus.Publish(EventIntentExecuted, update)

	for _, ch := range []<-chan any{a, b} {
		select {
		case got := <-ch:
			assert.Equal(t, update, got)
		case <-time.After(time.Second):
			t.Fatal("payload not delivered")
		}
	}
}

func TestPublishScopedToTopic(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventRunStateChange, 1)
	defer unsub()

	bus.Publish(EventIntentFailed, IntentUpdate{IntentID: "i-1"})

	select {
	case got := <-ch:
		t.Fatalf("unexpected delivery: %v", got)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventBarClosed, 1)
	unsub()
	unsub() // second call is a no-op

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Subscribers(EventBarClosed))

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(EventBarClosed, nil)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventPriceTick, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventPriceTick, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// The first payload is retained, the overflow dropped.
	got := <-ch
	require.Equal(t, 0, got)
}
