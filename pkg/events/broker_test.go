package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ahmed-AdelB/claude-sdlc-orchestrator-sub002/pkg/types"
)

func recvTimeout(t *testing.T, sub Subscriber) *types.Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(&types.Event{Type: types.EventTaskClaimed, TaskID: "t1"})

	for _, sub := range []Subscriber{s1, s2} {
		ev := recvTimeout(t, sub)
		assert.Equal(t, types.EventTaskClaimed, ev.Type)
		assert.Equal(t, "t1", ev.TaskID)
		assert.False(t, ev.Timestamp.IsZero(), "publish stamps missing timestamps")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)

	// A second unsubscribe of the same channel is a no-op, not a double close.
	assert.NotPanics(t, func() { b.Unsubscribe(sub) })
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	live := b.Subscribe()

	// Overrun the slow subscriber's buffer; the publisher must not stall.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(&types.Event{Type: types.EventTaskSubmitted})
		}
		close(done)
	}()

	// Drain the live subscriber so distribution keeps moving.
	received := 0
	deadline := time.After(5 * time.Second)
	for received < 100 {
		select {
		case <-live:
			received++
		case <-deadline:
			t.Fatalf("live subscriber stalled after %d events", received)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
	_ = slow
}

func TestStopClosesSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()

	sub := b.Subscribe()
	b.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-sub:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel never closed after Stop")
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	b := NewBroker()
	b.Start()
	require.NotPanics(t, func() {
		b.Stop()
		b.Stop()
	})
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(&types.Event{Type: types.EventTaskSubmitted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked after stop")
	}
}
