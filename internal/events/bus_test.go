package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWaitTimeout = 2 * time.Second

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.C():
		require.True(t, ok, "subscription channel closed unexpectedly")
		return ev
	case <-time.After(testWaitTimeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_DeliversInOrder(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(Started, nil)
	b.Publish(Evaluation, 1)
	b.Publish(Scaled, 2)

	assert.Equal(t, Started, receive(t, sub).Type)
	ev := receive(t, sub)
	assert.Equal(t, Evaluation, ev.Type)
	assert.Equal(t, 1, ev.Payload)
	assert.Equal(t, Scaled, receive(t, sub).Type)
}

func TestBus_PublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			b.Publish(Evaluation, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(testWaitTimeout):
		t.Fatal("Publish blocked on an unread subscriber")
	}

	for i := 0; i < 10000; i++ {
		ev := receive(t, sub)
		require.Equal(t, i, ev.Payload)
	}
}

func TestBus_FanOut(t *testing.T) {
	b := NewBus()
	a := b.Subscribe()
	c := b.Subscribe()
	defer a.Close()
	defer c.Close()

	b.Publish(ResourceAlert, "gpu")

	assert.Equal(t, "gpu", receive(t, a).Payload)
	assert.Equal(t, "gpu", receive(t, c).Payload)
}

func TestBus_EventsAreStamped(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(ModelLoaded, nil)
	b.Publish(ModelLoaded, nil)

	first := receive(t, sub)
	second := receive(t, sub)
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, first.Time.IsZero())
}

func TestBus_CloseDrainsQueuedEvents(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()

	b.Publish(Evaluation, nil)
	b.Publish(Stopped, nil)
	b.Close()

	assert.Equal(t, Evaluation, receive(t, sub).Type)
	assert.Equal(t, Stopped, receive(t, sub).Type)

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "expected channel to be closed after drain")
	case <-time.After(testWaitTimeout):
		t.Fatal("channel not closed after bus close")
	}

	assert.Nil(t, b.Subscribe(), "closed bus should refuse new subscribers")
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()
	b.Publish(Evaluation, nil)

	sub.Close()
	b.Publish(Scaled, nil)

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.C():
			return !ok
		default:
			return false
		}
	}, testWaitTimeout, 10*time.Millisecond)
}
