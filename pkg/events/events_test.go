package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribersReceiveEventsInOrder(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()

	heights := []string{"1", "2", "3", "4", "5"}
	for _, h := range heights {
		b.Publish(&Event{Type: EventBlockFinalized, Metadata: map[string]string{"height": h}})
	}

	var got []string
	deadline := time.After(time.Second)
	for len(got) < len(heights) {
		select {
		case ev := <-sub:
			got = append(got, ev.Metadata["height"])
		case <-deadline:
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, heights, got)
}

func TestSlowSubscriberDropsWithoutBlockingOthers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	// A subscriber that never drains; its buffer fills and overflow
	// drops, while the subscriber that drains after every publish sees
	// everything.
	slow := b.Subscribe()
	fast := b.Subscribe()

	total := cap(slow) + 50
	received := 0
	deadline := time.After(time.Second)
	for i := 0; i < total; i++ {
		b.Publish(&Event{Type: EventViewChanged})
		select {
		case <-fast:
			received++
		case <-deadline:
			t.Fatalf("fast subscriber saw %d of %d events", received, total)
		}
	}
	assert.LessOrEqual(t, len(slow), cap(slow))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Publish(&Event{Type: EventStateChanged})

	select {
	case ev := <-sub:
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
