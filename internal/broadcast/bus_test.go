package broadcast

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(orderID, summary string) ChangeEvent {
	return ChangeEvent{
		OrderID:       orderID,
		ServerTs:      time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		ChangedFields: map[string]any{"city": "Y"},
		Summary:       summary,
	}
}

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	bus := New()
	a := bus.Subscribe()
	b := bus.Subscribe()
	require.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(event("o1", "Order Updated"))

	assert.Equal(t, "o1", (<-a).OrderID)
	assert.Equal(t, "o1", (<-b).OrderID)
}

func TestBus_SlowSubscriberDropsOldest(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()

	// Overfill the buffer without draining. The subscriber must end up with
	// the newest events; the oldest are dropped, and Publish never blocks.
	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		bus.Publish(event("o1", summaryFor(i)))
	}

	got := make([]string, 0, subscriberBuffer)
	for len(sub) > 0 {
		got = append(got, (<-sub).Summary)
	}
	require.Len(t, got, subscriberBuffer)
	assert.Equal(t, summaryFor(10), got[0])
	assert.Equal(t, summaryFor(total-1), got[len(got)-1])
}

func summaryFor(i int) string {
	return "update " + strconv.Itoa(i)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()

	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Idempotent.
	bus.Unsubscribe(sub)
}

func TestBus_PublishAfterUnsubscribeIsNoop(t *testing.T) {
	bus := New()
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	bus.Publish(event("o1", "Order Created")) // must not panic on closed channel
}
