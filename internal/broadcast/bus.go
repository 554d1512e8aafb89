// Package broadcast provides the in-process publish/subscribe bus that fans
// per-order change notifications out to connected dashboard streams.
//
// Backpressure policy: Publish never blocks on a slow subscriber. Each
// subscriber has a bounded buffer; when it is full the oldest undelivered
// event is dropped to make room for the new one, so a stalled dashboard sees
// the most recent changes once it catches up.
package broadcast

import (
	"sync"
	"time"

	"ordersync/internal/metrics"
)

// subscriberBuffer is the per-subscriber event buffer.
const subscriberBuffer = 256

// ChangeEvent is a per-order change notification. Events for the same order
// are published in the order their transactions committed; the per-order
// advisory lock serializes those commits.
type ChangeEvent struct {
	OrderID       string         `json:"orderId"`
	ServerTs      time.Time      `json:"serverTs"`
	ChangedFields map[string]any `json:"changedFields"`
	Summary       string         `json:"summary"`
}

// Bus is a non-blocking broadcast bus. Safe for concurrent use.
type Bus struct {
	mu sync.RWMutex
	// recvToSend maps the receive-only channel handed to a subscriber back
	// to the bidirectional channel Publish writes to, so Unsubscribe can
	// accept the caller's view of the channel.
	recvToSend map[<-chan ChangeEvent]chan ChangeEvent
}

func New() *Bus {
	return &Bus{recvToSend: make(map[<-chan ChangeEvent]chan ChangeEvent)}
}

// Publish delivers e to every active subscriber. When a subscriber's buffer
// is full, its oldest undelivered event is discarded first.
func (b *Bus) Publish(e ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.recvToSend {
		for {
			select {
			case ch <- e:
			default:
				// Buffer full: drop the oldest event and retry. The inner
				// default covers a concurrent reader having already drained
				// the channel between the two selects.
				select {
				case <-ch:
					metrics.BroadcastDropped.Inc()
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe returns a long-lived stream of change events. The caller must
// Unsubscribe when done (the SSE handler does this when the client
// disconnects).
func (b *Bus) Subscribe() <-chan ChangeEvent {
	ch := make(chan ChangeEvent, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling it with
// an already-removed channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.recvToSend)
}
