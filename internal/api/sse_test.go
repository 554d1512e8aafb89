package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersync/internal/broadcast"
)

// syncRecorder is a Flusher-capable ResponseWriter that is safe to read
// after the handler goroutine has exited.
type syncRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	body   bytes.Buffer
}

func newSyncRecorder() *syncRecorder {
	return &syncRecorder{header: http.Header{}}
}

func (r *syncRecorder) Header() http.Header { return r.header }

func (r *syncRecorder) WriteHeader(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

func (r *syncRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(b)
}

func (r *syncRecorder) Flush() {}

func (r *syncRecorder) snapshot() (int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.body.String()
}

func TestStreamShipments_DeliversEventsUntilDisconnect(t *testing.T) {
	bus := broadcast.New()
	h := &Handler{Stream: bus}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/stream/shipments", nil).WithContext(ctx)
	rec := newSyncRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.StreamShipments(rec, req)
	}()

	// Wait for the handler to subscribe before publishing.
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 },
		time.Second, 5*time.Millisecond)

	bus.Publish(broadcast.ChangeEvent{
		OrderID:       "o1",
		ServerTs:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ChangedFields: map[string]any{"courierStatus": "SHIPPED"},
		Summary:       "Shipment Update: SHIPPED",
	})

	// The handler drains its channel asynchronously; wait for the write.
	require.Eventually(t, func() bool {
		_, body := rec.snapshot()
		return len(body) > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after client disconnect")
	}

	status, body := rec.snapshot()
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "text/event-stream", rec.header.Get("Content-Type"))
	assert.Contains(t, body, "event: shipment_update\n")
	assert.Contains(t, body, `"orderId":"o1"`)
	assert.Contains(t, body, `"summary":"Shipment Update: SHIPPED"`)

	// Subscription is removed on disconnect.
	assert.Equal(t, 0, bus.SubscriberCount())
}
