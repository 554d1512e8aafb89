package outbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"ordersync/internal/models"
	"ordersync/internal/queue"
)

type requeueCall struct {
	msg   queue.Message
	delay time.Duration
}

// fakeQueue hands its messages out once and records every Ack and Requeue.
type fakeQueue struct {
	mu       sync.Mutex
	msgs     []queue.Message
	acked    []int64
	requeued []requeueCall
}

func (f *fakeQueue) ReadWithPoll(ctx context.Context, _ time.Duration, _ int, maxPoll, _ time.Duration) ([]queue.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		out := f.msgs
		f.msgs = nil
		f.mu.Unlock()
		return out, nil
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(maxPoll):
		return nil, nil
	}
}

func (f *fakeQueue) Ack(_ context.Context, msgID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, msgID)
	return nil
}

func (f *fakeQueue) Requeue(_ context.Context, m queue.Message, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, requeueCall{msg: m, delay: delay})
	return nil
}

func (f *fakeQueue) snapshot() (acked []int64, requeued []requeueCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.acked...), append([]requeueCall(nil), f.requeued...)
}

// upstream is a mutex-guarded request log for httptest handlers.
type upstream struct {
	mu    sync.Mutex
	paths []string
}

func (u *upstream) record(r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paths = append(u.paths, r.URL.Path)
}

func (u *upstream) requests() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.paths...)
}

func outboundBody(t *testing.T, orderID string) []byte {
	t.Helper()
	b, err := json.Marshal(models.OutboundMessage{
		OrderID:       orderID,
		ChangedFields: map[string]any{"city": "Y"},
		Snapshot:      models.Order{OrderID: orderID},
	})
	require.NoError(t, err)
	return b
}

func newTestDispatcher(q Queue, baseURL string) *Dispatcher {
	return &Dispatcher{
		queue:   q,
		limiter: rate.NewLimiter(rate.Inf, 1),
		client:  &http.Client{Timeout: 2 * time.Second},
		baseURL: baseURL,
	}
}

func TestDispatch_DeliveredMessageIsAcked(t *testing.T) {
	up := &upstream{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up.record(r)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fq := &fakeQueue{}
	d := newTestDispatcher(fq, srv.URL)

	require.NoError(t, d.dispatch(queue.Message{ID: 7, Body: outboundBody(t, "o1")}))

	acked, requeued := fq.snapshot()
	assert.Equal(t, []int64{7}, acked)
	assert.Empty(t, requeued)
	assert.Equal(t, []string{"/admin/orders/o1"}, up.requests())
}

func TestDispatch_RateLimitedRequeuesSamePayloadWithDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	fq := &fakeQueue{}
	d := newTestDispatcher(fq, srv.URL)

	body := outboundBody(t, "o1")
	require.NoError(t, d.dispatch(queue.Message{ID: 3, Body: body}))

	acked, requeued := fq.snapshot()
	assert.Empty(t, acked, "a rate-limited message must not be acked outside Requeue")
	require.Len(t, requeued, 1)
	assert.Equal(t, 2*time.Second, requeued[0].delay)
	assert.Equal(t, int64(3), requeued[0].msg.ID)
	assert.Equal(t, json.RawMessage(body), requeued[0].msg.Body)
}

func TestDispatch_UpstreamRejectionIsDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	fq := &fakeQueue{}
	d := newTestDispatcher(fq, srv.URL)

	require.NoError(t, d.dispatch(queue.Message{ID: 9, Body: outboundBody(t, "o1")}))

	acked, requeued := fq.snapshot()
	assert.Equal(t, []int64{9}, acked)
	assert.Empty(t, requeued)
}

func TestDispatch_MalformedMessageIsDropped(t *testing.T) {
	fq := &fakeQueue{}
	d := newTestDispatcher(fq, "http://localhost:0")

	for _, body := range []string{`{`, `{"changedFields":{}}`} {
		require.NoError(t, d.dispatch(queue.Message{ID: 4, Body: []byte(body)}))
	}

	acked, _ := fq.snapshot()
	assert.Equal(t, []int64{4, 4}, acked)
}

func TestRun_DrainsInFlightDispatchOnShutdown(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fq := &fakeQueue{msgs: []queue.Message{{ID: 11, Body: outboundBody(t, "o1")}}}
	d := newTestDispatcher(fq, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()

	// Shutdown begins while the upstream call is still blocked; the delivery
	// must still complete and ack.
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	acked, _ := fq.snapshot()
	assert.Equal(t, []int64{11}, acked)
}

func TestRetryAfter(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"absent header defaults to one second", "", time.Second},
		{"integer seconds", "2", 2 * time.Second},
		{"zero is honoured", "0", 0},
		{"garbage falls back", "soon", time.Second},
		{"negative falls back", "-3", time.Second},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.value != "" {
				h.Set("Retry-After", tc.value)
			}
			assert.Equal(t, tc.want, retryAfter(h))
		})
	}
}
