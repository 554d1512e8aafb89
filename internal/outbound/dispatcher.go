// Package outbound drains the shopify_outbound queue and pushes merchant
// order updates upstream, best-effort with retry-with-delay:
//
//   - a client-side token bucket matched to the documented upstream rate
//     prevents sustained 429 storms;
//   - an upstream 429 re-enqueues the same payload with the Retry-After delay
//     and deletes the claimed message in one transaction, so backoff never
//     loses the message;
//   - any other non-2xx is logged and dropped — the upstream update is
//     idempotent and the next real change regenerates an outbound message.
package outbound

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"ordersync/internal/metrics"
	"ordersync/internal/models"
	"ordersync/internal/queue"
)

const (
	visibility   = 30 * time.Second
	claimBatch   = 2
	pollWindow   = 5 * time.Second
	pollInterval = 200 * time.Millisecond

	// Upstream documents 2 req/s; the bucket mirrors that with a burst of 2.
	upstreamRate  = 2
	upstreamBurst = 2

	requestTimeout = 15 * time.Second
	restartBackoff = 1 * time.Second

	// dispatchTimeout bounds one message end to end: the token wait, the
	// upstream call and the queue bookkeeping.
	dispatchTimeout = 20 * time.Second

	// defaultRetryAfter applies when a 429 carries no usable header.
	defaultRetryAfter = 1 * time.Second
)

// Queue is the dispatcher's view of the shopify_outbound queue.
type Queue interface {
	ReadWithPoll(ctx context.Context, visibility time.Duration, maxCount int, maxPoll, pollInterval time.Duration) ([]queue.Message, error)
	// Ack permanently removes a handled message.
	Ack(ctx context.Context, msgID int64) error
	// Requeue re-enqueues the same body with deferred visibility and removes
	// the claimed message in one transaction, so backoff cannot lose it.
	Requeue(ctx context.Context, m queue.Message, delay time.Duration) error
}

// pgQueue binds the shared queue store to the outbound queue name and
// supplies the transactional requeue.
type pgQueue struct {
	db     *sql.DB
	queues *queue.Store
}

func (q *pgQueue) ReadWithPoll(ctx context.Context, vis time.Duration, maxCount int, maxPoll, interval time.Duration) ([]queue.Message, error) {
	return q.queues.ReadWithPoll(ctx, queue.ShopifyOutbound, vis, maxCount, maxPoll, interval)
}

func (q *pgQueue) Ack(ctx context.Context, msgID int64) error {
	return q.queues.Delete(ctx, q.db, msgID)
}

func (q *pgQueue) Requeue(ctx context.Context, m queue.Message, delay time.Duration) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := q.queues.Enqueue(ctx, tx, queue.ShopifyOutbound, json.RawMessage(m.Body), delay); err != nil {
		return err
	}
	if err := q.queues.Delete(ctx, tx, m.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// Dispatcher is the long-running outbound worker.
type Dispatcher struct {
	queue   Queue
	limiter *rate.Limiter
	client  *http.Client
	baseURL string
}

func New(db *sql.DB, queues *queue.Store, baseURL string) *Dispatcher {
	return &Dispatcher{
		queue:   &pgQueue{db: db, queues: queues},
		limiter: rate.NewLimiter(upstreamRate, upstreamBurst),
		client:  &http.Client{Timeout: requestTimeout},
		baseURL: baseURL,
	}
}

// Run polls shopify_outbound until ctx is cancelled. In-flight messages are
// drained before returning; new messages are not claimed after cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("outbound dispatcher started", "component", "outbound", "upstream", d.baseURL)

	for {
		if ctx.Err() != nil {
			slog.Info("outbound dispatcher shutting down", "component", "outbound")
			return nil
		}

		msgs, err := d.queue.ReadWithPoll(ctx, visibility, claimBatch, pollWindow, pollInterval)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			slog.Error("outbound poll failed", "component", "outbound", "error", err)
			sleep(ctx, restartBackoff)
			continue
		}

		for _, m := range msgs {
			if err := d.dispatch(m); err != nil {
				slog.Error("dispatch failed",
					"component", "outbound",
					"msg_id", m.ID,
					"read_count", m.ReadCount,
					"error", err,
				)
				metrics.OutboundResults.WithLabelValues("error").Inc()
			}
		}
	}
}

// dispatch sends one claimed message upstream. It runs on its own context,
// detached from the polling loop's, so shutdown does not abort a delivery
// that is already underway. Errors returned here leave the message claimed;
// it redelivers after its visibility window.
func (d *Dispatcher) dispatch(m queue.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	var msg models.OutboundMessage
	if err := json.Unmarshal(m.Body, &msg); err != nil || msg.OrderID == "" {
		slog.Warn("dropping malformed outbound message",
			"component", "outbound", "msg_id", m.ID, "error", err)
		return d.queue.Ack(ctx, m.ID)
	}

	// Block for a token, bounded by the dispatch timeout.
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/admin/orders/%s", d.baseURL, msg.OrderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(m.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		// Transient transport failure: keep the claim, redeliver later.
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		delay := retryAfter(resp.Header)
		slog.Info("upstream rate limited",
			"component", "outbound",
			"order_id", msg.OrderID,
			"retry_after", delay,
		)
		metrics.OutboundResults.WithLabelValues("rate_limited").Inc()
		return d.queue.Requeue(ctx, m, delay)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.OutboundResults.WithLabelValues("ok").Inc()
		slog.Info("order update delivered",
			"component", "outbound", "order_id", msg.OrderID, "status", resp.StatusCode)
		return d.queue.Ack(ctx, m.ID)

	default:
		// Best-effort semantics: the next real change regenerates this.
		slog.Warn("upstream rejected update; dropping",
			"component", "outbound", "order_id", msg.OrderID, "status", resp.StatusCode)
		metrics.OutboundResults.WithLabelValues("dropped").Inc()
		return d.queue.Ack(ctx, m.ID)
	}
}

// retryAfter parses a Retry-After header holding delay-seconds. Absent or
// unparseable values fall back to one second.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
