// Package queue implements the two named durable queues (ingest_events,
// shopify_outbound) on top of the same Postgres database as the business
// tables.
//
// Delivery guarantees:
//   - At-least-once: a claimed message becomes invisible for a visibility
//     window and is permanently removed only by Delete. If the window elapses
//     before the delete commits, the message is claimable again.
//   - FIFO per queue absent visibility expiry: claims order by the monotonic
//     message id.
//   - Transactional: Enqueue and Delete accept any DBTX, so callers can run
//     them inside their own transaction. An enqueue inside a transaction
//     becomes visible only on commit; a delete inside a rolled-back
//     transaction leaves the message to be redelivered.
//
// Every claim increments the message's read_count, which the consumer uses to
// quarantine poison messages.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ordersync/internal/metrics"
)

// The two queues of the pipeline. Business logic never touches
// queue_messages directly; everything goes through this package.
const (
	IngestEvents    = "ingest_events"
	ShopifyOutbound = "shopify_outbound"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Message is a claimed queue message. ID is the database primary key used to
// Delete it; ReadCount is how many times it has been claimed, this claim
// included.
type Message struct {
	ID         int64
	Body       json.RawMessage
	ReadCount  int
	EnqueuedAt time.Time
}

// Store issues queue operations against the shared database. Long-poll reads
// use their own connection from the pool; transactional callers pass their
// *sql.Tx explicitly.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enqueue appends body to the named queue. A non-zero delay defers visibility
// by that duration, which is how the outbound dispatcher implements
// Retry-After backoff. q may be a transaction.
func (s *Store) Enqueue(ctx context.Context, q DBTX, queueName string, body any, delay time.Duration) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}

	timer := prometheus.NewTimer(metrics.QueueOpDuration.WithLabelValues("enqueue"))
	defer timer.ObserveDuration()

	_, err = q.ExecContext(ctx,
		`INSERT INTO queue_messages (queue_name, message, visible_at)
		 VALUES ($1, $2, now() + $3 * interval '1 second')`,
		queueName, raw, delay.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", queueName, err)
	}
	return nil
}

// ReadWithPoll claims up to maxCount visible messages, advancing their
// visibility deadline by visibility. If none are visible it keeps polling
// every pollInterval until maxPoll has elapsed or ctx is cancelled, then
// returns an empty slice. Concurrent readers never claim the same message:
// the claim runs FOR UPDATE SKIP LOCKED.
func (s *Store) ReadWithPoll(ctx context.Context, queueName string, visibility time.Duration, maxCount int, maxPoll, pollInterval time.Duration) ([]Message, error) {
	deadline := time.Now().Add(maxPoll)
	for {
		msgs, err := s.claim(ctx, queueName, visibility, maxCount)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *Store) claim(ctx context.Context, queueName string, visibility time.Duration, maxCount int) ([]Message, error) {
	timer := prometheus.NewTimer(metrics.QueueOpDuration.WithLabelValues("claim"))
	defer timer.ObserveDuration()

	rows, err := s.db.QueryContext(ctx,
		`UPDATE queue_messages
		 SET    visible_at = now() + $2 * interval '1 second',
		        read_count = read_count + 1
		 WHERE  id IN (
		            SELECT id FROM queue_messages
		            WHERE  queue_name = $1 AND visible_at <= now()
		            ORDER  BY id
		            LIMIT  $3
		            FOR UPDATE SKIP LOCKED)
		 RETURNING id, message, read_count, enqueued_at`,
		queueName, visibility.Seconds(), maxCount,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: claim %s: %w", queueName, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Body, &m.ReadCount, &m.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("queue: scan claim: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: claim rows: %w", err)
	}
	return msgs, nil
}

// Delete permanently removes a message. Idempotent: deleting an id that is
// already gone is not an error. q may be a transaction, in which case the
// removal takes effect atomically with the caller's other writes.
func (s *Store) Delete(ctx context.Context, q DBTX, msgID int64) error {
	timer := prometheus.NewTimer(metrics.QueueOpDuration.WithLabelValues("delete"))
	defer timer.ObserveDuration()

	if _, err := q.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = $1`, msgID); err != nil {
		return fmt.Errorf("queue: delete %d: %w", msgID, err)
	}
	return nil
}

// Depth returns the number of messages on the named queue, visible or not.
func (s *Store) Depth(ctx context.Context, queueName string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM queue_messages WHERE queue_name = $1`, queueName,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: depth %s: %w", queueName, err)
	}
	return n, nil
}

// PoisonCount returns the number of visible messages whose read_count is at
// or above threshold — candidates for operator intervention.
func (s *Store) PoisonCount(ctx context.Context, queueName string, threshold int) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM queue_messages
		 WHERE queue_name = $1 AND visible_at <= now() AND read_count >= $2`,
		queueName, threshold,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: poison count %s: %w", queueName, err)
	}
	return n, nil
}
