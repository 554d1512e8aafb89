// Package inbox implements the ingress write path: the append-only event
// store that deduplicates at the boundary before any downstream work.
//
// The inbox row and its ingest_events queue message commit in one
// transaction, so a crash between them cannot leave a row without a message
// nor a message without a row. Insertion failure on the unique dedupe_key is
// the sole deduplication mechanism — it is reported as inserted=false, never
// as an error.
package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"ordersync/internal/metrics"
	"ordersync/internal/models"
	"ordersync/internal/queue"
)

// insertTimeout caps the insert+enqueue transaction. The upstream producer
// retries on a 5xx, so failing fast is safe.
const insertTimeout = 10 * time.Second

// uniqueViolation is the Postgres error code for a duplicate key.
const uniqueViolation = "23505"

// Inbox writes accepted events and their queue messages.
type Inbox struct {
	db     *sql.DB
	queues *queue.Store
}

func New(db *sql.DB, queues *queue.Store) *Inbox {
	return &Inbox{db: db, queues: queues}
}

// InsertEvent stores entry and enqueues its ingest message atomically.
// Returns (false, "", nil) when an event with the same dedupe key was already
// accepted. Any other failure aborts the transaction and surfaces as an
// error; the caller answers 5xx and the producer redelivers.
func (i *Inbox) InsertEvent(ctx context.Context, entry models.InboxEvent) (inserted bool, id string, err error) {
	ctx, cancel := context.WithTimeout(ctx, insertTimeout)
	defer cancel()

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("inbox: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	entry.ID = uuid.New().String()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO event_inbox (id, dedupe_key, source, order_id, event_type, event_ts, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.DedupeKey, entry.Source, entry.OrderID,
		entry.EventType, entry.EventTs, []byte(entry.Payload),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			metrics.IngestResults.WithLabelValues(entry.Source, "duplicate").Inc()
			return false, "", nil
		}
		return false, "", fmt.Errorf("inbox: insert: %w", err)
	}

	msg := models.IngestMessage{
		Source:    entry.Source,
		OrderID:   entry.OrderID,
		DedupeKey: entry.DedupeKey,
		EventType: entry.EventType,
		EventTs:   entry.EventTs,
		Payload:   entry.Payload,
	}
	if err := i.queues.Enqueue(ctx, tx, queue.IngestEvents, msg, 0); err != nil {
		return false, "", fmt.Errorf("inbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("inbox: commit: %w", err)
	}

	metrics.IngestResults.WithLabelValues(entry.Source, "accepted").Inc()
	return true, entry.ID, nil
}
