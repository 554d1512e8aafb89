// Package consumer drains the ingest_events queue and applies order state
// transitions. Each claimed message is handled in a single transaction that
// holds the per-order advisory lock, mutates the order aggregate, moves the
// inbox row to a terminal status, enqueues outbound work and deletes the
// queue message — so a crash anywhere rolls the whole step back and the
// message is redelivered after its visibility window.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"ordersync/internal/broadcast"
	"ordersync/internal/database"
	"ordersync/internal/metrics"
	"ordersync/internal/models"
	"ordersync/internal/queue"
)

const (
	// Claim parameters for the polling loop.
	visibility   = 30 * time.Second
	claimBatch   = 2
	pollWindow   = 5 * time.Second
	pollInterval = 200 * time.Millisecond

	// txTimeout is the outer bound on one message's transaction.
	txTimeout = 20 * time.Second

	// restartBackoff delays loop restart after a top-level failure so a
	// single failed batch cannot spin the consumer hot.
	restartBackoff = 1 * time.Second

	// maxReadCount is the poison threshold: a message claimed more often
	// than this has its inbox row marked FAILED and is dropped.
	maxReadCount = 5
)

// OrderCache invalidates the read cache after a committed mutation.
type OrderCache interface {
	InvalidateOrder(ctx context.Context, orderID string) error
}

// OrderIndexer projects committed order snapshots into the search index.
type OrderIndexer interface {
	IndexOrder(ctx context.Context, order *models.Order) error
}

// Consumer is the long-running ingest worker. Cache and Search are optional;
// nil disables the corresponding post-commit projection.
type Consumer struct {
	db     *database.DB
	queues *queue.Store
	bus    *broadcast.Bus
	cache  OrderCache
	search OrderIndexer
}

func New(db *database.DB, queues *queue.Store, bus *broadcast.Bus, cache OrderCache, search OrderIndexer) *Consumer {
	return &Consumer{db: db, queues: queues, bus: bus, cache: cache, search: search}
}

// Run polls ingest_events until ctx is cancelled. In-flight messages are
// drained before returning; new messages are not claimed after cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("ingest consumer started", "component", "consumer")

	for {
		if ctx.Err() != nil {
			slog.Info("ingest consumer shutting down", "component", "consumer")
			return nil
		}

		msgs, err := c.queues.ReadWithPoll(ctx, queue.IngestEvents, visibility, claimBatch, pollWindow, pollInterval)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			slog.Error("ingest poll failed", "component", "consumer", "error", err)
			sleep(ctx, restartBackoff)
			continue
		}

		for _, m := range msgs {
			if err := c.process(m); err != nil {
				// Rolled back; the message redelivers after its window.
				slog.Error("message processing failed",
					"component", "consumer",
					"msg_id", m.ID,
					"read_count", m.ReadCount,
					"error", err,
				)
				metrics.ConsumerOutcomes.WithLabelValues("error").Inc()
			}
		}
	}
}

// process handles one claimed message. It runs on its own context, detached
// from the polling loop's, so shutdown does not abort a transaction that is
// already underway.
func (c *Consumer) process(m queue.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), txTimeout)
	defer cancel()

	var msg models.IngestMessage
	if err := json.Unmarshal(m.Body, &msg); err != nil || msg.OrderID == "" || msg.DedupeKey == "" {
		// The ingress boundary cannot produce such a message; redelivering
		// it forever would block the queue. Drop it permanently.
		slog.Warn("dropping malformed queue message",
			"component", "consumer", "msg_id", m.ID, "error", err)
		metrics.ConsumerOutcomes.WithLabelValues("malformed").Inc()
		return c.queues.Delete(ctx, c.db.Conn, m.ID)
	}

	if m.ReadCount > maxReadCount {
		return c.quarantine(ctx, m, msg)
	}

	tx, err := c.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := database.AdvisoryLock(ctx, tx, msg.OrderID); err != nil {
		return err
	}

	row, err := database.GetInboxByDedupeKey(ctx, tx, msg.DedupeKey)
	if err != nil {
		return err
	}
	if row == nil {
		// The inbox commits before the enqueue, so this indicates an
		// operational anomaly. Proceed; the order update is still valid.
		slog.Warn("inbox row missing for claimed message",
			"component", "consumer", "dedupe_key", msg.DedupeKey)
	}
	if alreadyHandled(row) {
		// Redelivery of a message whose first processing committed after its
		// visibility window expired. The inbox row is terminal; drop the
		// message without touching the order.
		slog.Warn("inbox row already terminal; dropping redelivered message",
			"component", "consumer", "dedupe_key", msg.DedupeKey, "status", row.Status)
		if err := c.queues.Delete(ctx, tx, m.ID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		metrics.ConsumerOutcomes.WithLabelValues("redelivered").Inc()
		return nil
	}

	order, err := database.GetOrderForUpdate(ctx, tx, msg.OrderID)
	if err != nil {
		return err
	}
	if order == nil {
		order = newOrderFor(&msg)
		if err := database.InsertOrder(ctx, tx, order); err != nil {
			return err
		}
	}

	res := applyEvent(order, &msg, time.Now().UTC())

	switch res.Outcome {
	case outcomeStale:
		if err := database.MarkInbox(ctx, tx, msg.DedupeKey, models.InboxIgnoredStale); err != nil {
			return err
		}

	case outcomeDuplicate:
		if err := database.MarkInbox(ctx, tx, msg.DedupeKey, models.InboxDuplicateIgnored); err != nil {
			return err
		}

	case outcomeApplied:
		if err := database.UpdateOrder(ctx, tx, order); err != nil {
			return err
		}
		if res.Shipment != nil {
			if err := database.UpsertShipment(ctx, tx, msg.OrderID,
				res.Shipment.TrackingNumber, res.Shipment.CourierStatus); err != nil {
				return err
			}
		}
		if res.MerchantChanged != nil {
			out := models.OutboundMessage{
				OrderID:       msg.OrderID,
				ChangedFields: res.MerchantChanged,
				Snapshot:      *order,
			}
			if err := c.queues.Enqueue(ctx, tx, queue.ShopifyOutbound, out, 0); err != nil {
				return err
			}
		}
		if err := database.MarkInbox(ctx, tx, msg.DedupeKey, models.InboxProcessed); err != nil {
			return err
		}
	}

	if err := c.queues.Delete(ctx, tx, m.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	metrics.ConsumerOutcomes.WithLabelValues(string(res.Outcome)).Inc()

	// Post-commit effects, in commit order per order thanks to the lock.
	if res.Broadcast != nil {
		c.bus.Publish(*res.Broadcast)
	}
	if res.Outcome == outcomeApplied {
		c.project(order)
	}

	slog.Info("event handled",
		"component", "consumer",
		"order_id", msg.OrderID,
		"event_type", msg.EventType,
		"outcome", string(res.Outcome),
	)
	return nil
}

// alreadyHandled reports whether the inbox row for a claimed message is
// already terminal, meaning the first processing committed and this claim is
// a redelivery.
func alreadyHandled(row *models.InboxEvent) bool {
	return row != nil && row.Status != models.InboxReceived
}

// quarantine marks the inbox row FAILED and removes the poison message in
// one transaction, bounding redelivery storms. Operators find these rows via
// the FAILED status and the queue monitor's gauge.
func (c *Consumer) quarantine(ctx context.Context, m queue.Message, msg models.IngestMessage) error {
	slog.Error("quarantining poison message",
		"component", "consumer",
		"msg_id", m.ID,
		"order_id", msg.OrderID,
		"dedupe_key", msg.DedupeKey,
		"read_count", m.ReadCount,
	)

	tx, err := c.db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := database.MarkInbox(ctx, tx, msg.DedupeKey, models.InboxFailed); err != nil {
		return err
	}
	if err := c.queues.Delete(ctx, tx, m.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	metrics.ConsumerOutcomes.WithLabelValues("failed").Inc()
	return nil
}

// project updates the read-side views. Both are best-effort: the canonical
// state is committed, and the next change to the order re-projects it.
func (c *Consumer) project(order *models.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.cache != nil {
		if err := c.cache.InvalidateOrder(ctx, order.OrderID); err != nil {
			slog.Error("cache invalidate failed",
				"component", "consumer", "order_id", order.OrderID, "error", err)
		}
	}
	if c.search != nil {
		if err := c.search.IndexOrder(ctx, order); err != nil {
			slog.Error("search index failed",
				"component", "consumer", "order_id", order.OrderID, "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
