// Package database owns the Postgres connection, the schema bootstrap, and
// the row mapping for orders, shipments and the event inbox.
//
// Two kinds of call sites:
//   - Handler-facing reads are methods on *DB with their own operation
//     timeouts, tighter than the HTTP WriteTimeout so a slow query turns into
//     a clean 500 instead of a hung connection.
//   - Consumer-facing writes are package functions taking a DBTX, because the
//     ingest consumer runs them inside one transaction together with the
//     advisory lock and the queue delete.
package database

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"ordersync/internal/models"
)

// Operation timeouts for handler-facing reads.
const readTimeout = 5 * time.Second

// maxOpenConns bounds the shared pool. Ingress handlers, both workers and the
// cron monitor all draw from it; long-poll reads hold a connection only for
// the claim statement, not for the whole poll window.
const maxOpenConns = 50

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type DB struct {
	Conn *sql.DB
}

// Connect opens and verifies a Postgres connection.
func Connect(connStr string) (*DB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(maxOpenConns)
	if err := conn.Ping(); err != nil {
		return nil, err
	}
	slog.Info("postgres connected")
	return &DB{Conn: conn}, nil
}

// ddl is the idempotent schema bootstrap, kept in-package so the binary is
// runnable against an empty database. A dedicated migration tool may own
// schema evolution later; CREATE IF NOT EXISTS makes the two coexist.
const ddl = `
CREATE TABLE IF NOT EXISTS orders (
    id                 UUID PRIMARY KEY,
    order_id           TEXT NOT NULL UNIQUE,
    customer_id        TEXT NOT NULL DEFAULT 'unknown',
    status             TEXT NOT NULL DEFAULT 'NEW',
    total_amount       BIGINT NOT NULL DEFAULT 0 CHECK (total_amount >= 0),
    address1           TEXT,
    address2           TEXT,
    city               TEXT,
    province           TEXT,
    zip                TEXT,
    country            TEXT,
    shipping_fee_cents BIGINT NOT NULL DEFAULT 0 CHECK (shipping_fee_cents >= 0),
    last_event_ts      TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS shipments (
    id              UUID PRIMARY KEY,
    order_id        TEXT NOT NULL REFERENCES orders(order_id),
    courier_status  TEXT NOT NULL DEFAULT '',
    tracking_number TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_shipments_order ON shipments (order_id);

CREATE TABLE IF NOT EXISTS event_inbox (
    id           UUID PRIMARY KEY,
    dedupe_key   TEXT NOT NULL UNIQUE,
    source       TEXT NOT NULL,
    order_id     TEXT NOT NULL,
    event_type   TEXT NOT NULL,
    event_ts     TIMESTAMPTZ NOT NULL,
    payload      JSONB NOT NULL DEFAULT '{}',
    status       TEXT NOT NULL DEFAULT 'RECEIVED',
    processed_at TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_event_inbox_order ON event_inbox (order_id);

CREATE TABLE IF NOT EXISTS queue_messages (
    id          BIGSERIAL PRIMARY KEY,
    queue_name  TEXT NOT NULL,
    message     JSONB NOT NULL,
    enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    visible_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    read_count  INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_messages (queue_name, visible_at, id);
`

// Migrate applies the schema. Safe to run on every startup.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.Conn.ExecContext(ctx, ddl)
	return err
}

// ---------------------------------------------------------------------------
// Per-order serialization
// ---------------------------------------------------------------------------

// AdvisoryLock takes a transaction-scoped advisory lock keyed by a
// deterministic 64-bit hash of orderID. Concurrent transactions on the same
// order serialize here; different orders proceed in parallel. The lock is
// released automatically on commit or rollback.
func AdvisoryLock(ctx context.Context, tx *sql.Tx, orderID string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, LockKey(orderID))
	return err
}

// LockKey hashes orderID into the bigint space pg_advisory_xact_lock expects.
// FNV-1a: stable across processes and restarts.
func LockKey(orderID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(orderID))
	return int64(h.Sum64())
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

const orderColumns = `id, order_id, customer_id, status, total_amount,
	address1, address2, city, province, zip, country,
	shipping_fee_cents, last_event_ts, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*models.Order, error) {
	var o models.Order
	err := row.Scan(&o.ID, &o.OrderID, &o.CustomerID, &o.Status, &o.TotalAmount,
		&o.Address1, &o.Address2, &o.City, &o.Province, &o.Zip, &o.Country,
		&o.ShippingFeeCents, &o.LastEventTs, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrderForUpdate loads an order inside the consumer's transaction.
// Returns (nil, nil) when the order does not exist — the caller decides
// whether a partial create is required. The per-order advisory lock already
// serializes writers, so no FOR UPDATE row lock is needed on top.
func GetOrderForUpdate(ctx context.Context, q DBTX, orderID string) (*models.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// InsertOrder inserts a fresh order row. Used by the consumer for both real
// creates and PENDING_PARTIAL placeholders; the caller sets every field.
func InsertOrder(ctx context.Context, q DBTX, o *models.Order) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO orders (id, order_id, customer_id, status, total_amount,
		     address1, address2, city, province, zip, country,
		     shipping_fee_cents, last_event_ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.OrderID, o.CustomerID, o.Status, o.TotalAmount,
		o.Address1, o.Address2, o.City, o.Province, o.Zip, o.Country,
		o.ShippingFeeCents, o.LastEventTs,
	)
	return err
}

// UpdateOrder writes back every mutable field and bumps updated_at. Always
// runs under the per-order advisory lock, so last-writer-wins is by event
// timestamp, not by race.
func UpdateOrder(ctx context.Context, q DBTX, o *models.Order) error {
	_, err := q.ExecContext(ctx,
		`UPDATE orders
		 SET customer_id = $2, status = $3, total_amount = $4,
		     address1 = $5, address2 = $6, city = $7, province = $8,
		     zip = $9, country = $10, shipping_fee_cents = $11,
		     last_event_ts = $12, updated_at = now()
		 WHERE order_id = $1`,
		o.OrderID, o.CustomerID, o.Status, o.TotalAmount,
		o.Address1, o.Address2, o.City, o.Province, o.Zip, o.Country,
		o.ShippingFeeCents, o.LastEventTs,
	)
	return err
}

// UpsertShipment creates or updates the single shipment for an order.
// The shipments table carries no unique constraint on order_id, so this is
// lookup-then-mutate — safe only under the per-order advisory lock, which is
// why it lives on the consumer's transaction.
func UpsertShipment(ctx context.Context, q DBTX, orderID, trackingNumber, courierStatus string) error {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT id FROM shipments WHERE order_id = $1 LIMIT 1`, orderID,
	).Scan(&id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = q.ExecContext(ctx,
			`INSERT INTO shipments (id, order_id, courier_status, tracking_number)
			 VALUES ($1, $2, $3, $4)`,
			uuid.New().String(), orderID, courierStatus, trackingNumber,
		)
		return err
	case err != nil:
		return err
	default:
		_, err = q.ExecContext(ctx,
			`UPDATE shipments
			 SET courier_status = $2, tracking_number = $3, updated_at = now()
			 WHERE id = $1`,
			id, courierStatus, trackingNumber,
		)
		return err
	}
}

// ---------------------------------------------------------------------------
// Event inbox
// ---------------------------------------------------------------------------

// GetInboxByDedupeKey loads the inbox row the ingress boundary committed
// alongside the queue message. Returns (nil, nil) when absent.
func GetInboxByDedupeKey(ctx context.Context, q DBTX, dedupeKey string) (*models.InboxEvent, error) {
	var e models.InboxEvent
	err := q.QueryRowContext(ctx,
		`SELECT id, dedupe_key, source, order_id, event_type, event_ts,
		        payload, status, processed_at, created_at
		 FROM event_inbox WHERE dedupe_key = $1`, dedupeKey,
	).Scan(&e.ID, &e.DedupeKey, &e.Source, &e.OrderID, &e.EventType, &e.EventTs,
		&e.Payload, &e.Status, &e.ProcessedAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkInbox transitions an inbox row from RECEIVED to its terminal status.
// Terminal rows are never overwritten: a redelivered message whose first
// processing already committed leaves the row as it is.
func MarkInbox(ctx context.Context, q DBTX, dedupeKey, status string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE event_inbox
		 SET status = $2, processed_at = now(), updated_at = now()
		 WHERE dedupe_key = $1 AND status = 'RECEIVED'`,
		dedupeKey, status,
	)
	return err
}

// ---------------------------------------------------------------------------
// Handler-facing reads
// ---------------------------------------------------------------------------

// GetOrderWithShipments fetches one order plus its shipments by business id.
// Returns sql.ErrNoRows when the order does not exist — callers must
// distinguish this from other errors to return the correct HTTP status code.
func (db *DB) GetOrderWithShipments(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	o, err := scanOrder(db.Conn.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1 AND deleted_at IS NULL`,
		orderID))
	if err != nil {
		return nil, err
	}

	rows, err := db.Conn.QueryContext(ctx,
		`SELECT id, order_id, courier_status, tracking_number, created_at, updated_at
		 FROM shipments WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s models.Shipment
		if err := rows.Scan(&s.ID, &s.OrderID, &s.CourierStatus, &s.TrackingNumber,
			&s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		o.Shipments = append(o.Shipments, s)
	}
	return o, rows.Err()
}

// ListOrders returns up to limit orders ordered by business id, starting
// after cursor (exclusive). An empty cursor starts from the beginning.
func (db *DB) ListOrders(ctx context.Context, limit int, cursor string) ([]models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	rows, err := db.Conn.QueryContext(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE order_id > $1 AND deleted_at IS NULL
		 ORDER BY order_id
		 LIMIT $2`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			slog.Error("scan failed", "op", "list_orders", "error", err)
			continue
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
