// Package models holds the plain domain records shared across the pipeline.
// Entities are decoupled from persistence: the database package maps them to
// rows, the API package serialises them to JSON, and the queue carries the
// message bodies defined at the bottom of this file.
package models

import (
	"encoding/json"
	"time"
)

// Event sources accepted at the ingress boundary.
const (
	SourceShopify = "shopify"
	SourceCourier = "courier"
)

// Event types with pipeline-defined behaviour. Any other type is stored and
// advances the order's last_event_ts but has no field-level effect.
const (
	EventShopifyCreated      = "SHOPIFY_CREATED"
	EventShopifyUpdated      = "SHOPIFY_UPDATED"
	EventCourierStatusUpdate = "COURIER_STATUS_UPDATE"
)

// StatusPendingPartial marks an order whose first-seen event was not a
// merchant create. The real create webhook later overwrites it.
const StatusPendingPartial = "PENDING_PARTIAL"

// Inbox row terminal states. A row starts as RECEIVED and is moved to exactly
// one terminal state by the ingest consumer, never mutated again.
const (
	InboxReceived         = "RECEIVED"
	InboxProcessed        = "PROCESSED"
	InboxIgnoredStale     = "IGNORED_STALE"
	InboxDuplicateIgnored = "DUPLICATE_IGNORED"
	InboxFailed           = "FAILED"
)

// Order is the canonical state per business order. Mutated only by the
// ingest consumer inside a per-order-locked transaction; never hard-deleted.
type Order struct {
	ID               string     `json:"-"`
	OrderID          string     `json:"orderId"`
	CustomerID       string     `json:"customerId"`
	Status           string     `json:"status"`
	TotalAmount      int64      `json:"totalAmount"`
	Address1         *string    `json:"address1"`
	Address2         *string    `json:"address2"`
	City             *string    `json:"city"`
	Province         *string    `json:"province"`
	Zip              *string    `json:"zip"`
	Country          *string    `json:"country"`
	ShippingFeeCents int64      `json:"shippingFeeCents"`
	LastEventTs      time.Time  `json:"lastEventTs"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	DeletedAt        *time.Time `json:"-"`

	// Shipments is populated on read paths that join the child table.
	Shipments []Shipment `json:"shipments,omitempty"`
}

// Shipment is the tracking state per order. At most one active shipment per
// order, enforced by the consumer's upsert-by-order-id under the per-order
// advisory lock.
type Shipment struct {
	ID             string    `json:"-"`
	OrderID        string    `json:"orderId"`
	CourierStatus  string    `json:"courierStatus"`
	TrackingNumber string    `json:"trackingNumber"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// InboxEvent is the durable record of an event accepted at the boundary.
// The unique dedupe_key index is the sole deduplication mechanism.
type InboxEvent struct {
	ID          string          `json:"id"`
	DedupeKey   string          `json:"dedupeKey"`
	Source      string          `json:"source"`
	OrderID     string          `json:"orderId"`
	EventType   string          `json:"eventType"`
	EventTs     time.Time       `json:"eventTs"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	ProcessedAt *time.Time      `json:"processedAt"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// IngestMessage is the body carried on the ingest_events queue. It is written
// in the same transaction as the inbox row, so the consumer can expect the
// row to exist when the message is claimed.
type IngestMessage struct {
	Source    string          `json:"source"`
	OrderID   string          `json:"orderId"`
	DedupeKey string          `json:"dedupeKey"`
	EventType string          `json:"eventType"`
	EventTs   time.Time       `json:"eventTs"`
	Payload   json.RawMessage `json:"payload"`
}

// OutboundMessage is the body carried on the shopify_outbound queue: the
// merchant-facing change set plus the post-update snapshot.
type OutboundMessage struct {
	OrderID       string         `json:"orderId"`
	ChangedFields map[string]any `json:"changedFields"`
	Snapshot      Order          `json:"snapshot"`
}
