package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ordersync/internal/broadcast"
	"ordersync/internal/dedupe"
	"ordersync/internal/models"
)

// maxBodyBytes bounds webhook payload reads. Merchant order payloads are a
// few KB; anything near this limit is hostile.
const maxBodyBytes = 1 << 20

// ---------------------------------------------------------------------------
// Dependency interfaces
//
// Each interface captures exactly the methods this package needs.
// Callers (main, tests) inject the real implementations or fakes.
// ---------------------------------------------------------------------------

// EventIngestor is the inbox write contract.
type EventIngestor interface {
	InsertEvent(ctx context.Context, entry models.InboxEvent) (inserted bool, id string, err error)
}

// OrderStore is the read contract against the canonical order tables.
type OrderStore interface {
	GetOrderWithShipments(ctx context.Context, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context, limit int, cursor string) ([]models.Order, error)
}

// OrderCache is the read-cache contract. Optional: nil disables caching.
type OrderCache interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	SetOrder(ctx context.Context, order *models.Order) error
}

// OrderSearch is the full-text search contract. Optional: nil disables the
// search endpoint.
type OrderSearch interface {
	SearchOrders(ctx context.Context, term string) (json.RawMessage, error)
}

// ChangeStream is the broadcaster contract the SSE endpoint consumes.
type ChangeStream interface {
	Subscribe() <-chan broadcast.ChangeEvent
	Unsubscribe(<-chan broadcast.ChangeEvent)
}

// Handler holds every dependency the HTTP layer needs.
type Handler struct {
	Ingest EventIngestor
	Orders OrderStore
	Cache  OrderCache
	Search OrderSearch
	Stream ChangeStream
}

// ---------------------------------------------------------------------------
// Ingress adapters
// ---------------------------------------------------------------------------

// shopifyWebhookBody is the subset of a merchant order payload the boundary
// needs; the full payload is stored opaque in the inbox.
type shopifyWebhookBody struct {
	ID        models.FlexID `json:"id"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
}

// ShopifyWebhook — POST /webhooks/shopify/orders
//
// Header x-shopify-webhook-id (optional) becomes the upstream id for the
// dedupe key; x-shopify-topic becomes the event type. Duplicate delivery is
// answered 200 "Duplicate ignored" — the upstream must not retry it.
func (h *Handler) ShopifyWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var body shopifyWebhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if body.ID == "" {
		http.Error(w, "missing required field: id", http.StatusBadRequest)
		return
	}

	eventType := r.Header.Get("x-shopify-topic")
	if eventType == "" {
		eventType = models.EventShopifyUpdated
	}

	eventTs := time.Now().UTC()
	if ts, err := time.Parse(time.RFC3339, body.UpdatedAt); err == nil {
		eventTs = ts
	} else if ts, err := time.Parse(time.RFC3339, body.CreatedAt); err == nil {
		eventTs = ts
	}

	orderID := string(body.ID)
	entry := models.InboxEvent{
		DedupeKey: dedupe.Key(models.SourceShopify, r.Header.Get("x-shopify-webhook-id"),
			orderID, eventType, eventTs, raw),
		Source:    models.SourceShopify,
		OrderID:   orderID,
		EventType: eventType,
		EventTs:   eventTs,
		Payload:   raw,
	}

	h.accept(w, r, entry)
}

// courierStatusBody is the courier network's status update.
type courierStatusBody struct {
	OrderID   models.FlexID `json:"orderId"`
	EventType string        `json:"eventType"`
	EventTs   string        `json:"eventTs"`
}

// CourierStatusUpdate — POST /events/courier/status_update
//
// The courier sends no retry id, so the dedupe key always takes the
// content-hash fallback: identical resubmissions collapse to one inbox row.
func (h *Handler) CourierStatusUpdate(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var body courierStatusBody
	if err := json.Unmarshal(raw, &body); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if body.OrderID == "" || body.EventType == "" || body.EventTs == "" {
		http.Error(w, "missing required field: orderId, eventType and eventTs are mandatory", http.StatusBadRequest)
		return
	}
	eventTs, err := time.Parse(time.RFC3339, body.EventTs)
	if err != nil {
		http.Error(w, "eventTs must be RFC 3339", http.StatusBadRequest)
		return
	}

	orderID := string(body.OrderID)
	entry := models.InboxEvent{
		DedupeKey: dedupe.Key(models.SourceCourier, "", orderID, body.EventType, eventTs, raw),
		Source:    models.SourceCourier,
		OrderID:   orderID,
		EventType: body.EventType,
		EventTs:   eventTs,
		Payload:   raw,
	}

	h.accept(w, r, entry)
}

// accept runs the shared tail of both ingress adapters: the atomic
// inbox-insert + enqueue, and the boundary's response vocabulary.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request, entry models.InboxEvent) {
	inserted, id, err := h.Ingest.InsertEvent(r.Context(), entry)
	if err != nil {
		slog.Error("event insert failed",
			"component", "api",
			"source", entry.Source,
			"order_id", entry.OrderID,
			"error", err,
		)
		http.Error(w, "failed to accept event", http.StatusInternalServerError)
		return
	}

	if !inserted {
		writeJSON(w, http.StatusOK, map[string]string{"status": "Duplicate ignored"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "Accepted", "id": id})
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// GetOrder — GET /orders/{id}
//
// Read path:
//   - cache HIT  → return instantly            (X-Cache: HIT)
//   - cache MISS → Postgres lookup → back-fill (X-Cache: MISS)
//   - sql.ErrNoRows → 404  (genuine not-found)
//   - any other DB error → 500  (infra failure, not a 404)
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")
	if orderID == "" {
		http.Error(w, "missing order ID", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	if h.Cache != nil {
		if order, err := h.Cache.GetOrder(ctx, orderID); err == nil {
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, order)
			return
		}
	}

	order, err := h.Orders.GetOrderWithShipments(ctx, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("order read failed", "component", "api", "order_id", orderID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if h.Cache != nil {
		_ = h.Cache.SetOrder(ctx, order) // back-fill; failure is non-fatal
	}

	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, order)
}

// ListOrders — GET /orders?limit=<int>&cursor=<order_id>
//
// Cursor pagination over the business order id. The response cursor is the
// last id of a full page; clients pass it back to continue.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}
	cursor := r.URL.Query().Get("cursor")

	orders, err := h.Orders.ListOrders(r.Context(), limit, cursor)
	if err != nil {
		slog.Error("order list failed", "component", "api", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	next := ""
	if len(orders) == limit {
		next = orders[len(orders)-1].OrderID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": orders,
		"cursor": next,
	})
}

// SearchOrders — GET /orders/search?q={term}
//
// Proxies a full-text match to the Elasticsearch projection.
func (h *Handler) SearchOrders(w http.ResponseWriter, r *http.Request) {
	if h.Search == nil {
		http.Error(w, "search is not configured", http.StatusServiceUnavailable)
		return
	}
	term := r.URL.Query().Get("q")
	if term == "" {
		http.Error(w, "missing required query parameter: q", http.StatusBadRequest)
		return
	}

	result, err := h.Search.SearchOrders(r.Context(), term)
	if err != nil {
		slog.Error("search failed", "component", "api", "term", term, "error", err)
		http.Error(w, "search engine error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(result) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
