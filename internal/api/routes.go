package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes attaches all application routes to mux.
// Keeping this separate from handlers.go means the full route surface
// is visible at a glance without scrolling through handler logic.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Ingress
	mux.HandleFunc("POST /webhooks/shopify/orders", h.ShopifyWebhook)
	mux.HandleFunc("POST /events/courier/status_update", h.CourierStatusUpdate)

	// Orders
	mux.HandleFunc("GET /orders", h.ListOrders)
	mux.HandleFunc("GET /orders/search", h.SearchOrders)
	mux.HandleFunc("GET /orders/{id}", h.GetOrder)

	// Dashboard stream
	mux.HandleFunc("GET /stream/shipments", h.StreamShipments)

	// Observability
	mux.Handle("GET /metrics", promhttp.Handler())
}
