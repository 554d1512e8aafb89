package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// heartbeatInterval keeps intermediaries from reaping idle SSE connections.
const heartbeatInterval = 30 * time.Second

// StreamShipments — GET /stream/shipments
//
// Server-Sent-Events stream of per-order change notifications. Each event is
// written as `event: shipment_update` with a JSON data payload. The
// subscription is removed when the client disconnects; a slow client loses
// its oldest undelivered events rather than backpressuring the pipeline.
func (h *Handler) StreamShipments(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.Stream.Subscribe()
	defer h.Stream.Unsubscribe(sub)

	slog.Info("dashboard stream connected", "component", "api", "client", r.RemoteAddr)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("dashboard stream closed", "component", "api", "client", r.RemoteAddr)
			return

		case e, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				slog.Error("event marshal failed", "component", "api", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: shipment_update\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
