// mockshopify simulates the merchant platform's admin API for local runs of
// the outbound dispatcher. It accepts order updates on
// POST /admin/orders/{id} behind a small token bucket and answers 429 with a
// Retry-After header once the bucket is empty. MOCK_FAIL_FIRST makes it 429
// the first update per order with Retry-After: 2.
package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"ordersync/internal/config"
)

// Matches the rate the real platform documents and the dispatcher assumes.
const (
	requestsPerSecond = 2
	burst             = 2
)

type server struct {
	limiter   *rate.Limiter
	failFirst bool

	mu       sync.Mutex
	received map[string]int // order id -> update count
	seen     map[string]bool
}

func newServer(failFirst bool) *server {
	return &server{
		limiter:   rate.NewLimiter(requestsPerSecond, burst),
		failFirst: failFirst,
		received:  make(map[string]int),
		seen:      make(map[string]bool),
	}
}

// orderUpdate handles POST /admin/orders/{id}.
func (s *server) orderUpdate(w http.ResponseWriter, r *http.Request) {
	orderID := r.PathValue("id")

	if s.failFirst && s.firstCall(orderID) {
		w.Header().Set("Retry-After", "2")
		slog.Info("failing first call", "component", "mockshopify", "order_id", orderID)
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	res := s.limiter.Reserve()
	if delay := res.Delay(); delay > 0 {
		// Hand the tokens back; the caller is told to come back later.
		res.Cancel()
		retryAfter := int(math.Ceil(delay.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		slog.Info("rate limited", "component", "mockshopify",
			"order_id", orderID, "retry_after", retryAfter)
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || !json.Valid(body) {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.received[orderID]++
	n := s.received[orderID]
	s.mu.Unlock()

	slog.Info("order update received", "component", "mockshopify",
		"order_id", orderID, "update_count", n)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"status":  "ok",
		"orderId": orderID,
	})
}

// firstCall reports whether this is the first update seen for orderID.
func (s *server) firstCall(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[orderID] {
		return false
	}
	s.seen[orderID] = true
	return true
}

// counts handles GET /admin/orders, a debugging view of everything the mock
// has accepted so far.
func (s *server) counts(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	snapshot := make(map[string]int, len(s.received))
	for k, v := range s.received {
		snapshot[k] = v
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot) //nolint:errcheck
}

func main() {
	cfg := config.Load()

	s := newServer(cfg.MockFailFirst)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/orders/{id}", s.orderUpdate)
	mux.HandleFunc("GET /admin/orders", s.counts)

	srv := &http.Server{
		Addr:         ":" + cfg.MockShopifyPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("mock upstream started", "component", "mockshopify", "port", cfg.MockShopifyPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "component", "mockshopify", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx) //nolint:errcheck
}
