package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ordersync/internal/api"
	"ordersync/internal/broadcast"
	"ordersync/internal/cache"
	"ordersync/internal/config"
	"ordersync/internal/consumer"
	"ordersync/internal/database"
	"ordersync/internal/inbox"
	"ordersync/internal/outbound"
	"ordersync/internal/queue"
	"ordersync/internal/search"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()

	// ── Infrastructure ─────────────────────────────────────────────────────────

	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		return 1
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		slog.Error("postgres connect failed", "error", err)
		return 1
	}
	defer db.Conn.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer migrateCancel()
	if err := db.Migrate(migrateCtx); err != nil {
		slog.Error("schema bootstrap failed", "error", err)
		return 1
	}

	queues := queue.NewStore(db.Conn)
	bus := broadcast.New()
	events := inbox.New(db.Conn, queues)

	// Cache and search are optional projections; nil disables them in both
	// the consumer and the HTTP layer.
	var (
		orderCache    *cache.Client
		searchClient  *search.Client
		consumerCache consumer.OrderCache
		consumerIndex consumer.OrderIndexer
		apiCache      api.OrderCache
		apiSearch     api.OrderSearch
	)
	if cfg.RedisAddr != "" {
		orderCache, err = cache.New(cfg.RedisAddr)
		if err != nil {
			slog.Error("redis connect failed", "error", err)
			return 1
		}
		defer orderCache.Close()
		consumerCache = orderCache
		apiCache = orderCache
	}
	if cfg.ElasticsearchURL != "" {
		searchClient, err = search.New(cfg.ElasticsearchURL)
		if err != nil {
			slog.Error("elasticsearch init failed", "error", err)
			return 1
		}
		consumerIndex = searchClient
		apiSearch = searchClient
	}

	// ── Workers ────────────────────────────────────────────────────────────────
	//
	// workerCtx is cancelled on shutdown; both loops finish their in-flight
	// batch, stop claiming new messages and return.

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	ingestWorker := consumer.New(db, queues, bus, consumerCache, consumerIndex)
	dispatcher := outbound.New(db.Conn, queues, cfg.UpstreamBaseURL)

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		if err := ingestWorker.Run(workerCtx); err != nil {
			slog.Error("consumer error", "component", "consumer", "error", err)
		}
	}()
	go func() {
		defer workers.Done()
		if err := dispatcher.Run(workerCtx); err != nil {
			slog.Error("dispatcher error", "component", "outbound", "error", err)
		}
	}()

	// ── Background cron ────────────────────────────────────────────────────────

	monitor, err := consumer.StartQueueMonitor(queues, cfg.QueueMonitorSchedule)
	if err != nil {
		slog.Error("invalid monitor schedule", "schedule", cfg.QueueMonitorSchedule, "error", err)
		return 1
	}

	// ── HTTP server ────────────────────────────────────────────────────────────

	h := &api.Handler{
		Ingest: events,
		Orders: db,
		Cache:  apiCache,
		Search: apiSearch,
		Stream: bus,
	}

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:        ":" + cfg.APIPort,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /stream/shipments holds its connection open for
		// the lifetime of the dashboard session.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("api started", "component", "api", "port", cfg.APIPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "component", "api", "error", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	//
	// Shutdown order matters:
	//  1. Stop accepting new HTTP requests (srv.Shutdown) — in-flight requests
	//     finish, SSE streams are cut when their request contexts cancel.
	//  2. Cancel the worker context — both loops drain their in-flight batch.
	//  3. Stop the cron monitor — waits for a running check to finish.
	//  4. Close infrastructure clients (deferred above) in reverse init order.

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "component", "api", "signal", sig.String())

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "component", "api", "error", err)
	}

	stopWorkers()
	workers.Wait()

	// cron.Stop() blocks until the currently-running job (if any) finishes.
	<-monitor.Stop().Done()

	slog.Info("shutdown complete", "component", "api")

	if sig == syscall.SIGINT {
		return 130
	}
	return 0
}
