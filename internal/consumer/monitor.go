package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"ordersync/internal/metrics"
	"ordersync/internal/queue"
)

// StartQueueMonitor registers the scheduled queue health check and starts the
// scheduler. Returns an error if the schedule string is invalid so that
// main() can fail fast with a clear message instead of a buried panic.
//
// Each run refreshes the depth gauges for both queues and counts visible
// messages at or above the poison threshold. There is no automatic
// dead-letter beyond the consumer's own quarantine; the gauge plus the warn
// log is the operator signal.
//
// The returned *cron.Cron must be stopped on shutdown:
//
//	c, err := StartQueueMonitor(queues, cfg.QueueMonitorSchedule)
//	defer c.Stop() // waits for a running check to finish before returning
func StartQueueMonitor(queues *queue.Store, schedule string) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		for _, name := range []string{queue.IngestEvents, queue.ShopifyOutbound} {
			depth, err := queues.Depth(ctx, name)
			if err != nil {
				slog.Error("queue depth check failed", "component", "cron", "queue", name, "error", err)
				continue
			}
			metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))

			poisoned, err := queues.PoisonCount(ctx, name, maxReadCount)
			if err != nil {
				slog.Error("poison count failed", "component", "cron", "queue", name, "error", err)
				continue
			}
			metrics.PoisonMessages.WithLabelValues(name).Set(float64(poisoned))

			if poisoned > 0 {
				slog.Warn("poison messages detected",
					"component", "cron", "queue", name, "count", poisoned)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	slog.Info("queue monitor started", "component", "cron", "schedule", schedule)
	return c, nil
}
