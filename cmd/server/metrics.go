package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/nadmax/convoq/internal/queue"
)

const metricsInterval = 10 * time.Second

// startMetricsCollector keeps the queue depth gauges current between
// dashboard requests.
func startMetricsCollector(ctx context.Context, q *queue.Queue, log *slog.Logger) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	updateQueueMetrics(ctx, q, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateQueueMetrics(ctx, q, log)
		}
	}
}

func updateQueueMetrics(ctx context.Context, q *queue.Queue, log *slog.Logger) {
	for _, name := range q.Queues() {
		if _, err := q.Stats(ctx, name); err != nil && ctx.Err() == nil {
			log.Warn("failed to collect queue metrics", "queue", name, "error", err)
		}
	}
}
