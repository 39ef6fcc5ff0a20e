package store

import (
	"context"
	"time"

	"gitea.jw6.us/james/calsync/internal/metrics"
)

// observeDB reports operation latency to the metrics package.
func observeDB(ctx context.Context, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveDBLatency(ctx, operation, start)
	}
}
