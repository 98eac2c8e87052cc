package billingsync

import (
	"context"
	"time"

	"github.com/rcourtman/subsync/internal/billingsync/admin"
	"github.com/rcourtman/subsync/internal/billingsync/subscription"
	"github.com/rcourtman/subsync/internal/billingsync/syncmetrics"
	"github.com/rs/zerolog/log"
)

const statusMetricsInterval = 30 * time.Second

func runStatusMetrics(ctx context.Context, counter admin.StatusCounter) {
	ticker := time.NewTicker(statusMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateStatusGauges(ctx, counter)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateStatusGauges(ctx, counter)
		}
	}
}

func updateStatusGauges(ctx context.Context, counter admin.StatusCounter) {
	counts, err := counter.CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update subscription status metrics")
		return
	}

	seen := make(map[subscription.Status]struct{}, len(counts))

	// Ensure stable label set for known statuses.
	for _, status := range subscription.KnownStatuses {
		seen[status] = struct{}{}
		syncmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	for status, c := range counts {
		if _, ok := seen[status]; ok {
			continue
		}
		syncmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(c))
	}
}
