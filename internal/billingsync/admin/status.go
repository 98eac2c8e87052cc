package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rcourtman/subsync/internal/billingsync/subscription"
	"github.com/rcourtman/subsync/internal/billingsync/syncmetrics"
	"github.com/rs/zerolog/log"
)

const readinessTimeout = 3 * time.Second

// Check is a named readiness dependency.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// StatusCounter reports record counts by status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[subscription.Status]int, error)
}

type statusResponse struct {
	Version            string                      `json:"version"`
	TotalSubscriptions int                         `json:"total_subscriptions"`
	ByStatus           map[subscription.Status]int `json:"by_status"`
}

// HandleHealthz returns 200 "ok" unconditionally (liveness probe).
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that pings every dependency (readiness probe).
func HandleReadyz(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		for _, c := range checks {
			if err := c.Ping(ctx); err != nil {
				log.Warn().Err(err).Str("check", c.Name).Msg("Readiness check failed")
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("not ready: " + c.Name))
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// HandleStatus returns a handler that reports aggregate subscription status.
func HandleStatus(counter StatusCounter, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := counter.CountByStatus(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Failed to count subscriptions")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		// Opportunistically sync gauges on status calls (in addition to the background updater).
		total := 0
		for status, c := range counts {
			syncmetrics.SubscriptionsByStatus.WithLabelValues(string(status)).Set(float64(c))
			total += c
		}

		resp := statusResponse{
			Version:            version,
			TotalSubscriptions: total,
			ByStatus:           counts,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
