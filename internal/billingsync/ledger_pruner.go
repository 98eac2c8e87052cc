package billingsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rcourtman/subsync/internal/billingsync/syncmetrics"
	"github.com/rs/zerolog/log"
)

const ledgerPruneInterval = 1 * time.Hour

// LedgerPruneStore deletes ledger rows processed before a cutoff.
type LedgerPruneStore interface {
	PruneLedger(ctx context.Context, before time.Time) (int64, error)
}

// LedgerPruner periodically deletes processed-event rows older than the
// retention window.
type LedgerPruner struct {
	store     LedgerPruneStore
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// NewLedgerPruner creates a LedgerPruner.
func NewLedgerPruner(store LedgerPruneStore, retention time.Duration) *LedgerPruner {
	return &LedgerPruner{
		store:     store,
		retention: retention,
		interval:  ledgerPruneInterval,
		now:       time.Now,
	}
}

// Run starts the pruning loop. It blocks until ctx is cancelled.
func (p *LedgerPruner) Run(ctx context.Context) {
	log.Info().Dur("retention", p.retention).Msg("Ledger pruner started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Ledger pruner stopped")
			return
		case <-ticker.C:
			if _, err := p.PruneOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Ledger pruner: prune failed")
			}
		}
	}
}

// PruneOnce deletes rows processed more than retention ago.
func (p *LedgerPruner) PruneOnce(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	cutoff := p.now().UTC().Add(-p.retention)
	n, err := p.store.PruneLedger(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune ledger before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	syncmetrics.LedgerPrunedTotal.Add(float64(n))
	if n > 0 {
		log.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("Pruned processed-event ledger")
	}
	return n, nil
}
