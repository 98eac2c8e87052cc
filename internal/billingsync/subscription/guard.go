package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/subsync/internal/billingsync/syncmetrics"
	"github.com/rs/zerolog/log"
)

const (
	defaultStoreTimeout = 5 * time.Second
	defaultMaxAttempts  = 3
)

// Guard enforces idempotency, ordering and terminality before any command reaches
// the store. It is the local Applier.
type Guard struct {
	store        Store
	locker       Locker
	now          func() time.Time
	storeTimeout time.Duration
	maxAttempts  int
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithLocker serializes applies per subscription id. Without a locker the Guard
// relies on the store's version check alone.
func WithLocker(l Locker) GuardOption {
	return func(g *Guard) { g.locker = l }
}

// WithClock overrides the time source used for updated_at stamps.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithStoreTimeout bounds the total store work of one Apply.
func WithStoreTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.storeTimeout = d
		}
	}
}

// WithMaxAttempts bounds retries after a lost version race.
func WithMaxAttempts(n int) GuardOption {
	return func(g *Guard) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// NewGuard creates a Guard backed by store.
func NewGuard(store Store, opts ...GuardOption) *Guard {
	g := &Guard{
		store:        store,
		now:          func() time.Time { return time.Now().UTC() },
		storeTimeout: defaultStoreTimeout,
		maxAttempts:  defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Apply decides and persists cmd. Events already in the ledger are reported as
// duplicates; a non-empty meta.ID is ledgered in the same write as the record.
func (g *Guard) Apply(ctx context.Context, meta EventMeta, cmd Command) (Result, error) {
	if err := Validate(cmd); err != nil {
		return Result{}, NewSyncError(ErrorKindInvalid, "apply", SubscriptionIDOf(cmd), err)
	}

	result, err := g.apply(ctx, meta, cmd)
	if err != nil {
		syncmetrics.CommandsTotal.WithLabelValues(string(cmd.Kind()), "error").Inc()
		return Result{}, err
	}
	syncmetrics.CommandsTotal.WithLabelValues(string(cmd.Kind()), string(result.Outcome)).Inc()

	log.Debug().
		Str("event_id", meta.ID).
		Str("event_type", meta.Type).
		Str("command", string(cmd.Kind())).
		Str("subscription_id", SubscriptionIDOf(cmd)).
		Str("outcome", string(result.Outcome)).
		Msg("Subscription command applied")
	return result, nil
}

func (g *Guard) apply(ctx context.Context, meta EventMeta, cmd Command) (Result, error) {
	if _, ok := cmd.(NoOp); ok {
		return Result{Outcome: OutcomeIgnored}, nil
	}
	subID := SubscriptionIDOf(cmd)

	ctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	if g.locker != nil {
		unlock, err := g.locker.Lock(ctx, subID)
		if err != nil {
			return Result{}, Transient("lock subscription", subID, err)
		}
		defer unlock()
	}

	for attempt := 1; ; attempt++ {
		if meta.ID != "" {
			seen, err := g.store.HasProcessedEvent(ctx, meta.ID)
			if err != nil {
				return Result{}, Transient("check ledger", subID, err)
			}
			if seen {
				return Result{Outcome: OutcomeDuplicate}, nil
			}
		}

		current, err := g.store.GetBySubscriptionID(ctx, subID)
		if err != nil {
			return Result{}, Transient("load subscription", subID, err)
		}

		d := decide(current, meta, cmd, g.now())
		if d.next == nil {
			return Result{Outcome: d.outcome, Record: current}, nil
		}

		m := Mutation{Next: *d.next}
		if current != nil {
			m.ExpectedVersion = current.Version
		}
		if meta.ID != "" {
			m.Ledger = &LedgerEntry{
				EventID:        meta.ID,
				EventType:      meta.Type,
				SubscriptionID: subID,
				ProcessedAt:    d.next.UpdatedAt,
			}
		}

		stored, err := g.store.UpsertBySubscriptionID(ctx, subID, m)
		switch {
		case err == nil:
			return Result{Outcome: d.outcome, Record: stored}, nil
		case errors.Is(err, ErrDuplicateEvent):
			return Result{Outcome: OutcomeDuplicate, Record: current}, nil
		case errors.Is(err, ErrConflict):
			syncmetrics.StoreConflictsTotal.Inc()
			if attempt >= g.maxAttempts {
				return Result{}, NewSyncError(ErrorKindConflict, "write subscription", subID,
					fmt.Errorf("gave up after %d attempts: %w", attempt, err))
			}
			log.Debug().Str("subscription_id", subID).Int("attempt", attempt).Msg("Version conflict, retrying decision")
		default:
			return Result{}, Transient("write subscription", subID, err)
		}
	}
}
