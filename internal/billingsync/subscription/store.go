package subscription

import (
	"context"
	"time"
)

// LedgerEntry records that a provider event was applied.
type LedgerEntry struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	SubscriptionID string    `json:"subscription_id"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// Mutation is one guarded write against a subscription id.
//
// ExpectedVersion is the version the decision was made against; zero means the record
// must not exist yet. Implementations persist Next with Version = ExpectedVersion+1
// and, when Ledger is set, insert the ledger entry in the same transaction.
type Mutation struct {
	ExpectedVersion int64
	Next            Record
	Ledger          *LedgerEntry
}

// Store persists subscription records and the processed-event ledger.
type Store interface {
	// GetBySubscriptionID returns nil, nil when no record exists.
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*Record, error)

	// GetByUserID returns the user's latest non-canceled record, falling back to the
	// most recently updated one. Returns nil, nil when the user has none.
	GetByUserID(ctx context.Context, userID int64) (*Record, error)

	HasProcessedEvent(ctx context.Context, eventID string) (bool, error)

	// UpsertBySubscriptionID applies m atomically. Returns ErrConflict when the stored
	// version no longer matches m.ExpectedVersion and ErrDuplicateEvent when the ledger
	// already holds m.Ledger.EventID; in both cases nothing is written.
	UpsertBySubscriptionID(ctx context.Context, subscriptionID string, m Mutation) (*Record, error)
}

// Locker serializes work per key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
