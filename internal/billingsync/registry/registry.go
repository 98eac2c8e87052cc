// Package registry persists subscription records and the processed-event ledger,
// either in an embedded SQLite database or in PostgreSQL.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/subsync/internal/billingsync/subscription"
)

// Store is a subscription.Store with the maintenance operations the service needs.
type Store interface {
	subscription.Store

	// PruneLedger deletes ledger rows processed before the cutoff and returns the
	// number removed.
	PruneLedger(ctx context.Context, before time.Time) (int64, error)

	CountByStatus(ctx context.Context) (map[subscription.Status]int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	// DataDir holds the SQLite database when DatabaseURL is empty.
	DataDir string

	// DatabaseURL, when it is a postgres:// or postgresql:// URL, selects PostgreSQL.
	DatabaseURL string
}

// Open opens the backend selected by opts, applying schema migrations.
func Open(ctx context.Context, opts Options) (Store, error) {
	if IsPostgresURL(opts.DatabaseURL) {
		return OpenPostgres(ctx, PostgresConfig{ConnectionString: opts.DatabaseURL})
	}
	if strings.TrimSpace(opts.DataDir) == "" {
		return nil, fmt.Errorf("registry: data dir is required for sqlite")
	}
	return NewSQLiteStore(opts.DataDir)
}

// IsPostgresURL reports whether raw names a PostgreSQL database.
func IsPostgresURL(raw string) bool {
	raw = strings.ToLower(strings.TrimSpace(raw))
	return strings.HasPrefix(raw, "postgres://") || strings.HasPrefix(raw, "postgresql://")
}

const subscriptionColumns = `
	subscription_id, user_id, customer_id, status,
	current_period_start, current_period_end,
	last_applied_event_id, last_event_at,
	created_at, updated_at, version`

// scanner is an interface satisfied by *sql.Row, *sql.Rows and pgx.Row.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*subscription.Record, error) {
	var rec subscription.Record
	var status string
	var periodStart, periodEnd, lastEventAt, createdAt, updatedAt int64

	err := s.Scan(
		&rec.SubscriptionID, &rec.UserID, &rec.CustomerID, &status,
		&periodStart, &periodEnd,
		&rec.LastAppliedEventID, &lastEventAt,
		&createdAt, &updatedAt, &rec.Version,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = subscription.Status(status)
	rec.CurrentPeriodStart = fromUnix(periodStart)
	rec.CurrentPeriodEnd = fromUnix(periodEnd)
	rec.LastEventAt = fromUnix(lastEventAt)
	rec.CreatedAt = fromUnix(createdAt)
	rec.UpdatedAt = fromUnix(updatedAt)
	return &rec, nil
}

// recordArgs returns the column values in subscriptionColumns order, excluding version.
func recordArgs(rec subscription.Record) []any {
	return []any{
		rec.SubscriptionID, rec.UserID, rec.CustomerID, string(rec.Status),
		toUnix(rec.CurrentPeriodStart), toUnix(rec.CurrentPeriodEnd),
		rec.LastAppliedEventID, toUnix(rec.LastEventAt),
		toUnix(rec.CreatedAt), toUnix(rec.UpdatedAt),
	}
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func validateMutation(subscriptionID string, m subscription.Mutation) error {
	if strings.TrimSpace(subscriptionID) == "" {
		return fmt.Errorf("%w: subscription id is required", subscription.ErrInvalidCommand)
	}
	if m.Next.SubscriptionID != subscriptionID {
		return fmt.Errorf("%w: record id %q does not match %q", subscription.ErrInvalidCommand, m.Next.SubscriptionID, subscriptionID)
	}
	if m.Ledger != nil && strings.TrimSpace(m.Ledger.EventID) == "" {
		return fmt.Errorf("%w: ledger entry without event id", subscription.ErrInvalidCommand)
	}
	return nil
}
