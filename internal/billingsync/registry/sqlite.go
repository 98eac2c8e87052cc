package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rcourtman/subsync/internal/billingsync/subscription"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded single-node backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the subscription database in dir.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "subscriptions.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open subscription db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		subscription_id       TEXT PRIMARY KEY,
		user_id               INTEGER NOT NULL DEFAULT 0,
		customer_id           TEXT NOT NULL DEFAULT '',
		status                TEXT NOT NULL,
		current_period_start  INTEGER NOT NULL DEFAULT 0,
		current_period_end    INTEGER NOT NULL DEFAULT 0,
		last_applied_event_id TEXT NOT NULL DEFAULT '',
		last_event_at         INTEGER NOT NULL DEFAULT 0,
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL,
		version               INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);

	CREATE TABLE IF NOT EXISTS processed_events (
		event_id        TEXT PRIMARY KEY,
		event_type      TEXT NOT NULL DEFAULT '',
		subscription_id TEXT NOT NULL DEFAULT '',
		processed_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_processed_events_processed_at ON processed_events(processed_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init subscription schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetBySubscriptionID retrieves a record by provider subscription id.
func (s *SQLiteStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*subscription.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions WHERE subscription_id = ?`, subscriptionID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return rec, nil
}

// GetByUserID retrieves the user's current record, preferring non-canceled ones.
func (s *SQLiteStore) GetByUserID(ctx context.Context, userID int64) (*subscription.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions WHERE user_id = ?
		ORDER BY (status = 'canceled') ASC, updated_at DESC, created_at DESC
		LIMIT 1`, userID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by user: %w", err)
	}
	return rec, nil
}

// HasProcessedEvent reports whether eventID is in the ledger.
func (s *SQLiteStore) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processed_events WHERE event_id = ?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return true, nil
}

// UpsertBySubscriptionID writes m.Next and the optional ledger row in one transaction.
func (s *SQLiteStore) UpsertBySubscriptionID(ctx context.Context, subscriptionID string, m subscription.Mutation) (*subscription.Record, error) {
	if err := validateMutation(subscriptionID, m); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin subscription tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if m.Ledger != nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO processed_events (event_id, event_type, subscription_id, processed_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING`,
			m.Ledger.EventID, m.Ledger.EventType, m.Ledger.SubscriptionID, toUnix(m.Ledger.ProcessedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("insert processed event: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return nil, subscription.ErrDuplicateEvent
		}
	}

	next := m.Next
	next.Version = m.ExpectedVersion + 1
	args := recordArgs(next)

	var res sql.Result
	if m.ExpectedVersion == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(subscription_id) DO NOTHING`,
			append(args, next.Version)...,
		)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE subscriptions SET
				user_id = ?, customer_id = ?, status = ?,
				current_period_start = ?, current_period_end = ?,
				last_applied_event_id = ?, last_event_at = ?,
				created_at = ?, updated_at = ?, version = ?
			WHERE subscription_id = ? AND version = ?`,
			append(args[1:], next.Version, subscriptionID, m.ExpectedVersion)...,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("write subscription: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, subscription.ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit subscription tx: %w", err)
	}
	return &next, nil
}

// PruneLedger deletes ledger rows processed before the cutoff.
func (s *SQLiteStore) PruneLedger(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountByStatus returns a map of status -> count.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[subscription.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[subscription.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[subscription.Status(status)] = count
	}
	return counts, rows.Err()
}
