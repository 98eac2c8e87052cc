package registry

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rcourtman/subsync/internal/billingsync/subscription"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	ErrFailedToOpenDBConnection = errors.New("failed to open db connection")
	ErrFailedToApplyMigrations  = errors.New("failed to apply migrations")
)

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	ConnectionString  string
	MaxConns          int32
	MinConns          int32
	HealthCheckPeriod time.Duration
	MaxConnIdleTime   time.Duration
	MaxConnLifetime   time.Duration
	RetryAttempts     int
	RetryInterval     time.Duration
	MigrationsTable   string
}

func (c *PostgresConfig) applyDefaults() {
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 10 * time.Minute
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 2 * time.Second
	}
	if c.MigrationsTable == "" {
		c.MigrationsTable = "subsync_schema_migrations"
	}
}

// PostgresStore is the shared multi-node backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects with retry and applies the embedded migrations.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	cfg.applyDefaults()

	pool, err := connectPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := migratePostgres(ctx, pool, cfg.MigrationsTable); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func connectPostgres(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	var lastErr error
	for i := range cfg.RetryAttempts {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", i+1).Msg("PostgreSQL connection attempt failed")

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrFailedToOpenDBConnection, ctx.Err())
		case <-time.After(time.Duration(i+1) * cfg.RetryInterval):
		}
	}
	return nil, errors.Join(ErrFailedToOpenDBConnection, lastErr)
}

type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...any) {
	log.Error().Str("component", "migrate").Msgf(format, v...)
}

func (gooseLogger) Printf(format string, v ...any) {
	log.Info().Str("component", "migrate").Msgf(format, v...)
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool, table string) error {
	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close migration connection")
		}
	}()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{})
	goose.SetTableName(table)
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// GetBySubscriptionID retrieves a record by provider subscription id.
func (s *PostgresStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*subscription.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions WHERE subscription_id = $1`, subscriptionID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return rec, nil
}

// GetByUserID retrieves the user's current record, preferring non-canceled ones.
func (s *PostgresStore) GetByUserID(ctx context.Context, userID int64) (*subscription.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+subscriptionColumns+`
		FROM subscriptions WHERE user_id = $1
		ORDER BY (status = 'canceled') ASC, updated_at DESC, created_at DESC
		LIMIT 1`, userID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by user: %w", err)
	}
	return rec, nil
}

// HasProcessedEvent reports whether eventID is in the ledger.
func (s *PostgresStore) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return exists, nil
}

// UpsertBySubscriptionID writes m.Next and the optional ledger row in one transaction.
func (s *PostgresStore) UpsertBySubscriptionID(ctx context.Context, subscriptionID string, m subscription.Mutation) (*subscription.Record, error) {
	if err := validateMutation(subscriptionID, m); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin subscription tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if m.Ledger != nil {
		tag, err := tx.Exec(ctx, `
			INSERT INTO processed_events (event_id, event_type, subscription_id, processed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id) DO NOTHING`,
			m.Ledger.EventID, m.Ledger.EventType, m.Ledger.SubscriptionID, toUnix(m.Ledger.ProcessedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("insert processed event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, subscription.ErrDuplicateEvent
		}
	}

	next := m.Next
	next.Version = m.ExpectedVersion + 1
	args := recordArgs(next)

	var affected int64
	if m.ExpectedVersion == 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (subscription_id) DO NOTHING`,
			append(args, next.Version)...,
		)
		if err != nil {
			return nil, fmt.Errorf("insert subscription: %w", err)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := tx.Exec(ctx, `
			UPDATE subscriptions SET
				user_id = $1, customer_id = $2, status = $3,
				current_period_start = $4, current_period_end = $5,
				last_applied_event_id = $6, last_event_at = $7,
				created_at = $8, updated_at = $9, version = $10
			WHERE subscription_id = $11 AND version = $12`,
			append(args[1:], next.Version, subscriptionID, m.ExpectedVersion)...,
		)
		if err != nil {
			return nil, fmt.Errorf("update subscription: %w", err)
		}
		affected = tag.RowsAffected()
	}
	if affected == 0 {
		return nil, subscription.ErrConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit subscription tx: %w", err)
	}
	return &next, nil
}

// PruneLedger deletes ledger rows processed before the cutoff.
func (s *PostgresStore) PruneLedger(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus returns a map of status -> count.
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[subscription.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[subscription.Status]int)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[subscription.Status(status)] = int(count)
	}
	return counts, rows.Err()
}
