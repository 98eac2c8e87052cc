package registry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rcourtman/subsync/internal/billingsync/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("SUBSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SUBSYNC_TEST_DATABASE_URL not set")
	}
	s, err := OpenPostgres(context.Background(), PostgresConfig{ConnectionString: url, RetryAttempts: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newTestSQLiteStore(t) })
}

func TestPostgresStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newTestPostgresStore(t) })
}

// ids are randomized so the contract can run against a shared Postgres database.
func uniqueID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

func uniqueUserID() int64 {
	return int64(uuid.New().ID()) + 1
}

func testRecord(subID string, userID int64, status subscription.Status, end int64) subscription.Record {
	now := time.Unix(1_700_000_000, 0).UTC()
	return subscription.Record{
		SubscriptionID:     subID,
		UserID:             userID,
		CustomerID:         "cus_test",
		Status:             status,
		CurrentPeriodStart: time.Unix(end-1000, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(end, 0).UTC(),
		LastAppliedEventID: "evt_seed",
		LastEventAt:        now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		subID := uniqueID("sub")

		got, err := s.GetBySubscriptionID(ctx, subID)
		require.NoError(t, err)
		assert.Nil(t, got)

		rec := testRecord(subID, uniqueUserID(), subscription.StatusActive, 2000)
		stored, err := s.UpsertBySubscriptionID(ctx, subID, subscription.Mutation{Next: rec})
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Version)

		got, err = s.GetBySubscriptionID(ctx, subID)
		require.NoError(t, err)
		require.NotNil(t, got)
		rec.Version = 1
		assert.Equal(t, rec, *got)
	})

	t.Run("zero times round trip", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		subID := uniqueID("sub")

		rec := subscription.Record{SubscriptionID: subID, Status: subscription.StatusCanceled, CreatedAt: time.Unix(10, 0).UTC(), UpdatedAt: time.Unix(10, 0).UTC()}
		_, err := s.UpsertBySubscriptionID(ctx, subID, subscription.Mutation{Next: rec})
		require.NoError(t, err)

		got, err := s.GetBySubscriptionID(ctx, subID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.CurrentPeriodEnd.IsZero())
		assert.True(t, got.LastEventAt.IsZero())
		assert.Equal(t, int64(0), got.UserID)
	})

	t.Run("version mismatch conflicts", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		subID := uniqueID("sub")
		rec := testRecord(subID, uniqueUserID(), subscription.StatusActive, 2000)

		_, err := s.UpsertBySubscriptionID(ctx, subID, subscription.Mutation{Next: rec})
		require.NoError(t, err)

		_, err = s.UpsertBySubscriptionID(ctx, subID, subscription.Mutation{Next: rec})
		assert.ErrorIs(t, err, subscription.ErrConflict)

		rec.Status = subscription.StatusPastDue
		_, err = s.UpsertBySubscriptionID(ctx, subID, subscription.Mutation{ExpectedVersion: 5, Next: rec})
		assert.ErrorIs(t, err, subscription.ErrConflict)

		stored, err := s.UpsertBySubscriptionID(ctx, subID, subscription.Mutation{ExpectedVersion: 1, Next: rec})
		require.NoError(t, err)
		assert.Equal(t, int64(2), stored.Version)
		assert.Equal(t, subscription.StatusPastDue, stored.Status)
	})

	t.Run("ledger is written with the record", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		subID := uniqueID("sub")
		eventID := uniqueID("evt")
		entry := &subscription.LedgerEntry{EventID: eventID, EventType: "checkout.session.completed", SubscriptionID: subID, ProcessedAt: time.Now().UTC()}

		_, err := s.UpsertBySubscriptionID(ctx, subID, subscription.Mutation{Next: testRecord(subID, 1, subscription.StatusActive, 2000), Ledger: entry})
		require.NoError(t, err)

		seen, err := s.HasProcessedEvent(ctx, eventID)
		require.NoError(t, err)
		assert.True(t, seen)

		rec := testRecord(subID, 1, subscription.StatusPastDue, 2000)
		_, err = s.UpsertBySubscriptionID(ctx, subID, subscription.Mutation{ExpectedVersion: 1, Next: rec, Ledger: entry})
		assert.ErrorIs(t, err, subscription.ErrDuplicateEvent)

		got, err := s.GetBySubscriptionID(ctx, subID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, got.Status, "duplicate must not write the record")
	})

	t.Run("conflict rolls back ledger", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		subID := uniqueID("sub")
		eventID := uniqueID("evt")

		_, err := s.UpsertBySubscriptionID(ctx, subID, subscription.Mutation{Next: testRecord(subID, 1, subscription.StatusActive, 2000)})
		require.NoError(t, err)

		_, err = s.UpsertBySubscriptionID(ctx, subID, subscription.Mutation{
			ExpectedVersion: 9,
			Next:            testRecord(subID, 1, subscription.StatusPastDue, 2000),
			Ledger:          &subscription.LedgerEntry{EventID: eventID, SubscriptionID: subID, ProcessedAt: time.Now()},
		})
		require.ErrorIs(t, err, subscription.ErrConflict)

		seen, err := s.HasProcessedEvent(ctx, eventID)
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("get by user prefers non-canceled", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		userID := uniqueUserID()

		got, err := s.GetByUserID(ctx, userID)
		require.NoError(t, err)
		assert.Nil(t, got)

		live := testRecord(uniqueID("sub"), userID, subscription.StatusPastDue, 2000)
		_, err = s.UpsertBySubscriptionID(ctx, live.SubscriptionID, subscription.Mutation{Next: live})
		require.NoError(t, err)

		canceled := testRecord(uniqueID("sub"), userID, subscription.StatusCanceled, 3000)
		canceled.UpdatedAt = live.UpdatedAt.Add(time.Hour)
		_, err = s.UpsertBySubscriptionID(ctx, canceled.SubscriptionID, subscription.Mutation{Next: canceled})
		require.NoError(t, err)

		got, err = s.GetByUserID(ctx, userID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, live.SubscriptionID, got.SubscriptionID)
	})

	t.Run("prune ledger", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		cutoff := time.Now().UTC()

		for i, at := range []time.Time{cutoff.Add(-100 * 24 * time.Hour), cutoff.Add(time.Hour)} {
			subID := uniqueID("sub")
			_, err := s.UpsertBySubscriptionID(ctx, subID, subscription.Mutation{
				Next:   testRecord(subID, int64(i+1), subscription.StatusActive, 2000),
				Ledger: &subscription.LedgerEntry{EventID: subID + "_evt", SubscriptionID: subID, ProcessedAt: at},
			})
			require.NoError(t, err)
		}

		n, err := s.PruneLedger(ctx, cutoff)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
	})

	t.Run("count by status", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		before, err := s.CountByStatus(ctx)
		require.NoError(t, err)

		for _, status := range []subscription.Status{subscription.StatusActive, subscription.StatusActive, subscription.StatusCanceled} {
			subID := uniqueID("sub")
			_, err := s.UpsertBySubscriptionID(ctx, subID, subscription.Mutation{Next: testRecord(subID, 1, status, 2000)})
			require.NoError(t, err)
		}

		after, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, before[subscription.StatusActive]+2, after[subscription.StatusActive])
		assert.Equal(t, before[subscription.StatusCanceled]+1, after[subscription.StatusCanceled])
		require.NoError(t, s.Ping(ctx))
	})

	t.Run("rejects mismatched ids", func(t *testing.T) {
		s := open(t)
		_, err := s.UpsertBySubscriptionID(context.Background(), "sub_a", subscription.Mutation{Next: testRecord("sub_b", 1, subscription.StatusActive, 2000)})
		assert.ErrorIs(t, err, subscription.ErrInvalidCommand)
	})
}

func TestGuardOverSQLite_ConcurrentDeliveries(t *testing.T) {
	s := newTestSQLiteStore(t)
	guard := subscription.NewGuard(s)
	cmd := subscription.Activate{SubscriptionID: "sub_1", UserID: 4, Period: subscription.PeriodFromUnix(1000, 2000)}
	meta := subscription.EventMeta{ID: "evt_1", Type: "checkout.session.completed", OccurredAt: time.Unix(100, 0)}

	var wg sync.WaitGroup
	results := make(chan subscription.Outcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := guard.Apply(context.Background(), meta, cmd)
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			results <- res.Outcome
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for o := range results {
		if o == subscription.OutcomeCreated {
			created++
		} else {
			assert.Contains(t, []subscription.Outcome{subscription.OutcomeDuplicate, subscription.OutcomeStale}, o)
		}
	}
	assert.Equal(t, 1, created)

	rec, err := s.GetBySubscriptionID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
}

func TestIsPostgresURL(t *testing.T) {
	assert.True(t, IsPostgresURL("postgres://u:p@localhost/db"))
	assert.True(t, IsPostgresURL(" PostgreSQL://localhost/db"))
	assert.False(t, IsPostgresURL(""))
	assert.False(t, IsPostgresURL("/var/lib/subsync"))
}
