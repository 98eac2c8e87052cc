package billingsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rcourtman/subsync/internal/billingsync/subscription"
	"github.com/rcourtman/subsync/internal/billingsync/syncmetrics"
)

type fakePruneStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	removed int64
	err     error
}

func (f *fakePruneStore) PruneLedger(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return f.removed, f.err
}

func (f *fakePruneStore) cutoffsSnapshot() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.cutoffs...)
}

func TestLedgerPruner_PruneOnce(t *testing.T) {
	store := &fakePruneStore{removed: 4}
	p := NewLedgerPruner(store, 72*time.Hour)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	before := testutil.ToFloat64(syncmetrics.LedgerPrunedTotal)
	n, err := p.PruneOnce(context.Background())
	if err != nil {
		t.Fatalf("PruneOnce: %v", err)
	}
	if n != 4 {
		t.Fatalf("removed = %d, want 4", n)
	}
	if len(store.cutoffs) != 1 || !store.cutoffs[0].Equal(now.Add(-72*time.Hour)) {
		t.Fatalf("cutoffs = %v", store.cutoffs)
	}
	if got := testutil.ToFloat64(syncmetrics.LedgerPrunedTotal) - before; got != 4 {
		t.Fatalf("pruned counter delta = %v, want 4", got)
	}
}

func TestLedgerPruner_DisabledAndErrors(t *testing.T) {
	store := &fakePruneStore{}
	if n, err := NewLedgerPruner(store, 0).PruneOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("disabled pruner: n=%d err=%v", n, err)
	}
	if len(store.cutoffs) != 0 {
		t.Fatal("disabled pruner must not touch the store")
	}

	boom := errors.New("disk full")
	_, err := NewLedgerPruner(&fakePruneStore{err: boom}, 100*time.Hour).PruneOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestLedgerPruner_RunStopsOnCancel(t *testing.T) {
	store := &fakePruneStore{}
	p := NewLedgerPruner(store, 100*time.Hour)
	p.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(store.cutoffsSnapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("pruner never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type fakeCounter struct {
	counts map[subscription.Status]int
	err    error
}

func (f fakeCounter) CountByStatus(context.Context) (map[subscription.Status]int, error) {
	return f.counts, f.err
}

func statusGaugeValue(status subscription.Status) float64 {
	return testutil.ToFloat64(syncmetrics.SubscriptionsByStatus.WithLabelValues(string(status)))
}

func TestUpdateStatusGauges_KnownAndUnexpectedStatuses(t *testing.T) {
	unexpected := subscription.Status("unexpected_status_label")

	// Seed a stale value to verify known labels are overwritten.
	syncmetrics.SubscriptionsByStatus.WithLabelValues(string(subscription.StatusPastDue)).Set(99)

	updateStatusGauges(context.Background(), fakeCounter{counts: map[subscription.Status]int{
		subscription.StatusActive:   2,
		subscription.StatusCanceled: 1,
		unexpected:                  3,
	}})

	want := map[subscription.Status]float64{
		subscription.StatusNone:     0,
		subscription.StatusActive:   2,
		subscription.StatusPastDue:  0,
		subscription.StatusCanceled: 1,
		unexpected:                  3,
	}
	for status, v := range want {
		if got := statusGaugeValue(status); got != v {
			t.Fatalf("gauge[%s] = %v, want %v", status, got, v)
		}
	}
}

func TestUpdateStatusGauges_ErrorKeepsPreviousValues(t *testing.T) {
	syncmetrics.SubscriptionsByStatus.WithLabelValues(string(subscription.StatusActive)).Set(7)

	updateStatusGauges(context.Background(), fakeCounter{err: errors.New("db locked")})

	if got := statusGaugeValue(subscription.StatusActive); got != 7 {
		t.Fatalf("gauge changed on error: %v", got)
	}
}
