package recalcqueue

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	entries []*Entry
	nextID  int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{}
}

func (m *memoryStore) find(key Key) *Entry {
	for _, e := range m.entries {
		if e.Key.CompanyCode == key.CompanyCode && e.Key.ItemType == key.ItemType &&
			e.Key.ItemCode == key.ItemCode && e.Key.Date.Equal(key.Date) {
			return e
		}
	}
	return nil
}

func (m *memoryStore) byID(id int64) *Entry {
	for _, e := range m.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (m *memoryStore) Upsert(ctx context.Context, key Key, priority Priority, reason string, now time.Time) error {
	if existing := m.find(key); existing != nil {
		if priority > existing.Priority {
			existing.Priority = priority
		}
		existing.Reason = reason
		existing.QueuedAt = now
		existing.Status = StatusPending
		existing.ClaimedAt = nil
		existing.ProcessedAt = nil
		existing.LastError = ""
		return nil
	}
	m.nextID++
	m.entries = append(m.entries, &Entry{
		ID: m.nextID, Key: key, Status: StatusPending,
		Priority: priority, Reason: reason, QueuedAt: now,
	})
	return nil
}

func (m *memoryStore) DequeueBatch(ctx context.Context, limit int) ([]Entry, error) {
	pending := []*Entry{}
	for _, e := range m.entries {
		if e.Status == StatusPending {
			pending = append(pending, e)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].QueuedAt.Before(pending[j].QueuedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	claimed := make([]Entry, 0, len(pending))
	now := time.Now()
	for _, e := range pending {
		e.Status = StatusProcessing
		e.ClaimedAt = &now
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

func (m *memoryStore) MarkCompleted(ctx context.Context, id int64) error {
	if e := m.byID(id); e != nil && e.Status == StatusProcessing {
		now := time.Now()
		e.Status = StatusCompleted
		e.ProcessedAt = &now
		e.LastError = ""
	}
	return nil
}

func (m *memoryStore) MarkFailed(ctx context.Context, id int64, cause string) error {
	if e := m.byID(id); e != nil && e.Status == StatusProcessing {
		now := time.Now()
		e.Status = StatusFailed
		e.ProcessedAt = &now
		e.LastError = cause
	}
	return nil
}

func (m *memoryStore) Release(ctx context.Context, id int64) error {
	if e := m.byID(id); e != nil && e.Status == StatusProcessing {
		e.Status = StatusPending
		e.ClaimedAt = nil
	}
	return nil
}

func (m *memoryStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for _, e := range m.entries {
		if e.Status == StatusProcessing && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Status = StatusPending
			e.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Depth(ctx context.Context, filter DepthFilter) (int, error) {
	n := 0
	for _, e := range m.entries {
		if e.Status != StatusPending {
			continue
		}
		if filter.CompanyCode != "" && e.Key.CompanyCode != filter.CompanyCode {
			continue
		}
		if filter.Priority != nil && e.Priority != *filter.Priority {
			continue
		}
		n++
	}
	return n, nil
}

func queueKey(code string) Key {
	return Key{
		CompanyCode: "KB001",
		ItemType:    "BAHAN_BAKU",
		ItemCode:    code,
		Date:        time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC),
	}
}

func TestEnqueueIsIdempotentPerKey(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, time.UTC, nil)

	key := queueKey("RM-0001")
	require.NoError(t, svc.Enqueue(context.Background(), key, PriorityDeferred, "first"))
	require.NoError(t, svc.Enqueue(context.Background(), key, PriorityUrgent, "second"))
	require.NoError(t, svc.Enqueue(context.Background(), key, PriorityDeferred, "third"))

	require.Len(t, store.entries, 1)
	entry := store.entries[0]
	require.Equal(t, StatusPending, entry.Status)
	// max(deferred, urgent, deferred) = urgent; a later lower-priority enqueue
	// must not downgrade the entry.
	require.Equal(t, PriorityUrgent, entry.Priority)
	require.Equal(t, "third", entry.Reason)
}

func TestEnqueueValidation(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, time.UTC, nil)

	err := svc.Enqueue(context.Background(), Key{ItemType: "BAHAN_BAKU", ItemCode: "RM-0001"}, PriorityUrgent, "x")
	require.ErrorIs(t, err, ErrValidation)

	err = svc.Enqueue(context.Background(), queueKey("RM-0001"), Priority(7), "x")
	require.ErrorIs(t, err, ErrValidation)

	require.Empty(t, store.entries)
}

func TestDequeueOrdersUrgentFirstThenFIFO(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, time.UTC, nil)

	base := time.Date(2026, time.March, 3, 8, 0, 0, 0, time.UTC)
	tick := 0
	svc.WithNow(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	require.NoError(t, svc.Enqueue(context.Background(), queueKey("D-1"), PriorityDeferred, "d1"))
	require.NoError(t, svc.Enqueue(context.Background(), queueKey("U-1"), PriorityUrgent, "u1"))
	require.NoError(t, svc.Enqueue(context.Background(), queueKey("D-2"), PriorityDeferred, "d2"))
	require.NoError(t, svc.Enqueue(context.Background(), queueKey("U-2"), PriorityUrgent, "u2"))

	batch, err := svc.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 4)
	codes := []string{}
	for _, e := range batch {
		codes = append(codes, e.Key.ItemCode)
		require.Equal(t, StatusProcessing, e.Status)
	}
	require.Equal(t, []string{"U-1", "U-2", "D-1", "D-2"}, codes)
}

func TestDequeueDoesNotDoubleClaim(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, time.UTC, nil)

	for _, code := range []string{"A", "B", "C"} {
		require.NoError(t, svc.Enqueue(context.Background(), queueKey(code), PriorityUrgent, "x"))
	}

	first, err := svc.DequeueBatch(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := svc.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, "C", second[0].Key.ItemCode)
}

func TestMarkFailedRecordsCauseAndAllowsReenqueue(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, time.UTC, nil)

	key := queueKey("RM-0001")
	require.NoError(t, svc.Enqueue(context.Background(), key, PriorityUrgent, "initial"))
	batch, err := svc.DequeueBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, svc.MarkFailed(context.Background(), batch[0], errors.New("chain recompute timed out")))
	entry := store.byID(batch[0].ID)
	require.Equal(t, StatusFailed, entry.Status)
	require.Equal(t, "chain recompute timed out", entry.LastError)

	// A failed key can be enqueued again; the same row returns to PENDING.
	require.NoError(t, svc.Enqueue(context.Background(), key, PriorityUrgent, "retry"))
	require.Len(t, store.entries, 1)
	require.Equal(t, StatusPending, entry.Status)
	require.Empty(t, entry.LastError)
}

func TestEnqueueWhileProcessingRevokesClaim(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, time.UTC, nil)

	key := queueKey("RM-0001")
	require.NoError(t, svc.Enqueue(context.Background(), key, PriorityDeferred, "initial"))
	batch, err := svc.DequeueBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// A write landing while the drain holds the claim invalidates the pass in
	// flight: the row returns to PENDING and the priority bump sticks.
	require.NoError(t, svc.Enqueue(context.Background(), key, PriorityUrgent, "while claimed"))
	entry := store.byID(batch[0].ID)
	require.Equal(t, StatusPending, entry.Status)
	require.Equal(t, PriorityUrgent, entry.Priority)

	// The stale pass finishing afterwards must not swallow the newer work: the
	// finalize no-ops and the entry stays queued for the next cycle.
	require.NoError(t, svc.MarkCompleted(context.Background(), batch[0]))
	require.Equal(t, StatusPending, entry.Status)
	depth, err := svc.Depth(context.Background(), DepthFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	rebatch, err := svc.DequeueBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rebatch, 1)
	require.Equal(t, batch[0].ID, rebatch[0].ID)
}

func TestReleaseReturnsClaimToPending(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, time.UTC, nil)

	require.NoError(t, svc.Enqueue(context.Background(), queueKey("RM-0001"), PriorityUrgent, "x"))
	batch, err := svc.DequeueBatch(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, svc.Release(context.Background(), batch[0]))

	depth, err := svc.Depth(context.Background(), DepthFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, depth)
}

func TestReclaimStaleClaims(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, time.UTC, nil)

	require.NoError(t, svc.Enqueue(context.Background(), queueKey("OLD"), PriorityUrgent, "x"))
	require.NoError(t, svc.Enqueue(context.Background(), queueKey("NEW"), PriorityUrgent, "x"))
	batch, err := svc.DequeueBatch(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	stale := time.Now().Add(-time.Hour)
	store.byID(batch[0].ID).ClaimedAt = &stale

	reclaimed, err := svc.ReclaimStale(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, reclaimed)
	require.Equal(t, StatusPending, store.byID(batch[0].ID).Status)
	require.Equal(t, StatusProcessing, store.byID(batch[1].ID).Status)
}

func TestPriorityForClassifiesByReferenceZone(t *testing.T) {
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)

	now := time.Date(2026, time.March, 10, 14, 0, 0, 0, jakarta)

	backdated := time.Date(2026, time.March, 9, 0, 0, 0, 0, jakarta)
	require.Equal(t, PriorityUrgent, PriorityFor(backdated, now, jakarta))

	sameDay := time.Date(2026, time.March, 10, 9, 0, 0, 0, jakarta)
	require.Equal(t, PriorityDeferred, PriorityFor(sameDay, now, jakarta))

	future := time.Date(2026, time.March, 11, 0, 0, 0, 0, jakarta)
	require.Equal(t, PriorityDeferred, PriorityFor(future, now, jakarta))

	// 2026-03-10 20:00 UTC is already 03:00 on the 11th in Jakarta; the day
	// boundary follows the reference zone, not UTC.
	utcEvening := time.Date(2026, time.March, 10, 20, 0, 0, 0, time.UTC)
	require.Equal(t, PriorityUrgent, PriorityFor(utcEvening.Add(-24*time.Hour), utcEvening, jakarta))
	require.Equal(t, PriorityDeferred, PriorityFor(utcEvening, utcEvening, jakarta))
}

func TestDepthFilters(t *testing.T) {
	store := newMemoryStore()
	svc := NewService(store, time.UTC, nil)

	require.NoError(t, svc.Enqueue(context.Background(), queueKey("A"), PriorityUrgent, "x"))
	require.NoError(t, svc.Enqueue(context.Background(), queueKey("B"), PriorityDeferred, "x"))
	other := queueKey("C")
	other.CompanyCode = "KB002"
	require.NoError(t, svc.Enqueue(context.Background(), other, PriorityUrgent, "x"))

	total, err := svc.Depth(context.Background(), DepthFilter{})
	require.NoError(t, err)
	require.Equal(t, 3, total)

	urgent := PriorityUrgent
	n, err := svc.Depth(context.Background(), DepthFilter{Priority: &urgent})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = svc.Depth(context.Background(), DepthFilter{CompanyCode: "KB002"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
