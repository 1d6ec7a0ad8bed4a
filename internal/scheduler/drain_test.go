package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bondstock/bondstock/internal/ledger"
	"github.com/bondstock/bondstock/internal/recalcqueue"
)

// fakeQueue is an in-memory QueueConsumer and QueueMaintainer. With strictCtx
// set, finalize calls fail on an expired context the way a real store would.
type fakeQueue struct {
	pending   []recalcqueue.Entry
	completed []int64
	failed    map[int64]string
	released  []int64
	reclaimed int64
	depth     int
	strictCtx bool
}

func newFakeQueue(entries ...recalcqueue.Entry) *fakeQueue {
	return &fakeQueue{pending: entries, failed: map[int64]string{}}
}

func (q *fakeQueue) DequeueBatch(ctx context.Context, limit int) ([]recalcqueue.Entry, error) {
	if limit > len(q.pending) {
		limit = len(q.pending)
	}
	batch := q.pending[:limit]
	q.pending = q.pending[limit:]
	return batch, nil
}

func (q *fakeQueue) MarkCompleted(ctx context.Context, entry recalcqueue.Entry) error {
	if q.strictCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	q.completed = append(q.completed, entry.ID)
	return nil
}

func (q *fakeQueue) MarkFailed(ctx context.Context, entry recalcqueue.Entry, cause error) error {
	if q.strictCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	q.failed[entry.ID] = cause.Error()
	return nil
}

func (q *fakeQueue) Release(ctx context.Context, entry recalcqueue.Entry) error {
	q.released = append(q.released, entry.ID)
	return nil
}

func (q *fakeQueue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	return q.reclaimed, nil
}

func (q *fakeQueue) Depth(ctx context.Context, filter recalcqueue.DepthFilter) (int, error) {
	return q.depth, nil
}

// fakeRecalc fails for the item codes listed in failOn.
type fakeRecalc struct {
	calls  []string
	failOn map[string]error
	onCall func(n int)
}

func (r *fakeRecalc) RecalculateFromChain(ctx context.Context, item ledger.ItemRef, fromDate time.Time) (ledger.RecalcOutcome, error) {
	r.calls = append(r.calls, item.ItemCode)
	if r.onCall != nil {
		r.onCall(len(r.calls))
	}
	if err, ok := r.failOn[item.ItemCode]; ok {
		return ledger.RecalcOutcome{}, err
	}
	return ledger.RecalcOutcome{Item: item, RecordsUpdated: 1}, nil
}

func drainEntries(n int) []recalcqueue.Entry {
	entries := make([]recalcqueue.Entry, 0, n)
	for i := 1; i <= n; i++ {
		entries = append(entries, recalcqueue.Entry{
			ID:     int64(i),
			Status: recalcqueue.StatusProcessing,
			Key: recalcqueue.Key{
				CompanyCode: "KB001",
				ItemType:    "BAHAN_BAKU",
				ItemCode:    fmt.Sprintf("RM-%04d", i),
				Date:        time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC),
			},
		})
	}
	return entries
}

func TestDrainProcessesWholeQueue(t *testing.T) {
	queue := newFakeQueue(drainEntries(5)...)
	recalc := &fakeRecalc{}
	job := NewDrainJob(queue, recalc, 2, nil)

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{Success: 5}, report)
	require.Len(t, queue.completed, 5)
	require.Empty(t, queue.failed)
	require.Len(t, recalc.calls, 5)
}

func TestDrainOneFailureDoesNotAbortBatch(t *testing.T) {
	queue := newFakeQueue(drainEntries(5)...)
	recalc := &fakeRecalc{failOn: map[string]error{
		"RM-0003": fmt.Errorf("%w: RM-0003", ledger.ErrTimeout),
	}}
	job := NewDrainJob(queue, recalc, 10, nil)

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, report.Success)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 5, report.Success+report.Failed)

	require.ElementsMatch(t, []int64{1, 2, 4, 5}, queue.completed)
	require.Contains(t, queue.failed[3], "timed out")
	require.Empty(t, queue.released)
}

func TestDrainEmptyQueue(t *testing.T) {
	queue := newFakeQueue()
	job := NewDrainJob(queue, &fakeRecalc{}, 10, nil)

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Report{}, report)
}

func TestDrainDeadlineReleasesUnprocessedClaims(t *testing.T) {
	queue := newFakeQueue(drainEntries(5)...)
	ctx, cancel := context.WithCancel(context.Background())
	recalc := &fakeRecalc{onCall: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	job := NewDrainJob(queue, recalc, 10, nil)

	report, err := job.Run(ctx)
	require.NoError(t, err) // deadline is a normal stop, not a job failure
	require.Equal(t, 2, report.Success)
	require.Zero(t, report.Failed)
	require.ElementsMatch(t, []int64{3, 4, 5}, queue.released)
}

func TestDrainFinalizesInFlightEntryAfterDeadline(t *testing.T) {
	queue := newFakeQueue(drainEntries(3)...)
	queue.strictCtx = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The deadline expires while entry 1 is being recalculated and the
	// recalculation itself gives up; the failure must still be recorded on the
	// entry instead of leaving it claimed until the hourly reclaim.
	recalc := &fakeRecalc{
		failOn: map[string]error{"RM-0001": fmt.Errorf("%w: RM-0001", ledger.ErrTimeout)},
		onCall: func(n int) {
			if n == 1 {
				cancel()
			}
		},
	}
	job := NewDrainJob(queue, recalc, 10, nil)

	report, err := job.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Contains(t, queue.failed[1], "timed out")
	require.ElementsMatch(t, []int64{2, 3}, queue.released)
}

func TestDrainCompletesInFlightEntryAfterDeadline(t *testing.T) {
	queue := newFakeQueue(drainEntries(2)...)
	queue.strictCtx = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Here the recalculation finishes despite the expired run context; the
	// completion must land rather than stranding a finished entry PROCESSING.
	recalc := &fakeRecalc{onCall: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	job := NewDrainJob(queue, recalc, 10, nil)

	report, err := job.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Success)
	require.Equal(t, []int64{1}, queue.completed)
	require.Equal(t, []int64{2}, queue.released)
}

func TestDrainStopsBetweenBatches(t *testing.T) {
	queue := newFakeQueue(drainEntries(4)...)
	ctx, cancel := context.WithCancel(context.Background())
	recalc := &fakeRecalc{onCall: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	job := NewDrainJob(queue, recalc, 2, nil)

	report, err := job.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Success)
	// The second batch was never claimed.
	require.Len(t, queue.pending, 2)
	require.Empty(t, queue.released)
}

type fakeItemSource struct {
	items  []ledger.ItemRef
	gotDay time.Time
}

func (s *fakeItemSource) ItemsWithRecordsOn(ctx context.Context, date time.Time) ([]ledger.ItemRef, error) {
	s.gotDay = date
	return s.items, nil
}

func TestEODRecomputesItemsMutatedOnClosingDate(t *testing.T) {
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)

	source := &fakeItemSource{items: []ledger.ItemRef{
		{CompanyCode: "KB001", ItemType: ledger.ItemTypeRawMaterial, ItemCode: "RM-0001"},
		{CompanyCode: "KB001", ItemType: ledger.ItemTypeFinishedGoods, ItemCode: "FG-0001"},
		{CompanyCode: "KB001", ItemType: ledger.ItemTypeScrap, ItemCode: "SC-0001"},
	}}
	recalc := &fakeRecalc{failOn: map[string]error{
		"FG-0001": errors.New("boom"),
	}}
	job := NewEODJob(source, recalc, nil, jakarta, nil)
	// Fires at 00:10 on March 4th; the day being closed is March 3rd.
	job.WithClock(func() time.Time {
		return time.Date(2026, time.March, 4, 0, 10, 0, 0, jakarta)
	})

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Success)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, time.Date(2026, time.March, 3, 0, 0, 0, 0, jakarta), source.gotDay)
	require.Equal(t, []string{"RM-0001", "FG-0001", "SC-0001"}, recalc.calls)
}

func TestEODRunsTrailingDrain(t *testing.T) {
	source := &fakeItemSource{items: []ledger.ItemRef{
		{CompanyCode: "KB001", ItemType: ledger.ItemTypeRawMaterial, ItemCode: "RM-0001"},
	}}
	recalc := &fakeRecalc{}
	queue := newFakeQueue(drainEntries(2)...)
	drain := NewDrainJob(queue, recalc, 10, nil)
	job := NewEODJob(source, recalc, drain, time.UTC, nil)

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Success)
	require.Len(t, queue.completed, 2)
}

func TestHourlyReclaimsAndPurges(t *testing.T) {
	queue := newFakeQueue()
	queue.reclaimed = 2
	queue.depth = 7
	runs := &memoryRuns{}
	old := time.Now().Add(-90 * 24 * time.Hour)
	_, err := runs.InsertRun(context.Background(), BatchJobRun{Type: JobEODSnapshot, Status: RunCompleted, StartedAt: old})
	require.NoError(t, err)

	job := NewHourlyJob(HourlyConfig{
		Queue:     queue,
		Runs:      runs,
		Retention: 60 * 24 * time.Hour,
	})

	report, err := job.Run(context.Background())
	require.NoError(t, err)
	// 2 reclaimed claims + 1 purged run.
	require.Equal(t, 3, report.Success)
	require.Empty(t, runs.rows)
}

func TestHourlyZeroRetentionKeepsHistory(t *testing.T) {
	queue := newFakeQueue()
	runs := &memoryRuns{}
	_, err := runs.InsertRun(context.Background(), BatchJobRun{
		Type: JobEODSnapshot, Status: RunCompleted,
		StartedAt: time.Now().Add(-365 * 24 * time.Hour),
	})
	require.NoError(t, err)

	job := NewHourlyJob(HourlyConfig{Queue: queue, Runs: runs})
	report, err := job.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Success)
	require.Len(t, runs.rows, 1)
}
