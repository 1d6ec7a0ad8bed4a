package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bondstock/bondstock/internal/ledger"
	"github.com/bondstock/bondstock/internal/recalcqueue"
)

// QueueConsumer is the queue surface the drain needs.
type QueueConsumer interface {
	DequeueBatch(ctx context.Context, limit int) ([]recalcqueue.Entry, error)
	MarkCompleted(ctx context.Context, entry recalcqueue.Entry) error
	MarkFailed(ctx context.Context, entry recalcqueue.Entry, cause error) error
	Release(ctx context.Context, entry recalcqueue.Entry) error
}

// ChainRecalculator runs the cascade for one queue entry.
type ChainRecalculator interface {
	RecalculateFromChain(ctx context.Context, item ledger.ItemRef, fromDate time.Time) (ledger.RecalcOutcome, error)
}

// DrainJob claims pending queue entries and recalculates them one at a time.
// Entries are processed sequentially so at most one cascading recalculation
// per item is in flight and the database load stays predictable.
type DrainJob struct {
	queue     QueueConsumer
	recalc    ChainRecalculator
	batchSize int
	logger    *slog.Logger
}

// NewDrainJob builds the recalc-queue drain body.
func NewDrainJob(queue QueueConsumer, recalc ChainRecalculator, batchSize int, logger *slog.Logger) *DrainJob {
	if batchSize <= 0 {
		batchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DrainJob{queue: queue, recalc: recalc, batchSize: batchSize, logger: logger}
}

// Run drains batches until the queue is empty or the run deadline is hit.
// Per-entry failures are recorded on the entry and counted; they never abort
// the batch. On deadline, claimed-but-unprocessed entries are released back
// to PENDING for the next cycle.
func (j *DrainJob) Run(ctx context.Context) (Report, error) {
	var report Report
	for {
		if err := ctx.Err(); err != nil {
			return report, nil
		}
		entries, err := j.queue.DequeueBatch(ctx, j.batchSize)
		if err != nil {
			return report, err
		}
		if len(entries) == 0 {
			return report, nil
		}
		if stopped := j.processBatch(ctx, entries, &report); stopped {
			return report, nil
		}
	}
}

// processBatch handles one claimed batch in the order established at dequeue
// time. Reports whether the deadline cut the batch short.
func (j *DrainJob) processBatch(ctx context.Context, entries []recalcqueue.Entry, report *Report) bool {
	for i, entry := range entries {
		if ctx.Err() != nil {
			j.releaseRemainder(entries[i:])
			return true
		}
		if err := j.processEntry(ctx, entry); err != nil {
			report.Failed++
		} else {
			report.Success++
		}
	}
	return false
}

func (j *DrainJob) processEntry(ctx context.Context, entry recalcqueue.Entry) error {
	item := ledger.ItemRef{
		CompanyCode: entry.Key.CompanyCode,
		ItemType:    ledger.ItemType(entry.Key.ItemType),
		ItemCode:    entry.Key.ItemCode,
	}
	outcome, err := j.recalc.RecalculateFromChain(ctx, item, entry.Key.Date)
	// The run deadline can expire mid-recalculation; finalizing on the dead
	// context would fail and strand the entry PROCESSING until the hourly
	// reclaim. Finalize on a fresh short-lived context instead.
	markCtx, cancel := finalizeContext(ctx)
	defer cancel()
	if err != nil {
		j.logEntryFailure(entry, err)
		if markErr := j.queue.MarkFailed(markCtx, entry, err); markErr != nil {
			j.logger.Error("mark entry failed", slog.Int64("entry", entry.ID), slog.Any("error", markErr))
		}
		return err
	}
	if err := j.queue.MarkCompleted(markCtx, entry); err != nil {
		j.logger.Error("mark entry completed", slog.Int64("entry", entry.ID), slog.Any("error", err))
		return err
	}
	j.logger.Debug("queue entry recalculated",
		slog.String("key", entry.Key.String()),
		slog.Int("records", outcome.RecordsUpdated),
	)
	return nil
}

// finalizeContext returns ctx while it is still live, or a fresh short-lived
// context once the run deadline has passed.
func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// releaseRemainder returns unprocessed claims to PENDING. The run context may
// already be past its deadline, so release on a fresh short-lived context.
func (j *DrainJob) releaseRemainder(entries []recalcqueue.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, entry := range entries {
		if err := j.queue.Release(ctx, entry); err != nil {
			j.logger.Error("release entry", slog.Int64("entry", entry.ID), slog.Any("error", err))
		}
	}
	if len(entries) > 0 {
		j.logger.Warn("drain deadline reached, released unprocessed claims", slog.Int("released", len(entries)))
	}
}

func (j *DrainJob) logEntryFailure(entry recalcqueue.Entry, err error) {
	switch {
	case errors.Is(err, ledger.ErrItemNotFound):
		j.logger.Warn("queue entry refers to item without history",
			slog.String("key", entry.Key.String()))
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, ledger.ErrTimeout):
		j.logger.Warn("recalculation failed, retryable",
			slog.String("key", entry.Key.String()), slog.Any("error", err))
	default:
		j.logger.Error("recalculation failed",
			slog.String("key", entry.Key.String()), slog.Any("error", err))
	}
}
