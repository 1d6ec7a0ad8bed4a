package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/bondstock/bondstock/internal/ledger"
)

// ItemSource lists the items touched on a given day.
type ItemSource interface {
	ItemsWithRecordsOn(ctx context.Context, date time.Time) ([]ledger.ItemRef, error)
}

// EODJob is the end-of-day snapshot pass: it re-runs the cascade from the
// closing date for every item mutated that day, then drains whatever is left
// in the queue. Same-day changes are enqueued deferred precisely because this
// pass recomputes them.
type EODJob struct {
	items  ItemSource
	recalc ChainRecalculator
	drain  *DrainJob
	loc    *time.Location
	logger *slog.Logger
	clock  func() time.Time
}

// NewEODJob builds the end-of-day body. drain may be nil to skip the trailing
// queue sweep.
func NewEODJob(items ItemSource, recalc ChainRecalculator, drain *DrainJob, loc *time.Location, logger *slog.Logger) *EODJob {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EODJob{
		items:  items,
		recalc: recalc,
		drain:  drain,
		loc:    loc,
		logger: logger,
		clock:  time.Now,
	}
}

// WithClock overrides the job clock for testing.
func (j *EODJob) WithClock(fn func() time.Time) {
	if fn != nil {
		j.clock = fn
	}
}

// closingDate is the day being closed: the job fires shortly after midnight,
// so the previous calendar day in the reference zone.
func (j *EODJob) closingDate() time.Time {
	now := j.clock().In(j.loc)
	y, m, d := now.AddDate(0, 0, -1).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, j.loc)
}

// Run executes the snapshot pass. Per-item failures are counted and skipped.
func (j *EODJob) Run(ctx context.Context) (Report, error) {
	var report Report
	date := j.closingDate()

	items, err := j.items.ItemsWithRecordsOn(ctx, date)
	if err != nil {
		return report, err
	}
	j.logger.Info("end-of-day pass started",
		slog.Time("closing_date", date),
		slog.Int("items", len(items)),
	)

	for _, item := range items {
		if ctx.Err() != nil {
			return report, nil
		}
		if _, err := j.recalc.RecalculateFromChain(ctx, item, date); err != nil {
			report.Failed++
			j.logger.Warn("end-of-day recompute failed",
				slog.String("item", item.String()), slog.Any("error", err))
			continue
		}
		report.Success++
	}

	if j.drain != nil {
		drained, err := j.drain.Run(ctx)
		report.Success += drained.Success
		report.Failed += drained.Failed
		if err != nil {
			return report, err
		}
	}
	return report, nil
}
