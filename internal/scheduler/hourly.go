package scheduler

import (
	"context"
	"log/slog"
	"time"

	jobmetrics "github.com/bondstock/bondstock/internal/jobs"
	"github.com/bondstock/bondstock/internal/recalcqueue"
)

// QueueMaintainer is the queue surface the hourly pass needs.
type QueueMaintainer interface {
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Depth(ctx context.Context, filter recalcqueue.DepthFilter) (int, error)
}

// HourlyJob is the periodic maintenance pass: reclaim claims orphaned by a
// crash mid-drain, purge run history past retention, refresh the queue-depth
// gauge.
type HourlyJob struct {
	queue      QueueMaintainer
	runs       RunsRepository
	metrics    *jobmetrics.Metrics
	staleAfter time.Duration
	retention  time.Duration
	logger     *slog.Logger
	clock      func() time.Time
}

// HourlyConfig groups the hourly job settings.
type HourlyConfig struct {
	Queue      QueueMaintainer
	Runs       RunsRepository
	Metrics    *jobmetrics.Metrics
	StaleAfter time.Duration // claims older than this go back to PENDING
	Retention  time.Duration // 0 keeps run history forever
	Logger     *slog.Logger
}

// NewHourlyJob builds the hourly maintenance body.
func NewHourlyJob(cfg HourlyConfig) *HourlyJob {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &HourlyJob{
		queue:      cfg.Queue,
		runs:       cfg.Runs,
		metrics:    cfg.Metrics,
		staleAfter: staleAfter,
		retention:  cfg.Retention,
		logger:     logger,
		clock:      time.Now,
	}
}

// WithClock overrides the job clock for testing.
func (j *HourlyJob) WithClock(fn func() time.Time) {
	if fn != nil {
		j.clock = fn
	}
}

// Run executes the maintenance pass. The success count is the number of rows
// touched (reclaimed claims plus purged runs).
func (j *HourlyJob) Run(ctx context.Context) (Report, error) {
	var report Report

	reclaimed, err := j.queue.ReclaimStale(ctx, j.staleAfter)
	if err != nil {
		return report, err
	}
	report.Success += int(reclaimed)

	if j.retention > 0 && j.runs != nil {
		purged, err := j.runs.PurgeBefore(ctx, j.clock().Add(-j.retention))
		if err != nil {
			return report, err
		}
		report.Success += int(purged)
		if purged > 0 {
			j.logger.Info("run history purged", slog.Int64("rows", purged))
		}
	}

	depth, err := j.queue.Depth(ctx, recalcqueue.DepthFilter{})
	if err != nil {
		return report, err
	}
	j.metrics.SetQueueDepth(depth)
	j.logger.Debug("maintenance pass finished",
		slog.Int64("reclaimed", reclaimed),
		slog.Int("queue_depth", depth),
	)
	return report, nil
}
