package recalcqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
)

// Store abstracts queue persistence for the service.
type Store interface {
	Upsert(ctx context.Context, key Key, priority Priority, reason string, now time.Time) error
	DequeueBatch(ctx context.Context, limit int) ([]Entry, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause string) error
	Release(ctx context.Context, id int64) error
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
	Depth(ctx context.Context, filter DepthFilter) (int, error)
}

// Service validates and coordinates queue operations. Write paths are the
// producers; the scheduler's drain job is the sole consumer.
type Service struct {
	store    Store
	validate *validator.Validate
	logger   *slog.Logger
	loc      *time.Location
	now      func() time.Time
}

// NewService builds the queue service. loc is the reference time zone used to
// classify backdated versus same-day changes.
func NewService(store Store, loc *time.Location, logger *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		validate: validator.New(),
		logger:   logger,
		loc:      loc,
		now:      time.Now,
	}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// Enqueue upserts a PENDING entry for the key. Re-enqueueing an existing key
// raises its priority to the max of old and new, so repeated invalidations of
// the same item/date collapse into one unit of work.
func (s *Service) Enqueue(ctx context.Context, key Key, priority Priority, reason string) error {
	if err := s.validate.Struct(key); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !priority.Valid() {
		return fmt.Errorf("%w: unknown priority %d", ErrValidation, int(priority))
	}
	if err := s.store.Upsert(ctx, key, priority, reason, s.now()); err != nil {
		return fmt.Errorf("recalcqueue: enqueue %s: %w", key, err)
	}
	s.logger.Debug("recalculation queued",
		slog.String("key", key.String()),
		slog.String("priority", priority.String()),
		slog.String("reason", reason),
	)
	return nil
}

// EnqueueRecalculation is the producer entry point used by write paths. The
// priority is derived from the effective date: backdated changes are urgent,
// same-day changes wait for the end-of-day pass.
func (s *Service) EnqueueRecalculation(ctx context.Context, companyCode, itemType, itemCode string, date time.Time, reason string) error {
	key := Key{CompanyCode: companyCode, ItemType: itemType, ItemCode: itemCode, Date: date}
	priority := PriorityFor(date, s.now(), s.loc)
	return s.Enqueue(ctx, key, priority, reason)
}

// DequeueBatch claims up to limit pending entries in priority-then-FIFO order.
func (s *Service) DequeueBatch(ctx context.Context, limit int) ([]Entry, error) {
	return s.store.DequeueBatch(ctx, limit)
}

// MarkCompleted finalises a claimed entry after a successful recalculation.
func (s *Service) MarkCompleted(ctx context.Context, entry Entry) error {
	return s.store.MarkCompleted(ctx, entry.ID)
}

// MarkFailed finalises a claimed entry with the recalculation error.
func (s *Service) MarkFailed(ctx context.Context, entry Entry, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.store.MarkFailed(ctx, entry.ID, msg)
}

// Release returns a claimed entry to PENDING without processing it.
func (s *Service) Release(ctx context.Context, entry Entry) error {
	return s.store.Release(ctx, entry.ID)
}

// ReclaimStale returns claims older than the threshold to PENDING.
func (s *Service) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	reclaimed, err := s.store.ReclaimStale(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		s.logger.Warn("reclaimed stale queue claims", slog.Int64("count", reclaimed))
	}
	return reclaimed, nil
}

// Depth counts pending entries.
func (s *Service) Depth(ctx context.Context, filter DepthFilter) (int, error) {
	return s.store.Depth(ctx, filter)
}
