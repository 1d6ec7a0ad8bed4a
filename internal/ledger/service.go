package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Enqueuer defers recalculation work instead of running it inline. Implemented
// by the recalc queue service.
type Enqueuer interface {
	EnqueueRecalculation(ctx context.Context, companyCode, itemType, itemCode string, date time.Time, reason string) error
}

// Service owns the MutationRecord write paths. Ordinary postings record the
// quantities and defer the cascade to the queue; beginning-balance corrections
// cascade synchronously because their blast radius is known and small.
type Service struct {
	repo   RepositoryPort
	recalc *Recalculator
	queue  Enqueuer
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds the ledger write service.
func NewService(repo RepositoryPort, recalc *Recalculator, queue Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		recalc: recalc,
		queue:  queue,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// SetBeginningBalance seeds or corrects the record at date with an explicit
// opening balance and recascades every later record in the same transaction.
func (s *Service) SetBeginningBalance(ctx context.Context, item ItemRef, date time.Time, opening float64, remark string) (RecalcOutcome, error) {
	if err := item.Validate(); err != nil {
		return RecalcOutcome{}, err
	}
	if date.IsZero() {
		return RecalcOutcome{}, errors.New("ledger: beginning balance date required")
	}

	outcome := RecalcOutcome{Item: item, FromDate: date}
	err := s.repo.WithChainTx(ctx, func(ctx context.Context, tx ChainTx) error {
		record := MutationRecord{Item: item, RecordDate: date, Remark: remark}
		record.ComputeBalances(opening)
		if _, err := tx.UpsertRecord(ctx, record); err != nil {
			return err
		}
		updated, finalClosing, err := cascade(ctx, tx, item, date, opening)
		if err != nil {
			return err
		}
		outcome.RecordsUpdated = updated
		outcome.FinalClosing = finalClosing
		return nil
	})
	if err != nil {
		return RecalcOutcome{}, s.recalc.mapError(item, err)
	}

	s.logger.Info("beginning balance applied",
		slog.String("item", item.String()),
		slog.Time("date", date),
		slog.Float64("opening", opening),
		slog.Int("records", outcome.RecordsUpdated),
	)
	return outcome, nil
}

// PostMutation merges a transaction posting into the (item, date) record. The
// stored quantities are updated immediately; the balance cascade is deferred
// to the recalc queue, so closing balances downstream of the posting stay
// stale until the next drain.
func (s *Service) PostMutation(ctx context.Context, input MutationInput) (MutationRecord, error) {
	if err := input.Item.Validate(); err != nil {
		return MutationRecord{}, err
	}
	if input.Date.IsZero() {
		return MutationRecord{}, errors.New("ledger: mutation date required")
	}
	if input.Incoming < 0 || input.Outgoing < 0 {
		return MutationRecord{}, errors.New("ledger: incoming and outgoing must be >= 0")
	}
	if input.Incoming == 0 && input.Outgoing == 0 && input.Adjustment == 0 && input.PhysicalCount == 0 {
		return MutationRecord{}, errors.New("ledger: mutation requires at least one quantity")
	}

	var saved MutationRecord
	err := s.repo.WithChainTx(ctx, func(ctx context.Context, tx ChainTx) error {
		record := MutationRecord{
			Item:          input.Item,
			RecordDate:    input.Date,
			Incoming:      input.Incoming,
			Outgoing:      input.Outgoing,
			Adjustment:    input.Adjustment,
			PhysicalCount: input.PhysicalCount,
			Remark:        input.Remark,
		}
		var err error
		saved, err = tx.UpsertRecord(ctx, record)
		return err
	})
	if err != nil {
		return MutationRecord{}, s.recalc.mapError(input.Item, err)
	}

	if s.queue != nil {
		reason := fmt.Sprintf("mutation posted on %s", input.Date.Format("2006-01-02"))
		err := s.queue.EnqueueRecalculation(ctx,
			input.Item.CompanyCode, string(input.Item.ItemType), input.Item.ItemCode,
			input.Date, reason)
		if err != nil {
			return MutationRecord{}, fmt.Errorf("ledger: enqueue recalculation: %w", err)
		}
	}
	return saved, nil
}

// StockCard returns the chain slice for reporting surfaces. The read is
// lock-free: a concurrent recalculation holding the chain under FOR UPDATE
// must not block or abort a report.
func (s *Service) StockCard(ctx context.Context, item ItemRef, from time.Time) ([]MutationRecord, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListChain(ctx, item, from)
}
