package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ChainTx exposes the per-item chain operations available inside one
// serializable transaction.
type ChainTx interface {
	HasHistory(ctx context.Context, item ItemRef) (bool, error)
	ListFromDate(ctx context.Context, item ItemRef, fromDate time.Time) ([]MutationRecord, error)
	PriorClosing(ctx context.Context, item ItemRef, before time.Time) (float64, bool, error)
	UpdateBalances(ctx context.Context, id int64, opening, closing, variance float64) error
	UpsertRecord(ctx context.Context, record MutationRecord) (MutationRecord, error)
}

// RepositoryPort abstracts chain persistence for the recalculator and the
// write service. ListChain is the lock-free read used by reporting surfaces;
// it must never take row locks.
type RepositoryPort interface {
	WithChainTx(ctx context.Context, fn func(context.Context, ChainTx) error) error
	ListChain(ctx context.Context, item ItemRef, fromDate time.Time) ([]MutationRecord, error)
}

// Recalculator performs the cascading balance recomputation for one item
// chain. The scan-and-update is one serializable transaction: either every
// record from the correction point onward carries the new running balance, or
// none does.
type Recalculator struct {
	repo    RepositoryPort
	timeout time.Duration
	logger  *slog.Logger
}

// NewRecalculator builds a Recalculator. A non-positive timeout falls back to
// thirty seconds.
func NewRecalculator(repo RepositoryPort, timeout time.Duration, logger *slog.Logger) *Recalculator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recalculator{repo: repo, timeout: timeout, logger: logger}
}

// Recalculate applies newOpening at the earliest record on or after fromDate
// and cascades the running balance through every later record of the item.
// When no record exists on or after fromDate the call is a no-op success.
func (r *Recalculator) Recalculate(ctx context.Context, item ItemRef, fromDate time.Time, newOpening float64) (RecalcOutcome, error) {
	if err := item.Validate(); err != nil {
		return RecalcOutcome{}, err
	}
	outcome := RecalcOutcome{Item: item, FromDate: fromDate}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.repo.WithChainTx(ctx, func(ctx context.Context, tx ChainTx) error {
		ok, err := tx.HasHistory(ctx, item)
		if err != nil {
			return err
		}
		if !ok {
			return ErrItemNotFound
		}
		updated, finalClosing, err := cascade(ctx, tx, item, fromDate, newOpening)
		if err != nil {
			return err
		}
		outcome.RecordsUpdated = updated
		outcome.FinalClosing = finalClosing
		return nil
	})
	if err != nil {
		return RecalcOutcome{}, r.mapError(item, err)
	}

	r.logger.Debug("chain recalculated",
		slog.String("item", item.String()),
		slog.Time("from", fromDate),
		slog.Int("records", outcome.RecordsUpdated),
	)
	return outcome, nil
}

// RecalculateFromChain derives the opening balance at fromDate from the item's
// own chain (the closing of the last record before fromDate, or the first
// affected record's stored opening when nothing precedes it) and cascades from
// there. The derivation and the cascade share one transaction.
func (r *Recalculator) RecalculateFromChain(ctx context.Context, item ItemRef, fromDate time.Time) (RecalcOutcome, error) {
	if err := item.Validate(); err != nil {
		return RecalcOutcome{}, err
	}
	outcome := RecalcOutcome{Item: item, FromDate: fromDate}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.repo.WithChainTx(ctx, func(ctx context.Context, tx ChainTx) error {
		ok, err := tx.HasHistory(ctx, item)
		if err != nil {
			return err
		}
		if !ok {
			return ErrItemNotFound
		}
		records, err := tx.ListFromDate(ctx, item, fromDate)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		opening, found, err := tx.PriorClosing(ctx, item, records[0].RecordDate)
		if err != nil {
			return err
		}
		if !found {
			opening = records[0].Opening
		}
		updated, finalClosing, err := cascadeRecords(ctx, tx, records, opening)
		if err != nil {
			return err
		}
		outcome.RecordsUpdated = updated
		outcome.FinalClosing = finalClosing
		return nil
	})
	if err != nil {
		return RecalcOutcome{}, r.mapError(item, err)
	}
	return outcome, nil
}

// cascade loads the affected slice of the chain and walks it forward.
func cascade(ctx context.Context, tx ChainTx, item ItemRef, fromDate time.Time, opening float64) (int, float64, error) {
	records, err := tx.ListFromDate(ctx, item, fromDate)
	if err != nil {
		return 0, 0, err
	}
	return cascadeRecords(ctx, tx, records, opening)
}

// cascadeRecords recomputes each record in ascending date order, carrying the
// running closing balance forward. Each step depends on the previous step's
// output, so the walk is strictly sequential.
func cascadeRecords(ctx context.Context, tx ChainTx, records []MutationRecord, opening float64) (int, float64, error) {
	running := opening
	updated := 0
	for i := range records {
		rec := &records[i]
		rec.ComputeBalances(running)
		if err := tx.UpdateBalances(ctx, rec.ID, rec.Opening, rec.Closing, rec.Variance); err != nil {
			return updated, running, err
		}
		running = rec.Closing
		updated++
	}
	return updated, running, nil
}

func (r *Recalculator) mapError(item ItemRef, err error) error {
	switch {
	case errors.Is(err, ErrItemNotFound):
		return fmt.Errorf("%w: %s", ErrItemNotFound, item)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %s", ErrTimeout, r.timeout, item)
	case isSerializationFailure(err):
		return fmt.Errorf("%w: %s: %v", ErrConflict, item, err)
	default:
		return err
	}
}

// isSerializationFailure matches Postgres serialization and deadlock SQLSTATEs.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
