package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bondstock/bondstock/internal/platform/db"
)

// Repository persists mutation records in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type chainTx struct {
	tx pgx.Tx
}

// WithChainTx executes the callback inside a serializable transaction. The
// cascade reads and rewrites an item's chain in one pass, so anything weaker
// would let a concurrent writer interleave mid-walk.
func (r *Repository) WithChainTx(ctx context.Context, fn func(context.Context, ChainTx) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithSerializableTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &chainTx{tx: tx})
	})
}

// ListChain returns the chain slice from fromDate onward without taking row
// locks. Reporting reads go through here so they never contend with a
// recalculation holding the chain under FOR UPDATE.
func (r *Repository) ListChain(ctx context.Context, item ItemRef, fromDate time.Time) ([]MutationRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, record_date, opening, incoming, outgoing, adjustment, closing, physical_count, variance, remark, updated_at
FROM mutation_records
WHERE company_code=$1 AND item_type=$2 AND item_code=$3 AND record_date >= $4::date
ORDER BY record_date ASC`, item.CompanyCode, string(item.ItemType), item.ItemCode, fromDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows, item)
}

// ItemsWithRecordsOn lists every item with a mutation record on the given day.
// Used by the end-of-day snapshot pass.
func (r *Repository) ItemsWithRecordsOn(ctx context.Context, date time.Time) ([]ItemRef, error) {
	rows, err := r.pool.Query(ctx, `SELECT company_code, item_type, item_code
FROM mutation_records
WHERE record_date = $1::date
ORDER BY company_code, item_type, item_code`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []ItemRef{}
	for rows.Next() {
		var item ItemRef
		if err := rows.Scan(&item.CompanyCode, &item.ItemType, &item.ItemCode); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *chainTx) HasHistory(ctx context.Context, item ItemRef) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (
SELECT 1 FROM mutation_records WHERE company_code=$1 AND item_type=$2 AND item_code=$3)`,
		item.CompanyCode, string(item.ItemType), item.ItemCode).Scan(&exists)
	return exists, err
}

func (t *chainTx) ListFromDate(ctx context.Context, item ItemRef, fromDate time.Time) ([]MutationRecord, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, record_date, opening, incoming, outgoing, adjustment, closing, physical_count, variance, remark, updated_at
FROM mutation_records
WHERE company_code=$1 AND item_type=$2 AND item_code=$3 AND record_date >= $4::date
ORDER BY record_date ASC
FOR UPDATE`, item.CompanyCode, string(item.ItemType), item.ItemCode, fromDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows, item)
}

func collectRecords(rows pgx.Rows, item ItemRef) ([]MutationRecord, error) {
	records := []MutationRecord{}
	for rows.Next() {
		rec := MutationRecord{Item: item}
		if err := rows.Scan(&rec.ID, &rec.RecordDate, &rec.Opening, &rec.Incoming, &rec.Outgoing, &rec.Adjustment, &rec.Closing, &rec.PhysicalCount, &rec.Variance, &rec.Remark, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (t *chainTx) PriorClosing(ctx context.Context, item ItemRef, before time.Time) (float64, bool, error) {
	var closing float64
	err := t.tx.QueryRow(ctx, `SELECT closing FROM mutation_records
WHERE company_code=$1 AND item_type=$2 AND item_code=$3 AND record_date < $4::date
ORDER BY record_date DESC
LIMIT 1`, item.CompanyCode, string(item.ItemType), item.ItemCode, before).Scan(&closing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return closing, true, nil
}

func (t *chainTx) UpdateBalances(ctx context.Context, id int64, opening, closing, variance float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE mutation_records
SET opening=$2, closing=$3, variance=$4, updated_at=NOW()
WHERE id=$1`, id, opening, closing, variance)
	return err
}

// UpsertRecord inserts the (item, date) record or merges quantities into the
// existing one. Movement quantities accumulate; physical count and remark are
// replaced when supplied.
func (t *chainTx) UpsertRecord(ctx context.Context, record MutationRecord) (MutationRecord, error) {
	row := t.tx.QueryRow(ctx, `INSERT INTO mutation_records
(company_code, item_type, item_code, record_date, opening, incoming, outgoing, adjustment, closing, physical_count, variance, remark, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
ON CONFLICT (company_code, item_type, item_code, record_date) DO UPDATE SET
	incoming = mutation_records.incoming + EXCLUDED.incoming,
	outgoing = mutation_records.outgoing + EXCLUDED.outgoing,
	adjustment = mutation_records.adjustment + EXCLUDED.adjustment,
	physical_count = CASE WHEN EXCLUDED.physical_count > 0 THEN EXCLUDED.physical_count ELSE mutation_records.physical_count END,
	remark = CASE WHEN EXCLUDED.remark <> '' THEN EXCLUDED.remark ELSE mutation_records.remark END,
	updated_at = NOW()
RETURNING id, record_date, opening, incoming, outgoing, adjustment, closing, physical_count, variance, remark, updated_at`,
		record.Item.CompanyCode, string(record.Item.ItemType), record.Item.ItemCode, record.RecordDate,
		record.Opening, record.Incoming, record.Outgoing, record.Adjustment, record.Closing,
		record.PhysicalCount, record.Variance, record.Remark)

	saved := MutationRecord{Item: record.Item}
	err := row.Scan(&saved.ID, &saved.RecordDate, &saved.Opening, &saved.Incoming, &saved.Outgoing, &saved.Adjustment, &saved.Closing, &saved.PhysicalCount, &saved.Variance, &saved.Remark, &saved.UpdatedAt)
	if err != nil {
		return MutationRecord{}, err
	}
	return saved, nil
}
