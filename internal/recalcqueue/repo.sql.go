package recalcqueue

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists the recalculation queue in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const entryColumns = `id, company_code, item_type, item_code, record_date, status, priority, reason, queued_at, claimed_at, processed_at, COALESCE(last_error, '')`

// Upsert inserts a PENDING entry for the key or bumps the existing row:
// priority is raised to the max of old and new, reason and queued-at are
// refreshed, and the status always returns to PENDING. Resetting a PROCESSING
// row revokes the in-flight claim: the drain's guarded finalize then no-ops
// and the entry is drained again, so a write landing mid-recalculation is
// never swallowed by the completion of the stale pass.
func (r *Repository) Upsert(ctx context.Context, key Key, priority Priority, reason string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO recalc_queue
(company_code, item_type, item_code, record_date, status, priority, reason, queued_at)
VALUES ($1,$2,$3,$4::date,'PENDING',$5,$6,$7)
ON CONFLICT (company_code, item_type, item_code, record_date) DO UPDATE SET
	priority = GREATEST(recalc_queue.priority, EXCLUDED.priority),
	reason = EXCLUDED.reason,
	queued_at = EXCLUDED.queued_at,
	status = 'PENDING',
	claimed_at = NULL,
	processed_at = NULL,
	last_error = NULL`,
		key.CompanyCode, key.ItemType, key.ItemCode, key.Date, int(priority), reason, now)
	return err
}

// DequeueBatch atomically claims up to limit PENDING entries in priority-then-
// FIFO order. SKIP LOCKED prevents two concurrent drains from claiming the
// same rows; the claim itself is the status transition to PROCESSING.
func (r *Repository) DequeueBatch(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, errors.New("recalcqueue: dequeue limit must be positive")
	}
	rows, err := r.pool.Query(ctx, `UPDATE recalc_queue SET status='PROCESSING', claimed_at=NOW()
WHERE id IN (
	SELECT id FROM recalc_queue
	WHERE status='PENDING'
	ORDER BY priority DESC, queued_at ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+entryColumns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING does not guarantee row order.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
	return entries, nil
}

// MarkCompleted transitions a claimed entry to COMPLETED.
func (r *Repository) MarkCompleted(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE recalc_queue
SET status='COMPLETED', processed_at=NOW(), last_error=NULL
WHERE id=$1 AND status='PROCESSING'`, id)
	return err
}

// MarkFailed transitions a claimed entry to FAILED and records the error.
// Failed entries are not auto-retried; a later write to the same key
// re-enqueues them.
func (r *Repository) MarkFailed(ctx context.Context, id int64, cause string) error {
	_, err := r.pool.Exec(ctx, `UPDATE recalc_queue
SET status='FAILED', processed_at=NOW(), last_error=$2
WHERE id=$1 AND status='PROCESSING'`, id, cause)
	return err
}

// Release returns a claimed-but-unprocessed entry to PENDING, e.g. when a
// drain hits its soft deadline with entries still in hand.
func (r *Repository) Release(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE recalc_queue
SET status='PENDING', claimed_at=NULL
WHERE id=$1 AND status='PROCESSING'`, id)
	return err
}

// ReclaimStale returns PROCESSING entries claimed before the cutoff to
// PENDING. Covers claims orphaned by a crash between claim and completion.
func (r *Repository) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE recalc_queue
SET status='PENDING', claimed_at=NULL
WHERE status='PROCESSING' AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Depth counts PENDING entries, optionally narrowed by company or priority.
func (r *Repository) Depth(ctx context.Context, filter DepthFilter) (int, error) {
	query := `SELECT COUNT(*) FROM recalc_queue WHERE status='PENDING'`
	args := []any{}
	if filter.CompanyCode != "" {
		args = append(args, filter.CompanyCode)
		query += ` AND company_code=$1`
	}
	if filter.Priority != nil {
		args = append(args, int(*filter.Priority))
		if len(args) == 1 {
			query += ` AND priority=$1`
		} else {
			query += ` AND priority=$2`
		}
	}
	var depth int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&depth); err != nil {
		return 0, err
	}
	return depth, nil
}

func scanEntry(scan func(dest ...any) error) (Entry, error) {
	var entry Entry
	var priority int
	var status string
	err := scan(&entry.ID, &entry.Key.CompanyCode, &entry.Key.ItemType, &entry.Key.ItemCode, &entry.Key.Date,
		&status, &priority, &entry.Reason, &entry.QueuedAt, &entry.ClaimedAt, &entry.ProcessedAt, &entry.LastError)
	if err != nil {
		return Entry{}, err
	}
	entry.Status = Status(status)
	entry.Priority = Priority(priority)
	return entry, nil
}
