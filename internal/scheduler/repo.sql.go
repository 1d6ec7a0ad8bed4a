package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bondstock/bondstock/internal/shared"
)

// Repository persists batch job runs in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertRun opens a RUNNING history row and returns its id.
func (r *Repository) InsertRun(ctx context.Context, run BatchJobRun) (int64, error) {
	if r == nil {
		return 0, errors.New("scheduler repository not initialised")
	}
	var id int64
	err := r.pool.QueryRow(ctx, `INSERT INTO batch_job_runs
(code, job_type, status, started_at, success_count, failure_count, triggered_by)
VALUES ($1,$2,$3,$4,0,0,$5) RETURNING id`,
		run.Code, string(run.Type), string(run.Status), run.StartedAt, run.TriggeredBy).Scan(&id)
	return id, err
}

// FinalizeRun writes the terminal status and counts.
func (r *Repository) FinalizeRun(ctx context.Context, id int64, status RunStatus, report Report, errMsg string, completedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE batch_job_runs
SET status=$2, success_count=$3, failure_count=$4, error=$5, completed_at=$6
WHERE id=$1`, id, string(status), report.Success, report.Failed, errMsg, completedAt)
	return err
}

// ListRuns returns the run history, newest first, with pagination metadata.
func (r *Repository) ListRuns(ctx context.Context, filters RunFilters) ([]BatchJobRun, shared.Pagination, error) {
	where := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filters.Type != "" {
		where = append(where, "job_type = "+arg(string(filters.Type)))
	}
	if filters.Status != "" {
		where = append(where, "status = "+arg(string(filters.Status)))
	}
	if !filters.From.IsZero() {
		where = append(where, "started_at >= "+arg(filters.From))
	}
	if !filters.To.IsZero() {
		where = append(where, "started_at < "+arg(filters.To))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM batch_job_runs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, shared.Pagination{}, err
	}
	page := shared.NewPagination(filters.Page, filters.Limit, total)

	query := `SELECT id, code, job_type, status, started_at, completed_at, success_count, failure_count, triggered_by, COALESCE(error, '')
FROM batch_job_runs WHERE ` + cond + ` ORDER BY started_at DESC, id DESC LIMIT ` + arg(page.PerPage) + ` OFFSET ` + arg(page.Offset())

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	defer rows.Close()

	runs := []BatchJobRun{}
	for rows.Next() {
		var run BatchJobRun
		var jobType, status string
		if err := rows.Scan(&run.ID, &run.Code, &jobType, &status, &run.StartedAt, &run.CompletedAt, &run.SuccessCount, &run.FailureCount, &run.TriggeredBy, &run.Error); err != nil {
			return nil, shared.Pagination{}, err
		}
		run.Type = JobType(jobType)
		run.Status = RunStatus(status)
		runs = append(runs, run)
	}
	return runs, page, rows.Err()
}

// Stats aggregates run history per job type over the trailing window.
func (r *Repository) Stats(ctx context.Context, window time.Duration, now time.Time) ([]TypeStats, error) {
	since := now.Add(-window)
	dayAgo := now.Add(-24 * time.Hour)

	rows, err := r.pool.Query(ctx, `SELECT job_type, status, COUNT(*),
COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))) FILTER (WHERE completed_at IS NOT NULL), 0),
COUNT(*) FILTER (WHERE started_at >= $2)
FROM batch_job_runs
WHERE started_at >= $1
GROUP BY job_type, status
ORDER BY job_type, status`, since, dayAgo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byType := map[JobType]*TypeStats{}
	order := []JobType{}
	type durAcc struct {
		seconds float64
		count   int
	}
	durations := map[JobType]*durAcc{}
	for rows.Next() {
		var jobType, status string
		var count, trailing int
		var avgSeconds float64
		if err := rows.Scan(&jobType, &status, &count, &avgSeconds, &trailing); err != nil {
			return nil, err
		}
		jt := JobType(jobType)
		stats, ok := byType[jt]
		if !ok {
			stats = &TypeStats{Type: jt, Counts: map[RunStatus]int{}}
			byType[jt] = stats
			order = append(order, jt)
			durations[jt] = &durAcc{}
		}
		stats.Counts[RunStatus(status)] = count
		stats.TrailingDayRuns += trailing
		durations[jt].seconds += avgSeconds * float64(count)
		durations[jt].count += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]TypeStats, 0, len(order))
	for _, jt := range order {
		stats := byType[jt]
		if acc := durations[jt]; acc.count > 0 {
			stats.AvgDuration = time.Duration(acc.seconds / float64(acc.count) * float64(time.Second))
		}
		last, err := r.lastSuccessful(ctx, jt)
		if err != nil {
			return nil, err
		}
		stats.LastSuccessful = last
		result = append(result, *stats)
	}
	return result, nil
}

func (r *Repository) lastSuccessful(ctx context.Context, jobType JobType) (*BatchJobRun, error) {
	var run BatchJobRun
	var jt, status string
	err := r.pool.QueryRow(ctx, `SELECT id, code, job_type, status, started_at, completed_at, success_count, failure_count, triggered_by, COALESCE(error, '')
FROM batch_job_runs
WHERE job_type=$1 AND status='COMPLETED'
ORDER BY started_at DESC LIMIT 1`, string(jobType)).
		Scan(&run.ID, &run.Code, &jt, &status, &run.StartedAt, &run.CompletedAt, &run.SuccessCount, &run.FailureCount, &run.TriggeredBy, &run.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	run.Type = JobType(jt)
	run.Status = RunStatus(status)
	return &run, nil
}

// PurgeBefore deletes terminal runs started before the cutoff.
func (r *Repository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM batch_job_runs
WHERE started_at < $1 AND status <> 'RUNNING'`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
