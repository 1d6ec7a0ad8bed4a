package scheduler

import (
	"context"
	"errors"
	"time"
)

// JobType enumerates the recurring job definitions.
type JobType string

const (
	// JobHourlyBatch is the hourly maintenance pass.
	JobHourlyBatch JobType = "HOURLY_BATCH"
	// JobEODSnapshot is the nightly company-wide recompute pass.
	JobEODSnapshot JobType = "EOD_SNAPSHOT"
	// JobRecalcQueue is the frequent queue drain.
	JobRecalcQueue JobType = "RECALC_QUEUE"
)

// ParseJobType maps an external string onto a known job type.
func ParseJobType(s string) (JobType, error) {
	switch JobType(s) {
	case JobHourlyBatch, JobEODSnapshot, JobRecalcQueue:
		return JobType(s), nil
	default:
		return "", ErrUnknownJob
	}
}

// RunStatus enumerates BatchJobRun lifecycle values.
type RunStatus string

const (
	// RunRunning indicates the run is still executing.
	RunRunning RunStatus = "RUNNING"
	// RunCompleted indicates the run finished without a job-level error.
	RunCompleted RunStatus = "COMPLETED"
	// RunFailed indicates the run aborted with a job-level error.
	RunFailed RunStatus = "FAILED"
	// RunCancelled indicates the run was stopped before completion.
	RunCancelled RunStatus = "CANCELLED"
)

// TriggeredBySystem marks scheduled (non-manual) runs.
const TriggeredBySystem = "system"

// BatchJobRun is one execution attempt of a scheduled or manual job.
type BatchJobRun struct {
	ID           int64
	Code         string
	Type         JobType
	Status       RunStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	SuccessCount int
	FailureCount int
	TriggeredBy  string
	Error        string
}

// Report carries the per-run unit-of-work counts a job body produces.
type Report struct {
	Success int
	Failed  int
}

// JobFunc is one job body. It returns the unit counts even on error so the
// run record reflects partial progress.
type JobFunc func(ctx context.Context) (Report, error)

// RunResult is returned by TriggerJob.
type RunResult struct {
	Run BatchJobRun
	Err error
}

// JobStatus describes one job type for GetStatus.
type JobStatus struct {
	Type     JobType
	Schedule string
	Running  bool
	NextRun  *time.Time
	LastRun  *BatchJobRun
}

// SchedulerStatus is the GetStatus payload.
type SchedulerStatus struct {
	Running bool
	Jobs    []JobStatus
}

// RunFilters narrows run-history listings.
type RunFilters struct {
	Type   JobType
	Status RunStatus
	From   time.Time
	To     time.Time
	Page   int
	Limit  int
}

// TypeStats aggregates run history for one job type.
type TypeStats struct {
	Type            JobType
	Counts          map[RunStatus]int
	AvgDuration     time.Duration
	LastSuccessful  *BatchJobRun
	TrailingDayRuns int
}

// Statistics is the read-side aggregation consumed by the admin surface.
type Statistics struct {
	Window     time.Duration
	ByType     []TypeStats
	QueueDepth int
}

var (
	// ErrUnknownJob indicates an unregistered job type.
	ErrUnknownJob = errors.New("scheduler: unknown job type")
	// ErrJobRunning indicates the job type already has an active run; the
	// trigger is refused rather than queued.
	ErrJobRunning = errors.New("scheduler: job already running")
)
