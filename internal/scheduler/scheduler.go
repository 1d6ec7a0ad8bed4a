package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	jobmetrics "github.com/bondstock/bondstock/internal/jobs"
	"github.com/bondstock/bondstock/internal/recalcqueue"
	"github.com/bondstock/bondstock/internal/shared"
)

// RunsRepository persists the batch job run history.
type RunsRepository interface {
	InsertRun(ctx context.Context, run BatchJobRun) (int64, error)
	FinalizeRun(ctx context.Context, id int64, status RunStatus, report Report, errMsg string, completedAt time.Time) error
	ListRuns(ctx context.Context, filters RunFilters) ([]BatchJobRun, shared.Pagination, error)
	Stats(ctx context.Context, window time.Duration, now time.Time) ([]TypeStats, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// QueueDepther reports the current pending backlog for statistics.
type QueueDepther interface {
	Depth(ctx context.Context, filter recalcqueue.DepthFilter) (int, error)
}

// JobDefinition binds a job type to its recurrence and body.
type JobDefinition struct {
	Type     JobType
	Spec     string // cron expression, standard five fields
	Deadline time.Duration
	Run      JobFunc
}

type jobState struct {
	def      JobDefinition
	schedule cron.Schedule
	active   bool
	lastRun  *BatchJobRun
}

// Scheduler owns the recurring job definitions: it fires them on their cron
// schedules, refuses overlapping runs of the same type, supports manual
// triggering, and records a structured run history. One active instance is
// assumed; the queue's claim semantics keep a second instance harmless.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[JobType]*jobState
	order   []JobType
	runs    RunsRepository
	queue   QueueDepther
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	loc     *time.Location
	clock   func() time.Time

	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Config groups scheduler dependencies.
type Config struct {
	Runs     RunsRepository
	Queue    QueueDepther
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	Location *time.Location
	Clock    func() time.Time
}

// New constructs a Scheduler with no jobs registered.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		jobs:    make(map[JobType]*jobState),
		runs:    cfg.Runs,
		queue:   cfg.Queue,
		logger:  logger,
		metrics: cfg.Metrics,
		loc:     loc,
		clock:   clock,
		stop:    nil,
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Register adds a job definition. Must be called before Start.
func (s *Scheduler) Register(def JobDefinition) error {
	if def.Type == "" || def.Run == nil {
		return errors.New("scheduler: job type and body required")
	}
	schedule, err := cronParser.Parse(def.Spec)
	if err != nil {
		return fmt.Errorf("scheduler: parse schedule %q for %s: %w", def.Spec, def.Type, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[def.Type]; exists {
		return fmt.Errorf("scheduler: job %s already registered", def.Type)
	}
	s.jobs[def.Type] = &jobState{def: def, schedule: schedule}
	s.order = append(s.order, def.Type)
	return nil
}

// Start switches the timers on. Idempotent: starting a started scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	for _, jobType := range s.order {
		state := s.jobs[jobType]
		s.wg.Add(1)
		go s.timerLoop(state, s.stop)
	}
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
}

// Stop switches the timers off. Manual triggering keeps working while
// stopped. Idempotent; blocks until the timer goroutines exit (a run already
// in flight finishes on its own).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// timerLoop fires one job type on its cron schedule until stopped. The next
// firing is armed only after the previous attempt returns, so a due tick that
// finds the job still running is skipped, not queued.
func (s *Scheduler) timerLoop(state *jobState, stop <-chan struct{}) {
	defer s.wg.Done()
	for {
		now := s.clock().In(s.loc)
		next := state.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			result := s.run(context.Background(), state.def.Type, TriggeredBySystem)
			if errors.Is(result.Err, ErrJobRunning) {
				s.logger.Warn("scheduled firing skipped, previous run still active",
					slog.String("job", string(state.def.Type)))
			}
		}
	}
}

// TriggerJob runs one job immediately, out of schedule, under the same
// no-overlap rule. Works while the scheduler is stopped.
func (s *Scheduler) TriggerJob(ctx context.Context, jobType JobType, triggeredBy string) RunResult {
	if triggeredBy == "" {
		triggeredBy = TriggeredBySystem
	}
	s.mu.Lock()
	_, ok := s.jobs[jobType]
	s.mu.Unlock()
	if !ok {
		return RunResult{Err: fmt.Errorf("%w: %s", ErrUnknownJob, jobType)}
	}
	return s.run(ctx, jobType, triggeredBy)
}

// run executes one attempt: claim the type, open a RUNNING history row,
// execute the body under its soft deadline, finalize the row.
func (s *Scheduler) run(ctx context.Context, jobType JobType, triggeredBy string) RunResult {
	s.mu.Lock()
	state := s.jobs[jobType]
	if state.active {
		s.mu.Unlock()
		return RunResult{Err: fmt.Errorf("%w: %s", ErrJobRunning, jobType)}
	}
	state.active = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		state.active = false
		s.mu.Unlock()
	}()

	startedAt := s.clock().In(s.loc)
	run := BatchJobRun{
		Code:        uuid.NewString(),
		Type:        jobType,
		Status:      RunRunning,
		StartedAt:   startedAt,
		TriggeredBy: triggeredBy,
	}
	id, err := s.runs.InsertRun(ctx, run)
	if err != nil {
		return RunResult{Err: fmt.Errorf("scheduler: record run start: %w", err)}
	}
	run.ID = id

	logger := s.logger.With(slog.String("job", string(jobType)), slog.String("run", run.Code))
	logger.Info("job started", slog.String("triggered_by", triggeredBy))
	tracker := s.metrics.Track(string(jobType))

	runCtx := ctx
	cancel := func() {}
	if state.def.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, state.def.Deadline)
	}
	report, jobErr := state.def.Run(runCtx)
	cancel()
	_ = tracker.End(jobErr)

	completedAt := s.clock().In(s.loc)
	status := RunCompleted
	errMsg := ""
	if jobErr != nil {
		status = RunFailed
		errMsg = jobErr.Error()
		if errors.Is(jobErr, context.Canceled) {
			status = RunCancelled
		}
	}
	run.Status = status
	run.SuccessCount = report.Success
	run.FailureCount = report.Failed
	run.CompletedAt = &completedAt
	run.Error = errMsg

	if err := s.runs.FinalizeRun(ctx, id, status, report, errMsg, completedAt); err != nil {
		logger.Error("finalize run", slog.Any("error", err))
	}

	s.mu.Lock()
	snapshot := run
	state.lastRun = &snapshot
	s.mu.Unlock()

	logger.Info("job finished",
		slog.String("status", string(status)),
		slog.Int("success", report.Success),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", completedAt.Sub(startedAt)),
	)
	return RunResult{Run: run, Err: jobErr}
}

// GetStatus reports the scheduler switch and each job type's schedule and
// last-known outcome.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := SchedulerStatus{Running: s.started}
	now := s.clock().In(s.loc)
	for _, jobType := range s.order {
		state := s.jobs[jobType]
		js := JobStatus{
			Type:     jobType,
			Schedule: state.def.Spec,
			Running:  state.active,
			LastRun:  state.lastRun,
		}
		if s.started {
			next := state.schedule.Next(now)
			js.NextRun = &next
		}
		status.Jobs = append(status.Jobs, js)
	}
	return status
}

// ListRuns exposes the run history for the admin surface.
func (s *Scheduler) ListRuns(ctx context.Context, filters RunFilters) ([]BatchJobRun, shared.Pagination, error) {
	return s.runs.ListRuns(ctx, filters)
}

// Stats aggregates run history over the trailing window and attaches the
// current queue depth.
func (s *Scheduler) Stats(ctx context.Context, window time.Duration) (Statistics, error) {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	now := s.clock().In(s.loc)
	byType, err := s.runs.Stats(ctx, window, now)
	if err != nil {
		return Statistics{}, err
	}
	stats := Statistics{Window: window, ByType: byType}
	if s.queue != nil {
		depth, err := s.queue.Depth(ctx, recalcqueue.DepthFilter{})
		if err != nil {
			return Statistics{}, err
		}
		stats.QueueDepth = depth
	}
	return stats, nil
}
