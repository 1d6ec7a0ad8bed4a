package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/bondstock/bondstock/internal/scheduler"
)

// Engine is the trigger surface the worker needs from the scheduler.
type Engine interface {
	TriggerJob(ctx context.Context, jobType scheduler.JobType, triggeredBy string) scheduler.RunResult
}

// TriggerJob adapts asynq tasks onto engine job triggers, so deployments can
// fire the recurring jobs from Redis-backed cron instead of the embedded
// timers. The engine's no-overlap rule applies either way.
type TriggerJob struct {
	engine Engine
	logger *slog.Logger
}

// NewTriggerJob builds the adapter.
func NewTriggerJob(engine Engine, logger *slog.Logger) *TriggerJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriggerJob{engine: engine, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract for all three task types.
func (j *TriggerJob) Handle(ctx context.Context, task *asynq.Task) error {
	jt, ok := jobType(task.Type())
	if !ok {
		return asynq.SkipRetry
	}
	var payload TriggerPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	result := j.engine.TriggerJob(ctx, jt, payload.TriggeredBy)
	if errors.Is(result.Err, scheduler.ErrJobRunning) {
		// No-overlap: a due firing that finds the previous run still active
		// is skipped, not retried.
		j.logger.Warn("firing skipped, previous run still active", slog.String("job", string(jt)))
		return nil
	}
	if result.Err != nil {
		j.logger.Error("job run failed",
			slog.String("job", string(jt)),
			slog.String("run", result.Run.Code),
			slog.Any("error", result.Err),
		)
		return result.Err
	}
	return nil
}
