package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/bondstock/bondstock/internal/scheduler"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRecalcQueueDrain fires the recalc-queue drain.
	TaskRecalcQueueDrain = "ledger:queue_drain"
	// TaskEODSnapshot fires the end-of-day snapshot pass.
	TaskEODSnapshot = "ledger:eod_snapshot"
	// TaskHourlyBatch fires the hourly maintenance pass.
	TaskHourlyBatch = "ledger:hourly_batch"
)

// TriggerPayload carries who asked for the run.
type TriggerPayload struct {
	TriggeredBy string `json:"triggered_by"`
}

// taskType maps engine job types onto asynq task types.
func taskType(jobType scheduler.JobType) string {
	switch jobType {
	case scheduler.JobRecalcQueue:
		return TaskRecalcQueueDrain
	case scheduler.JobEODSnapshot:
		return TaskEODSnapshot
	case scheduler.JobHourlyBatch:
		return TaskHourlyBatch
	default:
		return ""
	}
}

// jobType maps asynq task types back onto engine job types.
func jobType(taskType string) (scheduler.JobType, bool) {
	switch taskType {
	case TaskRecalcQueueDrain:
		return scheduler.JobRecalcQueue, true
	case TaskEODSnapshot:
		return scheduler.JobEODSnapshot, true
	case TaskHourlyBatch:
		return scheduler.JobHourlyBatch, true
	default:
		return "", false
	}
}

// NewTriggerTask constructs an asynq task that fires one engine job.
func NewTriggerTask(job scheduler.JobType, triggeredBy string) (*asynq.Task, error) {
	tt := taskType(job)
	if tt == "" {
		return nil, scheduler.ErrUnknownJob
	}
	if triggeredBy == "" {
		triggeredBy = scheduler.TriggeredBySystem
	}
	data, err := json.Marshal(TriggerPayload{TriggeredBy: triggeredBy})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(tt, data, asynq.Queue(QueueDefault)), nil
}
