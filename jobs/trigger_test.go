package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/bondstock/bondstock/internal/scheduler"
)

type fakeEngine struct {
	result      scheduler.RunResult
	gotType     scheduler.JobType
	gotTrigger  string
	invocations int
}

func (e *fakeEngine) TriggerJob(ctx context.Context, jobType scheduler.JobType, triggeredBy string) scheduler.RunResult {
	e.invocations++
	e.gotType = jobType
	e.gotTrigger = triggeredBy
	return e.result
}

func TestNewTriggerTaskRoundTrip(t *testing.T) {
	task, err := NewTriggerTask(scheduler.JobEODSnapshot, "ops@example.com")
	require.NoError(t, err)
	require.Equal(t, TaskEODSnapshot, task.Type())

	var payload TriggerPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, "ops@example.com", payload.TriggeredBy)
}

func TestNewTriggerTaskDefaultsTriggeredBy(t *testing.T) {
	task, err := NewTriggerTask(scheduler.JobHourlyBatch, "")
	require.NoError(t, err)

	var payload TriggerPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, scheduler.TriggeredBySystem, payload.TriggeredBy)
}

func TestNewTriggerTaskUnknownJob(t *testing.T) {
	_, err := NewTriggerTask(scheduler.JobType("NIGHTLY_REINDEX"), "x")
	require.ErrorIs(t, err, scheduler.ErrUnknownJob)
}

func TestHandleTriggersEngine(t *testing.T) {
	engine := &fakeEngine{}
	handler := NewTriggerJob(engine, nil)

	task, err := NewTriggerTask(scheduler.JobRecalcQueue, "worker")
	require.NoError(t, err)
	require.NoError(t, handler.Handle(context.Background(), task))
	require.Equal(t, scheduler.JobRecalcQueue, engine.gotType)
	require.Equal(t, "worker", engine.gotTrigger)
}

func TestHandleSkipsWhenJobAlreadyRunning(t *testing.T) {
	engine := &fakeEngine{result: scheduler.RunResult{Err: scheduler.ErrJobRunning}}
	handler := NewTriggerJob(engine, nil)

	task, err := NewTriggerTask(scheduler.JobEODSnapshot, "")
	require.NoError(t, err)
	// Overlap is a skip, not a retryable failure.
	require.NoError(t, handler.Handle(context.Background(), task))
}

func TestHandlePropagatesJobFailure(t *testing.T) {
	jobErr := errors.New("drain aborted")
	engine := &fakeEngine{result: scheduler.RunResult{Err: jobErr}}
	handler := NewTriggerJob(engine, nil)

	task, err := NewTriggerTask(scheduler.JobRecalcQueue, "")
	require.NoError(t, err)
	require.ErrorIs(t, handler.Handle(context.Background(), task), jobErr)
}

func TestHandleSkipsUnknownTaskType(t *testing.T) {
	engine := &fakeEngine{}
	handler := NewTriggerJob(engine, nil)

	err := handler.Handle(context.Background(), asynq.NewTask("ledger:unknown", nil))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Zero(t, engine.invocations)
}

func TestHandleSkipsMalformedPayload(t *testing.T) {
	engine := &fakeEngine{}
	handler := NewTriggerJob(engine, nil)

	err := handler.Handle(context.Background(), asynq.NewTask(TaskHourlyBatch, []byte("{not json")))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Zero(t, engine.invocations)
}
