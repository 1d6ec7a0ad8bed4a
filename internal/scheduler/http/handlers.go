package schedulerhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bondstock/bondstock/internal/platform/httpx"
	"github.com/bondstock/bondstock/internal/recalcqueue"
	"github.com/bondstock/bondstock/internal/scheduler"
	"github.com/bondstock/bondstock/internal/shared"
)

const defaultStatsWindow = 7 * 24 * time.Hour

// SchedulerService is the engine surface the admin API exposes.
type SchedulerService interface {
	Start()
	Stop()
	GetStatus() scheduler.SchedulerStatus
	TriggerJob(ctx context.Context, jobType scheduler.JobType, triggeredBy string) scheduler.RunResult
	ListRuns(ctx context.Context, filters scheduler.RunFilters) ([]scheduler.BatchJobRun, shared.Pagination, error)
	Stats(ctx context.Context, window time.Duration) (scheduler.Statistics, error)
}

// QueueService reports queue depth.
type QueueService interface {
	Depth(ctx context.Context, filter recalcqueue.DepthFilter) (int, error)
}

// Handler serves the scheduler admin endpoints.
type Handler struct {
	logger    *slog.Logger
	scheduler SchedulerService
	queue     QueueService
}

// NewHandler constructs the admin handler.
func NewHandler(logger *slog.Logger, svc SchedulerService, queue QueueService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, scheduler: svc, queue: queue}
}

type runPayload struct {
	Code         string     `json:"code"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
	TriggeredBy  string     `json:"triggered_by"`
	Error        string     `json:"error,omitempty"`
}

func toRunPayload(run scheduler.BatchJobRun) runPayload {
	return runPayload{
		Code:         run.Code,
		Type:         string(run.Type),
		Status:       string(run.Status),
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		SuccessCount: run.SuccessCount,
		FailureCount: run.FailureCount,
		TriggeredBy:  run.TriggeredBy,
		Error:        run.Error,
	}
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	status := h.scheduler.GetStatus()
	type jobPayload struct {
		Type     string      `json:"type"`
		Schedule string      `json:"schedule"`
		Running  bool        `json:"running"`
		NextRun  *time.Time  `json:"next_run,omitempty"`
		LastRun  *runPayload `json:"last_run,omitempty"`
	}
	payload := struct {
		Running bool         `json:"running"`
		Jobs    []jobPayload `json:"jobs"`
	}{Running: status.Running}
	for _, job := range status.Jobs {
		jp := jobPayload{
			Type:     string(job.Type),
			Schedule: job.Schedule,
			Running:  job.Running,
			NextRun:  job.NextRun,
		}
		if job.LastRun != nil {
			run := toRunPayload(*job.LastRun)
			jp.LastRun = &run
		}
		payload.Jobs = append(payload.Jobs, jp)
	}
	httpx.JSON(w, http.StatusOK, payload)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Start()
	httpx.JSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Stop()
	httpx.JSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	jobType, err := scheduler.ParseJobType(chi.URLParam(r, "type"))
	if err != nil {
		httpx.Problem(w, http.StatusNotFound, "Unknown Job Type", err.Error())
		return
	}
	var body struct {
		TriggeredBy string `json:"triggered_by"`
	}
	if r.Body != nil {
		_ = httpx.DecodeJSON(r, &body)
	}
	if body.TriggeredBy == "" {
		body.TriggeredBy = "admin"
	}

	result := h.scheduler.TriggerJob(r.Context(), jobType, body.TriggeredBy)
	switch {
	case errors.Is(result.Err, scheduler.ErrJobRunning):
		httpx.Problem(w, http.StatusConflict, "Job Already Running", result.Err.Error())
		return
	case errors.Is(result.Err, scheduler.ErrUnknownJob):
		httpx.Problem(w, http.StatusNotFound, "Unknown Job Type", result.Err.Error())
		return
	case result.Err != nil && result.Run.ID == 0:
		h.logger.Error("trigger job", slog.String("job", string(jobType)), slog.Any("error", result.Err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	// The run executed; a job-level failure is reported in the payload, not
	// as a transport error.
	httpx.JSON(w, http.StatusOK, toRunPayload(result.Run))
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	filters := scheduler.RunFilters{
		Page:  parseInt(r.URL.Query().Get("page")),
		Limit: parseInt(r.URL.Query().Get("limit")),
	}
	if v := r.URL.Query().Get("type"); v != "" {
		jobType, err := scheduler.ParseJobType(v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Unknown Job Type", err.Error())
			return
		}
		filters.Type = jobType
	}
	if v := r.URL.Query().Get("status"); v != "" {
		filters.Status = scheduler.RunStatus(v)
	}
	if t, ok := parseDate(r.URL.Query().Get("from")); ok {
		filters.From = t
	}
	if t, ok := parseDate(r.URL.Query().Get("to")); ok {
		filters.To = t
	}

	runs, page, err := h.scheduler.ListRuns(r.Context(), filters)
	if err != nil {
		h.logger.Error("list runs", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	payload := struct {
		Runs       []runPayload `json:"runs"`
		Page       int          `json:"page"`
		PerPage    int          `json:"per_page"`
		Total      int          `json:"total"`
		TotalPages int          `json:"total_pages"`
	}{Page: page.Page, PerPage: page.PerPage, Total: page.Total, TotalPages: page.TotalPages}
	for _, run := range runs {
		payload.Runs = append(payload.Runs, toRunPayload(run))
	}
	httpx.JSON(w, http.StatusOK, payload)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if hours := parseInt(r.URL.Query().Get("window_hours")); hours > 0 {
		window = time.Duration(hours) * time.Hour
	}
	stats, err := h.scheduler.Stats(r.Context(), window)
	if err != nil {
		h.logger.Error("scheduler stats", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	type typePayload struct {
		Type            string         `json:"type"`
		Counts          map[string]int `json:"counts"`
		AvgDurationMS   int64          `json:"avg_duration_ms"`
		LastSuccessful  *runPayload    `json:"last_successful,omitempty"`
		TrailingDayRuns int            `json:"trailing_24h_runs"`
	}
	payload := struct {
		WindowHours int           `json:"window_hours"`
		QueueDepth  int           `json:"queue_depth"`
		ByType      []typePayload `json:"by_type"`
	}{WindowHours: int(stats.Window.Hours()), QueueDepth: stats.QueueDepth}
	for _, ts := range stats.ByType {
		tp := typePayload{
			Type:            string(ts.Type),
			Counts:          map[string]int{},
			AvgDurationMS:   ts.AvgDuration.Milliseconds(),
			TrailingDayRuns: ts.TrailingDayRuns,
		}
		for status, count := range ts.Counts {
			tp.Counts[string(status)] = count
		}
		if ts.LastSuccessful != nil {
			run := toRunPayload(*ts.LastSuccessful)
			tp.LastSuccessful = &run
		}
		payload.ByType = append(payload.ByType, tp)
	}
	httpx.JSON(w, http.StatusOK, payload)
}

func (h *Handler) queueDepth(w http.ResponseWriter, r *http.Request) {
	filter := recalcqueue.DepthFilter{CompanyCode: r.URL.Query().Get("company")}
	switch r.URL.Query().Get("priority") {
	case "":
	case "URGENT":
		p := recalcqueue.PriorityUrgent
		filter.Priority = &p
	case "DEFERRED":
		p := recalcqueue.PriorityDeferred
		filter.Priority = &p
	default:
		httpx.Problem(w, http.StatusBadRequest, "Unknown Priority", "priority must be URGENT or DEFERRED")
		return
	}
	depth, err := h.queue.Depth(r.Context(), filter)
	if err != nil {
		h.logger.Error("queue depth", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"depth": depth})
}

func parseInt(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func parseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
