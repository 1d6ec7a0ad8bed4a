package ledgerhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bondstock/bondstock/internal/ledger"
	"github.com/bondstock/bondstock/internal/platform/httpx"
)

// Service is the ledger write surface the admin API exposes.
type Service interface {
	SetBeginningBalance(ctx context.Context, item ledger.ItemRef, date time.Time, opening float64, remark string) (ledger.RecalcOutcome, error)
	PostMutation(ctx context.Context, input ledger.MutationInput) (ledger.MutationRecord, error)
	StockCard(ctx context.Context, item ledger.ItemRef, from time.Time) ([]ledger.MutationRecord, error)
}

// Handler serves the ledger admin endpoints.
type Handler struct {
	logger  *slog.Logger
	service Service
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, svc Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: svc}
}

type itemPayload struct {
	CompanyCode string `json:"company_code"`
	ItemType    string `json:"item_type"`
	ItemCode    string `json:"item_code"`
}

func (p itemPayload) ref() ledger.ItemRef {
	return ledger.ItemRef{
		CompanyCode: p.CompanyCode,
		ItemType:    ledger.ItemType(p.ItemType),
		ItemCode:    p.ItemCode,
	}
}

type recordPayload struct {
	CompanyCode   string  `json:"company_code"`
	ItemType      string  `json:"item_type"`
	ItemCode      string  `json:"item_code"`
	RecordDate    string  `json:"record_date"`
	Opening       float64 `json:"opening"`
	Incoming      float64 `json:"incoming"`
	Outgoing      float64 `json:"outgoing"`
	Adjustment    float64 `json:"adjustment"`
	Closing       float64 `json:"closing"`
	PhysicalCount float64 `json:"physical_count"`
	Variance      float64 `json:"variance"`
	Remark        string  `json:"remark,omitempty"`
}

func toRecordPayload(rec ledger.MutationRecord) recordPayload {
	return recordPayload{
		CompanyCode:   rec.Item.CompanyCode,
		ItemType:      string(rec.Item.ItemType),
		ItemCode:      rec.Item.ItemCode,
		RecordDate:    rec.RecordDate.Format("2006-01-02"),
		Opening:       rec.Opening,
		Incoming:      rec.Incoming,
		Outgoing:      rec.Outgoing,
		Adjustment:    rec.Adjustment,
		Closing:       rec.Closing,
		PhysicalCount: rec.PhysicalCount,
		Variance:      rec.Variance,
		Remark:        rec.Remark,
	}
}

type outcomePayload struct {
	RecordsUpdated int     `json:"records_updated"`
	FinalClosing   float64 `json:"final_closing"`
}

func (h *Handler) beginningBalance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		itemPayload
		Date    string  `json:"date"`
		Opening float64 `json:"opening"`
		Remark  string  `json:"remark"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	date, err := time.Parse("2006-01-02", body.Date)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "date must be YYYY-MM-DD")
		return
	}

	outcome, err := h.service.SetBeginningBalance(r.Context(), body.ref(), date, body.Opening, body.Remark)
	if err != nil {
		h.respondWriteError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, outcomePayload{
		RecordsUpdated: outcome.RecordsUpdated,
		FinalClosing:   outcome.FinalClosing,
	})
}

func (h *Handler) postMutation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		itemPayload
		Date          string  `json:"date"`
		Incoming      float64 `json:"incoming"`
		Outgoing      float64 `json:"outgoing"`
		Adjustment    float64 `json:"adjustment"`
		PhysicalCount float64 `json:"physical_count"`
		Remark        string  `json:"remark"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	date, err := time.Parse("2006-01-02", body.Date)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "date must be YYYY-MM-DD")
		return
	}

	record, err := h.service.PostMutation(r.Context(), ledger.MutationInput{
		Item:          body.ref(),
		Date:          date,
		Incoming:      body.Incoming,
		Outgoing:      body.Outgoing,
		Adjustment:    body.Adjustment,
		PhysicalCount: body.PhysicalCount,
		Remark:        body.Remark,
	})
	if err != nil {
		h.respondWriteError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRecordPayload(record))
}

func (h *Handler) stockCard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	item := ledger.ItemRef{
		CompanyCode: q.Get("company"),
		ItemType:    ledger.ItemType(q.Get("item_type")),
		ItemCode:    q.Get("item_code"),
	}
	from := time.Time{}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Date", "from must be YYYY-MM-DD")
			return
		}
		from = t
	}

	records, err := h.service.StockCard(r.Context(), item, from)
	if err != nil {
		h.respondWriteError(w, err)
		return
	}
	payload := struct {
		Records []recordPayload `json:"records"`
	}{Records: make([]recordPayload, 0, len(records))}
	for _, rec := range records {
		payload.Records = append(payload.Records, toRecordPayload(rec))
	}
	httpx.JSON(w, http.StatusOK, payload)
}

// respondWriteError maps ledger sentinels onto transport statuses. Conflicts
// are retryable by the caller; timeouts mean the cascade exceeded its budget.
func (h *Handler) respondWriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrItemNotFound):
		httpx.Problem(w, http.StatusNotFound, "Item Not Found", err.Error())
	case errors.Is(err, ledger.ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Concurrent Modification", err.Error())
	case errors.Is(err, ledger.ErrTimeout):
		httpx.Problem(w, http.StatusGatewayTimeout, "Recalculation Timeout", err.Error())
	case err != nil && errors.Is(err, context.Canceled):
		httpx.Problem(w, http.StatusServiceUnavailable, "Cancelled", "")
	default:
		h.logger.Error("ledger write", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	}
}
