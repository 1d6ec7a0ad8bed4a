package ledgerhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const writeRateLimit = 60
const writeRateWindow = time.Minute

// MountRoutes registers the ledger admin endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(writeRateLimit, writeRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/stock-card", h.stockCard)
		r.Group(func(gr chi.Router) {
			gr.Use(limiter)
			gr.Post("/beginning-balance", h.beginningBalance)
			gr.Post("/mutations", h.postMutation)
		})
	})
}
