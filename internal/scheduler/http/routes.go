package schedulerhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const triggerRateLimit = 10
const triggerRateWindow = time.Minute

// MountRoutes registers the scheduler admin endpoints. Mutating endpoints are
// rate limited so a misbehaving admin client cannot hammer manual triggers.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(triggerRateLimit, triggerRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Get("/runs", h.listRuns)
		r.Get("/stats", h.stats)
		r.Group(func(gr chi.Router) {
			gr.Use(limiter)
			gr.Post("/start", h.start)
			gr.Post("/stop", h.stop)
			gr.Post("/jobs/{type}/trigger", h.trigger)
		})
	})
	r.Get("/queue/depth", h.queueDepth)
}
