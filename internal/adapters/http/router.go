package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/partnerdesk/progression-engine/internal/application"
)

type Handler struct {
	service *application.Service
}

func NewHandler(service *application.Service) *Handler {
	return &Handler{service: service}
}

func NewRouter(handler *Handler, jwtSecret string) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeSuccess(w, http.StatusOK, "ok") })
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) { writeSuccess(w, http.StatusOK, "ready") })

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(newAuthMiddleware(jwtSecret))
			r.Post("/partners", handler.enrollPartner)
			r.Post("/partners/xp/batch", handler.batchGrantXP)
			r.Post("/partners/{partner_id}/xp", handler.grantXP)
			r.Post("/partners/{partner_id}/advance", handler.advance)
			r.Post("/partners/{partner_id}/demote", handler.demote)
			r.Post("/partners/{partner_id}/rank", handler.setRank)
			r.Post("/partners/{partner_id}/bypass-verified", handler.bypassVerified)
			r.Post("/partners/{partner_id}/commission/override", handler.setCommissionOverride)
			r.Get("/partners/{partner_id}/commission/preview", handler.commissionPreview)
			r.Get("/partners/{partner_id}/progress", handler.getProgress)
			r.Get("/partners/{partner_id}/ledger", handler.listLedger)
			r.Post("/partners/{partner_id}/daily-tasks/complete", handler.completeDailyTask)
			r.Post("/partners/{partner_id}/login-day", handler.recordLoginDay)
			r.Get("/daily-tasks", handler.getDailyTasks)
		})
	})
	return r
}
