package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/partnerdesk/progression-engine/internal/application"
	"github.com/partnerdesk/progression-engine/internal/contracts"
	"github.com/partnerdesk/progression-engine/internal/domain"
)

func (h *Handler) enrollPartner(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	var req contracts.EnrollPartnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	partner, err := h.service.EnrollPartner(r.Context(), actor, application.EnrollPartnerInput{
		PartnerID:   strings.TrimSpace(req.PartnerID),
		DisplayName: strings.TrimSpace(req.DisplayName),
	})
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeSuccess(w, http.StatusCreated, partner)
}

func (h *Handler) grantXP(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	partnerID := chi.URLParam(r, "partner_id")
	var req contracts.GrantXPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		eventType = domain.EventXPGrant
	}
	out, err := h.service.GrantXp(r.Context(), actor, application.GrantXPInput{
		PartnerID:   partnerID,
		Amount:      req.Amount,
		EventType:   eventType,
		Description: strings.TrimSpace(req.Description),
		Metadata:    req.Metadata,
	})
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeSuccess(w, http.StatusCreated, contracts.GrantXPResponse{
		PartnerID: out.PartnerID,
		NewTotal:  out.NewTotal,
		Rank:      out.Rank,
		Promoted:  out.Promoted,
	})
}

func (h *Handler) batchGrantXP(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	var req contracts.BatchGrantXPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	results, err := h.service.BatchGrantXp(r.Context(), actor, application.BatchGrantXPInput{
		PartnerIDs:  req.PartnerIDs,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error())
		return
	}
	items := make([]contracts.BatchGrantXPResult, 0, len(results))
	for _, res := range results {
		items = append(items, contracts.BatchGrantXPResult{PartnerID: res.PartnerID, NewTotal: res.NewTotal, Rank: res.Rank, Error: res.Error})
	}
	writeSuccess(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) advance(w http.ResponseWriter, r *http.Request) {
	h.rankChange(w, r, func(actor application.Actor, partnerID string) (application.RankChangeOutput, error) {
		return h.service.Advance(r.Context(), actor, partnerID)
	})
}

func (h *Handler) demote(w http.ResponseWriter, r *http.Request) {
	h.rankChange(w, r, func(actor application.Actor, partnerID string) (application.RankChangeOutput, error) {
		return h.service.Demote(r.Context(), actor, partnerID)
	})
}

func (h *Handler) setRank(w http.ResponseWriter, r *http.Request) {
	var req contracts.SetRankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	h.rankChange(w, r, func(actor application.Actor, partnerID string) (application.RankChangeOutput, error) {
		return h.service.SetRank(r.Context(), actor, partnerID, strings.TrimSpace(req.TargetRank))
	})
}

func (h *Handler) bypassVerified(w http.ResponseWriter, r *http.Request) {
	h.rankChange(w, r, func(actor application.Actor, partnerID string) (application.RankChangeOutput, error) {
		return h.service.BypassToVerified(r.Context(), actor, partnerID)
	})
}

func (h *Handler) rankChange(w http.ResponseWriter, r *http.Request, op func(application.Actor, string) (application.RankChangeOutput, error)) {
	actor := actorFromContext(r.Context())
	partnerID := chi.URLParam(r, "partner_id")
	out, err := op(actor, partnerID)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, contracts.RankChangeResponse{
		PartnerID:      out.PartnerID,
		OldRank:        out.OldRank,
		NewRank:        out.NewRank,
		XP:             out.XP,
		CommissionRate: out.CommissionRate,
		TasksBypassed:  out.TasksBypassed,
		XPToppedUp:     out.XPToppedUp,
	})
}

func (h *Handler) setCommissionOverride(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	partnerID := chi.URLParam(r, "partner_id")
	var req contracts.SetCommissionOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	partner, err := h.service.SetCommissionOverride(r.Context(), actor, partnerID, req.Rate)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, partner)
}

func (h *Handler) getProgress(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	partnerID := chi.URLParam(r, "partner_id")
	snapshot, err := h.service.GetProgress(r.Context(), actor, partnerID)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, snapshot)
}

func (h *Handler) getDailyTasks(w http.ResponseWriter, r *http.Request) {
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	rank := strings.TrimSpace(r.URL.Query().Get("rank"))
	assignment, err := h.service.GetDailyTasks(r.Context(), date, rank)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, assignment)
}

func (h *Handler) completeDailyTask(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	partnerID := chi.URLParam(r, "partner_id")
	var req contracts.CompleteDailyTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	out, err := h.service.CompleteDailyTask(r.Context(), actor, application.CompleteDailyTaskInput{
		PartnerID: partnerID,
		Date:      strings.TrimSpace(req.Date),
		TaskID:    strings.TrimSpace(req.TaskID),
	})
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error())
		return
	}
	status := http.StatusCreated
	if out.Deduped {
		status = http.StatusOK
	}
	writeSuccess(w, status, contracts.GrantXPResponse{PartnerID: out.PartnerID, NewTotal: out.NewTotal, Rank: out.Rank, Promoted: out.Promoted})
}

func (h *Handler) recordLoginDay(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	partnerID := chi.URLParam(r, "partner_id")
	var req contracts.LoginDayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	out, err := h.service.RecordLoginDay(r.Context(), actor, application.LoginDayInput{
		PartnerID: partnerID,
		Date:      strings.TrimSpace(req.Date),
	})
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error())
		return
	}
	status := http.StatusCreated
	if out.Deduped {
		status = http.StatusOK
	}
	writeSuccess(w, status, contracts.GrantXPResponse{PartnerID: out.PartnerID, NewTotal: out.NewTotal, Rank: out.Rank, Promoted: out.Promoted})
}

func (h *Handler) listLedger(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	partnerID := chi.URLParam(r, "partner_id")
	var eventTypes []string
	if raw := strings.TrimSpace(r.URL.Query().Get("types")); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				eventTypes = append(eventTypes, t)
			}
		}
	}
	entries, err := h.service.ListLedger(r.Context(), actor, partnerID, eventTypes)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error())
		return
	}
	items := make([]contracts.LedgerEntryResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, contracts.LedgerEntryResponse{
			EntryID:     entry.EntryID,
			EventType:   entry.EventType,
			XPValue:     entry.XPValue,
			Description: entry.Description,
			Metadata:    entry.Metadata,
			CreatedAt:   entry.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeSuccess(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) commissionPreview(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	partnerID := chi.URLParam(r, "partner_id")
	amount, err := strconv.ParseFloat(strings.TrimSpace(r.URL.Query().Get("amount")), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "amount query parameter required")
		return
	}
	preview, err := h.service.CommissionPreview(r.Context(), actor, partnerID, amount)
	if err != nil {
		status, code := mapDomainError(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeSuccess(w, http.StatusOK, preview)
}
