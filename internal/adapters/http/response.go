package http

import (
	"encoding/json"
	"net/http"

	"github.com/partnerdesk/progression-engine/internal/contracts"
	"github.com/partnerdesk/progression-engine/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, contracts.SuccessResponse{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, contracts.ErrorResponse{Status: "error", Code: code, Message: message})
}

func mapDomainError(err error) (int, string) {
	switch err {
	case nil:
		return http.StatusOK, ""
	case domain.ErrUnauthorized:
		return http.StatusUnauthorized, "unauthorized"
	case domain.ErrForbidden:
		return http.StatusForbidden, "forbidden"
	case domain.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case domain.ErrInvalidInput, domain.ErrInvalidEnvelope:
		return http.StatusBadRequest, "invalid_input"
	case domain.ErrInvalidAmount:
		return http.StatusBadRequest, "invalid_amount"
	case domain.ErrUnknownRank:
		return http.StatusBadRequest, "unknown_rank"
	case domain.ErrAlreadyMaxRank:
		return http.StatusConflict, "already_max_rank"
	case domain.ErrAlreadyMinRank:
		return http.StatusConflict, "already_min_rank"
	case domain.ErrSameRank:
		return http.StatusConflict, "same_rank"
	case domain.ErrIdempotencyRequired:
		return http.StatusBadRequest, "idempotency_key_required"
	case domain.ErrIdempotencyConflict:
		return http.StatusConflict, "idempotency_conflict"
	case domain.ErrConflict:
		return http.StatusConflict, "conflict"
	case domain.ErrUnsupportedEventType:
		return http.StatusBadRequest, "unsupported_event_type"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
