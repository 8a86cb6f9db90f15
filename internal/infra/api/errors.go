package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"vibephoto/internal/domain"
	"vibephoto/internal/infra/logging"
)

type errorBody struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Required  int    `json:"required,omitempty"`
	Available *int   `json:"available,omitempty"`
}

// writeError maps domain errors onto status codes. Provider and storage
// details stay in the log.
func writeError(w http.ResponseWriter, r *http.Request, logger *zerolog.Logger, err error) {
	var (
		ve *domain.ValidationError
		ie *domain.InsufficientCreditsError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ve.Reason, Field: ve.Field})
	case errors.As(err, &ie):
		avail := ie.Available
		writeJSON(w, http.StatusPaymentRequired, errorBody{Error: "insufficient credits", Required: ie.Required, Available: &avail})
	case errors.Is(err, domain.ErrInsufficientCredits):
		writeJSONError(w, http.StatusPaymentRequired, "insufficient credits")
	case errors.Is(err, domain.ErrInvalidArgument):
		writeJSONError(w, http.StatusBadRequest, "invalid argument")
	case errors.Is(err, domain.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrReconciliationConflict),
		errors.Is(err, domain.ErrPackageNotUsable):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrAccountInactive):
		writeJSONError(w, http.StatusForbidden, "account is not active")
	case errors.Is(err, domain.ErrProvider), errors.Is(err, domain.ErrStorage):
		logging.With(r.Context(), logger).Warn().Err(err).Msg("upstream failure")
		writeJSONError(w, http.StatusBadGateway, "upstream service unavailable, credits were not charged")
	default:
		logging.With(r.Context(), logger).Error().Err(err).Msg("request failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
