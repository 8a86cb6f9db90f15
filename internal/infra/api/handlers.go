package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/infra/logging"
	"vibephoto/internal/usecase"
)

type createJobRequest struct {
	Kind    model.JobKind   `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type createJobResponse struct {
	JobID            string          `json:"job_id"`
	Provider         string          `json:"provider"`
	Status           model.JobStatus `json:"status"`
	Cost             int             `json:"cost"`
	EstimatedSeconds int             `json:"estimated_seconds"`
}

type jobView struct {
	ID               string          `json:"id"`
	Kind             model.JobKind   `json:"kind"`
	Status           model.JobStatus `json:"status"`
	Provider         string          `json:"provider,omitempty"`
	Cost             int             `json:"cost"`
	ResultURLs       []string        `json:"result_urls,omitempty"`
	ThumbnailURLs    []string        `json:"thumbnail_urls,omitempty"`
	Error            string          `json:"error,omitempty"`
	EstimatedSeconds int             `json:"estimated_seconds,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

func newJobView(j *model.Job) jobView {
	return jobView{
		ID:               j.ID,
		Kind:             j.Kind,
		Status:           j.Status,
		Provider:         j.Provider,
		Cost:             j.Cost,
		ResultURLs:       j.ResultURLs,
		ThumbnailURLs:    j.ThumbnailURLs,
		Error:            j.ErrorMessage,
		EstimatedSeconds: j.EstimatedSeconds,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		CompletedAt:      j.CompletedAt,
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	ctx := logging.WithAccountID(r.Context(), claims.Subject)

	var req createJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Kind.Valid() {
		writeError(w, r, s.log, domain.NewValidationError("kind", "unknown job kind"))
		return
	}
	payload, err := model.DecodePayload(req.Kind, req.Payload)
	if err != nil {
		writeError(w, r, s.log, domain.NewValidationError("payload", "malformed payload"))
		return
	}

	res, err := s.deps.Dispatch.Dispatch(ctx, usecase.JobSpec{AccountID: claims.Subject, Payload: payload})
	if err != nil {
		writeError(w, r.WithContext(ctx), s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:            res.JobID,
		Provider:         res.Provider,
		Status:           res.Status,
		Cost:             res.Cost,
		EstimatedSeconds: int(res.EstimatedTime / time.Second),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	j, err := s.deps.Dispatch.GetJob(r.Context(), claims.Subject, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(j))
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Ledger.Balances(r.Context(), ClaimsFrom(r.Context()).Subject)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type transactionView struct {
	ID           string                    `json:"id"`
	Type         model.TransactionType     `json:"type"`
	Source       model.TransactionSource   `json:"source"`
	Amount       int                       `json:"amount"`
	ReferenceID  string                    `json:"reference_id,omitempty"`
	BalanceAfter int                       `json:"balance_after"`
	Metadata     model.TransactionMetadata `json:"metadata"`
	CreatedAt    time.Time                 `json:"created_at"`
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := s.deps.Ledger.ListTransactions(r.Context(), ClaimsFrom(r.Context()).Subject, limit)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	out := make([]transactionView, 0, len(txs))
	for _, t := range txs {
		out = append(out, transactionView{
			ID:           t.ID,
			Type:         t.Type,
			Source:       t.Source,
			Amount:       t.Amount,
			ReferenceID:  t.ReferenceID,
			BalanceAfter: t.BalanceAfter,
			Metadata:     t.Metadata,
			CreatedAt:    t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) handleConfirmPackage(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Ledger.ConfirmPackage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          p.ID,
		"account_id":  p.AccountID,
		"status":      p.Status,
		"credits":     p.CreditAmount,
		"remaining":   p.Remaining(),
		"valid_until": p.ValidUntil,
		"expired":     p.IsExpired,
	})
}

type renewRequest struct {
	Limit     int        `json:"limit"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) handleRenewPlan(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Limit < 0 {
		writeError(w, r, s.log, domain.NewValidationError("limit", "must not be negative"))
		return
	}
	b, err := s.deps.Ledger.RenewPlan(r.Context(), chi.URLParam(r, "id"), req.Limit, req.ExpiresAt)
	if err != nil {
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
