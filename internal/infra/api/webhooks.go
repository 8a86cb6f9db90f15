package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"vibephoto/internal/domain"
	"vibephoto/internal/domain/ports/adapter"
	"vibephoto/internal/infra/logging"
	"vibephoto/internal/usecase"
)

// handleWebhook accepts a provider callback. Signatures are checked when a
// secret is configured for the provider. The update is reconciled through
// Async when set so the provider gets its 200 right away; duplicates and
// late callbacks are no-ops.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	jobID := r.URL.Query().Get("job_id")
	ctx := logging.WithJobID(r.Context(), jobID)
	log := logging.With(ctx, s.log).With().Str("provider", name).Logger()

	prov, ok := s.deps.Providers.Lookup(name)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown provider")
		return
	}
	decoder, ok := prov.(adapter.WebhookDecoder)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "provider does not send webhooks")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Webhooks.MaxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if secret := s.cfg.Webhooks.Secrets[name]; secret != "" {
		if !validSignature(secret, body, r.Header.Get(s.cfg.Webhooks.SignatureHeader)) {
			log.Warn().Msg("webhook signature mismatch")
			writeJSONError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	report, err := decoder.DecodeWebhook(body)
	if err != nil {
		log.Warn().Err(err).Msg("undecodable webhook")
		writeError(w, r, s.log, err)
		return
	}
	upd := usecase.JobUpdate{
		JobID:      jobID,
		Provider:   name,
		ExternalID: report.ExternalID,
		Status:     report.Status,
		Outputs:    report.Outputs,
		Error:      report.Error,
		Source:     usecase.SourceWebhook,
	}
	if upd.JobID == "" && upd.ExternalID == "" {
		writeError(w, r, s.log, domain.NewValidationError("job_id", "required"))
		return
	}

	apply := func(ctx context.Context) error {
		_, err := s.deps.Reconcile.Apply(ctx, upd)
		return err
	}
	if s.deps.Async != nil {
		bg := context.WithoutCancel(ctx)
		err := s.deps.Async(func(context.Context) error {
			actx, cancel := context.WithTimeout(bg, 5*time.Minute)
			defer cancel()
			if err := apply(actx); err != nil {
				log.Error().Err(err).Msg("webhook reconcile failed")
				return err
			}
			return nil
		})
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
			return
		}
		log.Warn().Err(err).Msg("webhook queue full, reconciling inline")
	}

	if err := apply(context.WithoutCancel(ctx)); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "unknown job")
			return
		}
		writeError(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// validSignature checks a hex HMAC-SHA256 of body, optionally prefixed "sha256=".
func validSignature(secret string, body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
