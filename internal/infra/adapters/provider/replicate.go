package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"vibephoto/internal/config"
	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/adapter"
)

const NameReplicate = "replicate"

var (
	_ adapter.Provider       = (*Replicate)(nil)
	_ adapter.StatusChecker  = (*Replicate)(nil)
	_ adapter.WebhookDecoder = (*Replicate)(nil)
)

// Replicate runs upscales as predictions. Its webhooks are known to go
// missing, so every job also gets a fallback poll.
type Replicate struct {
	c       *jsonClient
	version string
}

func NewReplicate(cfg config.ProviderEndpoint) *Replicate {
	return &Replicate{
		c:       newJSONClient(NameReplicate, cfg.BaseURL, "Bearer "+cfg.APIKey, cfg.Timeout),
		version: cfg.Model,
	}
}

func (r *Replicate) Name() string           { return NameReplicate }
func (r *Replicate) ReliableWebhooks() bool { return false }

func (r *Replicate) Supports(p model.JobPayload) bool {
	_, ok := p.(model.UpscalePayload)
	return ok
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
}

func (r *Replicate) Submit(ctx context.Context, req adapter.SubmitRequest) (*adapter.Submission, error) {
	p, ok := req.Payload.(model.UpscalePayload)
	if !ok {
		return nil, &domain.ProviderError{Provider: NameReplicate, Op: "submit", Err: fmt.Errorf("unsupported job kind %s", req.Payload.Kind())}
	}
	body := map[string]any{
		"version": r.version,
		"input": map[string]any{
			"image": p.SourceURL,
			"scale": p.Factor,
		},
		"webhook":               req.CallbackURL,
		"webhook_events_filter": []string{"completed"},
	}
	var out prediction
	if err := r.c.do(ctx, "submit", http.MethodPost, "/predictions", body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, &domain.ProviderError{Provider: NameReplicate, Op: "submit", Err: fmt.Errorf("empty prediction id")}
	}
	return &adapter.Submission{ExternalID: out.ID, Estimated: 45 * time.Second}, nil
}

func (r *Replicate) Status(ctx context.Context, externalID string) (*adapter.StatusReport, error) {
	var out prediction
	if err := r.c.do(ctx, "status", http.MethodGet, "/predictions/"+url.PathEscape(externalID), nil, &out); err != nil {
		return nil, err
	}
	return out.report(), nil
}

func (r *Replicate) DecodeWebhook(body []byte) (*adapter.StatusReport, error) {
	var out prediction
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, domain.NewValidationError("body", err.Error())
	}
	if out.ID == "" {
		return nil, domain.NewValidationError("id", "required")
	}
	return out.report(), nil
}

func (p prediction) report() *adapter.StatusReport {
	rep := &adapter.StatusReport{ExternalID: p.ID, Status: model.JobStatusPending}
	if s, ok := model.ParseJobStatus(p.Status); ok {
		rep.Status = s
	}
	if p.Error != nil {
		rep.Error = fmt.Sprint(p.Error)
	}
	if rep.Status != model.JobStatusCompleted {
		return rep
	}
	// output is a single url or a list of urls depending on the model
	var one string
	var many []string
	if err := json.Unmarshal(p.Output, &one); err == nil && one != "" {
		many = []string{one}
	} else {
		_ = json.Unmarshal(p.Output, &many)
	}
	for _, u := range many {
		rep.Outputs = append(rep.Outputs, adapter.Output{URL: u})
	}
	return rep
}
