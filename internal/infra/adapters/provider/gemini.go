package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/genai"

	"vibephoto/internal/config"
	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/adapter"
)

const NameGemini = "gemini"

var _ adapter.Provider = (*Gemini)(nil)

// Gemini edits an image synchronously; the result comes back inline.
type Gemini struct {
	client   *genai.Client
	model    string
	http     *http.Client
	maxBytes int64
}

func NewGemini(ctx context.Context, cfg config.ProviderEndpoint, maxInputBytes int64) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gemini{client: c, model: cfg.Model, http: &http.Client{Timeout: timeout}, maxBytes: maxInputBytes}, nil
}

func (g *Gemini) Name() string           { return NameGemini }
func (g *Gemini) ReliableWebhooks() bool { return true }

func (g *Gemini) Supports(p model.JobPayload) bool {
	_, ok := p.(model.EditPayload)
	return ok
}

func (g *Gemini) Submit(ctx context.Context, req adapter.SubmitRequest) (*adapter.Submission, error) {
	p, ok := req.Payload.(model.EditPayload)
	if !ok {
		return nil, &domain.ProviderError{Provider: NameGemini, Op: "submit", Err: fmt.Errorf("unsupported job kind %s", req.Payload.Kind())}
	}
	src, mime, err := g.fetch(ctx, p.SourceURL)
	if err != nil {
		return nil, err
	}
	if p.MimeType != "" {
		mime = p.MimeType
	}

	content := &genai.Content{
		Parts: []*genai.Part{
			genai.NewPartFromText(p.Text),
			genai.NewPartFromBytes(src, mime),
		},
	}
	var cfg *genai.GenerateContentConfig
	if p.AspectRatio != "" {
		cfg = &genai.GenerateContentConfig{ImageConfig: &genai.ImageConfig{AspectRatio: p.AspectRatio}}
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{content}, cfg)
	if err != nil {
		return nil, g.wrap("edit", err)
	}

	rep := &adapter.StatusReport{Status: model.JobStatusCompleted}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				rep.Outputs = append(rep.Outputs, adapter.Output{Data: part.InlineData.Data, MimeType: part.InlineData.MIMEType})
			}
		}
	}
	if len(rep.Outputs) == 0 {
		rep.Status = model.JobStatusFailed
		rep.Error = "no image in model response"
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			rep.Error = "blocked: " + string(resp.PromptFeedback.BlockReason)
		}
	}
	return &adapter.Submission{Report: rep, Estimated: 30 * time.Second}, nil
}

func (g *Gemini) fetch(ctx context.Context, src string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, "", &domain.ProviderError{Provider: NameGemini, Op: "fetch source", Err: err}
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, "", &domain.ProviderError{Provider: NameGemini, Op: "fetch source", Transient: isNetErr(err), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", &domain.ProviderError{Provider: NameGemini, Op: "fetch source", StatusCode: resp.StatusCode, Transient: transientStatus(resp.StatusCode)}
	}
	limit := g.maxBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", &domain.ProviderError{Provider: NameGemini, Op: "fetch source", Transient: true, Err: err}
	}
	if int64(len(b)) > limit {
		return nil, "", domain.NewValidationError("source_url", "source image too large")
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(b)
	}
	return b, mime, nil
}

func (g *Gemini) wrap(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &domain.ProviderError{Provider: NameGemini, Op: op, StatusCode: apiErr.Code, Transient: transientStatus(apiErr.Code), Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &domain.ProviderError{Provider: NameGemini, Op: op, StatusCode: apiErrPtr.Code, Transient: transientStatus(apiErrPtr.Code), Err: err}
	}
	return &domain.ProviderError{Provider: NameGemini, Op: op, Transient: isNetErr(err), Err: err}
}
