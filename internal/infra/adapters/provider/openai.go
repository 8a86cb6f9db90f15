package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"vibephoto/internal/config"
	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/adapter"
)

const NameOpenAI = "openai"

var _ adapter.Provider = (*OpenAI)(nil)

// OpenAI generates images from text alone, without a trained model. The
// call is synchronous and returns base64 images.
type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(cfg config.ProviderEndpoint) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: empty api key")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	// retries belong to the dispatcher
	opts = append(opts, option.WithMaxRetries(0))
	return &OpenAI{client: openai.NewClient(opts...), model: cfg.Model}, nil
}

func (o *OpenAI) Name() string           { return NameOpenAI }
func (o *OpenAI) ReliableWebhooks() bool { return true }

func (o *OpenAI) Supports(p model.JobPayload) bool {
	g, ok := p.(model.GenerationPayload)
	return ok && g.ModelID == ""
}

func (o *OpenAI) Submit(ctx context.Context, req adapter.SubmitRequest) (*adapter.Submission, error) {
	p, ok := req.Payload.(model.GenerationPayload)
	if !ok {
		return nil, &domain.ProviderError{Provider: NameOpenAI, Op: "submit", Err: fmt.Errorf("unsupported job kind %s", req.Payload.Kind())}
	}
	prompt := p.Text
	if p.NegativePrompt != "" {
		prompt += "\nAvoid: " + p.NegativePrompt
	}
	resp, err := o.client.Images.Generate(ctx, openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(o.model),
		N:      openai.Int(int64(p.Variations)),
		Size:   imageSize(p.AspectRatio),
	})
	if err != nil {
		return nil, o.wrap(err)
	}

	rep := &adapter.StatusReport{Status: model.JobStatusCompleted}
	for _, img := range resp.Data {
		switch {
		case img.B64JSON != "":
			b, err := base64.StdEncoding.DecodeString(img.B64JSON)
			if err != nil {
				return nil, &domain.ProviderError{Provider: NameOpenAI, Op: "generate", Err: err}
			}
			rep.Outputs = append(rep.Outputs, adapter.Output{Data: b, MimeType: "image/png"})
		case img.URL != "":
			rep.Outputs = append(rep.Outputs, adapter.Output{URL: img.URL})
		}
	}
	if len(rep.Outputs) == 0 {
		rep.Status = model.JobStatusFailed
		rep.Error = "no image in model response"
	}
	return &adapter.Submission{Report: rep, Estimated: time.Minute}, nil
}

// imageSize maps an aspect ratio onto the closest supported canvas.
func imageSize(ratio string) openai.ImageGenerateParamsSize {
	switch ratio {
	case "16:9", "4:3", "3:2":
		return openai.ImageGenerateParamsSize1536x1024
	case "9:16", "3:4", "2:3":
		return openai.ImageGenerateParamsSize1024x1536
	}
	return openai.ImageGenerateParamsSize1024x1024
}

func (o *OpenAI) wrap(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &domain.ProviderError{Provider: NameOpenAI, Op: "generate", StatusCode: apiErr.StatusCode, Transient: transientStatus(apiErr.StatusCode), Err: err}
	}
	return &domain.ProviderError{Provider: NameOpenAI, Op: "generate", Transient: isNetErr(err), Err: err}
}
