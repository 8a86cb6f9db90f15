package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"vibephoto/internal/config"
	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/adapter"
)

const NameAstria = "astria"

var (
	_ adapter.Provider       = (*Astria)(nil)
	_ adapter.WebhookDecoder = (*Astria)(nil)
)

// Astria trains personal models (tunes) and generates images with them.
// Its callbacks are reliable, so jobs are never polled.
type Astria struct {
	c         *jsonClient
	baseModel string
}

func NewAstria(cfg config.ProviderEndpoint) *Astria {
	return &Astria{
		c:         newJSONClient(NameAstria, cfg.BaseURL, "Bearer "+cfg.APIKey, cfg.Timeout),
		baseModel: cfg.Model,
	}
}

func (a *Astria) Name() string           { return NameAstria }
func (a *Astria) ReliableWebhooks() bool { return true }

func (a *Astria) Supports(p model.JobPayload) bool {
	switch v := p.(type) {
	case model.TrainingPayload:
		return true
	case model.GenerationPayload:
		return v.ModelID != "" || a.baseModel != ""
	}
	return false
}

type astriaTune struct {
	Title     string   `json:"title"`
	Name      string   `json:"name"`
	ImageURLs []string `json:"image_urls"`
	Steps     int      `json:"steps,omitempty"`
	Callback  string   `json:"callback"`
	Branch    string   `json:"branch,omitempty"`
}

type astriaPrompt struct {
	Text           string `json:"text"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	NumImages      int    `json:"num_images"`
	AspectRatio    string `json:"aspect_ratio"`
	Seed           int64  `json:"seed,omitempty"`
	Callback       string `json:"callback"`
}

type astriaObject struct {
	ID        int64    `json:"id"`
	Images    []string `json:"images"`
	TrainedAt *string  `json:"trained_at"`
	Error     string   `json:"error"`
	Status    string   `json:"status"`
}

func (a *Astria) Submit(ctx context.Context, req adapter.SubmitRequest) (*adapter.Submission, error) {
	var out astriaObject
	switch p := req.Payload.(type) {
	case model.TrainingPayload:
		body := map[string]astriaTune{"tune": {
			Title:     p.ModelName,
			Name:      p.Class,
			ImageURLs: p.ImageURLs,
			Steps:     p.Steps,
			Callback:  req.CallbackURL,
		}}
		if err := a.c.do(ctx, "train", http.MethodPost, "/tunes", body, &out); err != nil {
			return nil, err
		}
		return &adapter.Submission{ExternalID: strconv.FormatInt(out.ID, 10), Estimated: 20 * time.Minute}, nil

	case model.GenerationPayload:
		tune := p.ModelID
		if tune == "" {
			tune = a.baseModel
		}
		body := map[string]astriaPrompt{"prompt": {
			Text:           p.Text,
			NegativePrompt: p.NegativePrompt,
			NumImages:      p.Variations,
			AspectRatio:    p.AspectRatio,
			Seed:           p.Seed,
			Callback:       req.CallbackURL,
		}}
		if err := a.c.do(ctx, "generate", http.MethodPost, "/tunes/"+tune+"/prompts", body, &out); err != nil {
			return nil, err
		}
		return &adapter.Submission{ExternalID: strconv.FormatInt(out.ID, 10), Estimated: time.Minute}, nil
	}
	return nil, &domain.ProviderError{Provider: NameAstria, Op: "submit", Err: fmt.Errorf("unsupported job kind %s", req.Payload.Kind())}
}

// DecodeWebhook accepts both tune and prompt callbacks. A tune is done once
// trained_at is set; a prompt once it carries images.
func (a *Astria) DecodeWebhook(body []byte) (*adapter.StatusReport, error) {
	var env struct {
		Tune   *astriaObject `json:"tune"`
		Prompt *astriaObject `json:"prompt"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, domain.NewValidationError("body", err.Error())
	}
	obj := env.Prompt
	if obj == nil {
		obj = env.Tune
	}
	if obj == nil {
		var flat astriaObject
		if err := json.Unmarshal(body, &flat); err != nil || flat.ID == 0 {
			return nil, domain.NewValidationError("body", "neither tune nor prompt")
		}
		obj = &flat
	}

	rep := &adapter.StatusReport{ExternalID: strconv.FormatInt(obj.ID, 10), Status: model.JobStatusProcessing}
	switch {
	case obj.Error != "":
		rep.Status = model.JobStatusFailed
		rep.Error = obj.Error
	case len(obj.Images) > 0:
		rep.Status = model.JobStatusCompleted
		for _, u := range obj.Images {
			rep.Outputs = append(rep.Outputs, adapter.Output{URL: u})
		}
	case obj.TrainedAt != nil && *obj.TrainedAt != "":
		// a trained tune has no images; the model id is the output
		rep.Status = model.JobStatusCompleted
	default:
		if s, ok := model.ParseJobStatus(obj.Status); ok {
			rep.Status = s
		}
	}
	return rep, nil
}
