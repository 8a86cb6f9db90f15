package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"vibephoto/internal/domain"

	"github.com/google/uuid"
)

type JobKind string

const (
	JobKindTraining   JobKind = "TRAINING"
	JobKindGeneration JobKind = "GENERATION"
	JobKindEdit       JobKind = "EDIT"
	JobKindUpscale    JobKind = "UPSCALE"
)

func (k JobKind) Valid() bool {
	switch k {
	case JobKindTraining, JobKindGeneration, JobKindEdit, JobKindUpscale:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	// JobStatusError is a provider-side failure; it is terminal and handled as FAILED.
	JobStatusError JobStatus = "ERROR"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusError
}

func (s JobStatus) IsFailure() bool { return s == JobStatusFailed || s == JobStatusError }

// ParseJobStatus normalises a status string reported by a provider.
func ParseJobStatus(s string) (JobStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued", "starting", "waiting", "created":
		return JobStatusPending, true
	case "processing", "running", "in_progress", "training", "generating":
		return JobStatusProcessing, true
	case "completed", "succeeded", "success", "done", "trained", "generated":
		return JobStatusCompleted, true
	case "failed", "fail", "canceled", "cancelled", "aborted":
		return JobStatusFailed, true
	case "error":
		return JobStatusError, true
	}
	return "", false
}

var AspectRatios = map[string]bool{
	"1:1": true, "3:4": true, "4:3": true, "9:16": true, "16:9": true, "2:3": true, "3:2": true,
}

const (
	MinVariations     = 1
	MaxVariations     = 8
	MinTrainingImages = 4
	MaxTrainingImages = 30
)

// JobPayload is the per-kind input of a job. Exactly one concrete type
// exists per JobKind.
type JobPayload interface {
	Kind() JobKind
	Validate() error
	// Prompt returns the user text sent to the model, if any.
	Prompt() string
}

type TrainingPayload struct {
	ModelName string   `json:"model_name"`
	Class     string   `json:"class"`
	ImageURLs []string `json:"image_urls"`
	Steps     int      `json:"steps,omitempty"`
}

func (TrainingPayload) Kind() JobKind    { return JobKindTraining }
func (TrainingPayload) Prompt() string   { return "" }
func (p TrainingPayload) Validate() error {
	if strings.TrimSpace(p.ModelName) == "" {
		return domain.NewValidationError("model_name", "required")
	}
	if n := len(p.ImageURLs); n < MinTrainingImages || n > MaxTrainingImages {
		return domain.NewValidationError("image_urls", fmt.Sprintf("between %d and %d images required, got %d", MinTrainingImages, MaxTrainingImages, n))
	}
	for _, u := range p.ImageURLs {
		if strings.TrimSpace(u) == "" {
			return domain.NewValidationError("image_urls", "empty url")
		}
	}
	return nil
}

type GenerationPayload struct {
	Text           string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	// ModelID is the provider id of a trained model; empty means a base model.
	ModelID     string `json:"model_id,omitempty"`
	AspectRatio string `json:"aspect_ratio"`
	Variations  int    `json:"variations"`
	Seed        int64  `json:"seed,omitempty"`
}

func (GenerationPayload) Kind() JobKind    { return JobKindGeneration }
func (p GenerationPayload) Prompt() string { return p.Text }
func (p GenerationPayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return domain.NewValidationError("prompt", "required")
	}
	if !AspectRatios[p.AspectRatio] {
		return domain.NewValidationError("aspect_ratio", fmt.Sprintf("unsupported aspect ratio %q", p.AspectRatio))
	}
	if p.Variations < MinVariations || p.Variations > MaxVariations {
		return domain.NewValidationError("variations", fmt.Sprintf("must be between %d and %d", MinVariations, MaxVariations))
	}
	return nil
}

type EditPayload struct {
	Text        string `json:"prompt"`
	SourceURL   string `json:"source_url"`
	SourceBytes int64  `json:"source_bytes"`
	MimeType    string `json:"mime_type,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

func (EditPayload) Kind() JobKind    { return JobKindEdit }
func (p EditPayload) Prompt() string { return p.Text }
func (p EditPayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return domain.NewValidationError("prompt", "required")
	}
	if strings.TrimSpace(p.SourceURL) == "" {
		return domain.NewValidationError("source_url", "required")
	}
	if p.AspectRatio != "" && !AspectRatios[p.AspectRatio] {
		return domain.NewValidationError("aspect_ratio", fmt.Sprintf("unsupported aspect ratio %q", p.AspectRatio))
	}
	return nil
}

type UpscalePayload struct {
	SourceURL   string `json:"source_url"`
	SourceBytes int64  `json:"source_bytes"`
	Factor      int    `json:"factor"`
}

func (UpscalePayload) Kind() JobKind    { return JobKindUpscale }
func (UpscalePayload) Prompt() string   { return "" }
func (p UpscalePayload) Validate() error {
	if strings.TrimSpace(p.SourceURL) == "" {
		return domain.NewValidationError("source_url", "required")
	}
	if p.Factor != 2 && p.Factor != 4 {
		return domain.NewValidationError("factor", "must be 2 or 4")
	}
	return nil
}

// SourceSize returns the declared input size of payloads that carry an image.
func SourceSize(p JobPayload) int64 {
	switch v := p.(type) {
	case EditPayload:
		return v.SourceBytes
	case UpscalePayload:
		return v.SourceBytes
	}
	return 0
}

type payloadEnvelope struct {
	Kind JobKind         `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalPayload encodes p as {"kind": ..., "data": ...}.
func MarshalPayload(p JobPayload) ([]byte, error) {
	if p == nil {
		return nil, domain.ErrInvalidArgument
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

// UnmarshalPayload decodes an envelope written by MarshalPayload.
func UnmarshalPayload(b []byte) (JobPayload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	return DecodePayload(env.Kind, env.Data)
}

// DecodePayload decodes data into the concrete payload type for kind.
func DecodePayload(kind JobKind, data []byte) (JobPayload, error) {
	switch kind {
	case JobKindTraining:
		var p TrainingPayload
		err := json.Unmarshal(data, &p)
		return p, err
	case JobKindGeneration:
		var p GenerationPayload
		err := json.Unmarshal(data, &p)
		return p, err
	case JobKindEdit:
		var p EditPayload
		err := json.Unmarshal(data, &p)
		return p, err
	case JobKindUpscale:
		var p UpscalePayload
		err := json.Unmarshal(data, &p)
		return p, err
	}
	return nil, fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidArgument, kind)
}

// Job is a unit of AI work tracked from dispatch to a terminal state.
type Job struct {
	ID               string
	AccountID        string
	Kind             JobKind
	Provider         string
	ExternalID       string
	Status           JobStatus
	Cost             int
	Payload          JobPayload
	ResultURLs       []string
	ThumbnailURLs    []string
	ErrorMessage     string
	EstimatedSeconds int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

func NewJob(accountID string, payload JobPayload, cost int, estimated time.Duration) (*Job, error) {
	if accountID == "" || payload == nil || cost < 0 {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &Job{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		Kind:             payload.Kind(),
		Status:           JobStatusPending,
		Cost:             cost,
		Payload:          payload,
		EstimatedSeconds: int(estimated / time.Second),
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (j *Job) IsTerminal() bool { return j.Status.IsTerminal() }

// Complete moves the job to COMPLETED with its permanent result URLs.
func (j *Job) Complete(results, thumbs []string, now time.Time) error {
	if j.IsTerminal() {
		return domain.ErrReconciliationConflict
	}
	j.Status = JobStatusCompleted
	j.ResultURLs = results
	j.ThumbnailURLs = thumbs
	j.ErrorMessage = ""
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

// Fail moves the job to status (FAILED or ERROR) with reason.
func (j *Job) Fail(status JobStatus, reason string, now time.Time) error {
	if j.IsTerminal() {
		return domain.ErrReconciliationConflict
	}
	if !status.IsFailure() {
		status = JobStatusFailed
	}
	j.Status = status
	j.ErrorMessage = reason
	j.UpdatedAt = now
	j.CompletedAt = &now
	return nil
}

// Advance applies a non-terminal observation. Only PENDING moves forward.
func (j *Job) Advance(now time.Time) bool {
	if j.Status != JobStatusPending {
		return false
	}
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	return true
}
