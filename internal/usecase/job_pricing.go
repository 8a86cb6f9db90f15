// File: internal/usecase/job_pricing.go
package usecase

import (
	"fmt"
	"strings"
	"time"

	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
)

// Pricing is the credit cost table per job kind.
type Pricing struct {
	GenerationPerImage int
	Training           int
	Edit               int
	Upscale2x          int
	Upscale4x          int
}

// Cost prices a validated payload.
func (p Pricing) Cost(payload model.JobPayload) (int, error) {
	switch v := payload.(type) {
	case model.GenerationPayload:
		return p.GenerationPerImage * v.Variations, nil
	case model.TrainingPayload:
		return p.Training, nil
	case model.EditPayload:
		return p.Edit, nil
	case model.UpscalePayload:
		if v.Factor == 4 {
			return p.Upscale4x, nil
		}
		return p.Upscale2x, nil
	}
	return 0, fmt.Errorf("%w: no price for %T", domain.ErrInvalidArgument, payload)
}

// EstimatedDuration is reported to clients until the provider gives its own.
func EstimatedDuration(kind model.JobKind) time.Duration {
	switch kind {
	case model.JobKindTraining:
		return 20 * time.Minute
	case model.JobKindUpscale:
		return 45 * time.Second
	case model.JobKindEdit:
		return 30 * time.Second
	default:
		return time.Minute
	}
}

// TokenCounter counts prompt tokens the way the provider bills them.
type TokenCounter interface {
	Count(text string) int
}

type wordCounter struct{}

// Count is a rough fallback of 4 tokens per 3 words.
func (wordCounter) Count(text string) int {
	n := len(strings.Fields(text))
	return (n*4 + 2) / 3
}

type Limits struct {
	MaxInputBytes   int64
	MaxPromptTokens int
}

// JobValidator applies the per-kind payload rules plus the service limits.
type JobValidator struct {
	limits Limits
	tokens TokenCounter
}

func NewJobValidator(limits Limits, tokens TokenCounter) *JobValidator {
	if tokens == nil {
		tokens = wordCounter{}
	}
	return &JobValidator{limits: limits, tokens: tokens}
}

// Validate returns the prompt token count on success.
func (v *JobValidator) Validate(p model.JobPayload) (int, error) {
	if p == nil {
		return 0, domain.NewValidationError("payload", "required")
	}
	if !p.Kind().Valid() {
		return 0, domain.NewValidationError("kind", fmt.Sprintf("unknown job kind %q", p.Kind()))
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if size := model.SourceSize(p); v.limits.MaxInputBytes > 0 && size > v.limits.MaxInputBytes {
		return 0, domain.NewValidationError("source_bytes", fmt.Sprintf("input of %d bytes exceeds the %d byte limit", size, v.limits.MaxInputBytes))
	}
	tokens := 0
	if prompt := p.Prompt(); prompt != "" {
		tokens = v.tokens.Count(prompt)
		if v.limits.MaxPromptTokens > 0 && tokens > v.limits.MaxPromptTokens {
			return tokens, domain.NewValidationError("prompt", fmt.Sprintf("prompt has %d tokens, limit is %d", tokens, v.limits.MaxPromptTokens))
		}
	}
	return tokens, nil
}
