package adapter

import (
	"context"
	"time"

	"vibephoto/internal/domain/model"
)

// SubmitRequest is what the dispatcher hands to a provider.
type SubmitRequest struct {
	JobID       string
	Payload     model.JobPayload
	CallbackURL string
}

// Output is one produced asset: either a provider-hosted (expiring) URL or
// inline bytes returned by a synchronous provider.
type Output struct {
	URL      string
	Data     []byte
	MimeType string
}

// StatusReport is the provider's view of a job.
type StatusReport struct {
	ExternalID string
	Status     model.JobStatus
	Outputs    []Output
	Error      string
}

// Submission is the provider response to a submit call. Synchronous
// providers return a terminal Report right away.
type Submission struct {
	ExternalID string
	Estimated  time.Duration
	Report     *StatusReport
}

// Provider is the outbound port to an AI inference provider.
type Provider interface {
	Name() string
	Supports(p model.JobPayload) bool
	Submit(ctx context.Context, req SubmitRequest) (*Submission, error)
	// ReliableWebhooks is false for providers whose callbacks may never
	// arrive; their jobs get a fallback poll.
	ReliableWebhooks() bool
}

// StatusChecker is implemented by providers that expose a status endpoint.
type StatusChecker interface {
	Status(ctx context.Context, externalID string) (*StatusReport, error)
}

// WebhookDecoder is implemented by providers that deliver callbacks.
type WebhookDecoder interface {
	DecodeWebhook(body []byte) (*StatusReport, error)
}

// ProviderRouter picks the provider for a payload and resolves providers by name.
type ProviderRouter interface {
	Route(p model.JobPayload) (Provider, error)
	Lookup(name string) (Provider, bool)
}
