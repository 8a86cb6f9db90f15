package provider

import (
	"context"

	"vibephoto/internal/domain/ports/adapter"
)

var _ adapter.Provider = (*limited)(nil)

// limited caps in-flight calls to one provider. Webhook decoding is local
// and never waits on the semaphore.
type limited struct {
	adapter.Provider
	sem chan struct{}
}

// Limit wraps inner so at most maxConcurrent Submit and Status calls run at
// once. The optional StatusChecker and WebhookDecoder capabilities of inner
// are kept.
func Limit(inner adapter.Provider, maxConcurrent int) adapter.Provider {
	if maxConcurrent <= 0 || inner == nil {
		return inner
	}
	l := &limited{Provider: inner, sem: make(chan struct{}, maxConcurrent)}
	checker, polls := inner.(adapter.StatusChecker)
	decoder, hooks := inner.(adapter.WebhookDecoder)
	switch {
	case polls && hooks:
		return &hookedChecker{limitedChecker: &limitedChecker{limited: l, checker: checker}, WebhookDecoder: decoder}
	case polls:
		return &limitedChecker{limited: l, checker: checker}
	case hooks:
		return &hookedLimited{limited: l, WebhookDecoder: decoder}
	}
	return l
}

func (l *limited) acquire(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *limited) release() { <-l.sem }

func (l *limited) Submit(ctx context.Context, req adapter.SubmitRequest) (*adapter.Submission, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.Provider.Submit(ctx, req)
}

type limitedChecker struct {
	*limited
	checker adapter.StatusChecker
}

func (l *limitedChecker) Status(ctx context.Context, externalID string) (*adapter.StatusReport, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.release()
	return l.checker.Status(ctx, externalID)
}

type hookedLimited struct {
	*limited
	adapter.WebhookDecoder
}

type hookedChecker struct {
	*limitedChecker
	adapter.WebhookDecoder
}
