//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/adapter"
	"vibephoto/internal/usecase"
)

func generationSpec(accountID string, variations int) usecase.JobSpec {
	return usecase.JobSpec{
		AccountID: accountID,
		Payload:   model.GenerationPayload{Text: "portrait in the rain", AspectRatio: "3:4", Variations: variations},
	}
}

func TestDispatchUseCase_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("should reserve credits, submit and schedule a poll", func(t *testing.T) {
		f := newFixture(usecase.LedgerOptions{})
		acc := f.seedAccount(10, 0, nil)

		res, err := f.dispatcher.Dispatch(ctx, generationSpec(acc.ID, 4))
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if res.Cost != 4 || res.Status != model.JobStatusProcessing || res.ExternalID != "ext-"+res.JobID {
			t.Errorf("unexpected result: %+v", res)
		}
		if got := f.account(acc.ID).CreditsUsed; got != 4 {
			t.Errorf("expected 4 credits reserved, got %d", got)
		}
		j := f.job(res.JobID)
		if j.Status != model.JobStatusProcessing || j.Provider != "replicate" || j.ExternalID != res.ExternalID {
			t.Errorf("expected the submitted job stored, got %+v", j)
		}
		want := "https://api.example.com/webhooks/replicate?job_id=" + res.JobID
		if got := f.provider.Requests[0].CallbackURL; got != want {
			t.Errorf("expected callback %q, got %q", want, got)
		}
		if len(f.poller.Jobs) != 1 || f.poller.Jobs[0] != res.JobID {
			t.Errorf("expected a fallback poll for an unreliable provider, got %v", f.poller.Jobs)
		}
		spent := f.history.ofType(acc.ID, model.TransactionSpent)
		if len(spent) != 1 || spent[0].ReferenceID != res.JobID {
			t.Errorf("expected the debit referenced by job id, got %+v", spent)
		}
	})

	t.Run("should not poll providers with reliable webhooks", func(t *testing.T) {
		f := newFixture(usecase.LedgerOptions{})
		f.provider.reliable = true
		acc := f.seedAccount(10, 0, nil)

		if _, err := f.dispatcher.Dispatch(ctx, generationSpec(acc.ID, 1)); err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if len(f.poller.Jobs) != 0 {
			t.Errorf("expected no poll, got %v", f.poller.Jobs)
		}
	})

	t.Run("should reconcile inline results at once", func(t *testing.T) {
		f := newFixture(usecase.LedgerOptions{})
		f.provider.SubmitFunc = func(ctx context.Context, req adapter.SubmitRequest) (*adapter.Submission, error) {
			return &adapter.Submission{
				ExternalID: "inline-1",
				Report: &adapter.StatusReport{
					Status:  model.JobStatusCompleted,
					Outputs: []adapter.Output{{Data: []byte{0x89, 'P', 'N', 'G'}, MimeType: "image/png"}},
				},
			}, nil
		}
		acc := f.seedAccount(10, 0, nil)

		res, err := f.dispatcher.Dispatch(ctx, usecase.JobSpec{
			AccountID: acc.ID,
			Payload:   model.EditPayload{Text: "make it snow", SourceURL: "https://x/in.png", SourceBytes: 1024},
		})
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if res.Status != model.JobStatusCompleted {
			t.Errorf("expected COMPLETED, got %s", res.Status)
		}
		if got := f.job(res.JobID); len(got.ResultURLs) != 1 {
			t.Errorf("expected persisted inline result, got %v", got.ResultURLs)
		}
		if len(f.poller.Jobs) != 0 {
			t.Error("expected no poll for an inline result")
		}
	})

	t.Run("should retry storing the provider id once", func(t *testing.T) {
		f := newFixture(usecase.LedgerOptions{})
		f.jobs.MarkErrs = []error{errBoom}
		acc := f.seedAccount(10, 0, nil)

		res, err := f.dispatcher.Dispatch(ctx, generationSpec(acc.ID, 1))
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		j := f.job(res.JobID)
		if j.Status != model.JobStatusProcessing || j.ExternalID != res.ExternalID {
			t.Errorf("expected the second attempt stored, got %+v", j)
		}
	})

	t.Run("should still poll when the provider id cannot be stored", func(t *testing.T) {
		f := newFixture(usecase.LedgerOptions{})
		f.jobs.MarkErrs = []error{errBoom, errBoom}
		acc := f.seedAccount(10, 0, nil)

		res, err := f.dispatcher.Dispatch(ctx, generationSpec(acc.ID, 1))
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if res.Status != model.JobStatusPending {
			t.Errorf("expected the job reported PENDING, got %s", res.Status)
		}
		if len(f.poller.Jobs) != 1 || f.poller.Jobs[0] != res.JobID {
			t.Fatalf("expected a fallback poll, got %v", f.poller.Jobs)
		}

		out, err := f.reconciler.Apply(ctx, usecase.JobUpdate{JobID: res.JobID, Status: model.JobStatusCompleted, Outputs: []adapter.Output{{URL: "https://p/1.png"}}, Source: usecase.SourcePoll})
		if err != nil || !out.Applied || out.Job.Status != model.JobStatusCompleted {
			t.Fatalf("expected the poll result applied to the pending job, got %+v %v", out, err)
		}
		if n := len(f.history.ofType(acc.ID, model.TransactionRefunded)); n != 0 {
			t.Errorf("expected no refund for a completed job, got %d", n)
		}
	})

	t.Run("should retry transient provider errors", func(t *testing.T) {
		f := newFixture(usecase.LedgerOptions{})
		f.provider.SubmitFunc = func(ctx context.Context, req adapter.SubmitRequest) (*adapter.Submission, error) {
			if f.provider.Calls < 3 {
				return nil, &domain.ProviderError{Provider: "replicate", Op: "submit", StatusCode: 503, Transient: true}
			}
			return &adapter.Submission{ExternalID: "ext-ok"}, nil
		}
		acc := f.seedAccount(10, 0, nil)

		res, err := f.dispatcher.Dispatch(ctx, generationSpec(acc.ID, 1))
		if err != nil {
			t.Fatalf("expected success after retries, got %v", err)
		}
		if f.provider.Calls != 3 || res.ExternalID != "ext-ok" {
			t.Errorf("expected 3 calls ending in ext-ok, got %d %q", f.provider.Calls, res.ExternalID)
		}
	})

	t.Run("should fail and refund when the provider rejects the job", func(t *testing.T) {
		f := newFixture(usecase.LedgerOptions{})
		f.provider.SubmitFunc = func(ctx context.Context, req adapter.SubmitRequest) (*adapter.Submission, error) {
			return nil, &domain.ProviderError{Provider: "replicate", Op: "submit", StatusCode: 422, Err: errors.New("bad input")}
		}
		acc := f.seedAccount(10, 0, nil)

		_, err := f.dispatcher.Dispatch(ctx, generationSpec(acc.ID, 2))
		var pe *domain.ProviderError
		if !errors.As(err, &pe) {
			t.Fatalf("expected ProviderError, got %v", err)
		}
		if f.provider.Calls != 1 {
			t.Errorf("expected no retry of a permanent error, got %d calls", f.provider.Calls)
		}
		assertSingleFailedJob(t, f, acc.ID)
	})

	t.Run("should fail and refund when transient retries run out", func(t *testing.T) {
		f := newFixture(usecase.LedgerOptions{})
		f.provider.SubmitFunc = func(ctx context.Context, req adapter.SubmitRequest) (*adapter.Submission, error) {
			return nil, &domain.ProviderError{Provider: "replicate", Op: "submit", StatusCode: 502, Transient: true}
		}
		acc := f.seedAccount(10, 0, nil)

		if _, err := f.dispatcher.Dispatch(ctx, generationSpec(acc.ID, 2)); !errors.Is(err, domain.ErrProvider) {
			t.Fatalf("expected provider error, got %v", err)
		}
		if f.provider.Calls != 3 {
			t.Errorf("expected 3 attempts, got %d", f.provider.Calls)
		}
		assertSingleFailedJob(t, f, acc.ID)
	})

	t.Run("should reject unaffordable jobs before reserving", func(t *testing.T) {
		f := newFixture(usecase.LedgerOptions{})
		acc := f.seedAccount(2, 0, nil)

		_, err := f.dispatcher.Dispatch(ctx, generationSpec(acc.ID, 4))
		if !errors.Is(err, domain.ErrInsufficientCredits) {
			t.Fatalf("expected insufficient credits, got %v", err)
		}
		if len(f.store.jobs) != 0 || f.provider.Calls != 0 {
			t.Errorf("expected no job and no provider call, got %d jobs %d calls", len(f.store.jobs), f.provider.Calls)
		}
	})

	t.Run("should validate payloads", func(t *testing.T) {
		f := newFixture(usecase.LedgerOptions{})
		acc := f.seedAccount(100, 0, nil)
		testCases := []struct {
			name    string
			payload model.JobPayload
			field   string
		}{
			{"too many variations", model.GenerationPayload{Text: "x", AspectRatio: "1:1", Variations: 9}, "variations"},
			{"bad aspect ratio", model.GenerationPayload{Text: "x", AspectRatio: "5:1", Variations: 1}, "aspect_ratio"},
			{"too few training images", model.TrainingPayload{ModelName: "me", ImageURLs: []string{"a", "b", "c"}}, "image_urls"},
			{"bad upscale factor", model.UpscalePayload{SourceURL: "https://x/y.png", Factor: 3}, "factor"},
			{"input too large", model.UpscalePayload{SourceURL: "https://x/y.png", Factor: 2, SourceBytes: 2 << 20}, "source_bytes"},
			{"prompt over budget", model.GenerationPayload{Text: strings.Repeat("word ", 60), AspectRatio: "1:1", Variations: 1}, "prompt"},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := f.dispatcher.Dispatch(ctx, usecase.JobSpec{AccountID: acc.ID, Payload: tc.payload})
				var ve *domain.ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				if ve.Field != tc.field {
					t.Errorf("expected field %q, got %q", tc.field, ve.Field)
				}
			})
		}
		if f.provider.Calls != 0 {
			t.Errorf("expected no provider calls, got %d", f.provider.Calls)
		}
	})

	t.Run("should hide jobs of other accounts", func(t *testing.T) {
		f := newFixture(usecase.LedgerOptions{})
		acc := f.seedAccount(10, 0, nil)
		res, err := f.dispatcher.Dispatch(ctx, generationSpec(acc.ID, 1))
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if _, err := f.dispatcher.GetJob(ctx, acc.ID, res.JobID); err != nil {
			t.Errorf("expected owner to read the job, got %v", err)
		}
		if _, err := f.dispatcher.GetJob(ctx, "someone-else", res.JobID); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound for another account, got %v", err)
		}
	})
}

func assertSingleFailedJob(t *testing.T, f *fixture, accountID string) {
	t.Helper()
	if len(f.store.jobs) != 1 {
		t.Fatalf("expected one job row, got %d", len(f.store.jobs))
	}
	for _, j := range f.store.jobs {
		if j.Status != model.JobStatusFailed {
			t.Errorf("expected FAILED, got %s", j.Status)
		}
	}
	if got := f.account(accountID).CreditsUsed; got != 0 {
		t.Errorf("expected reservation refunded, got used=%d", got)
	}
	if refunds := f.history.ofType(accountID, model.TransactionRefunded); len(refunds) != 1 {
		t.Errorf("expected one REFUNDED record, got %d", len(refunds))
	}
}
