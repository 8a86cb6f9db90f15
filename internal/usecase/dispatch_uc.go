// File: internal/usecase/dispatch_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/adapter"
	"vibephoto/internal/domain/ports/repository"
	"vibephoto/internal/infra/logging"
	"vibephoto/internal/infra/metrics"
	"vibephoto/internal/infra/worker"
)

// Compile-time check
var _ DispatchUseCase = (*dispatchUC)(nil)

type JobSpec struct {
	AccountID string
	Payload   model.JobPayload
}

type DispatchResult struct {
	JobID         string
	ExternalID    string
	Provider      string
	Status        model.JobStatus
	Cost          int
	EstimatedTime time.Duration
}

// PollScheduler starts a fallback status poll for a submitted job.
type PollScheduler interface {
	Schedule(job *model.Job)
}

type DispatchUseCase interface {
	Dispatch(ctx context.Context, spec JobSpec) (*DispatchResult, error)
	GetJob(ctx context.Context, accountID, jobID string) (*model.Job, error)
}

type DispatchOptions struct {
	// CallbackBase is the public base url providers post webhooks to.
	CallbackBase string
	MaxRetries   int
	RetryBackoff time.Duration
}

type dispatchUC struct {
	tm         repository.TransactionManager
	jobs       repository.JobRepository
	ledger     LedgerUseCase
	reconciler ReconcileUseCase
	router     adapter.ProviderRouter
	poller     PollScheduler
	validator  *JobValidator
	pricing    Pricing
	broadcast  adapter.Broadcaster
	metrics    *metrics.Metrics
	log        *zerolog.Logger
	opts       DispatchOptions
}

func NewDispatchUseCase(
	tm repository.TransactionManager,
	jobs repository.JobRepository,
	ledger LedgerUseCase,
	reconciler ReconcileUseCase,
	router adapter.ProviderRouter,
	poller PollScheduler,
	validator *JobValidator,
	pricing Pricing,
	broadcast adapter.Broadcaster,
	m *metrics.Metrics,
	logger *zerolog.Logger,
	opts DispatchOptions,
) *dispatchUC {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}
	return &dispatchUC{
		tm:         tm,
		jobs:       jobs,
		ledger:     ledger,
		reconciler: reconciler,
		router:     router,
		poller:     poller,
		validator:  validator,
		pricing:    pricing,
		broadcast:  broadcast,
		metrics:    m,
		log:        logger,
		opts:       opts,
	}
}

func (u *dispatchUC) Dispatch(ctx context.Context, spec JobSpec) (*DispatchResult, error) {
	defer logging.TraceDuration(u.log, "DispatchUC.Dispatch")()

	if spec.AccountID == "" {
		return nil, domain.NewValidationError("account_id", "required")
	}
	tokens, err := u.validator.Validate(spec.Payload)
	if err != nil {
		return nil, err
	}
	kind := spec.Payload.Kind()
	u.metrics.ObservePromptTokens(string(kind), tokens)

	cost, err := u.pricing.Cost(spec.Payload)
	if err != nil {
		return nil, err
	}
	provider, err := u.router.Route(spec.Payload)
	if err != nil {
		return nil, err
	}
	if cost > 0 {
		if err := u.ledger.CanAfford(ctx, spec.AccountID, cost); err != nil {
			u.metrics.IncJobDispatched(string(kind), provider.Name(), "rejected")
			return nil, err
		}
	}

	job, err := u.reserve(ctx, spec, provider.Name(), cost)
	if err != nil {
		u.metrics.IncJobDispatched(string(kind), provider.Name(), "rejected")
		return nil, err
	}
	ctx = logging.WithJobID(logging.WithAccountID(ctx, job.AccountID), job.ID)
	log := logging.With(ctx, u.log).With().Str("provider", provider.Name()).Logger()

	sub, err := u.submit(ctx, provider, job)
	if err != nil {
		u.compensate(ctx, &log, job, err)
		u.metrics.IncJobDispatched(string(kind), provider.Name(), "provider_error")
		return nil, err
	}
	u.metrics.IncJobDispatched(string(kind), provider.Name(), "submitted")

	res := &DispatchResult{
		JobID:         job.ID,
		ExternalID:    sub.ExternalID,
		Provider:      provider.Name(),
		Status:        model.JobStatusProcessing,
		Cost:          cost,
		EstimatedTime: EstimatedDuration(kind),
	}
	if sub.Estimated > 0 {
		res.EstimatedTime = sub.Estimated
	}

	err = u.markSubmitted(ctx, job.ID, provider.Name(), sub.ExternalID)
	job.Provider, job.ExternalID = provider.Name(), sub.ExternalID
	if err != nil {
		// the callback carries the job id, so a webhook or poll can still settle it
		log.Error().Err(err).Str("external_id", sub.ExternalID).Msg("storing provider id failed")
		res.Status = model.JobStatusPending
		if !provider.ReliableWebhooks() && u.poller != nil {
			u.poller.Schedule(job)
		}
		return res, nil
	}

	if sub.Report != nil && sub.Report.Status.IsTerminal() {
		out, err := u.reconciler.Apply(ctx, JobUpdate{
			JobID:   job.ID,
			Status:  sub.Report.Status,
			Outputs: sub.Report.Outputs,
			Error:   sub.Report.Error,
			Source:  SourceInline,
		})
		if err != nil {
			log.Error().Err(err).Msg("inline result reconcile failed")
		} else if out.Job != nil {
			res.Status = out.Job.Status
		}
		return res, nil
	}

	if current, err := u.jobs.FindByID(ctx, repository.NoTX, job.ID); err == nil {
		job = current
		res.Status = current.Status
	}
	if !job.IsTerminal() {
		if !provider.ReliableWebhooks() && u.poller != nil {
			u.poller.Schedule(job)
		}
		u.publish(ctx, job)
	}
	log.Info().Str("external_id", sub.ExternalID).Int("cost", cost).Msg("job dispatched")
	return res, nil
}

// markSubmitted stores the provider id, retrying once. The provider is
// already working on the job at this point.
func (u *dispatchUC) markSubmitted(ctx context.Context, jobID, provider, externalID string) error {
	ctx = context.WithoutCancel(ctx)
	err := u.jobs.MarkSubmitted(ctx, repository.NoTX, jobID, provider, externalID, time.Now())
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	return u.jobs.MarkSubmitted(ctx, repository.NoTX, jobID, provider, externalID, time.Now())
}

// reserve inserts the PENDING job and debits its cost in one transaction.
func (u *dispatchUC) reserve(ctx context.Context, spec JobSpec, provider string, cost int) (*model.Job, error) {
	job, err := model.NewJob(spec.AccountID, spec.Payload, cost, EstimatedDuration(spec.Payload.Kind()))
	if err != nil {
		return nil, err
	}
	job.Provider = provider

	var bal *model.Balances
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.jobs.Insert(ctx, tx, job); err != nil {
			return err
		}
		if cost == 0 {
			return nil
		}
		var err error
		bal, err = u.ledger.DeductInTx(ctx, tx, spec.AccountID, cost, CreditMeta{
			Source:      model.SourceForJob(job.Kind),
			ReferenceID: job.ID,
			JobKind:     job.Kind,
			Description: describe(job.Payload),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	u.ledger.Notify(ctx, bal)
	u.publish(ctx, job)
	return job, nil
}

func (u *dispatchUC) submit(ctx context.Context, provider adapter.Provider, job *model.Job) (*adapter.Submission, error) {
	req := adapter.SubmitRequest{
		JobID:       job.ID,
		Payload:     job.Payload,
		CallbackURL: u.callbackURL(provider.Name(), job.ID),
	}
	var sub *adapter.Submission
	err := worker.Run(ctx, worker.Backoff(u.opts.MaxRetries, u.opts.RetryBackoff), worker.Retryable(func(ctx context.Context) error {
		start := time.Now()
		s, err := provider.Submit(ctx, req)
		u.metrics.ObserveProviderCall(provider.Name(), "submit", time.Since(start).Milliseconds(), err == nil)
		if err != nil {
			return err
		}
		sub = s
		return nil
	}, domain.IsTransient))
	if err != nil {
		var pe *domain.ProviderError
		if !errors.As(err, &pe) {
			err = &domain.ProviderError{Provider: provider.Name(), Op: "submit", Err: err}
		}
		return nil, err
	}
	if sub == nil || (sub.ExternalID == "" && sub.Report == nil) {
		return nil, &domain.ProviderError{Provider: provider.Name(), Op: "submit", Err: errors.New("empty submission")}
	}
	return sub, nil
}

// compensate fails the reserved job through the reconciler so the refund
// follows the same single-writer path as webhooks and polls.
func (u *dispatchUC) compensate(ctx context.Context, log *zerolog.Logger, job *model.Job, cause error) {
	// the caller may have gone away; the refund must still land
	ctx = context.WithoutCancel(ctx)
	_, err := u.reconciler.Apply(ctx, JobUpdate{
		JobID:  job.ID,
		Status: model.JobStatusFailed,
		Error:  cause.Error(),
		Source: SourceDispatch,
	})
	if err != nil {
		log.Error().Err(err).Msg("compensation failed; sweeper will retry")
		return
	}
	log.Warn().Err(cause).Msg("provider submit failed, job refunded")
}

func (u *dispatchUC) GetJob(ctx context.Context, accountID, jobID string) (*model.Job, error) {
	j, err := u.jobs.FindByID(ctx, repository.NoTX, jobID)
	if err != nil {
		return nil, err
	}
	if accountID != "" && j.AccountID != accountID {
		return nil, domain.ErrNotFound
	}
	return j, nil
}

func (u *dispatchUC) callbackURL(provider, jobID string) string {
	base := strings.TrimRight(u.opts.CallbackBase, "/")
	return fmt.Sprintf("%s/webhooks/%s?job_id=%s", base, url.PathEscape(provider), url.QueryEscape(jobID))
}

func (u *dispatchUC) publish(ctx context.Context, j *model.Job) {
	if u.broadcast == nil {
		return
	}
	u.broadcast.Broadcast(ctx, model.NewEvent(model.EventJobStatus, j.AccountID, model.NewJobStatusPayload(j)))
}

func describe(p model.JobPayload) string {
	switch v := p.(type) {
	case model.GenerationPayload:
		return fmt.Sprintf("%d image generation", v.Variations)
	case model.TrainingPayload:
		return "model training: " + v.ModelName
	case model.EditPayload:
		return "image edit"
	case model.UpscalePayload:
		return fmt.Sprintf("%dx upscale", v.Factor)
	}
	return strings.ToLower(string(p.Kind()))
}
