package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vibephoto/internal/config"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/adapter"
	"vibephoto/internal/domain/ports/repository"
	"vibephoto/internal/infra/logging"
	"vibephoto/internal/infra/metrics"
	red "vibephoto/internal/infra/redis"
	"vibephoto/internal/infra/worker"
	"vibephoto/internal/usecase"
)

var _ usecase.PollScheduler = (*JobPoller)(nil)

// LeaseAcquirer is satisfied by redis.Leaser.
type LeaseAcquirer interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (red.Lease, error)
}

// JobPoller is the fallback path for providers whose webhooks may never
// arrive. Each scheduled job is polled on its own goroutine: an initial
// delay, then a fixed interval, for a bounded number of attempts. Running
// out of attempts fails the job through the reconciler, which refunds it.
type JobPoller struct {
	cfg        config.PollerConfig
	router     adapter.ProviderRouter
	jobs       repository.JobRepository
	reconciler usecase.ReconcileUseCase
	leaser     LeaseAcquirer
	metrics    *metrics.Metrics
	log        *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}

	mu     sync.Mutex
	active map[string]struct{}
}

func NewJobPoller(
	cfg config.PollerConfig,
	router adapter.ProviderRouter,
	jobs repository.JobRepository,
	reconciler usecase.ReconcileUseCase,
	leaser LeaseAcquirer,
	m *metrics.Metrics,
	logger *zerolog.Logger,
) *JobPoller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * cfg.Interval
	}
	l := logger.With().Str("component", "JobPoller").Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &JobPoller{
		cfg:        cfg,
		router:     router,
		jobs:       jobs,
		reconciler: reconciler,
		leaser:     leaser,
		metrics:    m,
		log:        &l,
		ctx:        ctx,
		cancel:     cancel,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		active:     map[string]struct{}{},
	}
}

// Run blocks until ctx is done, then stops all polls and waits for them.
func (p *JobPoller) Run(ctx context.Context) error {
	p.log.Info().Msg("Starting job poller")
	<-ctx.Done()
	p.cancel()
	p.wg.Wait()
	p.log.Info().Msg("Stopping job poller")
	return ctx.Err()
}

// Schedule starts polling job unless this instance already polls it.
func (p *JobPoller) Schedule(job *model.Job) {
	if job == nil || job.ExternalID == "" || job.IsTerminal() {
		return
	}
	p.mu.Lock()
	if _, ok := p.active[job.ID]; ok || p.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.active[job.ID] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.active, job.ID)
			p.mu.Unlock()
		}()
		p.poll(p.ctx, job)
	}()
}

// Active reports whether job is being polled by this instance.
func (p *JobPoller) Active(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[jobID]
	return ok
}

func (p *JobPoller) poll(ctx context.Context, job *model.Job) {
	ctx = logging.WithJobID(logging.WithAccountID(ctx, job.AccountID), job.ID)
	log := logging.With(ctx, p.log).With().Str("provider", job.Provider).Logger()

	prov, ok := p.router.Lookup(job.Provider)
	if !ok {
		log.Error().Msg("unknown provider, cannot poll")
		return
	}
	checker, ok := prov.(adapter.StatusChecker)
	if !ok {
		log.Warn().Msg("provider has no status endpoint, relying on webhooks")
		return
	}

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return
	}

	var lease red.Lease
	if p.leaser != nil {
		l, err := p.leaser.Acquire(ctx, "poll:"+job.ID, p.cfg.LeaseTTL)
		if errors.Is(err, red.ErrLeaseHeld) {
			log.Debug().Msg("job polled by another instance")
			return
		}
		if err != nil {
			// polling without the lease risks a duplicate status check, never a double write
			log.Warn().Err(err).Msg("poll lease unavailable")
		} else {
			lease = l
			defer func() {
				if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
					log.Debug().Err(err).Msg("poll lease release failed")
				}
			}()
		}
	}

	policy := worker.Fixed(p.cfg.InitialDelay, p.cfg.Interval, p.cfg.MaxAttempts)
	err := worker.Run(ctx, policy, func(ctx context.Context, attempt int) (bool, error) {
		if lease != nil {
			if err := lease.Extend(ctx); errors.Is(err, red.ErrLeaseHeld) {
				log.Info().Msg("poll lease lost, handing over")
				return true, nil
			}
		}
		return p.attempt(ctx, &log, checker, job, attempt)
	})

	switch {
	case err == nil:
	case errors.Is(err, worker.ErrAttemptsExhausted):
		p.expire(ctx, &log, job)
	case ctx.Err() != nil:
		log.Debug().Msg("poll stopped")
	default:
		log.Error().Err(err).Msg("poll ended with error")
	}
}

// attempt runs one status check; done ends the poll.
func (p *JobPoller) attempt(ctx context.Context, log *zerolog.Logger, checker adapter.StatusChecker, job *model.Job, attempt int) (bool, error) {
	// a webhook may have settled the job since the last check
	if cur, err := p.jobs.FindByID(ctx, repository.NoTX, job.ID); err == nil && cur.IsTerminal() {
		p.metrics.IncPollAttempt(job.Provider, "settled")
		return true, nil
	}

	start := time.Now()
	report, err := checker.Status(ctx, job.ExternalID)
	p.metrics.ObserveProviderCall(job.Provider, "status", time.Since(start).Milliseconds(), err == nil)
	if err != nil {
		p.metrics.IncPollAttempt(job.Provider, "error")
		log.Warn().Err(err).Int("attempt", attempt).Msg("status check failed")
		return false, err
	}

	if !report.Status.IsTerminal() {
		p.metrics.IncPollAttempt(job.Provider, "pending")
		if report.Status == model.JobStatusProcessing {
			if _, err := p.reconciler.Apply(ctx, usecase.JobUpdate{JobID: job.ID, Status: report.Status, Source: usecase.SourcePoll}); err != nil {
				log.Warn().Err(err).Msg("processing update failed")
			}
		}
		return false, nil
	}

	p.metrics.IncPollAttempt(job.Provider, "terminal")
	_, err = p.reconciler.Apply(ctx, usecase.JobUpdate{
		JobID:   job.ID,
		Status:  report.Status,
		Outputs: report.Outputs,
		Error:   report.Error,
		Source:  usecase.SourcePoll,
	})
	if err != nil {
		log.Error().Err(err).Msg("reconcile from poll failed")
		return false, err
	}
	return true, nil
}

func (p *JobPoller) expire(ctx context.Context, log *zerolog.Logger, job *model.Job) {
	ctx = context.WithoutCancel(ctx)
	reason := fmt.Sprintf("timed out after %d status checks", p.cfg.MaxAttempts)
	res, err := p.reconciler.Apply(ctx, usecase.JobUpdate{
		JobID:  job.ID,
		Status: model.JobStatusFailed,
		Error:  reason,
		Source: usecase.SourceTimeout,
	})
	if err != nil {
		log.Error().Err(err).Msg("failing timed out job")
		return
	}
	if res.Applied {
		log.Warn().Int("refunded", res.Refunded).Msg("job timed out")
	}
}
