package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"vibephoto/internal/config"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/repository"
	"vibephoto/internal/usecase"
)

// PollTracker is the part of JobPoller the sweeper uses.
type PollTracker interface {
	usecase.PollScheduler
	Active(jobID string) bool
}

// StaleSweeper periodically scans for jobs nobody is watching anymore:
// PROCESSING jobs without a live poll (e.g. after a restart) get a poll
// again, and PENDING jobs orphaned between reserve and submit are failed
// and refunded.
type StaleSweeper struct {
	cfg        config.SweeperConfig
	jobs       repository.JobRepository
	poller     PollTracker
	reconciler usecase.ReconcileUseCase
	log        *zerolog.Logger
}

func NewStaleSweeper(cfg config.SweeperConfig, jobs repository.JobRepository, poller PollTracker, reconciler usecase.ReconcileUseCase, logger *zerolog.Logger) *StaleSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	l := logger.With().Str("component", "StaleSweeper").Logger()
	return &StaleSweeper{cfg: cfg, jobs: jobs, poller: poller, reconciler: reconciler, log: &l}
}

func (w *StaleSweeper) Run(ctx context.Context) error {
	w.log.Info().Msg("Starting stale job sweeper")
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping stale job sweeper")
			return ctx.Err()
		case <-t.C:
			w.Sweep(ctx, time.Now())
		}
	}
}

// Sweep runs one pass and returns how many jobs it re-polled and failed.
func (w *StaleSweeper) Sweep(ctx context.Context, now time.Time) (repolled, failed int) {
	stale, err := w.jobs.ListStale(ctx, repository.NoTX, model.JobStatusProcessing, now.Add(-w.cfg.StaleAfter), w.cfg.BatchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("list stale processing jobs")
	}
	for _, j := range stale {
		if j.ExternalID == "" || w.poller.Active(j.ID) {
			continue
		}
		w.poller.Schedule(j)
		repolled++
	}

	orphans, err := w.jobs.ListStale(ctx, repository.NoTX, model.JobStatusPending, now.Add(-w.cfg.PendingTimeout), w.cfg.BatchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("list orphaned pending jobs")
	}
	for _, j := range orphans {
		if w.poller.Active(j.ID) {
			// submitted, but the provider id never reached the row
			continue
		}
		res, err := w.reconciler.Apply(ctx, usecase.JobUpdate{
			JobID:  j.ID,
			Status: model.JobStatusFailed,
			Error:  "submission to provider never completed",
			Source: usecase.SourceSweeper,
		})
		if err != nil {
			w.log.Error().Err(err).Str("job_id", j.ID).Msg("failing orphaned job")
			continue
		}
		if res.Applied {
			failed++
		}
	}

	if repolled > 0 || failed > 0 {
		w.log.Info().Int("repolled", repolled).Int("failed", failed).Msg("stale jobs swept")
	}
	return repolled, failed
}
