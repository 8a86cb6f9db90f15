package sched

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	red "vibephoto/internal/infra/redis"
	"vibephoto/internal/usecase"
)

// PackageExpirer is the slice of the ledger the expiry job needs.
type PackageExpirer interface {
	ExpirePackages(ctx context.Context, now time.Time) (int, error)
}

var _ PackageExpirer = (usecase.LedgerUseCase)(nil)

// ExpiryWorker retires lapsed credit packages on a cron schedule. With a
// leaser only one replica runs each tick.
type ExpiryWorker struct {
	spec    string
	ledger  PackageExpirer
	leaser  LeaseAcquirer
	timeout time.Duration
	log     *zerolog.Logger
}

func NewExpiryWorker(spec string, ledger PackageExpirer, leaser LeaseAcquirer, logger *zerolog.Logger) *ExpiryWorker {
	exprLog := logger.With().Str("component", "ExpiryWorker").Logger()
	return &ExpiryWorker{
		spec:    spec,
		ledger:  ledger,
		leaser:  leaser,
		timeout: 5 * time.Minute,
		log:     &exprLog,
	}
}

func (w *ExpiryWorker) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(w.spec, func() { w.Tick(ctx) }); err != nil {
		return err
	}
	w.log.Info().Str("spec", w.spec).Msg("Starting expiry worker")
	c.Start()

	<-ctx.Done()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(5 * time.Second):
		w.log.Warn().Msg("expiry run still in flight at shutdown")
	}
	w.log.Info().Msg("Stopping expiry worker")
	return ctx.Err()
}

// Tick runs one expiry pass.
func (w *ExpiryWorker) Tick(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, w.timeout)
	defer cancel()

	if w.leaser != nil {
		lease, err := w.leaser.Acquire(ctx, "cron:package-expiry", w.timeout)
		if errors.Is(err, red.ErrLeaseHeld) {
			return
		}
		if err == nil {
			defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()
		} else {
			w.log.Warn().Err(err).Msg("expiry lease unavailable, running anyway")
		}
	}

	n, err := w.ledger.ExpirePackages(ctx, time.Now())
	if err != nil {
		w.log.Error().Err(err).Msg("expiry worker error")
		return
	}
	if n > 0 {
		w.log.Info().Int("count", n).Msg("lapsed credit packages expired")
	}
}
