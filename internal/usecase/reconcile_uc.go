// File: internal/usecase/reconcile_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/adapter"
	"vibephoto/internal/domain/ports/repository"
	"vibephoto/internal/infra/logging"
	"vibephoto/internal/infra/metrics"
)

// Compile-time check
var _ ReconcileUseCase = (*reconcileUC)(nil)

type UpdateSource string

const (
	SourceWebhook  UpdateSource = "webhook"
	SourcePoll     UpdateSource = "poll"
	SourceInline   UpdateSource = "inline"
	SourceTimeout  UpdateSource = "timeout"
	SourceDispatch UpdateSource = "dispatch"
	SourceSweeper  UpdateSource = "sweeper"
)

// JobUpdate is an observation of a job's provider-side state. The job is
// named by JobID or by Provider plus ExternalID.
type JobUpdate struct {
	JobID      string
	Provider   string
	ExternalID string
	Status     model.JobStatus
	Outputs    []adapter.Output
	Error      string
	Source     UpdateSource
}

// ReconcileResult reports what an update did. Applied is false when the
// update was a duplicate or lost the race to another writer.
type ReconcileResult struct {
	Job      *model.Job
	Applied  bool
	Refunded int
}

type ReconcileUseCase interface {
	Apply(ctx context.Context, upd JobUpdate) (*ReconcileResult, error)
}

type reconcileUC struct {
	tm        repository.TransactionManager
	jobs      repository.JobRepository
	ledger    LedgerUseCase
	persister adapter.ResultPersister
	broadcast adapter.Broadcaster
	metrics   *metrics.Metrics
	log       *zerolog.Logger
	now       func() time.Time
}

func NewReconcileUseCase(
	tm repository.TransactionManager,
	jobs repository.JobRepository,
	ledger LedgerUseCase,
	persister adapter.ResultPersister,
	broadcast adapter.Broadcaster,
	m *metrics.Metrics,
	logger *zerolog.Logger,
) *reconcileUC {
	return &reconcileUC{
		tm:        tm,
		jobs:      jobs,
		ledger:    ledger,
		persister: persister,
		broadcast: broadcast,
		metrics:   m,
		log:       logger,
		now:       time.Now,
	}
}

func (u *reconcileUC) Apply(ctx context.Context, upd JobUpdate) (*ReconcileResult, error) {
	defer logging.TraceDuration(u.log, "ReconcileUC.Apply")()

	job, err := u.resolve(ctx, upd)
	if err != nil {
		return nil, err
	}
	if err := belongsTo(job, upd); err != nil {
		u.log.Warn().Str("job_id", job.ID).Str("provider", upd.Provider).Str("external_id", upd.ExternalID).
			Str("source", string(upd.Source)).Msg("update does not match the job, rejected")
		return nil, err
	}
	ctx = logging.WithJobID(logging.WithAccountID(ctx, job.AccountID), job.ID)
	log := logging.With(ctx, u.log).With().Str("source", string(upd.Source)).Logger()

	if job.IsTerminal() {
		return u.conflict(&log, job, upd), nil
	}
	if !upd.Status.IsTerminal() {
		return u.advance(ctx, &log, job, upd)
	}

	status := upd.Status
	reason := upd.Error
	var results, thumbs []string
	if status == model.JobStatusCompleted {
		// provider urls expire; only permanent copies are ever stored
		results, thumbs, err = u.persist(ctx, job, upd.Outputs)
		if err != nil {
			log.Warn().Err(err).Msg("result persistence failed, failing job")
			status = model.JobStatusFailed
			reason = err.Error()
		}
	}
	if status.IsFailure() && reason == "" {
		reason = "provider reported " + string(status)
	}

	var (
		final    *model.Job
		bal      *model.Balances
		refunded int
	)
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		now := u.now()
		j, err := u.jobs.FindByIDForUpdate(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if status == model.JobStatusCompleted {
			err = j.Complete(results, thumbs, now)
		} else {
			err = j.Fail(status, reason, now)
		}
		if err != nil {
			return err
		}
		if err := u.jobs.Update(ctx, tx, j); err != nil {
			return err
		}
		final = j
		if !j.Status.IsFailure() || j.Cost <= 0 {
			return nil
		}
		bal, err = u.ledger.RefundInTx(ctx, tx, j.AccountID, j.Cost, CreditMeta{
			Source:      model.SourceForJob(j.Kind),
			ReferenceID: j.ID,
			JobKind:     j.Kind,
			Description: "refund for failed job",
			Reason:      reason,
		})
		if err != nil {
			return fmt.Errorf("refund job %s: %w", j.ID, err)
		}
		refunded = j.Cost
		return nil
	})
	if errors.Is(err, domain.ErrReconciliationConflict) {
		return u.conflict(&log, job, upd), nil
	}
	if err != nil {
		return nil, err
	}

	u.ledger.Notify(ctx, bal)
	u.publish(ctx, final)
	if final.Status.IsFailure() && u.broadcast != nil {
		u.broadcast.Broadcast(ctx, model.NewEvent(model.EventAdminJobFailed, "", model.JobFailedPayload{
			JobID:     final.ID,
			AccountID: final.AccountID,
			Kind:      final.Kind,
			Provider:  final.Provider,
			Reason:    final.ErrorMessage,
			Refunded:  refunded,
		}))
	}
	u.metrics.IncJobReconciled(string(final.Kind), string(final.Status), string(upd.Source))
	log.Info().Str("status", string(final.Status)).Int("refunded", refunded).Msg("job reconciled")
	return &ReconcileResult{Job: final, Applied: true, Refunded: refunded}, nil
}

func (u *reconcileUC) resolve(ctx context.Context, upd JobUpdate) (*model.Job, error) {
	switch {
	case upd.JobID != "":
		return u.jobs.FindByID(ctx, repository.NoTX, upd.JobID)
	case upd.Provider != "" && upd.ExternalID != "":
		return u.jobs.FindByExternalID(ctx, repository.NoTX, upd.Provider, upd.ExternalID)
	}
	return nil, domain.NewValidationError("job_id", "job id or provider external id required")
}

// belongsTo rejects an update whose provider or external id disagrees with
// the job it names.
func belongsTo(job *model.Job, upd JobUpdate) error {
	if upd.Provider != "" && job.Provider != "" && upd.Provider != job.Provider {
		return domain.NewValidationError("provider", "update is not from the job's provider")
	}
	if upd.ExternalID != "" && job.ExternalID != "" && upd.ExternalID != job.ExternalID {
		return domain.NewValidationError("external_id", "update does not match the job's provider id")
	}
	return nil
}

// advance applies a non-terminal observation: PENDING moves to PROCESSING,
// everything else is a no-op.
func (u *reconcileUC) advance(ctx context.Context, log *zerolog.Logger, job *model.Job, upd JobUpdate) (*ReconcileResult, error) {
	if upd.Status != model.JobStatusProcessing || job.Status != model.JobStatusPending {
		return &ReconcileResult{Job: job}, nil
	}
	var moved *model.Job
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		j, err := u.jobs.FindByIDForUpdate(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		if !j.Advance(u.now()) {
			return nil
		}
		if err := u.jobs.Update(ctx, tx, j); err != nil {
			return err
		}
		moved = j
		return nil
	})
	if errors.Is(err, domain.ErrReconciliationConflict) {
		return u.conflict(log, job, upd), nil
	}
	if err != nil {
		return nil, err
	}
	if moved == nil {
		return &ReconcileResult{Job: job}, nil
	}
	u.publish(ctx, moved)
	u.metrics.IncJobReconciled(string(moved.Kind), string(moved.Status), string(upd.Source))
	log.Debug().Msg("job processing")
	return &ReconcileResult{Job: moved, Applied: true}, nil
}

func (u *reconcileUC) persist(ctx context.Context, job *model.Job, outputs []adapter.Output) ([]string, []string, error) {
	if len(outputs) == 0 {
		if job.Kind == model.JobKindTraining {
			// a trained model is addressed by the job's external id
			return nil, nil, nil
		}
		return nil, nil, &domain.StorageError{Op: "persist", Err: errors.New("provider returned no output")}
	}
	if u.persister == nil {
		return nil, nil, &domain.StorageError{Op: "persist", Err: errors.New("no result storage configured")}
	}
	results, thumbs, err := u.persister.Persist(ctx, job, outputs)
	if err != nil {
		var se *domain.StorageError
		if !errors.As(err, &se) {
			err = &domain.StorageError{Op: "persist", Err: err}
		}
		return nil, nil, err
	}
	return results, thumbs, nil
}

func (u *reconcileUC) conflict(log *zerolog.Logger, job *model.Job, upd JobUpdate) *ReconcileResult {
	u.metrics.IncReconcileConflict(string(upd.Source))
	log.Debug().
		Str("job_status", string(job.Status)).
		Str("observed", string(upd.Status)).
		Msg("update discarded, job already settled")
	return &ReconcileResult{Job: job}
}

func (u *reconcileUC) publish(ctx context.Context, j *model.Job) {
	if u.broadcast == nil || j == nil {
		return
	}
	u.broadcast.Broadcast(ctx, model.NewEvent(model.EventJobStatus, j.AccountID, model.NewJobStatusPayload(j)))
}
