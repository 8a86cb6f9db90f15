package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*JobRepo)(nil)

type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

const jobColumns = `id, account_id, kind, provider, COALESCE(external_id, ''), status, cost, payload,
       result_urls, thumbnail_urls, error_message, estimated_seconds, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var kind, status string
	var payload []byte
	if err := row.Scan(&j.ID, &j.AccountID, &kind, &j.Provider, &j.ExternalID, &status, &j.Cost, &payload,
		&j.ResultURLs, &j.ThumbnailURLs, &j.ErrorMessage, &j.EstimatedSeconds,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
		return nil, scanErr(err)
	}
	j.Kind = model.JobKind(kind)
	j.Status = model.JobStatus(status)
	p, err := model.UnmarshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("decode job %s payload: %w", j.ID, err)
	}
	j.Payload = p
	return &j, nil
}

func (r *JobRepo) Insert(ctx context.Context, tx repository.Tx, j *model.Job) error {
	payload, err := model.MarshalPayload(j.Payload)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	const q = `
INSERT INTO jobs (
  id, account_id, kind, provider, external_id, status, cost, payload,
  result_urls, thumbnail_urls, error_message, estimated_seconds, created_at, updated_at, completed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11,$12,$13,$14,$15);`
	_, err = execSQL(ctx, r.pool, tx, q,
		j.ID, j.AccountID, string(j.Kind), j.Provider, nullIfEmpty(j.ExternalID), string(j.Status), j.Cost, string(payload),
		nonNil(j.ResultURLs), nonNil(j.ThumbnailURLs), j.ErrorMessage, j.EstimatedSeconds,
		j.CreatedAt, j.UpdatedAt, j.CompletedAt)
	return err
}

func (r *JobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1;`, id)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *JobRepo) FindByIDForUpdate(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE;`, id)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *JobRepo) FindByExternalID(ctx context.Context, tx repository.Tx, provider, externalID string) (*model.Job, error) {
	row, err := pickRow(ctx, r.pool, tx,
		`SELECT `+jobColumns+` FROM jobs WHERE provider=$1 AND external_id=$2;`, provider, externalID)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *JobRepo) MarkSubmitted(ctx context.Context, tx repository.Tx, id, provider, externalID string, now time.Time) error {
	const q = `
UPDATE jobs
   SET provider=$2,
       external_id=$3,
       status=CASE WHEN status='PENDING' THEN 'PROCESSING' ELSE status END,
       updated_at=$4
 WHERE id=$1;`
	tag, err := execSQL(ctx, r.pool, tx, q, id, provider, nullIfEmpty(externalID), now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Update writes the mutable fields of a job that is not terminal yet. A row
// that is already terminal is left untouched and ErrReconciliationConflict
// is returned.
func (r *JobRepo) Update(ctx context.Context, tx repository.Tx, j *model.Job) error {
	const q = `
UPDATE jobs
   SET provider=$2, external_id=$3, status=$4, result_urls=$5, thumbnail_urls=$6,
       error_message=$7, updated_at=$8, completed_at=$9
 WHERE id=$1
   AND status NOT IN ('COMPLETED', 'FAILED', 'ERROR');`
	tag, err := execSQL(ctx, r.pool, tx, q,
		j.ID, j.Provider, nullIfEmpty(j.ExternalID), string(j.Status), nonNil(j.ResultURLs), nonNil(j.ThumbnailURLs),
		j.ErrorMessage, j.UpdatedAt, j.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReconciliationConflict
	}
	return nil
}

func (r *JobRepo) ListStale(ctx context.Context, tx repository.Tx, status model.JobStatus, updatedBefore time.Time, limit int) ([]*model.Job, error) {
	const q = `
SELECT ` + jobColumns + `
  FROM jobs
 WHERE status=$1 AND updated_at < $2
 ORDER BY updated_at ASC
 LIMIT $3;`
	rows, err := queryRows(ctx, r.pool, tx, q, string(status), updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
