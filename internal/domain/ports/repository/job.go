package repository

import (
	"context"
	"time"

	"vibephoto/internal/domain/model"
)

type JobRepository interface {
	Insert(ctx context.Context, tx Tx, j *model.Job) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Job, error)
	// FindByIDForUpdate locks the job row until tx ends.
	FindByIDForUpdate(ctx context.Context, tx Tx, id string) (*model.Job, error)
	FindByExternalID(ctx context.Context, tx Tx, provider, externalID string) (*model.Job, error)
	// MarkSubmitted stores the provider id and moves PENDING to PROCESSING.
	// Rows already moved on by an early webhook keep their status.
	MarkSubmitted(ctx context.Context, tx Tx, id, provider, externalID string, now time.Time) error
	Update(ctx context.Context, tx Tx, j *model.Job) error
	ListStale(ctx context.Context, tx Tx, status model.JobStatus, updatedBefore time.Time, limit int) ([]*model.Job, error)
}
