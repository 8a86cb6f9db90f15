package repository

import (
	"context"
	"time"

	"vibephoto/internal/domain/model"
)

type CreditPackageRepository interface {
	Save(ctx context.Context, tx Tx, p *model.CreditPackage) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.CreditPackage, error)
	FindByIDForUpdate(ctx context.Context, tx Tx, id string) (*model.CreditPackage, error)
	// ListEligibleForUpdate locks the packages of accountID that can fund a
	// debit at now, soonest ValidUntil first.
	ListEligibleForUpdate(ctx context.Context, tx Tx, accountID string, now time.Time) ([]*model.CreditPackage, error)
	ListByIDsForUpdate(ctx context.Context, tx Tx, ids []string) ([]*model.CreditPackage, error)
	// ListLapsed returns confirmed packages past ValidUntil that are not
	// marked expired yet. Rows are not locked.
	ListLapsed(ctx context.Context, tx Tx, now time.Time, limit int) ([]*model.CreditPackage, error)
	UpdateUsage(ctx context.Context, tx Tx, p *model.CreditPackage) error
	ListByAccount(ctx context.Context, tx Tx, accountID string) ([]*model.CreditPackage, error)
}
