package repository

import (
	"context"

	"vibephoto/internal/domain/model"
)

// CreditTransactionRepository is append-only.
type CreditTransactionRepository interface {
	Insert(ctx context.Context, tx Tx, t *model.CreditTransaction) error
	FindByReference(ctx context.Context, tx Tx, accountID, referenceID string, typ model.TransactionType) (*model.CreditTransaction, error)
	ListByAccount(ctx context.Context, tx Tx, accountID string, limit int) ([]*model.CreditTransaction, error)
}
