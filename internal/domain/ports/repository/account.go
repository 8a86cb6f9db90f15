package repository

import (
	"context"

	"vibephoto/internal/domain/model"
)

// -----------------------------
// Accounts
// -----------------------------

type AccountRepository interface {
	Save(ctx context.Context, tx Tx, a *model.Account) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Account, error)
	// FindByIDForUpdate locks the account row until tx ends. tx must not be nil.
	FindByIDForUpdate(ctx context.Context, tx Tx, id string) (*model.Account, error)
	UpdateBalances(ctx context.Context, tx Tx, a *model.Account) error
}

// BalanceCache drops cached balances of an account after its row changed.
type BalanceCache interface {
	Invalidate(ctx context.Context, accountID string) error
}
