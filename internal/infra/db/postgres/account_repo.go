package postgres

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/repository"
)

var _ repository.AccountRepository = (*AccountRepo)(nil)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

const accountColumns = `id, email, plan, status, credits_limit, credits_used, credits_balance,
       credits_expires_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var status string
	if err := row.Scan(&a.ID, &a.Email, &a.Plan, &status, &a.CreditsLimit, &a.CreditsUsed,
		&a.CreditsBalance, &a.CreditsExpiresAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, scanErr(err)
	}
	a.Status = model.AccountStatus(status)
	return &a, nil
}

func (r *AccountRepo) Save(ctx context.Context, tx repository.Tx, a *model.Account) error {
	const q = `
INSERT INTO accounts (
  id, email, plan, status, credits_limit, credits_used, credits_balance,
  credits_expires_at, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
  email=$2, plan=$3, status=$4, credits_limit=$5, credits_used=$6, credits_balance=$7,
  credits_expires_at=$8, updated_at=$10;`
	_, err := execSQL(ctx, r.pool, tx, q,
		a.ID, a.Email, a.Plan, string(a.Status), a.CreditsLimit, a.CreditsUsed, a.CreditsBalance,
		a.CreditsExpiresAt, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *AccountRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Account, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1;`, id)
	if err != nil {
		return nil, err
	}
	return scanAccount(row)
}

func (r *AccountRepo) FindByIDForUpdate(ctx context.Context, tx repository.Tx, id string) (*model.Account, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1 FOR UPDATE;`, id)
	if err != nil {
		return nil, err
	}
	return scanAccount(row)
}

func (r *AccountRepo) UpdateBalances(ctx context.Context, tx repository.Tx, a *model.Account) error {
	const q = `
UPDATE accounts
   SET credits_limit=$2, credits_used=$3, credits_balance=$4, credits_expires_at=$5, updated_at=$6
 WHERE id=$1;`
	tag, err := execSQL(ctx, r.pool, tx, q,
		a.ID, a.CreditsLimit, a.CreditsUsed, a.CreditsBalance, a.CreditsExpiresAt, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
