package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/repository"
)

var _ repository.CreditPackageRepository = (*CreditPackageRepo)(nil)

type CreditPackageRepo struct {
	pool *pgxpool.Pool
}

func NewCreditPackageRepo(pool *pgxpool.Pool) *CreditPackageRepo {
	return &CreditPackageRepo{pool: pool}
}

const packageColumns = `id, account_id, name, credit_amount, used_credits, valid_until, is_expired,
       status, COALESCE(purchase_ref, ''), created_at, updated_at`

func scanPackage(row pgx.Row) (*model.CreditPackage, error) {
	var p model.CreditPackage
	var status string
	if err := row.Scan(&p.ID, &p.AccountID, &p.Name, &p.CreditAmount, &p.UsedCredits, &p.ValidUntil,
		&p.IsExpired, &status, &p.PurchaseRef, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, scanErr(err)
	}
	p.Status = model.PackageStatus(status)
	return &p, nil
}

func collectPackages(rows pgx.Rows) ([]*model.CreditPackage, error) {
	defer rows.Close()
	var out []*model.CreditPackage
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *CreditPackageRepo) Save(ctx context.Context, tx repository.Tx, p *model.CreditPackage) error {
	const q = `
INSERT INTO credit_packages (
  id, account_id, name, credit_amount, used_credits, valid_until, is_expired,
  status, purchase_ref, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  name=$3, credit_amount=$4, used_credits=$5, valid_until=$6, is_expired=$7,
  status=$8, purchase_ref=$9, updated_at=$11;`
	_, err := execSQL(ctx, r.pool, tx, q,
		p.ID, p.AccountID, p.Name, p.CreditAmount, p.UsedCredits, p.ValidUntil, p.IsExpired,
		string(p.Status), nullIfEmpty(p.PurchaseRef), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *CreditPackageRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.CreditPackage, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+packageColumns+` FROM credit_packages WHERE id=$1;`, id)
	if err != nil {
		return nil, err
	}
	return scanPackage(row)
}

func (r *CreditPackageRepo) FindByIDForUpdate(ctx context.Context, tx repository.Tx, id string) (*model.CreditPackage, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+packageColumns+` FROM credit_packages WHERE id=$1 FOR UPDATE;`, id)
	if err != nil {
		return nil, err
	}
	return scanPackage(row)
}

func (r *CreditPackageRepo) ListEligibleForUpdate(ctx context.Context, tx repository.Tx, accountID string, now time.Time) ([]*model.CreditPackage, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}
	const q = `
SELECT ` + packageColumns + `
  FROM credit_packages
 WHERE account_id=$1
   AND status='CONFIRMED'
   AND NOT is_expired
   AND valid_until > $2
   AND used_credits < credit_amount
 ORDER BY valid_until ASC, created_at ASC
 FOR UPDATE;`
	rows, err := queryRows(ctx, r.pool, tx, q, accountID, now)
	if err != nil {
		return nil, err
	}
	return collectPackages(rows)
}

func (r *CreditPackageRepo) ListByIDsForUpdate(ctx context.Context, tx repository.Tx, ids []string) ([]*model.CreditPackage, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `
SELECT ` + packageColumns + `
  FROM credit_packages
 WHERE id = ANY($1)
 ORDER BY valid_until ASC, created_at ASC
 FOR UPDATE;`
	rows, err := queryRows(ctx, r.pool, tx, q, ids)
	if err != nil {
		return nil, err
	}
	return collectPackages(rows)
}

func (r *CreditPackageRepo) ListLapsed(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.CreditPackage, error) {
	const q = `
SELECT ` + packageColumns + `
  FROM credit_packages
 WHERE status='CONFIRMED' AND NOT is_expired AND valid_until <= $1
 ORDER BY valid_until ASC
 LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, now, limit)
	if err != nil {
		return nil, err
	}
	return collectPackages(rows)
}

func (r *CreditPackageRepo) UpdateUsage(ctx context.Context, tx repository.Tx, p *model.CreditPackage) error {
	const q = `
UPDATE credit_packages
   SET used_credits=$2, is_expired=$3, status=$4, updated_at=$5
 WHERE id=$1;`
	tag, err := execSQL(ctx, r.pool, tx, q, p.ID, p.UsedCredits, p.IsExpired, string(p.Status), p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *CreditPackageRepo) ListByAccount(ctx context.Context, tx repository.Tx, accountID string) ([]*model.CreditPackage, error) {
	rows, err := queryRows(ctx, r.pool, tx,
		`SELECT `+packageColumns+` FROM credit_packages WHERE account_id=$1 ORDER BY created_at DESC;`, accountID)
	if err != nil {
		return nil, err
	}
	return collectPackages(rows)
}
