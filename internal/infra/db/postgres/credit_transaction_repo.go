package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/repository"
)

var _ repository.CreditTransactionRepository = (*CreditTransactionRepo)(nil)

type CreditTransactionRepo struct {
	pool *pgxpool.Pool
}

func NewCreditTransactionRepo(pool *pgxpool.Pool) *CreditTransactionRepo {
	return &CreditTransactionRepo{pool: pool}
}

const transactionColumns = `id, account_id, type, source, amount, COALESCE(reference_id, ''), balance_after,
       metadata, created_at`

func scanTransaction(row pgx.Row) (*model.CreditTransaction, error) {
	var t model.CreditTransaction
	var typ, source string
	var meta []byte
	if err := row.Scan(&t.ID, &t.AccountID, &typ, &source, &t.Amount, &t.ReferenceID,
		&t.BalanceAfter, &meta, &t.CreatedAt); err != nil {
		return nil, scanErr(err)
	}
	t.Type = model.TransactionType(typ)
	t.Source = model.TransactionSource(source)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode transaction metadata: %w", err)
		}
	}
	return &t, nil
}

// Insert appends a ledger entry. A second refund for the same reference
// violates the partial unique index and surfaces as ErrAlreadyExists.
func (r *CreditTransactionRepo) Insert(ctx context.Context, tx repository.Tx, t *model.CreditTransaction) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("encode transaction metadata: %w", err)
	}
	const q = `
INSERT INTO credit_transactions (
  id, account_id, type, source, amount, reference_id, balance_after, metadata, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9);`
	_, err = execSQL(ctx, r.pool, tx, q,
		t.ID, t.AccountID, string(t.Type), string(t.Source), t.Amount, nullIfEmpty(t.ReferenceID),
		t.BalanceAfter, string(meta), t.CreatedAt)
	return err
}

func (r *CreditTransactionRepo) FindByReference(ctx context.Context, tx repository.Tx, accountID, referenceID string, typ model.TransactionType) (*model.CreditTransaction, error) {
	const q = `
SELECT ` + transactionColumns + `
  FROM credit_transactions
 WHERE account_id=$1 AND reference_id=$2 AND type=$3
 ORDER BY id DESC
 LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, accountID, referenceID, string(typ))
	if err != nil {
		return nil, err
	}
	return scanTransaction(row)
}

func (r *CreditTransactionRepo) ListByAccount(ctx context.Context, tx repository.Tx, accountID string, limit int) ([]*model.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT ` + transactionColumns + `
  FROM credit_transactions
 WHERE account_id=$1
 ORDER BY id DESC
 LIMIT $2;`
	rows, err := queryRows(ctx, r.pool, tx, q, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.CreditTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
