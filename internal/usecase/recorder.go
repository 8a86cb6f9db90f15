// File: internal/usecase/recorder.go
package usecase

import (
	"context"
	"time"

	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/repository"
)

// LedgerEntry is one append to the credit history.
type LedgerEntry struct {
	AccountID    string
	Type         model.TransactionType
	Source       model.TransactionSource
	Amount       int
	ReferenceID  string
	BalanceAfter int
	Metadata     model.TransactionMetadata
}

// TransactionRecorder appends ledger entries inside the caller's
// transaction. It never opens one itself.
type TransactionRecorder struct {
	txs repository.CreditTransactionRepository
}

func NewTransactionRecorder(txs repository.CreditTransactionRepository) *TransactionRecorder {
	return &TransactionRecorder{txs: txs}
}

func (r *TransactionRecorder) Record(ctx context.Context, tx repository.Tx, e LedgerEntry, now time.Time) (*model.CreditTransaction, error) {
	if tx == nil {
		return nil, domain.ErrInvalidExecContext
	}
	t, err := model.NewCreditTransaction(e.AccountID, e.Type, e.Source, e.Amount, e.ReferenceID, e.Metadata, now)
	if err != nil {
		return nil, err
	}
	t.BalanceAfter = e.BalanceAfter
	if err := r.txs.Insert(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, nil
}
