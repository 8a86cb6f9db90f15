// File: internal/usecase/ledger_uc.go
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
var _ LedgerUseCase = (*ledgerUC)(nil)

// CreditMeta describes why credits move.
type CreditMeta struct {
	Source      model.TransactionSource
	ReferenceID string // job id for job debits and refunds
	Description string
	JobKind     model.JobKind
	Reason      string
}

type LedgerUseCase interface {
	// Deduct debits amount in its own transaction, plan allowance first,
	// then packages ordered by soonest ValidUntil.
	Deduct(ctx context.Context, accountID string, amount int, meta CreditMeta) (*model.Balances, error)
	// Refund returns amount in its own transaction and appends a REFUNDED entry.
	Refund(ctx context.Context, accountID string, amount int, meta CreditMeta) (*model.Balances, error)

	// DeductInTx and RefundInTx compose with other writes in tx. The caller
	// calls Notify once the transaction committed.
	DeductInTx(ctx context.Context, tx repository.Tx, accountID string, amount int, meta CreditMeta) (*model.Balances, error)
	RefundInTx(ctx context.Context, tx repository.Tx, accountID string, amount int, meta CreditMeta) (*model.Balances, error)
	Notify(ctx context.Context, b *model.Balances)

	Balances(ctx context.Context, accountID string) (*model.Balances, error)
	// CanAfford is a read-only pre-check; Deduct stays authoritative.
	CanAfford(ctx context.Context, accountID string, amount int) error

	ConfirmPackage(ctx context.Context, packageID string) (*model.CreditPackage, error)
	ExpirePackages(ctx context.Context, now time.Time) (int, error)
	RenewPlan(ctx context.Context, accountID string, limit int, expiresAt *time.Time) (*model.Balances, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]*model.CreditTransaction, error)
}

type LedgerOptions struct {
	RefundRestoresPackages bool
	ExpiryBatchSize        int
}

type ledgerUC struct {
	tm        repository.TransactionManager
	accounts  repository.AccountRepository
	packages  repository.CreditPackageRepository
	history   repository.CreditTransactionRepository
	recorder  *TransactionRecorder
	cache     repository.BalanceCache
	broadcast adapter.Broadcaster
	metrics   *metrics.Metrics
	log       *zerolog.Logger
	opts      LedgerOptions
	now       func() time.Time
}

func NewLedgerUseCase(
	tm repository.TransactionManager,
	accounts repository.AccountRepository,
	packages repository.CreditPackageRepository,
	history repository.CreditTransactionRepository,
	cache repository.BalanceCache,
	broadcast adapter.Broadcaster,
	m *metrics.Metrics,
	logger *zerolog.Logger,
	opts LedgerOptions,
) *ledgerUC {
	if opts.ExpiryBatchSize <= 0 {
		opts.ExpiryBatchSize = 100
	}
	return &ledgerUC{
		tm:        tm,
		accounts:  accounts,
		packages:  packages,
		history:   history,
		recorder:  NewTransactionRecorder(history),
		cache:     cache,
		broadcast: broadcast,
		metrics:   m,
		log:       logger,
		opts:      opts,
		now:       time.Now,
	}
}

func (u *ledgerUC) Deduct(ctx context.Context, accountID string, amount int, meta CreditMeta) (*model.Balances, error) {
	defer logging.TraceDuration(u.log, "LedgerUC.Deduct")()

	var bal *model.Balances
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		var err error
		bal, err = u.DeductInTx(ctx, tx, accountID, amount, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	u.Notify(ctx, bal)
	return bal, nil
}

func (u *ledgerUC) DeductInTx(ctx context.Context, tx repository.Tx, accountID string, amount int, meta CreditMeta) (*model.Balances, error) {
	if accountID == "" || amount <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	now := u.now()

	acc, err := u.accounts.FindByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if !acc.IsActive() {
		return nil, domain.ErrAccountInactive
	}

	// packages are only locked when the plan cannot cover the debit
	var pkgs []*model.CreditPackage
	if acc.PlanAvailable(now) < amount {
		pkgs, err = u.packages.ListEligibleForUpdate(ctx, tx, accountID, now)
		if err != nil {
			return nil, err
		}
	}

	plan, err := model.PlanDebit(acc, pkgs, amount, now)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			u.metrics.IncInsufficientCredits(string(meta.Source))
		}
		return nil, err
	}
	model.ApplyDebit(acc, pkgs, plan, now)

	if err := u.accounts.UpdateBalances(ctx, tx, acc); err != nil {
		return nil, err
	}
	if err := u.saveUsage(ctx, tx, pkgs, plan.FromPackages); err != nil {
		return nil, err
	}

	bal := acc.Balances(now)
	md := plan.Metadata(meta.Description, meta.JobKind)
	if _, err := u.recorder.Record(ctx, tx, LedgerEntry{
		AccountID:    accountID,
		Type:         model.TransactionSpent,
		Source:       meta.Source,
		Amount:       amount,
		ReferenceID:  meta.ReferenceID,
		BalanceAfter: bal.TotalAvailable,
		Metadata:     md,
	}, now); err != nil {
		return nil, err
	}

	u.metrics.AddCreditsDebited(string(meta.Source), plan.FromPlan, plan.PackageTotal())
	logging.With(ctx, u.log).Debug().
		Str("account_id", accountID).
		Int("amount", amount).
		Int("from_plan", plan.FromPlan).
		Int("from_packages", plan.PackageTotal()).
		Msg("credits debited")
	return &bal, nil
}

func (u *ledgerUC) Refund(ctx context.Context, accountID string, amount int, meta CreditMeta) (*model.Balances, error) {
	defer logging.TraceDuration(u.log, "LedgerUC.Refund")()

	var bal *model.Balances
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		var err error
		bal, err = u.RefundInTx(ctx, tx, accountID, amount, meta)
		return err
	})
	if err != nil {
		return nil, err
	}
	u.Notify(ctx, bal)
	return bal, nil
}

func (u *ledgerUC) RefundInTx(ctx context.Context, tx repository.Tx, accountID string, amount int, meta CreditMeta) (*model.Balances, error) {
	if accountID == "" || amount <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	now := u.now()

	acc, err := u.accounts.FindByIDForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	var (
		origin *model.TransactionMetadata
		pkgs   []*model.CreditPackage
	)
	if u.opts.RefundRestoresPackages && meta.ReferenceID != "" {
		spent, err := u.history.FindByReference(ctx, tx, accountID, meta.ReferenceID, model.TransactionSpent)
		switch {
		case err == nil:
			origin = &spent.Metadata
			if ids := allocationIDs(spent.Metadata.FromPackages); len(ids) > 0 {
				if pkgs, err = u.packages.ListByIDsForUpdate(ctx, tx, ids); err != nil {
					return nil, err
				}
			}
		case errors.Is(err, domain.ErrNotFound):
			// no debit on record; refund to the plan
		default:
			return nil, err
		}
	}

	plan := model.PlanRefund(acc, pkgs, amount, origin, u.opts.RefundRestoresPackages, now)
	model.ApplyRefund(acc, pkgs, plan, now)

	if err := u.accounts.UpdateBalances(ctx, tx, acc); err != nil {
		return nil, err
	}
	if err := u.saveUsage(ctx, tx, pkgs, plan.ToPackages); err != nil {
		return nil, err
	}

	reason := meta.Reason
	if n := plan.Shortfall(); n > 0 {
		reason = joinReason(reason, fmt.Sprintf("%d of %d credits not restored, nothing left to return", n, amount))
		u.log.Warn().Str("account_id", accountID).Str("reference_id", meta.ReferenceID).
			Int("amount", amount).Int("shortfall", n).Msg("refund clamped")
	}

	bal := acc.Balances(now)
	if _, err := u.recorder.Record(ctx, tx, LedgerEntry{
		AccountID:    accountID,
		Type:         model.TransactionRefunded,
		Source:       meta.Source,
		Amount:       amount,
		ReferenceID:  meta.ReferenceID,
		BalanceAfter: bal.TotalAvailable,
		Metadata: model.TransactionMetadata{
			Description:  meta.Description,
			JobKind:      meta.JobKind,
			Reason:       reason,
			FromPlan:     plan.ToPlan,
			FromPackages: plan.ToPackages,
		},
	}, now); err != nil {
		return nil, err
	}

	u.metrics.AddCreditsRefunded(string(meta.Source), amount)
	return &bal, nil
}

func joinReason(reason, note string) string {
	if reason == "" {
		return note
	}
	return reason + "; " + note
}

// Notify pushes a credits.updated event and drops the cached balance.
func (u *ledgerUC) Notify(ctx context.Context, b *model.Balances) {
	if b == nil {
		return
	}
	if u.cache != nil {
		if err := u.cache.Invalidate(ctx, b.AccountID); err != nil {
			u.log.Warn().Err(err).Str("account_id", b.AccountID).Msg("balance cache invalidate failed")
		}
	}
	if u.broadcast != nil {
		u.broadcast.Broadcast(ctx, model.NewEvent(model.EventCreditsUpdated, b.AccountID, *b))
	}
}

func (u *ledgerUC) Balances(ctx context.Context, accountID string) (*model.Balances, error) {
	acc, err := u.accounts.FindByID(ctx, repository.NoTX, accountID)
	if err != nil {
		return nil, err
	}
	b := acc.Balances(u.now())
	return &b, nil
}

func (u *ledgerUC) CanAfford(ctx context.Context, accountID string, amount int) error {
	if amount <= 0 {
		return domain.ErrInvalidArgument
	}
	acc, err := u.accounts.FindByID(ctx, repository.NoTX, accountID)
	if err != nil {
		return err
	}
	if !acc.IsActive() {
		return domain.ErrAccountInactive
	}
	if b := acc.Balances(u.now()); b.TotalAvailable < amount {
		return &domain.InsufficientCreditsError{Required: amount, Available: b.TotalAvailable}
	}
	return nil
}

func (u *ledgerUC) ConfirmPackage(ctx context.Context, packageID string) (*model.CreditPackage, error) {
	defer logging.TraceDuration(u.log, "LedgerUC.ConfirmPackage")()

	peek, err := u.packages.FindByID(ctx, repository.NoTX, packageID)
	if err != nil {
		return nil, err
	}

	var (
		pkg *model.CreditPackage
		bal *model.Balances
	)
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		now := u.now()
		acc, err := u.accounts.FindByIDForUpdate(ctx, tx, peek.AccountID)
		if err != nil {
			return err
		}
		p, err := u.packages.FindByIDForUpdate(ctx, tx, packageID)
		if err != nil {
			return err
		}
		pkg = p
		switch p.Status {
		case model.PackageStatusConfirmed:
			return nil
		case model.PackageStatusPending:
		default:
			return domain.ErrPackageNotUsable
		}

		p.Status = model.PackageStatusConfirmed
		p.UpdatedAt = now
		// confirmed too late: it never funds the balance
		if p.Lapsed(now) {
			p.IsExpired = true
		}
		if err := u.packages.UpdateUsage(ctx, tx, p); err != nil {
			return err
		}
		credit := p.Remaining()
		if p.IsExpired || credit == 0 {
			return nil
		}
		acc.CreditsBalance += credit
		acc.UpdatedAt = now
		if err := u.accounts.UpdateBalances(ctx, tx, acc); err != nil {
			return err
		}
		b := acc.Balances(now)
		bal = &b
		_, err = u.recorder.Record(ctx, tx, LedgerEntry{
			AccountID:    acc.ID,
			Type:         model.TransactionEarned,
			Source:       model.SourcePackagePurchase,
			Amount:       credit,
			ReferenceID:  p.ID,
			BalanceAfter: b.TotalAvailable,
			Metadata:     model.TransactionMetadata{Description: p.Name},
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	u.Notify(ctx, bal)
	return pkg, nil
}

// ExpirePackages retires lapsed packages one transaction each so a debit
// never waits behind a whole batch. Locks follow the debit order: account
// first, then package.
func (u *ledgerUC) ExpirePackages(ctx context.Context, now time.Time) (int, error) {
	lapsed, err := u.packages.ListLapsed(ctx, repository.NoTX, now, u.opts.ExpiryBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, peek := range lapsed {
		if ctx.Err() != nil {
			break
		}
		var bal *model.Balances
		err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			acc, err := u.accounts.FindByIDForUpdate(ctx, tx, peek.AccountID)
			if err != nil {
				return err
			}
			p, err := u.packages.FindByIDForUpdate(ctx, tx, peek.ID)
			if err != nil {
				return err
			}
			if !p.Lapsed(now) {
				return nil
			}
			remaining := p.Remaining()
			p.IsExpired = true
			p.UpdatedAt = now
			if err := u.packages.UpdateUsage(ctx, tx, p); err != nil {
				return err
			}
			expired++
			if remaining == 0 {
				return nil
			}
			acc.CreditsBalance -= remaining
			if acc.CreditsBalance < 0 {
				acc.CreditsBalance = 0
			}
			acc.UpdatedAt = now
			if err := u.accounts.UpdateBalances(ctx, tx, acc); err != nil {
				return err
			}
			b := acc.Balances(now)
			bal = &b
			_, err = u.recorder.Record(ctx, tx, LedgerEntry{
				AccountID:    acc.ID,
				Type:         model.TransactionExpired,
				Source:       model.SourcePackageExpiry,
				Amount:       remaining,
				ReferenceID:  p.ID,
				BalanceAfter: b.TotalAvailable,
				Metadata:     model.TransactionMetadata{Description: p.Name},
			}, now)
			return err
		})
		if err != nil {
			u.log.Error().Err(err).Str("package_id", peek.ID).Msg("package expiry failed")
			continue
		}
		u.Notify(ctx, bal)
	}

	if expired > 0 {
		u.metrics.AddPackagesExpired(expired)
		if u.broadcast != nil {
			u.broadcast.Broadcast(ctx, model.NewEvent(model.EventPackageExpired, "", map[string]int{"count": expired}))
		}
		u.log.Info().Int("count", expired).Msg("credit packages expired")
	}
	return expired, nil
}

func (u *ledgerUC) RenewPlan(ctx context.Context, accountID string, limit int, expiresAt *time.Time) (*model.Balances, error) {
	if limit < 0 {
		return nil, domain.ErrInvalidArgument
	}
	var bal *model.Balances
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		now := u.now()
		acc, err := u.accounts.FindByIDForUpdate(ctx, tx, accountID)
		if err != nil {
			return err
		}
		acc.CreditsLimit = limit
		acc.CreditsUsed = 0
		acc.CreditsExpiresAt = expiresAt
		acc.UpdatedAt = now
		if err := u.accounts.UpdateBalances(ctx, tx, acc); err != nil {
			return err
		}
		b := acc.Balances(now)
		bal = &b
		if limit == 0 {
			return nil
		}
		_, err = u.recorder.Record(ctx, tx, LedgerEntry{
			AccountID:    acc.ID,
			Type:         model.TransactionEarned,
			Source:       model.SourcePlanRenewal,
			Amount:       limit,
			BalanceAfter: b.TotalAvailable,
			Metadata:     model.TransactionMetadata{Description: acc.Plan},
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	u.Notify(ctx, bal)
	return bal, nil
}

func (u *ledgerUC) ListTransactions(ctx context.Context, accountID string, limit int) ([]*model.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return u.history.ListByAccount(ctx, repository.NoTX, accountID, limit)
}

func (u *ledgerUC) saveUsage(ctx context.Context, tx repository.Tx, pkgs []*model.CreditPackage, allocs []model.Allocation) error {
	if len(allocs) == 0 {
		return nil
	}
	touched := make(map[string]bool, len(allocs))
	for _, a := range allocs {
		touched[a.PackageID] = true
	}
	for _, p := range pkgs {
		if !touched[p.ID] {
			continue
		}
		if err := u.packages.UpdateUsage(ctx, tx, p); err != nil {
			return err
		}
	}
	return nil
}

func allocationIDs(allocs []model.Allocation) []string {
	ids := make([]string, 0, len(allocs))
	for _, a := range allocs {
		ids = append(ids, a.PackageID)
	}
	return ids
}
