package model

import (
	"sort"
	"time"

	"vibephoto/internal/domain"
)

// DebitPlan describes how a debit is split across the two credit pools.
type DebitPlan struct {
	Amount       int
	FromPlan     int
	FromPackages []Allocation
}

func (p DebitPlan) PackageTotal() int {
	total := 0
	for _, a := range p.FromPackages {
		total += a.Amount
	}
	return total
}

func (p DebitPlan) Metadata(description string, kind JobKind) TransactionMetadata {
	return TransactionMetadata{
		Description:  description,
		JobKind:      kind,
		FromPlan:     p.FromPlan,
		FromPackages: p.FromPackages,
	}
}

// SortPackagesForDebit orders packages soonest-expiring first. Ties fall
// back to creation time so the order is stable across calls.
func SortPackagesForDebit(pkgs []*CreditPackage) {
	sort.SliceStable(pkgs, func(i, j int) bool {
		if !pkgs[i].ValidUntil.Equal(pkgs[j].ValidUntil) {
			return pkgs[i].ValidUntil.Before(pkgs[j].ValidUntil)
		}
		return pkgs[i].CreatedAt.Before(pkgs[j].CreatedAt)
	})
}

// PlanDebit computes the split of amount over acc's plan allowance and the
// eligible packages. The plan allowance is used first; when it cannot cover
// the whole amount its remainder is drained and the rest is drawn from
// packages, soonest ValidUntil first. Nothing is mutated.
func PlanDebit(acc *Account, pkgs []*CreditPackage, amount int, now time.Time) (DebitPlan, error) {
	if acc.IsZero() || amount <= 0 {
		return DebitPlan{}, domain.ErrInvalidArgument
	}

	planAvailable := acc.PlanAvailable(now)
	if planAvailable >= amount {
		return DebitPlan{Amount: amount, FromPlan: amount}, nil
	}

	eligible := make([]*CreditPackage, 0, len(pkgs))
	pkgAvailable := 0
	for _, p := range pkgs {
		if p.AccountID == acc.ID && p.Eligible(now) {
			eligible = append(eligible, p)
			pkgAvailable += p.Remaining()
		}
	}
	if planAvailable+pkgAvailable < amount {
		return DebitPlan{}, &domain.InsufficientCreditsError{Required: amount, Available: planAvailable + pkgAvailable}
	}
	SortPackagesForDebit(eligible)

	plan := DebitPlan{Amount: amount, FromPlan: planAvailable}
	shortfall := amount - planAvailable
	for _, p := range eligible {
		if shortfall == 0 {
			break
		}
		take := p.Remaining()
		if take > shortfall {
			take = shortfall
		}
		plan.FromPackages = append(plan.FromPackages, Allocation{PackageID: p.ID, Amount: take})
		shortfall -= take
	}
	return plan, nil
}

// ApplyDebit mutates acc and the referenced packages according to plan.
func ApplyDebit(acc *Account, pkgs []*CreditPackage, plan DebitPlan, now time.Time) {
	byID := indexPackages(pkgs)
	acc.CreditsUsed += plan.FromPlan
	for _, a := range plan.FromPackages {
		if p, ok := byID[a.PackageID]; ok {
			p.UsedCredits += a.Amount
			p.UpdatedAt = now
		}
		acc.CreditsBalance -= a.Amount
	}
	acc.UpdatedAt = now
}

// RefundPlan describes where a refund returns credits to.
type RefundPlan struct {
	Amount     int
	ToPlan     int
	ToPackages []Allocation
}

// Shortfall is the part of the refund that went nowhere because the plan
// usage and the original packages had nothing left to take back.
func (p RefundPlan) Shortfall() int {
	n := p.Amount - p.ToPlan
	for _, a := range p.ToPackages {
		n -= a.Amount
	}
	if n < 0 {
		return 0
	}
	return n
}

// PlanRefund computes a refund of amount. By default all of it goes back to
// the plan allowance, clamped so CreditsUsed never drops below zero. When
// restorePackages is set and the original debit allocations are known,
// package shares are returned to those packages while they are still live;
// anything that cannot be restored falls back to the plan.
func PlanRefund(acc *Account, pkgs []*CreditPackage, amount int, origin *TransactionMetadata, restorePackages bool, now time.Time) RefundPlan {
	plan := RefundPlan{Amount: amount}
	remaining := amount

	if restorePackages && origin != nil {
		byID := indexPackages(pkgs)
		for _, a := range origin.FromPackages {
			if remaining == 0 {
				break
			}
			p, ok := byID[a.PackageID]
			if !ok || p.IsExpired || !p.ValidUntil.After(now) {
				continue
			}
			give := a.Amount
			if give > p.UsedCredits {
				give = p.UsedCredits
			}
			if give > remaining {
				give = remaining
			}
			if give <= 0 {
				continue
			}
			plan.ToPackages = append(plan.ToPackages, Allocation{PackageID: p.ID, Amount: give})
			remaining -= give
		}
	}

	if remaining > acc.CreditsUsed {
		remaining = acc.CreditsUsed
	}
	plan.ToPlan = remaining
	return plan
}

// ApplyRefund mutates acc and the referenced packages according to plan.
func ApplyRefund(acc *Account, pkgs []*CreditPackage, plan RefundPlan, now time.Time) {
	byID := indexPackages(pkgs)
	acc.CreditsUsed -= plan.ToPlan
	if acc.CreditsUsed < 0 {
		acc.CreditsUsed = 0
	}
	for _, a := range plan.ToPackages {
		if p, ok := byID[a.PackageID]; ok {
			p.UsedCredits -= a.Amount
			p.UpdatedAt = now
		}
		acc.CreditsBalance += a.Amount
	}
	acc.UpdatedAt = now
}

func indexPackages(pkgs []*CreditPackage) map[string]*CreditPackage {
	byID := make(map[string]*CreditPackage, len(pkgs))
	for _, p := range pkgs {
		byID[p.ID] = p
	}
	return byID
}
