package model

import (
	"strings"
	"time"

	"vibephoto/internal/domain"

	"github.com/google/uuid"
)

type PackageStatus string

const (
	PackageStatusPending   PackageStatus = "PENDING"
	PackageStatusConfirmed PackageStatus = "CONFIRMED"
	PackageStatusCancelled PackageStatus = "CANCELLED"
)

// CreditPackage is a purchased, non-recurring credit pool. Rows are never
// deleted; expiry and consumption only change eligibility.
type CreditPackage struct {
	ID           string
	AccountID    string
	Name         string
	CreditAmount int
	UsedCredits  int
	ValidUntil   time.Time
	IsExpired    bool
	Status       PackageStatus
	PurchaseRef  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewCreditPackage(accountID, name string, amount int, validUntil time.Time, purchaseRef string) (*CreditPackage, error) {
	if accountID == "" || strings.TrimSpace(name) == "" || amount <= 0 || validUntil.IsZero() {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &CreditPackage{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Name:         name,
		CreditAmount: amount,
		ValidUntil:   validUntil,
		Status:       PackageStatusPending,
		PurchaseRef:  purchaseRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (p *CreditPackage) Remaining() int {
	if r := p.CreditAmount - p.UsedCredits; r > 0 {
		return r
	}
	return 0
}

// Eligible reports whether the package may fund a debit at now.
func (p *CreditPackage) Eligible(now time.Time) bool {
	return p.Status == PackageStatusConfirmed &&
		!p.IsExpired &&
		p.ValidUntil.After(now) &&
		p.Remaining() > 0
}

// Lapsed reports whether a confirmed package has passed its validity and
// has not been marked expired yet.
func (p *CreditPackage) Lapsed(now time.Time) bool {
	return p.Status == PackageStatusConfirmed && !p.IsExpired && !p.ValidUntil.After(now)
}
