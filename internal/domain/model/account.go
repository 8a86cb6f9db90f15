package model

import (
	"strings"
	"time"

	"vibephoto/internal/domain"

	"github.com/google/uuid"
)

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "ACTIVE"
	AccountStatusSuspended AccountStatus = "SUSPENDED"
	AccountStatusClosed    AccountStatus = "CLOSED"
)

// Account holds the two credit pools of a customer: the recurring plan
// allowance (CreditsLimit/CreditsUsed) and the purchased package pool
// (CreditsBalance, the sum of remaining capacity over live packages).
type Account struct {
	ID               string
	Email            string
	Plan             string
	Status           AccountStatus
	CreditsLimit     int
	CreditsUsed      int
	CreditsBalance   int
	CreditsExpiresAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func NewAccount(id, email, plan string, limit int, expiresAt *time.Time) (*Account, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if strings.TrimSpace(email) == "" || limit < 0 {
		return nil, domain.ErrInvalidArgument
	}
	now := time.Now()
	return &Account{
		ID:               id,
		Email:            email,
		Plan:             plan,
		Status:           AccountStatusActive,
		CreditsLimit:     limit,
		CreditsExpiresAt: expiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (a *Account) IsZero() bool   { return a == nil || a.ID == "" }
func (a *Account) IsActive() bool { return a != nil && a.Status == AccountStatusActive }

// PlanExpired reports whether the plan allowance is unusable at now.
// An expiry exactly equal to now counts as expired.
func (a *Account) PlanExpired(now time.Time) bool {
	return a.CreditsExpiresAt != nil && !a.CreditsExpiresAt.After(now)
}

// PlanAvailable is the unused plan allowance at now.
func (a *Account) PlanAvailable(now time.Time) int {
	if a.PlanExpired(now) {
		return 0
	}
	if v := a.CreditsLimit - a.CreditsUsed; v > 0 {
		return v
	}
	return 0
}

func (a *Account) Balances(now time.Time) Balances {
	plan := a.PlanAvailable(now)
	pkg := a.CreditsBalance
	if pkg < 0 {
		pkg = 0
	}
	return Balances{
		AccountID:        a.ID,
		CreditsLimit:     a.CreditsLimit,
		CreditsUsed:      a.CreditsUsed,
		CreditsBalance:   a.CreditsBalance,
		CreditsExpiresAt: a.CreditsExpiresAt,
		PlanAvailable:    plan,
		TotalAvailable:   plan + pkg,
	}
}

// Balances is the read model returned by ledger operations and broadcast
// with credits.updated events.
type Balances struct {
	AccountID        string     `json:"account_id"`
	CreditsLimit     int        `json:"credits_limit"`
	CreditsUsed      int        `json:"credits_used"`
	CreditsBalance   int        `json:"credits_balance"`
	CreditsExpiresAt *time.Time `json:"credits_expires_at,omitempty"`
	PlanAvailable    int        `json:"plan_available"`
	TotalAvailable   int        `json:"total_available"`
}
