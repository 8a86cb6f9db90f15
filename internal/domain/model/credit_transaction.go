package model

import (
	"time"

	"vibephoto/internal/domain"

	"github.com/oklog/ulid/v2"
)

type TransactionType string

const (
	TransactionSpent    TransactionType = "SPENT"
	TransactionRefunded TransactionType = "REFUNDED"
	TransactionEarned   TransactionType = "EARNED"
	TransactionExpired  TransactionType = "EXPIRED"
)

type TransactionSource string

const (
	SourceGeneration      TransactionSource = "GENERATION"
	SourceTraining        TransactionSource = "TRAINING"
	SourceEdit            TransactionSource = "EDIT"
	SourceUpscale         TransactionSource = "UPSCALE"
	SourcePackagePurchase TransactionSource = "PACKAGE_PURCHASE"
	SourcePackageExpiry   TransactionSource = "PACKAGE_EXPIRY"
	SourcePlanRenewal     TransactionSource = "PLAN_RENEWAL"
)

// SourceForJob maps a job kind to the ledger source it is billed under.
func SourceForJob(kind JobKind) TransactionSource {
	switch kind {
	case JobKindTraining:
		return SourceTraining
	case JobKindEdit:
		return SourceEdit
	case JobKindUpscale:
		return SourceUpscale
	default:
		return SourceGeneration
	}
}

// Allocation is the share of a debit drawn from one package.
type Allocation struct {
	PackageID string `json:"package_id"`
	Amount    int    `json:"amount"`
}

// TransactionMetadata is stored as JSONB next to each ledger entry.
type TransactionMetadata struct {
	Description  string       `json:"description,omitempty"`
	JobKind      JobKind      `json:"job_kind,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	FromPlan     int          `json:"from_plan,omitempty"`
	FromPackages []Allocation `json:"from_packages,omitempty"`
}

// CreditTransaction is an immutable ledger entry.
type CreditTransaction struct {
	ID           string
	AccountID    string
	Type         TransactionType
	Source       TransactionSource
	Amount       int
	ReferenceID  string
	BalanceAfter int
	Metadata     TransactionMetadata
	CreatedAt    time.Time
}

func NewCreditTransaction(accountID string, typ TransactionType, source TransactionSource, amount int, referenceID string, meta TransactionMetadata, now time.Time) (*CreditTransaction, error) {
	if accountID == "" || amount <= 0 || typ == "" || source == "" {
		return nil, domain.ErrInvalidArgument
	}
	return &CreditTransaction{
		ID:          ulid.Make().String(),
		AccountID:   accountID,
		Type:        typ,
		Source:      source,
		Amount:      amount,
		ReferenceID: referenceID,
		Metadata:    meta,
		CreatedAt:   now,
	}, nil
}
