// Package wallet models the metered resource balance each owner spends to
// take turns, and the signed ledger entries that account for every change.
package wallet

import (
	"errors"
	"strings"
	"time"
)

// EntryReason explains why a ledger entry exists.
type EntryReason string

const (
	// ReasonTurnSpend is the debit charged for one executed turn.
	ReasonTurnSpend EntryReason = "turn_spend"
	// ReasonGuestGrant is the starter credit provisioned for guest owners.
	ReasonGuestGrant EntryReason = "guest_grant"
	// ReasonAdjustment is a manual operator correction.
	ReasonAdjustment EntryReason = "adjustment"
)

var (
	// ErrEmptyOwnerID indicates an owner ID is required.
	ErrEmptyOwnerID = errors.New("owner id is required")
	// ErrInvalidAmount indicates a zero or wrongly-signed amount.
	ErrInvalidAmount = errors.New("amount is invalid")
	// ErrEmptyIdempotencyKey indicates an idempotency key is required.
	ErrEmptyIdempotencyKey = errors.New("idempotency key is required")
	// ErrInvalidReason indicates an unknown entry reason.
	ErrInvalidReason = errors.New("entry reason is invalid")
)

// Wallet is a per-owner balance of the metered turn resource.
type Wallet struct {
	OwnerID   string
	Balance   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entry is one signed ledger delta. Amount is negative for debits.
type Entry struct {
	ID             string
	OwnerID        string
	Amount         int
	Reason         EntryReason
	IdempotencyKey string
	SessionID      string
	TurnID         string
	CreatedAt      time.Time
}

// DebitInput captures caller-provided fields for charging a turn.
type DebitInput struct {
	OwnerID        string
	Amount         int
	Reason         EntryReason
	IdempotencyKey string
	SessionID      string
	TurnID         string
}

// NormalizeDebitInput validates and canonicalizes debit input. Amount is the
// positive cost to charge; the storage layer applies it as a negative delta.
func NormalizeDebitInput(input DebitInput) (DebitInput, error) {
	input.OwnerID = strings.TrimSpace(input.OwnerID)
	if input.OwnerID == "" {
		return DebitInput{}, ErrEmptyOwnerID
	}

	if input.Amount <= 0 {
		return DebitInput{}, ErrInvalidAmount
	}

	input.IdempotencyKey = strings.TrimSpace(input.IdempotencyKey)
	if input.IdempotencyKey == "" {
		return DebitInput{}, ErrEmptyIdempotencyKey
	}

	if input.Reason == "" {
		input.Reason = ReasonTurnSpend
	}
	if !ValidReason(input.Reason) {
		return DebitInput{}, ErrInvalidReason
	}

	input.SessionID = strings.TrimSpace(input.SessionID)
	input.TurnID = strings.TrimSpace(input.TurnID)
	return input, nil
}

// ValidReason reports whether a reason is a known ledger entry reason.
func ValidReason(reason EntryReason) bool {
	switch reason {
	case ReasonTurnSpend, ReasonGuestGrant, ReasonAdjustment:
		return true
	default:
		return false
	}
}
