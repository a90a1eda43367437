// Package errors provides structured error handling for the turn pipeline.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeInternal represents an unexpected internal failure. Callers see this
	// code instead of implementation detail.
	CodeInternal Code = "INTERNAL_ERROR"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	CodeConflict Code = "CONFLICT"

	// Turn request errors
	CodeTurnEmptySessionID      Code = "TURN_EMPTY_SESSION_ID"
	CodeTurnEmptyOwnerID        Code = "TURN_EMPTY_OWNER_ID"
	CodeTurnEmptyIdempotencyKey Code = "TURN_EMPTY_IDEMPOTENCY_KEY"
	CodeTurnEmptyIntent         Code = "TURN_EMPTY_INTENT"

	// Wallet/ledger errors
	CodeInsufficientResource Code = "INSUFFICIENT_RESOURCE"
	CodeWalletInvalidAmount  Code = "WALLET_INVALID_AMOUNT"
	CodeWalletEmptyOwnerID   Code = "WALLET_EMPTY_OWNER_ID"

	// Generation errors
	CodeUpstreamTimeout  Code = "UPSTREAM_TIMEOUT"
	CodeUpstreamFailure  Code = "UPSTREAM_FAILURE"
	CodeValidationFailed Code = "VALIDATION_FAILED"

	// CodeIntegrityRisk flags a partial-failure window where a side effect
	// succeeded but a later persistence step did not. It must never be
	// collapsed into CodeInternal because operators reconcile these by hand.
	CodeIntegrityRisk Code = "DATA_INTEGRITY_RISK"

	// Auth errors
	CodeGrantInvalid Code = "PLAYER_GRANT_INVALID"
	CodeGrantExpired Code = "PLAYER_GRANT_EXPIRED"

	// Pricing errors
	CodePricingInvalidCost Code = "PRICING_INVALID_COST"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeTurnEmptySessionID,
		CodeTurnEmptyOwnerID,
		CodeTurnEmptyIdempotencyKey,
		CodeTurnEmptyIntent,
		CodeWalletInvalidAmount,
		CodeWalletEmptyOwnerID,
		CodePricingInvalidCost:
		return codes.InvalidArgument

	// ResourceExhausted - metered balance too low
	case CodeInsufficientResource:
		return codes.ResourceExhausted

	// FailedPrecondition - generation output unusable even after repair
	case CodeValidationFailed:
		return codes.FailedPrecondition

	// Aborted - concurrent duplicate lost the idempotency race
	case CodeConflict:
		return codes.Aborted

	case CodeNotFound:
		return codes.NotFound

	case CodeUpstreamTimeout:
		return codes.DeadlineExceeded

	case CodeUpstreamFailure:
		return codes.Unavailable

	case CodeGrantInvalid, CodeGrantExpired:
		return codes.Unauthenticated

	case CodeIntegrityRisk:
		return codes.DataLoss

	default:
		return codes.Internal
	}
}
