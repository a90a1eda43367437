// Package idempotency enforces at-most-once turn execution. Each request
// claims a (key, owner, session, operation) tuple before any side effect
// runs; replays of a finished request get the cached response instead of a
// second execution.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/Daakon/stone-caster-2-sub003/internal/platform/errors"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
)

// OperationTurnExecute names the turn execution operation in stored records.
const OperationTurnExecute = "turn.execute"

var (
	// ErrInFlight indicates another request currently holds the tuple.
	ErrInFlight = apperrors.New(apperrors.CodeConflict, "request already in flight")
	// ErrKeyReuse indicates the key was reused with a different payload.
	ErrKeyReuse = apperrors.New(apperrors.CodeConflict, "idempotency key reused with different request")
)

// CheckResult reports whether execution should proceed or replay.
type CheckResult struct {
	// Replay is true when a completed record already holds the response.
	Replay bool
	// Response is the cached response body for replays.
	Response []byte
}

// Guard mediates idempotent execution over an IdempotencyStore.
type Guard struct {
	store storage.IdempotencyStore
	now   func() time.Time
}

// NewGuard creates a guard backed by the provided store.
func NewGuard(store storage.IdempotencyStore) *Guard {
	return &Guard{store: store, now: time.Now}
}

// Check claims the tuple for execution. A fresh or reclaimed claim returns
// Replay=false and the caller must later call Complete or Fail. A finished
// duplicate with a matching hash returns the cached response. A hash
// mismatch or an in-flight duplicate fails with a conflict.
func (g *Guard) Check(ctx context.Context, key, ownerID, sessionID, requestHash string) (CheckResult, error) {
	if g == nil || g.store == nil {
		return CheckResult{}, fmt.Errorf("idempotency store is not configured")
	}

	now := g.clock()
	record, created, err := g.store.BeginIdempotent(ctx, storage.IdempotencyRecord{
		Key:         key,
		OwnerID:     ownerID,
		SessionID:   sessionID,
		Operation:   OperationTurnExecute,
		RequestHash: requestHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return CheckResult{}, fmt.Errorf("claim idempotency tuple: %w", err)
	}
	if created {
		return CheckResult{}, nil
	}

	switch record.Status {
	case storage.IdempotencyCompleted:
		if record.RequestHash != requestHash {
			return CheckResult{}, ErrKeyReuse
		}
		return CheckResult{Replay: true, Response: record.Response}, nil

	case storage.IdempotencyPending:
		return CheckResult{}, ErrInFlight

	case storage.IdempotencyFailed:
		// A failed attempt releases the key for retry. The reclaim is
		// conditional, so concurrent retries race to a single winner.
		if _, err := g.store.ReclaimIdempotent(ctx, key, ownerID, sessionID, OperationTurnExecute, requestHash); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return CheckResult{}, ErrInFlight
			}
			return CheckResult{}, fmt.Errorf("reclaim idempotency tuple: %w", err)
		}
		return CheckResult{}, nil

	default:
		return CheckResult{}, fmt.Errorf("idempotency record has unknown status %q", record.Status)
	}
}

// Complete finalizes a claimed tuple with the response to replay.
func (g *Guard) Complete(ctx context.Context, key, ownerID, sessionID string, response []byte) error {
	if g == nil || g.store == nil {
		return fmt.Errorf("idempotency store is not configured")
	}
	return g.store.FinalizeIdempotent(ctx, key, ownerID, sessionID, OperationTurnExecute, storage.IdempotencyCompleted, response)
}

// Fail finalizes a claimed tuple as failed, releasing it for retry.
func (g *Guard) Fail(ctx context.Context, key, ownerID, sessionID string) error {
	if g == nil || g.store == nil {
		return fmt.Errorf("idempotency store is not configured")
	}
	return g.store.FinalizeIdempotent(ctx, key, ownerID, sessionID, OperationTurnExecute, storage.IdempotencyFailed, nil)
}

func (g *Guard) clock() time.Time {
	if g.now == nil {
		return time.Now().UTC()
	}
	return g.now().UTC()
}

// HashRequest produces the canonical request fingerprint used to detect key
// reuse with a different payload.
func HashRequest(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
