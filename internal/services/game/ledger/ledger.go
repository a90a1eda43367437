// Package ledger meters the spendable turn resource. Every balance change
// flows through an append-only entry, so the balance is always the running
// sum of the ledger.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/Daakon/stone-caster-2-sub003/internal/platform/id"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/wallet"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
)

// DefaultGuestGrant is the starting balance provisioned for guest owners.
const DefaultGuestGrant = 15

// Service exposes balance reads and idempotent debits over a WalletStore.
type Service struct {
	store       storage.WalletStore
	guestGrant  int
	now         func() time.Time
	idGenerator func() (string, error)
}

// NewService creates a ledger service. A non-positive guestGrant falls back
// to DefaultGuestGrant.
func NewService(store storage.WalletStore, guestGrant int) *Service {
	if guestGrant <= 0 {
		guestGrant = DefaultGuestGrant
	}
	return &Service{
		store:       store,
		guestGrant:  guestGrant,
		now:         time.Now,
		idGenerator: id.NewID,
	}
}

// Balance returns the owner's current balance. A missing wallet fails with
// storage.ErrNotFound; callers decide whether to provision.
func (s *Service) Balance(ctx context.Context, ownerID string) (int, error) {
	if s == nil || s.store == nil {
		return 0, fmt.Errorf("wallet store is not configured")
	}
	record, err := s.store.GetWallet(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return record.Balance, nil
}

// EnsureGuestWallet provisions the guest starting balance on first touch.
// The grant is keyed per owner, so repeated calls credit exactly once.
func (s *Service) EnsureGuestWallet(ctx context.Context, ownerID string) (storage.WalletRecord, error) {
	if s == nil || s.store == nil {
		return storage.WalletRecord{}, fmt.Errorf("wallet store is not configured")
	}

	entryID, err := s.idGenerator()
	if err != nil {
		return storage.WalletRecord{}, fmt.Errorf("generate ledger entry id: %w", err)
	}

	return s.store.CreditWallet(ctx, storage.LedgerEntryRecord{
		ID:             entryID,
		OwnerID:        ownerID,
		Amount:         s.guestGrant,
		Reason:         wallet.ReasonGuestGrant,
		IdempotencyKey: "guest-grant:" + ownerID,
		CreatedAt:      s.clock(),
	})
}

// Debit charges the owner. The debit is idempotent on the input's
// idempotency key: a retried debit with the same key returns the current
// balance without a second charge. An overdraw fails with
// storage.ErrInsufficientBalance and writes nothing.
func (s *Service) Debit(ctx context.Context, input wallet.DebitInput) (storage.WalletRecord, error) {
	if s == nil || s.store == nil {
		return storage.WalletRecord{}, fmt.Errorf("wallet store is not configured")
	}

	normalized, err := wallet.NormalizeDebitInput(input)
	if err != nil {
		return storage.WalletRecord{}, err
	}

	entryID, err := s.idGenerator()
	if err != nil {
		return storage.WalletRecord{}, fmt.Errorf("generate ledger entry id: %w", err)
	}

	return s.store.DebitWallet(ctx, storage.LedgerEntryRecord{
		ID:             entryID,
		OwnerID:        normalized.OwnerID,
		Amount:         -normalized.Amount,
		Reason:         normalized.Reason,
		IdempotencyKey: normalized.IdempotencyKey,
		SessionID:      normalized.SessionID,
		TurnID:         normalized.TurnID,
		CreatedAt:      s.clock(),
	})
}

// Entries returns the owner's full ledger, oldest first.
func (s *Service) Entries(ctx context.Context, ownerID string) ([]storage.LedgerEntryRecord, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("wallet store is not configured")
	}
	return s.store.ListLedgerEntries(ctx, ownerID)
}

func (s *Service) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}
