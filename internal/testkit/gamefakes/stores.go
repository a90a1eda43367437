// Package gamefakes provides lightweight in-memory store fakes for turn
// pipeline tests. Semantics mirror the sqlite implementation: counter-guarded
// appends, key-idempotent ledger entries, tuple-claimed idempotency records.
package gamefakes

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
)

// SessionStore is an in-memory SessionStore and TurnStore fake.
type SessionStore struct {
	mu       sync.Mutex
	Sessions map[string]storage.SessionRecord
	Turns    map[string]storage.TurnRecord

	AppendErr error
}

// NewSessionStore constructs a SessionStore fake with initialized maps.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		Sessions: make(map[string]storage.SessionRecord),
		Turns:    make(map[string]storage.TurnRecord),
	}
}

func (s *SessionStore) PutSession(_ context.Context, record storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sessions[record.ID] = record
	return nil
}

func (s *SessionStore) GetSession(_ context.Context, sessionID string) (storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.Sessions[sessionID]
	if !ok {
		return storage.SessionRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *SessionStore) AppendTurn(_ context.Context, sessionRecord storage.SessionRecord, turnRecord storage.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	existing, ok := s.Sessions[sessionRecord.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.TurnCount != turnRecord.TurnNumber-1 {
		return storage.ErrConflict
	}
	s.Sessions[sessionRecord.ID] = sessionRecord
	s.Turns[turnRecord.ID] = turnRecord
	return nil
}

func (s *SessionStore) GetTurn(_ context.Context, turnID string) (storage.TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.Turns[turnID]
	if !ok {
		return storage.TurnRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *SessionStore) ListTurnsBySession(_ context.Context, sessionID string, pageSize int, pageToken string) (storage.TurnPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	afterTurn := 0
	if pageToken != "" {
		parsed, err := strconv.Atoi(pageToken)
		if err != nil {
			return storage.TurnPage{}, storage.ErrNotFound
		}
		afterTurn = parsed
	}

	var matched []storage.TurnRecord
	for _, record := range s.Turns {
		if record.SessionID == sessionID && record.TurnNumber > afterTurn {
			matched = append(matched, record)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].TurnNumber < matched[j].TurnNumber })

	page := storage.TurnPage{}
	for _, record := range matched {
		if len(page.Turns) == pageSize {
			page.NextPageToken = strconv.Itoa(page.Turns[pageSize-1].TurnNumber)
			break
		}
		page.Turns = append(page.Turns, record)
	}
	return page, nil
}

// WalletStore is an in-memory WalletStore fake.
type WalletStore struct {
	mu      sync.Mutex
	Wallets map[string]storage.WalletRecord
	Entries []storage.LedgerEntryRecord

	DebitErr error
}

// NewWalletStore constructs a WalletStore fake with initialized state maps.
func NewWalletStore() *WalletStore {
	return &WalletStore{Wallets: make(map[string]storage.WalletRecord)}
}

func (s *WalletStore) GetWallet(_ context.Context, ownerID string) (storage.WalletRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.Wallets[ownerID]
	if !ok {
		return storage.WalletRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *WalletStore) CreditWallet(_ context.Context, entry storage.LedgerEntryRecord) (storage.WalletRecord, error) {
	return s.apply(entry, true, nil)
}

func (s *WalletStore) DebitWallet(_ context.Context, entry storage.LedgerEntryRecord) (storage.WalletRecord, error) {
	return s.apply(entry, false, s.DebitErr)
}

func (s *WalletStore) ListLedgerEntries(_ context.Context, ownerID string) ([]storage.LedgerEntryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.LedgerEntryRecord
	for _, entry := range s.Entries {
		if entry.OwnerID == ownerID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *WalletStore) apply(entry storage.LedgerEntryRecord, createWallet bool, forcedErr error) (storage.WalletRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if forcedErr != nil {
		return storage.WalletRecord{}, forcedErr
	}
	for _, existing := range s.Entries {
		if existing.OwnerID == entry.OwnerID && existing.IdempotencyKey == entry.IdempotencyKey && existing.Reason == entry.Reason {
			return s.Wallets[entry.OwnerID], nil
		}
	}
	record, ok := s.Wallets[entry.OwnerID]
	if !ok {
		if !createWallet {
			return storage.WalletRecord{}, storage.ErrNotFound
		}
		record = storage.WalletRecord{OwnerID: entry.OwnerID, CreatedAt: entry.CreatedAt}
	}
	if record.Balance+entry.Amount < 0 {
		return storage.WalletRecord{}, storage.ErrInsufficientBalance
	}
	record.Balance += entry.Amount
	record.UpdatedAt = entry.CreatedAt
	s.Wallets[entry.OwnerID] = record
	s.Entries = append(s.Entries, entry)
	return record, nil
}

// IdempotencyStore is an in-memory IdempotencyStore fake.
type IdempotencyStore struct {
	mu      sync.Mutex
	Records map[string]storage.IdempotencyRecord
}

// NewIdempotencyStore constructs an IdempotencyStore fake.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{Records: make(map[string]storage.IdempotencyRecord)}
}

func recordKey(key, ownerID, sessionID, operation string) string {
	return key + "|" + ownerID + "|" + sessionID + "|" + operation
}

func (s *IdempotencyStore) BeginIdempotent(_ context.Context, record storage.IdempotencyRecord) (storage.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey(record.Key, record.OwnerID, record.SessionID, record.Operation)
	if existing, ok := s.Records[k]; ok {
		return existing, false, nil
	}
	record.Status = storage.IdempotencyPending
	s.Records[k] = record
	return record, true, nil
}

func (s *IdempotencyStore) FinalizeIdempotent(_ context.Context, key, ownerID, sessionID, operation string, status storage.IdempotencyStatus, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey(key, ownerID, sessionID, operation)
	record, ok := s.Records[k]
	if !ok || record.Status != storage.IdempotencyPending {
		return storage.ErrConflict
	}
	record.Status = status
	record.Response = response
	s.Records[k] = record
	return nil
}

func (s *IdempotencyStore) ReclaimIdempotent(_ context.Context, key, ownerID, sessionID, operation string, requestHash string) (storage.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey(key, ownerID, sessionID, operation)
	record, ok := s.Records[k]
	if !ok || record.Status != storage.IdempotencyFailed {
		return storage.IdempotencyRecord{}, storage.ErrConflict
	}
	record.Status = storage.IdempotencyPending
	record.RequestHash = requestHash
	record.Response = nil
	s.Records[k] = record
	return record, nil
}

// TelemetryStore is an in-memory TelemetryStore fake.
type TelemetryStore struct {
	mu     sync.Mutex
	Events []storage.TelemetryEvent
}

// NewTelemetryStore constructs a TelemetryStore fake.
func NewTelemetryStore() *TelemetryStore {
	return &TelemetryStore{}
}

func (s *TelemetryStore) AppendTelemetryEvent(_ context.Context, event storage.TelemetryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, event)
	return nil
}

// EventNames returns the recorded event names in order.
func (s *TelemetryStore) EventNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.Events))
	for _, event := range s.Events {
		names = append(names, event.Name)
	}
	return names
}
