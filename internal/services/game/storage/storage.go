package storage

import (
	"context"
	"time"

	apperrors "github.com/Daakon/stone-caster-2-sub003/internal/platform/errors"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/session"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/turn"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/wallet"
)

// ErrNotFound indicates a requested persistence record is missing.
// Callers use this to differentiate between legitimate "no such entity"
// states and transport or data corruption failures.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrConflict indicates an atomic insert lost to an existing row, e.g. a
// concurrent in-flight duplicate of the same idempotency tuple.
var ErrConflict = apperrors.New(apperrors.CodeConflict, "record conflict")

// ErrInsufficientBalance indicates a debit would take a wallet negative.
var ErrInsufficientBalance = apperrors.New(apperrors.CodeInsufficientResource, "balance too low")

// SessionRecord captures one running narrative instance.
type SessionRecord struct {
	ID           string
	OwnerID      string
	Guest        bool
	WorldID      string
	CharacterID  string
	EntryPointID string
	TurnCount    int
	State        session.Snapshot
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TurnRecord captures one immutable pipeline result.
type TurnRecord struct {
	ID                 string
	SessionID          string
	TurnNumber         int
	Narrative          string
	Emotion            string
	Choices            []turn.Choice
	RelationshipDeltas map[string]int
	FactionDeltas      map[string]int
	Meta               turn.Meta
	CreatedAt          time.Time
}

// TurnPage is a paged set of turns.
type TurnPage struct {
	Turns         []TurnRecord
	NextPageToken string
}

// WalletRecord captures a per-owner balance.
type WalletRecord struct {
	OwnerID   string
	Balance   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntryRecord captures one signed wallet delta.
type LedgerEntryRecord struct {
	ID             string
	OwnerID        string
	Amount         int
	Reason         wallet.EntryReason
	IdempotencyKey string
	SessionID      string
	TurnID         string
	CreatedAt      time.Time
}

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	// IdempotencyPending marks an in-flight request holding the tuple.
	IdempotencyPending IdempotencyStatus = "pending"
	// IdempotencyCompleted marks a finished request with a cached response.
	IdempotencyCompleted IdempotencyStatus = "completed"
	// IdempotencyFailed marks a finished request that produced no response.
	IdempotencyFailed IdempotencyStatus = "failed"
)

// IdempotencyRecord captures at-most-once execution state for one logical
// operation. Exactly one row exists per (key, owner, session, operation)
// tuple for the lifetime of the key.
type IdempotencyRecord struct {
	Key         string
	OwnerID     string
	SessionID   string
	Operation   string
	RequestHash string
	Status      IdempotencyStatus
	Response    []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// TelemetryEvent is one structured observability event.
type TelemetryEvent struct {
	Name       string
	SessionID  string
	OwnerID    string
	DurationMs int64
	Attributes map[string]string
	Timestamp  time.Time
}

// SessionStore owns session lifecycle reads and the transactional turn append.
type SessionStore interface {
	PutSession(ctx context.Context, record SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)
	// AppendTurn atomically inserts the turn, replaces the session state
	// snapshot, and advances the turn counter. The turn number must equal
	// the session's prior counter plus one or the append is rejected.
	AppendTurn(ctx context.Context, sessionRecord SessionRecord, turnRecord TurnRecord) error
}

// TurnStore owns turn history reads.
type TurnStore interface {
	GetTurn(ctx context.Context, turnID string) (TurnRecord, error)
	ListTurnsBySession(ctx context.Context, sessionID string, pageSize int, pageToken string) (TurnPage, error)
}

// WalletStore owns balances and the append-only ledger.
type WalletStore interface {
	GetWallet(ctx context.Context, ownerID string) (WalletRecord, error)
	// CreditWallet appends a positive entry, creating the wallet when absent.
	// Crediting is idempotent on the entry's idempotency key.
	CreditWallet(ctx context.Context, entry LedgerEntryRecord) (WalletRecord, error)
	// DebitWallet appends a negative entry and decrements the balance in one
	// transaction. A replayed key returns the current balance without a second
	// charge; a debit that would take the balance negative fails with
	// ErrInsufficientBalance and writes nothing.
	DebitWallet(ctx context.Context, entry LedgerEntryRecord) (WalletRecord, error)
	ListLedgerEntries(ctx context.Context, ownerID string) ([]LedgerEntryRecord, error)
}

// IdempotencyStore owns at-most-once request records.
type IdempotencyStore interface {
	// BeginIdempotent atomically claims the tuple with a pending record.
	// When a record already exists it is returned with created=false and no
	// row is written.
	BeginIdempotent(ctx context.Context, record IdempotencyRecord) (IdempotencyRecord, bool, error)
	// FinalizeIdempotent transitions a pending record to its terminal status.
	FinalizeIdempotent(ctx context.Context, key, ownerID, sessionID, operation string, status IdempotencyStatus, response []byte) error
	// ReclaimIdempotent resets a failed record to pending so the tuple can be
	// retried without growing a second row.
	ReclaimIdempotent(ctx context.Context, key, ownerID, sessionID, operation string, requestHash string) (IdempotencyRecord, error)
}

// TelemetryStore accepts structured observability events.
type TelemetryStore interface {
	AppendTelemetryEvent(ctx context.Context, event TelemetryEvent) error
}
