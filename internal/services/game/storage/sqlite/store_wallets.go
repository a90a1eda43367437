package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
)

// GetWallet fetches a wallet record by owner.
func (s *Store) GetWallet(ctx context.Context, ownerID string) (storage.WalletRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.WalletRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.WalletRecord{}, fmt.Errorf("storage is not configured")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return storage.WalletRecord{}, fmt.Errorf("owner id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT owner_id, balance, created_at, updated_at
FROM wallets
WHERE owner_id = ?
`, ownerID)
	return scanWalletRow(row)
}

// CreditWallet appends a positive ledger entry, creating the wallet when
// absent. A replayed idempotency key returns the current wallet unchanged.
func (s *Store) CreditWallet(ctx context.Context, entry storage.LedgerEntryRecord) (storage.WalletRecord, error) {
	if entry.Amount <= 0 {
		return storage.WalletRecord{}, fmt.Errorf("credit amount must be greater than zero")
	}
	return s.applyLedgerEntry(ctx, entry, true)
}

// DebitWallet appends a negative ledger entry and decrements the balance in
// one transaction. A replayed key returns the current balance without a
// second charge; an overdraw fails with ErrInsufficientBalance.
func (s *Store) DebitWallet(ctx context.Context, entry storage.LedgerEntryRecord) (storage.WalletRecord, error) {
	if entry.Amount >= 0 {
		return storage.WalletRecord{}, fmt.Errorf("debit amount must be negative")
	}
	return s.applyLedgerEntry(ctx, entry, false)
}

// ListLedgerEntries returns all ledger entries for one owner, oldest first.
func (s *Store) ListLedgerEntries(ctx context.Context, ownerID string) ([]storage.LedgerEntryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, owner_id, amount, reason, idempotency_key, session_id, turn_id, created_at
FROM wallet_entries
WHERE owner_id = ?
ORDER BY created_at, id
`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []storage.LedgerEntryRecord
	for rows.Next() {
		var (
			rec       storage.LedgerEntryRecord
			createdAt int64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.OwnerID,
			&rec.Amount,
			&rec.Reason,
			&rec.IdempotencyKey,
			&rec.SessionID,
			&rec.TurnID,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger entry row: %w", err)
		}
		rec.CreatedAt = fromMillis(createdAt)
		entries = append(entries, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entry rows: %w", err)
	}
	return entries, nil
}

// applyLedgerEntry inserts one signed entry and adjusts the balance under a
// single transaction, enforcing key-level idempotency and the non-negative
// balance invariant.
func (s *Store) applyLedgerEntry(ctx context.Context, entry storage.LedgerEntryRecord, createWallet bool) (storage.WalletRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.WalletRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.WalletRecord{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entry.ID) == "" {
		return storage.WalletRecord{}, fmt.Errorf("entry id is required")
	}
	entry.OwnerID = strings.TrimSpace(entry.OwnerID)
	if entry.OwnerID == "" {
		return storage.WalletRecord{}, fmt.Errorf("owner id is required")
	}
	entry.IdempotencyKey = strings.TrimSpace(entry.IdempotencyKey)
	if entry.IdempotencyKey == "" {
		return storage.WalletRecord{}, fmt.Errorf("idempotency key is required")
	}
	if strings.TrimSpace(string(entry.Reason)) == "" {
		return storage.WalletRecord{}, fmt.Errorf("entry reason is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.WalletRecord{}, fmt.Errorf("begin ledger entry: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if createWallet {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO wallets (owner_id, balance, created_at, updated_at)
VALUES (?, 0, ?, ?)
ON CONFLICT(owner_id) DO NOTHING
`, entry.OwnerID, toMillis(entry.CreatedAt), toMillis(entry.CreatedAt)); err != nil {
			return storage.WalletRecord{}, fmt.Errorf("ensure wallet: %w", err)
		}
	}

	// Replayed keys return the current wallet without a second charge.
	var existing int
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM wallet_entries
WHERE owner_id = ? AND idempotency_key = ? AND reason = ?
`, entry.OwnerID, entry.IdempotencyKey, entry.Reason)
	if err := row.Scan(&existing); err == nil {
		wallet, err := scanWalletRow(tx.QueryRowContext(ctx, `
SELECT owner_id, balance, created_at, updated_at FROM wallets WHERE owner_id = ?
`, entry.OwnerID))
		if err != nil {
			return storage.WalletRecord{}, err
		}
		if err := tx.Commit(); err != nil {
			return storage.WalletRecord{}, fmt.Errorf("commit ledger replay: %w", err)
		}
		return wallet, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return storage.WalletRecord{}, fmt.Errorf("check ledger replay: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
UPDATE wallets
SET balance = balance + ?, updated_at = ?
WHERE owner_id = ? AND balance + ? >= 0
`, entry.Amount, toMillis(entry.CreatedAt), entry.OwnerID, entry.Amount)
	if err != nil {
		return storage.WalletRecord{}, fmt.Errorf("adjust balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storage.WalletRecord{}, fmt.Errorf("adjust balance rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		row := tx.QueryRowContext(ctx, `SELECT 1 FROM wallets WHERE owner_id = ?`, entry.OwnerID)
		if scanErr := row.Scan(&exists); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return storage.WalletRecord{}, storage.ErrNotFound
			}
			return storage.WalletRecord{}, fmt.Errorf("check wallet existence: %w", scanErr)
		}
		return storage.WalletRecord{}, storage.ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO wallet_entries (
	id, owner_id, amount, reason, idempotency_key, session_id, turn_id, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		entry.ID,
		entry.OwnerID,
		entry.Amount,
		entry.Reason,
		entry.IdempotencyKey,
		entry.SessionID,
		entry.TurnID,
		toMillis(entry.CreatedAt),
	); err != nil {
		return storage.WalletRecord{}, fmt.Errorf("insert ledger entry: %w", err)
	}

	wallet, err := scanWalletRow(tx.QueryRowContext(ctx, `
SELECT owner_id, balance, created_at, updated_at FROM wallets WHERE owner_id = ?
`, entry.OwnerID))
	if err != nil {
		return storage.WalletRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		return storage.WalletRecord{}, fmt.Errorf("commit ledger entry: %w", err)
	}
	return wallet, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWalletRow(row rowScanner) (storage.WalletRecord, error) {
	var (
		rec       storage.WalletRecord
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&rec.OwnerID, &rec.Balance, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.WalletRecord{}, storage.ErrNotFound
		}
		return storage.WalletRecord{}, fmt.Errorf("scan wallet: %w", err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}
