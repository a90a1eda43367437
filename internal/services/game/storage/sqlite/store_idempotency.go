package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
)

// BeginIdempotent atomically claims the tuple with a pending record. When a
// record already exists it is returned unchanged with created=false.
func (s *Store) BeginIdempotent(ctx context.Context, record storage.IdempotencyRecord) (storage.IdempotencyRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return storage.IdempotencyRecord{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.IdempotencyRecord{}, false, fmt.Errorf("storage is not configured")
	}
	if err := validateIdempotencyTuple(record.Key, record.OwnerID, record.SessionID, record.Operation); err != nil {
		return storage.IdempotencyRecord{}, false, err
	}

	record.Status = storage.IdempotencyPending
	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO idempotency_records (
	key, owner_id, session_id, operation, request_hash, status, response, created_at, updated_at, completed_at
) VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL)
ON CONFLICT(key, owner_id, session_id, operation) DO NOTHING
`,
		record.Key,
		record.OwnerID,
		record.SessionID,
		record.Operation,
		record.RequestHash,
		record.Status,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return storage.IdempotencyRecord{}, false, fmt.Errorf("begin idempotent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storage.IdempotencyRecord{}, false, fmt.Errorf("begin idempotent rows affected: %w", err)
	}
	if affected == 1 {
		return record, true, nil
	}

	existing, err := s.getIdempotent(ctx, record.Key, record.OwnerID, record.SessionID, record.Operation)
	if err != nil {
		return storage.IdempotencyRecord{}, false, err
	}
	return existing, false, nil
}

// FinalizeIdempotent transitions a pending record to its terminal status.
// Finalizing a record that is no longer pending fails with ErrConflict so a
// terminal status is written exactly once.
func (s *Store) FinalizeIdempotent(ctx context.Context, key, ownerID, sessionID, operation string, status storage.IdempotencyStatus, response []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := validateIdempotencyTuple(key, ownerID, sessionID, operation); err != nil {
		return err
	}
	if status != storage.IdempotencyCompleted && status != storage.IdempotencyFailed {
		return fmt.Errorf("status %q is not terminal", status)
	}

	now := nowMillis()
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE idempotency_records
SET status = ?, response = ?, updated_at = ?, completed_at = ?
WHERE key = ? AND owner_id = ? AND session_id = ? AND operation = ? AND status = ?
`,
		status,
		nullableText(response),
		now,
		now,
		key,
		ownerID,
		sessionID,
		operation,
		storage.IdempotencyPending,
	)
	if err != nil {
		return fmt.Errorf("finalize idempotent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize idempotent rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrConflict
	}
	return nil
}

// ReclaimIdempotent resets a failed record to pending so the tuple can be
// retried without growing a second row. Reclaiming a pending or completed
// record fails with ErrConflict.
func (s *Store) ReclaimIdempotent(ctx context.Context, key, ownerID, sessionID, operation string, requestHash string) (storage.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.IdempotencyRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.IdempotencyRecord{}, fmt.Errorf("storage is not configured")
	}
	if err := validateIdempotencyTuple(key, ownerID, sessionID, operation); err != nil {
		return storage.IdempotencyRecord{}, err
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE idempotency_records
SET status = ?, request_hash = ?, response = NULL, updated_at = ?, completed_at = NULL
WHERE key = ? AND owner_id = ? AND session_id = ? AND operation = ? AND status = ?
`,
		storage.IdempotencyPending,
		requestHash,
		nowMillis(),
		key,
		ownerID,
		sessionID,
		operation,
		storage.IdempotencyFailed,
	)
	if err != nil {
		return storage.IdempotencyRecord{}, fmt.Errorf("reclaim idempotent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storage.IdempotencyRecord{}, fmt.Errorf("reclaim idempotent rows affected: %w", err)
	}
	if affected == 0 {
		return storage.IdempotencyRecord{}, storage.ErrConflict
	}
	return s.getIdempotent(ctx, key, ownerID, sessionID, operation)
}

func (s *Store) getIdempotent(ctx context.Context, key, ownerID, sessionID, operation string) (storage.IdempotencyRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT key, owner_id, session_id, operation, request_hash, status, response, created_at, updated_at, completed_at
FROM idempotency_records
WHERE key = ? AND owner_id = ? AND session_id = ? AND operation = ?
`, key, ownerID, sessionID, operation)

	var (
		rec         storage.IdempotencyRecord
		response    sql.NullString
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(
		&rec.Key,
		&rec.OwnerID,
		&rec.SessionID,
		&rec.Operation,
		&rec.RequestHash,
		&rec.Status,
		&response,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.IdempotencyRecord{}, storage.ErrNotFound
		}
		return storage.IdempotencyRecord{}, fmt.Errorf("get idempotent: %w", err)
	}
	if response.Valid {
		rec.Response = []byte(response.String)
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	rec.CompletedAt = fromNullMillis(completedAt)
	return rec, nil
}

func validateIdempotencyTuple(key, ownerID, sessionID, operation string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("idempotency key is required")
	}
	if strings.TrimSpace(ownerID) == "" {
		return fmt.Errorf("owner id is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(operation) == "" {
		return fmt.Errorf("operation is required")
	}
	return nil
}

func nullableText(value []byte) sql.NullString {
	if len(value) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(value), Valid: true}
}
