package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/session"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
)

// PutSession persists a session record, replacing mutable fields on conflict.
func (s *Store) PutSession(ctx context.Context, record storage.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(record.OwnerID) == "" {
		return fmt.Errorf("owner id is required")
	}
	if strings.TrimSpace(record.WorldID) == "" {
		return fmt.Errorf("world id is required")
	}

	state, err := encodeJSON(record.State, "{}")
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (
	id, owner_id, guest, world_id, character_id, entry_point_id, turn_count, state, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	owner_id = excluded.owner_id,
	guest = excluded.guest,
	world_id = excluded.world_id,
	character_id = excluded.character_id,
	entry_point_id = excluded.entry_point_id,
	turn_count = excluded.turn_count,
	state = excluded.state,
	updated_at = excluded.updated_at
`,
		record.ID,
		record.OwnerID,
		record.Guest,
		record.WorldID,
		record.CharacterID,
		record.EntryPointID,
		record.TurnCount,
		state,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession fetches a session record by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SessionRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SessionRecord{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return storage.SessionRecord{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, owner_id, guest, world_id, character_id, entry_point_id, turn_count, state, created_at, updated_at
FROM sessions
WHERE id = ?
`, sessionID)

	return scanSessionRow(row)
}

// AppendTurn atomically inserts the turn, replaces the session state, and
// advances the turn counter. The counter guard makes concurrent appends for
// the same session lose cleanly instead of double-writing a turn number.
func (s *Store) AppendTurn(ctx context.Context, sessionRecord storage.SessionRecord, turnRecord storage.TurnRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionRecord.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(turnRecord.ID) == "" {
		return fmt.Errorf("turn id is required")
	}
	if turnRecord.SessionID != sessionRecord.ID {
		return fmt.Errorf("turn session id %q does not match session %q", turnRecord.SessionID, sessionRecord.ID)
	}
	if turnRecord.TurnNumber != sessionRecord.TurnCount {
		return fmt.Errorf("turn number %d does not match session counter %d", turnRecord.TurnNumber, sessionRecord.TurnCount)
	}

	state, err := encodeJSON(sessionRecord.State, "{}")
	if err != nil {
		return err
	}
	choices, err := encodeJSON(turnRecord.Choices, "[]")
	if err != nil {
		return err
	}
	relationshipDeltas, err := encodeJSON(turnRecord.RelationshipDeltas, "{}")
	if err != nil {
		return err
	}
	factionDeltas, err := encodeJSON(turnRecord.FactionDeltas, "{}")
	if err != nil {
		return err
	}
	meta, err := encodeJSON(turnRecord.Meta, "{}")
	if err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append turn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE sessions
SET turn_count = ?, state = ?, updated_at = ?
WHERE id = ? AND turn_count = ?
`,
		turnRecord.TurnNumber,
		state,
		toMillis(sessionRecord.UpdatedAt),
		sessionRecord.ID,
		turnRecord.TurnNumber-1,
	)
	if err != nil {
		return fmt.Errorf("advance session counter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance session counter rows affected: %w", err)
	}
	if affected == 0 {
		// Either the session is missing or another turn advanced it first.
		var exists int
		row := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionRecord.ID)
		if scanErr := row.Scan(&exists); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("check session existence: %w", scanErr)
		}
		return storage.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO turns (
	id, session_id, turn_number, narrative, emotion, choices, relationship_deltas, faction_deltas, meta, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		turnRecord.ID,
		turnRecord.SessionID,
		turnRecord.TurnNumber,
		turnRecord.Narrative,
		turnRecord.Emotion,
		choices,
		relationshipDeltas,
		factionDeltas,
		meta,
		toMillis(turnRecord.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append turn: %w", err)
	}
	return nil
}

func scanSessionRow(row *sql.Row) (storage.SessionRecord, error) {
	var (
		rec       storage.SessionRecord
		stateRaw  string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Guest,
		&rec.WorldID,
		&rec.CharacterID,
		&rec.EntryPointID,
		&rec.TurnCount,
		&stateRaw,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SessionRecord{}, storage.ErrNotFound
		}
		return storage.SessionRecord{}, fmt.Errorf("get session: %w", err)
	}

	state := session.NewSnapshot()
	if err := decodeJSON(stateRaw, &state); err != nil {
		return storage.SessionRecord{}, err
	}
	rec.State = state
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}
