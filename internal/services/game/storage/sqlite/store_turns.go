package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
)

const turnColumns = "id, session_id, turn_number, narrative, emotion, choices, relationship_deltas, faction_deltas, meta, created_at"

// GetTurn fetches a turn record by ID.
func (s *Store) GetTurn(ctx context.Context, turnID string) (storage.TurnRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.TurnRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.TurnRecord{}, fmt.Errorf("storage is not configured")
	}
	turnID = strings.TrimSpace(turnID)
	if turnID == "" {
		return storage.TurnRecord{}, fmt.Errorf("turn id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+turnColumns+`
FROM turns
WHERE id = ?
`, turnID)

	rec, err := scanTurn(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.TurnRecord{}, storage.ErrNotFound
		}
		return storage.TurnRecord{}, fmt.Errorf("get turn: %w", err)
	}
	return rec, nil
}

// ListTurnsBySession returns a page of turns ordered by turn number. The page
// token is the last seen turn number.
func (s *Store) ListTurnsBySession(ctx context.Context, sessionID string, pageSize int, pageToken string) (storage.TurnPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.TurnPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.TurnPage{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return storage.TurnPage{}, fmt.Errorf("session id is required")
	}
	if pageSize <= 0 {
		return storage.TurnPage{}, fmt.Errorf("page size must be greater than zero")
	}

	afterTurn := 0
	if token := strings.TrimSpace(pageToken); token != "" {
		parsed, err := strconv.Atoi(token)
		if err != nil || parsed < 0 {
			return storage.TurnPage{}, fmt.Errorf("page token %q is invalid", pageToken)
		}
		afterTurn = parsed
	}

	limit := pageSize + 1
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+turnColumns+`
FROM turns
WHERE session_id = ? AND turn_number > ?
ORDER BY turn_number
LIMIT ?
`, sessionID, afterTurn, limit)
	if err != nil {
		return storage.TurnPage{}, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	page := storage.TurnPage{Turns: make([]storage.TurnRecord, 0, pageSize)}
	for rows.Next() {
		rec, err := scanTurn(rows.Scan)
		if err != nil {
			return storage.TurnPage{}, fmt.Errorf("scan turn row: %w", err)
		}
		page.Turns = append(page.Turns, rec)
	}
	if err := rows.Err(); err != nil {
		return storage.TurnPage{}, fmt.Errorf("iterate turn rows: %w", err)
	}

	if len(page.Turns) > pageSize {
		page.NextPageToken = strconv.Itoa(page.Turns[pageSize-1].TurnNumber)
		page.Turns = page.Turns[:pageSize]
	}
	return page, nil
}

func scanTurn(scan func(dest ...any) error) (storage.TurnRecord, error) {
	var (
		rec                   storage.TurnRecord
		choicesRaw            string
		relationshipDeltasRaw string
		factionDeltasRaw      string
		metaRaw               string
		createdAt             int64
	)
	if err := scan(
		&rec.ID,
		&rec.SessionID,
		&rec.TurnNumber,
		&rec.Narrative,
		&rec.Emotion,
		&choicesRaw,
		&relationshipDeltasRaw,
		&factionDeltasRaw,
		&metaRaw,
		&createdAt,
	); err != nil {
		return storage.TurnRecord{}, err
	}
	if err := decodeJSON(choicesRaw, &rec.Choices); err != nil {
		return storage.TurnRecord{}, err
	}
	if err := decodeJSON(relationshipDeltasRaw, &rec.RelationshipDeltas); err != nil {
		return storage.TurnRecord{}, err
	}
	if err := decodeJSON(factionDeltasRaw, &rec.FactionDeltas); err != nil {
		return storage.TurnRecord{}, err
	}
	if err := decodeJSON(metaRaw, &rec.Meta); err != nil {
		return storage.TurnRecord{}, err
	}
	rec.CreatedAt = fromMillis(createdAt)
	return rec, nil
}
