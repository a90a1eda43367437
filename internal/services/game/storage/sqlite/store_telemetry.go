package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
)

// AppendTelemetryEvent records one structured observability event.
func (s *Store) AppendTelemetryEvent(ctx context.Context, event storage.TelemetryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(event.Name) == "" {
		return fmt.Errorf("event name is required")
	}

	attributes, err := encodeJSON(event.Attributes, "{}")
	if err != nil {
		return err
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO telemetry_events (name, session_id, owner_id, duration_ms, attributes, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		event.Name,
		event.SessionID,
		event.OwnerID,
		event.DurationMs,
		attributes,
		toMillis(event.Timestamp),
	); err != nil {
		return fmt.Errorf("append telemetry event: %w", err)
	}
	return nil
}
