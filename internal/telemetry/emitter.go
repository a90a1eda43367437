// Package telemetry records operational events emitted by the turn pipeline.
package telemetry

import (
	"context"
	"time"

	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
)

// Event names emitted by the turn pipeline.
const (
	EventTurnCreated = "turn.created"
	EventTurnFailed  = "turn.failed"
)

// Emitter records operational telemetry events.
type Emitter struct {
	store storage.TelemetryStore
	clock func() time.Time
}

// NewEmitter creates a new telemetry emitter.
func NewEmitter(store storage.TelemetryStore) *Emitter {
	return &Emitter{store: store, clock: time.Now}
}

// Emit records a telemetry event. It is a no-op when the store is nil, so
// callers never branch on whether telemetry is wired.
func (e *Emitter) Emit(ctx context.Context, evt storage.TelemetryEvent) error {
	if e == nil || e.store == nil {
		return nil
	}
	if evt.Timestamp.IsZero() {
		if e.clock == nil {
			evt.Timestamp = time.Now().UTC()
		} else {
			evt.Timestamp = e.clock().UTC()
		}
	}
	return e.store.AppendTelemetryEvent(ctx, evt)
}
