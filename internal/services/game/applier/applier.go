// Package applier commits a normalized draft: it merges state deltas into
// the session snapshot and appends the turn in one transactional write.
// Numeric deltas add, scalars replace, so applying deltas in any grouping
// yields the same state.
package applier

import (
	"context"
	"fmt"
	"time"

	"github.com/Daakon/stone-caster-2-sub003/internal/platform/id"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/session"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/turn"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
)

// Input carries one draft to commit against a session.
type Input struct {
	Session storage.SessionRecord
	Draft   turn.Draft
	Meta    turn.Meta
}

// Result is the committed turn and the advanced session record.
type Result struct {
	Turn    storage.TurnRecord
	Session storage.SessionRecord
}

// Applier merges drafts into session state and persists the turn.
type Applier struct {
	store       storage.SessionStore
	now         func() time.Time
	idGenerator func() (string, error)
}

// New creates an applier over a SessionStore.
func New(store storage.SessionStore) *Applier {
	return &Applier{store: store, now: time.Now, idGenerator: id.NewID}
}

// Apply stages the merged state, then appends the turn with number
// TurnCount+1. The store's counter guard rejects concurrent appends, so a
// lost race surfaces as storage.ErrConflict and nothing is written.
func (a *Applier) Apply(ctx context.Context, input Input) (Result, error) {
	if a == nil || a.store == nil {
		return Result{}, fmt.Errorf("session store is not configured")
	}

	state := input.Session.State.Clone()
	for key, delta := range input.Draft.RelationshipDeltas {
		state.AddNumeric(session.SectionRelationships, key, delta)
	}
	for key, delta := range input.Draft.FactionDeltas {
		state.AddNumeric(session.SectionFactions, key, delta)
	}
	state.SetScalars(session.SectionFlags, input.Draft.WorldDeltas)

	turnID, err := a.idGenerator()
	if err != nil {
		return Result{}, fmt.Errorf("generate turn id: %w", err)
	}

	now := a.clock()
	turnRecord := storage.TurnRecord{
		ID:                 turnID,
		SessionID:          input.Session.ID,
		TurnNumber:         input.Session.TurnCount + 1,
		Narrative:          input.Draft.Narrative,
		Emotion:            input.Draft.Emotion,
		Choices:            input.Draft.Choices,
		RelationshipDeltas: input.Draft.RelationshipDeltas,
		FactionDeltas:      input.Draft.FactionDeltas,
		Meta:               input.Meta,
		CreatedAt:          now,
	}

	sessionRecord := input.Session
	sessionRecord.TurnCount = turnRecord.TurnNumber
	sessionRecord.State = state
	sessionRecord.UpdatedAt = now

	if err := a.store.AppendTurn(ctx, sessionRecord, turnRecord); err != nil {
		return Result{}, err
	}
	return Result{Turn: turnRecord, Session: sessionRecord}, nil
}

func (a *Applier) clock() time.Time {
	if a.now == nil {
		return time.Now().UTC()
	}
	return a.now().UTC()
}
