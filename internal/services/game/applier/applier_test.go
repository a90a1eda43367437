package applier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/session"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/turn"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
)

type fakeSessionStore struct {
	appendErr    error
	appendedTurn storage.TurnRecord
	savedSession storage.SessionRecord
	appendCalls  int
}

func (f *fakeSessionStore) PutSession(context.Context, storage.SessionRecord) error { return nil }

func (f *fakeSessionStore) GetSession(context.Context, string) (storage.SessionRecord, error) {
	return storage.SessionRecord{}, storage.ErrNotFound
}

func (f *fakeSessionStore) AppendTurn(_ context.Context, sessionRecord storage.SessionRecord, turnRecord storage.TurnRecord) error {
	f.appendCalls++
	if f.appendErr != nil {
		return f.appendErr
	}
	f.savedSession = sessionRecord
	f.appendedTurn = turnRecord
	return nil
}

func newTestApplier(store storage.SessionStore) *Applier {
	a := New(store)
	a.now = func() time.Time { return time.Date(2026, 4, 5, 15, 0, 0, 0, time.UTC) }
	a.idGenerator = func() (string, error) { return "turn-id-1", nil }
	return a
}

func baseSession() storage.SessionRecord {
	return storage.SessionRecord{
		ID:        "session-1",
		OwnerID:   "owner-1",
		WorldID:   "world-1",
		TurnCount: 2,
		State: session.Snapshot{
			session.KeyScene: "tavern",
			session.SectionRelationships: map[string]any{
				"npc.kiera": 2,
			},
			session.SectionFlags: map[string]any{
				"gate_open": false,
			},
		},
	}
}

func TestApplyMergesDeltasAndAdvancesCounter(t *testing.T) {
	store := &fakeSessionStore{}
	a := newTestApplier(store)

	result, err := a.Apply(context.Background(), Input{
		Session: baseSession(),
		Draft: turn.Draft{
			Narrative:          "The gate swings wide at your word.",
			Emotion:            "triumphant",
			Choices:            []turn.Choice{{ID: "enter", Label: "Enter"}},
			RelationshipDeltas: map[string]int{"npc.kiera": 1, "npc.alden": -2},
			FactionDeltas:      map[string]int{"city_watch": 1},
			WorldDeltas:        map[string]any{"gate_open": true},
		},
		Meta: turn.Meta{Model: "gpt-test", Attempts: 1},
	})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	if result.Turn.TurnNumber != 3 {
		t.Fatalf("turn number = %d, want 3", result.Turn.TurnNumber)
	}
	if result.Session.TurnCount != 3 {
		t.Fatalf("session turn count = %d, want 3", result.Session.TurnCount)
	}

	state := result.Session.State
	if got := state.Numeric(session.SectionRelationships, "npc.kiera"); got != 3 {
		t.Errorf("npc.kiera = %d, want 3 (2 existing + 1 delta)", got)
	}
	if got := state.Numeric(session.SectionRelationships, "npc.alden"); got != -2 {
		t.Errorf("npc.alden = %d, want -2 (created by delta)", got)
	}
	if got := state.Numeric(session.SectionFactions, "city_watch"); got != 1 {
		t.Errorf("city_watch = %d, want 1", got)
	}
	flags, _ := state[session.SectionFlags].(map[string]any)
	if flags["gate_open"] != true {
		t.Errorf("gate_open = %v, want true (scalar replaced)", flags["gate_open"])
	}
	if store.appendedTurn.ID != "turn-id-1" {
		t.Errorf("turn id = %q", store.appendedTurn.ID)
	}
}

func TestApplyDoesNotMutateInputSession(t *testing.T) {
	store := &fakeSessionStore{}
	a := newTestApplier(store)
	original := baseSession()

	_, err := a.Apply(context.Background(), Input{
		Session: original,
		Draft: turn.Draft{
			Narrative:          "A long enough narrative for the applier.",
			RelationshipDeltas: map[string]int{"npc.kiera": 5},
		},
	})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	if got := original.State.Numeric(session.SectionRelationships, "npc.kiera"); got != 2 {
		t.Fatalf("input session mutated: npc.kiera = %d, want 2", got)
	}
	if original.TurnCount != 2 {
		t.Fatalf("input turn count mutated: %d", original.TurnCount)
	}
}

func TestApplyIsAssociativeAcrossGroupings(t *testing.T) {
	// Applying {+1} then {+2} must land on the same state as {+3} once.
	run := func(deltaSets []map[string]int) session.Snapshot {
		store := &fakeSessionStore{}
		a := newTestApplier(store)
		current := baseSession()
		for _, deltas := range deltaSets {
			result, err := a.Apply(context.Background(), Input{
				Session: current,
				Draft: turn.Draft{
					Narrative:          "A long enough narrative for the applier.",
					RelationshipDeltas: deltas,
				},
			})
			if err != nil {
				t.Fatalf("Apply() error: %v", err)
			}
			current = result.Session
		}
		return current.State
	}

	split := run([]map[string]int{{"npc.kiera": 1}, {"npc.kiera": 2}})
	combined := run([]map[string]int{{"npc.kiera": 3}})

	if split.Numeric(session.SectionRelationships, "npc.kiera") != combined.Numeric(session.SectionRelationships, "npc.kiera") {
		t.Fatal("delta application is not associative")
	}
}

func TestApplyPropagatesStoreConflict(t *testing.T) {
	store := &fakeSessionStore{appendErr: storage.ErrConflict}
	a := newTestApplier(store)

	_, err := a.Apply(context.Background(), Input{
		Session: baseSession(),
		Draft:   turn.Draft{Narrative: "A long enough narrative for the applier."},
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("Apply() error = %v, want %v", err, storage.ErrConflict)
	}
}
