// Package session models one running narrative instance: the owner playing
// it, the world it runs in, and the mutable state snapshot turns advance.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Daakon/stone-caster-2-sub003/internal/platform/id"
)

var (
	// ErrEmptyOwnerID indicates an owner ID is required.
	ErrEmptyOwnerID = errors.New("owner id is required")
	// ErrEmptyWorldID indicates a world ID is required.
	ErrEmptyWorldID = errors.New("world id is required")
	// ErrEmptyCharacterID indicates a character ID is required.
	ErrEmptyCharacterID = errors.New("character id is required")
)

// Session is the domain model for one running narrative instance.
type Session struct {
	ID           string
	OwnerID      string
	Guest        bool
	WorldID      string
	CharacterID  string
	EntryPointID string
	TurnCount    int
	State        Snapshot
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateInput captures caller-provided fields for creating a session.
type CreateInput struct {
	OwnerID      string
	Guest        bool
	WorldID      string
	CharacterID  string
	EntryPointID string
	State        Snapshot
}

// NormalizeCreateInput validates and canonicalizes create input.
func NormalizeCreateInput(input CreateInput) (CreateInput, error) {
	input.OwnerID = strings.TrimSpace(input.OwnerID)
	if input.OwnerID == "" {
		return CreateInput{}, ErrEmptyOwnerID
	}

	input.WorldID = strings.TrimSpace(input.WorldID)
	if input.WorldID == "" {
		return CreateInput{}, ErrEmptyWorldID
	}

	input.CharacterID = strings.TrimSpace(input.CharacterID)
	if input.CharacterID == "" {
		return CreateInput{}, ErrEmptyCharacterID
	}

	input.EntryPointID = strings.TrimSpace(input.EntryPointID)
	if input.State == nil {
		input.State = NewSnapshot()
	}

	return input, nil
}

// Create constructs a normalized session with a generated identifier and a
// zero turn counter.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateInput(input)
	if err != nil {
		return Session{}, err
	}

	sessionID, err := idGenerator()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	createdAt := now().UTC()
	return Session{
		ID:           sessionID,
		OwnerID:      normalized.OwnerID,
		Guest:        normalized.Guest,
		WorldID:      normalized.WorldID,
		CharacterID:  normalized.CharacterID,
		EntryPointID: normalized.EntryPointID,
		TurnCount:    0,
		State:        normalized.State,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}, nil
}
