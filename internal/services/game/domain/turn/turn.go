// Package turn models one immutable pipeline result: the narrative act, the
// choices offered to the player, and the state deltas the act produced.
package turn

import (
	"strings"
	"time"
)

const (
	// MinNarrativeLength is the shortest narrative accepted after trimming.
	// Anything shorter is a degenerate generation, not a playable act.
	MinNarrativeLength = 10

	// DefaultEmotion is used when generation omits or mangles the emotion.
	DefaultEmotion = "neutral"
)

// Choice is one player option offered at the end of a turn.
type Choice struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Draft is the normalized generation output before persistence. It carries
// only what the applier needs to produce a Turn and advance session state.
type Draft struct {
	Narrative          string
	Emotion            string
	Choices            []Choice
	RelationshipDeltas map[string]int
	FactionDeltas      map[string]int
	WorldDeltas        map[string]any
}

// Meta captures how a turn was produced.
type Meta struct {
	Model           string   `json:"model,omitempty"`
	Attempts        int      `json:"attempts,omitempty"`
	Repaired        bool     `json:"repaired,omitempty"`
	EstimatedTokens int      `json:"estimated_tokens,omitempty"`
	BudgetTokens    int      `json:"budget_tokens,omitempty"`
	IncludedPieces  []string `json:"included_pieces,omitempty"`
	DroppedPieces   []string `json:"dropped_pieces,omitempty"`
}

// Turn is one persisted pipeline result.
type Turn struct {
	ID                 string
	SessionID          string
	TurnNumber         int
	Narrative          string
	Emotion            string
	Choices            []Choice
	RelationshipDeltas map[string]int
	FactionDeltas      map[string]int
	Meta               Meta
	CreatedAt          time.Time
}

// DTO is the wire representation of a turn returned to clients.
type DTO struct {
	ID                 string         `json:"id"`
	SessionID          string         `json:"sessionId"`
	TurnNumber         int            `json:"turnNumber"`
	Narrative          string         `json:"narrative"`
	Emotion            string         `json:"emotion"`
	Choices            []Choice       `json:"choices"`
	RelationshipDeltas map[string]int `json:"relationshipDeltas,omitempty"`
	FactionDeltas      map[string]int `json:"factionDeltas,omitempty"`
	BalanceAfter       int            `json:"balanceAfter"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// ToDTO converts a turn to its wire representation, stamping the wallet
// balance observed after the turn's debit.
func (t Turn) ToDTO(balanceAfter int) DTO {
	choices := t.Choices
	if choices == nil {
		choices = []Choice{}
	}
	return DTO{
		ID:                 t.ID,
		SessionID:          t.SessionID,
		TurnNumber:         t.TurnNumber,
		Narrative:          t.Narrative,
		Emotion:            t.Emotion,
		Choices:            choices,
		RelationshipDeltas: t.RelationshipDeltas,
		FactionDeltas:      t.FactionDeltas,
		BalanceAfter:       balanceAfter,
		CreatedAt:          t.CreatedAt,
	}
}

// DefaultChoices returns the deterministic fallback options used when
// generation produces none. The IDs are stable so clients can key on them.
func DefaultChoices() []Choice {
	return []Choice{
		{ID: "continue", Label: "Continue"},
		{ID: "look", Label: "Look around"},
		{ID: "rest", Label: "Take a moment to rest"},
	}
}

// ValidNarrative reports whether a narrative is long enough to play.
func ValidNarrative(narrative string) bool {
	return len(strings.TrimSpace(narrative)) >= MinNarrativeLength
}

// NormalizeEmotion trims and lowercases an emotion, defaulting when empty.
func NormalizeEmotion(emotion string) string {
	emotion = strings.ToLower(strings.TrimSpace(emotion))
	if emotion == "" {
		return DefaultEmotion
	}
	return emotion
}
