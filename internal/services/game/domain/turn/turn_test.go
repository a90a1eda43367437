package turn

import (
	"testing"
	"time"
)

func TestValidNarrative(t *testing.T) {
	tests := []struct {
		name      string
		narrative string
		want      bool
	}{
		{name: "long enough", narrative: "The gate creaks open before you.", want: true},
		{name: "exactly minimum", narrative: "abcdefghij", want: true},
		{name: "too short", narrative: "Go north.", want: false},
		{name: "whitespace padding does not count", narrative: "   short   ", want: false},
		{name: "empty", narrative: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidNarrative(tt.narrative); got != tt.want {
				t.Errorf("ValidNarrative(%q) = %v, want %v", tt.narrative, got, tt.want)
			}
		})
	}
}

func TestNormalizeEmotion(t *testing.T) {
	tests := []struct {
		name    string
		emotion string
		want    string
	}{
		{name: "passthrough", emotion: "tense", want: "tense"},
		{name: "lowercased", emotion: "Joyful", want: "joyful"},
		{name: "trimmed", emotion: "  calm  ", want: "calm"},
		{name: "empty defaults", emotion: "", want: DefaultEmotion},
		{name: "whitespace defaults", emotion: "   ", want: DefaultEmotion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeEmotion(tt.emotion); got != tt.want {
				t.Errorf("NormalizeEmotion(%q) = %q, want %q", tt.emotion, got, tt.want)
			}
		})
	}
}

func TestDefaultChoicesAreStable(t *testing.T) {
	first := DefaultChoices()
	second := DefaultChoices()

	if len(first) == 0 {
		t.Fatal("DefaultChoices() returned no choices")
	}
	if len(first) != len(second) {
		t.Fatalf("DefaultChoices() length varies: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("choice %d differs across calls: %+v vs %+v", i, first[i], second[i])
		}
	}
	for _, c := range first {
		if c.ID == "" || c.Label == "" {
			t.Errorf("choice %+v missing id or label", c)
		}
	}
}

func TestToDTO(t *testing.T) {
	createdAt := time.Date(2026, 5, 2, 18, 30, 0, 0, time.UTC)
	record := Turn{
		ID:                 "turn-1",
		SessionID:          "session-1",
		TurnNumber:         3,
		Narrative:          "The bridge sways underfoot.",
		Emotion:            "tense",
		Choices:            []Choice{{ID: "cross", Label: "Cross the bridge"}},
		RelationshipDeltas: map[string]int{"npc.kiera": 1},
		CreatedAt:          createdAt,
	}

	dto := record.ToDTO(41)

	if dto.ID != "turn-1" || dto.SessionID != "session-1" || dto.TurnNumber != 3 {
		t.Errorf("identity fields mismatch: %+v", dto)
	}
	if dto.BalanceAfter != 41 {
		t.Errorf("BalanceAfter = %d, want 41", dto.BalanceAfter)
	}
	if len(dto.Choices) != 1 || dto.Choices[0].ID != "cross" {
		t.Errorf("Choices = %+v", dto.Choices)
	}
	if !dto.CreatedAt.Equal(createdAt) {
		t.Errorf("CreatedAt = %v, want %v", dto.CreatedAt, createdAt)
	}
}

func TestToDTONilChoices(t *testing.T) {
	dto := Turn{ID: "turn-1"}.ToDTO(0)
	if dto.Choices == nil {
		t.Error("ToDTO() should return empty choices, not nil")
	}
}
