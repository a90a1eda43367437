// Package normalizer turns raw generator output into a canonical turn
// draft. Output arrives in one of two shapes: the legacy flat narrative
// payload or the structured act bundle. Dispatch is by shape tag, the
// bundle shape is schema-gated, and semantic minimums apply to both.
package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	apperrors "github.com/Daakon/stone-caster-2-sub003/internal/platform/errors"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/turn"
)

// Shape tags the recognized generator output variants.
type Shape string

const (
	// ShapeLegacy is the flat {narrative, emotion, choices[]} payload.
	ShapeLegacy Shape = "legacy"
	// ShapeBundle is the structured {act, choices, state_deltas} payload.
	ShapeBundle Shape = "bundle"
)

var (
	// ErrUnparsable indicates the output is not a JSON object.
	ErrUnparsable = apperrors.New(apperrors.CodeValidationFailed, "generator output is not valid json")
	// ErrUnknownShape indicates a JSON object matching neither variant.
	ErrUnknownShape = apperrors.New(apperrors.CodeValidationFailed, "generator output matches no known shape")
	// ErrSchemaViolation indicates a bundle failing the schema gate.
	ErrSchemaViolation = apperrors.New(apperrors.CodeValidationFailed, "bundle output violates schema")
	// ErrNarrativeTooShort indicates a narrative below the semantic minimum.
	ErrNarrativeTooShort = apperrors.New(apperrors.CodeValidationFailed, "narrative is too short")
)

type legacyPayload struct {
	Narrative string   `json:"narrative"`
	Emotion   string   `json:"emotion"`
	Choices   []string `json:"choices"`
}

type bundlePayload struct {
	Act struct {
		Narrative string `json:"narrative"`
		Emotion   string `json:"emotion"`
	} `json:"act"`
	Choices []struct {
		ID          string `json:"id"`
		Label       string `json:"label"`
		Description string `json:"description"`
	} `json:"choices"`
	StateDeltas struct {
		Relationships map[string]int `json:"relationships"`
		Factions      map[string]int `json:"factions"`
		World         map[string]any `json:"world"`
	} `json:"state_deltas"`
}

// Parsed is one recognized generator payload, tagged by shape.
type Parsed struct {
	Shape  Shape
	legacy legacyPayload
	bundle bundlePayload
}

const bundleSchema = `{
	"type": "object",
	"required": ["act"],
	"properties": {
		"act": {
			"type": "object",
			"required": ["narrative"],
			"properties": {
				"narrative": {"type": "string"},
				"emotion": {"type": "string"}
			}
		},
		"choices": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["label"],
				"properties": {
					"id": {"type": "string"},
					"label": {"type": "string"},
					"description": {"type": "string"}
				}
			}
		},
		"state_deltas": {
			"type": "object",
			"properties": {
				"relationships": {"type": "object", "additionalProperties": {"type": "integer"}},
				"factions": {"type": "object", "additionalProperties": {"type": "integer"}},
				"world": {"type": "object"}
			}
		}
	}
}`

// Normalizer parses and canonicalizes generator output. Safe for
// concurrent use.
type Normalizer struct {
	schema *jsonschema.Schema
}

// New creates a normalizer with the compiled bundle schema.
func New() *Normalizer {
	return &Normalizer{
		schema: jsonschema.MustCompileString("bundle.schema.json", bundleSchema),
	}
}

// Parse recognizes the output shape and decodes it. The act object marks a
// bundle; a top-level narrative string marks the legacy shape.
func (n *Normalizer) Parse(raw string) (Parsed, error) {
	cleaned := stripFences(raw)
	if cleaned == "" || !gjson.Valid(cleaned) {
		return Parsed{}, ErrUnparsable
	}
	root := gjson.Parse(cleaned)
	if !root.IsObject() {
		return Parsed{}, ErrUnparsable
	}

	switch {
	case root.Get("act").IsObject():
		var decoded any
		if err := json.Unmarshal([]byte(cleaned), &decoded); err != nil {
			return Parsed{}, ErrUnparsable
		}
		if err := n.schema.Validate(decoded); err != nil {
			return Parsed{}, apperrors.Wrap(apperrors.CodeValidationFailed, ErrSchemaViolation.Message, err)
		}
		var payload bundlePayload
		if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
			return Parsed{}, apperrors.Wrap(apperrors.CodeValidationFailed, ErrSchemaViolation.Message, err)
		}
		return Parsed{Shape: ShapeBundle, bundle: payload}, nil

	case root.Get("narrative").Type == gjson.String:
		var payload legacyPayload
		if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
			return Parsed{}, ErrUnparsable
		}
		return Parsed{Shape: ShapeLegacy, legacy: payload}, nil

	default:
		return Parsed{}, ErrUnknownShape
	}
}

// Normalize converts a parsed payload into a canonical draft, enforcing the
// semantic minimums and substituting deterministic default choices.
func (n *Normalizer) Normalize(parsed Parsed) (turn.Draft, error) {
	switch parsed.Shape {
	case ShapeLegacy:
		return normalizeLegacy(parsed.legacy)
	case ShapeBundle:
		return normalizeBundle(parsed.bundle)
	default:
		return turn.Draft{}, ErrUnknownShape
	}
}

func normalizeLegacy(payload legacyPayload) (turn.Draft, error) {
	narrative := strings.TrimSpace(payload.Narrative)
	if !turn.ValidNarrative(narrative) {
		return turn.Draft{}, ErrNarrativeTooShort
	}

	var choices []turn.Choice
	for i, label := range payload.Choices {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		choices = append(choices, turn.Choice{
			ID:    fmt.Sprintf("choice_%d", i+1),
			Label: label,
		})
	}
	if len(choices) == 0 {
		choices = turn.DefaultChoices()
	}

	return turn.Draft{
		Narrative: narrative,
		Emotion:   turn.NormalizeEmotion(payload.Emotion),
		Choices:   choices,
	}, nil
}

func normalizeBundle(payload bundlePayload) (turn.Draft, error) {
	narrative := strings.TrimSpace(payload.Act.Narrative)
	if !turn.ValidNarrative(narrative) {
		return turn.Draft{}, ErrNarrativeTooShort
	}

	var choices []turn.Choice
	for i, choice := range payload.Choices {
		label := strings.TrimSpace(choice.Label)
		if label == "" {
			continue
		}
		id := strings.TrimSpace(choice.ID)
		if id == "" {
			id = fmt.Sprintf("choice_%d", i+1)
		}
		choices = append(choices, turn.Choice{
			ID:          id,
			Label:       label,
			Description: strings.TrimSpace(choice.Description),
		})
	}
	if len(choices) == 0 {
		choices = turn.DefaultChoices()
	}

	return turn.Draft{
		Narrative:          narrative,
		Emotion:            turn.NormalizeEmotion(payload.Act.Emotion),
		Choices:            choices,
		RelationshipDeltas: payload.StateDeltas.Relationships,
		FactionDeltas:      payload.StateDeltas.Factions,
		WorldDeltas:        payload.StateDeltas.World,
	}, nil
}

// stripFences removes a surrounding markdown code fence, which generators
// add even when told not to.
func stripFences(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	cleaned = strings.TrimPrefix(cleaned, "```")
	if idx := strings.Index(cleaned, "\n"); idx >= 0 {
		// Drop the fence language tag line.
		cleaned = cleaned[idx+1:]
	}
	cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
	return strings.TrimSpace(cleaned)
}
