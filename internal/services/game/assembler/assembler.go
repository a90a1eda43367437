// Package assembler builds the generation prompt from session state under a
// token budget. Packing is greedy by fixed priority and fully deterministic,
// so a retried request reassembles the identical prompt.
package assembler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/session"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
)

// DefaultBudgetTokens applies when the caller provides no budget.
const DefaultBudgetTokens = 2048

// maxRecentTurns bounds how much turn history is offered to the packer.
const maxRecentTurns = 3

// Input carries everything assembly reads.
type Input struct {
	Session      storage.SessionRecord
	Action       string
	RecentTurns  []storage.TurnRecord
	BudgetTokens int
}

// Result is the assembled prompt plus packing metadata. The metadata feeds
// observability, never gameplay logic.
type Result struct {
	Prompt          string
	IncludedPieces  []string
	DroppedPieces   []string
	EstimatedTokens int
	BudgetTokens    int
}

type fragment struct {
	name    string
	content string
}

// Assembler packs prompt fragments. It is stateless and safe for
// concurrent use.
type Assembler struct{}

// New creates an assembler.
func New() *Assembler {
	return &Assembler{}
}

// Assemble gathers fragments for the session in priority order and includes
// them greedily until the budget is met. The system preamble and the player
// action are always included so the prompt is never actionless.
func (a *Assembler) Assemble(input Input) Result {
	budget := input.BudgetTokens
	if budget <= 0 {
		budget = DefaultBudgetTokens
	}

	required := []fragment{
		{name: "system", content: systemPreamble},
		{name: "action", content: "Player action: " + strings.TrimSpace(input.Action)},
	}
	optional := optionalFragments(input)

	result := Result{BudgetTokens: budget}
	var parts []string
	for _, frag := range required {
		parts = append(parts, frag.content)
		result.IncludedPieces = append(result.IncludedPieces, frag.name)
		result.EstimatedTokens += EstimateTokens(frag.content)
	}
	for _, frag := range optional {
		cost := EstimateTokens(frag.content)
		if result.EstimatedTokens+cost > budget {
			result.DroppedPieces = append(result.DroppedPieces, frag.name)
			continue
		}
		parts = append(parts, frag.content)
		result.IncludedPieces = append(result.IncludedPieces, frag.name)
		result.EstimatedTokens += cost
	}

	result.Prompt = strings.Join(parts, "\n\n")
	return result
}

const systemPreamble = "You are the narrator of an interactive story. " +
	"Continue the scene from the player's action. " +
	"Respond with a JSON object containing the narrative, an emotion, and the next choices."

// optionalFragments returns droppable fragments in priority order: scene,
// summaries, relationships, factions, flags, then recent turns newest first.
func optionalFragments(input Input) []fragment {
	var fragments []fragment

	state := input.Session.State
	if scene := state.Scalar(session.KeyScene); scene != "" {
		fragments = append(fragments, fragment{name: "scene", content: "Scene: " + scene})
	}
	if summary := state.Scalar(session.KeyCharacterSummary); summary != "" {
		fragments = append(fragments, fragment{name: "character_summary", content: "Character: " + summary})
	}
	if summary := state.Scalar(session.KeyAdventureSummary); summary != "" {
		fragments = append(fragments, fragment{name: "adventure_summary", content: "Story so far: " + summary})
	}
	if content := renderSection(state, session.SectionRelationships, "Relationships"); content != "" {
		fragments = append(fragments, fragment{name: "relationships", content: content})
	}
	if content := renderSection(state, session.SectionFactions, "Factions"); content != "" {
		fragments = append(fragments, fragment{name: "factions", content: content})
	}
	if content := renderSection(state, session.SectionFlags, "World flags"); content != "" {
		fragments = append(fragments, fragment{name: "flags", content: content})
	}

	turns := input.RecentTurns
	if len(turns) > maxRecentTurns {
		turns = turns[len(turns)-maxRecentTurns:]
	}
	for i := len(turns) - 1; i >= 0; i-- {
		fragments = append(fragments, fragment{
			name:    fmt.Sprintf("turn_%d", turns[i].TurnNumber),
			content: fmt.Sprintf("Turn %d: %s", turns[i].TurnNumber, turns[i].Narrative),
		})
	}
	return fragments
}

// renderSection flattens a snapshot section with sorted keys so rendering
// never depends on map iteration order.
func renderSection(state session.Snapshot, name, label string) string {
	raw, ok := state[name].(map[string]any)
	if !ok || len(raw) == 0 {
		return ""
	}
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(label + ":")
	for _, key := range keys {
		b.WriteString(fmt.Sprintf("\n- %s: %v", key, raw[key]))
	}
	return b.String()
}

// EstimateTokens approximates token cost as one token per four bytes,
// rounded up. Coarse but cheap and deterministic.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	return (len(content) + 3) / 4
}
