package engine

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/Daakon/stone-caster-2-sub003/internal/platform/errors"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/applier"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/assembler"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/session"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/generation"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/idempotency"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/ledger"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/normalizer"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/pricing"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
	"github.com/Daakon/stone-caster-2-sub003/internal/telemetry"
	"github.com/Daakon/stone-caster-2-sub003/internal/testkit/gamefakes"
)

const validBundle = `{"act":{"narrative":"The road bends toward a lantern-lit inn.","emotion":"calm"},"choices":[{"id":"enter","label":"Enter the inn"}],"state_deltas":{"relationships":{"npc.keeper":1}}}`

type scriptGenerator struct {
	generateResults []func() (generation.Output, error)
	repairResult    func() (generation.Output, error)
	generateCalls   int
	repairCalls     int
}

func (g *scriptGenerator) Generate(context.Context, string) (generation.Output, error) {
	step := g.generateCalls
	g.generateCalls++
	if step >= len(g.generateResults) {
		step = len(g.generateResults) - 1
	}
	return g.generateResults[step]()
}

func (g *scriptGenerator) Repair(context.Context, string, string) (generation.Output, error) {
	g.repairCalls++
	if g.repairResult == nil {
		return generation.Output{}, errors.New("unexpected repair call")
	}
	return g.repairResult()
}

func generated(text string) func() (generation.Output, error) {
	return func() (generation.Output, error) {
		return generation.Output{Text: text, Attempts: 1}, nil
	}
}

func generateError(err error) func() (generation.Output, error) {
	return func() (generation.Output, error) {
		return generation.Output{Attempts: 1}, err
	}
}

type harness struct {
	engine    *Engine
	sessions  *gamefakes.SessionStore
	wallets   *gamefakes.WalletStore
	telemetry *gamefakes.TelemetryStore
	generator *scriptGenerator
}

func newHarness(t *testing.T, generator *scriptGenerator) *harness {
	t.Helper()

	sessions := gamefakes.NewSessionStore()
	wallets := gamefakes.NewWalletStore()
	events := gamefakes.NewTelemetryStore()

	resolver, err := pricing.Load("", 2)
	if err != nil {
		t.Fatalf("load pricing: %v", err)
	}

	eng := New(Config{
		Sessions:   sessions,
		Turns:      sessions,
		Guard:      idempotency.NewGuard(gamefakes.NewIdempotencyStore()),
		Ledger:     ledger.NewService(wallets, 15),
		Pricing:    resolver,
		Assembler:  assembler.New(),
		Generator:  generator,
		Normalizer: normalizer.New(),
		Applier:    applier.New(sessions),
		Emitter:    telemetry.NewEmitter(events),
	})

	return &harness{
		engine:    eng,
		sessions:  sessions,
		wallets:   wallets,
		telemetry: events,
		generator: generator,
	}
}

func (h *harness) seedSession(sessionID, ownerID string) {
	h.sessions.Sessions[sessionID] = storage.SessionRecord{
		ID:        sessionID,
		OwnerID:   ownerID,
		WorldID:   "world-1",
		TurnCount: 0,
		State:     session.NewSnapshot(),
	}
}

func (h *harness) seedWallet(ownerID string, balance int) {
	h.wallets.Wallets[ownerID] = storage.WalletRecord{OwnerID: ownerID, Balance: balance}
}

func baseRequest() Request {
	return Request{
		SessionID:      "session-1",
		OwnerID:        "owner-1",
		IdempotencyKey: "key-1",
		OptionID:       "enter",
	}
}

func assertCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("error %v is not a domain error", err)
	}
	if appErr.Code != code {
		t.Fatalf("error code = %q, want %q", appErr.Code, code)
	}
}

func TestExecuteTurnHappyPath(t *testing.T) {
	// Balance 10, cost 2, first generation succeeds.
	h := newHarness(t, &scriptGenerator{generateResults: []func() (generation.Output, error){generated(validBundle)}})
	h.seedSession("session-1", "owner-1")
	h.seedWallet("owner-1", 10)

	response, err := h.engine.ExecuteTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("ExecuteTurn() error: %v", err)
	}
	if response.Replayed {
		t.Fatal("first execution should not replay")
	}
	if response.Turn.TurnNumber != 1 {
		t.Fatalf("turn number = %d, want 1", response.Turn.TurnNumber)
	}
	if response.Turn.BalanceAfter != 8 {
		t.Fatalf("balance after = %d, want 8", response.Turn.BalanceAfter)
	}
	if len(h.wallets.Entries) != 1 || h.wallets.Entries[0].Amount != -2 {
		t.Fatalf("ledger entries = %+v, want exactly one -2 entry", h.wallets.Entries)
	}
	if got := h.sessions.Sessions["session-1"].TurnCount; got != 1 {
		t.Fatalf("session turn count = %d, want 1", got)
	}
	if got := h.sessions.Sessions["session-1"].State.Numeric(session.SectionRelationships, "npc.keeper"); got != 1 {
		t.Fatalf("relationship delta not applied: %d", got)
	}
	names := h.telemetry.EventNames()
	if len(names) != 1 || names[0] != telemetry.EventTurnCreated {
		t.Fatalf("telemetry events = %v, want [turn.created]", names)
	}
}

func TestExecuteTurnUpstreamTimeout(t *testing.T) {
	// Generation exceeds its deadline: distinct timeout code, no charge,
	// no turn record.
	h := newHarness(t, &scriptGenerator{generateResults: []func() (generation.Output, error){
		generateError(generation.ErrTimeout),
	}})
	h.seedSession("session-1", "owner-1")
	h.seedWallet("owner-1", 10)

	_, err := h.engine.ExecuteTurn(context.Background(), baseRequest())
	assertCode(t, err, apperrors.CodeUpstreamTimeout)

	if h.wallets.Wallets["owner-1"].Balance != 10 {
		t.Fatalf("balance changed on timeout: %d", h.wallets.Wallets["owner-1"].Balance)
	}
	if len(h.sessions.Turns) != 0 {
		t.Fatalf("turns persisted on timeout: %d", len(h.sessions.Turns))
	}
	names := h.telemetry.EventNames()
	if len(names) != 1 || names[0] != telemetry.EventTurnFailed {
		t.Fatalf("telemetry events = %v, want [turn.failed]", names)
	}
}

func TestExecuteTurnValidationFailedAfterRepair(t *testing.T) {
	// Unparsable output twice: original plus one repair, then terminal
	// validation failure with no charge.
	gen := &scriptGenerator{
		generateResults: []func() (generation.Output, error){generated("this is not json")},
		repairResult:    generated("still not json"),
	}
	h := newHarness(t, gen)
	h.seedSession("session-1", "owner-1")
	h.seedWallet("owner-1", 10)

	_, err := h.engine.ExecuteTurn(context.Background(), baseRequest())
	assertCode(t, err, apperrors.CodeValidationFailed)

	if gen.repairCalls != 1 {
		t.Fatalf("repair calls = %d, want exactly 1", gen.repairCalls)
	}
	if h.wallets.Wallets["owner-1"].Balance != 10 {
		t.Fatalf("balance changed on validation failure: %d", h.wallets.Wallets["owner-1"].Balance)
	}
	if len(h.sessions.Turns) != 0 {
		t.Fatalf("turns persisted on validation failure: %d", len(h.sessions.Turns))
	}
}

func TestExecuteTurnDuplicateKeyReplays(t *testing.T) {
	// Same key, same payload, sent twice: identical response, generation
	// runs once, one ledger entry.
	gen := &scriptGenerator{generateResults: []func() (generation.Output, error){generated(validBundle)}}
	h := newHarness(t, gen)
	h.seedSession("session-1", "owner-1")
	h.seedWallet("owner-1", 10)

	first, err := h.engine.ExecuteTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("first ExecuteTurn() error: %v", err)
	}
	second, err := h.engine.ExecuteTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("second ExecuteTurn() error: %v", err)
	}

	if !second.Replayed {
		t.Fatal("duplicate request should replay")
	}
	if second.Turn.ID != first.Turn.ID {
		t.Fatalf("replayed turn id = %q, want %q", second.Turn.ID, first.Turn.ID)
	}
	if second.Turn.BalanceAfter != first.Turn.BalanceAfter {
		t.Fatalf("replayed balance = %d, want %d", second.Turn.BalanceAfter, first.Turn.BalanceAfter)
	}
	if gen.generateCalls != 1 {
		t.Fatalf("generate calls = %d, want 1", gen.generateCalls)
	}
	if len(h.wallets.Entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(h.wallets.Entries))
	}
}

func TestExecuteTurnKeyReuseWithDifferentPayloadConflicts(t *testing.T) {
	h := newHarness(t, &scriptGenerator{generateResults: []func() (generation.Output, error){generated(validBundle)}})
	h.seedSession("session-1", "owner-1")
	h.seedWallet("owner-1", 10)

	if _, err := h.engine.ExecuteTurn(context.Background(), baseRequest()); err != nil {
		t.Fatalf("first ExecuteTurn() error: %v", err)
	}

	altered := baseRequest()
	altered.OptionID = "flee"
	_, err := h.engine.ExecuteTurn(context.Background(), altered)
	assertCode(t, err, apperrors.CodeConflict)
}

func TestExecuteTurnInsufficientBalance(t *testing.T) {
	gen := &scriptGenerator{generateResults: []func() (generation.Output, error){generated(validBundle)}}
	h := newHarness(t, gen)
	h.seedSession("session-1", "owner-1")
	h.seedWallet("owner-1", 1)

	_, err := h.engine.ExecuteTurn(context.Background(), baseRequest())
	assertCode(t, err, apperrors.CodeInsufficientResource)

	if gen.generateCalls != 0 {
		t.Fatal("insufficient balance must be detected before any generation call")
	}
	if h.wallets.Wallets["owner-1"].Balance != 1 {
		t.Fatalf("balance changed: %d", h.wallets.Wallets["owner-1"].Balance)
	}
}

func TestExecuteTurnUnknownSession(t *testing.T) {
	h := newHarness(t, &scriptGenerator{generateResults: []func() (generation.Output, error){generated(validBundle)}})

	_, err := h.engine.ExecuteTurn(context.Background(), baseRequest())
	assertCode(t, err, apperrors.CodeNotFound)
}

func TestExecuteTurnForeignSessionLooksMissing(t *testing.T) {
	h := newHarness(t, &scriptGenerator{generateResults: []func() (generation.Output, error){generated(validBundle)}})
	h.seedSession("session-1", "someone-else")
	h.seedWallet("owner-1", 10)

	_, err := h.engine.ExecuteTurn(context.Background(), baseRequest())
	assertCode(t, err, apperrors.CodeNotFound)
}

func TestExecuteTurnGuestWalletAutoProvision(t *testing.T) {
	h := newHarness(t, &scriptGenerator{generateResults: []func() (generation.Output, error){generated(validBundle)}})
	h.seedSession("session-1", "guest-1")

	req := baseRequest()
	req.OwnerID = "guest-1"
	req.Guest = true

	response, err := h.engine.ExecuteTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("ExecuteTurn() error: %v", err)
	}
	// 15 granted, 2 spent.
	if response.Turn.BalanceAfter != 13 {
		t.Fatalf("balance after = %d, want 13", response.Turn.BalanceAfter)
	}
}

func TestExecuteTurnNonGuestWithoutWalletIsInsufficient(t *testing.T) {
	h := newHarness(t, &scriptGenerator{generateResults: []func() (generation.Output, error){generated(validBundle)}})
	h.seedSession("session-1", "owner-1")

	_, err := h.engine.ExecuteTurn(context.Background(), baseRequest())
	assertCode(t, err, apperrors.CodeInsufficientResource)
}

func TestExecuteTurnRepairRecovers(t *testing.T) {
	gen := &scriptGenerator{
		generateResults: []func() (generation.Output, error){generated("garbled output")},
		repairResult:    generated(validBundle),
	}
	h := newHarness(t, gen)
	h.seedSession("session-1", "owner-1")
	h.seedWallet("owner-1", 10)

	response, err := h.engine.ExecuteTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("ExecuteTurn() error: %v", err)
	}
	if gen.repairCalls != 1 {
		t.Fatalf("repair calls = %d, want 1", gen.repairCalls)
	}
	if response.Turn.BalanceAfter != 8 {
		t.Fatalf("balance after = %d, want 8", response.Turn.BalanceAfter)
	}
	record, err := h.sessions.GetTurn(context.Background(), response.Turn.ID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if !record.Meta.Repaired {
		t.Fatal("turn meta should mark the repair")
	}
}

func TestExecuteTurnFailedKeyIsRetryable(t *testing.T) {
	// A failed attempt releases the key; the retry succeeds.
	gen := &scriptGenerator{
		generateResults: []func() (generation.Output, error){
			generateError(generation.ErrUpstream),
			generated(validBundle),
		},
	}
	h := newHarness(t, gen)
	h.seedSession("session-1", "owner-1")
	h.seedWallet("owner-1", 10)

	_, err := h.engine.ExecuteTurn(context.Background(), baseRequest())
	assertCode(t, err, apperrors.CodeUpstreamFailure)

	response, err := h.engine.ExecuteTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("retry ExecuteTurn() error: %v", err)
	}
	if response.Replayed {
		t.Fatal("retry after failure should execute, not replay")
	}
	if response.Turn.BalanceAfter != 8 {
		t.Fatalf("balance after retry = %d, want 8", response.Turn.BalanceAfter)
	}
}

func TestExecuteTurnDebitFailureIsIntegrityRisk(t *testing.T) {
	h := newHarness(t, &scriptGenerator{generateResults: []func() (generation.Output, error){generated(validBundle)}})
	h.seedSession("session-1", "owner-1")
	h.seedWallet("owner-1", 10)
	h.wallets.DebitErr = errors.New("disk full")

	_, err := h.engine.ExecuteTurn(context.Background(), baseRequest())
	assertCode(t, err, apperrors.CodeIntegrityRisk)

	// The turn was persisted before the debit failed.
	if len(h.sessions.Turns) != 1 {
		t.Fatalf("turns persisted = %d, want 1", len(h.sessions.Turns))
	}
}

func TestExecuteTurnValidatesRequest(t *testing.T) {
	h := newHarness(t, &scriptGenerator{generateResults: []func() (generation.Output, error){generated(validBundle)}})

	tests := []struct {
		name   string
		mutate func(*Request)
		code   apperrors.Code
	}{
		{name: "missing session", mutate: func(r *Request) { r.SessionID = "" }, code: apperrors.CodeTurnEmptySessionID},
		{name: "missing owner", mutate: func(r *Request) { r.OwnerID = " " }, code: apperrors.CodeTurnEmptyOwnerID},
		{name: "missing key", mutate: func(r *Request) { r.IdempotencyKey = "" }, code: apperrors.CodeTurnEmptyIdempotencyKey},
		{name: "missing option", mutate: func(r *Request) { r.OptionID = "" }, code: apperrors.CodeTurnEmptyIntent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(&req)
			_, err := h.engine.ExecuteTurn(context.Background(), req)
			assertCode(t, err, tt.code)
		})
	}
}

func TestExecuteTurnBalanceEqualsLedgerSum(t *testing.T) {
	// Run several turns and confirm the balance invariant holds.
	gen := &scriptGenerator{generateResults: []func() (generation.Output, error){generated(validBundle)}}
	h := newHarness(t, gen)
	h.seedSession("session-1", "owner-1")
	h.seedWallet("owner-1", 10)

	for i := 0; i < 3; i++ {
		req := baseRequest()
		req.IdempotencyKey = "key-" + string(rune('a'+i))
		if _, err := h.engine.ExecuteTurn(context.Background(), req); err != nil {
			t.Fatalf("turn %d error: %v", i, err)
		}
	}

	sum := 0
	for _, entry := range h.wallets.Entries {
		sum += entry.Amount
	}
	balance := h.wallets.Wallets["owner-1"].Balance
	if balance < 0 {
		t.Fatalf("balance went negative: %d", balance)
	}
	if balance != 10+sum {
		t.Fatalf("balance = %d, want seed 10 + ledger sum %d", balance, sum)
	}
	if got := h.sessions.Sessions["session-1"].TurnCount; got != 3 {
		t.Fatalf("turn count = %d, want 3", got)
	}
}
