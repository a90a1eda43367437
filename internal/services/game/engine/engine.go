// Package engine orchestrates turn execution: idempotency claim, balance
// check, context assembly, generation, normalization, state application,
// debit, and the idempotency commit. It is the single place where component
// failures are mapped to response error codes, and no failure path ever
// reaches the debit.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/Daakon/stone-caster-2-sub003/internal/platform/errors"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/applier"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/assembler"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/turn"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/wallet"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/generation"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/idempotency"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/ledger"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/normalizer"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/pricing"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
	"github.com/Daakon/stone-caster-2-sub003/internal/telemetry"
)

// Generator is the slice of the generation client the engine drives.
type Generator interface {
	Generate(ctx context.Context, prompt string) (generation.Output, error)
	Repair(ctx context.Context, prompt, badOutput string) (generation.Output, error)
}

// Applier commits a normalized draft against a session; satisfied by
// *applier.Applier.
type Applier interface {
	Apply(ctx context.Context, input applier.Input) (applier.Result, error)
}

// Request is one turn execution request.
type Request struct {
	SessionID      string
	OwnerID        string
	Guest          bool
	IdempotencyKey string
	OptionID       string
}

// Response is the turn result returned to the caller. Replayed is true when
// a duplicate request was answered from the idempotency record.
type Response struct {
	Turn     turn.DTO
	Replayed bool
}

// Config wires the engine's collaborators.
type Config struct {
	Sessions     storage.SessionStore
	Turns        storage.TurnStore
	Guard        *idempotency.Guard
	Ledger       *ledger.Service
	Pricing      *pricing.Resolver
	Assembler    *assembler.Assembler
	Generator    Generator
	Normalizer   *normalizer.Normalizer
	Applier      Applier
	Emitter      *telemetry.Emitter
	BudgetTokens int
	// LegacyPipeline selects the flat narrative prompt contract instead of
	// the structured bundle contract.
	LegacyPipeline bool
}

// Engine executes turns.
type Engine struct {
	cfg Config
	now func() time.Time
}

// New creates an engine. All collaborators are required except Emitter,
// which degrades to a no-op.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, now: time.Now}
}

// ExecuteTurn runs the full pipeline for one request. Duplicate requests
// replay the recorded response; failures never debit the wallet.
func (e *Engine) ExecuteTurn(ctx context.Context, req Request) (Response, error) {
	start := e.clock()
	ctx, span := otel.Tracer("game.engine").Start(ctx, "turn.execute",
		trace.WithAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.Bool("owner.guest", req.Guest),
		))
	defer span.End()

	response, err := e.executeTurn(ctx, req)
	duration := e.clock().Sub(start).Milliseconds()
	if err != nil {
		span.RecordError(err)
		e.emitFailure(ctx, req, err, duration)
		return Response{}, err
	}
	if !response.Replayed {
		e.emitSuccess(ctx, req, response, duration)
	}
	return response, nil
}

func (e *Engine) executeTurn(ctx context.Context, req Request) (Response, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return Response{}, err
	}

	requestHash := idempotency.HashRequest(req.SessionID, req.OwnerID, req.OptionID)
	check, err := e.cfg.Guard.Check(ctx, req.IdempotencyKey, req.OwnerID, req.SessionID, requestHash)
	if err != nil {
		return Response{}, e.mapFailure(err)
	}
	if check.Replay {
		var dto turn.DTO
		if err := json.Unmarshal(check.Response, &dto); err != nil {
			return Response{}, apperrors.Wrap(apperrors.CodeInternal, "decode replayed response", err)
		}
		return Response{Turn: dto, Replayed: true}, nil
	}

	// The tuple is claimed from here on. Every failure exit finalizes the
	// record as failed so a retry can reclaim the key.
	response, err := e.runPipeline(ctx, req)
	if err != nil {
		if failErr := e.cfg.Guard.Fail(ctx, req.IdempotencyKey, req.OwnerID, req.SessionID); failErr != nil {
			err = errors.Join(err, fmt.Errorf("release idempotency record: %w", failErr))
		}
		return Response{}, e.mapFailure(err)
	}

	encoded, err := json.Marshal(response.Turn)
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.CodeInternal, "encode turn response", err)
	}
	if err := e.cfg.Guard.Complete(ctx, req.IdempotencyKey, req.OwnerID, req.SessionID, encoded); err != nil {
		return Response{}, apperrors.Wrap(apperrors.CodeInternal, "commit idempotency record", err)
	}
	return response, nil
}

// runPipeline executes BalanceChecked through Debited. Side effects (turn
// append, debit) happen only after generation output has been validated.
func (e *Engine) runPipeline(ctx context.Context, req Request) (Response, error) {
	sessionRecord, err := e.loadSession(ctx, req)
	if err != nil {
		return Response{}, err
	}

	cost := e.cfg.Pricing.CostForWorld(sessionRecord.WorldID)
	if err := e.checkBalance(ctx, req, cost); err != nil {
		return Response{}, err
	}

	assembled := e.cfg.Assembler.Assemble(assembler.Input{
		Session:      sessionRecord,
		Action:       req.OptionID,
		RecentTurns:  e.recentTurns(ctx, sessionRecord),
		BudgetTokens: e.cfg.BudgetTokens,
	})
	prompt := assembled.Prompt + "\n\n" + e.shapeInstruction()

	draft, meta, err := e.generateDraft(ctx, prompt)
	if err != nil {
		return Response{}, err
	}
	meta.EstimatedTokens = assembled.EstimatedTokens
	meta.BudgetTokens = assembled.BudgetTokens
	meta.IncludedPieces = assembled.IncludedPieces
	meta.DroppedPieces = assembled.DroppedPieces

	applied, err := e.cfg.Applier.Apply(ctx, applier.Input{
		Session: sessionRecord,
		Draft:   draft,
		Meta:    meta,
	})
	if err != nil {
		return Response{}, err
	}

	// Debit after the turn is recorded: the charged-but-unrecorded window
	// is gone, and a debit failure here is the distinct integrity signal.
	walletRecord, err := e.cfg.Ledger.Debit(ctx, wallet.DebitInput{
		OwnerID:        req.OwnerID,
		Amount:         cost,
		Reason:         wallet.ReasonTurnSpend,
		IdempotencyKey: req.IdempotencyKey,
		SessionID:      req.SessionID,
		TurnID:         applied.Turn.ID,
	})
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.CodeIntegrityRisk, "turn recorded but debit failed", err)
	}

	record := applied.Turn
	dto := turn.Turn{
		ID:                 record.ID,
		SessionID:          record.SessionID,
		TurnNumber:         record.TurnNumber,
		Narrative:          record.Narrative,
		Emotion:            record.Emotion,
		Choices:            record.Choices,
		RelationshipDeltas: record.RelationshipDeltas,
		FactionDeltas:      record.FactionDeltas,
		Meta:               record.Meta,
		CreatedAt:          record.CreatedAt,
	}.ToDTO(walletRecord.Balance)

	return Response{Turn: dto}, nil
}

func (e *Engine) loadSession(ctx context.Context, req Request) (storage.SessionRecord, error) {
	record, err := e.cfg.Sessions.GetSession(ctx, req.SessionID)
	if err != nil {
		return storage.SessionRecord{}, err
	}
	// A session owned by someone else is indistinguishable from a missing
	// one, so ownership never leaks through probing.
	if record.OwnerID != req.OwnerID {
		return storage.SessionRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (e *Engine) checkBalance(ctx context.Context, req Request, cost int) error {
	balance, err := e.cfg.Ledger.Balance(ctx, req.OwnerID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if !req.Guest {
			return storage.ErrInsufficientBalance
		}
		walletRecord, err := e.cfg.Ledger.EnsureGuestWallet(ctx, req.OwnerID)
		if err != nil {
			return err
		}
		balance = walletRecord.Balance
	}
	if balance < cost {
		return storage.ErrInsufficientBalance
	}
	return nil
}

// recentTurns is a best-effort context read; assembly proceeds without
// history when the read fails.
func (e *Engine) recentTurns(ctx context.Context, sessionRecord storage.SessionRecord) []storage.TurnRecord {
	if e.cfg.Turns == nil || sessionRecord.TurnCount == 0 {
		return nil
	}
	const historyDepth = 3
	token := ""
	if after := sessionRecord.TurnCount - historyDepth; after > 0 {
		token = strconv.Itoa(after)
	}
	page, err := e.cfg.Turns.ListTurnsBySession(ctx, sessionRecord.ID, historyDepth, token)
	if err != nil {
		return nil
	}
	return page.Turns
}

// generateDraft runs generation, parse, and normalization, with exactly one
// repair round-trip when the first output is unusable.
func (e *Engine) generateDraft(ctx context.Context, prompt string) (turn.Draft, turn.Meta, error) {
	output, err := e.cfg.Generator.Generate(ctx, prompt)
	if err != nil {
		return turn.Draft{}, turn.Meta{}, err
	}
	meta := turn.Meta{Model: output.Model, Attempts: output.Attempts}

	draft, parseErr := e.parseAndNormalize(output.Text)
	if parseErr == nil {
		return draft, meta, nil
	}

	repaired, err := e.cfg.Generator.Repair(ctx, prompt, output.Text)
	if err != nil {
		return turn.Draft{}, turn.Meta{}, err
	}
	meta.Attempts += repaired.Attempts
	meta.Repaired = true

	draft, parseErr = e.parseAndNormalize(repaired.Text)
	if parseErr != nil {
		return turn.Draft{}, turn.Meta{}, parseErr
	}
	return draft, meta, nil
}

func (e *Engine) parseAndNormalize(raw string) (turn.Draft, error) {
	parsed, err := e.cfg.Normalizer.Parse(raw)
	if err != nil {
		return turn.Draft{}, err
	}
	return e.cfg.Normalizer.Normalize(parsed)
}

func (e *Engine) shapeInstruction() string {
	if e.cfg.LegacyPipeline {
		return `Respond with a JSON object: {"narrative": string, "emotion": string, "choices": [string]}.`
	}
	return `Respond with a JSON object: {"act": {"narrative": string, "emotion": string}, "choices": [{"id": string, "label": string, "description": string}], "state_deltas": {"relationships": {string: integer}, "factions": {string: integer}, "world": {string: any}}}.`
}

// mapFailure is the single component-failure to response-code mapping.
// Typed domain errors pass through; anything untyped collapses to
// INTERNAL_ERROR without leaking detail.
func (e *Engine) mapFailure(err error) error {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return apperrors.Wrap(apperrors.CodeInternal, "turn execution failed", err)
}

func normalizeRequest(req Request) (Request, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return Request{}, apperrors.New(apperrors.CodeTurnEmptySessionID, "session id is required")
	}
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.OwnerID == "" {
		return Request{}, apperrors.New(apperrors.CodeTurnEmptyOwnerID, "owner id is required")
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		return Request{}, apperrors.New(apperrors.CodeTurnEmptyIdempotencyKey, "idempotency key is required")
	}
	req.OptionID = strings.TrimSpace(req.OptionID)
	if req.OptionID == "" {
		return Request{}, apperrors.New(apperrors.CodeTurnEmptyIntent, "option id is required")
	}
	return req, nil
}

func (e *Engine) emitSuccess(ctx context.Context, req Request, response Response, durationMs int64) {
	_ = e.cfg.Emitter.Emit(ctx, storage.TelemetryEvent{
		Name:       telemetry.EventTurnCreated,
		SessionID:  req.SessionID,
		OwnerID:    req.OwnerID,
		DurationMs: durationMs,
		Attributes: map[string]string{
			"turn_number": strconv.Itoa(response.Turn.TurnNumber),
		},
	})
}

func (e *Engine) emitFailure(ctx context.Context, req Request, err error, durationMs int64) {
	code := apperrors.CodeInternal
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		code = appErr.Code
	}
	_ = e.cfg.Emitter.Emit(ctx, storage.TelemetryEvent{
		Name:       telemetry.EventTurnFailed,
		SessionID:  req.SessionID,
		OwnerID:    req.OwnerID,
		DurationMs: durationMs,
		Attributes: map[string]string{
			"code": string(code),
		},
	})
}

func (e *Engine) clock() time.Time {
	if e.now == nil {
		return time.Now()
	}
	return e.now()
}
