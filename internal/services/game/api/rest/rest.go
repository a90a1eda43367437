// Package rest exposes the game service over HTTP. Every route requires a
// player grant; turn execution additionally requires an Idempotency-Key
// header so retries are safe.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Daakon/stone-caster-2-sub003/internal/platform/errors"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/session"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/domain/turn"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/engine"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/ledger"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage"
)

const defaultPageSize = 20

// TurnExecutor runs the turn pipeline; satisfied by *engine.Engine.
type TurnExecutor interface {
	ExecuteTurn(ctx context.Context, req engine.Request) (engine.Response, error)
}

// Config wires the handler's collaborators.
type Config struct {
	Executor TurnExecutor
	Sessions storage.SessionStore
	Turns    storage.TurnStore
	Ledger   *ledger.Service
	Grants   GrantConfig
}

// Handler serves the game REST API.
type Handler struct {
	cfg Config
}

// New creates a REST handler.
func New(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

// Routes registers all API routes on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodPost+" /v1/sessions", h.withClaims(h.handleCreateSession))
	mux.HandleFunc(http.MethodGet+" /v1/sessions/{sessionID}", h.withClaims(h.handleGetSession))
	mux.HandleFunc(http.MethodPost+" /v1/sessions/{sessionID}/turns", h.withClaims(h.handleExecuteTurn))
	mux.HandleFunc(http.MethodGet+" /v1/sessions/{sessionID}/turns", h.withClaims(h.handleListTurns))
	mux.HandleFunc(http.MethodGet+" /v1/wallet", h.withClaims(h.handleGetWallet))
	return mux
}

type claimsHandler func(w http.ResponseWriter, r *http.Request, claims Claims)

// withClaims authenticates the request before dispatching.
func (h *Handler) withClaims(next claimsHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := ValidateGrant(bearerGrant(r), h.cfg.Grants)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, claims)
	}
}

type createSessionRequest struct {
	WorldID      string `json:"worldId"`
	CharacterID  string `json:"characterId"`
	EntryPointID string `json:"entryPointId,omitempty"`
}

type sessionResponse struct {
	ID           string    `json:"id"`
	WorldID      string    `json:"worldId"`
	CharacterID  string    `json:"characterId"`
	EntryPointID string    `json:"entryPointId,omitempty"`
	TurnCount    int       `json:"turnCount"`
	Scene        string    `json:"scene,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request, claims Claims) {
	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.New(apperrors.CodeUnknown, "request body is not valid JSON"))
		return
	}

	created, err := session.Create(session.CreateInput{
		OwnerID:      claims.UserID,
		Guest:        claims.Guest,
		WorldID:      body.WorldID,
		CharacterID:  body.CharacterID,
		EntryPointID: body.EntryPointID,
	}, nil, nil)
	if err != nil {
		if errors.Is(err, session.ErrEmptyOwnerID) || errors.Is(err, session.ErrEmptyWorldID) || errors.Is(err, session.ErrEmptyCharacterID) {
			err = apperrors.New(apperrors.CodeUnknown, err.Error())
		}
		writeError(w, err)
		return
	}

	record := storage.SessionRecord{
		ID:           created.ID,
		OwnerID:      created.OwnerID,
		Guest:        created.Guest,
		WorldID:      created.WorldID,
		CharacterID:  created.CharacterID,
		EntryPointID: created.EntryPointID,
		TurnCount:    created.TurnCount,
		State:        created.State,
		CreatedAt:    created.CreatedAt,
		UpdatedAt:    created.UpdatedAt,
	}
	if err := h.cfg.Sessions.PutSession(r.Context(), record); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionToResponse(record))
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request, claims Claims) {
	record, err := h.loadOwnedSession(r, claims)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(record))
}

type executeTurnRequest struct {
	OptionID string `json:"optionId"`
}

type executeTurnResponse struct {
	Turn     turn.DTO `json:"turn"`
	Replayed bool     `json:"replayed,omitempty"`
}

func (h *Handler) handleExecuteTurn(w http.ResponseWriter, r *http.Request, claims Claims) {
	var body executeTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.New(apperrors.CodeUnknown, "request body is not valid JSON"))
		return
	}

	response, err := h.cfg.Executor.ExecuteTurn(r.Context(), engine.Request{
		SessionID:      r.PathValue("sessionID"),
		OwnerID:        claims.UserID,
		Guest:          claims.Guest,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		OptionID:       body.OptionID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if response.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, executeTurnResponse{Turn: response.Turn, Replayed: response.Replayed})
}

type turnListItem struct {
	ID         string        `json:"id"`
	TurnNumber int           `json:"turnNumber"`
	Narrative  string        `json:"narrative"`
	Emotion    string        `json:"emotion"`
	Choices    []turn.Choice `json:"choices"`
	CreatedAt  time.Time     `json:"createdAt"`
}

type listTurnsResponse struct {
	Turns         []turnListItem `json:"turns"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

func (h *Handler) handleListTurns(w http.ResponseWriter, r *http.Request, claims Claims) {
	record, err := h.loadOwnedSession(r, claims)
	if err != nil {
		writeError(w, err)
		return
	}

	pageSize := defaultPageSize
	if raw := strings.TrimSpace(r.URL.Query().Get("pageSize")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, apperrors.New(apperrors.CodeUnknown, "pageSize must be a positive integer"))
			return
		}
		pageSize = parsed
	}

	page, err := h.cfg.Turns.ListTurnsBySession(r.Context(), record.ID, pageSize, r.URL.Query().Get("pageToken"))
	if err != nil {
		writeError(w, err)
		return
	}

	response := listTurnsResponse{Turns: make([]turnListItem, 0, len(page.Turns)), NextPageToken: page.NextPageToken}
	for _, item := range page.Turns {
		choices := item.Choices
		if choices == nil {
			choices = []turn.Choice{}
		}
		response.Turns = append(response.Turns, turnListItem{
			ID:         item.ID,
			TurnNumber: item.TurnNumber,
			Narrative:  item.Narrative,
			Emotion:    item.Emotion,
			Choices:    choices,
			CreatedAt:  item.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

type ledgerEntryItem struct {
	ID        string    `json:"id"`
	Amount    int       `json:"amount"`
	Reason    string    `json:"reason"`
	SessionID string    `json:"sessionId,omitempty"`
	TurnID    string    `json:"turnId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type walletResponse struct {
	OwnerID string            `json:"ownerId"`
	Balance int               `json:"balance"`
	Entries []ledgerEntryItem `json:"entries"`
}

func (h *Handler) handleGetWallet(w http.ResponseWriter, r *http.Request, claims Claims) {
	balance, err := h.cfg.Ledger.Balance(r.Context(), claims.UserID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			writeError(w, err)
			return
		}
		// A wallet that was never provisioned reads as empty.
		writeJSON(w, http.StatusOK, walletResponse{OwnerID: claims.UserID, Entries: []ledgerEntryItem{}})
		return
	}

	entries, err := h.cfg.Ledger.Entries(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	response := walletResponse{OwnerID: claims.UserID, Balance: balance, Entries: make([]ledgerEntryItem, 0, len(entries))}
	for _, entry := range entries {
		response.Entries = append(response.Entries, ledgerEntryItem{
			ID:        entry.ID,
			Amount:    entry.Amount,
			Reason:    string(entry.Reason),
			SessionID: entry.SessionID,
			TurnID:    entry.TurnID,
			CreatedAt: entry.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, response)
}

// loadOwnedSession reads the path session and enforces ownership. A session
// owned by someone else reads as missing.
func (h *Handler) loadOwnedSession(r *http.Request, claims Claims) (storage.SessionRecord, error) {
	record, err := h.cfg.Sessions.GetSession(r.Context(), r.PathValue("sessionID"))
	if err != nil {
		return storage.SessionRecord{}, err
	}
	if record.OwnerID != claims.UserID {
		return storage.SessionRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func sessionToResponse(record storage.SessionRecord) sessionResponse {
	return sessionResponse{
		ID:           record.ID,
		WorldID:      record.WorldID,
		CharacterID:  record.CharacterID,
		EntryPointID: record.EntryPointID,
		TurnCount:    record.TurnCount,
		Scene:        record.State.Scalar(session.KeyScene),
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON body with normalized headers and status.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps a domain error to its HTTP status and JSON body.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeInternal
	message := "internal error"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
	}
	writeJSON(w, httpStatus(code), errorResponse{Code: string(code), Message: message})
}

// httpStatus is the single error-code to HTTP-status mapping.
func httpStatus(code apperrors.Code) int {
	switch code {
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeConflict:
		return http.StatusConflict
	case apperrors.CodeInsufficientResource:
		return http.StatusPaymentRequired
	case apperrors.CodeGrantInvalid, apperrors.CodeGrantExpired:
		return http.StatusUnauthorized
	case apperrors.CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case apperrors.CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case apperrors.CodeUpstreamFailure:
		return http.StatusBadGateway
	case apperrors.CodeTurnEmptySessionID,
		apperrors.CodeTurnEmptyOwnerID,
		apperrors.CodeTurnEmptyIdempotencyKey,
		apperrors.CodeTurnEmptyIntent,
		apperrors.CodeWalletInvalidAmount,
		apperrors.CodeWalletEmptyOwnerID,
		apperrors.CodeUnknown:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
