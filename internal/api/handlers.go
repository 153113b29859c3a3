package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/voicecoach/internal/credential"
	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/recall"
	"github.com/MrWong99/voicecoach/internal/store"
	"github.com/MrWong99/voicecoach/pkg/types"
)

// ── Credential ───────────────────────────────────────────────────────────────

type credentialResponse struct {
	Data  json.RawMessage `json:"data"`
	Voice string          `json:"voice"`
	Model string          `json:"model"`
}

func (s *server) handleMintCredential(w http.ResponseWriter, r *http.Request) {
	var req credential.Request
	if err := decode(r, "mint credential", &req); err != nil {
		fail(w, r, err)
		return
	}

	cred, err := s.Minter.Mint(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}

	data := cred.Session
	if len(data) == 0 {
		data, _ = json.Marshal(map[string]any{
			"client_secret": map[string]any{
				"value":      cred.Value,
				"expires_at": cred.ExpiresAt.Unix(),
			},
		})
	}
	respondJSON(w, http.StatusOK, credentialResponse{Data: data, Voice: cred.Voice, Model: cred.Model})
}

// ── Persistence ──────────────────────────────────────────────────────────────

type saveRequest struct {
	ScenarioID      string          `json:"scenario_id"`
	DurationSeconds int             `json:"duration_seconds"`
	Messages        []types.Message `json:"messages"`
}

type saveResponse struct {
	Success       bool   `json:"success"`
	SessionID     string `json:"session_id"`
	MessagesCount int    `json:"messages_count"`
}

func (s *server) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	const op = "save session"
	ctx := r.Context()

	var req saveRequest
	if err := decode(r, op, &req); err != nil {
		s.Metrics.RecordSessionSave(ctx, "standalone", observe.OutcomeInvalid, 0)
		fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.ScenarioID) == "" || len(req.Messages) == 0 {
		s.Metrics.RecordSessionSave(ctx, "standalone", observe.OutcomeInvalid, 0)
		fail(w, r, types.Validation(op, "scenario_id and messages are required"))
		return
	}
	if err := validateTranscript(req.Messages, req.DurationSeconds); err != nil {
		s.Metrics.RecordSessionSave(ctx, "standalone", observe.OutcomeInvalid, 0)
		fail(w, r, err)
		return
	}

	res, err := s.Store.CreateSession(ctx, req.ScenarioID, req.DurationSeconds, req.Messages)
	if err != nil {
		s.Metrics.RecordSessionSave(ctx, "standalone", observe.OutcomeError, 0)
		fail(w, r, err)
		return
	}

	if res.MessagesErr != nil {
		// The session row exists; the client still gets its id.
		observe.Logger(ctx).Warn("api: session saved without messages",
			"session_id", res.SessionID, "err", res.MessagesErr)
		s.Metrics.RecordSessionSave(ctx, "standalone", observe.OutcomePartial, 0)
	} else {
		s.Metrics.RecordSessionSave(ctx, "standalone", observe.OutcomeOK, res.MessagesCount)
		s.index(r, res.SessionID, req.Messages)
	}

	respondJSON(w, http.StatusOK, saveResponse{
		Success:       true,
		SessionID:     res.SessionID,
		MessagesCount: res.MessagesCount,
	})
}

type updateRequest struct {
	SessionID       string           `json:"session_id"`
	DurationSeconds int              `json:"duration_seconds"`
	Messages        *[]types.Message `json:"messages"`
}

type updateResponse struct {
	Success       bool `json:"success"`
	MessagesCount int  `json:"messages_count"`
}

func (s *server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	const op = "update session"
	ctx := r.Context()

	var req updateRequest
	if err := decode(r, op, &req); err != nil {
		s.Metrics.RecordSessionSave(ctx, "embedded", observe.OutcomeInvalid, 0)
		fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || req.Messages == nil {
		s.Metrics.RecordSessionSave(ctx, "embedded", observe.OutcomeInvalid, 0)
		fail(w, r, types.Validation(op, "session_id and messages are required"))
		return
	}
	msgs := *req.Messages
	if err := validateTranscript(msgs, req.DurationSeconds); err != nil {
		s.Metrics.RecordSessionSave(ctx, "embedded", observe.OutcomeInvalid, 0)
		fail(w, r, err)
		return
	}

	n, err := s.Store.AppendMessages(ctx, req.SessionID, req.DurationSeconds, msgs)
	if err != nil {
		outcome := observe.OutcomeError
		if kind := types.KindOf(err); kind == types.KindValidation || kind == types.KindNotFound {
			outcome = observe.OutcomeInvalid
		}
		s.Metrics.RecordSessionSave(ctx, "embedded", outcome, 0)
		fail(w, r, err)
		return
	}
	s.Metrics.RecordSessionSave(ctx, "embedded", observe.OutcomeOK, n)
	s.index(r, req.SessionID, msgs)

	respondJSON(w, http.StatusOK, updateResponse{Success: true, MessagesCount: n})
}

func validateTranscript(msgs []types.Message, durationSeconds int) error {
	if durationSeconds < 0 {
		return types.Validation("validate transcript", "duration_seconds must not be negative")
	}
	return types.ValidateMessages(msgs)
}

// index hands a persisted transcript to the recall indexer. A dropped batch
// only costs search coverage.
func (s *server) index(r *http.Request, sessionID string, msgs []types.Message) {
	if s.Recall == nil || len(msgs) == 0 {
		return
	}
	if err := s.Recall.Enqueue(r.Context(), sessionID, msgs); err != nil && !errors.Is(err, recall.ErrQueueFull) {
		observe.Logger(r.Context()).Warn("api: recall enqueue failed", "session_id", sessionID, "err", err)
	}
}

// ── Embedded sessions ────────────────────────────────────────────────────────

type embeddedRequest struct {
	ScenarioID   string `json:"scenario_id"`
	Mode         string `json:"mode"`
	RefSessionID string `json:"ref_session_id"`
	Model        string `json:"model"`
}

type embeddedResponse struct {
	SessionID          string     `json:"session_id"`
	ScenarioID         string     `json:"scenario_id"`
	PersonaID          string     `json:"persona_id"`
	PersonaName        string     `json:"persona_name"`
	Voice              string     `json:"voice"`
	Model              string     `json:"model"`
	SystemInstructions string     `json:"system_instructions"`
	Mode               types.Mode `json:"mode"`
}

// handleCreateEmbedded creates the session row up front for a page that
// hosts the coach in an iframe, and hands back everything the client needs
// to mint a credential and start talking.
func (s *server) handleCreateEmbedded(w http.ResponseWriter, r *http.Request) {
	const op = "create embedded session"
	ctx := r.Context()

	var req embeddedRequest
	if err := decode(r, op, &req); err != nil {
		fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.ScenarioID) == "" {
		fail(w, r, types.Validation(op, "scenario_id is required"))
		return
	}
	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		fail(w, r, err)
		return
	}
	if mode == types.ModeCoach && req.RefSessionID == "" {
		fail(w, r, types.Validation(op, "ref_session_id is required in coach mode"))
		return
	}

	policy := s.Minter.Policy()
	model := req.Model
	if model == "" {
		model = policy.DefaultModel
	} else if len(policy.Models) > 0 && !slices.Contains(policy.Models, model) {
		fail(w, r, types.Validation(op, "model "+model+" is not allowed"))
		return
	}

	var history []types.Message
	if mode == types.ModeCoach {
		ref, err := s.Store.GetSession(ctx, req.RefSessionID)
		if err != nil {
			fail(w, r, err)
			return
		}
		history = ref.Messages
	}

	persona, instructions, err := s.Catalog.Instructions(req.ScenarioID, mode, history)
	if err != nil {
		fail(w, r, err)
		return
	}

	id, err := s.Store.CreatePending(ctx, store.PendingSession{
		ScenarioID:   req.ScenarioID,
		Mode:         mode,
		RefSessionID: req.RefSessionID,
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	voice := persona.Voice
	if voice == "" {
		voice = policy.DefaultVoice
	}
	respondJSON(w, http.StatusCreated, embeddedResponse{
		SessionID:          id,
		ScenarioID:         req.ScenarioID,
		PersonaID:          persona.ID,
		PersonaName:        persona.Name,
		Voice:              voice,
		Model:              model,
		SystemInstructions: instructions,
		Mode:               mode,
	})
}

// ── Read side ────────────────────────────────────────────────────────────────

func (s *server) handleListScenarios(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"scenarios": s.Catalog.Scenarios()})
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", "list sessions")
	if err != nil {
		fail(w, r, err)
		return
	}
	sessions, err := s.Store.ListSessions(r.Context(), r.URL.Query().Get("scenario_id"), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *server) handleRecall(w http.ResponseWriter, r *http.Request) {
	if s.Recall == nil {
		respondError(w, http.StatusNotFound, "recall is disabled")
		return
	}
	limit, err := queryInt(r, "limit", "recall search")
	if err != nil {
		fail(w, r, err)
		return
	}

	start := time.Now()
	hits, err := s.Recall.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	if hits == nil {
		hits = []recall.Hit{}
	}
	observe.Logger(r.Context()).Debug("api: recall search", "hits", len(hits), "took", time.Since(start))
	respondJSON(w, http.StatusOK, map[string]any{"hits": hits})
}
