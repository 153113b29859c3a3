// Package coachclient talks to the voicecoach backend over HTTP.
//
// [Client] implements [call.CredentialSource] and [call.Persister], so a
// [call.Controller] can run against a remote backend without knowing about
// HTTP. Failures are classified with [types.Kind]: a 400 becomes
// KindValidation, a 404 KindNotFound, a failed credential request
// KindUpstreamAuth, and any other failed write KindPersistence.
package coachclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voicecoach/pkg/call"
	"github.com/MrWong99/voicecoach/pkg/types"
)

const defaultTimeout = 30 * time.Second

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

var (
	_ call.CredentialSource = (*Client)(nil)
	_ call.Persister        = (*Client)(nil)
)

// ---- Options ----

// Option is a functional option for [New].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// ---- Client ----

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a client for the backend at baseURL (e.g.
// "http://localhost:8080").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("coachclient: baseURL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("coachclient: parse baseURL: %w", err)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ---- wire types ----

// Scenario is one entry of the backend catalog.
type Scenario struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	PersonaID   string `json:"persona_id"`
	Tag         string `json:"tag,omitempty"`
	Difficulty  string `json:"difficulty,omitempty"`
}

// Session is a persisted session as served by the transcript viewer.
type Session struct {
	ID              string              `json:"id"`
	ScenarioID      string              `json:"scenario_id"`
	DurationSeconds int                 `json:"duration_seconds"`
	Status          types.SessionStatus `json:"status"`
	Mode            types.Mode          `json:"mode"`
	RefSessionID    string              `json:"ref_session_id,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	MessageCount    int                 `json:"messages_count"`
	Messages        []types.Message     `json:"messages,omitempty"`
}

// EmbeddedRequest asks the backend to create a session up front.
type EmbeddedRequest struct {
	ScenarioID   string     `json:"scenario_id"`
	Mode         types.Mode `json:"mode,omitempty"`
	RefSessionID string     `json:"ref_session_id,omitempty"`
	Model        string     `json:"model,omitempty"`
}

// Embedded describes an eagerly created session and the persona to run in it.
type Embedded struct {
	SessionID          string     `json:"session_id"`
	ScenarioID         string     `json:"scenario_id"`
	PersonaID          string     `json:"persona_id"`
	PersonaName        string     `json:"persona_name"`
	Voice              string     `json:"voice"`
	Model              string     `json:"model"`
	SystemInstructions string     `json:"system_instructions"`
	Mode               types.Mode `json:"mode"`
}

// CallConfig returns the controller configuration for the embedded session.
func (e Embedded) CallConfig() call.Config {
	return call.Config{
		ScenarioID:   e.ScenarioID,
		SessionID:    e.SessionID,
		PersonaID:    e.PersonaID,
		Instructions: e.SystemInstructions,
		Voice:        e.Voice,
		Model:        e.Model,
		Mode:         e.Mode,
	}
}

// Hit is one recall search result.
type Hit struct {
	SessionID  string    `json:"session_id"`
	ScenarioID string    `json:"scenario_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Distance   float64   `json:"distance"`
}

type credentialRequest struct {
	SystemInstructions string `json:"system_instructions,omitempty"`
	PersonaID          string `json:"persona_id,omitempty"`
	Voice              string `json:"voice,omitempty"`
	Model              string `json:"model,omitempty"`
}

type credentialResponse struct {
	Data struct {
		ClientSecret struct {
			Value     string `json:"value"`
			ExpiresAt int64  `json:"expires_at"`
		} `json:"client_secret"`
	} `json:"data"`
	Voice string `json:"voice"`
	Model string `json:"model"`
}

// ---- Credentials ----

// MintCredential requests an ephemeral credential for one realtime session.
func (c *Client) MintCredential(ctx context.Context, req call.CredentialRequest) (call.Credential, error) {
	const op = "mint credential"
	var resp credentialResponse
	err := c.do(ctx, http.MethodPost, "/api/realtime-credential", credentialRequest{
		SystemInstructions: req.Instructions,
		PersonaID:          req.PersonaID,
		Voice:              req.Voice,
		Model:              req.Model,
	}, &resp)
	if err != nil {
		return call.Credential{}, classify(op, err, types.KindUpstreamAuth)
	}
	secret := resp.Data.ClientSecret
	if secret.Value == "" {
		return call.Credential{}, types.Wrap(types.KindUpstreamAuth, op, errors.New("response carries no client secret"))
	}
	cred := call.Credential{Value: secret.Value, Voice: resp.Voice, Model: resp.Model}
	if secret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(secret.ExpiresAt, 0)
	}
	return cred, nil
}

// ---- Persistence ----

// SaveSession stores a finished standalone session and returns its id.
func (c *Client) SaveSession(ctx context.Context, scenarioID string, durationSeconds int, msgs []types.Message) (string, error) {
	var resp struct {
		Success   bool   `json:"success"`
		SessionID string `json:"session_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/save-session", map[string]any{
		"scenario_id":      scenarioID,
		"duration_seconds": durationSeconds,
		"messages":         nonNil(msgs),
	}, &resp)
	if err != nil {
		return "", classify("save session", err, types.KindPersistence)
	}
	return resp.SessionID, nil
}

// AppendMessages finalizes an embedded session. msgs may be empty.
func (c *Client) AppendMessages(ctx context.Context, sessionID string, durationSeconds int, msgs []types.Message) (int, error) {
	var resp struct {
		Success       bool `json:"success"`
		MessagesCount int  `json:"messages_count"`
	}
	err := c.do(ctx, http.MethodPost, "/api/update-session", map[string]any{
		"session_id":       sessionID,
		"duration_seconds": durationSeconds,
		"messages":         nonNil(msgs),
	}, &resp)
	if err != nil {
		return 0, classify("update session", err, types.KindPersistence)
	}
	return resp.MessagesCount, nil
}

// PrepareEmbedded creates a session row before the conversation starts.
func (c *Client) PrepareEmbedded(ctx context.Context, req EmbeddedRequest) (Embedded, error) {
	var resp Embedded
	if err := c.do(ctx, http.MethodPost, "/api/embedded-sessions", req, &resp); err != nil {
		return Embedded{}, classify("prepare embedded session", err, types.KindPersistence)
	}
	return resp, nil
}

// ---- Read side ----

// ListScenarios returns the backend catalog.
func (c *Client) ListScenarios(ctx context.Context) ([]Scenario, error) {
	var resp struct {
		Scenarios []Scenario `json:"scenarios"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/scenarios", nil, &resp); err != nil {
		return nil, classify("list scenarios", err, types.KindUnknown)
	}
	return resp.Scenarios, nil
}

// GetSession returns a session with its transcript.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &resp); err != nil {
		return Session{}, classify("get session", err, types.KindUnknown)
	}
	return resp, nil
}

// ListSessions returns the most recent sessions, optionally filtered by
// scenario. limit <= 0 uses the backend default.
func (c *Client) ListSessions(ctx context.Context, scenarioID string, limit int) ([]Session, error) {
	q := url.Values{}
	if scenarioID != "" {
		q.Set("scenario_id", scenarioID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, classify("list sessions", err, types.KindUnknown)
	}
	return resp.Sessions, nil
}

// Recall searches saved transcripts. It fails with KindNotFound when the
// backend runs without recall.
func (c *Client) Recall(ctx context.Context, query string, limit int) ([]Hit, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Hits []Hit `json:"hits"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/recall?"+q.Encode(), nil, &resp); err != nil {
		return nil, classify("recall", err, types.KindUnknown)
	}
	return resp.Hits, nil
}

// ---- transport ----

// statusError is a non-2xx reply from the backend.
type statusError struct {
	Status  int
	Message string
}

func (e *statusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &statusError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			se.Message = payload.Error
		} else {
			se.Message = strings.TrimSpace(string(raw))
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classify maps a transport or status error onto an error kind. fallback is
// used for everything that is not a 400 or 404.
func classify(op string, err error, fallback types.Kind) error {
	var se *statusError
	if errors.As(err, &se) {
		switch se.Status {
		case http.StatusBadRequest:
			return types.Validation(op, se.Message)
		case http.StatusNotFound:
			return types.NotFound(op, se.Message)
		}
	}
	if fallback == types.KindUnknown {
		return fmt.Errorf("coachclient: %s: %w", op, err)
	}
	return types.Wrap(fallback, op, err)
}

func nonNil(msgs []types.Message) []types.Message {
	if msgs == nil {
		return []types.Message{}
	}
	return msgs
}
