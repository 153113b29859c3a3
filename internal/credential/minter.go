// Package credential mints short-lived realtime credentials.
//
// The long-lived provider key never leaves the backend. A client asks for a
// credential naming a persona (or carrying its own system instructions), a
// voice and a model; the [Minter] validates the request against the
// configured allow-lists, creates a realtime session upstream and returns the
// ephemeral client secret together with the provider's session description.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"

	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/resilience"
	"github.com/MrWong99/voicecoach/internal/scenario"
	"github.com/MrWong99/voicecoach/pkg/types"
)

// sessionsPath is the provider endpoint that creates an ephemeral session.
const sessionsPath = "realtime/sessions"

// Request asks for one credential. Either SystemInstructions or PersonaID
// must be set; SystemInstructions wins when both are.
type Request struct {
	SystemInstructions string `json:"system_instructions,omitempty"`
	PersonaID          string `json:"persona_id,omitempty"`
	Voice              string `json:"voice,omitempty"`
	Model              string `json:"model,omitempty"`
}

// Credential is a minted ephemeral secret.
type Credential struct {
	Value     string
	ExpiresAt time.Time
	Voice     string
	Model     string

	// Session is the provider's session description, passed through to the
	// client unchanged.
	Session json.RawMessage
}

// Policy is the set of voices and models clients may ask for, and the
// defaults applied when they ask for none. Empty lists allow anything.
type Policy struct {
	Models       []string
	Voices       []string
	DefaultModel string
	DefaultVoice string

	// TranscriptionModel enables input audio transcription on every minted
	// session. The user's side of the transcript depends on it.
	TranscriptionModel string
}

// PersonaResolver looks up personas by id.
type PersonaResolver interface {
	Persona(id string) (scenario.Persona, error)
}

// Minter creates ephemeral realtime credentials. All methods are safe for
// concurrent use.
type Minter struct {
	client     oai.Client
	configured bool
	breaker    *resilience.CircuitBreaker
	personas   PersonaResolver
	metrics    *observe.Metrics

	mu     sync.RWMutex
	policy Policy
}

// Option configures a [Minter].
type Option func(*Minter)

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(mt *Minter) { mt.metrics = m }
}

// WithBreaker guards upstream calls with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(mt *Minter) { mt.breaker = cb }
}

// New returns a minter that calls the provider through client. configured
// reports whether a provider key is present; without one every mint fails
// with an upstream error instead of reaching the provider.
func New(client oai.Client, configured bool, policy Policy, personas PersonaResolver, opts ...Option) *Minter {
	m := &Minter{
		client:     client,
		configured: configured,
		personas:   personas,
		policy:     policy,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// SetPolicy replaces the allow-lists and defaults. In-flight mints finish
// with the policy they started with.
func (m *Minter) SetPolicy(p Policy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

// Policy returns the current policy.
func (m *Minter) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// sessionBody is the provider's create-session request.
type sessionBody struct {
	Model                   string                `json:"model"`
	Voice                   string                `json:"voice"`
	Instructions            string                `json:"instructions"`
	InputAudioTranscription *transcriptionSetting `json:"input_audio_transcription,omitempty"`
}

type transcriptionSetting struct {
	Model string `json:"model"`
}

// sessionReply is the subset of the provider's reply the minter reads.
type sessionReply struct {
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Mint validates req and creates an ephemeral session upstream.
//
// Invalid requests fail with a validation error before any upstream call.
// Every upstream failure, including an open breaker, fails with an upstream
// auth error.
func (m *Minter) Mint(ctx context.Context, req Request) (Credential, error) {
	start := time.Now()
	body, err := m.resolve(req)
	if err != nil {
		m.metrics.RecordCredentialMint(ctx, observe.OutcomeInvalid, time.Since(start))
		return Credential{}, err
	}

	cred, err := m.create(ctx, body)
	outcome := observe.OutcomeOK
	if err != nil {
		outcome = observe.OutcomeError
	}
	m.metrics.RecordCredentialMint(ctx, outcome, time.Since(start))
	return cred, err
}

func (m *Minter) resolve(req Request) (sessionBody, error) {
	const op = "mint credential"
	p := m.Policy()

	instructions := strings.TrimSpace(req.SystemInstructions)
	var persona scenario.Persona
	if req.PersonaID != "" && m.personas != nil {
		var err error
		persona, err = m.personas.Persona(req.PersonaID)
		if err != nil {
			return sessionBody{}, types.Validation(op, fmt.Sprintf("unknown persona_id %q", req.PersonaID))
		}
	}
	if instructions == "" {
		instructions = strings.TrimSpace(persona.Instructions)
	}
	if instructions == "" {
		return sessionBody{}, types.Validation(op, "persona_id or system_instructions is required")
	}

	voice := firstNonEmpty(req.Voice, persona.Voice, p.DefaultVoice)
	if voice == "" {
		return sessionBody{}, types.Validation(op, "voice is required")
	}
	if len(p.Voices) > 0 && !slices.Contains(p.Voices, voice) {
		return sessionBody{}, types.Validation(op, fmt.Sprintf("voice %q is not allowed", voice))
	}

	model := firstNonEmpty(req.Model, p.DefaultModel)
	if model == "" {
		return sessionBody{}, types.Validation(op, "model is required")
	}
	if len(p.Models) > 0 && !slices.Contains(p.Models, model) {
		return sessionBody{}, types.Validation(op, fmt.Sprintf("model %q is not allowed", model))
	}

	body := sessionBody{Model: model, Voice: voice, Instructions: instructions}
	if p.TranscriptionModel != "" {
		body.InputAudioTranscription = &transcriptionSetting{Model: p.TranscriptionModel}
	}
	return body, nil
}

func (m *Minter) create(ctx context.Context, body sessionBody) (Credential, error) {
	const op = "mint credential"
	if !m.configured {
		return Credential{}, &types.Error{Kind: types.KindUpstreamAuth, Op: op, Msg: "provider API key is not configured"}
	}

	var raw json.RawMessage
	call := func(ctx context.Context) error {
		return m.client.Post(ctx, sessionsPath, body, &raw)
	}
	var err error
	if m.breaker != nil {
		err = m.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		slog.Warn("credential: upstream session creation failed", "model", body.Model, "voice", body.Voice, "err", err)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return Credential{}, &types.Error{Kind: types.KindUpstreamAuth, Op: op, Msg: "provider temporarily unavailable", Err: err}
		}
		return Credential{}, types.Wrap(types.KindUpstreamAuth, op, err)
	}

	var reply sessionReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Credential{}, types.Wrap(types.KindUpstreamAuth, op, fmt.Errorf("decode session reply: %w", err))
	}
	if reply.ClientSecret.Value == "" {
		return Credential{}, &types.Error{Kind: types.KindUpstreamAuth, Op: op, Msg: "provider reply carries no client secret"}
	}

	cred := Credential{
		Value:   reply.ClientSecret.Value,
		Voice:   firstNonEmpty(reply.Voice, body.Voice),
		Model:   firstNonEmpty(reply.Model, body.Model),
		Session: raw,
	}
	if reply.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(reply.ClientSecret.ExpiresAt, 0).UTC()
	}
	return cred, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
