// Package call implements the realtime session controller: the state machine
// that drives one coaching conversation from microphone acquisition to
// transcript persistence.
//
// A [Controller] owns at most one active session. [Controller.Start] acquires
// the capture device, mints an ephemeral credential through a trusted
// backend, and negotiates a [realtime.Transport]. A single event-loop
// goroutine then owns every write to session state: inbound events feed the
// transcript accumulator and the "persona speaking" signal, and a one-second
// ticker counts the session duration. [Controller.Stop] (or the transport
// reporting a disconnect) releases everything and hands the final transcript
// to a [Persister].
package call

import (
	"context"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/realtime"
	"github.com/MrWong99/voicecoach/pkg/types"
)

// Status is the controller's lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusError
	// StatusEnded follows StatusDisconnected once persistence was attempted.
	StatusEnded
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusError:
		return "error"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Active reports whether a session holds resources in this status.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusConnected
}

// CredentialRequest asks the backend for an ephemeral credential. Either
// PersonaID or Instructions identifies the persona.
type CredentialRequest struct {
	PersonaID    string
	Instructions string
	Voice        string
	Model        string
}

// Credential is a short-lived secret scoped to one realtime connection.
type Credential struct {
	Value     string
	ExpiresAt time.Time
	Voice     string
	Model     string
}

// CredentialSource mints ephemeral credentials. Implementations report
// failures as [types.KindUpstreamAuth].
type CredentialSource interface {
	MintCredential(ctx context.Context, req CredentialRequest) (Credential, error)
}

// Persister stores finished transcripts.
type Persister interface {
	// SaveSession creates a completed session with its messages and returns
	// the new session id. msgs is never empty.
	SaveSession(ctx context.Context, scenarioID string, durationSeconds int, msgs []types.Message) (string, error)

	// AppendMessages finalizes an eagerly created session. msgs may be empty.
	AppendMessages(ctx context.Context, sessionID string, durationSeconds int, msgs []types.Message) (int, error)
}

// TransportFactory returns a fresh, unused transport for each session.
type TransportFactory func() realtime.Transport

// Config describes one session.
type Config struct {
	// ScenarioID is persisted with the transcript. Required.
	ScenarioID string

	// SessionID, when set, selects the embedded variant: the session row
	// already exists and is finalized with AppendMessages on stop.
	SessionID string

	// PersonaID or Instructions select the persona for the credential.
	PersonaID    string
	Instructions string

	Voice string
	Model string

	// Mode selects the opening instruction.
	Mode types.Mode

	// TickInterval is the duration counter period. Zero means one second.
	TickInterval time.Duration

	// NegotiateTimeout bounds credential minting plus transport negotiation.
	// Zero means no timeout.
	NegotiateTimeout time.Duration
}

// Deps are the collaborators a [Controller] drives.
type Deps struct {
	Device      audio.Device
	Credentials CredentialSource
	Transports  TransportFactory
	Persister   Persister

	// Sink plays the persona's voice. Nil discards it.
	Sink audio.Sink
}

// Update is a snapshot of UI-facing signals, delivered to the OnUpdate hook
// after every change.
type Update struct {
	Status          Status
	Speaking        bool
	DurationSeconds int
	Messages        int

	// Err is the error that moved the controller to StatusError.
	Err error

	// ProviderError is the last error message reported in-band by the
	// provider. It does not end the session.
	ProviderError string
}

// Result describes a finished session.
type Result struct {
	ScenarioID      string
	SessionID       string
	StartedAt       time.Time
	DurationSeconds int
	Messages        []types.Message

	// Saved is true when the persister accepted the transcript.
	Saved bool

	// SaveErr is the persistence failure, if any. It never fails Stop.
	SaveErr error
}
