package realtime

import (
	"context"
	"net/url"

	"github.com/MrWong99/voicecoach/pkg/audio"
)

// ConnState is the connection state reported by a [Transport].
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

// String returns the human-readable name of the state.
func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the session.
func (s ConnState) Terminal() bool {
	return s == ConnDisconnected || s == ConnFailed || s == ConnClosed
}

// DefaultBaseURL is the realtime provider's HTTPS base.
const DefaultBaseURL = "https://api.openai.com/v1/realtime"

// Negotiation is everything a transport needs to establish a session.
type Negotiation struct {
	// Credential is the short-lived ephemeral key. Never the long-lived key.
	Credential string

	// Model selects the realtime model.
	Model string

	// Source is the captured microphone stream. The transport reads it but
	// does not close it.
	Source audio.Source

	// Sink receives the persona's decoded speech. May be nil.
	Sink audio.Sink
}

// Transport carries client and provider events plus audio between the
// controller and the realtime provider.
//
// Lifecycle: the controller calls Negotiate once. Ready is closed once the
// event channel can accept client events. States delivers connection state
// changes and Messages delivers raw inbound event payloads in arrival order.
// Neither channel is closed; once Close returns no further values are
// delivered. Close is idempotent and releases every resource the transport
// created, whether or not Negotiate succeeded.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	Negotiate(ctx context.Context, n Negotiation) error
	Ready() <-chan struct{}
	Messages() <-chan []byte
	States() <-chan ConnState
	Send(ctx context.Context, v any) error
	Close() error
}

// EndpointURL builds "<base>?model=<model>".
func EndpointURL(base, model string) string {
	if model == "" {
		return base
	}
	return base + "?model=" + url.QueryEscape(model)
}
