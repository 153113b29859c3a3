package types

import (
	"errors"
	"fmt"
)

// Kind classifies an [Error] so callers can decide how to surface it without
// inspecting messages.
type Kind int

const (
	// KindUnknown is returned by [KindOf] for errors that carry no kind.
	KindUnknown Kind = iota

	// KindValidation means required input was missing or malformed.
	KindValidation

	// KindUpstreamAuth means the realtime provider refused or failed to mint
	// an ephemeral credential.
	KindUpstreamAuth

	// KindTransportNegotiation means the offer/answer exchange or the
	// connection establishment with the realtime provider failed.
	KindTransportNegotiation

	// KindDeviceAccess means the audio capture device was denied or missing.
	KindDeviceAccess

	// KindPersistence means the storage service rejected an insert or update.
	KindPersistence

	// KindProtocol means an inbound realtime event could not be parsed.
	KindProtocol

	// KindNotFound means a looked-up record does not exist.
	KindNotFound
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUpstreamAuth:
		return "upstream_auth"
	case KindTransportNegotiation:
		return "transport_negotiation"
	case KindDeviceAccess:
		return "device_access"
	case KindPersistence:
		return "persistence"
	case KindProtocol:
		return "protocol"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching. An [*Error] matches the sentinel of its kind.
var (
	ErrValidation           = &Error{Kind: KindValidation}
	ErrUpstreamAuth         = &Error{Kind: KindUpstreamAuth}
	ErrTransportNegotiation = &Error{Kind: KindTransportNegotiation}
	ErrDeviceAccess         = &Error{Kind: KindDeviceAccess}
	ErrPersistence          = &Error{Kind: KindPersistence}
	ErrProtocol             = &Error{Kind: KindProtocol}
	ErrNotFound             = &Error{Kind: KindNotFound}
)

// Error is the classified error type shared by every voicecoach package.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op names the operation that failed, e.g. "create session".
	Op string

	// Msg is an optional human-readable reason.
	Msg string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	default:
		return e.Kind.String() + " error"
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an [*Error] sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Validation returns a [KindValidation] error for op with the given reason.
func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

// NotFound returns a [KindNotFound] error for op with the given reason.
func NotFound(op, msg string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: msg}
}

// Wrap classifies err as kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost [*Error] in err's chain, or
// [KindUnknown] when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// MessageOf returns the reason carried by the outermost [*Error] in err's
// chain, falling back to err.Error().
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return err.Error()
}
