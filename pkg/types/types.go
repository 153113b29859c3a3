// Package types defines the shared types used across all voicecoach packages.
//
// These types form the lingua franca between the realtime session controller,
// the transcript accumulator, the backend client and the persistence layer.
// Each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role identifies the speaker of a transcript [Message].
type Role string

const (
	// RoleUser is the human practising the scenario.
	RoleUser Role = "user"

	// RoleAssistant is the AI persona.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ParseRole converts s into a [Role]. Unknown values return a validation error.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", Validation("parse role", fmt.Sprintf("unknown role %q", s))
	}
	return r, nil
}

// Message is a single finalized utterance in a session transcript.
// Messages are immutable once appended; the order of a transcript slice is
// the conversational order.
type Message struct {
	// Role is the speaker.
	Role Role `json:"role"`

	// Content is the trimmed utterance text. Never empty.
	Content string `json:"content"`

	// Timestamp is the moment the message was appended on the client.
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the invariants of a single message.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return Validation("validate message", fmt.Sprintf("invalid role %q", m.Role))
	}
	if strings.TrimSpace(m.Content) == "" {
		return Validation("validate message", "empty content")
	}
	return nil
}

// ValidateMessages validates every message and reports the index of the first
// offending entry.
func ValidateMessages(msgs []Message) error {
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return Validation("validate messages", fmt.Sprintf("message %d: %s", i, MessageOf(err)))
		}
	}
	return nil
}

// MarshalJSON renders the timestamp as an RFC 3339 instant with millisecond
// precision, which is what browser clients produce.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role      Role   `json:"role"`
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
	}
	return json.Marshal(wire{
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

// SessionStatus is the lifecycle marker stored alongside a persisted session.
type SessionStatus string

const (
	// StatusInProgress marks an eagerly created session that has not been
	// finalized yet (embedded variant).
	StatusInProgress SessionStatus = "in_progress"

	// StatusCompleted marks a finished session.
	StatusCompleted SessionStatus = "completed"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	return s == StatusInProgress || s == StatusCompleted
}

// Mode selects which opening instruction a session sends and how the persona
// prompt is built.
type Mode string

const (
	// ModeStandard is a regular role-play simulation.
	ModeStandard Mode = "standard"

	// ModeCoach is a debrief with a feedback coach about a previous session.
	ModeCoach Mode = "coach"
)

// ParseMode converts s into a [Mode]. The empty string maps to [ModeStandard].
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeStandard:
		return ModeStandard, nil
	case ModeCoach:
		return ModeCoach, nil
	default:
		return "", Validation("parse mode", fmt.Sprintf("unknown mode %q", s))
	}
}
