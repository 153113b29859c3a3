// Package realtime describes the conversation with the realtime speech
// provider: the closed taxonomy of inbound events the session controller acts
// on, the outbound client events it sends, and the [Transport] contract that
// carries both.
//
// Only finalized transcript events ever reach the transcript. Partial deltas
// and every event tag not listed in the taxonomy decode to [EventIgnored].
package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/MrWong99/voicecoach/pkg/types"
)

// EventKind classifies an inbound provider event.
type EventKind int

const (
	// EventIgnored covers every tag the controller does not act on.
	EventIgnored EventKind = iota

	// EventUserTranscriptFinal is the final transcription of the user's speech.
	EventUserTranscriptFinal

	// EventAssistantTranscriptFinal is the final transcript of a persona reply.
	EventAssistantTranscriptFinal

	// EventAssistantAudioChunk signals persona audio is playing.
	EventAssistantAudioChunk

	// EventAssistantAudioDone signals the persona's audio stream finished.
	EventAssistantAudioDone

	// EventAssistantTurnDone signals the persona's whole response finished.
	EventAssistantTurnDone

	// EventError is an error reported by the provider.
	EventError
)

// Provider event tags.
const (
	TagUserTranscriptFinal      = "conversation.item.input_audio_transcription.completed"
	TagAssistantTranscriptFinal = "response.audio_transcript.done"
	TagAssistantAudioChunk      = "response.audio.delta"
	TagAssistantAudioDone       = "response.audio.done"
	TagAssistantTurnDone        = "response.done"
	TagError                    = "error"
)

var kindByTag = map[string]EventKind{
	TagUserTranscriptFinal:      EventUserTranscriptFinal,
	TagAssistantTranscriptFinal: EventAssistantTranscriptFinal,
	TagAssistantAudioChunk:      EventAssistantAudioChunk,
	TagAssistantAudioDone:       EventAssistantAudioDone,
	TagAssistantTurnDone:        EventAssistantTurnDone,
	TagError:                    EventError,
}

// String returns the human-readable name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventUserTranscriptFinal:
		return "USER_TRANSCRIPT_FINAL"
	case EventAssistantTranscriptFinal:
		return "ASSISTANT_TRANSCRIPT_FINAL"
	case EventAssistantAudioChunk:
		return "ASSISTANT_AUDIO_CHUNK"
	case EventAssistantAudioDone:
		return "ASSISTANT_AUDIO_DONE"
	case EventAssistantTurnDone:
		return "ASSISTANT_TURN_DONE"
	case EventError:
		return "ERROR"
	default:
		return "IGNORED"
	}
}

// Event is a decoded inbound provider event.
type Event struct {
	Kind EventKind

	// Tag is the raw "type" field.
	Tag string

	// ID is the provider's event_id, used for transcript deduplication.
	// May be empty.
	ID string

	// Transcript is set for the two final transcript kinds.
	Transcript string

	// Audio is the base64 PCM16 payload of an audio chunk. Only transports
	// that carry audio in-band (WebSocket) populate it.
	Audio string

	// ErrorMessage is set for [EventError].
	ErrorMessage string
}

// wireEvent is the subset of the provider's JSON the taxonomy needs.
type wireEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Decode parses one inbound message. Malformed JSON and messages without a
// type tag are [types.KindProtocol] errors; callers log and skip them.
func Decode(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, types.Wrap(types.KindProtocol, "decode realtime event", err)
	}
	if w.Type == "" {
		return Event{}, &types.Error{Kind: types.KindProtocol, Op: "decode realtime event", Msg: "missing type"}
	}

	ev := Event{
		Kind: kindByTag[w.Type],
		Tag:  w.Type,
		ID:   w.EventID,
	}
	switch ev.Kind {
	case EventUserTranscriptFinal, EventAssistantTranscriptFinal:
		ev.Transcript = w.Transcript
	case EventAssistantAudioChunk:
		ev.Audio = w.Delta
	case EventError:
		ev.ErrorMessage = "unknown error"
		if w.Error != nil && w.Error.Message != "" {
			ev.ErrorMessage = w.Error.Message
		}
	}
	return ev, nil
}

// ── Outbound client events ─────────────────────────────────────────────────────

// Opening lines the client speaks on the persona's behalf so the persona
// starts the scene without waiting for the user.
const (
	BeginStandardText = "La simulation commence. Mets-toi directement dans ton personnage et commence la scène. Joue ton rôle immédiatement."
	BeginCoachText    = "Bonjour Coach, je viens de terminer ma session de coaching et j'aimerais avoir ton feedback."
)

// ConversationItemCreate is the conversation.item.create client event.
type ConversationItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

// ConversationItem is a single item injected into the conversation.
type ConversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []ConversationPart `json:"content,omitempty"`
}

// ConversationPart is one content part of a [ConversationItem].
type ConversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ClientEvent is a client event with no payload besides its type.
type ClientEvent struct {
	Type string `json:"type"`
}

// InputAudioAppend carries base64 PCM16 microphone audio over transports that
// have no media track.
type InputAudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// SessionUpdate is the session.update client event.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

// SessionParams configures audio formats and transcription for a session.
type SessionParams struct {
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
}

// InputAudioTranscription selects the model transcribing user speech.
type InputAudioTranscription struct {
	Model string `json:"model"`
}

// BeginConversation returns the synthetic user instruction sent once the event
// channel opens.
func BeginConversation(mode types.Mode) ConversationItemCreate {
	text := BeginStandardText
	if mode == types.ModeCoach {
		text = BeginCoachText
	}
	return ConversationItemCreate{
		Type: "conversation.item.create",
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ConversationPart{{Type: "input_text", Text: text}},
		},
	}
}

// ResponseCreate asks the provider to produce a response.
func ResponseCreate() ClientEvent {
	return ClientEvent{Type: "response.create"}
}

// String implements fmt.Stringer for log lines.
func (e Event) String() string {
	if e.ID == "" {
		return e.Tag
	}
	return fmt.Sprintf("%s(%s)", e.Tag, e.ID)
}
