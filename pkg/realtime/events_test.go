package realtime_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/voicecoach/pkg/realtime"
	"github.com/MrWong99/voicecoach/pkg/types"
)

func TestDecode_Taxonomy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		kind       realtime.EventKind
		transcript string
		id         string
	}{
		{
			name:       "user final",
			raw:        `{"type":"conversation.item.input_audio_transcription.completed","event_id":"ev_1","transcript":"Bonjour"}`,
			kind:       realtime.EventUserTranscriptFinal,
			transcript: "Bonjour",
			id:         "ev_1",
		},
		{
			name:       "assistant final",
			raw:        `{"type":"response.audio_transcript.done","event_id":"ev_2","transcript":"Que voulez-vous ?"}`,
			kind:       realtime.EventAssistantTranscriptFinal,
			transcript: "Que voulez-vous ?",
			id:         "ev_2",
		},
		{name: "audio chunk", raw: `{"type":"response.audio.delta","delta":"AAAA"}`, kind: realtime.EventAssistantAudioChunk},
		{name: "audio done", raw: `{"type":"response.audio.done"}`, kind: realtime.EventAssistantAudioDone},
		{name: "turn done", raw: `{"type":"response.done"}`, kind: realtime.EventAssistantTurnDone},
		{name: "transcript delta ignored", raw: `{"type":"response.audio_transcript.delta","delta":"Que"}`, kind: realtime.EventIgnored},
		{name: "session created ignored", raw: `{"type":"session.created","session":{}}`, kind: realtime.EventIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, err := realtime.Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if ev.Kind != tt.kind {
				t.Errorf("kind = %v, want %v", ev.Kind, tt.kind)
			}
			if ev.Transcript != tt.transcript {
				t.Errorf("transcript = %q, want %q", ev.Transcript, tt.transcript)
			}
			if ev.ID != tt.id {
				t.Errorf("id = %q, want %q", ev.ID, tt.id)
			}
		})
	}
}

func TestDecode_ErrorMessage(t *testing.T) {
	t.Parallel()

	ev, err := realtime.Decode([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad audio"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != realtime.EventError || ev.ErrorMessage != "bad audio" {
		t.Errorf("got %+v", ev)
	}

	ev, err = realtime.Decode([]byte(`{"type":"error"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.ErrorMessage != "unknown error" {
		t.Errorf("fallback message = %q", ev.ErrorMessage)
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`not json`, `{"transcript":"x"}`, `[]`} {
		_, err := realtime.Decode([]byte(raw))
		if !errors.Is(err, types.ErrProtocol) {
			t.Errorf("Decode(%q) error = %v, want protocol", raw, err)
		}
	}
}

func TestBeginConversation(t *testing.T) {
	t.Parallel()

	for mode, want := range map[types.Mode]string{
		types.ModeStandard: realtime.BeginStandardText,
		types.ModeCoach:    realtime.BeginCoachText,
	} {
		b, err := json.Marshal(realtime.BeginConversation(mode))
		if err != nil {
			t.Fatal(err)
		}
		s := string(b)
		for _, frag := range []string{`"type":"conversation.item.create"`, `"role":"user"`, `"type":"input_text"`} {
			if !strings.Contains(s, frag) {
				t.Errorf("%s: missing %s in %s", mode, frag, s)
			}
		}
		if !strings.Contains(s, want[:20]) {
			t.Errorf("%s: wrong opening text in %s", mode, s)
		}
	}

	b, _ := json.Marshal(realtime.ResponseCreate())
	if string(b) != `{"type":"response.create"}` {
		t.Errorf("response.create = %s", b)
	}
}

func TestEndpointURL(t *testing.T) {
	t.Parallel()

	got := realtime.EndpointURL(realtime.DefaultBaseURL, "gpt-4o-mini-realtime-preview")
	want := "https://api.openai.com/v1/realtime?model=gpt-4o-mini-realtime-preview"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
