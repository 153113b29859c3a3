package ws_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/realtime"
	"github.com/MrWong99/voicecoach/pkg/realtime/ws"
	"github.com/MrWong99/voicecoach/pkg/types"
)

// captureSink records frames written to it.
type captureSink struct {
	mu     sync.Mutex
	frames []audio.Frame
}

func (s *captureSink) Write(f audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// mockProvider accepts one realtime WebSocket, records client event types and
// replays the scripted server events after the session update arrives.
func mockProvider(t *testing.T, script []string, clientTypes chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ek_test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		sentScript := false
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var ev struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(data, &ev)
			select {
			case clientTypes <- ev.Type:
			default:
			}
			if ev.Type == "session.update" && !sentScript {
				sentScript = true
				for _, msg := range script {
					if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
						return
					}
				}
			}
			if ev.Type == "response.create" {
				conn.Close(websocket.StatusNormalClosure, "bye")
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTransport_EventsAudioAndClose(t *testing.T) {
	t.Parallel()

	delta := base64.StdEncoding.EncodeToString(make([]byte, 960))
	script := []string{
		`{"type":"session.created","event_id":"ev_0"}`,
		`{"type":"response.audio.delta","event_id":"ev_1","delta":"` + delta + `"}`,
		`{"type":"response.audio_transcript.done","event_id":"ev_2","transcript":"Bonjour !"}`,
	}
	clientTypes := make(chan string, 64)
	srv := mockProvider(t, script, clientTypes)

	sink := &captureSink{}
	mic := audio.NewBufferSource(make([]byte, 1920*2), audio.Format{SampleRate: 48000, Channels: 1}, false)
	defer mic.Close()

	tr := ws.New(ws.WithBaseURL("ws" + strings.TrimPrefix(srv.URL, "http")))
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Negotiate(ctx, realtime.Negotiation{Credential: "ek_test", Model: "gpt-realtime-mini", Source: mic, Sink: sink}); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	select {
	case <-tr.Ready():
	case <-ctx.Done():
		t.Fatal("not ready")
	}

	var tags []string
	for len(tags) < len(script) {
		select {
		case raw := <-tr.Messages():
			ev, err := realtime.Decode(raw)
			if err != nil {
				t.Fatal(err)
			}
			tags = append(tags, ev.Tag)
		case <-ctx.Done():
			t.Fatalf("only got %v", tags)
		}
	}
	if tags[2] != realtime.TagAssistantTranscriptFinal {
		t.Errorf("tags = %v", tags)
	}
	if sink.count() != 1 {
		t.Errorf("sink frames = %d, want 1", sink.count())
	}

	// The microphone pump appends audio.
	sawAppend := false
	for !sawAppend {
		select {
		case typ := <-clientTypes:
			sawAppend = typ == "input_audio_buffer.append"
		case <-ctx.Done():
			t.Fatal("no input_audio_buffer.append received")
		}
	}

	if err := tr.Send(ctx, realtime.ResponseCreate()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Connected first, then the provider's normal close.
	want := []realtime.ConnState{realtime.ConnConnected, realtime.ConnDisconnected}
	for _, w := range want {
		select {
		case s := <-tr.States():
			if s != w {
				t.Errorf("state = %v, want %v", s, w)
			}
		case <-ctx.Done():
			t.Fatalf("missing state %v", w)
		}
	}

	if err := tr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestTransport_DialFailureIsNegotiationError(t *testing.T) {
	t.Parallel()

	srv := mockProvider(t, nil, make(chan string, 1))
	tr := ws.New(ws.WithBaseURL("ws" + strings.TrimPrefix(srv.URL, "http")))
	defer tr.Close()

	err := tr.Negotiate(context.Background(), realtime.Negotiation{Credential: "wrong", Model: "m"})
	if !errors.Is(err, types.ErrTransportNegotiation) {
		t.Fatalf("error = %v, want transport negotiation", err)
	}
}
