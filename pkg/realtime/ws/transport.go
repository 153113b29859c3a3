// Package ws implements [realtime.Transport] over the provider's WebSocket
// endpoint.
//
// It is the fallback for hosts where WebRTC is unavailable. Audio travels
// in-band: microphone PCM is resampled to 24 kHz mono and appended with
// input_audio_buffer.append events, and persona audio arrives base64-encoded
// in response.audio.delta events. Every inbound frame is still forwarded raw
// on [Transport.Messages], so the controller sees the same event stream as
// with WebRTC.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/realtime"
	"github.com/MrWong99/voicecoach/pkg/types"
)

// Compile-time assertion that Transport satisfies realtime.Transport.
var _ realtime.Transport = (*Transport)(nil)

const (
	// DefaultBaseURL is the provider's realtime WebSocket endpoint.
	DefaultBaseURL = "wss://api.openai.com/v1/realtime"

	// TranscriptionModel transcribes the user's speech.
	TranscriptionModel = "whisper-1"

	messageBuffer = 64
	readLimit     = 1 << 22
)

// PCMFormat is the realtime WebSocket audio format (pcm16, 24 kHz mono).
var PCMFormat = audio.Format{SampleRate: 24000, Channels: 1}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Transport].
type Option func(*Transport)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport is a single-use WebSocket session with the realtime provider.
type Transport struct {
	baseURL string
	log     *slog.Logger

	ready    chan struct{}
	messages chan []byte
	states   chan realtime.ConnState
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// New creates an idle transport. Call [Transport.Negotiate] to connect.
func New(opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		baseURL:  DefaultBaseURL,
		log:      slog.Default(),
		ready:    make(chan struct{}),
		messages: make(chan []byte, messageBuffer),
		states:   make(chan realtime.ConnState, 4),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Negotiate dials the provider with the ephemeral credential, configures the
// session's audio formats and starts the read and microphone loops. Failures
// are [types.KindTransportNegotiation] errors.
func (t *Transport) Negotiate(ctx context.Context, n realtime.Negotiation) error {
	if n.Credential == "" {
		return types.Wrap(types.KindTransportNegotiation, "negotiate websocket", errors.New("missing credential"))
	}

	conn, _, err := websocket.Dial(ctx, realtime.EndpointURL(t.baseURL, n.Model), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + n.Credential},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return types.Wrap(types.KindTransportNegotiation, "negotiate websocket", fmt.Errorf("dial: %w", err))
	}
	conn.SetReadLimit(readLimit)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "transport closed")
		return types.Wrap(types.KindTransportNegotiation, "negotiate websocket", errors.New("transport closed"))
	}
	t.conn = conn
	t.wg.Add(1)
	go t.receiveLoop(conn, n.Sink)
	if n.Source != nil {
		t.wg.Add(1)
		go t.pumpMicrophone(n.Source)
	}
	t.mu.Unlock()

	update := realtime.SessionUpdate{
		Type: "session.update",
		Session: realtime.SessionParams{
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &realtime.InputAudioTranscription{Model: TranscriptionModel},
		},
	}
	if err := t.Send(ctx, update); err != nil {
		return types.Wrap(types.KindTransportNegotiation, "negotiate websocket", fmt.Errorf("session update: %w", err))
	}

	t.pushState(realtime.ConnConnected)
	close(t.ready)
	return nil
}

// receiveLoop forwards inbound frames and plays audio deltas until the
// connection ends.
func (t *Transport) receiveLoop(conn *websocket.Conn, sink audio.Sink) {
	defer t.wg.Done()

	for {
		_, data, err := conn.Read(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				t.pushState(realtime.ConnDisconnected)
			} else {
				t.log.Warn("ws: read failed", "err", err)
				t.pushState(realtime.ConnFailed)
			}
			return
		}

		if sink != nil {
			t.playDelta(data, sink)
		}
		select {
		case t.messages <- data:
		case <-t.done:
			return
		}
	}
}

// playDelta writes the audio of a response.audio.delta event to sink. Other
// events are left to the controller.
func (t *Transport) playDelta(data []byte, sink audio.Sink) {
	ev, err := realtime.Decode(data)
	if err != nil || ev.Kind != realtime.EventAssistantAudioChunk || ev.Audio == "" {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(ev.Audio)
	if err != nil || len(pcm) == 0 {
		return
	}
	frame := audio.Frame{Data: pcm, SampleRate: PCMFormat.SampleRate, Channels: PCMFormat.Channels}
	if err := sink.Write(frame); err != nil {
		t.log.Debug("ws: write remote audio", "err", err)
	}
}

// pumpMicrophone appends captured audio to the provider's input buffer.
func (t *Transport) pumpMicrophone(src audio.Source) {
	defer t.wg.Done()
	frames := src.Frames()
	for {
		select {
		case <-t.done:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			pcm := audio.Convert(f, PCMFormat).Data
			if len(pcm) == 0 {
				continue
			}
			msg := realtime.InputAudioAppend{
				Type:  "input_audio_buffer.append",
				Audio: base64.StdEncoding.EncodeToString(pcm),
			}
			if err := t.Send(t.ctx, msg); err != nil {
				if t.ctx.Err() != nil {
					return
				}
				t.log.Debug("ws: append audio", "err", err)
			}
		}
	}
}

func (t *Transport) pushState(s realtime.ConnState) {
	select {
	case t.states <- s:
	case <-t.done:
	}
}

// ── realtime.Transport ─────────────────────────────────────────────────────────

// Ready is closed once the session update has been sent.
func (t *Transport) Ready() <-chan struct{} { return t.ready }

// Messages delivers raw inbound frames in arrival order.
func (t *Transport) Messages() <-chan []byte { return t.messages }

// States delivers connection state changes.
func (t *Transport) States() <-chan realtime.ConnState { return t.states }

// Send marshals v and writes it as a text WebSocket message.
func (t *Transport) Send(ctx context.Context, v any) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return errors.New("ws: send on closed transport")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ws: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the WebSocket and waits for the loops to exit. It is safe to
// call more than once; subsequent calls are no-ops and return nil.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		conn := t.conn
		t.mu.Unlock()

		close(t.done)
		if conn != nil {
			if err := conn.Close(websocket.StatusNormalClosure, "session ended"); err != nil {
				t.log.Debug("ws: close", "err", err)
			}
		}
		t.cancel()
		t.wg.Wait()
	})
	return nil
}
