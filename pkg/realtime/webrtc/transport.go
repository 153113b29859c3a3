// Package webrtc implements [realtime.Transport] over a WebRTC peer
// connection using pion.
//
// The browser-style flow is reproduced exactly: a local Opus track carries the
// microphone, the "oai-events" data channel carries JSON events in both
// directions, and the SDP offer is exchanged with the provider by a single
// HTTP POST authorised with the ephemeral credential. The persona's voice
// arrives as a remote Opus track and is decoded into the negotiation's sink.
package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/realtime"
	"github.com/MrWong99/voicecoach/pkg/types"
)

// Compile-time assertion that Transport satisfies realtime.Transport.
var _ realtime.Transport = (*Transport)(nil)

const (
	// EventsChannel is the label of the data channel carrying JSON events.
	EventsChannel = "oai-events"

	// DefaultSTUNServer is used when no ICE servers are configured.
	DefaultSTUNServer = "stun:stun.l.google.com:19302"

	messageBuffer = 64
	stateBuffer   = 8
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Transport].
type Option func(*Transport)

// WithBaseURL overrides the SDP exchange endpoint. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// WithHTTPClient sets the client used for the SDP exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// WithICEServers replaces the STUN/TURN server list. An empty list disables
// ICE servers entirely, leaving only host candidates.
func WithICEServers(urls ...string) Option {
	return func(t *Transport) { t.iceServers = urls }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport is a single-use WebRTC session with the realtime provider.
type Transport struct {
	baseURL    string
	httpClient *http.Client
	iceServers []string
	log        *slog.Logger

	ready    chan struct{}
	messages chan []byte
	states   chan realtime.ConnState
	done     chan struct{}

	readyOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	closed bool
}

// New creates an idle transport. Call [Transport.Negotiate] to connect.
func New(opts ...Option) *Transport {
	t := &Transport{
		baseURL:    realtime.DefaultBaseURL,
		httpClient: http.DefaultClient,
		iceServers: []string{DefaultSTUNServer},
		log:        slog.Default(),
		ready:      make(chan struct{}),
		messages:   make(chan []byte, messageBuffer),
		states:     make(chan realtime.ConnState, stateBuffer),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Negotiate builds the peer connection, exchanges SDP with the provider and
// starts the microphone pump. Every failure is a
// [types.KindTransportNegotiation] error; resources created before the
// failure stay owned by the transport and are released by Close.
func (t *Transport) Negotiate(ctx context.Context, n realtime.Negotiation) error {
	if err := t.negotiate(ctx, n); err != nil {
		return types.Wrap(types.KindTransportNegotiation, "negotiate webrtc", err)
	}
	return nil
}

func (t *Transport) negotiate(ctx context.Context, n realtime.Negotiation) error {
	if n.Credential == "" {
		return errors.New("missing credential")
	}

	cfg := webrtc.Configuration{}
	if len(t.iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: t.iceServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = pc.Close()
		return errors.New("transport closed")
	}
	t.pc = pc
	t.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.OpusSampleRate, Channels: 2},
		"audio", "voicecoach",
	)
	if err != nil {
		return fmt.Errorf("create local track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add local track: %w", err)
	}
	t.goDrainRTCP(sender)

	dc, err := pc.CreateDataChannel(EventsChannel, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(func() {
		t.readyOnce.Do(func() { close(t.ready) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case t.messages <- msg.Data:
		case <-t.done:
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		t.spawn(func() { t.playRemote(remote, n.Sink) })
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Debug("webrtc: connection state", "state", s.String())
		state, ok := mapState(s)
		if !ok {
			return
		}
		select {
		case t.states <- state:
		case <-t.done:
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	answer, err := t.exchangeSDP(ctx, n.Credential, n.Model, pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	if n.Source != nil {
		enc, err := audio.NewOpusEncoder()
		if err != nil {
			return err
		}
		t.spawn(func() { t.pumpMicrophone(n.Source, track, enc) })
	}
	return nil
}

// exchangeSDP posts the offer and returns the provider's answer.
func (t *Transport) exchangeSDP(ctx context.Context, credential, model, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, realtime.EndpointURL(t.baseURL, model), bytes.NewBufferString(offer))
	if err != nil {
		return "", fmt.Errorf("build sdp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sdp exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read sdp answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("sdp exchange: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", errors.New("sdp exchange: empty answer")
	}
	return string(body), nil
}

// pumpMicrophone encodes captured frames and writes them to the local track
// until the source ends or the transport closes.
func (t *Transport) pumpMicrophone(src audio.Source, track *webrtc.TrackLocalStaticSample, enc *audio.OpusEncoder) {
	frames := src.Frames()
	for {
		select {
		case <-t.done:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			packet, err := enc.Encode(f)
			if err != nil {
				t.log.Warn("webrtc: encode microphone frame", "err", err)
				continue
			}
			if err := track.WriteSample(media.Sample{Data: packet, Duration: audio.FrameDuration}); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				t.log.Debug("webrtc: write sample", "err", err)
			}
		}
	}
}

// playRemote decodes the persona's audio track into sink.
func (t *Transport) playRemote(remote *webrtc.TrackRemote, sink audio.Sink) {
	var dec *audio.OpusDecoder
	if sink != nil {
		var err error
		if dec, err = audio.NewOpusDecoder(); err != nil {
			t.log.Warn("webrtc: remote audio disabled", "err", err)
		}
	}
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if dec == nil || len(pkt.Payload) == 0 {
			continue
		}
		frame, err := dec.Decode(pkt.Payload)
		if err != nil {
			t.log.Debug("webrtc: decode remote audio", "err", err)
			continue
		}
		if err := sink.Write(frame); err != nil {
			t.log.Debug("webrtc: write remote audio", "err", err)
		}
	}
}

// goDrainRTCP reads RTCP for sender so interceptors keep working.
func (t *Transport) goDrainRTCP(sender *webrtc.RTPSender) {
	t.spawn(func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	})
}

// spawn runs fn on a tracked goroutine unless the transport is closed.
// Close waits for every spawned goroutine.
func (t *Transport) spawn(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// mapState translates pion states; "checking"-like intermediate states that
// have no counterpart are dropped.
func mapState(s webrtc.PeerConnectionState) (realtime.ConnState, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return realtime.ConnNew, true
	case webrtc.PeerConnectionStateConnecting:
		return realtime.ConnConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return realtime.ConnConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return realtime.ConnDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return realtime.ConnFailed, true
	case webrtc.PeerConnectionStateClosed:
		return realtime.ConnClosed, true
	default:
		return 0, false
	}
}

// ── realtime.Transport ─────────────────────────────────────────────────────────

// Ready is closed when the events data channel opens.
func (t *Transport) Ready() <-chan struct{} { return t.ready }

// Messages delivers raw data channel payloads in arrival order.
func (t *Transport) Messages() <-chan []byte { return t.messages }

// States delivers peer connection state changes.
func (t *Transport) States() <-chan realtime.ConnState { return t.states }

// Send marshals v and writes it to the events data channel.
func (t *Transport) Send(_ context.Context, v any) error {
	t.mu.Lock()
	dc, closed := t.dc, t.closed
	t.mu.Unlock()
	if closed {
		return errors.New("webrtc: send on closed transport")
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("webrtc: events channel not open")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("webrtc: marshal: %w", err)
	}
	return dc.SendText(string(data))
}

// Close tears down the data channel and peer connection and waits for the
// media goroutines. It is safe to call more than once; subsequent calls are
// no-ops and return nil.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		pc, dc := t.pc, t.dc
		t.mu.Unlock()

		close(t.done)
		if dc != nil {
			_ = dc.Close()
		}
		if pc != nil {
			err = pc.Close()
		}
		t.wg.Wait()
	})
	return err
}
