package call_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/call"
	"github.com/MrWong99/voicecoach/pkg/realtime"
	"github.com/MrWong99/voicecoach/pkg/types"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type fakeSource struct {
	frames chan audio.Frame
	closed atomic.Int32
}

func newFakeSource() *fakeSource { return &fakeSource{frames: make(chan audio.Frame)} }

func (s *fakeSource) Frames() <-chan audio.Frame { return s.frames }
func (s *fakeSource) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeDevice struct {
	src *fakeSource
	err error
}

func (d *fakeDevice) Acquire(context.Context) (audio.Source, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.src, nil
}

type fakeCredentials struct {
	calls atomic.Int32
	err   error
	// gate, when non-nil, blocks MintCredential until closed.
	gate chan struct{}
}

func (f *fakeCredentials) MintCredential(ctx context.Context, req call.CredentialRequest) (call.Credential, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return call.Credential{}, f.err
	}
	return call.Credential{Value: "ek_test", Model: req.Model, Voice: req.Voice}, nil
}

type fakeTransport struct {
	ready    chan struct{}
	messages chan []byte
	states   chan realtime.ConnState
	negErr   error

	mu   sync.Mutex
	sent []string
	neg  realtime.Negotiation

	closed atomic.Int32
	// closeGate, when non-nil, holds Close until closed.
	closeGate chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		ready:    make(chan struct{}),
		messages: make(chan []byte),
		states:   make(chan realtime.ConnState),
	}
}

func (f *fakeTransport) Negotiate(_ context.Context, n realtime.Negotiation) error {
	f.mu.Lock()
	f.neg = n
	f.mu.Unlock()
	return f.negErr
}
func (f *fakeTransport) Ready() <-chan struct{}            { return f.ready }
func (f *fakeTransport) Messages() <-chan []byte           { return f.messages }
func (f *fakeTransport) States() <-chan realtime.ConnState { return f.states }
func (f *fakeTransport) Send(_ context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(b))
	return nil
}
func (f *fakeTransport) Close() error {
	f.closed.Add(1)
	if f.closeGate != nil {
		<-f.closeGate
	}
	return nil
}

func (f *fakeTransport) sentEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type saveCall struct {
	scenarioID string
	sessionID  string
	duration   int
	msgs       []types.Message
}

type fakePersister struct {
	mu      sync.Mutex
	saves   []saveCall
	appends []saveCall
	err     error
}

func (p *fakePersister) SaveSession(_ context.Context, scenarioID string, duration int, msgs []types.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, saveCall{scenarioID: scenarioID, duration: duration, msgs: msgs})
	if p.err != nil {
		return "", p.err
	}
	return "sess-1", nil
}

func (p *fakePersister) AppendMessages(_ context.Context, sessionID string, duration int, msgs []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appends = append(p.appends, saveCall{sessionID: sessionID, duration: duration, msgs: msgs})
	if p.err != nil {
		return 0, p.err
	}
	return len(msgs), nil
}

func (p *fakePersister) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saves), len(p.appends)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type harness struct {
	src   *fakeSource
	dev   *fakeDevice
	creds *fakeCredentials
	tr    *fakeTransport
	store *fakePersister
	made  atomic.Int32
	ctrl  *call.Controller
}

func newHarness(t *testing.T, cfg call.Config) *harness {
	t.Helper()
	h := &harness{
		src:   newFakeSource(),
		creds: &fakeCredentials{},
		tr:    newFakeTransport(),
		store: &fakePersister{},
	}
	h.dev = &fakeDevice{src: h.src}
	if cfg.ScenarioID == "" {
		cfg.ScenarioID = "S1"
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Hour
	}
	h.ctrl = call.New(cfg, call.Deps{
		Device:      h.dev,
		Credentials: h.creds,
		Transports: func() realtime.Transport {
			h.made.Add(1)
			return h.tr
		},
		Persister: h.store,
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) deliver(t *testing.T, raw string) {
	t.Helper()
	select {
	case h.tr.messages <- []byte(raw):
	case <-time.After(2 * time.Second):
		t.Fatalf("event loop did not accept %s", raw)
	}
}

func (h *harness) state(t *testing.T, s realtime.ConnState) {
	t.Helper()
	select {
	case h.tr.states <- s:
	case <-time.After(2 * time.Second):
		t.Fatalf("event loop did not accept state %v", s)
	}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	close(h.tr.ready)
	h.state(t, realtime.ConnConnected)
	waitFor(t, "connected", func() bool { return h.ctrl.Status() == call.StatusConnected })
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestController_EndToEndDeduplicatedSave(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{Voice: "alloy", Model: "gpt-4o-mini-realtime-preview"})
	h.connect(t)

	waitFor(t, "begin instruction", func() bool { return len(h.tr.sentEvents()) == 2 })
	sent := h.tr.sentEvents()
	var first realtime.ConversationItemCreate
	if err := json.Unmarshal([]byte(sent[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "conversation.item.create" || first.Item.Content[0].Text != realtime.BeginStandardText {
		t.Errorf("first event = %s", sent[0])
	}
	if sent[1] != `{"type":"response.create"}` {
		t.Errorf("second event = %s", sent[1])
	}

	h.deliver(t, `{"type":"conversation.item.input_audio_transcription.completed","event_id":"1","transcript":"Hello"}`)
	h.deliver(t, `{"type":"response.audio_transcript.done","event_id":"2","transcript":"Hi there"}`)
	h.deliver(t, `{"type":"response.audio_transcript.done","event_id":"2","transcript":"Hi there"}`)

	res, err := h.ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !res.Saved || res.SessionID != "sess-1" {
		t.Errorf("result = %+v", res)
	}

	saves, _ := h.store.counts()
	if saves != 1 {
		t.Fatalf("saves = %d, want 1", saves)
	}
	got := h.store.saves[0]
	if got.scenarioID != "S1" || len(got.msgs) != 2 {
		t.Fatalf("persisted %+v", got)
	}
	if got.msgs[0].Role != types.RoleUser || got.msgs[0].Content != "Hello" {
		t.Errorf("msg 0 = %+v", got.msgs[0])
	}
	if got.msgs[1].Role != types.RoleAssistant || got.msgs[1].Content != "Hi there" {
		t.Errorf("msg 1 = %+v", got.msgs[1])
	}

	if h.ctrl.Status() != call.StatusEnded {
		t.Errorf("status = %v, want ended", h.ctrl.Status())
	}
	if h.tr.closed.Load() != 1 || h.src.closed.Load() != 1 {
		t.Errorf("transport closed %d times, source closed %d times", h.tr.closed.Load(), h.src.closed.Load())
	}
}

func TestController_StopWithoutMessagesSkipsPersistence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.connect(t)

	res, err := h.ctrl.Stop(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Saved || len(res.Messages) != 0 {
		t.Errorf("result = %+v", res)
	}
	if saves, appends := h.store.counts(); saves != 0 || appends != 0 {
		t.Errorf("persister invoked: saves=%d appends=%d", saves, appends)
	}
	if h.ctrl.Status() != call.StatusDisconnected {
		t.Errorf("status = %v, want disconnected", h.ctrl.Status())
	}
}

func TestController_SecondStopIsNoop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.connect(t)
	h.deliver(t, `{"type":"conversation.item.input_audio_transcription.completed","event_id":"1","transcript":"Bonjour"}`)

	if _, err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := h.ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if res.Saved || res.Messages != nil {
		t.Errorf("second Stop result = %+v", res)
	}
	if saves, _ := h.store.counts(); saves != 1 {
		t.Errorf("saves = %d, want 1", saves)
	}
	if h.tr.closed.Load() != 1 {
		t.Errorf("transport closed %d times", h.tr.closed.Load())
	}
}

func TestController_DeviceFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.dev.err = types.Wrap(types.KindDeviceAccess, "acquire audio device", errors.New("permission denied"))

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, types.ErrDeviceAccess) {
		t.Fatalf("error = %v, want device access", err)
	}
	if h.ctrl.Status() != call.StatusError {
		t.Errorf("status = %v", h.ctrl.Status())
	}
	if !errors.Is(h.ctrl.LastError(), types.ErrDeviceAccess) {
		t.Errorf("LastError = %v", h.ctrl.LastError())
	}
	if h.creds.calls.Load() != 0 {
		t.Error("credential minted after device failure")
	}
}

func TestController_UnclassifiedDeviceErrorIsDeviceAccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.dev.err = errors.New("no such device")

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, types.ErrDeviceAccess) {
		t.Fatalf("error = %v, want device access", err)
	}
	if err.Error() == "" || !errors.Is(err, h.dev.err) {
		t.Errorf("reason not preserved: %v", err)
	}
}

func TestController_CredentialFailureReleasesDevice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.creds.err = errors.New("401 from provider")

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, types.ErrUpstreamAuth) {
		t.Fatalf("error = %v, want upstream auth", err)
	}
	if h.src.closed.Load() != 1 {
		t.Errorf("source closed %d times, want 1", h.src.closed.Load())
	}
	if h.made.Load() != 0 {
		t.Error("transport created after credential failure")
	}
}

func TestController_NegotiationFailureReleasesEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.tr.negErr = types.Wrap(types.KindTransportNegotiation, "negotiate", errors.New("status 400"))

	err := h.ctrl.Start(context.Background())
	if !errors.Is(err, types.ErrTransportNegotiation) {
		t.Fatalf("error = %v, want transport negotiation", err)
	}
	if h.tr.closed.Load() != 1 || h.src.closed.Load() != 1 {
		t.Errorf("transport closed %d, source closed %d", h.tr.closed.Load(), h.src.closed.Load())
	}
	if h.ctrl.Status() != call.StatusError {
		t.Errorf("status = %v", h.ctrl.Status())
	}

	// Stop after a failed start has nothing to do.
	if res, err := h.ctrl.Stop(context.Background()); err != nil || res.Saved {
		t.Errorf("Stop after failure = %+v, %v", res, err)
	}
}

func TestController_StopDuringStartDropsLateResults(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.creds.gate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.Start(context.Background()) }()

	waitFor(t, "credential request", func() bool { return h.creds.calls.Load() == 1 })
	if _, err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.src.closed.Load() != 1 {
		t.Errorf("source not released by Stop")
	}
	close(h.creds.gate)

	if err := <-errCh; !errors.Is(err, call.ErrSuperseded) {
		t.Fatalf("Start error = %v, want ErrSuperseded", err)
	}
	if h.made.Load() != 0 {
		t.Error("transport created from a stale credential")
	}
	if h.ctrl.Status() == call.StatusConnecting || h.ctrl.Status() == call.StatusConnected {
		t.Errorf("status = %v after stale start", h.ctrl.Status())
	}
}

func TestController_AutoDisconnectPersists(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.connect(t)
	done := h.ctrl.Done()

	h.deliver(t, `{"type":"response.audio_transcript.done","event_id":"a1","transcript":"Je suis très mécontent."}`)
	h.state(t, realtime.ConnDisconnected)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after transport disconnect")
	}

	res := h.ctrl.LastResult()
	if !res.Saved || len(res.Messages) != 1 {
		t.Errorf("LastResult = %+v", res)
	}
	if h.tr.closed.Load() != 1 || h.src.closed.Load() != 1 {
		t.Errorf("resources not released: transport %d, source %d", h.tr.closed.Load(), h.src.closed.Load())
	}
	if res, _ := h.ctrl.Stop(context.Background()); res.Saved {
		t.Error("Stop after auto-disconnect persisted again")
	}
	if saves, _ := h.store.counts(); saves != 1 {
		t.Errorf("saves = %d, want 1", saves)
	}
}

func TestController_SpeakingSignal(t *testing.T) {
	t.Parallel()

	var updates atomic.Int32
	h := newHarness(t, call.Config{})
	h.ctrl = call.New(call.Config{ScenarioID: "S1", TickInterval: time.Hour}, call.Deps{
		Device:      h.dev,
		Credentials: h.creds,
		Transports:  func() realtime.Transport { return h.tr },
		Persister:   h.store,
	}, call.WithOnUpdate(func(call.Update) { updates.Add(1) }))
	h.connect(t)

	h.deliver(t, `{"type":"response.audio.delta","delta":"AAAA"}`)
	waitFor(t, "speaking", h.ctrl.Speaking)
	h.deliver(t, `{"type":"response.audio.delta","delta":"AAAA"}`)
	h.deliver(t, `{"type":"response.done"}`)
	waitFor(t, "not speaking", func() bool { return !h.ctrl.Speaking() })
	h.deliver(t, `{"type":"response.audio.delta","delta":"AAAA"}`)
	h.deliver(t, `{"type":"response.audio.done"}`)
	waitFor(t, "not speaking", func() bool { return !h.ctrl.Speaking() })

	if updates.Load() == 0 {
		t.Error("OnUpdate never called")
	}
	_, _ = h.ctrl.Stop(context.Background())
}

func TestController_ProviderErrorKeepsSession(t *testing.T) {
	t.Parallel()

	var last atomic.Value
	h := newHarness(t, call.Config{})
	h.ctrl = call.New(call.Config{ScenarioID: "S1", TickInterval: time.Hour}, call.Deps{
		Device:      h.dev,
		Credentials: h.creds,
		Transports:  func() realtime.Transport { return h.tr },
		Persister:   h.store,
	}, call.WithOnUpdate(func(u call.Update) { last.Store(u) }))
	h.connect(t)

	h.deliver(t, `{"type":"error","error":{"message":"rate limited"}}`)
	h.deliver(t, `{broken`)
	h.deliver(t, `{"type":"conversation.item.input_audio_transcription.completed","event_id":"u1","transcript":"Encore là ?"}`)

	waitFor(t, "transcript", func() bool { return len(h.ctrl.Transcript()) == 1 })
	if h.ctrl.Status() != call.StatusConnected {
		t.Errorf("status = %v, want connected", h.ctrl.Status())
	}
	u, _ := last.Load().(call.Update)
	if u.ProviderError != "rate limited" {
		t.Errorf("ProviderError = %q", u.ProviderError)
	}
	_, _ = h.ctrl.Stop(context.Background())
}

func TestController_DurationTicks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{TickInterval: 5 * time.Millisecond})
	h.connect(t)
	waitFor(t, "duration", func() bool { return h.ctrl.Duration() >= 3 })

	h.deliver(t, `{"type":"conversation.item.input_audio_transcription.completed","event_id":"1","transcript":"Oui"}`)
	res, _ := h.ctrl.Stop(context.Background())
	if res.DurationSeconds < 3 {
		t.Errorf("DurationSeconds = %d", res.DurationSeconds)
	}
	frozen := h.ctrl.Duration()
	time.Sleep(20 * time.Millisecond)
	if h.ctrl.Duration() != frozen {
		t.Error("duration kept counting after Stop")
	}
	if h.store.saves[0].duration != res.DurationSeconds {
		t.Errorf("persisted duration %d != result %d", h.store.saves[0].duration, res.DurationSeconds)
	}
}

func TestController_EmbeddedAlwaysFinalizes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{SessionID: "eager-1", Mode: types.ModeCoach})
	h.connect(t)

	waitFor(t, "begin instruction", func() bool { return len(h.tr.sentEvents()) == 2 })
	var first realtime.ConversationItemCreate
	_ = json.Unmarshal([]byte(h.tr.sentEvents()[0]), &first)
	if first.Item.Content[0].Text != realtime.BeginCoachText {
		t.Errorf("coach mode sent %q", first.Item.Content[0].Text)
	}

	res, err := h.ctrl.Stop(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	saves, appends := h.store.counts()
	if saves != 0 || appends != 1 {
		t.Fatalf("saves=%d appends=%d", saves, appends)
	}
	if h.store.appends[0].sessionID != "eager-1" || len(h.store.appends[0].msgs) != 0 {
		t.Errorf("append call = %+v", h.store.appends[0])
	}
	if !res.Saved || res.SessionID != "eager-1" {
		t.Errorf("result = %+v", res)
	}
}

func TestController_PersistenceFailureIsReportedNotReturned(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.store.err = types.Wrap(types.KindPersistence, "save session", errors.New("db down"))
	h.connect(t)
	h.deliver(t, `{"type":"conversation.item.input_audio_transcription.completed","event_id":"1","transcript":"Bonjour"}`)

	res, err := h.ctrl.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop returned %v", err)
	}
	if res.Saved || !errors.Is(res.SaveErr, types.ErrPersistence) {
		t.Errorf("result = %+v", res)
	}
	if len(res.Messages) != 1 {
		t.Errorf("transcript lost: %+v", res.Messages)
	}
}

func TestController_StartRequiresScenario(t *testing.T) {
	t.Parallel()

	ctrl := call.New(call.Config{}, call.Deps{})
	if err := ctrl.Start(context.Background()); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("error = %v, want validation", err)
	}
}

func TestController_RestartResetsTranscript(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.connect(t)
	h.deliver(t, `{"type":"conversation.item.input_audio_transcription.completed","event_id":"1","transcript":"Premier"}`)
	_, _ = h.ctrl.Stop(context.Background())

	h.tr = newFakeTransport()
	h.connect(t)
	if n := len(h.ctrl.Transcript()); n != 0 {
		t.Fatalf("transcript carried over: %d messages", n)
	}
	h.deliver(t, `{"type":"conversation.item.input_audio_transcription.completed","event_id":"1","transcript":"Premier"}`)
	waitFor(t, "replayed id accepted in new session", func() bool { return len(h.ctrl.Transcript()) == 1 })
	_, _ = h.ctrl.Stop(context.Background())
}

func TestController_StartWhileStoppingIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, call.Config{})
	h.tr.closeGate = make(chan struct{})
	h.connect(t)
	h.deliver(t, `{"type":"conversation.item.input_audio_transcription.completed","event_id":"1","transcript":"Bonjour"}`)
	waitFor(t, "user message", func() bool { return len(h.ctrl.Transcript()) == 1 })

	results := make(chan call.Result, 2)
	stop := func() {
		res, err := h.ctrl.Stop(context.Background())
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
		results <- res
	}
	go stop()
	waitFor(t, "teardown in progress", func() bool { return h.tr.closed.Load() == 1 })
	go stop()

	if got := h.ctrl.Status(); got != call.StatusDisconnected {
		t.Errorf("status during teardown = %v, want disconnected", got)
	}
	if err := h.ctrl.Start(context.Background()); !errors.Is(err, call.ErrActive) {
		t.Fatalf("Start during teardown = %v, want ErrActive", err)
	}
	if n := len(h.ctrl.Transcript()); n != 1 {
		t.Errorf("transcript during teardown has %d messages, want 1", n)
	}

	close(h.tr.closeGate)
	for range 2 {
		select {
		case res := <-results:
			if !res.Saved || len(res.Messages) != 1 || res.SessionID != "sess-1" {
				t.Errorf("result = %+v", res)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Stop did not return")
		}
	}
	if saves, _ := h.store.counts(); saves != 1 {
		t.Errorf("saves = %d, want 1", saves)
	}

	h.tr = newFakeTransport()
	h.connect(t)
	_, _ = h.ctrl.Stop(context.Background())
}
