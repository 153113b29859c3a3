package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/realtime"
	"github.com/MrWong99/voicecoach/pkg/transcript"
	"github.com/MrWong99/voicecoach/pkg/types"
)

// ErrSuperseded is returned by Start when Stop ran before Start finished.
// Every resource acquired by the abandoned Start has been released.
var ErrSuperseded = errors.New("call: session stopped during start")

// ErrActive is returned by Start while another session is active or still
// being torn down.
var ErrActive = errors.New("call: session already active")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithOnUpdate registers a hook invoked after every signal change. It is
// called without internal locks held and must not block for long.
func WithOnUpdate(fn func(Update)) Option {
	return func(c *Controller) { c.onUpdate = fn }
}

// WithAccumulator replaces the transcript accumulator.
func WithAccumulator(acc *transcript.Accumulator) Option {
	return func(c *Controller) { c.acc = acc }
}

// WithClock overrides the wall clock used for StartedAt. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// ── Controller ─────────────────────────────────────────────────────────────────

// run holds the resources of one Start attempt. Resources are attached under
// the controller's lock and released exactly once. The controller's active
// pointer doubles as the generation: a run that is no longer active is stale
// and every late result it produces is released instead of applied.
type run struct {
	startedAt time.Time

	transport realtime.Transport
	source    audio.Source

	cancel   context.CancelFunc
	loopDone chan struct{}
	ended    chan struct{}

	releaseOnce sync.Once
	finishOnce  sync.Once
	result      Result
}

// release closes the transport and the capture source. Safe to call from any
// exit path, any number of times.
func (r *run) release(log *slog.Logger) {
	r.releaseOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		if r.transport != nil {
			if err := r.transport.Close(); err != nil {
				log.Debug("call: close transport", "err", err)
			}
		}
		if r.source != nil {
			if err := r.source.Close(); err != nil {
				log.Debug("call: close audio source", "err", err)
			}
		}
	})
}

// Controller drives realtime sessions. It is safe for concurrent use; at most
// one session is active at a time.
type Controller struct {
	cfg      Config
	deps     Deps
	log      *slog.Logger
	acc      *transcript.Accumulator
	onUpdate func(Update)
	now      func() time.Time

	mu     sync.Mutex
	active *run

	// finishing is the run being torn down and persisted. Start is refused
	// until its snapshot is taken and its ended channel closed.
	finishing     *run
	status        Status
	speaking      bool
	duration      int
	lastErr       error
	providerError string
	lastResult    Result
}

// New creates an idle controller for cfg.
func New(cfg Config, deps Deps, opts ...Option) *Controller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = types.ModeStandard
	}
	if deps.Sink == nil {
		deps.Sink = audio.Discard
	}
	c := &Controller{
		cfg:  cfg,
		deps: deps,
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.acc == nil {
		c.acc = transcript.New()
	}
	return c
}

// Start begins a new session: acquire the device, mint a credential,
// negotiate the transport, then hand over to the event loop. It returns once
// negotiation finished; the connected status follows asynchronously when the
// transport reports it.
//
// A failure moves the controller to [StatusError], releases everything
// acquired so far and returns the classified error. If Stop runs while Start
// is in flight, Start releases its late results and returns [ErrSuperseded].
func (c *Controller) Start(ctx context.Context) error {
	if c.cfg.ScenarioID == "" {
		return types.Validation("start session", "scenario id is required")
	}

	c.mu.Lock()
	if c.status.Active() || c.finishing != nil {
		c.mu.Unlock()
		return ErrActive
	}
	r := &run{startedAt: c.now(), loopDone: make(chan struct{}), ended: make(chan struct{})}
	c.active = r
	c.status = StatusConnecting
	c.speaking = false
	c.duration = 0
	c.lastErr = nil
	c.providerError = ""
	c.lastResult = Result{}
	c.acc.Reset()
	c.mu.Unlock()
	c.notify()

	src, err := c.deps.Device.Acquire(ctx)
	if err != nil {
		if types.KindOf(err) == types.KindUnknown {
			err = types.Wrap(types.KindDeviceAccess, "acquire microphone", err)
		}
		return c.fail(r, err)
	}
	if !c.attach(r, func() { r.source = src }) {
		_ = src.Close()
		return ErrSuperseded
	}

	negCtx := ctx
	if c.cfg.NegotiateTimeout > 0 {
		var cancel context.CancelFunc
		negCtx, cancel = context.WithTimeout(ctx, c.cfg.NegotiateTimeout)
		defer cancel()
	}

	cred, err := c.deps.Credentials.MintCredential(negCtx, CredentialRequest{
		PersonaID:    c.cfg.PersonaID,
		Instructions: c.cfg.Instructions,
		Voice:        c.cfg.Voice,
		Model:        c.cfg.Model,
	})
	if err != nil {
		if types.KindOf(err) == types.KindUnknown {
			err = types.Wrap(types.KindUpstreamAuth, "mint credential", err)
		}
		return c.fail(r, err)
	}
	if !c.current(r) {
		return ErrSuperseded
	}

	model := c.cfg.Model
	if cred.Model != "" {
		model = cred.Model
	}

	tr := c.deps.Transports()
	if !c.attach(r, func() { r.transport = tr }) {
		_ = tr.Close()
		return ErrSuperseded
	}
	err = tr.Negotiate(negCtx, realtime.Negotiation{
		Credential: cred.Value,
		Model:      model,
		Source:     src,
		Sink:       c.deps.Sink,
	})
	if err != nil {
		if types.KindOf(err) == types.KindUnknown {
			err = types.Wrap(types.KindTransportNegotiation, "negotiate transport", err)
		}
		return c.fail(r, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	if !c.attach(r, func() { r.cancel = cancel }) {
		cancel()
		return ErrSuperseded
	}
	go func() {
		auto := c.loop(loopCtx, r, tr)
		close(r.loopDone)
		if auto {
			c.finish(context.Background(), r)
		}
	}()

	c.log.Info("call: session negotiated", "scenario", c.cfg.ScenarioID, "model", model, "mode", c.cfg.Mode)
	return nil
}

// attach runs fn under the lock if r is still the active run, so a concurrent
// Stop either sees the resource and releases it or Start sees the stop.
func (c *Controller) attach(r *run, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != r {
		return false
	}
	fn()
	return true
}

// current reports whether r is still the active run.
func (c *Controller) current(r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == r
}

// fail moves to StatusError unless r was superseded, and releases r.
func (c *Controller) fail(r *run, err error) error {
	c.mu.Lock()
	if c.active != r {
		c.mu.Unlock()
		r.release(c.log)
		return ErrSuperseded
	}
	c.active = nil
	c.status = StatusError
	c.lastErr = err
	c.mu.Unlock()

	r.release(c.log)
	close(r.ended)
	c.log.Warn("call: start failed", "kind", types.KindOf(err).String(), "err", err)
	c.notify()
	return err
}

// loop is the single writer of session state while connected. It returns true
// when the transport ended the session on its own.
func (c *Controller) loop(ctx context.Context, r *run, tr realtime.Transport) bool {
	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	ready := tr.Ready()
	for {
		select {
		case <-ctx.Done():
			return false

		case <-ready:
			ready = nil
			c.begin(ctx, tr)

		case s := <-tr.States():
			c.log.Debug("call: transport state", "state", s)
			switch {
			case s == realtime.ConnConnected:
				if ticker == nil {
					ticker = time.NewTicker(c.cfg.TickInterval)
					tick = ticker.C
					c.setStatus(r, StatusConnected)
				}
			case s.Terminal():
				c.log.Info("call: transport ended the session", "state", s)
				return true
			}

		case raw := <-tr.Messages():
			c.dispatch(raw)

		case <-tick:
			c.mu.Lock()
			c.duration++
			c.mu.Unlock()
			c.notify()
		}
	}
}

// begin makes the persona speak first.
func (c *Controller) begin(ctx context.Context, tr realtime.Transport) {
	if err := tr.Send(ctx, realtime.BeginConversation(c.cfg.Mode)); err != nil {
		c.log.Warn("call: send begin instruction", "err", err)
		return
	}
	if err := tr.Send(ctx, realtime.ResponseCreate()); err != nil {
		c.log.Warn("call: send response.create", "err", err)
	}
}

// dispatch applies one inbound event. Malformed events are logged and skipped.
func (c *Controller) dispatch(raw []byte) {
	ev, err := realtime.Decode(raw)
	if err != nil {
		c.log.Debug("call: discarding malformed event", "err", err)
		return
	}

	switch ev.Kind {
	case realtime.EventUserTranscriptFinal:
		if !c.acc.Append(types.RoleUser, ev.Transcript, ev.ID) {
			return
		}
	case realtime.EventAssistantTranscriptFinal:
		if !c.acc.Append(types.RoleAssistant, ev.Transcript, ev.ID) {
			return
		}
	case realtime.EventAssistantAudioChunk:
		if !c.setSpeaking(true) {
			return
		}
	case realtime.EventAssistantAudioDone, realtime.EventAssistantTurnDone:
		if !c.setSpeaking(false) {
			return
		}
	case realtime.EventError:
		c.log.Warn("call: provider error", "message", ev.ErrorMessage)
		c.mu.Lock()
		c.providerError = ev.ErrorMessage
		c.mu.Unlock()
	default:
		return
	}
	c.notify()
}

func (c *Controller) setSpeaking(v bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.speaking == v {
		return false
	}
	c.speaking = v
	return true
}

func (c *Controller) setStatus(r *run, s Status) {
	c.mu.Lock()
	if c.active != r {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	c.notify()
}

// Stop ends the active session: it releases the transport and the capture
// device, stops the duration ticker, snapshots the transcript and persists
// it. Stop never fails because of persistence; see [Result.SaveErr].
//
// A Stop that races a teardown already in progress waits for it and returns
// the same Result. Calling Stop without an active session (including a
// second Stop after the first returned) returns a zero Result and persists
// nothing.
func (c *Controller) Stop(ctx context.Context) (Result, error) {
	c.mu.Lock()
	r := c.active
	if r == nil {
		r = c.finishing
	}
	c.mu.Unlock()
	if r == nil {
		return Result{}, nil
	}
	return c.finish(ctx, r), nil
}

// finish tears r down and persists its transcript once. Both Stop and the
// event loop's automatic disconnect end up here.
func (c *Controller) finish(ctx context.Context, r *run) Result {
	r.finishOnce.Do(func() {
		c.mu.Lock()
		if c.active != r {
			c.mu.Unlock()
			return
		}
		c.active = nil
		c.finishing = r
		c.speaking = false
		c.status = StatusDisconnected
		duration := c.duration
		c.mu.Unlock()

		r.release(c.log)
		if r.cancel != nil {
			<-r.loopDone
		}
		c.notify()

		res := Result{
			ScenarioID:      c.cfg.ScenarioID,
			SessionID:       c.cfg.SessionID,
			StartedAt:       r.startedAt,
			DurationSeconds: duration,
			Messages:        c.acc.Snapshot(),
		}
		attempted := c.persist(ctx, &res)

		c.mu.Lock()
		if attempted && c.active == nil {
			c.status = StatusEnded
		}
		c.lastResult = res
		c.finishing = nil
		r.result = res
		close(r.ended)
		c.mu.Unlock()
		c.notify()
	})
	return r.result
}

// persist hands the transcript to the persister and reports whether it was
// invoked. The standalone variant skips empty transcripts; the embedded
// variant always finalizes its eager session row.
func (c *Controller) persist(ctx context.Context, res *Result) bool {
	if c.deps.Persister == nil {
		return false
	}

	if c.cfg.SessionID != "" {
		n, err := c.deps.Persister.AppendMessages(ctx, c.cfg.SessionID, res.DurationSeconds, res.Messages)
		if err != nil {
			res.SaveErr = err
			c.log.Error("call: finalize session", "session_id", c.cfg.SessionID, "err", err)
			return true
		}
		res.Saved = true
		c.log.Info("call: session finalized", "session_id", c.cfg.SessionID, "messages", n, "duration_s", res.DurationSeconds)
		return true
	}

	if len(res.Messages) == 0 {
		c.log.Info("call: no conversation to save", "scenario", c.cfg.ScenarioID)
		return false
	}
	id, err := c.deps.Persister.SaveSession(ctx, c.cfg.ScenarioID, res.DurationSeconds, res.Messages)
	if err != nil {
		res.SaveErr = err
		c.log.Error("call: save session", "scenario", c.cfg.ScenarioID, "err", err)
		return true
	}
	res.SessionID = id
	res.Saved = true
	c.log.Info("call: session saved", "session_id", id, "messages", len(res.Messages), "duration_s", res.DurationSeconds)
	return true
}

// Done returns a channel closed once the active session has fully ended,
// whether through Stop, a failed Start or an automatic disconnect, and its
// persistence attempt finished. It returns nil when no session is active or
// finishing.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.active != nil:
		return c.active.ended
	case c.finishing != nil:
		return c.finishing.ended
	default:
		return nil
	}
}

// ── Observers ──────────────────────────────────────────────────────────────────

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Speaking reports whether persona audio is currently streaming.
func (c *Controller) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// Duration returns the elapsed connected seconds.
func (c *Controller) Duration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// LastError returns the error that moved the controller to StatusError.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// LastResult returns the result of the most recently finished session,
// whether it was stopped or disconnected on its own.
func (c *Controller) LastResult() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}

// Transcript returns a copy of the current transcript.
func (c *Controller) Transcript() []types.Message {
	return c.acc.Snapshot()
}

func (c *Controller) snapshot() Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Update{
		Status:          c.status,
		Speaking:        c.speaking,
		DurationSeconds: c.duration,
		Messages:        c.acc.Len(),
		Err:             c.lastErr,
		ProviderError:   c.providerError,
	}
}

func (c *Controller) notify() {
	if c.onUpdate == nil {
		return
	}
	c.onUpdate(c.snapshot())
}
