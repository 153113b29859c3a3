package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/MrWong99/voicecoach/pkg/audio"
	"github.com/MrWong99/voicecoach/pkg/call"
	"github.com/MrWong99/voicecoach/pkg/coachclient"
	"github.com/MrWong99/voicecoach/pkg/realtime"
	"github.com/MrWong99/voicecoach/pkg/realtime/webrtc"
	"github.com/MrWong99/voicecoach/pkg/realtime/ws"
	"github.com/MrWong99/voicecoach/pkg/types"
)

type callFlags struct {
	scenarioID       string
	input            string
	output           string
	transport        string
	embedded         bool
	mode             string
	refSession       string
	voice            string
	model            string
	maxDuration      time.Duration
	linger           time.Duration
	negotiateTimeout time.Duration
}

func newCallCmd(g *globals) *cobra.Command {
	f := &callFlags{}
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Run one spoken role-play session",
		Long: `Run one realtime session against the provider. The --input WAV file stands
in for the microphone and the persona's voice is written to --output.

The call ends on Ctrl+C, when --max-duration elapses, or --linger after the
input file has been played in full. The transcript is saved to the backend
when the session ends.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCall(cmd.Context(), g, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.scenarioID, "scenario", "s", "", "scenario id (required)")
	fl.StringVarP(&f.input, "input", "i", "", "WAV file used as the microphone (required)")
	fl.StringVarP(&f.output, "output", "o", "", "WAV file receiving the persona's voice (default: discard)")
	fl.StringVarP(&f.transport, "transport", "t", "webrtc", "realtime transport: webrtc or ws")
	fl.BoolVar(&f.embedded, "embedded", false, "create the session on the backend before connecting")
	fl.StringVar(&f.mode, "mode", "standard", "embedded session mode: standard or coach")
	fl.StringVar(&f.refSession, "ref-session", "", "session reviewed by the coach (coach mode)")
	fl.StringVar(&f.voice, "voice", "", "override the persona voice")
	fl.StringVar(&f.model, "model", "", "override the realtime model")
	fl.DurationVar(&f.maxDuration, "max-duration", 0, "end the call after this long (0: until Ctrl+C or end of input)")
	fl.DurationVar(&f.linger, "linger", 10*time.Second, "keep the call open this long after the input ends so the persona can answer")
	fl.DurationVar(&f.negotiateTimeout, "negotiate-timeout", 20*time.Second, "bound on credential minting plus connection setup")
	_ = cmd.MarkFlagRequired("scenario")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func runCall(ctx context.Context, g *globals, f *callFlags) error {
	mode, err := types.ParseMode(f.mode)
	if err != nil {
		return err
	}
	if mode == types.ModeCoach && !f.embedded {
		return errors.New("--mode coach requires --embedded")
	}
	if f.transport != "webrtc" && f.transport != "ws" {
		return fmt.Errorf("unknown transport %q (want webrtc or ws)", f.transport)
	}

	client, err := g.client()
	if err != nil {
		return err
	}

	cfg, err := sessionConfig(ctx, client, f, mode)
	if err != nil {
		return err
	}
	cfg.NegotiateTimeout = f.negotiateTimeout

	// ── Audio ─────────────────────────────────────────────────────────────────
	var sink audio.Sink = audio.Discard
	if f.output != "" {
		format := audio.Format{SampleRate: 48000, Channels: 1}
		if f.transport == "ws" {
			format = ws.PCMFormat
		}
		w, err := audio.NewWAVSink(f.output, format)
		if err != nil {
			return err
		}
		defer func() {
			if err := w.Close(); err != nil {
				g.log.Warn("closing output file", "err", err)
			}
		}()
		sink = w
	}

	transports := func() realtime.Transport {
		if f.transport == "ws" {
			return ws.New(ws.WithLogger(g.log))
		}
		return webrtc.New(webrtc.WithLogger(g.log))
	}

	// ── Controller ────────────────────────────────────────────────────────────
	inputDone := make(chan struct{})
	var inputOnce sync.Once
	device := &audio.FileDevice{
		Path:     f.input,
		Realtime: true,
		OnEnd:    func() { inputOnce.Do(func() { close(inputDone) }) },
	}

	status := newStatusLine(g)
	ctrl := call.New(cfg, call.Deps{
		Device:      device,
		Credentials: client,
		Transports:  transports,
		Persister:   client,
		Sink:        sink,
	}, call.WithLogger(g.log), call.WithOnUpdate(status.update))

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(sigCtx); err != nil {
		status.clear()
		return fmt.Errorf("start session: %w", err)
	}

	var timeout <-chan time.Time
	if f.maxDuration > 0 {
		timer := time.NewTimer(f.maxDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	// Done is nil when the session already ended on its own.
	if done := ctrl.Done(); done != nil {
		if waitForEnd(sigCtx, done, inputDone, timeout, f.linger) == endInput {
			g.log.Info("input file finished", "linger", f.linger)
		}
	}

	// The signal context may already be cancelled; saving needs its own.
	stopCtx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	res, err := ctrl.Stop(stopCtx)
	status.clear()
	if err != nil {
		return err
	}
	if res.StartedAt.IsZero() {
		// An auto-disconnect already finished the session.
		res = ctrl.LastResult()
	}

	printResult(g, res)
	if lastErr := ctrl.LastError(); lastErr != nil {
		return lastErr
	}
	return nil
}

type endReason int

const (
	endSignal endReason = iota
	endSession
	endTimeout
	endInput
)

// waitForEnd blocks until the call should be stopped. After input is closed
// the call stays open for linger, still ending early on any other reason.
func waitForEnd(ctx context.Context, session, input <-chan struct{}, timeout <-chan time.Time, linger time.Duration) endReason {
	select {
	case <-ctx.Done():
		return endSignal
	case <-session:
		return endSession
	case <-timeout:
		return endTimeout
	case <-input:
	}

	t := time.NewTimer(linger)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return endSignal
	case <-session:
		return endSession
	case <-timeout:
		return endTimeout
	case <-t.C:
		return endInput
	}
}

// sessionConfig resolves the persona for a standalone call, or prepares an
// embedded session on the backend.
func sessionConfig(ctx context.Context, client *coachclient.Client, f *callFlags, mode types.Mode) (call.Config, error) {
	if f.embedded {
		emb, err := client.PrepareEmbedded(ctx, coachclient.EmbeddedRequest{
			ScenarioID:   f.scenarioID,
			Mode:         mode,
			RefSessionID: f.refSession,
			Model:        f.model,
		})
		if err != nil {
			return call.Config{}, err
		}
		cfg := emb.CallConfig()
		if f.voice != "" {
			cfg.Voice = f.voice
		}
		return cfg, nil
	}

	scenarios, err := client.ListScenarios(ctx)
	if err != nil {
		return call.Config{}, err
	}
	for _, s := range scenarios {
		if s.ID == f.scenarioID {
			return call.Config{
				ScenarioID: s.ID,
				PersonaID:  s.PersonaID,
				Voice:      f.voice,
				Model:      f.model,
				Mode:       types.ModeStandard,
			}, nil
		}
	}
	return call.Config{}, fmt.Errorf("scenario %q not found; see 'coachctl scenarios'", f.scenarioID)
}

func printResult(g *globals, res call.Result) {
	fmt.Fprintf(g.out, "\nCall ended after %s with %d messages.\n", formatDuration(res.DurationSeconds), len(res.Messages))
	switch {
	case res.Saved:
		fmt.Fprintf(g.out, "Saved as session %s.\n", res.SessionID)
	case res.SaveErr != nil:
		fmt.Fprintf(g.out, "Transcript was not saved: %s\n", types.MessageOf(res.SaveErr))
	}
	if len(res.Messages) > 0 {
		fmt.Fprintln(g.out)
		printTranscript(g, res.Messages)
	}
}

// ── Live status ───────────────────────────────────────────────────────────────

// statusLine renders controller updates. On a terminal it redraws a single
// line; otherwise it logs status transitions.
type statusLine struct {
	mu   sync.Mutex
	g    *globals
	tty  bool
	last call.Status
}

func newStatusLine(g *globals) *statusLine {
	tty := false
	if f, ok := g.out.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &statusLine{g: g, tty: tty, last: call.StatusIdle}
}

func (s *statusLine) update(u call.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tty {
		speaking := "  "
		if u.Speaking {
			speaking = "🔊"
		}
		line := fmt.Sprintf("%s %-12s %s  %d messages", speaking, u.Status, formatDuration(u.DurationSeconds), u.Messages)
		if u.ProviderError != "" {
			line += "  ! " + u.ProviderError
		}
		fmt.Fprintf(s.g.out, "\r\033[K%s", line)
	} else if u.Status != s.last {
		s.g.log.Info("call status", "status", u.Status.String(), "duration_s", u.DurationSeconds)
	}
	if u.Err != nil && u.Status != s.last {
		s.g.log.Error("call failed", "err", u.Err)
	}
	s.last = u.Status
}

func (s *statusLine) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tty {
		fmt.Fprint(s.g.out, "\r\033[K")
	}
}
