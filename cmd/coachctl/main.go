// Command coachctl is a command-line client for the voicecoach backend. It
// lists scenarios and saved sessions, searches transcripts, and runs a full
// realtime coaching session with a WAV file standing in for the microphone.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/pkg/coachclient"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	backend  string
	logLevel string
	timeout  time.Duration

	out io.Writer
	log *slog.Logger
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "coachctl:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globals{out: out}

	defaultBackend := os.Getenv("VOICECOACH_URL")
	if defaultBackend == "" {
		defaultBackend = "http://localhost:8080"
	}

	root := &cobra.Command{
		Use:     "coachctl",
		Short:   "Voice coaching client",
		Long:    "coachctl talks to a voicecoach backend: browse scenarios, run a spoken role-play and review transcripts.",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			lvl := new(slog.LevelVar)
			lvl.Set(observe.ParseLevel(g.logLevel))
			g.log = observe.NewLogger(cmd.ErrOrStderr(), lvl)
			slog.SetDefault(g.log)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVarP(&g.backend, "backend", "b", defaultBackend, "voicecoach backend URL (env VOICECOACH_URL)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "per-request timeout for backend calls")

	root.AddCommand(newScenariosCmd(g))
	root.AddCommand(newSessionsCmd(g))
	root.AddCommand(newTranscriptCmd(g))
	root.AddCommand(newRecallCmd(g))
	root.AddCommand(newCallCmd(g))

	return root
}

func (g *globals) client() (*coachclient.Client, error) {
	return coachclient.New(g.backend, coachclient.WithTimeout(g.timeout))
}
