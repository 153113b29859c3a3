package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicecoach/pkg/coachclient"
	"github.com/MrWong99/voicecoach/pkg/types"
)

func newScenariosCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List the scenarios offered by the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			scenarios, err := c.ListScenarios(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tTAG\tDIFFICULTY")
			for _, s := range scenarios {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Title, dash(s.Tag), dash(s.Difficulty))
			}
			return tw.Flush()
		},
	}
}

func newSessionsCmd(g *globals) *cobra.Command {
	var (
		scenarioID string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			sessions, err := c.ListSessions(cmd.Context(), scenarioID, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSCENARIO\tMODE\tSTATUS\tDURATION\tMESSAGES\tCREATED")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					s.ID, s.ScenarioID, s.Mode, s.Status,
					formatDuration(s.DurationSeconds), s.MessageCount,
					s.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&scenarioID, "scenario", "s", "", "only sessions of this scenario")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of sessions")
	return cmd
}

func newTranscriptCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "Print the transcript of a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			sess, err := c.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(g.out)
				enc.SetIndent("", "  ")
				return enc.Encode(sess)
			}
			fmt.Fprintf(g.out, "Session %s · scenario %s · %s · %s\n\n",
				sess.ID, sess.ScenarioID, sess.Mode, formatDuration(sess.DurationSeconds))
			printTranscript(g, sess.Messages)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw session JSON")
	return cmd
}

func newRecallCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search saved transcripts by meaning",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			hits, err := c.Recall(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				fmt.Fprintln(g.out, "no matches")
				return nil
			}
			printHits(g, hits)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of matches")
	return cmd
}

// ── Output helpers ────────────────────────────────────────────────────────────

func printTranscript(g *globals, msgs []types.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(g.out, "(empty transcript)")
		return
	}
	for _, m := range msgs {
		speaker := "Vous"
		if m.Role == types.RoleAssistant {
			speaker = "Persona"
		}
		fmt.Fprintf(g.out, "[%s] %-7s %s\n", m.Timestamp.Local().Format(time.TimeOnly), speaker+":", m.Content)
	}
}

func printHits(g *globals, hits []coachclient.Hit) {
	tw := tabwriter.NewWriter(g.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DISTANCE\tSESSION\tROLE\tCONTENT")
	for _, h := range hits {
		fmt.Fprintf(tw, "%.3f\t%s\t%s\t%s\n", h.Distance, h.SessionID, h.Role, h.Content)
	}
	_ = tw.Flush()
}

func formatDuration(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
