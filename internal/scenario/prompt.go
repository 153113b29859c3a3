package scenario

import (
	"fmt"
	"strings"

	"github.com/MrWong99/voicecoach/pkg/types"
)

// maxCoachTranscript caps how many messages of a referenced session are
// inlined into a coach prompt. The most recent ones are kept.
const maxCoachTranscript = 80

// Instructions builds the system prompt for a session.
//
// In standard mode it is the persona's own instructions followed by a short
// scenario section. In coach mode p is the coach and history is the
// transcript of the session under review; the prompt then carries the
// scenario the user practised and that transcript, with the user's turns
// labelled "Utilisateur" and the persona's turns labelled with its name.
//
// The formatter is pure and safe for concurrent use. Empty sections are
// omitted.
func Instructions(p Persona, s Scenario, mode types.Mode, history []types.Message, played Persona) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(p.Instructions))

	// ── Scenario section ──────────────────────────────────────────────────────
	if s.Title != "" {
		sb.WriteString("\n\n## Scénario\n")
		sb.WriteString(s.Title)
		if d := strings.TrimSpace(s.Description); d != "" {
			sb.WriteString(" : ")
			sb.WriteString(d)
		}
	}

	if mode != types.ModeCoach {
		return sb.String()
	}

	// ── Transcript under review ───────────────────────────────────────────────
	if len(history) == 0 {
		sb.WriteString("\n\n## Transcription\nAucune transcription n'est disponible pour cette session. ")
		sb.WriteString("Demande à l'utilisateur de raconter comment elle s'est déroulée.")
		return sb.String()
	}

	if len(history) > maxCoachTranscript {
		history = history[len(history)-maxCoachTranscript:]
	}
	other := strings.TrimSpace(played.Name)
	if other == "" {
		other = "Personnage"
	}
	sb.WriteString("\n\n## Transcription de la session\n")
	for _, m := range history {
		speaker := "Utilisateur"
		if m.Role == types.RoleAssistant {
			speaker = other
		}
		fmt.Fprintf(&sb, "- %s : %s\n", speaker, m.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}
