package resolver

import (
	"fmt"
	"strings"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
)

var phaseGoals = map[callengine.Phase]string{
	callengine.PhaseRapport:   "Greet them warmly and ask for a minute of their time.",
	callengine.PhaseDiscovery: "Ask one open question about how they handle this today.",
	callengine.PhasePitch:     "Tie the product to what they told you and suggest a short demo.",
	callengine.PhaseObjection: "Acknowledge the concern briefly, then ask one question to understand it.",
	callengine.PhaseClosing:   "Confirm a demo time and the best email for the invite.",
	callengine.PhaseEnded:     "Thank them and say goodbye.",
}

// PhaseGoal returns the one-sentence goal the model is steered toward.
func PhaseGoal(phase callengine.Phase) string {
	if goal, ok := phaseGoals[phase]; ok {
		return goal
	}
	return phaseGoals[callengine.PhaseDiscovery]
}

func buildSystemPrompt(tier TierSpec, req Request, phase callengine.Phase) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a friendly sales rep on a live phone call", req.Persona.Name)
	if req.Lead.Name != "" {
		fmt.Fprintf(&b, " with %s", req.Lead.Name)
		if req.Lead.Company != "" {
			fmt.Fprintf(&b, " from %s", req.Lead.Company)
		}
	}
	if req.Script.ProductName != "" {
		fmt.Fprintf(&b, ", calling about %s", req.Script.ProductName)
	}
	b.WriteString(".\n")
	fmt.Fprintf(&b, "Call phase: %s. Goal: %s\n", phase, PhaseGoal(phase))
	if tier.MaxWords > 0 {
		fmt.Fprintf(&b, "Reply with plain spoken words only, at most %d words, no lists or markdown.\n", tier.MaxWords)
	}
	b.WriteString("Do not discuss personal life, religion, politics, romance or your age, and never claim to be human.")
	if tier.IncludeProductContext && len(req.Script.ProductSnippet) > 0 {
		b.WriteString("\nProduct notes:")
		for _, snippet := range req.Script.ProductSnippet {
			if snippet = strings.TrimSpace(snippet); snippet != "" {
				b.WriteString("\n- ")
				b.WriteString(snippet)
			}
		}
	}
	return b.String()
}

// buildMessages maps the recent transcript window plus the current utterance
// onto alternating chat turns that start with the prospect.
func buildMessages(history callengine.Transcript, utterance string, window int) []contracts.Message {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	messages := make([]contracts.Message, 0, len(history)+2)
	appendTurn := func(role contracts.Role, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content += " " + text
			return
		}
		messages = append(messages, contracts.Message{Role: role, Content: text})
	}
	for _, entry := range history {
		role := contracts.RoleUser
		if entry.Speaker == callengine.SpeakerAgent {
			role = contracts.RoleAssistant
		}
		appendTurn(role, entry.Text)
	}
	appendTurn(contracts.RoleUser, utterance)

	if len(messages) > 0 && messages[0].Role == contracts.RoleAssistant {
		messages = append([]contracts.Message{{Role: contracts.RoleUser, Content: "(call answered)"}}, messages...)
	}
	return messages
}

// TruncateWords caps text at maxWords, preferring to end on a sentence
// boundary in the second half of the kept words.
func TruncateWords(text string, maxWords int) string {
	words := strings.Fields(text)
	if maxWords <= 0 || len(words) <= maxWords {
		return strings.Join(words, " ")
	}
	kept := words[:maxWords]
	for i := len(kept) - 1; i >= maxWords/2; i-- {
		if strings.HasSuffix(kept[i], ".") || strings.HasSuffix(kept[i], "!") || strings.HasSuffix(kept[i], "?") {
			return strings.Join(kept[:i+1], " ")
		}
	}
	out := strings.TrimRight(strings.Join(kept, " "), ",;:-")
	return out + "."
}
