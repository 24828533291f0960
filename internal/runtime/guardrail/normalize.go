package guardrail

import (
	"regexp"
	"strings"

	"github.com/tiger/outreach-voice-engine/api/callengine"
)

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*[^{}]*\s*\}\}`)
	speakerLabel       = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z .'-]{0,30}?)\s*:\s+`)
	markdownPattern    = regexp.MustCompile("[*_#`]+")
	spacePattern       = regexp.MustCompile(`\s+`)
	spaceBeforePunct   = regexp.MustCompile(`\s+([,.!?;:])`)
)

// Agent introductions in priority order: "this is Alex", "Alex here",
// then a sentence-leading "Alex from Acme".
var scriptNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i:\bthis is|\bmy name is|\bmy name's|\bi'm|\bi am|\bit's)\s+([A-Z][A-Za-z'-]+)`),
	regexp.MustCompile(`\b([A-Z][A-Za-z'-]+)\s+here\b`),
	regexp.MustCompile(`(?:^|[,.!?]\s*)([A-Z][A-Za-z'-]+)\s+(?:from|with|at)\b`),
}

var notNames = map[string]struct{}{
	"hi": {}, "hey": {}, "hello": {}, "good": {}, "greetings": {}, "thanks": {}, "sorry": {},
	"this": {}, "it": {}, "just": {}, "so": {}, "calling": {}, "morning": {}, "afternoon": {}, "evening": {},
}

var genericLabels = map[string]struct{}{
	"agent": {}, "assistant": {}, "ai": {}, "rep": {}, "sales rep": {}, "bot": {}, "response": {}, "reply": {},
}

// Normalizer rewrites candidate replies so they are speakable, in character
// and within guardrails. The zero value is not usable; use NewNormalizer.
type Normalizer struct {
	replies Taxonomy
}

// NewNormalizer builds a normalizer over the given reply taxonomy.
func NewNormalizer(replies Taxonomy) Normalizer {
	return Normalizer{replies: replies}
}

// DefaultNormalizer uses ReplyTaxonomy.
func DefaultNormalizer() Normalizer {
	return NewNormalizer(ReplyTaxonomy())
}

// Normalize returns the final reply text. scriptName is the agent name used by
// the call script, if any; the persona name always replaces it. A reply that
// itself breaches the taxonomy is replaced with the deflection.
func (n Normalizer) Normalize(candidate string, persona callengine.Persona, scriptName string) string {
	text := strings.TrimSpace(candidate)
	if text == "" {
		return ""
	}

	text = stripSpeakerLabel(text, persona.Name, scriptName)
	text = markdownPattern.ReplaceAllString(text, "")
	text = strings.Trim(text, "\"'“”‘’ ")
	text = placeholderPattern.ReplaceAllString(text, "")
	text = ReplacePersonaName(text, scriptName, persona.Name)
	text = spacePattern.ReplaceAllString(text, " ")
	text = spaceBeforePunct.ReplaceAllString(text, "$1")
	text = strings.TrimSpace(text)

	if _, breached := n.replies.Check(text); breached {
		return Deflection("")
	}
	return text
}

// ReplacePersonaName rewrites whole-word, case-insensitive occurrences of
// scriptName to personaName.
func ReplacePersonaName(text, scriptName, personaName string) string {
	scriptName = strings.TrimSpace(scriptName)
	personaName = strings.TrimSpace(personaName)
	if scriptName == "" || personaName == "" || strings.EqualFold(scriptName, personaName) {
		return text
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(scriptName) + `\b`)
	return re.ReplaceAllLiteralString(text, personaName)
}

// ScriptAgentName extracts the agent name an opening script introduces,
// e.g. "Hi, this is Alex from Acme". Candidates matching a word of any
// exclude value, such as the lead's company, are skipped.
func ScriptAgentName(script string, exclude ...string) string {
	excluded := map[string]struct{}{}
	for _, value := range exclude {
		for _, word := range strings.Fields(value) {
			excluded[strings.ToLower(strings.Trim(word, ".,!?"))] = struct{}{}
		}
	}
	for _, pattern := range scriptNamePatterns {
		for _, match := range pattern.FindAllStringSubmatch(script, -1) {
			name := strings.ToLower(match[1])
			if _, skip := notNames[name]; skip {
				continue
			}
			if _, skip := excluded[name]; skip {
				continue
			}
			return match[1]
		}
	}
	return ""
}

// AgentName is the name the script speaks as: the explicit agent name, or
// the one its opening line introduces.
func AgentName(script callengine.ScriptContext, lead callengine.Lead) string {
	if name := strings.TrimSpace(script.AgentName); name != "" {
		return name
	}
	return ScriptAgentName(script.OpeningLine, lead.Company, lead.Name, script.ProductName)
}

func stripSpeakerLabel(text, personaName, scriptName string) string {
	match := speakerLabel.FindStringSubmatch(text)
	if len(match) < 2 {
		return text
	}
	label := strings.ToLower(strings.TrimSpace(match[1]))
	_, generic := genericLabels[label]
	if generic || (personaName != "" && strings.EqualFold(label, personaName)) || (scriptName != "" && strings.EqualFold(label, scriptName)) {
		return text[len(match[0]):]
	}
	return text
}
