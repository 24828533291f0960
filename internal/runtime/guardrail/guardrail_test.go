package guardrail

import (
	"strings"
	"testing"

	"github.com/tiger/outreach-voice-engine/api/callengine"
)

func TestUtteranceTaxonomyCategories(t *testing.T) {
	t.Parallel()

	taxonomy := UtteranceTaxonomy()
	tests := []struct {
		utterance string
		category  Category
		matched   bool
	}{
		{utterance: "Who are you voting for?", category: CategoryPolitics, matched: true},
		{utterance: "Are you a real person?", category: CategoryHumanClaim, matched: true},
		{utterance: "am I talking to a robot", category: CategoryHumanClaim, matched: true},
		{utterance: "Do you believe in God?", category: CategoryReligion, matched: true},
		{utterance: "are you single by any chance", category: CategoryRomantic, matched: true},
		{utterance: "How old are you?", category: CategoryBirthdate, matched: true},
		{utterance: "Are you married?", category: CategoryPersonalLife, matched: true},
		{utterance: "I'm the president of the company, what does it cost?", matched: false},
		{utterance: "Sure, I have a couple of minutes.", matched: false},
		{utterance: "", matched: false},
	}

	for _, tc := range tests {
		category, matched := taxonomy.Check(tc.utterance)
		if matched != tc.matched || category != tc.category {
			t.Fatalf("Check(%q) = (%q,%v), want (%q,%v)", tc.utterance, category, matched, tc.category, tc.matched)
		}
	}
}

func TestDeflectionContainsRequiredPhrases(t *testing.T) {
	t.Parallel()

	for _, lead := range []string{"", "Jordan Lee"} {
		reply := Deflection(lead)
		if !strings.Contains(reply, PhraseCannotTalk) || !strings.Contains(reply, PhraseDiscussLater) {
			t.Fatalf("deflection %q is missing a required phrase", reply)
		}
	}
	if !strings.Contains(Deflection("Jordan Lee"), "Jordan") {
		t.Fatalf("expected lead first name in deflection")
	}
}

func TestNormalizeOverridesScriptName(t *testing.T) {
	t.Parallel()

	persona := callengine.Persona{Name: "Arabella"}
	got := DefaultNormalizer().Normalize("Hi, this is Alex from Acme. ALEX here again!", persona, "Alex")
	if strings.Contains(strings.ToLower(got), "alex") {
		t.Fatalf("script name leaked into reply: %q", got)
	}
	if strings.Count(got, "Arabella") != 2 {
		t.Fatalf("expected persona name twice, got %q", got)
	}

	// Partial-word matches are left alone.
	got = DefaultNormalizer().Normalize("Alexander from finance said hi.", persona, "Alex")
	if got != "Alexander from finance said hi." {
		t.Fatalf("unexpected partial-word rewrite: %q", got)
	}
}

func TestNormalizeCleansModelArtifacts(t *testing.T) {
	t.Parallel()

	persona := callengine.Persona{Name: "Arabella"}
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "speaker label", in: "Arabella: Great, thanks for asking.", want: "Great, thanks for asking."},
		{name: "generic label", in: "Assistant: Sounds good.", want: "Sounds good."},
		{name: "markdown and quotes", in: `"**Totally** get that."`, want: "Totally get that."},
		{name: "placeholder", in: "Thanks {{lead_name}}, that helps.", want: "Thanks, that helps."},
		{name: "keeps other labels", in: "Note: we start at ten dollars.", want: "Note: we start at ten dollars."},
		{name: "empty", in: "   ", want: ""},
	}
	for _, tc := range tests {
		if got := DefaultNormalizer().Normalize(tc.in, persona, ""); got != tc.want {
			t.Fatalf("%s: Normalize(%q) = %q, want %q", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestNormalizeReplacesBreachingReply(t *testing.T) {
	t.Parallel()

	got := DefaultNormalizer().Normalize("Yes, I'm a real human being, promise.", callengine.Persona{Name: "Arabella"}, "")
	if !strings.Contains(got, PhraseCannotTalk) || !strings.Contains(got, PhraseDiscussLater) {
		t.Fatalf("expected deflection, got %q", got)
	}
}

func TestScriptAgentName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Hi {{lead_name}}, this is Alex from Acme.": "Alex",
		"Hello! My name is Sam and I work at Beta.": "Sam",
		"Good morning, I'm Priya with Orbit.":       "Priya",
		"Hi Sam, my name's Alex from Acme.":         "Alex",
		"Hey Sam, Alex here from Acme.":             "Alex",
		"Hi Sam, Alex from Acme calling.":           "Alex",
		"Hello from Acme, got a minute?":            "",
		"Hello there, quick question for you.":      "",
	}
	for script, want := range tests {
		if got := ScriptAgentName(script); got != want {
			t.Fatalf("ScriptAgentName(%q) = %q, want %q", script, got, want)
		}
	}
}

func TestAgentNameSkipsLeadAndProductWords(t *testing.T) {
	t.Parallel()

	lead := callengine.Lead{Name: "Sam Ortiz", Company: "Acme"}
	tests := []struct {
		name   string
		script callengine.ScriptContext
		want   string
	}{
		{name: "explicit", script: callengine.ScriptContext{AgentName: "Jordan", OpeningLine: "Hi, this is Alex."}, want: "Jordan"},
		{name: "company_is_not_agent", script: callengine.ScriptContext{OpeningLine: "Hi Sam, this is Acme calling."}, want: ""},
		{name: "company_then_agent", script: callengine.ScriptContext{OpeningLine: "Hi Sam, this is Acme calling, my name's Alex."}, want: "Alex"},
		{name: "product_here", script: callengine.ScriptContext{OpeningLine: "Hi Sam, Outreach Labs here.", ProductName: "Outreach Labs"}, want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := AgentName(tc.script, lead); got != tc.want {
				t.Fatalf("AgentName() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPersonaOverridesEveryIntroductionStyle(t *testing.T) {
	t.Parallel()

	persona := callengine.Persona{Name: "Arabella"}
	normalizer := DefaultNormalizer()
	for _, opening := range []string{
		"Hi Sam, my name's Alex from Acme.",
		"Hey Sam, Alex here from Acme.",
		"Hi Sam, Alex from Acme calling.",
	} {
		name := AgentName(callengine.ScriptContext{OpeningLine: opening}, callengine.Lead{Company: "Acme"})
		got := normalizer.Normalize("Sure, it's Alex again, happy to help.", persona, name)
		if strings.Contains(got, "Alex") || !strings.Contains(got, "Arabella") {
			t.Fatalf("opening %q: reply %q kept the script name", opening, got)
		}
		if opened := normalizer.Normalize(opening, persona, name); strings.Contains(opened, "Alex") {
			t.Fatalf("opening %q normalized to %q", opening, opened)
		}
	}
}

func TestNewTaxonomyValidates(t *testing.T) {
	t.Parallel()

	if _, err := NewTaxonomy([]Rule{{Category: CategoryPolitics}}); err == nil {
		t.Fatalf("expected missing matcher to fail")
	}
	custom, err := NewTaxonomy([]Rule{{Category: CategoryReligion, Matcher: MatcherFunc(func(s string) bool { return s == "x" })}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := custom.Check("x"); !ok {
		t.Fatalf("expected custom matcher to fire")
	}
	if _, err := CompilePattern("("); err == nil {
		t.Fatalf("expected invalid pattern to fail")
	}
}
