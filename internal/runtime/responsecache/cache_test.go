package responsecache

import (
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/runtime/guardrail"
)

func fullContext() Context {
	return Context{
		PersonaName: "Arabella",
		LeadName:    "Jordan Lee",
		LeadEmail:   "jordan@example.com",
		CompanyName: "Northwind",
		ProductName: "Outreach Studio",
	}
}

func TestLookupMatchesByPhase(t *testing.T) {
	t.Parallel()

	cache := New(DefaultTable(), rand.NewSource(7))
	tests := []struct {
		name  string
		text  string
		phase callengine.Phase
		rule  string
		hit   bool
	}{
		{name: "greeting in rapport", text: "Hello?", phase: callengine.PhaseRapport, rule: "greeting", hit: true},
		{name: "greeting outside rapport", text: "Hello?", phase: callengine.PhasePitch, hit: false},
		{name: "affirmative in rapport", text: "Yeah sure", phase: callengine.PhaseRapport, rule: "rapport_affirmative", hit: true},
		{name: "affirmative in discovery", text: "yes", phase: callengine.PhaseDiscovery, hit: false},
		{name: "pricing anywhere", text: "How much does it cost?", phase: callengine.PhaseDiscovery, rule: "pricing", hit: true},
		{name: "opt out before other objections", text: "I'm busy, stop calling me", phase: callengine.PhasePitch, rule: RuleOptOut, hit: true},
		{name: "bad time", text: "Sorry, bad time", phase: callengine.PhaseRapport, rule: "bad_time", hit: true},
		{name: "repeat", text: "Sorry?", phase: callengine.PhaseDiscovery, rule: RuleRepeatRequest, hit: true},
		{name: "no match", text: "We mostly cold call from spreadsheets", phase: callengine.PhaseDiscovery, hit: false},
	}

	for _, tc := range tests {
		reply, rule, hit := cache.Lookup(tc.text, tc.phase, fullContext())
		if hit != tc.hit || rule != tc.rule {
			t.Fatalf("%s: got rule=%q hit=%v, want rule=%q hit=%v", tc.name, rule, hit, tc.rule, tc.hit)
		}
		if hit && (reply == "" || strings.Contains(reply, "{{")) {
			t.Fatalf("%s: unexpected reply %q", tc.name, reply)
		}
	}
}

func TestPhaseSpecificRulesWinOverAgnostic(t *testing.T) {
	t.Parallel()

	table, err := NewTable([]Rule{
		{Name: "agnostic", Matcher: guardrail.Pattern(`price`), Pool: []Variant{{Text: "generic"}}},
		{Name: "pitch", Phases: []callengine.Phase{callengine.PhasePitch}, Matcher: guardrail.Pattern(`price`), Pool: []Variant{{Text: "pitch specific"}}},
	})
	if err != nil {
		t.Fatalf("unexpected table error: %v", err)
	}
	cache := New(table, rand.NewSource(1))

	if reply, _, _ := cache.Lookup("what's the price", callengine.PhasePitch, Context{}); reply != "pitch specific" {
		t.Fatalf("expected phase-specific reply, got %q", reply)
	}
	if reply, _, _ := cache.Lookup("what's the price", callengine.PhaseRapport, Context{}); reply != "generic" {
		t.Fatalf("expected agnostic reply, got %q", reply)
	}
}

func TestPlaceholderSubstitutionSkipsUnfillable(t *testing.T) {
	t.Parallel()

	table, err := NewTable([]Rule{{
		Name:    "invite",
		Matcher: guardrail.Pattern(`invite`),
		Pool: []Variant{
			{Text: "Sending it to {{lead_email}}, {{persona_name}} here.", Weight: 100},
			{Text: "What's the best email?", Weight: 1},
		},
	}})
	if err != nil {
		t.Fatalf("unexpected table error: %v", err)
	}
	cache := New(table, rand.NewSource(3))

	for i := 0; i < 20; i++ {
		reply, _, ok := cache.Lookup("send the invite", callengine.PhaseClosing, Context{PersonaName: "Arabella"})
		if !ok || reply != "What's the best email?" {
			t.Fatalf("expected unfillable variant to be skipped, got %q", reply)
		}
	}

	reply, _, _ := cache.Lookup("send the invite", callengine.PhaseClosing, fullContext())
	if reply != "Sending it to jordan@example.com, Arabella here." && reply != "What's the best email?" {
		t.Fatalf("unexpected substitution %q", reply)
	}
}

func TestWeightedPickIsDeterministicForSeed(t *testing.T) {
	t.Parallel()

	pick := func() []string {
		cache := New(DefaultTable(), rand.NewSource(42))
		out := make([]string, 0, 10)
		for i := 0; i < 10; i++ {
			reply, _, _ := cache.Lookup("How much is it?", callengine.PhasePitch, fullContext())
			out = append(out, reply)
		}
		return out
	}
	first, second := pick(), pick()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("expected identical sequence for identical seed at %d: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestPickByName(t *testing.T) {
	t.Parallel()

	cache := New(DefaultTable(), rand.NewSource(1))
	if reply, ok := cache.Pick(RuleRepeatRequest, Context{}); !ok || reply == "" {
		t.Fatalf("expected repeat request variant, got %q", reply)
	}
	if _, ok := cache.Pick("missing", Context{}); ok {
		t.Fatalf("expected unknown rule to miss")
	}
}

func TestNewTableValidation(t *testing.T) {
	t.Parallel()

	match := guardrail.Pattern(`x`)
	cases := []struct {
		name  string
		rules []Rule
	}{
		{name: "missing name", rules: []Rule{{Matcher: match, Pool: []Variant{{Text: "a"}}}}},
		{name: "duplicate", rules: []Rule{{Name: "a", Matcher: match, Pool: []Variant{{Text: "a"}}}, {Name: "a", Matcher: match, Pool: []Variant{{Text: "b"}}}}},
		{name: "missing matcher", rules: []Rule{{Name: "a", Pool: []Variant{{Text: "a"}}}}},
		{name: "empty pool", rules: []Rule{{Name: "a", Matcher: match}}},
		{name: "bad phase", rules: []Rule{{Name: "a", Matcher: match, Phases: []callengine.Phase{"smalltalk"}, Pool: []Variant{{Text: "a"}}}}},
		{name: "negative weight", rules: []Rule{{Name: "a", Matcher: match, Pool: []Variant{{Text: "a", Weight: -1}}}}},
	}
	for _, tc := range cases {
		if _, err := NewTable(tc.rules); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestLookupConcurrentUse(t *testing.T) {
	t.Parallel()

	cache := New(DefaultTable(), rand.NewSource(9))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, _, ok := cache.Lookup("what's the price", callengine.PhasePitch, fullContext()); !ok {
					t.Errorf("expected pricing hit")
					return
				}
			}
		}()
	}
	wg.Wait()
}
