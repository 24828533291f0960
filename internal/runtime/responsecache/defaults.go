package responsecache

import (
	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/runtime/guardrail"
)

// Rule names referenced outside the table.
const (
	RuleRepeatRequest = "repeat_request"
	RuleOptOut        = "opt_out"
)

// DefaultRules is the built-in rule list, phase-specific rules first.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "greeting",
			Phases:  []callengine.Phase{callengine.PhaseRapport},
			Matcher: guardrail.Pattern(`^\W*(hi|hello|hey|good (morning|afternoon|evening)|speaking|this is \w+)\W*$`),
			Pool: []Variant{
				{Text: "Hi {{lead_name}}, it's {{persona_name}}. Did I catch you at an okay time for a quick minute?", Weight: 3},
				{Text: "Hey {{lead_name}}! {{persona_name}} here. Do you have a quick minute?", Weight: 2},
				{Text: "Hi there, it's {{persona_name}}. Do you have a quick minute?", Weight: 1},
			},
		},
		{
			Name:    "rapport_affirmative",
			Phases:  []callengine.Phase{callengine.PhaseRapport},
			Matcher: guardrail.Pattern(`^\W*(yes|yeah|yep|yup|sure|ok|okay|of course|absolutely|go ahead|alright|all right)\b`),
			Pool: []Variant{
				{Text: "Great, thanks {{lead_name}}! To start, how does your team handle outreach today?", Weight: 2},
				{Text: "Perfect. Quick question to start: what's the biggest headache in your current process?", Weight: 2},
				{Text: "Appreciate it. How are things going at {{company_name}} with your current setup?", Weight: 1},
			},
		},
		{
			Name:    "who_is_this",
			Phases:  []callengine.Phase{callengine.PhaseRapport, callengine.PhaseDiscovery},
			Matcher: guardrail.Pattern(`\b(who('s| is) (this|calling)|who are you|what company|where are you calling from)\b`),
			Pool: []Variant{
				{Text: "It's {{persona_name}}, calling about {{product_name}}. Do you have a minute?", Weight: 2},
				{Text: "This is {{persona_name}}. I'm reaching out about {{product_name}}. Is now an okay time?", Weight: 1},
				{Text: "This is {{persona_name}}. Is now an okay time for a quick chat?", Weight: 1},
			},
		},
		{
			Name:    "email_capture",
			Phases:  []callengine.Phase{callengine.PhaseClosing},
			Matcher: guardrail.Pattern(`[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}|\b(my email|email me|send it to)\b`),
			Pool: []Variant{
				{Text: "Got it, thanks {{lead_name}}. You'll have the invite in a few minutes.", Weight: 1},
				{Text: "Perfect, I'll send that over right after we hang up.", Weight: 1},
			},
		},
		{
			Name:    "demo_agreement",
			Phases:  []callengine.Phase{callengine.PhaseClosing, callengine.PhasePitch},
			Matcher: guardrail.Pattern(`\b(sounds good|sounds great|that works|works for me|let'?s do (it|that)|book (it|me)|i'?m in)\b`),
			Pool: []Variant{
				{Text: "Wonderful. Should I send the calendar invite to {{lead_email}}?", Weight: 2},
				{Text: "Wonderful. What's the best email for the calendar invite?", Weight: 1},
			},
		},
		{
			Name:    RuleOptOut,
			Matcher: guardrail.Pattern(`\b(do not call|don'?t call (me|us|here)|stop calling|take (me|us) off|remove (me|us|my number)|unsubscribe|leave me alone|never call)\b`),
			Pool: []Variant{
				{Text: "Understood, I'll make sure we don't call again. Have a great day.", Weight: 1},
				{Text: "Of course, I'll take you off our list. Sorry to bother you, take care.", Weight: 1},
			},
		},
		{
			Name:    "not_interested",
			Matcher: guardrail.Pattern(`\b(not interested|no thanks|no,? thank you)\b`),
			Pool: []Variant{
				{Text: "Totally understand. Just out of curiosity, is it more the timing or the fit?", Weight: 2},
				{Text: "Fair enough. Before I let you go, is there anything that would make this worth a look later?", Weight: 1},
			},
		},
		{
			Name:    "bad_time",
			Matcher: guardrail.Pattern(`\b(busy|bad time|no time|in a meeting|driving|call (me )?back( later)?)\b`),
			Pool: []Variant{
				{Text: "No problem at all. When would be a better time for a quick call?", Weight: 2},
				{Text: "Totally get it. Is later this week any better for five minutes?", Weight: 1},
			},
		},
		{
			Name:    "already_have",
			Matcher: guardrail.Pattern(`\balready (have|use|using|work with|got)\b`),
			Pool: []Variant{
				{Text: "That's great you've got something in place. What do you like most about it?", Weight: 1},
				{Text: "Makes sense. If you could change one thing about your current tool, what would it be?", Weight: 1},
			},
		},
		{
			Name:    "pricing",
			Matcher: guardrail.Pattern(`\b(how much|pricing|price|cost|expensive|budget)\b`),
			Pool: []Variant{
				{Text: "Great question. Pricing depends on team size, and most teams see it pay for itself within a quarter. Would a quick demo help?", Weight: 1},
				{Text: "It scales with your team, so it's usually less than people expect. Want me to walk you through it in a short demo?", Weight: 1},
			},
		},
		{
			Name:    RuleRepeatRequest,
			Matcher: guardrail.Pattern(`^\W*(sorry|what|pardon|huh)\W*$|\b(come again|say that again|repeat that|didn'?t (catch|hear) (that|you))\b`),
			Pool: []Variant{
				{Text: "Sorry about that, the line cut out for a second. Could you say that one more time?", Weight: 1},
				{Text: "Apologies, I didn't quite catch that. Could you repeat it?", Weight: 1},
			},
		},
	}
}

// DefaultTable builds the built-in table.
func DefaultTable() *Table {
	table, err := NewTable(DefaultRules())
	if err != nil {
		panic(err)
	}
	return table
}
