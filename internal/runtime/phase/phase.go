// Package phase decides dialogue phase transitions for a live call.
package phase

import (
	"strings"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/runtime/guardrail"
)

const (
	defaultRapportMaxTurns   = 2
	defaultDiscoveryMaxTurns = 5
)

// State is the phase plus the phase an objection returns to.
type State struct {
	Current callengine.Phase
	// Resume is set while Current is objection.
	Resume callengine.Phase
}

// Initial is the state of a freshly answered call.
func Initial() State {
	return State{Current: callengine.PhaseRapport}
}

// Config bounds how long the machine lingers in early phases.
type Config struct {
	RapportMaxTurns   int
	DiscoveryMaxTurns int
}

// Patterns groups the utterance classifiers. Nil entries never match.
type Patterns struct {
	OptOut      guardrail.Matcher
	Objection   guardrail.Matcher
	Agreement   guardrail.Matcher
	Affirmative guardrail.Matcher
	Interest    guardrail.Matcher
}

// DefaultPatterns returns the built-in English classifiers.
func DefaultPatterns() Patterns {
	return Patterns{
		OptOut:      guardrail.Pattern(`\b(do not call|don'?t call (me|us|here)|stop calling|take (me|us) off|remove (me|us|my number)|unsubscribe|leave me alone|never call)\b`),
		Objection:   guardrail.Pattern(`\b(not interested|no thanks|no,? thank you|too (expensive|pricey|much)|can'?t afford|no budget|not (right )?now|bad time|(i'?m|we'?re) (busy|swamped)|already (have|use|using|work with)|not sure|don'?t (think|need|want)|maybe later|call (me )?back|send (me )?an email|happy with (our|what))\b`),
		Agreement:   guardrail.Pattern(`\b(sounds good|sounds great|let'?s do (it|that)|sign (me|us) up|book (it|a|the|me)|set (it|that|something) up|that works|works for me|i'?m in|count me in|go ahead and|send (me )?(the|an|a calendar) invite|let'?s (schedule|set up|book))\b`),
		Affirmative: guardrail.Pattern(`^\W*(yes|yeah|yep|yup|sure|ok|okay|of course|absolutely|certainly|definitely|go ahead|alright|all right|fine)\b|\b(i('ve| have) (got )?(a|a few|a couple( of)?) (minute|minutes|second|seconds)|got a (minute|second))\b`),
		Interest:    guardrail.Pattern(`\b(tell me more|how does (it|that|this) work|what does (it|that|this) (do|cost)|interested|interesting|pricing|price|how much|demo|curious|struggl(e|ing)|(our|the) (biggest )?(problem|challenge|issue|pain))\b`),
	}
}

// Machine is a pure transition function over immutable configuration.
type Machine struct {
	cfg      Config
	patterns Patterns
}

// NewMachine builds a machine; zero config fields take defaults.
func NewMachine(cfg Config, patterns Patterns) Machine {
	if cfg.RapportMaxTurns < 1 {
		cfg.RapportMaxTurns = defaultRapportMaxTurns
	}
	if cfg.DiscoveryMaxTurns <= cfg.RapportMaxTurns {
		cfg.DiscoveryMaxTurns = cfg.RapportMaxTurns + defaultDiscoveryMaxTurns - defaultRapportMaxTurns
	}
	return Machine{cfg: cfg, patterns: patterns}
}

// DefaultMachine uses default thresholds and patterns.
func DefaultMachine() Machine {
	return NewMachine(Config{}, DefaultPatterns())
}

// NextPhase is the phase-only form of Next. Leaving an objection without a
// recorded resume phase returns to pitch.
func (m Machine) NextPhase(current callengine.Phase, text string, turnCount int) callengine.Phase {
	state := State{Current: current}
	if current == callengine.PhaseObjection {
		state.Resume = callengine.PhasePitch
	}
	return m.Next(state, text, turnCount).Current
}

// Next returns the state after one prospect utterance. turnCount counts
// utterances including this one. Unrecognized text leaves the phase alone.
func (m Machine) Next(state State, text string, turnCount int) State {
	if state.Current == "" {
		state = Initial()
	}
	if state.Current == callengine.PhaseEnded {
		return state
	}
	text = strings.TrimSpace(text)

	if m.IsOptOut(text) {
		return Hangup(state)
	}
	if match(m.patterns.Objection, text) {
		if state.Current == callengine.PhaseObjection {
			return state
		}
		return State{Current: callengine.PhaseObjection, Resume: state.Current}
	}

	switch state.Current {
	case callengine.PhaseObjection:
		if match(m.patterns.Agreement, text) {
			return State{Current: callengine.PhaseClosing}
		}
		if m.engaged(text) {
			resume := state.Resume
			if resume == "" || resume == callengine.PhaseObjection {
				resume = callengine.PhasePitch
			}
			return State{Current: resume}
		}
	case callengine.PhaseRapport:
		if match(m.patterns.Affirmative, text) || turnCount >= m.cfg.RapportMaxTurns {
			return State{Current: callengine.PhaseDiscovery}
		}
	case callengine.PhaseDiscovery:
		if match(m.patterns.Agreement, text) {
			return State{Current: callengine.PhaseClosing}
		}
		if match(m.patterns.Interest, text) || turnCount >= m.cfg.DiscoveryMaxTurns {
			return State{Current: callengine.PhasePitch}
		}
	case callengine.PhasePitch:
		if match(m.patterns.Agreement, text) {
			return State{Current: callengine.PhaseClosing}
		}
	}
	return state
}

// IsOptOut reports whether text asks to end contact.
func (m Machine) IsOptOut(text string) bool {
	return match(m.patterns.OptOut, text)
}

// Hangup moves any state to ended.
func Hangup(State) State {
	return State{Current: callengine.PhaseEnded}
}

func (m Machine) engaged(text string) bool {
	return strings.Contains(text, "?") || match(m.patterns.Interest, text) || match(m.patterns.Affirmative, text)
}

func match(m guardrail.Matcher, text string) bool {
	return m != nil && text != "" && m.Match(text)
}
