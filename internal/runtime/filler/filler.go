// Package filler prepends short spoken interjections that mask synthesis
// latency on longer replies.
package filler

import (
	"math/rand"
	"strings"
	"sync"
	"unicode"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/runtime/guardrail"
)

// Bucket groups fillers by conversational context.
type Bucket string

const (
	BucketAcknowledgment Bucket = "acknowledgment"
	BucketEmpathy        Bucket = "empathy"
	BucketTransition     Bucket = "transition"
	BucketThinking       Bucket = "thinking"
)

const (
	defaultProbability = 0.4
	defaultMinWords    = 6
	longUtteranceWords = 12
)

var (
	objectionPattern = guardrail.Pattern(`\b(not interested|too (expensive|pricey|much)|can'?t afford|no budget|busy|bad time|already (have|use|using)|not sure|don'?t (think|need|want)|worried|concern(ed)?|problem)\b`)
	questionPattern  = guardrail.Pattern(`^\W*(what|how|why|when|where|who|which|can|could|do|does|is|are|will|would)\b`)
)

// DefaultFillers returns the built-in phrase buckets.
func DefaultFillers() map[Bucket][]string {
	return map[Bucket][]string{
		BucketAcknowledgment: {"Got it.", "I see.", "Okay...", "Right..."},
		BucketEmpathy:        {"I hear you.", "Totally understand.", "That's fair.", "Makes sense."},
		BucketTransition:     {"So...", "Well...", "Alright...", "Now..."},
		BucketThinking:       {"Hmm...", "Good question.", "Let me think...", "Great question."},
	}
}

// Config tunes injection. Probability 0 uses the default; use a negative
// value to disable injection.
type Config struct {
	Probability float64
	MinWords    int
	Fillers     map[Bucket][]string
}

// Injector is safe for concurrent use.
type Injector struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds an injector. src drives both the injection roll and the phrase pick.
func New(cfg Config, src rand.Source) *Injector {
	if cfg.Probability == 0 {
		cfg.Probability = defaultProbability
	}
	if cfg.MinWords < 1 {
		cfg.MinWords = defaultMinWords
	}
	if len(cfg.Fillers) == 0 {
		cfg.Fillers = DefaultFillers()
	}
	return &Injector{cfg: cfg, rng: rand.New(src)}
}

// Augment returns reply with an optional filler prefix.
func (i *Injector) Augment(reply, utterance string, phase callengine.Phase) string {
	reply = strings.TrimSpace(reply)
	if i == nil || reply == "" || phase == callengine.PhaseEnded {
		return reply
	}
	if len(strings.Fields(reply)) < i.cfg.MinWords {
		return reply
	}

	candidates := i.cfg.Fillers[ChooseBucket(utterance, phase)]
	if len(candidates) == 0 {
		return reply
	}

	i.mu.Lock()
	roll := i.rng.Float64()
	start := i.rng.Intn(len(candidates))
	i.mu.Unlock()
	if roll >= i.cfg.Probability {
		return reply
	}

	lead := leadingWord(reply)
	for offset := 0; offset < len(candidates); offset++ {
		filler := candidates[(start+offset)%len(candidates)]
		if leadingWord(filler) == lead {
			continue
		}
		return filler + " " + reply
	}
	return reply
}

// ChooseBucket picks the filler bucket for an utterance.
func ChooseBucket(utterance string, phase callengine.Phase) Bucket {
	text := strings.TrimSpace(utterance)
	switch {
	case phase == callengine.PhaseObjection || objectionPattern.Match(text):
		return BucketEmpathy
	case strings.HasSuffix(text, "?") || questionPattern.Match(text):
		return BucketThinking
	case len(strings.Fields(text)) >= longUtteranceWords:
		return BucketAcknowledgment
	default:
		return BucketTransition
	}
}

func leadingWord(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(strings.TrimFunc(fields[0], func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}))
}
