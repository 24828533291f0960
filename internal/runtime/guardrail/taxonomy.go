// Package guardrail holds the disallowed-topic taxonomy and the reply
// normalizer applied to every model-generated reply.
package guardrail

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Category is one disallowed conversational topic.
type Category string

const (
	CategoryPersonalLife Category = "personal_life"
	CategoryReligion     Category = "religion"
	CategoryPolitics     Category = "politics"
	CategoryRomantic     Category = "romantic"
	CategoryBirthdate    Category = "birthdate"
	CategoryHumanClaim   Category = "human_claim"
)

// Required deflection substrings. Downstream tooling searches for these.
const (
	PhraseCannotTalk   = "cannot talk about that right now"
	PhraseDiscussLater = "discuss it later"
)

// Matcher decides whether text belongs to a rule.
type Matcher interface {
	Match(text string) bool
}

// RegexMatcher matches case-insensitively against a compiled pattern.
type RegexMatcher struct {
	re *regexp.Regexp
}

// Pattern compiles a case-insensitive matcher. It panics on invalid
// expressions, so use it only for static tables.
func Pattern(expr string) RegexMatcher {
	return RegexMatcher{re: regexp.MustCompile(`(?i)` + expr)}
}

// CompilePattern is the error-returning form of Pattern for configured rules.
func CompilePattern(expr string) (RegexMatcher, error) {
	re, err := regexp.Compile(`(?i)` + expr)
	if err != nil {
		return RegexMatcher{}, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return RegexMatcher{re: re}, nil
}

func (m RegexMatcher) Match(text string) bool {
	return m.re != nil && m.re.MatchString(text)
}

// MatcherFunc adapts a plain function to Matcher.
type MatcherFunc func(text string) bool

func (f MatcherFunc) Match(text string) bool { return f(text) }

// Rule tags a matcher with the category it detects.
type Rule struct {
	Category Category
	Matcher  Matcher
}

// Taxonomy is an ordered, immutable rule list. First match wins.
type Taxonomy struct {
	rules []Rule
}

// NewTaxonomy validates and copies rules.
func NewTaxonomy(rules []Rule) (Taxonomy, error) {
	out := make([]Rule, 0, len(rules))
	for i, rule := range rules {
		if rule.Category == "" {
			return Taxonomy{}, fmt.Errorf("rule[%d]: category is required", i)
		}
		if rule.Matcher == nil {
			return Taxonomy{}, fmt.Errorf("rule[%d]: matcher is required", i)
		}
		out = append(out, rule)
	}
	return Taxonomy{rules: out}, nil
}

// Check returns the first category whose matcher accepts text.
func (t Taxonomy) Check(text string) (Category, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	for _, rule := range t.rules {
		if rule.Matcher.Match(text) {
			return rule.Category, true
		}
	}
	return "", false
}

// Rules returns a copy of the rule list.
func (t Taxonomy) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Extend appends configured patterns to base. Keys are category names;
// configured rules are checked after the built-in ones.
func Extend(base Taxonomy, patterns map[string][]string) (Taxonomy, error) {
	if len(patterns) == 0 {
		return base, nil
	}
	categories := make([]string, 0, len(patterns))
	for name := range patterns {
		categories = append(categories, name)
	}
	sort.Strings(categories)

	rules := base.Rules()
	for _, name := range categories {
		category := Category(strings.TrimSpace(name))
		if !category.Known() {
			return Taxonomy{}, fmt.Errorf("unknown guardrail category %q", name)
		}
		for _, expr := range patterns[name] {
			matcher, err := CompilePattern(expr)
			if err != nil {
				return Taxonomy{}, fmt.Errorf("guardrail %s: %w", category, err)
			}
			rules = append(rules, Rule{Category: category, Matcher: matcher})
		}
	}
	return NewTaxonomy(rules)
}

// Known reports whether c is one of the built-in categories.
func (c Category) Known() bool {
	switch c {
	case CategoryPersonalLife, CategoryReligion, CategoryPolitics, CategoryRomantic, CategoryBirthdate, CategoryHumanClaim:
		return true
	}
	return false
}

// UtteranceTaxonomy detects prospect questions the agent must not engage with.
func UtteranceTaxonomy() Taxonomy {
	return Taxonomy{rules: []Rule{
		{Category: CategoryHumanClaim, Matcher: Pattern(`\b(are you (a |an )?(real|human|person|robot|bot|ai|machine|computer)|am i (talking|speaking) (to|with) (a |an )?(real|human|person|robot|bot|ai|machine|computer))\b`)},
		{Category: CategoryPolitics, Matcher: Pattern(`\b(vot(e|ed|ing) for|politic(s|al|ian)?|democrats?|republicans?|elections?|left[- ]wing|right[- ]wing)\b`)},
		{Category: CategoryReligion, Matcher: Pattern(`\b(religio(n|us)|believe in god|go to church|do you pray|bible|quran|torah|atheists?)\b`)},
		{Category: CategoryRomantic, Matcher: Pattern(`\b(are you single|go out with me|date me|on a date|sexy|kiss(ing)? me|i love you|flirt(ing)?|romantic)\b`)},
		{Category: CategoryBirthdate, Matcher: Pattern(`\b(how old are you|your (birthday|birth ?date|date of birth|age)|when were you born)\b`)},
		{Category: CategoryPersonalLife, Matcher: Pattern(`\b(are you married|your (wife|husband|kids|children|family|boyfriend|girlfriend|partner)|where do you live|what do you do for fun|your personal life)\b`)},
	}}
}

// ReplyTaxonomy detects model output that breaches the same topics from the
// agent side, e.g. asserting it is a human.
func ReplyTaxonomy() Taxonomy {
	return Taxonomy{rules: []Rule{
		{Category: CategoryHumanClaim, Matcher: Pattern(`\b(i('m| am) (a |an )?(real |actual )?(human|person)( being)?|i('m| am) not (a |an )?(robot|bot|ai|machine))\b`)},
		{Category: CategoryPolitics, Matcher: Pattern(`\bi('m| am| will be)? ?vot(e|ed|ing) for\b`)},
		{Category: CategoryBirthdate, Matcher: Pattern(`\b(i was born (on|in)|my birthday is|i('m| am) \d{1,2} years old)\b`)},
		{Category: CategoryRomantic, Matcher: Pattern(`\b(i love you|you('re| are) (so )?(cute|sexy|hot))\b`)},
	}}
}

// Deflection returns the fixed reply used when a guardrail fires. It always
// contains both required phrases.
func Deflection(leadName string) string {
	greeting := "I'm sorry"
	if name := strings.TrimSpace(leadName); name != "" {
		greeting = "I'm sorry " + firstName(name)
	}
	return greeting + ", I " + PhraseCannotTalk + ", but I'm happy to " + PhraseDiscussLater + ". Could we get back to what's going on with your team?"
}

func firstName(name string) string {
	if i := strings.IndexByte(name, ' '); i > 0 {
		return name[:i]
	}
	return name
}
