// Package responsecache serves pre-authored replies for common utterances
// without any network call.
package responsecache

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/runtime/guardrail"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)

// Variant is one pre-authored reply with a relative pick weight.
type Variant struct {
	Text   string
	Weight int
}

// Rule maps a matcher to a pool of variants. A rule with no phases applies
// in every phase.
type Rule struct {
	Name    string
	Phases  []callengine.Phase
	Matcher guardrail.Matcher
	Pool    []Variant
}

// Context fills {{placeholders}} in variants.
type Context struct {
	PersonaName string
	LeadName    string
	LeadEmail   string
	CompanyName string
	ProductName string
}

func (c Context) value(key string) string {
	switch key {
	case "persona_name":
		return c.PersonaName
	case "lead_name":
		return firstName(c.LeadName)
	case "lead_email":
		return c.LeadEmail
	case "company_name":
		return c.CompanyName
	case "product_name":
		return c.ProductName
	default:
		return ""
	}
}

// Table is an immutable, ordered rule set.
type Table struct {
	byPhase  map[callengine.Phase][]Rule
	anyPhase []Rule
	byName   map[string]Rule
}

// NewTable validates rules and indexes them by phase, keeping input order.
func NewTable(rules []Rule) (*Table, error) {
	table := &Table{
		byPhase: make(map[callengine.Phase][]Rule),
		byName:  make(map[string]Rule, len(rules)),
	}
	for i, rule := range rules {
		if strings.TrimSpace(rule.Name) == "" {
			return nil, fmt.Errorf("rule[%d]: name is required", i)
		}
		if _, dup := table.byName[rule.Name]; dup {
			return nil, fmt.Errorf("rule %q defined twice", rule.Name)
		}
		if rule.Matcher == nil {
			return nil, fmt.Errorf("rule %q: matcher is required", rule.Name)
		}
		if len(rule.Pool) == 0 {
			return nil, fmt.Errorf("rule %q: pool is empty", rule.Name)
		}
		for _, variant := range rule.Pool {
			if strings.TrimSpace(variant.Text) == "" {
				return nil, fmt.Errorf("rule %q: empty variant", rule.Name)
			}
			if variant.Weight < 0 {
				return nil, fmt.Errorf("rule %q: negative weight", rule.Name)
			}
		}
		for _, phase := range rule.Phases {
			if err := phase.Validate(); err != nil {
				return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
			}
		}

		table.byName[rule.Name] = rule
		if len(rule.Phases) == 0 {
			table.anyPhase = append(table.anyPhase, rule)
			continue
		}
		for _, phase := range rule.Phases {
			table.byPhase[phase] = append(table.byPhase[phase], rule)
		}
	}
	return table, nil
}

// Cache picks variants from a Table. Safe for concurrent use.
type Cache struct {
	table *Table

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a cache. src seeds variant selection; pass a fixed source in tests.
func New(table *Table, src rand.Source) *Cache {
	return &Cache{table: table, rng: rand.New(src)}
}

// Lookup returns a reply for text in phase, or false when no rule matches.
// Phase-specific rules are tried before phase-agnostic ones.
func (c *Cache) Lookup(text string, phase callengine.Phase, ctx Context) (string, string, bool) {
	text = strings.TrimSpace(text)
	if text == "" || c == nil || c.table == nil {
		return "", "", false
	}
	for _, rules := range [][]Rule{c.table.byPhase[phase], c.table.anyPhase} {
		for _, rule := range rules {
			if !rule.Matcher.Match(text) {
				continue
			}
			if reply, ok := c.pick(rule, ctx); ok {
				return reply, rule.Name, true
			}
		}
	}
	return "", "", false
}

// Pick returns a variant from the named rule without matching.
func (c *Cache) Pick(ruleName string, ctx Context) (string, bool) {
	if c == nil || c.table == nil {
		return "", false
	}
	rule, ok := c.table.byName[ruleName]
	if !ok {
		return "", false
	}
	return c.pick(rule, ctx)
}

func (c *Cache) pick(rule Rule, ctx Context) (string, bool) {
	filled := make([]string, 0, len(rule.Pool))
	weights := make([]int, 0, len(rule.Pool))
	total := 0
	for _, variant := range rule.Pool {
		text, ok := Fill(variant.Text, ctx)
		if !ok {
			continue
		}
		weight := variant.Weight
		if weight == 0 {
			weight = 1
		}
		filled = append(filled, text)
		weights = append(weights, weight)
		total += weight
	}
	if len(filled) == 0 {
		return "", false
	}

	c.mu.Lock()
	n := c.rng.Intn(total)
	c.mu.Unlock()
	for i, weight := range weights {
		if n < weight {
			return filled[i], true
		}
		n -= weight
	}
	return filled[len(filled)-1], true
}

// Fill substitutes placeholders; it reports false when any value is missing.
func Fill(text string, ctx Context) (string, bool) {
	ok := true
	out := placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		key := placeholderPattern.FindStringSubmatch(token)[1]
		value := strings.TrimSpace(ctx.value(key))
		if value == "" {
			ok = false
		}
		return value
	})
	return out, ok
}

func firstName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, ' '); i > 0 {
		return name[:i]
	}
	return name
}
