// Package postcall analyzes finished calls out of band and writes the
// outcome back to the record store.
package postcall

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/observability/telemetry"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/invocation"
)

const (
	schemaURL = "analysis.schema.json"

	defaultMinEntries = 3
	defaultMinChars   = 80
	defaultMaxTokens  = 900

	// DegenerateSummary is reported for calls with no real conversation.
	DegenerateSummary = "Call ended without meaningful conversation."
)

//go:embed analysis.schema.json
var analysisSchema string

var emailPattern = regexp.MustCompile(`(?i)^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`)

// Invoker runs an ordered provider plan. invocation.Controller implements it.
type Invoker interface {
	Invoke(ctx context.Context, plan []invocation.Candidate, in invocation.Input) (invocation.Result, error)
}

// Config wires the analyzer.
type Config struct {
	Candidates []invocation.Candidate
	Invoker    Invoker
	// Calls with fewer entries or characters skip inference.
	MinEntries int
	MinChars   int
	MaxTokens  int
	Emitter    telemetry.Emitter
}

// Analyzer turns a transcript into a CallAnalysis. It holds no per-call
// state and is safe for concurrent use.
type Analyzer struct {
	cfg    Config
	schema *jsonschema.Schema
}

// NewAnalyzer compiles the output schema and applies defaults.
func NewAnalyzer(cfg Config) (*Analyzer, error) {
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("analyzer invoker is required")
	}
	if len(cfg.Candidates) == 0 {
		return nil, fmt.Errorf("analyzer requires at least one llm provider")
	}
	if cfg.MinEntries <= 0 {
		cfg.MinEntries = defaultMinEntries
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = defaultMinChars
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &Analyzer{cfg: cfg, schema: schema}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, strings.NewReader(analysisSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Analyze always returns a usable analysis. When inference or parsing fails
// the analysis is the degraded default and err wraps
// callengine.ErrAnalysisDegraded.
func (a *Analyzer) Analyze(ctx context.Context, callID string, transcript callengine.Transcript, leadName, companyName string) (callengine.CallAnalysis, error) {
	if len(transcript) < a.cfg.MinEntries || transcript.TotalChars() < a.cfg.MinChars {
		return DegenerateAnalysis(), nil
	}

	result, err := a.cfg.Invoker.Invoke(ctx, a.cfg.Candidates, invocation.Input{
		SessionID: callID,
		TurnID:    "analysis",
		Modality:  contracts.ModalityLLM,
		Request: contracts.InvocationRequest{
			System:      systemPrompt(leadName, companyName),
			Messages:    []contracts.Message{{Role: contracts.RoleUser, Content: transcriptPrompt(transcript, leadName)}},
			MaxTokens:   a.cfg.MaxTokens,
			Temperature: 0,
			JSONOutput:  true,
		},
	})
	if err != nil {
		return a.degraded(callID, "cancelled", err)
	}
	if !result.Succeeded() {
		return a.degraded(callID, "inference_failed", result.Err())
	}

	analysis, err := a.parse(result.Outcome.Text)
	if err != nil {
		return a.degraded(callID, "invalid_output", err)
	}
	return analysis, nil
}

// Validate checks raw model output against the analysis schema.
func (a *Analyzer) Validate(raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return a.schema.Validate(payload)
}

type analysisWire struct {
	Summary          string   `json:"summary"`
	InterestLevel    string   `json:"interest_level"`
	Objections       []string `json:"objections"`
	EmailCaptured    *string  `json:"email_captured"`
	NextSteps        *string  `json:"next_steps"`
	ScheduledDemo    *string  `json:"scheduled_demo"`
	ToneAnalysis     string   `json:"tone_analysis"`
	WhatWentWell     []string `json:"what_went_well"`
	WhatWentWrong    []string `json:"what_went_wrong"`
	CoachingFeedback string   `json:"coaching_feedback"`
}

func (a *Analyzer) parse(text string) (callengine.CallAnalysis, error) {
	raw := extractJSON(text)
	if raw == "" {
		return callengine.CallAnalysis{}, fmt.Errorf("no json object in model output")
	}
	if err := a.Validate([]byte(raw)); err != nil {
		return callengine.CallAnalysis{}, fmt.Errorf("validate analysis: %w", err)
	}
	var wire analysisWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return callengine.CallAnalysis{}, err
	}

	interest, ok := callengine.ParseInterestLevel(wire.InterestLevel)
	if !ok {
		interest = callengine.InterestMedium
	}
	return callengine.CallAnalysis{
		Summary:          strings.TrimSpace(wire.Summary),
		InterestLevel:    interest,
		Objections:       cleanList(wire.Objections),
		EmailCaptured:    cleanEmail(wire.EmailCaptured),
		NextSteps:        strings.TrimSpace(deref(wire.NextSteps)),
		ScheduledDemo:    parseDemoTime(deref(wire.ScheduledDemo)),
		ToneAnalysis:     strings.TrimSpace(wire.ToneAnalysis),
		WhatWentWell:     cleanList(wire.WhatWentWell),
		WhatWentWrong:    cleanList(wire.WhatWentWrong),
		CoachingFeedback: strings.TrimSpace(wire.CoachingFeedback),
	}, nil
}

func (a *Analyzer) degraded(callID, reason string, cause error) (callengine.CallAnalysis, error) {
	emitter := telemetry.OrDefault(a.cfg.Emitter)
	correlation := telemetry.Correlation{SessionID: callID, EmittedBy: "postcall"}
	emitter.EmitMetric(telemetry.MetricAnalysisDegradedTotal, 1, "count", map[string]string{"reason": reason}, correlation)
	message := reason
	if cause != nil {
		message = cause.Error()
	}
	emitter.EmitLog("analysis_degraded", "warn", message, map[string]string{"reason": reason}, correlation)

	analysis := DegradedAnalysis(reason)
	if cause != nil {
		return analysis, fmt.Errorf("%w: %s: %w", callengine.ErrAnalysisDegraded, reason, cause)
	}
	return analysis, fmt.Errorf("%w: %s", callengine.ErrAnalysisDegraded, reason)
}

// DegenerateAnalysis is the fixed result for calls too short to analyze.
func DegenerateAnalysis() callengine.CallAnalysis {
	return callengine.CallAnalysis{
		Summary:          DegenerateSummary,
		InterestLevel:    callengine.InterestLow,
		Objections:       []string{},
		ToneAnalysis:     "Not enough conversation to assess tone.",
		WhatWentWell:     []string{},
		WhatWentWrong:    []string{"The call ended before a conversation started."},
		CoachingFeedback: "The call ended too quickly to evaluate. Focus on a strong, permission-based opener to earn the first minute.",
	}
}

// DegradedAnalysis is the default recorded when analysis could not run.
func DegradedAnalysis(reason string) callengine.CallAnalysis {
	return callengine.CallAnalysis{
		Summary:          "Automatic call analysis was unavailable.",
		InterestLevel:    callengine.InterestMedium,
		Objections:       []string{},
		ToneAnalysis:     "Unknown.",
		WhatWentWell:     []string{},
		WhatWentWrong:    []string{},
		CoachingFeedback: "Review the transcript manually.",
		Degraded:         true,
		DegradedReason:   reason,
	}
}

func systemPrompt(leadName, companyName string) string {
	if strings.TrimSpace(leadName) == "" {
		leadName = "the prospect"
	}
	if strings.TrimSpace(companyName) == "" {
		companyName = "their company"
	}
	return strings.Join([]string{
		fmt.Sprintf("You are a sales coach reviewing a cold call with %s from %s.", leadName, companyName),
		"Respond with one JSON object and nothing else, using exactly these keys:",
		`"summary" (2-3 sentences), "interest_level" (one of "high", "medium", "low", "not_interested"),`,
		`"objections" (array of strings), "email_captured" (string or null), "next_steps" (string or null),`,
		`"scheduled_demo" (ISO 8601 date-time or null), "tone_analysis" (string),`,
		`"what_went_well" (array of strings), "what_went_wrong" (array of strings), "coaching_feedback" (string).`,
		"Only report an email or a demo if the prospect explicitly gave or agreed to one.",
	}, "\n")
}

func transcriptPrompt(transcript callengine.Transcript, leadName string) string {
	prospect := "Prospect"
	if first := strings.Fields(leadName); len(first) > 0 {
		prospect = first[0]
	}
	return "Call transcript:\n" + transcript.Render("Agent", prospect)
}

// extractJSON returns the outermost object in text, tolerating code fences
// and prose around it.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func cleanEmail(raw *string) string {
	email := strings.ToLower(strings.TrimSpace(deref(raw)))
	if !emailPattern.MatchString(email) {
		return ""
	}
	return email
}

var demoLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"}

func parseDemoTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "null") {
		return nil
	}
	for _, layout := range demoLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// IsDegraded reports whether err marks a degraded analysis.
func IsDegraded(err error) bool {
	return errors.Is(err, callengine.ErrAnalysisDegraded)
}
