package callengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Phase is the dialogue stage of a sales call.
type Phase string

const (
	PhaseRapport   Phase = "rapport"
	PhaseDiscovery Phase = "discovery"
	PhasePitch     Phase = "pitch"
	PhaseObjection Phase = "objection"
	PhaseClosing   Phase = "closing"
	PhaseEnded     Phase = "ended"
)

// Validate enforces the closed phase set.
func (p Phase) Validate() error {
	switch p {
	case PhaseRapport, PhaseDiscovery, PhasePitch, PhaseObjection, PhaseClosing, PhaseEnded:
		return nil
	default:
		return fmt.Errorf("unsupported phase: %q", p)
	}
}

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerAgent    Speaker = "agent"
	SpeakerProspect Speaker = "prospect"
)

// SourceTier identifies which resolver stage produced a reply.
type SourceTier string

const (
	TierGuardrail SourceTier = "guardrail"
	TierCache     SourceTier = "cache"
	TierFast      SourceTier = "fast"
	TierGeneral   SourceTier = "general"
	TierFallback  SourceTier = "fallback"
)

// InterestLevel is the analyzer's classification of prospect intent.
type InterestLevel string

const (
	InterestHigh          InterestLevel = "high"
	InterestMedium        InterestLevel = "medium"
	InterestLow           InterestLevel = "low"
	InterestNotInterested InterestLevel = "not_interested"
)

// ParseInterestLevel normalizes free-form model output into the closed set.
func ParseInterestLevel(raw string) (InterestLevel, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	switch InterestLevel(normalized) {
	case InterestHigh, InterestMedium, InterestLow, InterestNotInterested:
		return InterestLevel(normalized), true
	case "none", "uninterested", "no_interest":
		return InterestNotInterested, true
	default:
		return "", false
	}
}

// LeadStatus is the record-store lead status written after analysis.
type LeadStatus string

const (
	LeadQualified     LeadStatus = "qualified"
	LeadContacted     LeadStatus = "contacted"
	LeadNotInterested LeadStatus = "not_interested"
)

var (
	// ErrProviderTimeout marks an inference or synthesis attempt that exceeded its deadline.
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrProviderError marks any other failed provider attempt.
	ErrProviderError = errors.New("provider error")
	// ErrSynthesisUnavailable is returned when every synthesis provider failed.
	ErrSynthesisUnavailable = errors.New("synthesis unavailable")
	// ErrAnalysisDegraded marks an analysis that fell back to defaults.
	ErrAnalysisDegraded = errors.New("analysis degraded")
	// ErrSessionNotFound is returned for events addressed to an unknown call.
	ErrSessionNotFound = errors.New("call session not found")
	// ErrSessionEnded is returned for events addressed to a finished call.
	ErrSessionEnded = errors.New("call session ended")
)

// Persona is the named voice identity used on a call.
type Persona struct {
	Name     string `json:"name" yaml:"name"`
	VoiceID  string `json:"voice_id,omitempty" yaml:"voice_id,omitempty"`
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
}

// Validate requires a display name.
func (p Persona) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("persona name is required")
	}
	return nil
}

// ScriptContext is the static script material supplied at call start.
type ScriptContext struct {
	ScriptID       string   `json:"script_id,omitempty"`
	OpeningLine    string   `json:"opening_line"`
	AgentName      string   `json:"agent_name,omitempty"`
	ProductName    string   `json:"product_name,omitempty"`
	ProductSnippet []string `json:"product_snippets,omitempty"`
}

// Lead is the read-only prospect identity for a call.
type Lead struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Company string `json:"company"`
	Email   string `json:"email,omitempty"`
}

// TranscriptEntry is one spoken turn.
type TranscriptEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is an ordered, append-only sequence of turns.
type Transcript []TranscriptEntry

// Clone returns an independent copy.
func (t Transcript) Clone() Transcript {
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// TotalChars counts characters across all entries.
func (t Transcript) TotalChars() int {
	total := 0
	for _, entry := range t {
		total += len(strings.TrimSpace(entry.Text))
	}
	return total
}

// Render formats the transcript as "Speaker: text" lines.
func (t Transcript) Render(agentLabel, prospectLabel string) string {
	var b strings.Builder
	for i, entry := range t {
		if i > 0 {
			b.WriteByte('\n')
		}
		label := prospectLabel
		if entry.Speaker == SpeakerAgent {
			label = agentLabel
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(entry.Text))
	}
	return b.String()
}

// Utterance is one transcribed unit of prospect speech.
type Utterance struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ResolvedReply is the resolver output for one utterance.
type ResolvedReply struct {
	Text               string     `json:"text"`
	SourceTier         SourceTier `json:"source_tier"`
	PhaseHint          Phase      `json:"phase_hint"`
	ProviderID         string     `json:"provider_id,omitempty"`
	Attempts           int        `json:"attempts,omitempty"`
	GuardrailTriggered bool       `json:"guardrail_triggered,omitempty"`
}

// SynthesizedAudio is playable audio for one reply.
type SynthesizedAudio struct {
	AudioRef     string `json:"audio_ref"`
	ProviderUsed string `json:"provider_used"`
	LatencyMS    int64  `json:"latency_ms"`
	MimeType     string `json:"mime_type"`
	// Text is what was actually voiced, after length capping.
	Text  string `json:"text"`
	Audio []byte `json:"-"`
}

// CallAnalysis is the structured outcome of a completed call.
type CallAnalysis struct {
	Summary          string        `json:"summary"`
	InterestLevel    InterestLevel `json:"interest_level"`
	Objections       []string      `json:"objections"`
	EmailCaptured    string        `json:"email_captured,omitempty"`
	NextSteps        string        `json:"next_steps,omitempty"`
	ScheduledDemo    *time.Time    `json:"scheduled_demo,omitempty"`
	ToneAnalysis     string        `json:"tone_analysis"`
	WhatWentWell     []string      `json:"what_went_well"`
	WhatWentWrong    []string      `json:"what_went_wrong"`
	CoachingFeedback string        `json:"coaching_feedback"`
	Degraded         bool          `json:"degraded,omitempty"`
	DegradedReason   string        `json:"degraded_reason,omitempty"`
}

// LeadUpdate is the status change derived from an analysis.
type LeadUpdate struct {
	Status        LeadStatus    `json:"status"`
	InterestLevel InterestLevel `json:"interest_level"`
	FollowUpAt    *time.Time    `json:"follow_up_at,omitempty"`
}

// CallRecord is persisted when a call ends.
type CallRecord struct {
	CallID           string        `json:"call_id"`
	LeadID           string        `json:"lead_id,omitempty"`
	ScriptID         string        `json:"script_id,omitempty"`
	Persona          Persona       `json:"persona"`
	Transcript       Transcript    `json:"transcript"`
	StartedAt        time.Time     `json:"started_at"`
	EndedAt          time.Time     `json:"ended_at"`
	Duration         time.Duration `json:"duration"`
	DisconnectReason string        `json:"disconnect_reason"`
	FinalPhase       Phase         `json:"final_phase"`
}

// CallStart carries everything the engine needs when a call is answered.
type CallStart struct {
	SessionID string        `json:"session_id"`
	Persona   Persona       `json:"persona"`
	Script    ScriptContext `json:"script"`
	Lead      Lead          `json:"lead"`
}

// Validate enforces required call-start fields.
func (c CallStart) Validate() error {
	if strings.TrimSpace(c.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	return c.Persona.Validate()
}

// Gateway is the telephony side the engine emits to.
type Gateway interface {
	PlayAudio(ctx context.Context, sessionID string, audio SynthesizedAudio) error
	HangUp(ctx context.Context, sessionID string) error
}

// RecordStore persists call outcomes.
type RecordStore interface {
	SaveCall(ctx context.Context, record CallRecord) error
	SaveAnalysis(ctx context.Context, callID string, analysis CallAnalysis) error
	UpdateLead(ctx context.Context, leadID string, update LeadUpdate) error
}

// ContextLoader reads script and lead material at call start.
type ContextLoader interface {
	LoadCallContext(ctx context.Context, leadID, scriptID string) (ScriptContext, Lead, error)
}
