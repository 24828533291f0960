package postcall

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/observability/telemetry"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/invocation"
)

const validAnalysis = "```json\n" + `{
  "summary": "Dana runs a five person SDR team and agreed to a demo.",
  "interest_level": "High",
  "objections": ["price", "  "],
  "email_captured": " Dana@Brightside.io ",
  "next_steps": "Send calendar invite",
  "scheduled_demo": "2026-10-22T15:00:00-04:00",
  "tone_analysis": "Warm and curious.",
  "what_went_well": ["Clear opener"],
  "what_went_wrong": [],
  "coaching_feedback": "Ask about budget earlier."
}` + "\n```"

func conversation() callengine.Transcript {
	at := time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)
	return callengine.Transcript{
		{Speaker: callengine.SpeakerAgent, Text: "Hi Dana, this is Arabella with Outreach Labs. Do you have a quick minute?", Timestamp: at},
		{Speaker: callengine.SpeakerProspect, Text: "Sure, what's this about?", Timestamp: at.Add(3 * time.Second)},
		{Speaker: callengine.SpeakerAgent, Text: "We help sales teams book more meetings. How does your team handle outreach today?", Timestamp: at.Add(6 * time.Second)},
		{Speaker: callengine.SpeakerProspect, Text: "Mostly spreadsheets. A demo sounds good, send it to dana@brightside.io.", Timestamp: at.Add(12 * time.Second)},
	}
}

func analyzerWith(t *testing.T, emitter telemetry.Emitter, calls *atomic.Int32, fn func(context.Context, contracts.InvocationRequest) (contracts.Outcome, error)) *Analyzer {
	t.Helper()
	adapter := contracts.StaticAdapter{
		ID:   "llm-analysis",
		Mode: contracts.ModalityLLM,
		InvokeFn: func(ctx context.Context, req contracts.InvocationRequest) (contracts.Outcome, error) {
			calls.Add(1)
			return fn(ctx, req)
		},
	}
	analyzer, err := NewAnalyzer(Config{
		Candidates: []invocation.Candidate{{Adapter: adapter, Timeout: time.Second}},
		Invoker:    invocation.NewController(),
		Emitter:    emitter,
	})
	if err != nil {
		t.Fatalf("unexpected analyzer error: %v", err)
	}
	return analyzer
}

func TestAnalyzeParsesStructuredOutput(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	analyzer := analyzerWith(t, nil, &calls, func(_ context.Context, req contracts.InvocationRequest) (contracts.Outcome, error) {
		if req.Temperature != 0 || !req.JSONOutput {
			t.Errorf("expected deterministic json request, got temp=%v json=%v", req.Temperature, req.JSONOutput)
		}
		return contracts.Outcome{Class: contracts.OutcomeSuccess, Text: validAnalysis}, nil
	})

	analysis, err := analyzer.Analyze(context.Background(), "call-1", conversation(), "Dana Whitfield", "Brightside")
	if err != nil {
		t.Fatalf("unexpected analyze error: %v", err)
	}
	if analysis.InterestLevel != callengine.InterestHigh || analysis.Degraded {
		t.Fatalf("unexpected analysis %+v", analysis)
	}
	if analysis.EmailCaptured != "dana@brightside.io" {
		t.Fatalf("expected normalized email, got %q", analysis.EmailCaptured)
	}
	if len(analysis.Objections) != 1 || analysis.Objections[0] != "price" {
		t.Fatalf("expected blank objections dropped, got %v", analysis.Objections)
	}
	want := time.Date(2026, 10, 22, 19, 0, 0, 0, time.UTC)
	if analysis.ScheduledDemo == nil || !analysis.ScheduledDemo.Equal(want) {
		t.Fatalf("unexpected demo time %v", analysis.ScheduledDemo)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one inference call, got %d", calls.Load())
	}
}

func TestAnalyzeDegenerateCallSkipsInference(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	analyzer := analyzerWith(t, nil, &calls, func(context.Context, contracts.InvocationRequest) (contracts.Outcome, error) {
		return contracts.Outcome{Class: contracts.OutcomeSuccess, Text: validAnalysis}, nil
	})

	tests := []struct {
		name       string
		transcript callengine.Transcript
	}{
		{name: "single entry", transcript: conversation()[:1]},
		{name: "empty", transcript: nil},
		{name: "too short", transcript: callengine.Transcript{
			{Speaker: callengine.SpeakerAgent, Text: "Hi?"},
			{Speaker: callengine.SpeakerProspect, Text: "Who?"},
			{Speaker: callengine.SpeakerAgent, Text: "Hello?"},
		}},
	}
	for _, tc := range tests {
		analysis, err := analyzer.Analyze(context.Background(), "call-2", tc.transcript, "Dana", "Brightside")
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if analysis.InterestLevel != callengine.InterestLow || analysis.Summary != DegenerateSummary {
			t.Fatalf("%s: unexpected analysis %+v", tc.name, analysis)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("degenerate calls must not invoke inference, got %d", calls.Load())
	}
}

func TestAnalyzeDegradesOnBadOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		reply  func(context.Context, contracts.InvocationRequest) (contracts.Outcome, error)
		reason string
	}{
		{
			name: "provider failure",
			reply: func(context.Context, contracts.InvocationRequest) (contracts.Outcome, error) {
				return contracts.Outcome{}, errors.New("quota exceeded")
			},
			reason: "inference_failed",
		},
		{
			name: "not json",
			reply: func(context.Context, contracts.InvocationRequest) (contracts.Outcome, error) {
				return contracts.Outcome{Class: contracts.OutcomeSuccess, Text: "The call went well overall."}, nil
			},
			reason: "invalid_output",
		},
		{
			name: "schema violation",
			reply: func(context.Context, contracts.InvocationRequest) (contracts.Outcome, error) {
				return contracts.Outcome{Class: contracts.OutcomeSuccess, Text: `{"summary": "ok", "interest_level": "high"}`}, nil
			},
			reason: "invalid_output",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			recorder := telemetry.NewRecorder()
			var calls atomic.Int32
			analyzer := analyzerWith(t, recorder, &calls, tc.reply)

			analysis, err := analyzer.Analyze(context.Background(), "call-3", conversation(), "Dana", "Brightside")
			if !errors.Is(err, callengine.ErrAnalysisDegraded) {
				t.Fatalf("expected ErrAnalysisDegraded, got %v", err)
			}
			if !analysis.Degraded || analysis.DegradedReason != tc.reason || analysis.InterestLevel != callengine.InterestMedium {
				t.Fatalf("unexpected degraded analysis %+v", analysis)
			}
			if got := len(recorder.Sink.Metrics(telemetry.MetricAnalysisDegradedTotal)); got != 1 {
				t.Fatalf("expected degraded metric, got %d", got)
			}
		})
	}
}

func TestAnalyzeUnknownInterestDefaultsToMedium(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	analyzer := analyzerWith(t, nil, &calls, func(context.Context, contracts.InvocationRequest) (contracts.Outcome, error) {
		return contracts.Outcome{Class: contracts.OutcomeSuccess, Text: `{
			"summary": "Short chat.", "interest_level": "lukewarm", "objections": [],
			"email_captured": "not given", "next_steps": null, "scheduled_demo": "next week sometime",
			"tone_analysis": "Neutral.", "what_went_well": [], "what_went_wrong": [], "coaching_feedback": "Probe more."
		}`}, nil
	})
	analysis, err := analyzer.Analyze(context.Background(), "call-4", conversation(), "Dana", "Brightside")
	if err != nil {
		t.Fatalf("unexpected analyze error: %v", err)
	}
	if analysis.InterestLevel != callengine.InterestMedium || analysis.EmailCaptured != "" || analysis.ScheduledDemo != nil {
		t.Fatalf("unexpected analysis %+v", analysis)
	}
}

func TestDeriveLeadUpdate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	demo := now.Add(48 * time.Hour)
	tests := []struct {
		name     string
		analysis callengine.CallAnalysis
		status   callengine.LeadStatus
		followUp time.Duration
	}{
		{name: "high", analysis: callengine.CallAnalysis{InterestLevel: callengine.InterestHigh}, status: callengine.LeadQualified},
		{name: "medium", analysis: callengine.CallAnalysis{InterestLevel: callengine.InterestMedium}, status: callengine.LeadContacted, followUp: 72 * time.Hour},
		{name: "medium with demo", analysis: callengine.CallAnalysis{InterestLevel: callengine.InterestMedium, ScheduledDemo: &demo}, status: callengine.LeadContacted},
		{name: "low", analysis: callengine.CallAnalysis{InterestLevel: callengine.InterestLow}, status: callengine.LeadContacted, followUp: 7 * 24 * time.Hour},
		{name: "not interested", analysis: callengine.CallAnalysis{InterestLevel: callengine.InterestNotInterested}, status: callengine.LeadNotInterested},
		{name: "unset", analysis: callengine.CallAnalysis{}, status: callengine.LeadNotInterested},
	}
	for _, tc := range tests {
		update := DeriveLeadUpdate(tc.analysis, now)
		if update.Status != tc.status {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.status, update.Status)
		}
		switch {
		case tc.followUp == 0 && update.FollowUpAt != nil:
			t.Fatalf("%s: expected no follow-up, got %v", tc.name, update.FollowUpAt)
		case tc.followUp != 0 && (update.FollowUpAt == nil || !update.FollowUpAt.Equal(now.Add(tc.followUp))):
			t.Fatalf("%s: expected follow-up at +%s, got %v", tc.name, tc.followUp, update.FollowUpAt)
		}
	}
}
