// Package resolver turns one prospect utterance into a reply by walking the
// guardrail, cache and inference tiers in order.
package resolver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/observability/telemetry"
	"github.com/tiger/outreach-voice-engine/internal/runtime/guardrail"
	"github.com/tiger/outreach-voice-engine/internal/runtime/phase"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/invocation"
	"github.com/tiger/outreach-voice-engine/internal/runtime/responsecache"
)

const defaultHistoryTurns = 6

// Invoker runs an ordered provider plan. invocation.Controller implements it.
type Invoker interface {
	Invoke(ctx context.Context, plan []invocation.Candidate, in invocation.Input) (invocation.Result, error)
}

// TierSpec is one inference tier. Tiers run in slice order.
type TierSpec struct {
	Tier        callengine.SourceTier
	Candidates  []invocation.Candidate
	MaxWords    int
	MaxTokens   int
	Temperature float64
	// IncludeProductContext adds script product snippets to the prompt.
	IncludeProductContext bool
	HistoryTurns          int
}

// Config wires the resolver. Everything here is read-only after construction.
type Config struct {
	Tiers      []TierSpec
	Invoker    Invoker
	Guardrails guardrail.Taxonomy
	Normalizer guardrail.Normalizer
	Cache      *responsecache.Cache
	Phases     phase.Machine
	Emitter    telemetry.Emitter
}

// Request is the session view the resolver needs for one turn.
type Request struct {
	SessionID string
	TurnID    string
	Utterance callengine.Utterance
	State     phase.State
	// TurnCount includes the current utterance.
	TurnCount int
	Persona   callengine.Persona
	Script    callengine.ScriptContext
	Lead      callengine.Lead
	// History is the transcript before the current utterance.
	History callengine.Transcript
}

// Resolution is the reply plus the phase state it implies.
type Resolution struct {
	Reply callengine.ResolvedReply
	Next  phase.State
}

// Resolver is safe for concurrent use across sessions.
type Resolver struct {
	cfg Config
}

// New validates tier wiring.
func New(cfg Config) (*Resolver, error) {
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("resolver invoker is required")
	}
	for i, tier := range cfg.Tiers {
		if tier.Tier != callengine.TierFast && tier.Tier != callengine.TierGeneral {
			return nil, fmt.Errorf("tier[%d]: unsupported tier %q", i, tier.Tier)
		}
		if len(tier.Candidates) == 0 {
			return nil, fmt.Errorf("tier[%d] %s: at least one provider is required", i, tier.Tier)
		}
		if cfg.Tiers[i].HistoryTurns <= 0 {
			cfg.Tiers[i].HistoryTurns = defaultHistoryTurns
		}
	}
	return &Resolver{cfg: cfg}, nil
}

// Resolve never fails for provider reasons: every tier failure falls through
// and the last resort is a neutral acknowledgment. It returns an error only
// when ctx is cancelled, meaning the call went away mid-turn.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Resolution, error) {
	state := req.State
	if state.Current == "" {
		state = phase.Initial()
	}
	text := strings.TrimSpace(req.Utterance.Text)
	correlation := telemetry.Correlation{
		SessionID: req.SessionID,
		TurnID:    req.TurnID,
		Phase:     string(state.Current),
		EmittedBy: "resolver",
	}
	emitter := telemetry.OrDefault(r.cfg.Emitter)

	if category, hit := r.cfg.Guardrails.Check(text); hit {
		correlation.Tier = string(callengine.TierGuardrail)
		emitter.EmitMetric(telemetry.MetricGuardrailTriggerTotal, 1, "count", map[string]string{"category": string(category)}, correlation)
		return Resolution{
			Reply: callengine.ResolvedReply{
				Text:               guardrail.Deflection(req.Lead.Name),
				SourceTier:         callengine.TierGuardrail,
				PhaseHint:          state.Current,
				GuardrailTriggered: true,
			},
			Next: state,
		}, nil
	}

	next := r.cfg.Phases.Next(state, text, req.TurnCount)

	if reply, rule, hit := r.cfg.Cache.Lookup(text, state.Current, cacheContext(req)); hit {
		correlation.Tier = string(callengine.TierCache)
		emitter.EmitMetric(telemetry.MetricCacheHitTotal, 1, "count", map[string]string{"rule": rule}, correlation)
		return Resolution{
			Reply: callengine.ResolvedReply{Text: reply, SourceTier: callengine.TierCache, PhaseHint: next.Current},
			Next:  next,
		}, nil
	}

	scriptName := guardrail.AgentName(req.Script, req.Lead)

	attempts := 0
	for _, tier := range r.cfg.Tiers {
		result, err := r.cfg.Invoker.Invoke(ctx, tier.Candidates, invocation.Input{
			SessionID: req.SessionID,
			TurnID:    req.TurnID,
			Modality:  contracts.ModalityLLM,
			Request: contracts.InvocationRequest{
				System:      buildSystemPrompt(tier, req, next.Current),
				Messages:    buildMessages(req.History, text, tier.HistoryTurns),
				MaxTokens:   tier.MaxTokens,
				Temperature: tier.Temperature,
				MaxWords:    tier.MaxWords,
			},
		})
		attempts += len(result.Attempts)
		if err != nil {
			return Resolution{}, err
		}

		correlation.Tier = string(tier.Tier)
		correlation.ProviderID = result.SelectedProvider
		if !result.Succeeded() {
			emitter.EmitLog("resolver_tier_failed", "warn", result.Err().Error(), map[string]string{
				"attempts": strconv.Itoa(len(result.Attempts)),
			}, correlation)
			continue
		}

		reply := r.cfg.Normalizer.Normalize(TruncateWords(result.Outcome.Text, tier.MaxWords), req.Persona, scriptName)
		if reply == "" {
			emitter.EmitLog("resolver_tier_failed", "warn", "reply empty after normalization", nil, correlation)
			continue
		}
		return Resolution{
			Reply: callengine.ResolvedReply{
				Text:       reply,
				SourceTier: tier.Tier,
				PhaseHint:  next.Current,
				ProviderID: result.SelectedProvider,
				Attempts:   attempts,
			},
			Next: next,
		}, nil
	}

	correlation.Tier = string(callengine.TierFallback)
	correlation.ProviderID = ""
	emitter.EmitLog("resolver_fallback", "warn", "all inference tiers failed", map[string]string{
		"attempts": strconv.Itoa(attempts),
	}, correlation)
	return Resolution{
		Reply: callengine.ResolvedReply{
			Text:       NeutralAcknowledgment(next.Current),
			SourceTier: callengine.TierFallback,
			PhaseHint:  next.Current,
			Attempts:   attempts,
		},
		Next: next,
	}, nil
}

var neutralReplies = map[callengine.Phase]string{
	callengine.PhaseRapport:   "Thanks for picking up. Do you have a quick minute?",
	callengine.PhaseDiscovery: "I hear you. Could you tell me a little more about that?",
	callengine.PhasePitch:     "That makes sense. Would a quick demo be helpful to see if it fits?",
	callengine.PhaseObjection: "I completely understand. What would make this worth a second look?",
	callengine.PhaseClosing:   "Great. What's the best email to send the details to?",
	callengine.PhaseEnded:     "Thanks so much for your time. Have a great day.",
}

// NeutralAcknowledgment is the reply used when no tier produced one.
func NeutralAcknowledgment(p callengine.Phase) string {
	if reply, ok := neutralReplies[p]; ok {
		return reply
	}
	return neutralReplies[callengine.PhaseDiscovery]
}

func cacheContext(req Request) responsecache.Context {
	return responsecache.Context{
		PersonaName: req.Persona.Name,
		LeadName:    req.Lead.Name,
		LeadEmail:   req.Lead.Email,
		CompanyName: req.Lead.Company,
		ProductName: req.Script.ProductName,
	}
}
