// Package synthesis maps a persona to provider voices and walks the ranked
// synthesis providers until one returns audio.
package synthesis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/observability/telemetry"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/invocation"
)

const defaultMaxChars = 400

// Invoker runs an ordered provider plan. invocation.Controller implements it.
type Invoker interface {
	Invoke(ctx context.Context, plan []invocation.Candidate, in invocation.Input) (invocation.Result, error)
}

// VoiceMap is provider id -> persona name -> provider voice id.
type VoiceMap map[string]map[string]string

// Config wires a dispatcher. Providers are tried in slice order.
type Config struct {
	Providers []invocation.Candidate
	Voices    VoiceMap
	// DefaultVoices is provider id -> voice used when a persona has no mapping.
	DefaultVoices map[string]string
	MaxChars      int
	Invoker       Invoker
	Emitter       telemetry.Emitter
	Now           func() time.Time
}

// Dispatcher is read-only after construction and safe for concurrent use.
type Dispatcher struct {
	cfg Config
}

// New validates configuration.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("synthesis invoker is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one synthesis provider is required")
	}
	for i, candidate := range cfg.Providers {
		if candidate.Adapter == nil {
			return nil, fmt.Errorf("provider[%d]: adapter is required", i)
		}
		if candidate.Adapter.Modality() != contracts.ModalityTTS {
			return nil, fmt.Errorf("provider %q is not a tts provider", candidate.Adapter.ProviderID())
		}
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{cfg: cfg}, nil
}

// VoiceFor resolves the voice a provider should use for persona. An empty
// result lets the adapter apply its own default.
func (d *Dispatcher) VoiceFor(providerID string, persona callengine.Persona) string {
	if persona.VoiceID != "" && persona.Provider == providerID {
		return persona.VoiceID
	}
	if byPersona, ok := d.cfg.Voices[providerID]; ok {
		if voice, ok := byPersona[persona.Name]; ok && voice != "" {
			return voice
		}
		for name, voice := range byPersona {
			if strings.EqualFold(name, persona.Name) && voice != "" {
				return voice
			}
		}
	}
	return d.cfg.DefaultVoices[providerID]
}

// Synthesize returns audio from the first provider that succeeds. It wraps
// callengine.ErrSynthesisUnavailable when every provider failed, and returns
// ctx.Err() when the call went away.
func (d *Dispatcher) Synthesize(ctx context.Context, sessionID, turnID, text string, persona callengine.Persona) (callengine.SynthesizedAudio, error) {
	text = TruncateChars(strings.TrimSpace(text), d.cfg.MaxChars)
	if text == "" {
		return callengine.SynthesizedAudio{}, fmt.Errorf("%w: empty text", callengine.ErrSynthesisUnavailable)
	}

	plan := make([]invocation.Candidate, len(d.cfg.Providers))
	for i, candidate := range d.cfg.Providers {
		voice := d.VoiceFor(candidate.Adapter.ProviderID(), persona)
		candidate.Label = "synthesis"
		candidate.Prepare = func(req *contracts.InvocationRequest) { req.VoiceID = voice }
		plan[i] = candidate
	}

	start := d.cfg.Now()
	result, err := d.cfg.Invoker.Invoke(ctx, plan, invocation.Input{
		SessionID: sessionID,
		TurnID:    turnID,
		Modality:  contracts.ModalityTTS,
		Request:   contracts.InvocationRequest{Text: text},
	})
	if err != nil {
		return callengine.SynthesizedAudio{}, err
	}

	emitter := telemetry.OrDefault(d.cfg.Emitter)
	correlation := telemetry.Correlation{
		SessionID:  sessionID,
		TurnID:     turnID,
		ProviderID: result.SelectedProvider,
		EmittedBy:  "synthesis",
	}
	if !result.Succeeded() {
		emitter.EmitLog("synthesis_unavailable", "error", result.Err().Error(), map[string]string{
			"attempts": strconv.Itoa(len(result.Attempts)),
		}, correlation)
		return callengine.SynthesizedAudio{}, fmt.Errorf("%w: %v", callengine.ErrSynthesisUnavailable, result.Err())
	}
	if first := plan[0].Adapter.ProviderID(); result.SelectedProvider != first {
		emitter.EmitMetric(telemetry.MetricSynthesisFailoverTotal, 1, "count", map[string]string{"from": first}, correlation)
	}

	return callengine.SynthesizedAudio{
		AudioRef:     uuid.NewString(),
		ProviderUsed: result.SelectedProvider,
		LatencyMS:    d.cfg.Now().Sub(start).Milliseconds(),
		MimeType:     result.Outcome.MimeType,
		Text:         text,
		Audio:        result.Outcome.Audio,
	}, nil
}

// TruncateChars caps text at maxChars runes on a sentence or word boundary.
func TruncateChars(text string, maxChars int) string {
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return text
	}
	cut := string(runes[:maxChars])
	if i := strings.LastIndexAny(cut, ".!?"); i >= len(cut)/2 {
		return cut[:i+1]
	}
	if runes[maxChars] != ' ' {
		if i := strings.LastIndexByte(cut, ' '); i > 0 {
			cut = cut[:i]
		}
	}
	return strings.TrimRight(cut, ",;:- ") + "."
}
