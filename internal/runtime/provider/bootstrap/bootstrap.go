package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/tiger/outreach-voice-engine/internal/observability/telemetry"
	providerconfig "github.com/tiger/outreach-voice-engine/internal/runtime/provider/config"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/invocation"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/registry"
	llmanthropic "github.com/tiger/outreach-voice-engine/providers/llm/anthropic"
	llmgemini "github.com/tiger/outreach-voice-engine/providers/llm/gemini"
	llmopenaicompat "github.com/tiger/outreach-voice-engine/providers/llm/openaicompat"
	ttselevenlabs "github.com/tiger/outreach-voice-engine/providers/tts/elevenlabs"
	ttsgoogle "github.com/tiger/outreach-voice-engine/providers/tts/google"
	ttspolly "github.com/tiger/outreach-voice-engine/providers/tts/polly"
)

// Options controls provider bootstrap invariants.
type Options struct {
	MinProvidersPerModality int
	MaxAttemptsPerProvider  int
	Emitter                 telemetry.Emitter
}

// RuntimeProviders contains initialized provider manager components.
type RuntimeProviders struct {
	Catalog    registry.Catalog
	Controller invocation.Controller
}

// Build constructs adapters from provider specs, in the order given.
func Build(specs []providerconfig.Spec, opts Options) (RuntimeProviders, error) {
	adapters := make([]contracts.Adapter, 0, len(specs))
	for _, spec := range specs {
		adapter, err := NewAdapter(spec)
		if err != nil {
			return RuntimeProviders{}, err
		}
		adapters = append(adapters, adapter)
	}
	return BuildWithAdapters(adapters, opts)
}

// NewAdapter builds one adapter for a provider spec.
func NewAdapter(spec providerconfig.Spec) (contracts.Adapter, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch spec.Kind {
	case providerconfig.KindOpenAICompat:
		cfg, err := llmopenaicompat.ConfigFromSpec(spec)
		if err != nil {
			return nil, err
		}
		return llmopenaicompat.NewAdapter(cfg)
	case providerconfig.KindGemini:
		cfg, err := llmgemini.ConfigFromSpec(spec)
		if err != nil {
			return nil, err
		}
		return llmgemini.NewAdapter(cfg)
	case providerconfig.KindAnthropic:
		cfg, err := llmanthropic.ConfigFromSpec(spec)
		if err != nil {
			return nil, err
		}
		return llmanthropic.NewAdapter(cfg)
	case providerconfig.KindPolly:
		cfg, err := ttspolly.ConfigFromSpec(spec)
		if err != nil {
			return nil, err
		}
		return ttspolly.NewAdapter(cfg)
	case providerconfig.KindElevenLabs:
		cfg, err := ttselevenlabs.ConfigFromSpec(spec)
		if err != nil {
			return nil, err
		}
		return ttselevenlabs.NewAdapter(cfg)
	case providerconfig.KindGoogleTTS:
		cfg, err := ttsgoogle.ConfigFromSpec(spec)
		if err != nil {
			return nil, err
		}
		return ttsgoogle.NewAdapter(cfg)
	case providerconfig.KindStaticLLM:
		return staticLLM(spec), nil
	case providerconfig.KindStaticTTS:
		return staticTTS(spec), nil
	default:
		return nil, fmt.Errorf("provider %q: unsupported kind %q", spec.ID, spec.Kind)
	}
}

// BuildWithAdapters wires registry+controller for a given adapter set.
func BuildWithAdapters(adapters []contracts.Adapter, opts Options) (RuntimeProviders, error) {
	if opts.MinProvidersPerModality < 1 {
		opts.MinProvidersPerModality = 1
	}
	if opts.MaxAttemptsPerProvider < 1 {
		opts.MaxAttemptsPerProvider = 1
	}

	catalog, err := registry.NewCatalog(adapters)
	if err != nil {
		return RuntimeProviders{}, err
	}
	if err := catalog.ValidateCoverage(opts.MinProvidersPerModality); err != nil {
		return RuntimeProviders{}, err
	}

	controller := invocation.NewControllerWithConfig(invocation.Config{
		MaxAttemptsPerProvider: opts.MaxAttemptsPerProvider,
		Emitter:                opts.Emitter,
	})
	return RuntimeProviders{Catalog: catalog, Controller: controller}, nil
}

// Summary returns deterministic provider counts by modality.
func Summary(catalog registry.Catalog) (string, error) {
	llm, err := catalog.ProviderIDs(contracts.ModalityLLM)
	if err != nil {
		return "", err
	}
	tts, err := catalog.ProviderIDs(contracts.ModalityTTS)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("providers initialized: llm=%d [%s] tts=%d [%s]",
		len(llm), strings.Join(llm, ","), len(tts), strings.Join(tts, ",")), nil
}

func staticLLM(spec providerconfig.Spec) contracts.Adapter {
	reply := spec.StaticReply
	if strings.TrimSpace(reply) == "" {
		reply = "That makes sense. Could you tell me a bit more about how you handle that today?"
	}
	return contracts.StaticAdapter{
		ID:   spec.ID,
		Mode: contracts.ModalityLLM,
		InvokeFn: func(ctx context.Context, req contracts.InvocationRequest) (contracts.Outcome, error) {
			if err := req.Validate(); err != nil {
				return contracts.Outcome{}, err
			}
			if ctx.Err() != nil {
				return contracts.CancelledOutcome(), nil
			}
			return contracts.Outcome{Class: contracts.OutcomeSuccess, Text: reply}, nil
		},
	}
}

// staticTTS echoes the text as bytes so local runs can trace what would be spoken.
func staticTTS(spec providerconfig.Spec) contracts.Adapter {
	mime := spec.OutputFormat
	if mime == "" {
		mime = "text/plain"
	}
	return contracts.StaticAdapter{
		ID:   spec.ID,
		Mode: contracts.ModalityTTS,
		InvokeFn: func(ctx context.Context, req contracts.InvocationRequest) (contracts.Outcome, error) {
			if err := req.Validate(); err != nil {
				return contracts.Outcome{}, err
			}
			if ctx.Err() != nil {
				return contracts.CancelledOutcome(), nil
			}
			payload := spec.StaticReply + req.Text
			return contracts.Outcome{Class: contracts.OutcomeSuccess, Audio: []byte(payload), MimeType: mime}, nil
		},
	}
}
