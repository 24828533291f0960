// Package app assembles the call engine from an engine configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/config"
	"github.com/tiger/outreach-voice-engine/internal/observability/telemetry"
	"github.com/tiger/outreach-voice-engine/internal/postcall"
	"github.com/tiger/outreach-voice-engine/internal/runtime/cancellation"
	"github.com/tiger/outreach-voice-engine/internal/runtime/executionpool"
	"github.com/tiger/outreach-voice-engine/internal/runtime/filler"
	"github.com/tiger/outreach-voice-engine/internal/runtime/guardrail"
	"github.com/tiger/outreach-voice-engine/internal/runtime/phase"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/bootstrap"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/invocation"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/registry"
	"github.com/tiger/outreach-voice-engine/internal/runtime/resolver"
	"github.com/tiger/outreach-voice-engine/internal/runtime/responsecache"
	"github.com/tiger/outreach-voice-engine/internal/runtime/session"
	"github.com/tiger/outreach-voice-engine/internal/runtime/synthesis"
	"github.com/tiger/outreach-voice-engine/internal/store/memory"
	"github.com/tiger/outreach-voice-engine/internal/store/postgres"
)

// Store is a record store that can also load call context.
type Store interface {
	callengine.RecordStore
	callengine.ContextLoader
}

// Options carries the process-specific collaborators Build cannot derive
// from configuration.
type Options struct {
	Gateway callengine.Gateway
	// Adapters replaces provider construction from config specs. Tests use
	// it to run the engine on static adapters.
	Adapters []contracts.Adapter
	// Store overrides the configured record store.
	Store   Store
	Emitter telemetry.Emitter
	// Rand seeds filler and cache variant selection; nil uses the clock.
	// Build only draws seeds from it, so it is never shared with live calls.
	Rand rand.Source
	Now  func() time.Time
}

// App is a fully wired engine plus the resources it owns.
type App struct {
	Engine    *session.Engine
	Analyzer  *postcall.Analyzer
	Pool      *executionpool.Manager
	Store     Store
	Providers bootstrap.RuntimeProviders

	closeStore func()
}

// Build wires providers, resolver, synthesis, post-call analysis, and the
// session engine.
func Build(ctx context.Context, cfg config.Engine, opts Options) (*App, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if opts.Rand == nil {
		opts.Rand = rand.NewSource(time.Now().UnixNano())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	providers, err := buildProviders(cfg, opts)
	if err != nil {
		return nil, err
	}
	controller := providers.Controller

	tiers, err := tierSpecs(providers.Catalog, cfg.Tiers)
	if err != nil {
		return nil, err
	}
	guardrails, err := cfg.UtteranceTaxonomy()
	if err != nil {
		return nil, err
	}
	cacheRand, fillerRand := splitSource(opts.Rand)
	cache := responsecache.New(responsecache.DefaultTable(), cacheRand)
	normalizer := guardrail.DefaultNormalizer()
	res, err := resolver.New(resolver.Config{
		Tiers:      tiers,
		Invoker:    controller,
		Guardrails: guardrails,
		Normalizer: normalizer,
		Cache:      cache,
		Phases: phase.NewMachine(phase.Config{
			RapportMaxTurns:   cfg.Phase.RapportMaxTurns,
			DiscoveryMaxTurns: cfg.Phase.DiscoveryMaxTurns,
		}, phase.DefaultPatterns()),
		Emitter: opts.Emitter,
	})
	if err != nil {
		return nil, fmt.Errorf("resolver: %w", err)
	}

	ttsCandidates, err := candidates(providers.Catalog, contracts.ModalityTTS, cfg.Synthesis.Providers,
		config.Duration(cfg.Synthesis.TimeoutMS), "synthesis")
	if err != nil {
		return nil, err
	}
	synth, err := synthesis.New(synthesis.Config{
		Providers:     ttsCandidates,
		Voices:        synthesis.VoiceMap(cfg.Synthesis.Voices),
		DefaultVoices: cfg.Synthesis.DefaultVoices,
		MaxChars:      cfg.Synthesis.MaxChars,
		Invoker:       controller,
		Emitter:       opts.Emitter,
		Now:           opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesis: %w", err)
	}

	analyzer, err := NewAnalyzer(cfg, providers, opts.Emitter)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg.Store, opts.Store)
	if err != nil {
		return nil, err
	}

	pool := executionpool.New(executionpool.Config{
		Workers:     cfg.Analysis.Workers,
		Capacity:    cfg.Analysis.QueueCapacity,
		TaskTimeout: config.Duration(cfg.Analysis.TaskTimeoutMS),
		OnError:     postcall.ReportFailure(opts.Emitter),
	})
	worker, err := postcall.NewWorker(postcall.WorkerConfig{
		Analyzer: analyzer,
		Store:    store,
		Pool:     pool,
		Emitter:  opts.Emitter,
		Now:      opts.Now,
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	var fillers session.Augmenter
	if cfg.Filler.Probability >= 0 {
		fillers = filler.New(filler.Config{
			Probability: cfg.Filler.Probability,
			MinWords:    cfg.Filler.MinWords,
		}, fillerRand)
	}

	engine, err := session.NewEngine(session.Config{
		Resolver:            res,
		Synthesizer:         synth,
		Gateway:             opts.Gateway,
		Store:               store,
		Fillers:             fillers,
		Cache:               cache,
		Normalizer:          &normalizer,
		Loader:              store,
		Analysis:            worker,
		Fence:               cancellation.NewFence(),
		Emitter:             opts.Emitter,
		MinConfidence:       cfg.Session.MinConfidence,
		SynthesisRetryDelay: config.Duration(cfg.Synthesis.RetryDelayMS),
		MailboxSize:         cfg.Session.MailboxSize,
		PersistTimeout:      config.Duration(cfg.Session.PersistTimeoutMS),
		Now:                 opts.Now,
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	return &App{
		Engine:     engine,
		Analyzer:   analyzer,
		Pool:       pool,
		Store:      store,
		Providers:  providers,
		closeStore: closeStore,
	}, nil
}

// Shutdown ends live calls, then waits for queued analyses, then releases
// the store. Every step runs even when an earlier one times out.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	if err := a.Pool.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("analysis drain: %w", err))
	}
	a.closeStore()
	return errors.Join(errs...)
}

// NewAnalyzer builds the post-call analyzer over already bootstrapped
// providers.
func NewAnalyzer(cfg config.Engine, providers bootstrap.RuntimeProviders, emitter telemetry.Emitter) (*postcall.Analyzer, error) {
	plan, err := candidates(providers.Catalog, contracts.ModalityLLM, cfg.Analysis.Providers,
		config.Duration(cfg.Analysis.TimeoutMS), "analysis")
	if err != nil {
		return nil, err
	}
	analyzer, err := postcall.NewAnalyzer(postcall.Config{
		Candidates: plan,
		Invoker:    providers.Controller,
		MinEntries: cfg.Analysis.MinEntries,
		MinChars:   cfg.Analysis.MinChars,
		MaxTokens:  cfg.Analysis.MaxTokens,
		Emitter:    emitter,
	})
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}
	return analyzer, nil
}

// splitSource derives one source per consumer. Each consumer locks only its
// own source.
func splitSource(src rand.Source) (rand.Source, rand.Source) {
	return rand.NewSource(src.Int63()), rand.NewSource(src.Int63())
}

func buildProviders(cfg config.Engine, opts Options) (bootstrap.RuntimeProviders, error) {
	bootOpts := bootstrap.Options{
		MinProvidersPerModality: 1,
		MaxAttemptsPerProvider:  cfg.MaxAttemptsPerProvider,
		Emitter:                 opts.Emitter,
	}
	var (
		providers bootstrap.RuntimeProviders
		err       error
	)
	if len(opts.Adapters) > 0 {
		providers, err = bootstrap.BuildWithAdapters(opts.Adapters, bootOpts)
	} else {
		providers, err = bootstrap.Build(cfg.Providers, bootOpts)
	}
	if err != nil {
		return bootstrap.RuntimeProviders{}, fmt.Errorf("provider bootstrap: %w", err)
	}
	return providers, nil
}

func tierSpecs(catalog registry.Catalog, tiers []config.Tier) ([]resolver.TierSpec, error) {
	out := make([]resolver.TierSpec, 0, len(tiers))
	for _, tier := range tiers {
		plan, err := candidates(catalog, contracts.ModalityLLM, tier.Providers, config.Duration(tier.TimeoutMS), string(tier.Name))
		if err != nil {
			return nil, err
		}
		out = append(out, resolver.TierSpec{
			Tier:                  tier.Name,
			Candidates:            plan,
			MaxWords:              tier.MaxWords,
			MaxTokens:             tier.MaxTokens,
			Temperature:           tier.Temperature,
			IncludeProductContext: tier.IncludeProductContext,
			HistoryTurns:          tier.HistoryTurns,
		})
	}
	return out, nil
}

func candidates(catalog registry.Catalog, modality contracts.Modality, ids []string, timeout time.Duration, label string) ([]invocation.Candidate, error) {
	adapters, err := catalog.Resolve(modality, ids)
	if err != nil {
		return nil, fmt.Errorf("%s providers: %w", label, err)
	}
	out := make([]invocation.Candidate, 0, len(adapters))
	for _, adapter := range adapters {
		out = append(out, invocation.Candidate{Adapter: adapter, Timeout: timeout, Label: label})
	}
	return out, nil
}

func openStore(ctx context.Context, cfg config.Store, override Store) (Store, func(), error) {
	if override != nil {
		return override, func() {}, nil
	}
	switch cfg.Driver {
	case config.StorePostgres:
		dsn, err := cfg.ResolveDSN()
		if err != nil {
			return nil, nil, fmt.Errorf("store dsn: %w", err)
		}
		store, err := postgres.Open(ctx, dsn, cfg.Migrate)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return memory.New(), func() {}, nil
	}
}
