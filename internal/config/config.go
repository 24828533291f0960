// Package config loads the process-wide engine configuration. It is read once
// at startup and shared read-only by every call.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/runtime/guardrail"
	providerconfig "github.com/tiger/outreach-voice-engine/internal/runtime/provider/config"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Engine is the root of the YAML engine file.
type Engine struct {
	Providers []providerconfig.Spec `yaml:"providers"`
	// MaxAttemptsPerProvider applies to every provider plan.
	MaxAttemptsPerProvider int                  `yaml:"max_attempts_per_provider,omitempty"`
	Tiers                  []Tier               `yaml:"tiers"`
	Synthesis              Synthesis            `yaml:"synthesis"`
	Analysis               Analysis             `yaml:"analysis"`
	Personas               []callengine.Persona `yaml:"personas"`
	Filler                 Filler               `yaml:"filler"`
	Phase                  Phase                `yaml:"phase"`
	Session                Session              `yaml:"session"`
	Store                  Store                `yaml:"store"`
	Server                 Server               `yaml:"server"`
	Guardrail              Guardrail            `yaml:"guardrail"`
}

// Guardrail adds deployment-specific topic patterns to the built-in
// utterance taxonomy, keyed by category (e.g. "politics").
type Guardrail struct {
	ExtraPatterns map[string][]string `yaml:"extra_patterns,omitempty"`
}

// UtteranceTaxonomy is the built-in taxonomy plus configured patterns.
func (e Engine) UtteranceTaxonomy() (guardrail.Taxonomy, error) {
	return guardrail.Extend(guardrail.UtteranceTaxonomy(), e.Guardrail.ExtraPatterns)
}

// Tier is one inference tier and its provider priority list.
type Tier struct {
	Name                  callengine.SourceTier `yaml:"name"`
	Providers             []string              `yaml:"providers"`
	TimeoutMS             int                   `yaml:"timeout_ms"`
	MaxWords              int                   `yaml:"max_words"`
	MaxTokens             int                   `yaml:"max_tokens"`
	Temperature           float64               `yaml:"temperature"`
	IncludeProductContext bool                  `yaml:"include_product_context"`
	HistoryTurns          int                   `yaml:"history_turns,omitempty"`
}

// Synthesis configures the speech synthesis dispatcher.
type Synthesis struct {
	Providers    []string `yaml:"providers"`
	TimeoutMS    int      `yaml:"timeout_ms"`
	MaxChars     int      `yaml:"max_chars"`
	RetryDelayMS int      `yaml:"retry_delay_ms"`
	// Voices is provider id -> persona name -> voice id.
	Voices        map[string]map[string]string `yaml:"voices"`
	DefaultVoices map[string]string            `yaml:"default_voices"`
}

// Analysis configures the post-call analyzer and its worker pool.
type Analysis struct {
	Providers     []string `yaml:"providers"`
	TimeoutMS     int      `yaml:"timeout_ms"`
	MinEntries    int      `yaml:"min_entries"`
	MinChars      int      `yaml:"min_chars"`
	MaxTokens     int      `yaml:"max_tokens"`
	Workers       int      `yaml:"workers"`
	QueueCapacity int      `yaml:"queue_capacity"`
	TaskTimeoutMS int      `yaml:"task_timeout_ms"`
}

// Filler configures the filler injector.
type Filler struct {
	// Probability of prepending a filler; negative disables fillers.
	Probability float64 `yaml:"probability"`
	MinWords    int     `yaml:"min_words"`
}

// Phase configures the call phase machine.
type Phase struct {
	RapportMaxTurns   int `yaml:"rapport_max_turns"`
	DiscoveryMaxTurns int `yaml:"discovery_max_turns"`
}

// Session configures per-call behavior.
type Session struct {
	MinConfidence    float64 `yaml:"min_confidence"`
	MailboxSize      int     `yaml:"mailbox_size"`
	PersistTimeoutMS int     `yaml:"persist_timeout_ms"`
}

// Store selects the record store.
type Store struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn,omitempty"`
	DSNRef string `yaml:"dsn_ref,omitempty"`
	// Migrate applies embedded migrations at startup.
	Migrate bool `yaml:"migrate"`
}

// Server configures the telephony listener.
type Server struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are skipped; existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads, defaults and validates an engine file.
func Load(path string) (Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Engine{}, fmt.Errorf("read engine config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Engine{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, rejecting unknown keys.
func Parse(data []byte) (Engine, error) {
	var cfg Engine
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Engine{}, fmt.Errorf("decode engine config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Engine{}, err
	}
	return cfg, nil
}

// Default is a credential-free configuration backed by static providers.
func Default() Engine {
	cfg := Engine{
		Providers: []providerconfig.Spec{
			{ID: "llm-static", Kind: providerconfig.KindStaticLLM},
			{ID: "tts-static", Kind: providerconfig.KindStaticTTS},
		},
		Tiers: []Tier{
			{Name: callengine.TierFast, Providers: []string{"llm-static"}},
		},
		Synthesis: Synthesis{Providers: []string{"tts-static"}},
		Analysis:  Analysis{Providers: []string{"llm-static"}},
		Personas:  []callengine.Persona{{Name: "Arabella"}},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values.
func (e *Engine) ApplyDefaults() {
	if e.MaxAttemptsPerProvider < 1 {
		e.MaxAttemptsPerProvider = 1
	}
	for i := range e.Tiers {
		tier := &e.Tiers[i]
		if tier.TimeoutMS <= 0 {
			if tier.Name == callengine.TierFast {
				tier.TimeoutMS = 1500
			} else {
				tier.TimeoutMS = 4000
			}
		}
		if tier.MaxWords <= 0 {
			if tier.Name == callengine.TierFast {
				tier.MaxWords = 30
			} else {
				tier.MaxWords = 45
			}
		}
		if tier.MaxTokens <= 0 {
			tier.MaxTokens = tier.MaxWords * 3
		}
	}
	if e.Synthesis.TimeoutMS <= 0 {
		e.Synthesis.TimeoutMS = 3000
	}
	if e.Synthesis.MaxChars <= 0 {
		e.Synthesis.MaxChars = 400
	}
	if e.Synthesis.RetryDelayMS <= 0 {
		e.Synthesis.RetryDelayMS = 750
	}
	if e.Analysis.TimeoutMS <= 0 {
		e.Analysis.TimeoutMS = 20000
	}
	if e.Analysis.Workers <= 0 {
		e.Analysis.Workers = 2
	}
	if e.Analysis.QueueCapacity <= 0 {
		e.Analysis.QueueCapacity = 256
	}
	if e.Analysis.TaskTimeoutMS <= 0 {
		e.Analysis.TaskTimeoutMS = 60000
	}
	if e.Store.Driver == "" {
		e.Store.Driver = StoreMemory
	}
	if e.Server.ListenAddr == "" {
		e.Server.ListenAddr = ":8080"
	}
}

// Validate checks cross references between sections.
func (e Engine) Validate() error {
	modalities := make(map[string]contracts.Modality, len(e.Providers))
	for _, spec := range e.Providers {
		if err := spec.Validate(); err != nil {
			return err
		}
		if _, dup := modalities[spec.ID]; dup {
			return fmt.Errorf("duplicate provider id %q", spec.ID)
		}
		modality, _ := spec.Modality()
		modalities[spec.ID] = modality
	}

	if len(e.Tiers) == 0 {
		return fmt.Errorf("at least one inference tier is required")
	}
	seen := map[callengine.SourceTier]bool{}
	for _, tier := range e.Tiers {
		if tier.Name != callengine.TierFast && tier.Name != callengine.TierGeneral {
			return fmt.Errorf("tier %q: name must be fast or general", tier.Name)
		}
		if seen[tier.Name] {
			return fmt.Errorf("tier %q declared twice", tier.Name)
		}
		seen[tier.Name] = true
		if err := checkRefs("tier "+string(tier.Name), tier.Providers, contracts.ModalityLLM, modalities); err != nil {
			return err
		}
	}
	if err := checkRefs("synthesis", e.Synthesis.Providers, contracts.ModalityTTS, modalities); err != nil {
		return err
	}
	if err := checkRefs("analysis", e.Analysis.Providers, contracts.ModalityLLM, modalities); err != nil {
		return err
	}
	for providerID := range e.Synthesis.Voices {
		if modalities[providerID] != contracts.ModalityTTS {
			return fmt.Errorf("synthesis voices: %q is not a tts provider", providerID)
		}
	}

	if len(e.Personas) == 0 {
		return fmt.Errorf("at least one persona is required")
	}
	for _, persona := range e.Personas {
		if err := persona.Validate(); err != nil {
			return err
		}
	}
	if _, err := e.UtteranceTaxonomy(); err != nil {
		return err
	}
	if e.Filler.Probability > 1 {
		return fmt.Errorf("filler probability must be <=1")
	}
	if e.Session.MinConfidence < 0 || e.Session.MinConfidence > 1 {
		return fmt.Errorf("session min_confidence must be within [0,1]")
	}
	switch e.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(e.Store.DSN) == "" && strings.TrimSpace(e.Store.DSNRef) == "" {
			return fmt.Errorf("postgres store requires dsn or dsn_ref")
		}
	default:
		return fmt.Errorf("unsupported store driver %q", e.Store.Driver)
	}
	return nil
}

// Persona returns the configured persona by case-insensitive name, or the
// first persona when name is empty.
func (e Engine) Persona(name string) (callengine.Persona, bool) {
	if strings.TrimSpace(name) == "" && len(e.Personas) > 0 {
		return e.Personas[0], true
	}
	for _, persona := range e.Personas {
		if strings.EqualFold(persona.Name, name) {
			return persona, true
		}
	}
	return callengine.Persona{}, false
}

// ResolveDSN returns the literal DSN or the value behind DSNRef.
func (s Store) ResolveDSN() (string, error) {
	return providerconfig.ResolveLiteralOrSecret(s.DSN, s.DSNRef)
}

// Duration converts a millisecond setting.
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func checkRefs(section string, ids []string, want contracts.Modality, modalities map[string]contracts.Modality) error {
	if len(ids) == 0 {
		return fmt.Errorf("%s: at least one provider is required", section)
	}
	for _, id := range ids {
		got, ok := modalities[id]
		if !ok {
			return fmt.Errorf("%s: unknown provider %q", section, id)
		}
		if got != want {
			return fmt.Errorf("%s: provider %q is %s, want %s", section, id, got, want)
		}
	}
	return nil
}
