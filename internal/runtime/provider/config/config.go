package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
)

const (
	envSecretRefPrefix = "env://"
)

// Kind names an adapter implementation.
type Kind string

const (
	KindOpenAICompat Kind = "openaicompat"
	KindGemini       Kind = "gemini"
	KindAnthropic    Kind = "anthropic"
	KindPolly        Kind = "polly"
	KindElevenLabs   Kind = "elevenlabs"
	KindGoogleTTS    Kind = "google_tts"
	// Static kinds build canned adapters for local runs without credentials.
	KindStaticLLM Kind = "static_llm"
	KindStaticTTS Kind = "static_tts"
)

// Spec declares one provider instance in engine configuration.
type Spec struct {
	ID           string            `yaml:"id"`
	Kind         Kind              `yaml:"kind"`
	Endpoint     string            `yaml:"endpoint,omitempty"`
	Model        string            `yaml:"model,omitempty"`
	APIKey       string            `yaml:"api_key,omitempty"`
	APIKeyRef    string            `yaml:"api_key_ref,omitempty"`
	Region       string            `yaml:"region,omitempty"`
	DefaultVoice string            `yaml:"default_voice,omitempty"`
	OutputFormat string            `yaml:"output_format,omitempty"`
	TimeoutMS    int               `yaml:"timeout_ms,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	// StaticReply is the canned text or audio payload for static kinds.
	StaticReply string `yaml:"static_reply,omitempty"`
}

// Modality derives the provider family from the adapter kind.
func (s Spec) Modality() (contracts.Modality, error) {
	switch s.Kind {
	case KindOpenAICompat, KindGemini, KindAnthropic, KindStaticLLM:
		return contracts.ModalityLLM, nil
	case KindPolly, KindElevenLabs, KindGoogleTTS, KindStaticTTS:
		return contracts.ModalityTTS, nil
	default:
		return "", fmt.Errorf("provider %q: unsupported kind %q", s.ID, s.Kind)
	}
}

// Validate checks structural fields; credentials are resolved separately.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("provider id is required")
	}
	if s.TimeoutMS < 0 {
		return fmt.Errorf("provider %q: timeout_ms must be >=0", s.ID)
	}
	_, err := s.Modality()
	return err
}

// Timeout returns the HTTP client timeout, falling back when unset.
func (s Spec) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutMS > 0 {
		return time.Duration(s.TimeoutMS) * time.Millisecond
	}
	return fallback
}

// ResolveAPIKey returns the literal key or the value behind APIKeyRef.
func (s Spec) ResolveAPIKey() (string, error) {
	return ResolveLiteralOrSecret(s.APIKey, s.APIKeyRef)
}

// Redacted returns a copy safe for logging.
func (s Spec) Redacted() Spec {
	s.APIKey = RedactSecret(s.APIKey)
	return s
}

// ResolveSecretRef resolves a secret reference using process environment lookup.
// Supported reference forms are "env://VARIABLE_NAME" and "VARIABLE_NAME".
func ResolveSecretRef(ref string) (string, error) {
	return ResolveSecretRefWithLookup(ref, os.LookupEnv)
}

// ResolveSecretRefWithLookup resolves a secret reference using the supplied lookup function.
func ResolveSecretRefWithLookup(ref string, lookup func(string) (string, bool)) (string, error) {
	name, err := parseSecretRefName(ref)
	if err != nil {
		return "", err
	}
	if lookup == nil {
		return "", fmt.Errorf("secret lookup function is required")
	}
	value, ok := lookup(name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("secret_ref %q resolved empty value", name)
	}
	return value, nil
}

// ResolveLiteralOrSecret resolves a value from a secret ref when provided; otherwise it returns the literal.
func ResolveLiteralOrSecret(literal string, secretRef string) (string, error) {
	trimmedRef := strings.TrimSpace(secretRef)
	if trimmedRef == "" {
		return strings.TrimSpace(literal), nil
	}
	return ResolveSecretRef(trimmedRef)
}

// RedactSecret returns a deterministic redacted marker for non-empty secret material.
func RedactSecret(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return "***redacted***"
}

func parseSecretRefName(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return "", fmt.Errorf("secret_ref is required")
	}
	if strings.HasPrefix(trimmed, envSecretRefPrefix) {
		name := strings.TrimSpace(strings.TrimPrefix(trimmed, envSecretRefPrefix))
		if name == "" {
			return "", fmt.Errorf("secret_ref %q is missing env var name", ref)
		}
		if strings.Contains(name, "/") {
			return "", fmt.Errorf("secret_ref %q contains unsupported path separator", ref)
		}
		return name, nil
	}
	if strings.Contains(trimmed, "://") {
		return "", fmt.Errorf("secret_ref %q uses unsupported scheme", ref)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("secret_ref %q contains unsupported path separator", ref)
	}
	return trimmed, nil
}
