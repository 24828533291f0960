package contracts

import (
	"context"
	"fmt"
	"strings"
)

// Modality defines provider families supported by runtime invocation.
type Modality string

const (
	ModalityLLM Modality = "llm"
	ModalityTTS Modality = "tts"
)

// Validate enforces supported provider modality values.
func (m Modality) Validate() error {
	switch m {
	case ModalityLLM, ModalityTTS:
		return nil
	default:
		return fmt.Errorf("unsupported modality: %q", m)
	}
}

// OutcomeClass is the normalized invocation-outcome taxonomy.
type OutcomeClass string

const (
	OutcomeSuccess               OutcomeClass = "success"
	OutcomeTimeout               OutcomeClass = "timeout"
	OutcomeOverload              OutcomeClass = "overload"
	OutcomeBlocked               OutcomeClass = "blocked"
	OutcomeInfrastructureFailure OutcomeClass = "infrastructure_failure"
	OutcomeCancelled             OutcomeClass = "cancelled"
)

// Validate enforces supported outcome classes.
func (o OutcomeClass) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeTimeout, OutcomeOverload, OutcomeBlocked, OutcomeInfrastructureFailure, OutcomeCancelled:
		return nil
	default:
		return fmt.Errorf("unsupported outcome_class: %q", o)
	}
}

// Role is a chat message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn handed to an LLM adapter.
type Message struct {
	Role    Role
	Content string
}

// InvocationRequest is passed to adapter implementations per attempt.
type InvocationRequest struct {
	SessionID            string
	TurnID               string
	ProviderInvocationID string
	ProviderID           string
	Modality             Modality
	Attempt              int

	// LLM fields.
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	JSONOutput  bool
	// MaxWords is a soft reply cap; streaming adapters may stop reading past it.
	MaxWords int

	// TTS fields.
	Text    string
	VoiceID string
}

// Validate enforces required fields per modality.
func (r InvocationRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if r.ProviderInvocationID == "" || r.ProviderID == "" {
		return fmt.Errorf("provider_invocation_id and provider_id are required")
	}
	if err := r.Modality.Validate(); err != nil {
		return err
	}
	if r.Attempt < 1 {
		return fmt.Errorf("attempt must be >=1")
	}
	switch r.Modality {
	case ModalityLLM:
		if len(r.Messages) == 0 {
			return fmt.Errorf("llm request requires at least one message")
		}
		if r.MaxTokens < 0 {
			return fmt.Errorf("max_tokens must be >=0")
		}
	case ModalityTTS:
		if strings.TrimSpace(r.Text) == "" {
			return fmt.Errorf("tts request requires text")
		}
	}
	return nil
}

// Outcome is an adapter-normalized invocation result.
type Outcome struct {
	Class       OutcomeClass
	Retryable   bool
	Reason      string
	CircuitOpen bool
	BackoffMS   int64

	Text     string
	Audio    []byte
	MimeType string
}

// Validate enforces normalized outcome invariants.
func (o Outcome) Validate() error {
	if err := o.Class.Validate(); err != nil {
		return err
	}
	if o.Class != OutcomeSuccess && o.Reason == "" {
		return fmt.Errorf("reason is required for non-success outcomes")
	}
	if o.BackoffMS < 0 {
		return fmt.Errorf("backoff_ms must be >=0")
	}
	if o.CircuitOpen && o.Class == OutcomeSuccess {
		return fmt.Errorf("circuit_open cannot be true for success")
	}
	return nil
}

// Adapter is one inference or synthesis provider.
type Adapter interface {
	ProviderID() string
	Modality() Modality
	Invoke(ctx context.Context, req InvocationRequest) (Outcome, error)
}

// StaticAdapter is a small utility adapter for tests and static catalogs.
type StaticAdapter struct {
	ID       string
	Mode     Modality
	InvokeFn func(context.Context, InvocationRequest) (Outcome, error)
}

func (a StaticAdapter) ProviderID() string {
	return a.ID
}

func (a StaticAdapter) Modality() Modality {
	return a.Mode
}

func (a StaticAdapter) Invoke(ctx context.Context, req InvocationRequest) (Outcome, error) {
	if a.InvokeFn != nil {
		return a.InvokeFn(ctx, req)
	}
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Class: OutcomeSuccess}, nil
}

// CancelledOutcome is returned by adapters whose context was cancelled.
func CancelledOutcome() Outcome {
	return Outcome{Class: OutcomeCancelled, Retryable: false, Reason: "provider_cancelled"}
}

// TimeoutOutcome is returned when an attempt exceeded its deadline.
func TimeoutOutcome() Outcome {
	return Outcome{Class: OutcomeTimeout, Retryable: true, Reason: "provider_timeout"}
}
