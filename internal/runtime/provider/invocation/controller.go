package invocation

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
)

const (
	defaultAttemptTimeout = 5 * time.Second

	RetryDecisionNone           = "none"
	RetryDecisionRetry          = "retry"
	RetryDecisionProviderSwitch = "provider_switch"
)

// Candidate is one entry of an ordered attempt plan.
type Candidate struct {
	Adapter contracts.Adapter
	Timeout time.Duration
	// Label tags telemetry with the plan stage (tier name, "synthesis", ...).
	Label string
	// Prepare adjusts the request for this provider, e.g. to pick a voice.
	Prepare func(*contracts.InvocationRequest)
}

// Config controls retry behavior.
type Config struct {
	MaxAttemptsPerProvider int
	Emitter                telemetry.Emitter
	Now                    func() time.Time
}

// Controller walks an attempt plan until one provider succeeds.
// It holds no per-call state and is safe for concurrent use.
type Controller struct {
	cfg Config
}

// Input carries the request template shared by every attempt.
type Input struct {
	SessionID            string
	TurnID               string
	ProviderInvocationID string
	Modality             contracts.Modality
	Request              contracts.InvocationRequest
}

// Attempt records one provider attempt with its normalized outcome.
type Attempt struct {
	ProviderID string
	Label      string
	Attempt    int
	Outcome    contracts.Outcome
	LatencyMS  int64
}

// Result summarizes an invocation.
type Result struct {
	ProviderInvocationID string
	SelectedProvider     string
	Label                string
	Outcome              contracts.Outcome
	RetryDecision        string
	Attempts             []Attempt
}

// Succeeded reports whether some attempt produced usable output.
func (r Result) Succeeded() bool {
	return r.Outcome.Class == contracts.OutcomeSuccess
}

// Err maps the final outcome onto the engine error taxonomy.
func (r Result) Err() error {
	switch r.Outcome.Class {
	case contracts.OutcomeSuccess:
		return nil
	case contracts.OutcomeTimeout:
		return fmt.Errorf("%w: provider=%s reason=%s", callengine.ErrProviderTimeout, r.SelectedProvider, r.Outcome.Reason)
	default:
		return fmt.Errorf("%w: provider=%s class=%s reason=%s", callengine.ErrProviderError, r.SelectedProvider, r.Outcome.Class, r.Outcome.Reason)
	}
}

// NewController returns a controller with one attempt per provider.
func NewController() Controller {
	return NewControllerWithConfig(Config{})
}

// NewControllerWithConfig builds a controller with explicit limits.
func NewControllerWithConfig(cfg Config) Controller {
	if cfg.MaxAttemptsPerProvider < 1 {
		cfg.MaxAttemptsPerProvider = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return Controller{cfg: cfg}
}

// Invoke runs the plan in order. Each attempt gets its own deadline derived
// from ctx; when it fires the loop moves on at once and whatever the abandoned
// call returns later is dropped. Cancellation of ctx stops the loop and is
// returned as the error. Provider failures are reported through Result.
func (c Controller) Invoke(ctx context.Context, plan []Candidate, in Input) (Result, error) {
	if err := validateInput(plan, in); err != nil {
		return Result{}, err
	}

	result := Result{
		ProviderInvocationID: in.ProviderInvocationID,
		RetryDecision:        RetryDecisionNone,
		Attempts:             make([]Attempt, 0, len(plan)*c.cfg.MaxAttemptsPerProvider),
	}
	if result.ProviderInvocationID == "" {
		result.ProviderInvocationID = uuid.NewString()
	}

	for index, candidate := range plan {
		providerID := candidate.Adapter.ProviderID()
		for attempt := 1; attempt <= c.cfg.MaxAttemptsPerProvider; attempt++ {
			if err := ctx.Err(); err != nil {
				result.Outcome = contracts.CancelledOutcome()
				return result, err
			}

			req := in.Request
			req.SessionID = in.SessionID
			req.TurnID = in.TurnID
			req.ProviderInvocationID = result.ProviderInvocationID
			req.ProviderID = providerID
			req.Modality = in.Modality
			req.Attempt = attempt
			req.Messages = append([]contracts.Message(nil), in.Request.Messages...)
			if candidate.Prepare != nil {
				candidate.Prepare(&req)
			}

			outcome, latencyMS := c.runAttempt(ctx, candidate, req)
			result.Attempts = append(result.Attempts, Attempt{
				ProviderID: providerID,
				Label:      candidate.Label,
				Attempt:    attempt,
				Outcome:    outcome,
				LatencyMS:  latencyMS,
			})
			result.SelectedProvider = providerID
			result.Label = candidate.Label
			result.Outcome = outcome
			c.emitAttempt(in, candidate, attempt, outcome, latencyMS)

			if outcome.Class == contracts.OutcomeSuccess {
				return result, nil
			}
			if outcome.Class == contracts.OutcomeCancelled && ctx.Err() != nil {
				return result, ctx.Err()
			}
			if outcome.Retryable && !outcome.CircuitOpen && attempt < c.cfg.MaxAttemptsPerProvider {
				result.RetryDecision = RetryDecisionRetry
				continue
			}
			break
		}
		if index < len(plan)-1 {
			result.RetryDecision = RetryDecisionProviderSwitch
		}
	}
	return result, nil
}

type attemptResult struct {
	outcome contracts.Outcome
	err     error
}

func (c Controller) runAttempt(ctx context.Context, candidate Candidate, req contracts.InvocationRequest) (contracts.Outcome, int64) {
	timeout := candidate.Timeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.cfg.Now()
	// Buffered so an abandoned attempt can always finish its send and exit.
	done := make(chan attemptResult, 1)
	go func() {
		outcome, err := candidate.Adapter.Invoke(attemptCtx, req)
		done <- attemptResult{outcome: outcome, err: err}
	}()

	var outcome contracts.Outcome
	select {
	case res := <-done:
		outcome = classify(req, res)
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			outcome = contracts.CancelledOutcome()
		} else {
			outcome = contracts.TimeoutOutcome()
		}
	}
	return outcome, c.cfg.Now().Sub(start).Milliseconds()
}

func classify(req contracts.InvocationRequest, res attemptResult) contracts.Outcome {
	if res.err != nil {
		return contracts.Outcome{
			Class:     contracts.OutcomeInfrastructureFailure,
			Retryable: true,
			Reason:    "adapter_invoke_error: " + res.err.Error(),
		}
	}
	outcome := res.outcome
	if err := outcome.Validate(); err != nil {
		return contracts.Outcome{
			Class:  contracts.OutcomeInfrastructureFailure,
			Reason: "adapter_invalid_outcome: " + err.Error(),
		}
	}
	if outcome.Class != contracts.OutcomeSuccess {
		return outcome
	}
	switch req.Modality {
	case contracts.ModalityLLM:
		if strings.TrimSpace(outcome.Text) == "" {
			return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "provider_empty_output"}
		}
	case contracts.ModalityTTS:
		if len(outcome.Audio) == 0 {
			return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "provider_empty_audio"}
		}
	}
	return outcome
}

func (c Controller) emitAttempt(in Input, candidate Candidate, attempt int, outcome contracts.Outcome, latencyMS int64) {
	emitter := telemetry.OrDefault(c.cfg.Emitter)
	providerID := candidate.Adapter.ProviderID()
	attributes := map[string]string{
		"modality": string(in.Modality),
		"attempt":  strconv.Itoa(attempt),
		"outcome":  string(outcome.Class),
	}
	correlation := telemetry.Correlation{
		SessionID:  in.SessionID,
		TurnID:     in.TurnID,
		Tier:       candidate.Label,
		ProviderID: providerID,
		EmittedBy:  "invocation",
	}
	emitter.EmitMetric(telemetry.MetricProviderRTTMS, float64(latencyMS), "ms", attributes, correlation)

	severity := "debug"
	message := "provider attempt succeeded"
	if outcome.Class != contracts.OutcomeSuccess {
		severity = "warn"
		message = "provider attempt failed: " + outcome.Reason
	}
	emitter.EmitLog("provider_invocation_attempt", severity, message, map[string]string{
		"modality":   string(in.Modality),
		"attempt":    strconv.Itoa(attempt),
		"outcome":    string(outcome.Class),
		"retryable":  strconv.FormatBool(outcome.Retryable),
		"latency_ms": strconv.FormatInt(latencyMS, 10),
	}, correlation)
}

func validateInput(plan []Candidate, in Input) error {
	if in.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if err := in.Modality.Validate(); err != nil {
		return err
	}
	if len(plan) == 0 {
		return fmt.Errorf("attempt plan is empty")
	}
	for i, candidate := range plan {
		if candidate.Adapter == nil {
			return fmt.Errorf("plan[%d]: adapter is required", i)
		}
		if candidate.Adapter.Modality() != in.Modality {
			return fmt.Errorf("plan[%d]: provider %q is %s, want %s", i, candidate.Adapter.ProviderID(), candidate.Adapter.Modality(), in.Modality)
		}
	}
	return nil
}
