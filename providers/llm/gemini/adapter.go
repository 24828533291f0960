package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	providerconfig "github.com/tiger/outreach-voice-engine/internal/runtime/provider/config"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
)

const DefaultModel = "gemini-2.0-flash"

// contentClient is the slice of genai.Models the adapter needs.
type contentClient interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Config struct {
	ProviderID string
	APIKey     string
	Model      string
	Timeout    time.Duration
}

// ConfigFromSpec maps an engine provider entry onto adapter config.
func ConfigFromSpec(spec providerconfig.Spec) (Config, error) {
	key, err := spec.ResolveAPIKey()
	if err != nil {
		return Config{}, fmt.Errorf("provider %q: %w", spec.ID, err)
	}
	return Config{
		ProviderID: spec.ID,
		APIKey:     key,
		Model:      defaultString(spec.Model, DefaultModel),
		Timeout:    spec.Timeout(10 * time.Second),
	}, nil
}

type Adapter struct {
	mu     sync.Mutex
	client contentClient
	cfg    Config
}

func NewAdapter(cfg Config) (contracts.Adapter, error) {
	return NewAdapterWithClient(cfg, nil)
}

func NewAdapterWithClient(cfg Config, client contentClient) (contracts.Adapter, error) {
	if strings.TrimSpace(cfg.ProviderID) == "" {
		return nil, fmt.Errorf("provider_id is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Adapter{client: client, cfg: cfg}, nil
}

func (a *Adapter) ProviderID() string {
	return a.cfg.ProviderID
}

func (a *Adapter) Modality() contracts.Modality {
	return contracts.ModalityLLM
}

func (a *Adapter) Invoke(ctx context.Context, req contracts.InvocationRequest) (contracts.Outcome, error) {
	if err := req.Validate(); err != nil {
		return contracts.Outcome{}, err
	}
	if ctx.Err() != nil {
		return normalizeGenAIError(ctx.Err()), nil
	}
	client, err := a.resolveClient(ctx)
	if err != nil {
		return contracts.Outcome{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	resp, err := client.GenerateContent(ctx, a.cfg.Model, buildContents(req), buildConfig(req))
	if err != nil {
		return normalizeGenAIError(err), nil
	}
	if resp == nil {
		return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_empty_response"}, nil
	}
	if blocked(resp) {
		return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_safety_block"}, nil
	}
	return contracts.Outcome{Class: contracts.OutcomeSuccess, Text: strings.TrimSpace(resp.Text())}, nil
}

func buildContents(req contracts.InvocationRequest) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == contracts.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}

func buildConfig(req contracts.InvocationRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if system := strings.TrimSpace(req.System); system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.JSONOutput {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

func blocked(resp *genai.GenerateContentResponse) bool {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return true
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return true
	}
	return false
}

func normalizeGenAIError(err error) contracts.Outcome {
	if errors.Is(err, context.Canceled) {
		return contracts.CancelledOutcome()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.TimeoutOutcome()
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return contracts.Outcome{Class: contracts.OutcomeOverload, Retryable: true, Reason: "provider_overload", CircuitOpen: true, BackoffMS: 500}
		case apiErr.Code == http.StatusGatewayTimeout || apiErr.Code == http.StatusRequestTimeout:
			return contracts.TimeoutOutcome()
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_auth_or_policy_block"}
		case apiErr.Code >= 400 && apiErr.Code < 500:
			return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_client_error"}
		default:
			return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_server_error", CircuitOpen: true}
		}
	}
	return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_transport_error"}
}

func (a *Adapter) resolveClient(ctx context.Context) (contentClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  a.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	a.client = client.Models
	return a.client, nil
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
