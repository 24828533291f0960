package anthropic

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	providerconfig "github.com/tiger/outreach-voice-engine/internal/runtime/provider/config"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
	"github.com/tiger/outreach-voice-engine/providers/common/httpadapter"
)

const (
	DefaultEndpoint = "https://api.anthropic.com/v1/messages"
	DefaultModel    = "claude-3-5-haiku-latest"
	apiVersion      = "2023-06-01"
	// The messages API requires max_tokens.
	defaultMaxTokens = 256
)

type Config struct {
	ProviderID string
	APIKey     string
	Endpoint   string
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
		Endpoint:   defaultString(spec.Endpoint, DefaultEndpoint),
		Model:      defaultString(spec.Model, DefaultModel),
		Timeout:    spec.Timeout(10 * time.Second),
	}, nil
}

func NewAdapter(cfg Config) (contracts.Adapter, error) {
	return httpadapter.New(httpadapter.Config{
		ProviderID:    cfg.ProviderID,
		Modality:      contracts.ModalityLLM,
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		APIKeyHeader:  "x-api-key",
		Timeout:       cfg.Timeout,
		StaticHeaders: map[string]string{"anthropic-version": apiVersion},
		BuildBody: func(req contracts.InvocationRequest) (any, error) {
			return buildBody(cfg.Model, req), nil
		},
		DecodeResponse: decode,
	})
}

func buildBody(model string, req contracts.InvocationRequest) map[string]any {
	maxTokens := req.MaxTokens
	if maxTokens < 1 {
		maxTokens = defaultMaxTokens
	}
	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": string(m.Role), "content": m.Content})
	}
	body := map[string]any{
		"model":       model,
		"max_tokens":  maxTokens,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		body["system"] = system
	}
	return body
}

type messageResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

func decode(_ contracts.InvocationRequest, body io.Reader, _ http.Header) (contracts.Outcome, error) {
	var payload messageResponse
	if err := httpadapter.DecodeJSON(body, &payload); err != nil {
		return contracts.Outcome{}, err
	}
	if payload.StopReason == "refusal" {
		return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_refusal"}, nil
	}
	var b strings.Builder
	for _, block := range payload.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return httpadapter.TextOutcome(b.String()), nil
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
