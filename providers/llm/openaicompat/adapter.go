package openaicompat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	providerconfig "github.com/tiger/outreach-voice-engine/internal/runtime/provider/config"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
	"github.com/tiger/outreach-voice-engine/providers/common/httpadapter"
	"github.com/tiger/outreach-voice-engine/providers/common/streamsse"
)

const (
	DefaultEndpoint = "https://api.groq.com/openai/v1/chat/completions"
	DefaultModel    = "llama-3.1-8b-instant"
)

// Config targets any OpenAI-compatible chat completions endpoint
// (Groq, OpenRouter, vLLM).
type Config struct {
	ProviderID string
	APIKey     string
	Endpoint   string
	Model      string
	Timeout    time.Duration
	// Stream requests SSE deltas and stops reading once the request's
	// MaxWords is exceeded.
	Stream  bool
	Headers map[string]string
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
		Timeout:    spec.Timeout(5 * time.Second),
		Stream:     true,
		Headers:    spec.Headers,
	}, nil
}

func NewAdapter(cfg Config) (contracts.Adapter, error) {
	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if isOpenRouter(cfg.Endpoint) {
		if _, ok := headers["X-Title"]; !ok {
			headers["X-Title"] = "OutreachVoiceEngine"
		}
	}

	return httpadapter.New(httpadapter.Config{
		ProviderID:    cfg.ProviderID,
		Modality:      contracts.ModalityLLM,
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		APIKeyHeader:  "Authorization",
		APIKeyPrefix:  "Bearer ",
		StaticHeaders: headers,
		Timeout:       cfg.Timeout,
		BuildBody: func(req contracts.InvocationRequest) (any, error) {
			return buildBody(cfg, req), nil
		},
		DecodeResponse: func(req contracts.InvocationRequest, body io.Reader, header http.Header) (contracts.Outcome, error) {
			if strings.HasPrefix(header.Get("Content-Type"), "text/event-stream") {
				return decodeStream(body, req.MaxWords)
			}
			return decodeCompletion(body)
		},
	})
}

func buildBody(cfg Config, req contracts.InvocationRequest) map[string]any {
	messages := make([]map[string]string, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": string(m.Role), "content": m.Content})
	}
	body := map[string]any{
		"model":       cfg.Model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.JSONOutput {
		body["response_format"] = map[string]string{"type": "json_object"}
	} else if cfg.Stream {
		body["stream"] = true
	}
	return body
}

type completion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func decodeCompletion(body io.Reader) (contracts.Outcome, error) {
	var payload completion
	if err := httpadapter.DecodeJSON(body, &payload); err != nil {
		return contracts.Outcome{}, err
	}
	if len(payload.Choices) == 0 {
		return contracts.Outcome{}, fmt.Errorf("completion has no choices")
	}
	return httpadapter.TextOutcome(payload.Choices[0].Message.Content), nil
}

func decodeStream(body io.Reader, maxWords int) (contracts.Outcome, error) {
	var b strings.Builder
	err := streamsse.Parse(body, func(ev streamsse.Event) error {
		if ev.Done() {
			return streamsse.ErrStop
		}
		var chunk completion
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return err
		}
		for _, choice := range chunk.Choices {
			b.WriteString(choice.Delta.Content)
		}
		// The reply is trimmed downstream; stop paying for tokens past the cap.
		if maxWords > 0 && len(strings.Fields(b.String())) > maxWords {
			return streamsse.ErrStop
		}
		return nil
	})
	if err != nil {
		return contracts.Outcome{}, err
	}
	return httpadapter.TextOutcome(b.String()), nil
}

func isOpenRouter(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(u.Host), "openrouter.ai")
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
