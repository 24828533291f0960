package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	providerconfig "github.com/tiger/outreach-voice-engine/internal/runtime/provider/config"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
)

func TestConfigFromSpecDefaultModelUsesHaiku(t *testing.T) {
	t.Parallel()

	cfg, err := ConfigFromSpec(providerconfig.Spec{ID: "llm-anthropic", Kind: providerconfig.KindAnthropic, APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model != "claude-3-5-haiku-latest" {
		t.Fatalf("expected default anthropic model to be claude-3-5-haiku-latest, got %q", cfg.Model)
	}
}

func TestInvokeJoinsTextBlocks(t *testing.T) {
	t.Parallel()

	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Totally fair. "},{"type":"text","text":"Can I ask one question?"}],"stop_reason":"end_turn"}`))
	}))
	defer ts.Close()

	adapter, err := NewAdapter(Config{ProviderID: "llm-anthropic", APIKey: "k", Endpoint: ts.URL, Model: "m"})
	if err != nil {
		t.Fatalf("unexpected adapter error: %v", err)
	}
	outcome, err := adapter.Invoke(context.Background(), contracts.InvocationRequest{
		SessionID:            "call-1",
		ProviderInvocationID: "pvi-1",
		ProviderID:           "llm-anthropic",
		Modality:             contracts.ModalityLLM,
		Attempt:              1,
		System:               "Stay in character.",
		Messages:             []contracts.Message{{Role: contracts.RoleUser, Content: "I'm busy"}},
	})
	if err != nil {
		t.Fatalf("unexpected invoke error: %v", err)
	}
	if outcome.Text != "Totally fair. Can I ask one question?" {
		t.Fatalf("unexpected text %q", outcome.Text)
	}
	if got["system"] != "Stay in character." || got["max_tokens"].(float64) != defaultMaxTokens {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestInvokeRefusalIsBlocked(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[],"stop_reason":"refusal"}`))
	}))
	defer ts.Close()

	adapter, _ := NewAdapter(Config{ProviderID: "llm-anthropic", Endpoint: ts.URL})
	outcome, err := adapter.Invoke(context.Background(), contracts.InvocationRequest{
		SessionID:            "call-1",
		ProviderInvocationID: "pvi-1",
		ProviderID:           "llm-anthropic",
		Modality:             contracts.ModalityLLM,
		Attempt:              1,
		Messages:             []contracts.Message{{Role: contracts.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected invoke error: %v", err)
	}
	if outcome.Class != contracts.OutcomeBlocked {
		t.Fatalf("expected blocked outcome, got %+v", outcome)
	}
}
