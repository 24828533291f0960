package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	providerconfig "github.com/tiger/outreach-voice-engine/internal/runtime/provider/config"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
)

func request(maxWords int, jsonOutput bool) contracts.InvocationRequest {
	return contracts.InvocationRequest{
		SessionID:            "call-1",
		ProviderInvocationID: "pvi-1",
		ProviderID:           "llm-groq",
		Modality:             contracts.ModalityLLM,
		Attempt:              1,
		System:               "You are Arabella, a friendly sales rep.",
		Messages:             []contracts.Message{{Role: contracts.RoleUser, Content: "what do you sell?"}},
		MaxTokens:            60,
		MaxWords:             maxWords,
		JSONOutput:           jsonOutput,
	}
}

func TestInvokeNonStreamingCompletion(t *testing.T) {
	t.Parallel()

	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":" We help teams book more demos. "}}]}`))
	}))
	defer ts.Close()

	adapter, err := NewAdapter(Config{ProviderID: "llm-groq", APIKey: "k", Endpoint: ts.URL, Model: "m", Stream: true})
	if err != nil {
		t.Fatalf("unexpected adapter error: %v", err)
	}
	outcome, err := adapter.Invoke(context.Background(), request(0, true))
	if err != nil {
		t.Fatalf("unexpected invoke error: %v", err)
	}
	if outcome.Class != contracts.OutcomeSuccess || outcome.Text != "We help teams book more demos." {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if _, streaming := body["stream"]; streaming {
		t.Fatalf("json output requests must not stream")
	}
	messages := body["messages"].([]any)
	if len(messages) != 2 || messages[0].(map[string]any)["role"] != "system" {
		t.Fatalf("expected system message first, got %+v", messages)
	}
	if body["response_format"] == nil {
		t.Fatalf("expected response_format for json output")
	}
}

func TestInvokeStreamingStopsAtWordCap(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, word := range strings.Fields("one two three four five six seven eight") {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%s \"}}]}\n\n", word)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	adapter, err := NewAdapter(Config{ProviderID: "llm-groq", Endpoint: ts.URL, Stream: true})
	if err != nil {
		t.Fatalf("unexpected adapter error: %v", err)
	}
	outcome, err := adapter.Invoke(context.Background(), request(3, false))
	if err != nil {
		t.Fatalf("unexpected invoke error: %v", err)
	}
	if got := strings.Fields(outcome.Text); len(got) != 4 {
		t.Fatalf("expected stream to stop just past 3 words, got %q", outcome.Text)
	}

	full, err := adapter.Invoke(context.Background(), request(0, false))
	if err != nil {
		t.Fatalf("unexpected invoke error: %v", err)
	}
	if full.Text != "one two three four five six seven eight" {
		t.Fatalf("expected full stream, got %q", full.Text)
	}
}

func TestConfigFromSpec(t *testing.T) {
	t.Setenv("OVE_TEST_GROQ_KEY", "secret")

	cfg, err := ConfigFromSpec(providerconfig.Spec{ID: "llm-groq", Kind: providerconfig.KindOpenAICompat, APIKeyRef: "env://OVE_TEST_GROQ_KEY"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIKey != "secret" || cfg.Endpoint != DefaultEndpoint || cfg.Model != DefaultModel || !cfg.Stream {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if _, err := ConfigFromSpec(providerconfig.Spec{ID: "x", APIKeyRef: "env://OVE_MISSING_KEY"}); err == nil {
		t.Fatalf("expected unresolved secret to fail")
	}
}
