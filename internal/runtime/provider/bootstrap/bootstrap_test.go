package bootstrap

import (
	"context"
	"strings"
	"testing"

	providerconfig "github.com/tiger/outreach-voice-engine/internal/runtime/provider/config"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/invocation"
)

func TestBuildKeepsConfiguredOrder(t *testing.T) {
	t.Parallel()

	specs := []providerconfig.Spec{
		{ID: "llm-groq", Kind: providerconfig.KindOpenAICompat, APIKey: "k"},
		{ID: "llm-gemini", Kind: providerconfig.KindGemini, APIKey: "k"},
		{ID: "llm-claude", Kind: providerconfig.KindAnthropic, APIKey: "k"},
		{ID: "tts-polly", Kind: providerconfig.KindPolly},
		{ID: "tts-eleven", Kind: providerconfig.KindElevenLabs, APIKey: "k"},
		{ID: "tts-google", Kind: providerconfig.KindGoogleTTS, APIKey: "k"},
	}
	providers, err := Build(specs, Options{})
	if err != nil {
		t.Fatalf("expected bootstrap success, got %v", err)
	}

	llm, _ := providers.Catalog.ProviderIDs(contracts.ModalityLLM)
	if strings.Join(llm, ",") != "llm-groq,llm-gemini,llm-claude" {
		t.Fatalf("unexpected llm order: %v", llm)
	}
	tts, _ := providers.Catalog.ProviderIDs(contracts.ModalityTTS)
	if strings.Join(tts, ",") != "tts-polly,tts-eleven,tts-google" {
		t.Fatalf("unexpected tts order: %v", tts)
	}
	summary, err := Summary(providers.Catalog)
	if err != nil || !strings.Contains(summary, "llm=3") {
		t.Fatalf("unexpected summary %q err=%v", summary, err)
	}
}

func TestBuildRejectsMissingCoverage(t *testing.T) {
	t.Parallel()

	_, err := Build([]providerconfig.Spec{{ID: "llm-static", Kind: providerconfig.KindStaticLLM}}, Options{})
	if err == nil {
		t.Fatalf("expected coverage validation failure without tts providers")
	}
}

func TestBuildRejectsUnknownKindAndMissingSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewAdapter(providerconfig.Spec{ID: "x", Kind: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
	if _, err := NewAdapter(providerconfig.Spec{ID: "llm", Kind: providerconfig.KindGemini, APIKeyRef: "env://OVE_TEST_UNSET_SECRET_FOR_BOOTSTRAP"}); err == nil {
		t.Fatalf("expected unresolved secret ref to fail")
	}
}

func TestStaticProvidersServeInvocation(t *testing.T) {
	t.Parallel()

	providers, err := Build([]providerconfig.Spec{
		{ID: "llm-static", Kind: providerconfig.KindStaticLLM, StaticReply: "Sounds good."},
		{ID: "tts-static", Kind: providerconfig.KindStaticTTS},
	}, Options{})
	if err != nil {
		t.Fatalf("unexpected bootstrap error: %v", err)
	}

	llm, _ := providers.Catalog.Resolve(contracts.ModalityLLM, []string{"llm-static"})
	result, err := providers.Controller.Invoke(context.Background(), []invocation.Candidate{{Adapter: llm[0]}}, invocation.Input{
		SessionID: "call-1",
		Modality:  contracts.ModalityLLM,
		Request:   contracts.InvocationRequest{Messages: []contracts.Message{{Role: contracts.RoleUser, Content: "hi"}}},
	})
	if err != nil || result.Outcome.Text != "Sounds good." {
		t.Fatalf("unexpected llm result %+v err=%v", result.Outcome, err)
	}

	tts, _ := providers.Catalog.Resolve(contracts.ModalityTTS, []string{"tts-static"})
	result, err = providers.Controller.Invoke(context.Background(), []invocation.Candidate{{Adapter: tts[0]}}, invocation.Input{
		SessionID: "call-1",
		Modality:  contracts.ModalityTTS,
		Request:   contracts.InvocationRequest{Text: "hello"},
	})
	if err != nil || string(result.Outcome.Audio) != "hello" {
		t.Fatalf("unexpected tts result %+v err=%v", result.Outcome, err)
	}
}
