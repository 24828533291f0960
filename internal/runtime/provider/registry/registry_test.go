package registry

import (
	"testing"

	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
)

func testCatalog(t *testing.T) Catalog {
	t.Helper()
	catalog, err := NewCatalog([]contracts.Adapter{
		contracts.StaticAdapter{ID: "llm-groq", Mode: contracts.ModalityLLM},
		contracts.StaticAdapter{ID: "llm-gemini", Mode: contracts.ModalityLLM},
		contracts.StaticAdapter{ID: "tts-polly", Mode: contracts.ModalityTTS},
		contracts.StaticAdapter{ID: "tts-elevenlabs", Mode: contracts.ModalityTTS},
		contracts.StaticAdapter{ID: "tts-google", Mode: contracts.ModalityTTS},
	})
	if err != nil {
		t.Fatalf("unexpected catalog build error: %v", err)
	}
	return catalog
}

func TestProviderIDsKeepRegistrationOrder(t *testing.T) {
	t.Parallel()

	ids, err := testCatalog(t).ProviderIDs(contracts.ModalityTTS)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"tts-polly", "tts-elevenlabs", "tts-google"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected priority order %v, got %v", want, ids)
		}
	}
}

func TestResolveOrderedList(t *testing.T) {
	t.Parallel()

	catalog := testCatalog(t)
	adapters, err := catalog.Resolve(contracts.ModalityLLM, []string{"llm-gemini", "llm-groq"})
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if adapters[0].ProviderID() != "llm-gemini" {
		t.Fatalf("expected requested order, got %s first", adapters[0].ProviderID())
	}

	cases := [][]string{
		nil,
		{"llm-groq", "llm-groq"},
		{"tts-polly"},
	}
	for _, ids := range cases {
		if _, err := catalog.Resolve(contracts.ModalityLLM, ids); err == nil {
			t.Fatalf("expected resolve of %v to fail", ids)
		}
	}
}

func TestNewCatalogRejectsDuplicatesAndNil(t *testing.T) {
	t.Parallel()

	if _, err := NewCatalog([]contracts.Adapter{
		contracts.StaticAdapter{ID: "llm-a", Mode: contracts.ModalityLLM},
		contracts.StaticAdapter{ID: "llm-a", Mode: contracts.ModalityLLM},
	}); err == nil {
		t.Fatalf("expected duplicate provider to fail")
	}
	if _, err := NewCatalog([]contracts.Adapter{nil}); err == nil {
		t.Fatalf("expected nil adapter to fail")
	}
	if err := testCatalog(t).ValidateCoverage(3); err == nil {
		t.Fatalf("expected llm coverage of 2 to fail min 3")
	}
	if err := testCatalog(t).ValidateCoverage(1); err != nil {
		t.Fatalf("unexpected coverage error: %v", err)
	}
}
