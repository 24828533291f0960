package google

import (
	"encoding/base64"
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
	DefaultEndpoint = "https://texttospeech.googleapis.com/v1/text:synthesize"
	DefaultVoice    = "en-US-Chirp3-HD-Achernar"
)

type Config struct {
	ProviderID   string
	APIKey       string
	Endpoint     string
	DefaultVoice string
	Language     string
	Timeout      time.Duration
}

// ConfigFromSpec maps an engine provider entry onto adapter config.
func ConfigFromSpec(spec providerconfig.Spec) (Config, error) {
	key, err := spec.ResolveAPIKey()
	if err != nil {
		return Config{}, fmt.Errorf("provider %q: %w", spec.ID, err)
	}
	return Config{
		ProviderID:   spec.ID,
		APIKey:       key,
		Endpoint:     defaultString(spec.Endpoint, DefaultEndpoint),
		DefaultVoice: defaultString(spec.DefaultVoice, DefaultVoice),
		Timeout:      spec.Timeout(4 * time.Second),
	}, nil
}

func NewAdapter(cfg Config) (contracts.Adapter, error) {
	cfg.Endpoint = defaultString(cfg.Endpoint, DefaultEndpoint)
	cfg.DefaultVoice = defaultString(cfg.DefaultVoice, DefaultVoice)

	return httpadapter.New(httpadapter.Config{
		ProviderID:       cfg.ProviderID,
		Modality:         contracts.ModalityTTS,
		Endpoint:         cfg.Endpoint,
		APIKey:           cfg.APIKey,
		QueryAPIKeyParam: "key",
		Timeout:          cfg.Timeout,
		BuildBody: func(req contracts.InvocationRequest) (any, error) {
			voice := defaultString(req.VoiceID, cfg.DefaultVoice)
			return map[string]any{
				"input":       map[string]any{"text": req.Text},
				"voice":       map[string]any{"name": voice, "languageCode": defaultString(cfg.Language, languageOf(voice))},
				"audioConfig": map[string]any{"audioEncoding": "MP3"},
			}, nil
		},
		DecodeResponse: decode,
	})
}

func decode(_ contracts.InvocationRequest, body io.Reader, _ http.Header) (contracts.Outcome, error) {
	var payload struct {
		AudioContent string `json:"audioContent"`
	}
	if err := httpadapter.DecodeJSON(body, &payload); err != nil {
		return contracts.Outcome{}, err
	}
	audio, err := base64.StdEncoding.DecodeString(payload.AudioContent)
	if err != nil {
		return contracts.Outcome{}, fmt.Errorf("decode audioContent: %w", err)
	}
	return contracts.Outcome{Class: contracts.OutcomeSuccess, Audio: audio, MimeType: "audio/mpeg"}, nil
}

// languageOf derives "en-US" from voice names like "en-US-Chirp3-HD-Achernar".
func languageOf(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) < 3 {
		return "en-US"
	}
	return parts[0] + "-" + parts[1]
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
