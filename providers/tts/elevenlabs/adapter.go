package elevenlabs

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	providerconfig "github.com/tiger/outreach-voice-engine/internal/runtime/provider/config"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
	"github.com/tiger/outreach-voice-engine/providers/common/httpadapter"
)

const (
	DefaultBaseURL = "https://api.elevenlabs.io/v1/text-to-speech/"
	DefaultVoiceID = "EXAVITQu4vr4xnSDxMaL"
	DefaultModelID = "eleven_turbo_v2_5"
	// mp3_22050_32 keeps phone-quality audio small.
	DefaultOutputFormat = "mp3_22050_32"
)

type Config struct {
	ProviderID   string
	APIKey       string
	BaseURL      string
	DefaultVoice string
	ModelID      string
	OutputFormat string
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
		BaseURL:      defaultString(spec.Endpoint, DefaultBaseURL),
		DefaultVoice: defaultString(spec.DefaultVoice, DefaultVoiceID),
		ModelID:      defaultString(spec.Model, DefaultModelID),
		OutputFormat: defaultString(spec.OutputFormat, DefaultOutputFormat),
		Timeout:      spec.Timeout(4 * time.Second),
	}, nil
}

func NewAdapter(cfg Config) (contracts.Adapter, error) {
	cfg.BaseURL = defaultString(cfg.BaseURL, DefaultBaseURL)
	cfg.DefaultVoice = defaultString(cfg.DefaultVoice, DefaultVoiceID)
	cfg.ModelID = defaultString(cfg.ModelID, DefaultModelID)
	cfg.OutputFormat = defaultString(cfg.OutputFormat, DefaultOutputFormat)

	return httpadapter.New(httpadapter.Config{
		ProviderID:    cfg.ProviderID,
		Modality:      contracts.ModalityTTS,
		APIKey:        cfg.APIKey,
		APIKeyHeader:  "xi-api-key",
		Timeout:       cfg.Timeout,
		StaticHeaders: map[string]string{"Accept": "audio/mpeg"},
		EndpointFor: func(req contracts.InvocationRequest) string {
			voice := defaultString(req.VoiceID, cfg.DefaultVoice)
			endpoint := strings.TrimRight(cfg.BaseURL, "/") + "/" + url.PathEscape(voice)
			withFormat, err := httpadapter.WithQuery(endpoint, "output_format", cfg.OutputFormat)
			if err != nil {
				return endpoint
			}
			return withFormat
		},
		BuildBody: func(req contracts.InvocationRequest) (any, error) {
			return map[string]any{
				"model_id": cfg.ModelID,
				"text":     req.Text,
			}, nil
		},
		DecodeResponse: httpadapter.DecodeAudio("audio/mpeg"),
	})
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
