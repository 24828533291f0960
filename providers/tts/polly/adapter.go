package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	providerconfig "github.com/tiger/outreach-voice-engine/internal/runtime/provider/config"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
)

const (
	DefaultRegion  = "us-east-1"
	DefaultVoiceID = "Joanna"
	DefaultEngine  = "neural"

	maxAudioBytes = 8 << 20
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type Config struct {
	ProviderID   string
	Region       string
	DefaultVoice string
	Engine       string
	Timeout      time.Duration
}

// ConfigFromSpec maps an engine provider entry onto adapter config.
// Credentials come from the default AWS chain, not from the provider entry.
func ConfigFromSpec(spec providerconfig.Spec) (Config, error) {
	return Config{
		ProviderID:   spec.ID,
		Region:       defaultString(spec.Region, DefaultRegion),
		DefaultVoice: defaultString(spec.DefaultVoice, DefaultVoiceID),
		Engine:       defaultString(spec.Model, DefaultEngine),
		Timeout:      spec.Timeout(4 * time.Second),
	}, nil
}

type Adapter struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

func NewAdapter(cfg Config) (contracts.Adapter, error) {
	return NewAdapterWithClient(cfg, nil)
}

func NewAdapterWithClient(cfg Config, client synthClient) (contracts.Adapter, error) {
	if strings.TrimSpace(cfg.ProviderID) == "" {
		return nil, fmt.Errorf("provider_id is required")
	}
	cfg.Region = defaultString(cfg.Region, DefaultRegion)
	cfg.DefaultVoice = defaultString(cfg.DefaultVoice, DefaultVoiceID)
	cfg.Engine = defaultString(cfg.Engine, DefaultEngine)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Second
	}
	return &Adapter{client: client, cfg: cfg}, nil
}

func (a *Adapter) ProviderID() string {
	return a.cfg.ProviderID
}

func (a *Adapter) Modality() contracts.Modality {
	return contracts.ModalityTTS
}

func (a *Adapter) Invoke(ctx context.Context, req contracts.InvocationRequest) (contracts.Outcome, error) {
	if err := req.Validate(); err != nil {
		return contracts.Outcome{}, err
	}
	if ctx.Err() != nil {
		return normalizePollyError(ctx.Err()), nil
	}
	client, err := a.resolveClient(ctx)
	if err != nil {
		return contracts.Outcome{}, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(a.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	voice := defaultString(req.VoiceID, a.cfg.DefaultVoice)
	text := req.Text

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voice),
	})
	if err != nil {
		return normalizePollyError(err), nil
	}
	if output == nil || output.AudioStream == nil {
		return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_empty_audio"}, nil
	}
	defer output.AudioStream.Close()

	audio, err := io.ReadAll(io.LimitReader(output.AudioStream, maxAudioBytes))
	if err != nil {
		return normalizePollyError(err), nil
	}
	mime := "audio/mpeg"
	if output.ContentType != nil && *output.ContentType != "" {
		mime = *output.ContentType
	}
	return contracts.Outcome{Class: contracts.OutcomeSuccess, Audio: audio, MimeType: mime}, nil
}

func normalizePollyError(err error) contracts.Outcome {
	if errors.Is(err, context.Canceled) {
		return contracts.CancelledOutcome()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.TimeoutOutcome()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException":
			return contracts.Outcome{Class: contracts.OutcomeOverload, Retryable: true, Reason: "provider_overload", CircuitOpen: true, BackoffMS: 500}
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException", "MarksNotSupportedForFormatException", "InvalidSampleRateException", "EngineNotSupportedException":
			return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_client_error"}
		case "AccessDeniedException", "UnrecognizedClientException":
			return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_auth_or_policy_block"}
		default:
			return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_server_error", CircuitOpen: true}
		}
	}

	return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_transport_error"}
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func (a *Adapter) resolveClient(ctx context.Context) (synthClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	a.client = polly.NewFromConfig(awsCfg)
	return a.client, nil
}
