package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
)

const defaultMaxResponseBytes = 4 << 20

// Config configures a generic JSON-over-HTTP provider adapter.
type Config struct {
	ProviderID       string
	Modality         contracts.Modality
	Endpoint         string
	Method           string
	APIKey           string
	APIKeyHeader     string
	APIKeyPrefix     string
	QueryAPIKeyParam string
	StaticHeaders    map[string]string
	Timeout          time.Duration
	MaxResponseBytes int64
	Client           *http.Client

	// EndpointFor overrides Endpoint per request, e.g. for voice-scoped paths.
	EndpointFor func(req contracts.InvocationRequest) string
	// BuildBody returns the JSON request payload for one attempt.
	BuildBody func(req contracts.InvocationRequest) (any, error)
	// DecodeResponse turns a 2xx response body into a success outcome.
	DecodeResponse func(req contracts.InvocationRequest, body io.Reader, header http.Header) (contracts.Outcome, error)
}

// Adapter implements contracts.Adapter against a JSON-over-HTTP endpoint.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New constructs a generic HTTP adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.ProviderID == "" {
		return nil, fmt.Errorf("provider_id is required")
	}
	if err := cfg.Modality.Validate(); err != nil {
		return nil, err
	}
	if cfg.BuildBody == nil || cfg.DecodeResponse == nil {
		return nil, fmt.Errorf("provider %q: BuildBody and DecodeResponse are required", cfg.ProviderID)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.StaticHeaders == nil {
		cfg.StaticHeaders = map[string]string{}
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{cfg: cfg, client: client}, nil
}

// ProviderID returns provider identity.
func (a *Adapter) ProviderID() string {
	return a.cfg.ProviderID
}

// Modality returns provider modality.
func (a *Adapter) Modality() contracts.Modality {
	return a.cfg.Modality
}

// Invoke executes one provider attempt and normalizes the outcome.
func (a *Adapter) Invoke(ctx context.Context, req contracts.InvocationRequest) (contracts.Outcome, error) {
	if err := req.Validate(); err != nil {
		return contracts.Outcome{}, err
	}
	if ctx.Err() != nil {
		return NormalizeNetworkError(ctx.Err()), nil
	}
	endpoint := a.cfg.Endpoint
	if a.cfg.EndpointFor != nil {
		endpoint = a.cfg.EndpointFor(req)
	}
	if endpoint == "" {
		return contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_endpoint_missing"}, nil
	}

	payload, err := a.cfg.BuildBody(req)
	if err != nil {
		return contracts.Outcome{}, fmt.Errorf("build %s request body: %w", a.cfg.ProviderID, err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return contracts.Outcome{}, err
	}

	if a.cfg.QueryAPIKeyParam != "" && a.cfg.APIKey != "" {
		endpoint, err = WithQuery(endpoint, a.cfg.QueryAPIKeyParam, a.cfg.APIKey)
		if err != nil {
			return contracts.Outcome{}, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, a.cfg.Method, endpoint, bytes.NewReader(body))
	if err != nil {
		return contracts.Outcome{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKeyHeader != "" && a.cfg.APIKey != "" {
		httpReq.Header.Set(a.cfg.APIKeyHeader, a.cfg.APIKeyPrefix+a.cfg.APIKey)
	}
	for key, value := range a.cfg.StaticHeaders {
		httpReq.Header.Set(key, value)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return NormalizeNetworkError(err), nil
	}
	defer resp.Body.Close()

	outcome := NormalizeStatus(resp.StatusCode, resp.Header.Get("Retry-After"))
	if outcome.Class != contracts.OutcomeSuccess {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, a.cfg.MaxResponseBytes))
		return outcome, nil
	}

	decoded, err := a.cfg.DecodeResponse(req, io.LimitReader(resp.Body, a.cfg.MaxResponseBytes), resp.Header)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return NormalizeNetworkError(ctxErr), nil
		}
		return contracts.Outcome{
			Class:  contracts.OutcomeInfrastructureFailure,
			Reason: "provider_malformed_response",
		}, nil
	}
	return decoded, nil
}

// WithQuery appends/overrides a query key on an endpoint URL.
func WithQuery(rawEndpoint string, key string, value string) (string, error) {
	u, err := url.Parse(rawEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NormalizeNetworkError maps transport-level errors to normalized outcomes.
func NormalizeNetworkError(err error) contracts.Outcome {
	if errors.Is(err, context.Canceled) {
		return contracts.CancelledOutcome()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return contracts.TimeoutOutcome()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return contracts.TimeoutOutcome()
	}
	return contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Retryable: true, Reason: "provider_transport_error"}
}

// NormalizeStatus maps HTTP status and retry-after headers to normalized outcomes.
func NormalizeStatus(status int, retryAfter string) contracts.Outcome {
	outcome := contracts.Outcome{}
	switch {
	case status >= 200 && status <= 299:
		outcome.Class = contracts.OutcomeSuccess
	case status == http.StatusTooManyRequests:
		outcome.Class = contracts.OutcomeOverload
		outcome.Retryable = true
		outcome.Reason = "provider_overload"
		outcome.BackoffMS = retryAfterToMS(retryAfter)
		outcome.CircuitOpen = true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		outcome.Class = contracts.OutcomeTimeout
		outcome.Retryable = true
		outcome.Reason = "provider_timeout"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		outcome.Class = contracts.OutcomeBlocked
		outcome.Reason = "provider_auth_or_policy_block"
	case status >= 400 && status <= 499:
		outcome.Class = contracts.OutcomeBlocked
		outcome.Reason = "provider_client_error"
	default:
		outcome.Class = contracts.OutcomeInfrastructureFailure
		outcome.Retryable = true
		outcome.Reason = "provider_server_error"
		outcome.CircuitOpen = status >= 500
	}
	return outcome
}

// DecodeJSON reads a JSON document into v.
func DecodeJSON(body io.Reader, v any) error {
	return json.NewDecoder(body).Decode(v)
}

// DecodeAudio returns a success outcome carrying the raw body as audio.
func DecodeAudio(defaultMime string) func(contracts.InvocationRequest, io.Reader, http.Header) (contracts.Outcome, error) {
	return func(_ contracts.InvocationRequest, body io.Reader, header http.Header) (contracts.Outcome, error) {
		audio, err := io.ReadAll(body)
		if err != nil {
			return contracts.Outcome{}, err
		}
		mime := strings.TrimSpace(header.Get("Content-Type"))
		if mime == "" || strings.HasPrefix(mime, "application/octet-stream") {
			mime = defaultMime
		}
		return contracts.Outcome{Class: contracts.OutcomeSuccess, Audio: audio, MimeType: mime}, nil
	}
}

// TextOutcome wraps model text as a success outcome.
func TextOutcome(text string) contracts.Outcome {
	return contracts.Outcome{Class: contracts.OutcomeSuccess, Text: strings.TrimSpace(text)}
}

func retryAfterToMS(retryAfter string) int64 {
	if strings.TrimSpace(retryAfter) == "" {
		return 500
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter))
	if err != nil || seconds < 1 {
		return 500
	}
	return int64(seconds) * 1000
}
