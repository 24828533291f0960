package telemetry

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvTelemetryEnabled toggles runtime telemetry emission.
	EnvTelemetryEnabled = "OVE_TELEMETRY_ENABLED"
	// EnvTelemetryQueueCapacity sets in-memory queue capacity.
	EnvTelemetryQueueCapacity = "OVE_TELEMETRY_QUEUE_CAPACITY"
	// EnvTelemetryUrgentCapacity sets the warn/error lane capacity.
	EnvTelemetryUrgentCapacity = "OVE_TELEMETRY_URGENT_CAPACITY"
	// EnvTelemetryExportTimeoutMS sets export timeout in milliseconds.
	EnvTelemetryExportTimeoutMS = "OVE_TELEMETRY_EXPORT_TIMEOUT_MS"
	// EnvLogLevel sets the logrus level (debug, info, warn, error).
	EnvLogLevel = "OVE_LOG_LEVEL"
	// EnvLogFormat selects "json" or "text" log rendering.
	EnvLogFormat = "OVE_LOG_FORMAT"
)

// RuntimeConfig captures env-configured telemetry settings.
type RuntimeConfig struct {
	Enabled         bool
	QueueCapacity   int
	UrgentCapacity  int
	ExportTimeoutMS int
	LogLevel        string
	JSONLogs        bool
}

// RuntimeConfigFromEnv parses telemetry config from environment.
func RuntimeConfigFromEnv() (RuntimeConfig, error) {
	cfg := RuntimeConfig{
		Enabled:         true,
		QueueCapacity:   1024,
		UrgentCapacity:  64,
		ExportTimeoutMS: 200,
		LogLevel:        "info",
		JSONLogs:        true,
	}

	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryEnabled)); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return RuntimeConfig{}, fmt.Errorf("%s parse error: %w", EnvTelemetryEnabled, err)
		}
		cfg.Enabled = enabled
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryQueueCapacity)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return RuntimeConfig{}, fmt.Errorf("%s must be integer >=1", EnvTelemetryQueueCapacity)
		}
		cfg.QueueCapacity = v
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryUrgentCapacity)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return RuntimeConfig{}, fmt.Errorf("%s must be integer >=1", EnvTelemetryUrgentCapacity)
		}
		cfg.UrgentCapacity = v
	}
	if raw := strings.TrimSpace(os.Getenv(EnvTelemetryExportTimeoutMS)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return RuntimeConfig{}, fmt.Errorf("%s must be integer >=1", EnvTelemetryExportTimeoutMS)
		}
		cfg.ExportTimeoutMS = v
	}
	if raw := strings.TrimSpace(os.Getenv(EnvLogLevel)); raw != "" {
		cfg.LogLevel = strings.ToLower(raw)
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat))) {
	case "", "json":
	case "text":
		cfg.JSONLogs = false
	default:
		return RuntimeConfig{}, fmt.Errorf("%s must be json or text", EnvLogFormat)
	}

	return cfg, nil
}

// NewPipelineFromEnv creates a logrus-backed telemetry pipeline from environment settings.
// It returns nil when telemetry is disabled.
func NewPipelineFromEnv(out io.Writer) (*Pipeline, error) {
	cfg, err := RuntimeConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, nil
	}

	sink := NewLogrusSink(LogrusSinkConfig{
		Level:      cfg.LogLevel,
		JSONFormat: cfg.JSONLogs,
		Out:        out,
	})
	return NewPipeline(sink, Config{
		QueueCapacity:  cfg.QueueCapacity,
		UrgentCapacity: cfg.UrgentCapacity,
		ExportTimeout:  time.Duration(cfg.ExportTimeoutMS) * time.Millisecond,
	}), nil
}
