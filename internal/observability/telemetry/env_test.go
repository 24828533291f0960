package telemetry

import (
	"io"
	"testing"
)

func TestRuntimeConfigFromEnvDefaults(t *testing.T) {
	cfg, err := RuntimeConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected default env parse error: %v", err)
	}
	if !cfg.Enabled || cfg.QueueCapacity != 1024 || cfg.UrgentCapacity != 64 || cfg.ExportTimeoutMS != 200 {
		t.Fatalf("unexpected default config: %+v", cfg)
	}
	if cfg.LogLevel != "info" || !cfg.JSONLogs {
		t.Fatalf("unexpected default log settings: %+v", cfg)
	}
}

func TestRuntimeConfigFromEnvRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{name: "invalid_enabled", key: EnvTelemetryEnabled, value: "not-bool"},
		{name: "invalid_queue_capacity", key: EnvTelemetryQueueCapacity, value: "0"},
		{name: "invalid_urgent_capacity", key: EnvTelemetryUrgentCapacity, value: "-1"},
		{name: "invalid_timeout", key: EnvTelemetryExportTimeoutMS, value: "abc"},
		{name: "invalid_format", key: EnvLogFormat, value: "xml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := RuntimeConfigFromEnv(); err == nil {
				t.Fatalf("expected %s=%q to be rejected", tc.key, tc.value)
			}
		})
	}
}

func TestRuntimeConfigFromEnvLogSettings(t *testing.T) {
	t.Setenv(EnvLogLevel, "DEBUG")
	t.Setenv(EnvLogFormat, "text")
	cfg, err := RuntimeConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.JSONLogs {
		t.Fatalf("unexpected log settings: %+v", cfg)
	}
}

func TestNewPipelineFromEnv(t *testing.T) {
	t.Run("disabled_returns_nil", func(t *testing.T) {
		t.Setenv(EnvTelemetryEnabled, "false")
		pipeline, err := NewPipelineFromEnv(io.Discard)
		if err != nil {
			t.Fatalf("unexpected disabled env error: %v", err)
		}
		if pipeline != nil {
			t.Fatalf("expected nil pipeline when telemetry disabled")
		}
	})

	t.Run("enabled_builds_logrus_pipeline", func(t *testing.T) {
		t.Setenv(EnvTelemetryEnabled, "true")
		pipeline, err := NewPipelineFromEnv(io.Discard)
		if err != nil {
			t.Fatalf("unexpected pipeline creation error: %v", err)
		}
		if pipeline == nil {
			t.Fatalf("expected non-nil pipeline when telemetry enabled")
		}
		if err := pipeline.Close(); err != nil {
			t.Fatalf("unexpected close error: %v", err)
		}
	})
}
