package telemetry

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogrusSinkConfig controls how events are rendered through logrus.
type LogrusSinkConfig struct {
	Level      string
	JSONFormat bool
	Out        io.Writer
}

// LogrusSink renders telemetry events as structured logrus entries.
type LogrusSink struct {
	logger *logrus.Logger
}

// NewLogrusSink builds a sink with its own logrus logger.
func NewLogrusSink(cfg LogrusSinkConfig) *LogrusSink {
	logger := logrus.New()
	logger.Out = cfg.Out
	if logger.Out == nil {
		logger.Out = os.Stdout
	}

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.JSONFormat {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			PadLevelText:  true,
		})
	}
	return &LogrusSink{logger: logger}
}

// Logger exposes the underlying logger for process-level messages.
func (s *LogrusSink) Logger() *logrus.Logger {
	return s.logger
}

// Export writes one event. Metrics are logged at debug level.
func (s *LogrusSink) Export(ctx context.Context, event Event) error {
	entry := s.logger.WithContext(ctx).WithFields(correlationFields(event.Correlation))
	switch event.Kind {
	case EventKindLog:
		if event.Log == nil {
			return nil
		}
		entry = entry.WithField("event", event.Log.Name).WithFields(attributeFields(event.Log.Attributes))
		entry.Log(severityLevel(event.Log.Severity), event.Log.Message)
	case EventKindMetric:
		if event.Metric == nil {
			return nil
		}
		entry.WithFields(attributeFields(event.Metric.Attributes)).WithFields(logrus.Fields{
			"metric": event.Metric.Name,
			"value":  event.Metric.Value,
			"unit":   event.Metric.Unit,
		}).Debug("metric")
	}
	return nil
}

func severityLevel(severity string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func correlationFields(c Correlation) logrus.Fields {
	fields := logrus.Fields{}
	set := func(key, value string) {
		if value != "" {
			fields[key] = value
		}
	}
	set("session_id", c.SessionID)
	set("turn_id", c.TurnID)
	set("phase", c.Phase)
	set("tier", c.Tier)
	set("provider_id", c.ProviderID)
	set("emitted_by", c.EmittedBy)
	return fields
}

func attributeFields(attributes map[string]string) logrus.Fields {
	fields := make(logrus.Fields, len(attributes))
	for k, v := range attributes {
		fields[k] = v
	}
	return fields
}
