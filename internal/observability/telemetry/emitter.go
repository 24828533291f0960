// Package telemetry carries structured call logs and metrics from the engine
// to a logrus sink without ever blocking a live call.
package telemetry

import (
	"strings"
	"sync/atomic"
	"time"
)

// Metric names emitted by the engine.
const (
	MetricDropsTotal             = "telemetry_drops_total"
	MetricProviderRTTMS          = "provider_rtt_ms"
	MetricTurnLatencyMS          = "turn_latency_ms"
	MetricCacheHitTotal          = "cache_hit_total"
	MetricGuardrailTriggerTotal  = "guardrail_trigger_total"
	MetricSynthesisFailoverTotal = "synthesis_failover_total"
	MetricAnalysisDegradedTotal  = "analysis_degraded_total"
)

// EventKind distinguishes metric samples from log records.
type EventKind string

const (
	EventKindMetric EventKind = "metric"
	EventKindLog    EventKind = "log"
)

// Correlation ties an event to a call, turn and provider.
type Correlation struct {
	SessionID   string `json:"session_id,omitempty"`
	TurnID      string `json:"turn_id,omitempty"`
	Phase       string `json:"phase,omitempty"`
	Tier        string `json:"tier,omitempty"`
	ProviderID  string `json:"provider_id,omitempty"`
	EmittedBy   string `json:"emitted_by,omitempty"`
	TimestampMS int64  `json:"timestamp_ms,omitempty"`
}

// MetricEvent is one metric sample.
type MetricEvent struct {
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// LogEvent is one named log record.
type LogEvent struct {
	Name       string            `json:"name"`
	Severity   string            `json:"severity"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Event is what sinks receive.
type Event struct {
	Kind        EventKind    `json:"kind"`
	TimestampMS int64        `json:"timestamp_ms"`
	Correlation Correlation  `json:"correlation"`
	Metric      *MetricEvent `json:"metric,omitempty"`
	Log         *LogEvent    `json:"log,omitempty"`
}

// Urgent reports whether the event is a warn or error log.
func (e Event) Urgent() bool {
	if e.Log == nil {
		return false
	}
	switch e.Log.Severity {
	case "warn", "warning", "error":
		return true
	}
	return false
}

// Emitter is the handle every engine component logs and measures through.
// Implementations must not block.
type Emitter interface {
	EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation)
	EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation)
}

type discard struct{}

func (discard) EmitMetric(string, float64, string, map[string]string, Correlation) {}
func (discard) EmitLog(string, string, string, map[string]string, Correlation)     {}

type holder struct{ emitter Emitter }

var process atomic.Value

func init() {
	process.Store(holder{emitter: discard{}})
}

// SetDefaultEmitter installs the process-wide emitter. Nil restores the
// discarding default.
func SetDefaultEmitter(emitter Emitter) {
	if emitter == nil {
		emitter = discard{}
	}
	process.Store(holder{emitter: emitter})
}

// DefaultEmitter returns the process-wide emitter.
func DefaultEmitter() Emitter {
	return process.Load().(holder).emitter
}

// OrDefault returns emitter, or the process default when nil.
func OrDefault(emitter Emitter) Emitter {
	if emitter == nil {
		return DefaultEmitter()
	}
	return emitter
}

func newMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation) Event {
	return Event{
		Kind:        EventKindMetric,
		TimestampMS: stamp(correlation),
		Correlation: trimCorrelation(correlation),
		Metric: &MetricEvent{
			Name:       strings.TrimSpace(name),
			Value:      value,
			Unit:       strings.TrimSpace(unit),
			Attributes: cleanAttributes(attributes),
		},
	}
}

func newLog(name, severity, message string, attributes map[string]string, correlation Correlation) Event {
	return Event{
		Kind:        EventKindLog,
		TimestampMS: stamp(correlation),
		Correlation: trimCorrelation(correlation),
		Log: &LogEvent{
			Name:       strings.TrimSpace(name),
			Severity:   strings.ToLower(strings.TrimSpace(severity)),
			Message:    message,
			Attributes: cleanAttributes(attributes),
		},
	}
}

func stamp(c Correlation) int64 {
	if c.TimestampMS > 0 {
		return c.TimestampMS
	}
	return time.Now().UnixMilli()
}

func trimCorrelation(c Correlation) Correlation {
	if c.TimestampMS < 0 {
		c.TimestampMS = 0
	}
	for _, field := range []*string{&c.SessionID, &c.TurnID, &c.Phase, &c.Tier, &c.ProviderID, &c.EmittedBy} {
		*field = strings.TrimSpace(*field)
	}
	return c
}

// cleanAttributes copies attributes, dropping blank keys. It returns nil
// when nothing is left.
func cleanAttributes(in map[string]string) map[string]string {
	var out map[string]string
	for k, v := range in {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(in))
		}
		out[key] = strings.TrimSpace(v)
	}
	return out
}
