package telemetry

import (
	"context"
	"sync"
)

// MemorySink is a deterministic in-memory sink used by tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{events: make([]Event, 0, 64)}
}

// Export appends an event in memory.
func (s *MemorySink) Export(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of all exported events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Logs returns exported log events with the given name.
func (s *MemorySink) Logs(name string) []Event {
	out := make([]Event, 0)
	for _, event := range s.Events() {
		if event.Log != nil && event.Log.Name == name {
			out = append(out, event)
		}
	}
	return out
}

// Metrics returns exported metric events with the given name.
func (s *MemorySink) Metrics(name string) []Event {
	out := make([]Event, 0)
	for _, event := range s.Events() {
		if event.Metric != nil && event.Metric.Name == name {
			out = append(out, event)
		}
	}
	return out
}

// Recorder is a synchronous Emitter that writes straight into a MemorySink.
// Tests use it to assert on emissions without racing the pipeline worker.
type Recorder struct {
	Sink *MemorySink
}

// NewRecorder returns a Recorder backed by a fresh MemorySink.
func NewRecorder() *Recorder {
	return &Recorder{Sink: NewMemorySink()}
}

// EmitMetric records a metric sample.
func (r *Recorder) EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation) {
	_ = r.Sink.Export(context.Background(), newMetric(name, value, unit, attributes, correlation))
}

// EmitLog records a log event.
func (r *Recorder) EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation) {
	_ = r.Sink.Export(context.Background(), newLog(name, severity, message, attributes, correlation))
}
