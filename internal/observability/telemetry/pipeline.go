package telemetry

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueCapacity  = 1024
	defaultUrgentCapacity = 64
	defaultExportTimeout  = 200 * time.Millisecond
)

// Sink receives events from the pipeline worker.
type Sink interface {
	Export(context.Context, Event) error
}

// Config sizes the pipeline queues.
type Config struct {
	// QueueCapacity bounds buffered metrics and info/debug logs.
	QueueCapacity int
	// UrgentCapacity bounds a separate lane for warn/error logs, which the
	// worker always drains first.
	UrgentCapacity int
	ExportTimeout  time.Duration
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Enqueued       uint64
	Dropped        uint64
	UrgentDropped  uint64
	Exported       uint64
	ExportFailures uint64
	QueueDepth     int
}

// Pipeline is an Emitter backed by a single export worker. Emit calls never
// wait: once a lane is full its events are counted and discarded.
type Pipeline struct {
	sink    Sink
	timeout time.Duration

	routine chan Event
	urgent  chan Event
	stop    chan struct{}
	once    sync.Once
	done    chan struct{}

	enqueued       atomic.Uint64
	dropped        atomic.Uint64
	urgentDropped  atomic.Uint64
	exported       atomic.Uint64
	exportFailures atomic.Uint64
}

// NewPipeline starts the export worker. A nil sink discards everything.
func NewPipeline(sink Sink, cfg Config) *Pipeline {
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.UrgentCapacity < 1 {
		cfg.UrgentCapacity = defaultUrgentCapacity
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = defaultExportTimeout
	}
	if sink == nil {
		sink = NewMemorySink()
	}
	p := &Pipeline{
		sink:    sink,
		timeout: cfg.ExportTimeout,
		routine: make(chan Event, cfg.QueueCapacity),
		urgent:  make(chan Event, cfg.UrgentCapacity),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// EmitMetric queues a metric sample.
func (p *Pipeline) EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation) {
	p.offer(newMetric(name, value, unit, attributes, correlation))
}

// EmitLog queues a log record. Warn and error records use the urgent lane.
func (p *Pipeline) EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation) {
	p.offer(newLog(name, severity, message, attributes, correlation))
}

// Stats returns current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Enqueued:       p.enqueued.Load(),
		Dropped:        p.dropped.Load(),
		UrgentDropped:  p.urgentDropped.Load(),
		Exported:       p.exported.Load(),
		ExportFailures: p.exportFailures.Load(),
		QueueDepth:     len(p.routine) + len(p.urgent),
	}
}

// Close flushes both lanes, reports any drops to the sink, and stops the
// worker. It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.once.Do(func() { close(p.stop) })
	<-p.done
	return nil
}

func (p *Pipeline) offer(event Event) {
	lane, counter := p.routine, &p.dropped
	if event.Urgent() {
		lane, counter = p.urgent, &p.urgentDropped
	}
	select {
	case lane <- event:
		p.enqueued.Add(1)
	default:
		counter.Add(1)
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	for {
		select {
		case event := <-p.urgent:
			p.export(event)
			continue
		default:
		}
		select {
		case event := <-p.urgent:
			p.export(event)
		case event := <-p.routine:
			p.export(event)
		case <-p.stop:
			p.flush()
			return
		}
	}
}

func (p *Pipeline) flush() {
	for {
		select {
		case event := <-p.urgent:
			p.export(event)
		case event := <-p.routine:
			p.export(event)
		default:
			if lost := p.dropped.Load() + p.urgentDropped.Load(); lost > 0 {
				p.export(newMetric(MetricDropsTotal, float64(lost), "count", map[string]string{
					"urgent": strconv.FormatUint(p.urgentDropped.Load(), 10),
				}, Correlation{EmittedBy: "telemetry"}))
			}
			return
		}
	}
}

func (p *Pipeline) export(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.sink.Export(ctx, event); err != nil {
		p.exportFailures.Add(1)
		return
	}
	p.exported.Add(1)
}
