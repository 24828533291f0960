package executionpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of background work.
type Task struct {
	ID  string
	Run func(ctx context.Context) error
	// FairnessKey groups tasks for MaxOutstanding; defaults to ID.
	FairnessKey    string
	MaxOutstanding int
}

var (
	// ErrTaskIDRequired is returned when a task is missing an ID.
	ErrTaskIDRequired = errors.New("task id is required")
	// ErrTaskRunRequired is returned when a task is missing a run function.
	ErrTaskRunRequired = errors.New("task run func is required")
	// ErrClosed indicates the execution pool no longer accepts submissions.
	ErrClosed = errors.New("execution pool is closed")
	// ErrQueueFull indicates the execution pool queue is saturated.
	ErrQueueFull = errors.New("execution pool queue is full")
	// ErrKeyConcurrencyExceeded indicates a per-key outstanding limit was exceeded.
	ErrKeyConcurrencyExceeded = errors.New("execution pool key concurrency limit exceeded")
)

// Stats reports execution pool counters.
type Stats struct {
	Submitted             int64
	Completed             int64
	Failed                int64
	Rejected              int64
	RejectedByConcurrency int64
	InFlight              int64
	QueueDepth            int64
}

// Config sizes the pool.
type Config struct {
	Workers  int
	Capacity int
	// TaskTimeout bounds each Run; zero means no per-task deadline.
	TaskTimeout time.Duration
	// OnError observes task failures and recovered panics.
	OnError func(task Task, err error)
}

// Manager is a bounded FIFO queue served by a fixed set of workers.
type Manager struct {
	cfg                   Config
	queue                 chan Task
	ctx                   context.Context
	cancel                context.CancelFunc
	wg                    sync.WaitGroup
	pending               sync.WaitGroup
	submitted             atomic.Int64
	completed             atomic.Int64
	failed                atomic.Int64
	rejected              atomic.Int64
	rejectedByConcurrency atomic.Int64
	inFlight              atomic.Int64
	closeMu               sync.RWMutex
	closed                bool
	mu                    sync.Mutex
	outstandingByKey      map[string]int
}

// NewManager creates a single-worker FIFO manager.
func NewManager(capacity int) *Manager {
	return New(Config{Workers: 1, Capacity: capacity})
}

// New creates a pool with cfg.Workers goroutines.
func New(cfg Config) *Manager {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:              cfg,
		queue:            make(chan Task, cfg.Capacity),
		ctx:              ctx,
		cancel:           cancel,
		outstandingByKey: make(map[string]int),
	}
	m.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go m.worker()
	}
	return m
}

// Submit enqueues a task or returns error when saturated/closed.
func (m *Manager) Submit(task Task) error {
	if task.ID == "" {
		return fmt.Errorf("%w", ErrTaskIDRequired)
	}
	if task.Run == nil {
		return fmt.Errorf("%w", ErrTaskRunRequired)
	}
	if task.MaxOutstanding < 0 {
		m.rejected.Add(1)
		return fmt.Errorf("max outstanding must be >= 0")
	}

	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		m.rejected.Add(1)
		return fmt.Errorf("%w", ErrClosed)
	}

	outstandingReserved := false
	outstandingKey := ""
	if task.MaxOutstanding > 0 {
		outstandingKey = outstandingKeyForTask(task)
		if !m.reserveOutstanding(outstandingKey, task.MaxOutstanding) {
			m.rejected.Add(1)
			m.rejectedByConcurrency.Add(1)
			return fmt.Errorf("%w: %s", ErrKeyConcurrencyExceeded, outstandingKey)
		}
		outstandingReserved = true
	}

	m.pending.Add(1)
	select {
	case m.queue <- task:
		m.submitted.Add(1)
		return nil
	default:
		m.pending.Done()
		if outstandingReserved {
			m.releaseOutstanding(outstandingKey)
		}
		m.rejected.Add(1)
		return fmt.Errorf("%w", ErrQueueFull)
	}
}

// Drain stops accepting work and waits for queued and running tasks.
// If ctx expires first, running tasks are cancelled and ctx.Err is returned.
func (m *Manager) Drain(ctx context.Context) error {
	m.closeMu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.pending.Wait()
		m.wg.Wait()
	}()
	select {
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	case <-done:
		m.cancel()
		return nil
	}
}

// Stats returns a snapshot of pool counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Submitted:             m.submitted.Load(),
		Completed:             m.completed.Load(),
		Failed:                m.failed.Load(),
		Rejected:              m.rejected.Load(),
		RejectedByConcurrency: m.rejectedByConcurrency.Load(),
		InFlight:              m.inFlight.Load(),
		QueueDepth:            int64(len(m.queue)),
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for task := range m.queue {
		m.inFlight.Add(1)
		if err := m.run(task); err != nil {
			m.failed.Add(1)
			if m.cfg.OnError != nil {
				m.cfg.OnError(task, err)
			}
		}
		if task.MaxOutstanding > 0 {
			m.releaseOutstanding(outstandingKeyForTask(task))
		}
		m.completed.Add(1)
		m.inFlight.Add(-1)
		m.pending.Done()
	}
}

func (m *Manager) run(task Task) (err error) {
	ctx := m.ctx
	if m.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Run(ctx)
}

func (m *Manager) reserveOutstanding(key string, maxOutstanding int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.outstandingByKey[key] >= maxOutstanding {
		return false
	}
	m.outstandingByKey[key]++
	return true
}

func (m *Manager) releaseOutstanding(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.outstandingByKey[key]
	if current <= 1 {
		delete(m.outstandingByKey, key)
		return
	}
	m.outstandingByKey[key] = current - 1
}

func outstandingKeyForTask(task Task) string {
	if key := strings.TrimSpace(task.FairnessKey); key != "" {
		return key
	}
	return task.ID
}
