// Package session owns live calls: one goroutine per call consumes that
// call's events in order, while different calls run independently.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/observability/telemetry"
	"github.com/tiger/outreach-voice-engine/internal/runtime/cancellation"
	"github.com/tiger/outreach-voice-engine/internal/runtime/guardrail"
	"github.com/tiger/outreach-voice-engine/internal/runtime/phase"
	"github.com/tiger/outreach-voice-engine/internal/runtime/resolver"
	"github.com/tiger/outreach-voice-engine/internal/runtime/responsecache"
)

// Disconnect reasons set by the engine itself.
const (
	ReasonOptOut               = "opt_out"
	ReasonSynthesisUnavailable = "synthesis_unavailable"
	ReasonEngineShutdown       = "engine_shutdown"
	ReasonGatewayHangup        = "gateway_hangup"
)

const (
	defaultMinConfidence       = 0.45
	defaultSynthesisRetryDelay = 750 * time.Millisecond
	defaultMailboxSize         = 16
	defaultPersistTimeout      = 5 * time.Second
	defaultOpeningLine         = "Hi {{lead_name}}, this is {{persona_name}}. Do you have a quick minute?"
)

// Resolver produces the reply for one utterance.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (resolver.Resolution, error)
}

// Synthesizer turns reply text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, sessionID, turnID, text string, persona callengine.Persona) (callengine.SynthesizedAudio, error)
}

// Augmenter decorates a reply before synthesis.
type Augmenter interface {
	Augment(reply, utterance string, p callengine.Phase) string
}

// AnalysisQueue accepts finished calls for post-call analysis.
type AnalysisQueue interface {
	Enqueue(record callengine.CallRecord, lead callengine.Lead) error
}

// Config wires the engine. Everything in it is shared read-only by all calls.
type Config struct {
	Resolver    Resolver
	Synthesizer Synthesizer
	Gateway     callengine.Gateway
	Store       callengine.RecordStore

	// Optional collaborators.
	Fillers    Augmenter
	Cache      *responsecache.Cache
	Normalizer *guardrail.Normalizer
	Loader     callengine.ContextLoader
	Analysis   AnalysisQueue
	Fence      *cancellation.Fence
	Emitter    telemetry.Emitter

	// MinConfidence is the transcription confidence below which the agent
	// asks the prospect to repeat.
	MinConfidence       float64
	SynthesisRetryDelay time.Duration
	MailboxSize         int
	PersistTimeout      time.Duration
	Now                 func() time.Time
}

// CallSession is a point-in-time copy of one live call.
type CallSession struct {
	ID         string
	State      phase.State
	Persona    callengine.Persona
	Script     callengine.ScriptContext
	Lead       callengine.Lead
	Transcript callengine.Transcript
	TurnCount  int
	StartedAt  time.Time
}

// Phase is the current dialogue phase.
func (s CallSession) Phase() callengine.Phase {
	return s.State.Current
}

// Engine routes gateway events to per-call workers.
type Engine struct {
	cfg Config

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	calls  map[string]*call
	closed bool
	wg     sync.WaitGroup
}

// NewEngine validates configuration and applies defaults.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Resolver == nil || cfg.Synthesizer == nil {
		return nil, fmt.Errorf("resolver and synthesizer are required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if cfg.Normalizer == nil {
		normalizer := guardrail.DefaultNormalizer()
		cfg.Normalizer = &normalizer
	}
	if cfg.Fence == nil {
		cfg.Fence = cancellation.NewFence()
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = defaultMinConfidence
	}
	if cfg.SynthesisRetryDelay <= 0 {
		cfg.SynthesisRetryDelay = defaultSynthesisRetryDelay
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		base:   base,
		cancel: cancel,
		calls:  map[string]*call{},
	}, nil
}

// OnCallAnswered registers a call and speaks its opening line.
func (e *Engine) OnCallAnswered(ctx context.Context, start callengine.CallStart) error {
	start.SessionID = strings.TrimSpace(start.SessionID)
	if err := start.Validate(); err != nil {
		return err
	}
	if e.cfg.Loader != nil && (start.Lead.ID != "" || start.Script.ScriptID != "") {
		script, lead, err := e.cfg.Loader.LoadCallContext(ctx, start.Lead.ID, start.Script.ScriptID)
		switch {
		case err == nil:
			start.Script = mergeScript(start.Script, script)
			start.Lead = mergeLead(start.Lead, lead)
		case strings.TrimSpace(start.Script.OpeningLine) != "" && strings.TrimSpace(start.Lead.Name) != "":
			// The gateway sent the material inline; the store is only a supplement.
			telemetry.OrDefault(e.cfg.Emitter).EmitLog("call_context_unavailable", "warn", err.Error(), nil,
				telemetry.Correlation{SessionID: start.SessionID, EmittedBy: "session"})
		default:
			return fmt.Errorf("load call context: %w", err)
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine is shut down")
	}
	if _, exists := e.calls[start.SessionID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("call %s is already active", start.SessionID)
	}
	c := newCall(e, start)
	e.calls[start.SessionID] = c
	e.wg.Add(1)
	e.mu.Unlock()

	c.mailbox <- event{kind: eventAnswered, received: e.cfg.Now()}
	go c.run()
	return nil
}

// OnUtterance queues one transcribed prospect utterance. It blocks while the
// call's mailbox is full.
func (e *Engine) OnUtterance(ctx context.Context, sessionID string, utterance callengine.Utterance) error {
	c, err := e.lookup(sessionID)
	if err != nil {
		return err
	}
	select {
	case <-c.endCh:
		return callengine.ErrSessionEnded
	default:
	}
	select {
	case c.mailbox <- event{kind: eventUtterance, utterance: utterance, received: e.cfg.Now()}:
		return nil
	case <-c.endCh:
		return callengine.ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnCallEnded fences the call, cancels anything in flight and finalizes it.
// It returns once the call record is persisted or ctx expires.
func (e *Engine) OnCallEnded(ctx context.Context, sessionID, reason string) error {
	c, err := e.lookup(sessionID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		reason = ReasonGatewayHangup
	}
	e.end(c, reason)
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of a live call.
func (e *Engine) Snapshot(sessionID string) (CallSession, error) {
	c, err := e.lookup(sessionID)
	if err != nil {
		return CallSession{}, err
	}
	return c.snapshot(), nil
}

// Active reports the number of live calls.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// Shutdown ends every live call and waits for them to be finalized.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	live := make([]*call, 0, len(e.calls))
	for _, c := range e.calls {
		live = append(live, c)
	}
	e.mu.Unlock()
	for _, c := range live {
		e.end(c, ReasonEngineShutdown)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}
}

func (e *Engine) lookup(sessionID string) (*call, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[strings.TrimSpace(sessionID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", callengine.ErrSessionNotFound, sessionID)
	}
	return c, nil
}

func (e *Engine) end(c *call, reason string) {
	_ = e.cfg.Fence.AcceptSession(c.id)
	c.end(reason)
}

func (e *Engine) remove(c *call) {
	e.mu.Lock()
	if e.calls[c.id] == c {
		delete(e.calls, c.id)
	}
	e.mu.Unlock()
	e.cfg.Fence.Release(c.id)
	e.wg.Done()
}

func mergeScript(given, loaded callengine.ScriptContext) callengine.ScriptContext {
	if given.ScriptID == "" {
		given.ScriptID = loaded.ScriptID
	}
	if given.OpeningLine == "" {
		given.OpeningLine = loaded.OpeningLine
	}
	if given.AgentName == "" {
		given.AgentName = loaded.AgentName
	}
	if given.ProductName == "" {
		given.ProductName = loaded.ProductName
	}
	if len(given.ProductSnippet) == 0 {
		given.ProductSnippet = loaded.ProductSnippet
	}
	return given
}

func mergeLead(given, loaded callengine.Lead) callengine.Lead {
	if given.ID == "" {
		given.ID = loaded.ID
	}
	if given.Name == "" {
		given.Name = loaded.Name
	}
	if given.Company == "" {
		given.Company = loaded.Company
	}
	if given.Email == "" {
		given.Email = loaded.Email
	}
	return given
}
