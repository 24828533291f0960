package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/observability/telemetry"
	"github.com/tiger/outreach-voice-engine/internal/runtime/guardrail"
	"github.com/tiger/outreach-voice-engine/internal/runtime/phase"
	"github.com/tiger/outreach-voice-engine/internal/runtime/resolver"
	"github.com/tiger/outreach-voice-engine/internal/runtime/responsecache"
)

var errFenced = errors.New("turn output fenced")

type eventKind int

const (
	eventAnswered eventKind = iota
	eventUtterance
)

type event struct {
	kind      eventKind
	utterance callengine.Utterance
	received  time.Time
}

// call is the worker for one live call. Only run mutates view; mu exists so
// Snapshot can read concurrently.
type call struct {
	engine     *Engine
	id         string
	scriptName string

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan event

	endOnce sync.Once
	endCh   chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	view      CallSession
	endReason string
	seq       int
}

func newCall(e *Engine, start callengine.CallStart) *call {
	ctx, cancel := context.WithCancel(e.base)
	scriptName := guardrail.AgentName(start.Script, start.Lead)
	return &call{
		engine:     e,
		id:         start.SessionID,
		scriptName: scriptName,
		ctx:        ctx,
		cancel:     cancel,
		mailbox:    make(chan event, e.cfg.MailboxSize),
		endCh:      make(chan struct{}),
		done:       make(chan struct{}),
		view: CallSession{
			ID:        start.SessionID,
			State:     phase.Initial(),
			Persona:   start.Persona,
			Script:    start.Script,
			Lead:      start.Lead,
			StartedAt: e.cfg.Now(),
		},
	}
}

func (c *call) end(reason string) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.endReason = reason
		c.mu.Unlock()
		close(c.endCh)
		c.cancel()
	})
}

func (c *call) run() {
	defer close(c.done)
	defer c.engine.remove(c)
	for {
		select {
		case <-c.endCh:
			c.finalize()
			return
		default:
		}
		select {
		case <-c.endCh:
			c.finalize()
			return
		case ev := <-c.mailbox:
			var reason string
			switch ev.kind {
			case eventAnswered:
				reason = c.handleAnswered()
			case eventUtterance:
				reason = c.handleUtterance(ev)
			}
			if reason != "" {
				c.hangUp(reason)
			}
		}
	}
}

func (c *call) handleAnswered() string {
	opening := c.view.Script.OpeningLine
	if strings.TrimSpace(opening) == "" {
		opening = defaultOpeningLine
	}
	filled, _ := responsecache.Fill(opening, c.fillContext())
	text := c.engine.cfg.Normalizer.Normalize(filled, c.view.Persona, c.scriptName)
	return c.speakOrGiveUp(c.nextTurnID(), text, time.Time{})
}

func (c *call) handleUtterance(ev event) string {
	text := strings.TrimSpace(ev.utterance.Text)
	turnID := c.nextTurnID()
	c.append(callengine.SpeakerProspect, text)

	if text == "" || ev.utterance.Confidence < c.engine.cfg.MinConfidence {
		reply, ok := c.engine.cfg.Cache.Pick(responsecache.RuleRepeatRequest, c.fillContext())
		if !ok {
			reply = "Sorry, you cut out for a second there. Could you say that again?"
		}
		c.emitLog("low_confidence_utterance", "info", "asking prospect to repeat", map[string]string{
			"confidence": strconv.FormatFloat(ev.utterance.Confidence, 'f', 2, 64),
		}, turnID)
		return c.speakOrGiveUp(turnID, reply, ev.received)
	}

	c.mu.Lock()
	c.view.TurnCount++
	req := resolver.Request{
		SessionID: c.id,
		TurnID:    turnID,
		Utterance: callengine.Utterance{Text: text, Confidence: ev.utterance.Confidence},
		State:     c.view.State,
		TurnCount: c.view.TurnCount,
		Persona:   c.view.Persona,
		Script:    c.view.Script,
		Lead:      c.view.Lead,
		History:   c.view.Transcript[:len(c.view.Transcript)-1].Clone(),
	}
	c.mu.Unlock()

	resolution, err := c.engine.cfg.Resolver.Resolve(c.ctx, req)
	if err != nil {
		if c.ctx.Err() != nil {
			return ""
		}
		c.emitLog("resolve_failed", "warn", err.Error(), nil, turnID)
		return c.speakOrGiveUp(turnID, resolver.NeutralAcknowledgment(req.State.Current), ev.received)
	}

	reply := resolution.Reply.Text
	if c.engine.cfg.Fillers != nil {
		reply = c.engine.cfg.Fillers.Augment(reply, text, resolution.Next.Current)
	}

	c.mu.Lock()
	c.view.State = resolution.Next
	c.mu.Unlock()

	c.emitLog("turn_resolved", "debug", "reply resolved", map[string]string{
		"source_tier": string(resolution.Reply.SourceTier),
		"phase":       string(resolution.Next.Current),
		"guardrail":   strconv.FormatBool(resolution.Reply.GuardrailTriggered),
	}, turnID)

	if reason := c.speakOrGiveUp(turnID, reply, ev.received); reason != "" {
		return reason
	}
	if resolution.Next.Current == callengine.PhaseEnded {
		return ReasonOptOut
	}
	return ""
}

// speakOrGiveUp synthesizes and plays text. It returns a disconnect reason
// when synthesis stayed unavailable after one retry.
func (c *call) speakOrGiveUp(turnID, text string, received time.Time) string {
	err := c.speak(turnID, text)
	if errors.Is(err, callengine.ErrSynthesisUnavailable) {
		c.emitLog("synthesis_retry", "warn", err.Error(), nil, turnID)
		timer := time.NewTimer(c.engine.cfg.SynthesisRetryDelay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return ""
		case <-timer.C:
		}
		err = c.speak(turnID, text)
		if errors.Is(err, callengine.ErrSynthesisUnavailable) {
			c.emitLog("synthesis_gave_up", "error", err.Error(), nil, turnID)
			return ReasonSynthesisUnavailable
		}
	}
	if err != nil {
		if c.ctx.Err() == nil && !errors.Is(err, errFenced) {
			c.emitLog("play_audio_failed", "warn", err.Error(), nil, turnID)
		}
		return ""
	}
	if !received.IsZero() {
		telemetry.OrDefault(c.engine.cfg.Emitter).EmitMetric(telemetry.MetricTurnLatencyMS,
			float64(c.engine.cfg.Now().Sub(received).Milliseconds()), "ms", nil, c.correlation(turnID))
	}
	return ""
}

func (c *call) speak(turnID, text string) error {
	audio, err := c.engine.cfg.Synthesizer.Synthesize(c.ctx, c.id, turnID, text, c.view.Persona)
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil || c.engine.cfg.Fence.IsFenced(c.id, turnID) {
		return errFenced
	}
	if err := c.engine.cfg.Gateway.PlayAudio(c.ctx, c.id, audio); err != nil {
		return err
	}
	if audio.Text != "" {
		text = audio.Text
	}
	c.append(callengine.SpeakerAgent, text)
	return nil
}

func (c *call) hangUp(reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.engine.cfg.PersistTimeout)
	defer cancel()
	if err := c.engine.cfg.Gateway.HangUp(ctx, c.id); err != nil {
		c.emitLog("hang_up_failed", "warn", err.Error(), nil, "")
	}
	c.engine.end(c, reason)
}

func (c *call) finalize() {
	now := c.engine.cfg.Now()
	c.mu.Lock()
	finalPhase := c.view.State.Current
	c.view.State = phase.Hangup(c.view.State)
	record := callengine.CallRecord{
		CallID:           c.id,
		LeadID:           c.view.Lead.ID,
		ScriptID:         c.view.Script.ScriptID,
		Persona:          c.view.Persona,
		Transcript:       c.view.Transcript.Clone(),
		StartedAt:        c.view.StartedAt,
		EndedAt:          now,
		Duration:         now.Sub(c.view.StartedAt),
		DisconnectReason: c.endReason,
		FinalPhase:       finalPhase,
	}
	lead := c.view.Lead
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), c.engine.cfg.PersistTimeout)
	defer cancel()
	if err := c.engine.cfg.Store.SaveCall(ctx, record); err != nil {
		c.emitLog("save_call_failed", "error", err.Error(), nil, "")
		return
	}
	if c.engine.cfg.Analysis != nil {
		if err := c.engine.cfg.Analysis.Enqueue(record, lead); err != nil {
			c.emitLog("analysis_enqueue_failed", "error", err.Error(), nil, "")
		}
	}
	c.emitLog("call_finalized", "info", "call record saved", map[string]string{
		"reason":      record.DisconnectReason,
		"final_phase": string(record.FinalPhase),
		"entries":     strconv.Itoa(len(record.Transcript)),
		"duration_ms": strconv.FormatInt(record.Duration.Milliseconds(), 10),
	}, "")
}

func (c *call) append(speaker callengine.Speaker, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view.Transcript = append(c.view.Transcript, callengine.TranscriptEntry{
		Speaker:   speaker,
		Text:      text,
		Timestamp: c.engine.cfg.Now(),
	})
}

func (c *call) nextTurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return "turn-" + strconv.Itoa(c.seq)
}

func (c *call) snapshot() CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.view
	out.Transcript = c.view.Transcript.Clone()
	out.Script.ProductSnippet = append([]string(nil), c.view.Script.ProductSnippet...)
	return out
}

func (c *call) fillContext() responsecache.Context {
	return responsecache.Context{
		PersonaName: c.view.Persona.Name,
		LeadName:    c.view.Lead.Name,
		LeadEmail:   c.view.Lead.Email,
		CompanyName: c.view.Lead.Company,
		ProductName: c.view.Script.ProductName,
	}
}

func (c *call) correlation(turnID string) telemetry.Correlation {
	c.mu.Lock()
	current := c.view.State.Current
	c.mu.Unlock()
	return telemetry.Correlation{
		SessionID: c.id,
		TurnID:    turnID,
		Phase:     string(current),
		EmittedBy: "session",
	}
}

func (c *call) emitLog(name, severity, message string, attrs map[string]string, turnID string) {
	telemetry.OrDefault(c.engine.cfg.Emitter).EmitLog(name, severity, message, attrs, c.correlation(turnID))
}
