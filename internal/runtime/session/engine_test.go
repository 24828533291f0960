package session

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/observability/telemetry"
	"github.com/tiger/outreach-voice-engine/internal/runtime/guardrail"
	"github.com/tiger/outreach-voice-engine/internal/runtime/phase"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/contracts"
	"github.com/tiger/outreach-voice-engine/internal/runtime/provider/invocation"
	"github.com/tiger/outreach-voice-engine/internal/runtime/resolver"
	"github.com/tiger/outreach-voice-engine/internal/runtime/responsecache"
	"github.com/tiger/outreach-voice-engine/internal/runtime/synthesis"
)

const waitFor = 2 * time.Second

type fakeGateway struct {
	mu      sync.Mutex
	plays   map[string]chan string
	hangups chan string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{plays: map[string]chan string{}, hangups: make(chan string, 8)}
}

func (g *fakeGateway) played(sessionID string) chan string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.plays[sessionID]
	if !ok {
		ch = make(chan string, 32)
		g.plays[sessionID] = ch
	}
	return ch
}

func (g *fakeGateway) PlayAudio(_ context.Context, sessionID string, audio callengine.SynthesizedAudio) error {
	g.played(sessionID) <- string(audio.Audio)
	return nil
}

func (g *fakeGateway) HangUp(_ context.Context, sessionID string) error {
	g.hangups <- sessionID
	return nil
}

type fakeStore struct {
	saved chan callengine.CallRecord
}

func (s *fakeStore) SaveCall(_ context.Context, record callengine.CallRecord) error {
	s.saved <- record
	return nil
}
func (s *fakeStore) SaveAnalysis(context.Context, string, callengine.CallAnalysis) error { return nil }
func (s *fakeStore) UpdateLead(context.Context, string, callengine.LeadUpdate) error     { return nil }

type fakeQueue struct {
	mu      sync.Mutex
	records []callengine.CallRecord
}

func (q *fakeQueue) Enqueue(record callengine.CallRecord, _ callengine.Lead) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, record)
	return nil
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

type fakeLoader struct{}

func (fakeLoader) LoadCallContext(_ context.Context, leadID, _ string) (callengine.ScriptContext, callengine.Lead, error) {
	return callengine.ScriptContext{
			ScriptID:    "script-7",
			OpeningLine: "Hi {{lead_name}}, this is Alex with Outreach Labs. Do you have a quick minute?",
			AgentName:   "Alex",
			ProductName: "Outreach Labs",
		}, callengine.Lead{
			ID:      leadID,
			Name:    "Dana Whitfield",
			Company: "Brightside",
			Email:   "dana@brightside.io",
		}, nil
}

type harness struct {
	engine   *Engine
	gateway  *fakeGateway
	store    *fakeStore
	queue    *fakeQueue
	ttsFail  atomic.Bool
	ttsCalls atomic.Int32
	recorder *telemetry.Recorder
}

type harnessConfig struct {
	maxChars int
	resolver Resolver
}

func newHarness(t *testing.T, llm func(context.Context, contracts.InvocationRequest) (contracts.Outcome, error)) *harness {
	t.Helper()
	return newHarnessWith(t, llm, harnessConfig{})
}

func newHarnessWith(t *testing.T, llm func(context.Context, contracts.InvocationRequest) (contracts.Outcome, error), hc harnessConfig) *harness {
	t.Helper()
	h := &harness{
		gateway:  newFakeGateway(),
		store:    &fakeStore{saved: make(chan callengine.CallRecord, 4)},
		queue:    &fakeQueue{},
		recorder: telemetry.NewRecorder(),
	}
	controller := invocation.NewControllerWithConfig(invocation.Config{Emitter: h.recorder})

	res, err := resolver.New(resolver.Config{
		Tiers: []resolver.TierSpec{{
			Tier:       callengine.TierFast,
			Candidates: []invocation.Candidate{{Adapter: contracts.StaticAdapter{ID: "llm-fast", Mode: contracts.ModalityLLM, InvokeFn: llm}, Timeout: 5 * time.Second}},
			MaxWords:   30,
			MaxTokens:  80,
		}},
		Invoker:    controller,
		Guardrails: guardrail.UtteranceTaxonomy(),
		Normalizer: guardrail.DefaultNormalizer(),
		Cache:      responsecache.New(responsecache.DefaultTable(), rand.NewSource(11)),
		Phases:     phase.DefaultMachine(),
		Emitter:    h.recorder,
	})
	if err != nil {
		t.Fatalf("unexpected resolver error: %v", err)
	}

	tts := contracts.StaticAdapter{
		ID:   "tts-primary",
		Mode: contracts.ModalityTTS,
		InvokeFn: func(_ context.Context, req contracts.InvocationRequest) (contracts.Outcome, error) {
			h.ttsCalls.Add(1)
			if h.ttsFail.Load() {
				return contracts.Outcome{}, errors.New("synthesis backend down")
			}
			return contracts.Outcome{Class: contracts.OutcomeSuccess, Audio: []byte(req.Text), MimeType: "text/plain"}, nil
		},
	}
	synth, err := synthesis.New(synthesis.Config{
		Providers: []invocation.Candidate{{Adapter: tts, Timeout: time.Second}},
		Invoker:   controller,
		MaxChars:  hc.maxChars,
		Emitter:   h.recorder,
	})
	if err != nil {
		t.Fatalf("unexpected synthesis error: %v", err)
	}

	var engineResolver Resolver = res
	if hc.resolver != nil {
		engineResolver = hc.resolver
	}
	h.engine, err = NewEngine(Config{
		Resolver:            engineResolver,
		Synthesizer:         synth,
		Gateway:             h.gateway,
		Store:               h.store,
		Cache:               responsecache.New(responsecache.DefaultTable(), rand.NewSource(3)),
		Loader:              fakeLoader{},
		Analysis:            h.queue,
		Emitter:             h.recorder,
		SynthesisRetryDelay: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.engine.Shutdown(ctx)
	})
	return h
}

func (h *harness) answer(t *testing.T, sessionID string) string {
	t.Helper()
	err := h.engine.OnCallAnswered(context.Background(), callengine.CallStart{
		SessionID: sessionID,
		Persona:   callengine.Persona{Name: "Arabella"},
		Lead:      callengine.Lead{ID: "lead-" + sessionID},
	})
	if err != nil {
		t.Fatalf("unexpected answer error: %v", err)
	}
	return h.nextPlay(t, sessionID)
}

func (h *harness) say(t *testing.T, sessionID, text string, confidence float64) {
	t.Helper()
	if err := h.engine.OnUtterance(context.Background(), sessionID, callengine.Utterance{Text: text, Confidence: confidence}); err != nil {
		t.Fatalf("unexpected utterance error: %v", err)
	}
}

func (h *harness) nextPlay(t *testing.T, sessionID string) string {
	t.Helper()
	select {
	case text := <-h.gateway.played(sessionID):
		return text
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for audio on %s", sessionID)
		return ""
	}
}

func (h *harness) savedRecord(t *testing.T) callengine.CallRecord {
	t.Helper()
	select {
	case record := <-h.store.saved:
		return record
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for call record")
		return callengine.CallRecord{}
	}
}

func replyWith(text string) func(context.Context, contracts.InvocationRequest) (contracts.Outcome, error) {
	return func(context.Context, contracts.InvocationRequest) (contracts.Outcome, error) {
		return contracts.Outcome{Class: contracts.OutcomeSuccess, Text: text}, nil
	}
}

func TestCallFlowOpeningTurnsAndFinalize(t *testing.T) {
	t.Parallel()

	h := newHarness(t, replyWith("Alex here. That sounds painful, how many reps are dialing today?"))

	opening := h.answer(t, "call-1")
	if opening != "Hi Dana, this is Arabella with Outreach Labs. Do you have a quick minute?" {
		t.Fatalf("unexpected opening %q", opening)
	}

	h.say(t, "call-1", "yeah sure", 0.92)
	h.nextPlay(t, "call-1")
	snap, err := h.engine.Snapshot("call-1")
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	if snap.Phase() != callengine.PhaseDiscovery {
		t.Fatalf("expected cached affirmative to move rapport -> discovery, got %s", snap.Phase())
	}

	h.say(t, "call-1", "We mostly work off spreadsheets", 0.88)
	reply := h.nextPlay(t, "call-1")
	if strings.Contains(reply, "Alex") || !strings.Contains(reply, "Arabella") {
		t.Fatalf("expected persona name override, got %q", reply)
	}

	snap, err = h.engine.Snapshot("call-1")
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	if len(snap.Transcript) != 5 || snap.TurnCount != 2 {
		t.Fatalf("expected 5 entries over 2 turns, got %d/%d", len(snap.Transcript), snap.TurnCount)
	}
	snap.Transcript[0].Text = "mutated"

	if err := h.engine.OnCallEnded(context.Background(), "call-1", "prospect_hangup"); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	record := h.savedRecord(t)
	if record.DisconnectReason != "prospect_hangup" || record.FinalPhase != callengine.PhaseDiscovery {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.LeadID != "lead-call-1" || record.ScriptID != "script-7" {
		t.Fatalf("expected loaded context on record, got lead=%s script=%s", record.LeadID, record.ScriptID)
	}
	if record.Transcript[0].Text != opening {
		t.Fatalf("snapshot must not alias the live transcript")
	}
	wantSpeakers := []callengine.Speaker{
		callengine.SpeakerAgent, callengine.SpeakerProspect, callengine.SpeakerAgent,
		callengine.SpeakerProspect, callengine.SpeakerAgent,
	}
	for i, entry := range record.Transcript {
		if entry.Speaker != wantSpeakers[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, wantSpeakers[i], entry.Speaker)
		}
	}
	if h.queue.len() != 1 {
		t.Fatalf("expected analysis to be enqueued")
	}
	if h.engine.Active() != 0 {
		t.Fatalf("expected session to be discarded")
	}
	if _, err := h.engine.Snapshot("call-1"); !errors.Is(err, callengine.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if got := len(h.recorder.Sink.Metrics(telemetry.MetricTurnLatencyMS)); got != 2 {
		t.Fatalf("expected 2 turn latency samples, got %d", got)
	}
}

func TestTranscriptRecordsVoicedText(t *testing.T) {
	t.Parallel()

	long := "We help teams like yours dial faster. Reps spend less time on spreadsheets and more time talking with buyers who want to hear from them."
	h := newHarnessWith(t, replyWith(long), harnessConfig{maxChars: 60})
	h.answer(t, "call-voiced")

	h.say(t, "call-voiced", "We mostly work off spreadsheets", 0.9)
	voiced := h.nextPlay(t, "call-voiced")
	if len([]rune(voiced)) > 61 || voiced == long {
		t.Fatalf("expected capped reply, got %q", voiced)
	}

	if err := h.engine.OnCallEnded(context.Background(), "call-voiced", "prospect_hangup"); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	record := h.savedRecord(t)
	last := record.Transcript[len(record.Transcript)-1]
	if last.Speaker != callengine.SpeakerAgent || last.Text != voiced {
		t.Fatalf("expected transcript to hold voiced text %q, got %+v", voiced, last)
	}
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, resolver.Request) (resolver.Resolution, error) {
	return resolver.Resolution{}, errors.New("prompt template exploded")
}

func TestResolveErrorSpeaksNeutralAcknowledgment(t *testing.T) {
	t.Parallel()

	h := newHarnessWith(t, replyWith("unused"), harnessConfig{resolver: failingResolver{}})
	h.answer(t, "call-neutral")

	h.say(t, "call-neutral", "We mostly work off spreadsheets", 0.9)
	reply := h.nextPlay(t, "call-neutral")
	if want := resolver.NeutralAcknowledgment(callengine.PhaseRapport); reply != want {
		t.Fatalf("expected neutral acknowledgment %q, got %q", want, reply)
	}
	snap, err := h.engine.Snapshot("call-neutral")
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	if snap.Phase() != callengine.PhaseRapport || len(snap.Transcript) != 3 {
		t.Fatalf("expected phase kept and reply recorded, got %s with %d entries", snap.Phase(), len(snap.Transcript))
	}
	logs := h.recorder.Sink.Logs("resolve_failed")
	if len(logs) != 1 || logs[0].Log.Severity != "warn" {
		t.Fatalf("expected one resolve_failed warning, got %+v", logs)
	}
}

func TestLowConfidenceAsksToRepeatWithoutPhaseChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, replyWith("unused"))
	h.answer(t, "call-2")

	h.say(t, "call-2", "yes", 0.2)
	reply := h.nextPlay(t, "call-2")
	if !strings.Contains(reply, "repeat") && !strings.Contains(reply, "one more time") {
		t.Fatalf("expected repeat request, got %q", reply)
	}
	snap, err := h.engine.Snapshot("call-2")
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	if snap.Phase() != callengine.PhaseRapport || snap.TurnCount != 0 {
		t.Fatalf("expected no phase change, got %s turn=%d", snap.Phase(), snap.TurnCount)
	}
	if len(snap.Transcript) != 3 {
		t.Fatalf("expected prospect and agent entries appended, got %d", len(snap.Transcript))
	}
}

func TestOptOutSaysGoodbyeThenHangsUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, replyWith("unused"))
	h.answer(t, "call-3")

	h.say(t, "call-3", "Please take me off your list", 0.95)
	goodbye := h.nextPlay(t, "call-3")
	if goodbye == "" {
		t.Fatalf("expected goodbye audio")
	}
	select {
	case id := <-h.gateway.hangups:
		if id != "call-3" {
			t.Fatalf("unexpected hang up for %s", id)
		}
	case <-time.After(waitFor):
		t.Fatalf("expected hang up after goodbye")
	}
	record := h.savedRecord(t)
	if record.DisconnectReason != ReasonOptOut || record.FinalPhase != callengine.PhaseEnded {
		t.Fatalf("unexpected record %+v", record)
	}
	if last := record.Transcript[len(record.Transcript)-1]; last.Speaker != callengine.SpeakerAgent || last.Text != goodbye {
		t.Fatalf("expected goodbye as final entry, got %+v", last)
	}
}

func TestSynthesisUnavailableRetriesOnceThenHangsUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, replyWith("unused"))
	h.ttsFail.Store(true)
	if err := h.engine.OnCallAnswered(context.Background(), callengine.CallStart{
		SessionID: "call-4",
		Persona:   callengine.Persona{Name: "Arabella"},
	}); err != nil {
		t.Fatalf("unexpected answer error: %v", err)
	}

	record := h.savedRecord(t)
	if record.DisconnectReason != ReasonSynthesisUnavailable {
		t.Fatalf("expected synthesis_unavailable, got %q", record.DisconnectReason)
	}
	if got := h.ttsCalls.Load(); got != 2 {
		t.Fatalf("expected exactly one retry, got %d synth calls", got)
	}
	select {
	case <-h.gateway.hangups:
	default:
		t.Fatalf("expected graceful hang up")
	}
	if len(record.Transcript) != 0 {
		t.Fatalf("unspoken replies must not be recorded, got %+v", record.Transcript)
	}
}

func TestCallEndedMidTurnDiscardsInFlightReply(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	h := newHarness(t, func(ctx context.Context, _ contracts.InvocationRequest) (contracts.Outcome, error) {
		started <- struct{}{}
		<-ctx.Done()
		return contracts.Outcome{Class: contracts.OutcomeSuccess, Text: "late reply"}, nil
	})
	h.answer(t, "call-5")
	h.say(t, "call-5", "We mostly work off spreadsheets", 0.9)
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatalf("expected inference to start")
	}

	begin := time.Now()
	if err := h.engine.OnCallEnded(context.Background(), "call-5", "prospect_hangup"); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("expected prompt finalize, took %s", elapsed)
	}
	record := h.savedRecord(t)
	if last := record.Transcript[len(record.Transcript)-1]; last.Speaker != callengine.SpeakerProspect {
		t.Fatalf("expected in-flight reply to be discarded, last entry %+v", last)
	}
	select {
	case text := <-h.gateway.played("call-5"):
		t.Fatalf("unexpected audio after call end: %q", text)
	case <-time.After(50 * time.Millisecond):
	}
	if err := h.engine.OnUtterance(context.Background(), "call-5", callengine.Utterance{Text: "hello?", Confidence: 1}); !errors.Is(err, callengine.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after finalize, got %v", err)
	}
}

func TestSessionsRunIndependently(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, req contracts.InvocationRequest) (contracts.Outcome, error) {
		if req.SessionID == "call-a" {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return contracts.Outcome{Class: contracts.OutcomeSuccess, Text: "Got it, what does your team use today?"}, nil
	})
	h.answer(t, "call-a")
	h.answer(t, "call-b")

	h.say(t, "call-a", "We mostly work off spreadsheets", 0.9)
	h.say(t, "call-b", "We mostly work off spreadsheets", 0.9)
	if reply := h.nextPlay(t, "call-b"); reply == "" {
		t.Fatalf("expected call-b reply while call-a is blocked")
	}

	close(release)
	if reply := h.nextPlay(t, "call-a"); reply == "" {
		t.Fatalf("expected call-a reply after release")
	}
}

func TestEngineRejectsBadEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, replyWith("unused"))
	if err := h.engine.OnCallAnswered(context.Background(), callengine.CallStart{Persona: callengine.Persona{Name: "Arabella"}}); err == nil {
		t.Fatalf("expected missing session id to fail")
	}
	h.answer(t, "call-6")
	if err := h.engine.OnCallAnswered(context.Background(), callengine.CallStart{SessionID: "call-6", Persona: callengine.Persona{Name: "Arabella"}}); err == nil {
		t.Fatalf("expected duplicate session to fail")
	}
	if err := h.engine.OnUtterance(context.Background(), "missing", callengine.Utterance{Text: "hi"}); !errors.Is(err, callengine.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := h.engine.OnCallEnded(context.Background(), "missing", ""); !errors.Is(err, callengine.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestShutdownFinalizesLiveCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, replyWith("unused"))
	h.answer(t, "call-7")
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := h.engine.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if record := h.savedRecord(t); record.DisconnectReason != ReasonEngineShutdown {
		t.Fatalf("unexpected reason %q", record.DisconnectReason)
	}
	if err := h.engine.OnCallAnswered(context.Background(), callengine.CallStart{SessionID: "call-8", Persona: callengine.Persona{Name: "Arabella"}}); err == nil {
		t.Fatalf("expected answered after shutdown to fail")
	}
}
