package postcall

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/internal/observability/telemetry"
	"github.com/tiger/outreach-voice-engine/internal/runtime/executionpool"
)

const fairnessKey = "postcall"

// CallAnalyzer is implemented by Analyzer.
type CallAnalyzer interface {
	Analyze(ctx context.Context, callID string, transcript callengine.Transcript, leadName, companyName string) (callengine.CallAnalysis, error)
}

// WorkerConfig wires a Worker.
type WorkerConfig struct {
	Analyzer CallAnalyzer
	Store    callengine.RecordStore
	Pool     *executionpool.Manager
	// MaxOutstanding caps queued plus running analyses; zero is unlimited.
	MaxOutstanding int
	Emitter        telemetry.Emitter
	Now            func() time.Time
}

// Worker runs analyses on the execution pool so call teardown never waits
// on inference.
type Worker struct {
	cfg WorkerConfig
}

// NewWorker validates configuration.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Analyzer == nil || cfg.Store == nil || cfg.Pool == nil {
		return nil, fmt.Errorf("analyzer, store and pool are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{cfg: cfg}, nil
}

// Enqueue schedules analysis of a finished call.
func (w *Worker) Enqueue(record callengine.CallRecord, lead callengine.Lead) error {
	return w.cfg.Pool.Submit(executionpool.Task{
		ID:             "analysis/" + record.CallID,
		FairnessKey:    fairnessKey,
		MaxOutstanding: w.cfg.MaxOutstanding,
		Run: func(ctx context.Context) error {
			return w.Process(ctx, record, lead)
		},
	})
}

// Process analyzes one call and persists the outcome. A degraded analysis is
// still persisted.
func (w *Worker) Process(ctx context.Context, record callengine.CallRecord, lead callengine.Lead) error {
	emitter := telemetry.OrDefault(w.cfg.Emitter)
	correlation := telemetry.Correlation{SessionID: record.CallID, EmittedBy: "postcall"}

	analysis, err := w.cfg.Analyzer.Analyze(ctx, record.CallID, record.Transcript, lead.Name, lead.Company)
	if err != nil && !IsDegraded(err) {
		return fmt.Errorf("analyze call %s: %w", record.CallID, err)
	}
	if err := w.cfg.Store.SaveAnalysis(ctx, record.CallID, analysis); err != nil {
		return fmt.Errorf("save analysis for call %s: %w", record.CallID, err)
	}

	leadID := record.LeadID
	if leadID == "" {
		leadID = lead.ID
	}
	if leadID != "" {
		update := DeriveLeadUpdate(analysis, w.cfg.Now())
		if err := w.cfg.Store.UpdateLead(ctx, leadID, update); err != nil {
			return fmt.Errorf("update lead %s: %w", leadID, err)
		}
	}

	emitter.EmitLog("call_analyzed", "info", analysis.Summary, map[string]string{
		"interest_level": string(analysis.InterestLevel),
		"degraded":       strconv.FormatBool(analysis.Degraded),
		"lead_id":        leadID,
	}, correlation)
	return nil
}

// ReportFailure is an executionpool OnError hook that logs failed analyses.
func ReportFailure(emitter telemetry.Emitter) func(executionpool.Task, error) {
	return func(task executionpool.Task, err error) {
		telemetry.OrDefault(emitter).EmitLog("analysis_failed", "error", err.Error(), map[string]string{
			"task_id": task.ID,
		}, telemetry.Correlation{EmittedBy: "postcall"})
	}
}
