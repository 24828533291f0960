// Package memory is an in-process record store for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tiger/outreach-voice-engine/api/callengine"
)

// Store implements callengine.RecordStore and callengine.ContextLoader.
type Store struct {
	mu       sync.RWMutex
	scripts  map[string]callengine.ScriptContext
	leads    map[string]callengine.Lead
	calls    map[string]callengine.CallRecord
	analyses map[string]callengine.CallAnalysis
	updates  map[string]callengine.LeadUpdate
}

// New returns an empty store.
func New() *Store {
	return &Store{
		scripts:  map[string]callengine.ScriptContext{},
		leads:    map[string]callengine.Lead{},
		calls:    map[string]callengine.CallRecord{},
		analyses: map[string]callengine.CallAnalysis{},
		updates:  map[string]callengine.LeadUpdate{},
	}
}

// PutScript seeds a script.
func (s *Store) PutScript(script callengine.ScriptContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	script.ProductSnippet = append([]string(nil), script.ProductSnippet...)
	s.scripts[script.ScriptID] = script
}

// PutLead seeds a lead.
func (s *Store) PutLead(lead callengine.Lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[lead.ID] = lead
}

// LoadCallContext returns the script and lead for a call. Unknown ids are
// errors; empty ids yield zero values.
func (s *Store) LoadCallContext(_ context.Context, leadID, scriptID string) (callengine.ScriptContext, callengine.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		script callengine.ScriptContext
		lead   callengine.Lead
		ok     bool
	)
	if scriptID != "" {
		if script, ok = s.scripts[scriptID]; !ok {
			return callengine.ScriptContext{}, callengine.Lead{}, fmt.Errorf("script %q not found", scriptID)
		}
		script.ProductSnippet = append([]string(nil), script.ProductSnippet...)
	}
	if leadID != "" {
		if lead, ok = s.leads[leadID]; !ok {
			return callengine.ScriptContext{}, callengine.Lead{}, fmt.Errorf("lead %q not found", leadID)
		}
	}
	return script, lead, nil
}

// SaveCall stores a finished call.
func (s *Store) SaveCall(_ context.Context, record callengine.CallRecord) error {
	if record.CallID == "" {
		return fmt.Errorf("call_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Transcript = record.Transcript.Clone()
	s.calls[record.CallID] = record
	return nil
}

// SaveAnalysis stores the analysis of a saved call.
func (s *Store) SaveAnalysis(_ context.Context, callID string, analysis callengine.CallAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[callID]; !ok {
		return fmt.Errorf("call %q not found", callID)
	}
	s.analyses[callID] = analysis
	return nil
}

// UpdateLead records the latest status update for a lead.
func (s *Store) UpdateLead(_ context.Context, leadID string, update callengine.LeadUpdate) error {
	if leadID == "" {
		return fmt.Errorf("lead_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[leadID] = update
	return nil
}

// Call returns a saved call.
func (s *Store) Call(callID string) (callengine.CallRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.calls[callID]
	if ok {
		record.Transcript = record.Transcript.Clone()
	}
	return record, ok
}

// Analysis returns a saved analysis.
func (s *Store) Analysis(callID string) (callengine.CallAnalysis, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	analysis, ok := s.analyses[callID]
	return analysis, ok
}

// LeadUpdate returns the latest update for a lead.
func (s *Store) LeadUpdate(leadID string) (callengine.LeadUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	update, ok := s.updates[leadID]
	return update, ok
}
