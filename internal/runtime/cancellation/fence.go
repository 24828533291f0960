package cancellation

import (
	"fmt"
	"strings"
	"sync"
)

// Fence records which turns of which calls must no longer produce output.
// Results that arrive for a fenced turn are discarded by the caller.
type Fence struct {
	mu       sync.Mutex
	turns    map[string]map[string]struct{}
	sessions map[string]struct{}
}

// NewFence returns an empty cancellation fence.
func NewFence() *Fence {
	return &Fence{
		turns:    map[string]map[string]struct{}{},
		sessions: map[string]struct{}{},
	}
}

// Accept fences a single turn.
func (f *Fence) Accept(sessionID, turnID string) error {
	sessionID, turnID, err := normalizeKey(sessionID, turnID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	turns, ok := f.turns[sessionID]
	if !ok {
		turns = map[string]struct{}{}
		f.turns[sessionID] = turns
	}
	turns[turnID] = struct{}{}
	return nil
}

// AcceptSession fences every turn of a call, including turns not yet started.
func (f *Fence) AcceptSession(sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID] = struct{}{}
	return nil
}

// IsFenced returns true when cancellation has been accepted for the turn or its call.
func (f *Fence) IsFenced(sessionID, turnID string) bool {
	sessionID, turnID, err := normalizeKey(sessionID, turnID)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; ok {
		return true
	}
	_, ok := f.turns[sessionID][turnID]
	return ok
}

// Release forgets all fence state for a finalized call.
func (f *Fence) Release(sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.turns, sessionID)
	delete(f.sessions, sessionID)
}

// Len reports how many calls hold fence state.
func (f *Fence) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]struct{}, len(f.turns)+len(f.sessions))
	for id := range f.turns {
		seen[id] = struct{}{}
	}
	for id := range f.sessions {
		seen[id] = struct{}{}
	}
	return len(seen)
}

func normalizeKey(sessionID, turnID string) (string, string, error) {
	sessionID = strings.TrimSpace(sessionID)
	turnID = strings.TrimSpace(turnID)
	if sessionID == "" || turnID == "" {
		return "", "", fmt.Errorf("session_id and turn_id are required")
	}
	return sessionID, turnID, nil
}
