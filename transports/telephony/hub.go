// Package telephony connects gateway call streams to the call engine. Each
// call is one websocket carrying JSON frames.
package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/api/transport"
)

const defaultWriteTimeout = 5 * time.Second

// ErrStreamNotFound is returned when no gateway stream is open for a call.
var ErrStreamNotFound = errors.New("call stream not connected")

// stream serializes writes; gorilla connections allow one writer at a time.
type stream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	hungUp bool
}

func (s *stream) markHungUp() {
	s.mu.Lock()
	s.hungUp = true
	s.mu.Unlock()
}

func (s *stream) engineHungUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hungUp
}

func (s *stream) write(ctx context.Context, msg transport.Message, fallback time.Duration) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(fallback)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *stream) close(code int, text string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	_ = s.conn.Close()
}

// Hub tracks open call streams and implements callengine.Gateway over them.
type Hub struct {
	writeTimeout time.Duration

	mu      sync.Mutex
	streams map[string]*stream
}

// NewHub returns an empty hub. writeTimeout bounds frames sent without a
// context deadline.
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Hub{writeTimeout: writeTimeout, streams: map[string]*stream{}}
}

var _ callengine.Gateway = (*Hub)(nil)

// PlayAudio sends one play_audio frame.
func (h *Hub) PlayAudio(ctx context.Context, sessionID string, audio callengine.SynthesizedAudio) error {
	s, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	msg := transport.PlayAudio(sessionID, audio)
	if err := msg.Validate(); err != nil {
		return err
	}
	return s.write(ctx, msg, h.writeTimeout)
}

// HangUp sends hang_up and closes the stream. The stream is marked first so
// the resulting disconnect is not reported back as a gateway hangup.
func (h *Hub) HangUp(ctx context.Context, sessionID string) error {
	s, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	s.markHungUp()
	err = s.write(ctx, transport.Message{Type: transport.MessageHangUp, SessionID: sessionID}, h.writeTimeout)
	s.close(websocket.CloseNormalClosure, "hang_up")
	return err
}

// Len reports open streams.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

func (h *Hub) register(sessionID string, conn *websocket.Conn) (*stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.streams[sessionID]; exists {
		return nil, fmt.Errorf("call %s already has an open stream", sessionID)
	}
	s := &stream{conn: conn}
	h.streams[sessionID] = s
	return s, nil
}

func (h *Hub) unregister(sessionID string, s *stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[sessionID] == s {
		delete(h.streams, sessionID)
	}
}

func (h *Hub) lookup(sessionID string) (*stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.streams[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, sessionID)
	}
	return s, nil
}
