package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tiger/outreach-voice-engine/api/callengine"
	"github.com/tiger/outreach-voice-engine/api/transport"
	"github.com/tiger/outreach-voice-engine/internal/observability/telemetry"
)

const (
	defaultReadLimit  = 1 << 20
	defaultEndTimeout = 10 * time.Second
)

// Handler receives call events. session.Engine implements it.
type Handler interface {
	OnCallAnswered(ctx context.Context, start callengine.CallStart) error
	OnUtterance(ctx context.Context, sessionID string, utterance callengine.Utterance) error
	OnCallEnded(ctx context.Context, sessionID, reason string) error
	Active() int
}

// Config wires a Server.
type Config struct {
	Hub     *Hub
	Handler Handler
	// Personas resolves a persona by name; an empty name asks for the default.
	Personas func(name string) (callengine.Persona, bool)
	// ReadLimit caps one inbound frame in bytes.
	ReadLimit int64
	// EndTimeout bounds how long a disconnect waits for the call record.
	EndTimeout time.Duration
	Emitter    telemetry.Emitter
}

// Server exposes the call stream endpoint and a health check.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
}

// NewServer validates configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Hub == nil || cfg.Handler == nil {
		return nil, errors.New("telephony server requires a hub and a handler")
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.EndTimeout <= 0 {
		cfg.EndTimeout = defaultEndTimeout
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Router registers the server routes on a new mux router.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests)
	router.HandleFunc("/calls/{sessionID}/stream", s.handleStream).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"active_calls": s.cfg.Handler.Active(),
		"streams":      s.cfg.Hub.Len(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(mux.Vars(r)["sessionID"])
	if sessionID == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	st, err := s.cfg.Hub.register(sessionID, conn)
	if err != nil {
		st = &stream{conn: conn}
		_ = st.write(r.Context(), transport.Message{Type: transport.MessageError, SessionID: sessionID, Error: err.Error()}, defaultWriteTimeout)
		st.close(websocket.ClosePolicyViolation, "duplicate stream")
		return
	}
	defer s.cfg.Hub.unregister(sessionID, st)
	defer conn.Close()

	ctx := r.Context()
	answered, ended := false, false
	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			s.reject(ctx, st, sessionID, errors.New("frames must be text json"))
			continue
		}
		var ev transport.Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			s.reject(ctx, st, sessionID, errors.New("invalid json frame"))
			continue
		}
		if err := ev.Validate(); err != nil {
			s.reject(ctx, st, sessionID, err)
			continue
		}

		switch ev.Type {
		case transport.EventAnswered:
			start, err := s.callStart(sessionID, ev)
			if err == nil {
				err = s.cfg.Handler.OnCallAnswered(ctx, start)
			}
			if err != nil {
				s.reject(ctx, st, sessionID, err)
				continue
			}
			answered = true
		case transport.EventUtterance:
			err := s.cfg.Handler.OnUtterance(ctx, sessionID, callengine.Utterance{Text: ev.Text, Confidence: ev.Confidence})
			if err != nil {
				s.reject(ctx, st, sessionID, err)
			}
		case transport.EventEnded:
			if answered {
				s.endCall(sessionID, ev.Reason)
			}
			ended = true
		}
		if ended {
			break
		}
	}

	if answered && !ended && !st.engineHungUp() {
		s.endCall(sessionID, "")
	}
}

// endCall runs detached from the request so a dropped connection still
// persists the call.
func (s *Server) endCall(sessionID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EndTimeout)
	defer cancel()
	err := s.cfg.Handler.OnCallEnded(ctx, sessionID, reason)
	if err != nil && !errors.Is(err, callengine.ErrSessionNotFound) {
		s.emitLog("call_end_failed", "warn", err.Error(), sessionID, nil)
	}
}

func (s *Server) callStart(sessionID string, ev transport.Event) (callengine.CallStart, error) {
	start := callengine.CallStart{SessionID: sessionID}
	var requested callengine.Persona
	if ev.Persona != nil {
		requested = *ev.Persona
	}
	persona := requested
	if s.cfg.Personas != nil {
		if configured, ok := s.cfg.Personas(requested.Name); ok {
			persona = configured
			if requested.VoiceID != "" {
				persona.VoiceID = requested.VoiceID
				persona.Provider = requested.Provider
			}
		} else if requested.Name != "" {
			return callengine.CallStart{}, errors.New("unknown persona " + strconv.Quote(requested.Name))
		}
	}
	start.Persona = persona
	if ev.Script != nil {
		start.Script = *ev.Script
	}
	if ev.Lead != nil {
		start.Lead = *ev.Lead
	}
	return start, start.Validate()
}

func (s *Server) reject(ctx context.Context, st *stream, sessionID string, cause error) {
	s.emitLog("stream_event_rejected", "warn", cause.Error(), sessionID, nil)
	_ = st.write(ctx, transport.Message{Type: transport.MessageError, SessionID: sessionID, Error: cause.Error()}, s.cfg.Hub.writeTimeout)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.emitLog("http_request", "debug", r.Method+" "+r.URL.Path, mux.Vars(r)["sessionID"], map[string]string{
			"remote_addr": r.RemoteAddr,
		})
		next.ServeHTTP(w, r)
	})
}

func (s *Server) emitLog(name, severity, message, sessionID string, attrs map[string]string) {
	telemetry.OrDefault(s.cfg.Emitter).EmitLog(name, severity, message, attrs, telemetry.Correlation{
		SessionID: sessionID,
		EmittedBy: "telephony",
	})
}
