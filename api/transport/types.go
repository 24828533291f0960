// Package transport defines the JSON frames exchanged with the telephony
// gateway over a call stream.
package transport

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tiger/outreach-voice-engine/api/callengine"
)

var schemaVersionRE = regexp.MustCompile(`^v[0-9]+\.[0-9]+(?:\.[0-9]+)?$`)

// ProtocolVersion is the only call stream version this engine speaks.
const ProtocolVersion = "v1.0"

// EventType identifies a gateway-to-engine frame.
type EventType string

const (
	EventAnswered  EventType = "answered"
	EventUtterance EventType = "utterance"
	EventEnded     EventType = "ended"
)

// MessageType identifies an engine-to-gateway frame.
type MessageType string

const (
	MessagePlayAudio MessageType = "play_audio"
	MessageHangUp    MessageType = "hang_up"
	MessageError     MessageType = "error"
)

// Event is one gateway frame. Which fields are set depends on Type.
type Event struct {
	Type          EventType `json:"type"`
	SchemaVersion string    `json:"schema_version,omitempty"`

	// answered
	Persona *callengine.Persona       `json:"persona,omitempty"`
	Script  *callengine.ScriptContext `json:"script,omitempty"`
	Lead    *callengine.Lead          `json:"lead,omitempty"`

	// utterance
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// ended
	Reason string `json:"reason,omitempty"`
}

// Validate enforces per-type frame invariants.
func (e Event) Validate() error {
	if e.SchemaVersion != "" && !schemaVersionRE.MatchString(e.SchemaVersion) {
		return fmt.Errorf("invalid schema_version: %q", e.SchemaVersion)
	}
	switch e.Type {
	case EventAnswered:
		if e.Persona != nil && strings.TrimSpace(e.Persona.Name) == "" && e.Persona.VoiceID != "" {
			return fmt.Errorf("persona voice_id requires a persona name")
		}
	case EventUtterance:
		if e.Confidence < 0 || e.Confidence > 1 {
			return fmt.Errorf("confidence must be within [0,1]")
		}
	case EventEnded:
	default:
		return fmt.Errorf("unsupported event type: %q", e.Type)
	}
	return nil
}

// Message is one engine frame.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`

	// play_audio; Audio is base64 in JSON.
	AudioRef     string `json:"audio_ref,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	ProviderUsed string `json:"provider_used,omitempty"`
	Audio        []byte `json:"audio,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// PlayAudio builds a play_audio frame.
func PlayAudio(sessionID string, audio callengine.SynthesizedAudio) Message {
	return Message{
		Type:         MessagePlayAudio,
		SessionID:    sessionID,
		AudioRef:     audio.AudioRef,
		MimeType:     audio.MimeType,
		ProviderUsed: audio.ProviderUsed,
		Audio:        audio.Audio,
	}
}

// Validate enforces message invariants.
func (m Message) Validate() error {
	if strings.TrimSpace(m.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	switch m.Type {
	case MessagePlayAudio:
		if len(m.Audio) == 0 {
			return fmt.Errorf("play_audio requires audio")
		}
	case MessageHangUp:
	case MessageError:
		if m.Error == "" {
			return fmt.Errorf("error message is required")
		}
	default:
		return fmt.Errorf("unsupported message type: %q", m.Type)
	}
	return nil
}
