package messages

import "encoding/json"

// Client message types
const (
	TypeControl       = "control"
	TypePlaybackEnded = "playback_ended"
)

// Control actions
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionToggle = "toggle"
	ActionPing   = "ping"
)

// ClientMessage represents a JSON message from the web UI. Captured audio
// travels separately as binary frames of little-endian float32 samples.
type ClientMessage struct {
	Type    string          `json:"type"` // "control", "playback_ended"
	Payload json.RawMessage `json:"payload"`
}

// ControlPayload contains control commands
type ControlPayload struct {
	Action string `json:"action"` // "start", "stop", "toggle", "ping"
	// MicDenied is set by the UI when the browser refused microphone access
	// before a start or toggle.
	MicDenied bool `json:"micDenied,omitempty"`
}

// PlaybackEndedPayload reports that the UI finished playing a buffer
type PlaybackEndedPayload struct {
	ID uint64 `json:"id"`
}
