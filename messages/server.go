package messages

import "github.com/tligentia/PacientIA/audio"

// Error codes
const (
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeMicrophone     = "MICROPHONE_UNAVAILABLE"
	ErrCodeConnection     = "CONNECTION_FAILED"
	ErrCodeDecode         = "AUDIO_DECODE_FAILED"
	ErrCodeSessionFailed  = "SESSION_FAILED"
	ErrCodeBufferFull     = "BUFFER_FULL"
)

// Server message types
const (
	TypeStatus        = "status"
	TypeTranscription = "transcription"
	TypeSpeaking      = "speaking"
	TypeAudio         = "audio"
	TypeStopAudio     = "stop_audio"
	TypeError         = "error"
	TypePong          = "pong"
)

// MicrophoneDeniedMessage is shown to the user when capture cannot start.
const MicrophoneDeniedMessage = "No se pudo acceder al micrófono. Por favor, compruebe los permisos en su navegador."

// ServerMessage represents a message sent to the web UI
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// StatusPayload carries the session status
type StatusPayload struct {
	Status  string `json:"status"` // "idle", "connecting", "active", "error", "stopped"
	Message string `json:"message,omitempty"`
}

// TranscriptionPayload carries the live transcript drafts
type TranscriptionPayload struct {
	UserInput  string `json:"userInput"`
	AIOutput   string `json:"aiOutput"`
	IsComplete bool   `json:"isComplete"`
}

// SpeakingPayload reports whether the agent is audible
type SpeakingPayload struct {
	Speaking bool `json:"speaking"`
}

// AudioPayload asks the UI to play a buffer at a position on the session's
// output clock
type AudioPayload struct {
	ID       uint64  `json:"id"`
	Data     string  `json:"data"`     // Base64-encoded PCM audio
	MimeType string  `json:"mimeType"` // "audio/pcm;rate=24000"
	StartAt  float64 `json:"startAt"`  // seconds
	Duration float64 `json:"duration"` // seconds
}

// StopAudioPayload cancels buffers the UI may still be playing
type StopAudioPayload struct {
	IDs []uint64 `json:"ids"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewStatusMessage creates a status message
func NewStatusMessage(sessionID, status, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeStatus,
		SessionID: sessionID,
		Payload: StatusPayload{
			Status:  status,
			Message: message,
		},
	}
}

// NewTranscriptionMessage creates a transcript update
func NewTranscriptionMessage(sessionID, userInput, aiOutput string, complete bool) *ServerMessage {
	return &ServerMessage{
		Type:      TypeTranscription,
		SessionID: sessionID,
		Payload: TranscriptionPayload{
			UserInput:  userInput,
			AIOutput:   aiOutput,
			IsComplete: complete,
		},
	}
}

// NewSpeakingMessage creates a speaking indicator update
func NewSpeakingMessage(sessionID string, speaking bool) *ServerMessage {
	return &ServerMessage{
		Type:      TypeSpeaking,
		SessionID: sessionID,
		Payload:   SpeakingPayload{Speaking: speaking},
	}
}

// NewAudioMessage creates a playback request
func NewAudioMessage(sessionID string, id uint64, data string, startAt, duration float64) *ServerMessage {
	return &ServerMessage{
		Type:      TypeAudio,
		SessionID: sessionID,
		Payload: AudioPayload{
			ID:       id,
			Data:     data,
			MimeType: audio.OutputMIMEType,
			StartAt:  startAt,
			Duration: duration,
		},
	}
}

// NewStopAudioMessage creates a playback cancellation
func NewStopAudioMessage(sessionID string, ids ...uint64) *ServerMessage {
	return &ServerMessage{
		Type:      TypeStopAudio,
		SessionID: sessionID,
		Payload:   StopAudioPayload{IDs: ids},
	}
}

// NewErrorMessage creates an error message
func NewErrorMessage(sessionID, code, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}

// NewPongMessage answers a ping
func NewPongMessage(sessionID string) *ServerMessage {
	return &ServerMessage{Type: TypePong, SessionID: sessionID}
}
