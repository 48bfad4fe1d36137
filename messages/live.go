package messages

import "github.com/tligentia/PacientIA/audio"

// LiveMessage is one inbound message from the Live API, reduced to the
// fields a voice session consumes
type LiveMessage struct {
	ServerContent *ServerContent `json:"serverContent,omitempty"`
}

// ServerContent is the model's contribution to the current turn
type ServerContent struct {
	ModelTurn           *ModelTurn     `json:"modelTurn,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
}

// ModelTurn holds the parts of a model response
type ModelTurn struct {
	Parts []Part `json:"parts,omitempty"`
}

// Part is a single response part
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData is base64 media embedded in a part
type InlineData struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType,omitempty"`
}

// Transcription is a transcript fragment
type Transcription struct {
	Text string `json:"text"`
}

// AudioData returns the base64 audio of the first part, or "".
func (sc *ServerContent) AudioData() string {
	if sc == nil || sc.ModelTurn == nil || len(sc.ModelTurn.Parts) == 0 {
		return ""
	}
	if d := sc.ModelTurn.Parts[0].InlineData; d != nil {
		return d.Data
	}
	return ""
}

// RealtimeInput is the outbound payload carrying one captured frame
type RealtimeInput struct {
	Media Blob `json:"media"`
}

// Blob is base64 media with its MIME type
type Blob struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// NewRealtimeInput wraps a captured frame
func NewRealtimeInput(frame audio.Frame) RealtimeInput {
	return RealtimeInput{Media: Blob{Data: frame.Data, MimeType: frame.MIMEType}}
}
