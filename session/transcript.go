package session

import "github.com/tligentia/PacientIA/messages"

// Transcription is the live transcript published after every inbound
// message.
type Transcription struct {
	UserInput  string `json:"userInput"`
	AIOutput   string `json:"aiOutput"`
	IsComplete bool   `json:"isComplete"`
}

// transcript holds the current drafts. Each fragment replaces its field; the
// Live API sends the running text, not deltas.
type transcript struct {
	input  string
	output string
}

// apply folds one message into the drafts and returns what to publish. On
// turn complete the published value carries the final text and the drafts
// reset for the next turn.
func (t *transcript) apply(sc *messages.ServerContent) Transcription {
	if sc.InputTranscription != nil {
		t.input = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		t.output = sc.OutputTranscription.Text
	}

	out := Transcription{
		UserInput:  t.input,
		AIOutput:   t.output,
		IsComplete: sc.TurnComplete,
	}
	if sc.TurnComplete {
		t.reset()
	}
	return out
}

func (t *transcript) reset() {
	t.input = ""
	t.output = ""
}
