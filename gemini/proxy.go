package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/tligentia/PacientIA/audio"
	"github.com/tligentia/PacientIA/messages"
	"github.com/tligentia/PacientIA/session"
)

const (
	DefaultModel = "models/gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice = "Zephyr" // Available voices: Puck, Charon, Kore, Fenrir, Aoede, Leda, Orus, Zephyr
)

// ErrClosed is returned when sending on a closed live session
var ErrClosed = errors.New("gemini: live session closed")

// Config holds everything needed to open a Live session
type Config struct {
	APIKey            string
	Model             string
	Voice             string
	SystemInstruction string
}

// Proxy opens Gemini Live sessions using the official SDK. It implements
// session.Connector.
type Proxy struct {
	client *genai.Client
	cfg    Config
	logger *slog.Logger
}

var _ session.Connector = (*Proxy)(nil)

// NewProxy creates the GenAI client. No connection is opened until Connect.
func NewProxy(ctx context.Context, cfg Config, logger *slog.Logger) (*Proxy, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.SystemInstruction == "" {
		cfg.SystemInstruction = session.DefaultSystemInstruction
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Proxy{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "gemini"),
	}, nil
}

// LiveConfig builds the connect configuration: audio responses, both
// transcriptions, the prebuilt voice and the system instruction.
func (p *Proxy) LiveConfig() *genai.LiveConnectConfig {
	return &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{
				{Text: p.cfg.SystemInstruction},
			},
		},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
					VoiceName: p.cfg.Voice,
				},
			},
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
}

// Connect opens a Live session and starts delivering its messages to sink.
func (p *Proxy) Connect(ctx context.Context, sink session.Sink) (session.Remote, error) {
	s, err := p.client.Live.Connect(ctx, p.cfg.Model, p.LiveConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Live API: %w", err)
	}
	p.logger.Info("connected to Gemini Live", "model", p.cfg.Model, "voice", p.cfg.Voice)

	ls := &LiveSession{session: s, sink: sink, logger: p.logger}
	go ls.receive()
	return ls, nil
}

// LiveSession is one open Live connection. It implements session.Remote.
type LiveSession struct {
	session *genai.Session
	sink    session.Sink
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func (ls *LiveSession) receive() {
	for {
		resp, err := ls.session.Receive()
		if err != nil {
			if ls.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ls.logger.Info("Gemini Live closed the session")
				ls.sink.Closed()
				return
			}
			ls.logger.Error("Gemini receive error", "error", err)
			ls.sink.Error(err)
			return
		}

		if msg := ToLiveMessage(resp); msg != nil {
			ls.sink.Message(msg)
		}
	}
}

// ToLiveMessage reduces an SDK message to the inbound payload shape, with
// inline audio re-encoded as base64. It returns nil for messages without
// server content (setup acks, tool calls, usage metadata).
func ToLiveMessage(resp *genai.LiveServerMessage) *messages.LiveMessage {
	if resp == nil || resp.ServerContent == nil {
		return nil
	}
	sc := resp.ServerContent
	out := &messages.ServerContent{
		TurnComplete: sc.TurnComplete,
		Interrupted:  sc.Interrupted,
	}

	if sc.ModelTurn != nil {
		turn := &messages.ModelTurn{}
		for _, part := range sc.ModelTurn.Parts {
			if part == nil {
				continue
			}
			mp := messages.Part{Text: part.Text}
			if part.InlineData != nil {
				mp.InlineData = &messages.InlineData{
					Data:     base64.StdEncoding.EncodeToString(part.InlineData.Data),
					MimeType: part.InlineData.MIMEType,
				}
			}
			turn.Parts = append(turn.Parts, mp)
		}
		out.ModelTurn = turn
	}
	if sc.InputTranscription != nil {
		out.InputTranscription = &messages.Transcription{Text: sc.InputTranscription.Text}
	}
	if sc.OutputTranscription != nil {
		out.OutputTranscription = &messages.Transcription{Text: sc.OutputTranscription.Text}
	}

	return &messages.LiveMessage{ServerContent: out}
}

// SendAudio forwards one captured frame as realtime input
func (ls *LiveSession) SendAudio(frame audio.Frame) error {
	if ls.isClosed() {
		return ErrClosed
	}

	in := messages.NewRealtimeInput(frame)
	data, err := base64.StdEncoding.DecodeString(in.Media.Data)
	if err != nil {
		return fmt.Errorf("invalid base64: %w", err)
	}

	err = ls.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			MIMEType: in.Media.MimeType,
			Data:     data,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// SendText sends a complete user text turn
func (ls *LiveSession) SendText(text string) error {
	if ls.isClosed() {
		return ErrClosed
	}

	turnComplete := true
	err := ls.session.SendClientContent(genai.LiveSendClientContentParameters{
		Turns: []*genai.Content{
			{
				Role:  "user",
				Parts: []*genai.Part{{Text: text}},
			},
		},
		TurnComplete: &turnComplete,
	})
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}

	ls.logger.Debug("sent text to Gemini", "chars", len(text))
	return nil
}

func (ls *LiveSession) isClosed() bool {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.closed
}

// Close terminates the Gemini connection
func (ls *LiveSession) Close() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.closed {
		return nil
	}
	ls.closed = true
	return ls.session.Close()
}
