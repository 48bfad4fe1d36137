package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tligentia/PacientIA/audio"
	"github.com/tligentia/PacientIA/messages"
	"github.com/tligentia/PacientIA/session"
)

// bridge makes a browser connection look like local audio hardware: binary
// frames from the UI are the microphone, and playback is delegated to the UI
// with audio and stop_audio messages placed on a server-side clock.
type bridge struct {
	client    *client
	sessionID string
	framer    *audio.Framer

	mu        sync.Mutex
	micDenied bool
	capture   *bridgeCapture
	output    *bridgeOutput
}

var _ audio.Devices = (*bridge)(nil)

func newBridge(c *client, maxBufferSize int) *bridge {
	return &bridge{
		client: c,
		framer: audio.NewFramer(audio.FrameSize, maxBufferSize),
	}
}

// setMicDenied records the UI's permission outcome for the next start.
func (b *bridge) setMicDenied(denied bool) {
	b.mu.Lock()
	b.micDenied = denied
	b.mu.Unlock()
}

func (b *bridge) OpenMicrophone(ctx context.Context) (audio.Microphone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	denied := b.micDenied
	b.mu.Unlock()
	if denied {
		return nil, audio.ErrPermissionDenied
	}
	b.framer.Clear()
	return &bridgeMic{b: b}, nil
}

func (b *bridge) NewInputContext(sampleRate int) (audio.InputContext, error) {
	if sampleRate != audio.InputSampleRate {
		return nil, fmt.Errorf("%w: browser capture is %d Hz, not %d", audio.ErrDeviceUnavailable, audio.InputSampleRate, sampleRate)
	}
	return &bridgeInput{b: b}, nil
}

func (b *bridge) NewOutputContext(sampleRate int) (audio.OutputContext, error) {
	out := &bridgeOutput{
		b:       b,
		created: time.Now(),
		sources: make(map[uint64]*bridgeSource),
	}
	b.mu.Lock()
	b.output = out
	b.mu.Unlock()
	return out, nil
}

// feed frames captured bytes and hands complete frames to the running
// capture. Audio that arrives while nothing captures is discarded.
func (b *bridge) feed(chunk []byte) error {
	b.mu.Lock()
	capture := b.capture
	b.mu.Unlock()
	if capture == nil {
		return nil
	}

	frames, err := b.framer.Append(chunk)
	if err != nil {
		return err
	}
	for _, f := range frames {
		capture.onFrame(f)
	}
	return nil
}

// playbackEnded ends a buffer early when the UI reports it finished.
func (b *bridge) playbackEnded(id uint64) {
	b.mu.Lock()
	out := b.output
	b.mu.Unlock()
	if out != nil {
		out.ended(id)
	}
}

// hooks turns controller output into UI messages.
func (b *bridge) hooks() session.Hooks {
	return session.Hooks{
		OnStatus: func(s session.Status) {
			b.client.queueMessage(messages.NewStatusMessage(b.sessionID, s.String(), ""))
		},
		OnTranscription: func(t session.Transcription) {
			b.client.queueMessage(messages.NewTranscriptionMessage(b.sessionID, t.UserInput, t.AIOutput, t.IsComplete))
		},
		OnSpeaking: func(v bool) {
			b.client.queueMessage(messages.NewSpeakingMessage(b.sessionID, v))
		},
		OnError: func(err error) {
			b.client.queueMessage(errorMessage(b.sessionID, err))
		},
	}
}

func errorMessage(sessionID string, err error) *messages.ServerMessage {
	var acq *session.AcquisitionError
	var conn *session.ConnectionError
	switch {
	case errors.As(err, &acq):
		return messages.NewErrorMessage(sessionID, messages.ErrCodeMicrophone, messages.MicrophoneDeniedMessage)
	case errors.As(err, &conn):
		return messages.NewErrorMessage(sessionID, messages.ErrCodeConnection, err.Error())
	case errors.Is(err, audio.ErrMalformedAudio):
		return messages.NewErrorMessage(sessionID, messages.ErrCodeDecode, err.Error())
	default:
		return messages.NewErrorMessage(sessionID, messages.ErrCodeSessionFailed, err.Error())
	}
}

type bridgeMic struct{ b *bridge }

func (m *bridgeMic) Stop() error {
	m.b.framer.Clear()
	return nil
}

type bridgeInput struct{ b *bridge }

func (in *bridgeInput) Capture(mic audio.Microphone, frameSize int, onFrame func([]float32)) (audio.CaptureNode, error) {
	if _, ok := mic.(*bridgeMic); !ok {
		return nil, errors.New("bridge: microphone belongs to another device")
	}
	if frameSize != in.b.framer.FrameSize() {
		return nil, fmt.Errorf("bridge: frame size %d not supported", frameSize)
	}
	node := &bridgeCapture{b: in.b, onFrame: onFrame}
	in.b.mu.Lock()
	in.b.capture = node
	in.b.mu.Unlock()
	return node, nil
}

func (in *bridgeInput) Close() error { return nil }

type bridgeCapture struct {
	b       *bridge
	onFrame func([]float32)
}

func (n *bridgeCapture) Disconnect() error {
	n.b.mu.Lock()
	if n.b.capture == n {
		n.b.capture = nil
	}
	n.b.mu.Unlock()
	n.b.framer.Clear()
	return nil
}

// bridgeOutput keeps the playback timeline. Its clock is the time since the
// context was created; the UI anchors startAt to its own clock on the first
// audio message of a session.
type bridgeOutput struct {
	b       *bridge
	created time.Time

	mu      sync.Mutex
	sources map[uint64]*bridgeSource
	closed  bool
}

func (o *bridgeOutput) Now() time.Duration { return time.Since(o.created) }

func (o *bridgeOutput) Play(id uint64, buf audio.Buffer, at time.Duration, ended func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errors.New("bridge: output context closed")
	}

	dur := buf.Duration()
	src := &bridgeSource{id: id, out: o, ended: ended}
	o.sources[id] = src
	src.timer = time.AfterFunc(max(at+dur-o.Now(), 0), src.finish)

	o.b.client.queueMessage(messages.NewAudioMessage(o.b.sessionID, id, audio.EncodeBuffer(buf), at.Seconds(), dur.Seconds()))
	return src, nil
}

func (o *bridgeOutput) ended(id uint64) {
	o.mu.Lock()
	src := o.sources[id]
	o.mu.Unlock()
	if src != nil {
		src.finish()
	}
}

func (o *bridgeOutput) remove(id uint64) {
	o.mu.Lock()
	delete(o.sources, id)
	o.mu.Unlock()
}

// Close halts every pending buffer with one stop_audio message.
func (o *bridgeOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	pending := make([]*bridgeSource, 0, len(o.sources))
	for _, src := range o.sources {
		pending = append(pending, src)
	}
	clear(o.sources)
	o.mu.Unlock()

	// halt runs outside the lock; a racing finish holds the source's once
	// while it waits for o.mu.
	var ids []uint64
	for _, src := range pending {
		if src.halt() {
			ids = append(ids, src.id)
		}
	}
	if len(ids) > 0 {
		o.b.client.queueMessage(messages.NewStopAudioMessage(o.b.sessionID, ids...))
	}
	return nil
}

type bridgeSource struct {
	id    uint64
	out   *bridgeOutput
	ended func()
	timer *time.Timer
	once  sync.Once
}

// finish reports a natural end, from the timer or from the UI.
func (s *bridgeSource) finish() {
	s.once.Do(func() {
		s.out.remove(s.id)
		s.ended()
	})
}

// halt cancels the buffer without reporting an end. It returns false if the
// buffer had already finished or been stopped.
func (s *bridgeSource) halt() bool {
	stopped := false
	s.once.Do(func() {
		s.timer.Stop()
		stopped = true
	})
	return stopped
}

func (s *bridgeSource) Stop() {
	if s.halt() {
		s.out.remove(s.id)
		s.out.b.client.queueMessage(messages.NewStopAudioMessage(s.out.b.sessionID, s.id))
	}
}
