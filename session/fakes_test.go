package session

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tligentia/PacientIA/audio"
	"github.com/tligentia/PacientIA/messages"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// --- devices ---

type fakeMic struct{ stopped atomic.Bool }

func (m *fakeMic) Stop() error { m.stopped.Store(true); return nil }

type fakeNode struct{ disconnected atomic.Bool }

func (n *fakeNode) Disconnect() error { n.disconnected.Store(true); return nil }

type fakeInput struct {
	mu      sync.Mutex
	onFrame func([]float32)
	node    *fakeNode
	closed  atomic.Bool
}

func (in *fakeInput) Capture(mic audio.Microphone, frameSize int, onFrame func([]float32)) (audio.CaptureNode, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.onFrame = onFrame
	in.node = &fakeNode{}
	return in.node, nil
}

func (in *fakeInput) Close() error { in.closed.Store(true); return nil }

// emit delivers one capture frame the way a driver goroutine would.
func (in *fakeInput) emit(samples []float32) {
	in.mu.Lock()
	fn, node := in.onFrame, in.node
	in.mu.Unlock()
	if fn != nil && !node.disconnected.Load() {
		fn(samples)
	}
}

type fakeSource struct{ stopped atomic.Bool }

func (s *fakeSource) Stop() { s.stopped.Store(true) }

type scheduledPlay struct {
	id  uint64
	at  time.Duration
	dur time.Duration
}

type fakeOutput struct {
	mu      sync.Mutex
	now     time.Duration
	plays   []scheduledPlay
	sources map[uint64]*fakeSource
	ended   map[uint64]func()
	closed  atomic.Bool
}

func newFakeOutput() *fakeOutput {
	return &fakeOutput{sources: map[uint64]*fakeSource{}, ended: map[uint64]func(){}}
}

func (o *fakeOutput) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *fakeOutput) setNow(d time.Duration) {
	o.mu.Lock()
	o.now = d
	o.mu.Unlock()
}

func (o *fakeOutput) Play(id uint64, buf audio.Buffer, at time.Duration, ended func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.plays = append(o.plays, scheduledPlay{id: id, at: at, dur: buf.Duration()})
	src := &fakeSource{}
	o.sources[id] = src
	o.ended[id] = ended
	return src, nil
}

func (o *fakeOutput) Close() error { o.closed.Store(true); return nil }

func (o *fakeOutput) playList() []scheduledPlay {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]scheduledPlay(nil), o.plays...)
}

func (o *fakeOutput) source(id uint64) *fakeSource {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sources[id]
}

// finish fires the natural-end callback of id, even for a stopped source,
// to model a driver whose end notification races a stop.
func (o *fakeOutput) finish(id uint64) {
	o.mu.Lock()
	fn := o.ended[id]
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeDevices struct {
	micErr  error
	micGate chan struct{}

	mu      sync.Mutex
	mics    []*fakeMic
	inputs  []*fakeInput
	outputs []*fakeOutput
}

func (d *fakeDevices) OpenMicrophone(ctx context.Context) (audio.Microphone, error) {
	if d.micGate != nil {
		select {
		case <-d.micGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.micErr != nil {
		return nil, d.micErr
	}
	m := &fakeMic{}
	d.mu.Lock()
	d.mics = append(d.mics, m)
	d.mu.Unlock()
	return m, nil
}

func (d *fakeDevices) NewInputContext(int) (audio.InputContext, error) {
	in := &fakeInput{}
	d.mu.Lock()
	d.inputs = append(d.inputs, in)
	d.mu.Unlock()
	return in, nil
}

func (d *fakeDevices) NewOutputContext(int) (audio.OutputContext, error) {
	out := newFakeOutput()
	d.mu.Lock()
	d.outputs = append(d.outputs, out)
	d.mu.Unlock()
	return out, nil
}

func (d *fakeDevices) mic(i int) *fakeMic {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mics[i]
}

func (d *fakeDevices) input(i int) *fakeInput {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inputs[i]
}

func (d *fakeDevices) output(i int) *fakeOutput {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outputs[i]
}

func (d *fakeDevices) counts() (mics, inputs, outputs int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mics), len(d.inputs), len(d.outputs)
}

// --- remote ---

type fakeRemote struct {
	frames chan audio.Frame
	closes atomic.Int32
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{frames: make(chan audio.Frame, 128)}
}

func (r *fakeRemote) SendAudio(frame audio.Frame) error {
	r.frames <- frame
	return nil
}

func (r *fakeRemote) Close() error {
	r.closes.Add(1)
	return nil
}

func (r *fakeRemote) closed() bool { return r.closes.Load() > 0 }

type fakeConnector struct {
	err error
	// gate, when set, holds Connect until closed.
	gate chan struct{}
	// ignoreCtx keeps a gated Connect waiting past cancellation, like a
	// handshake that completes after the caller gave up.
	ignoreCtx bool

	mu      sync.Mutex
	sinks   []Sink
	remotes []*fakeRemote
}

func (c *fakeConnector) Connect(ctx context.Context, sink Sink) (Remote, error) {
	c.mu.Lock()
	c.sinks = append(c.sinks, sink)
	c.mu.Unlock()

	if c.gate != nil {
		if c.ignoreCtx {
			<-c.gate
		} else {
			select {
			case <-c.gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if c.err != nil {
		return nil, c.err
	}

	r := newFakeRemote()
	c.mu.Lock()
	c.remotes = append(c.remotes, r)
	c.mu.Unlock()
	return r, nil
}

func (c *fakeConnector) sink(i int) Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sinks[i]
}

func (c *fakeConnector) remote(i int) *fakeRemote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remotes[i]
}

func (c *fakeConnector) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sinks)
}

func (c *fakeConnector) remoteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.remotes)
}

// --- hooks ---

type recorder struct {
	mu       sync.Mutex
	statuses []Status
	trans    []Transcription
	speaking []bool
	errs     []error
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnStatus: func(s Status) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
		OnTranscription: func(t Transcription) {
			r.mu.Lock()
			r.trans = append(r.trans, t)
			r.mu.Unlock()
		},
		OnSpeaking: func(v bool) {
			r.mu.Lock()
			r.speaking = append(r.speaking, v)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) statusList() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *recorder) transList() []Transcription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transcription(nil), r.trans...)
}

func (r *recorder) errList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// --- messages ---

func audioMessage(samples int) *messages.LiveMessage {
	data := base64.StdEncoding.EncodeToString(make([]byte, 2*samples))
	return &messages.LiveMessage{ServerContent: &messages.ServerContent{
		ModelTurn: &messages.ModelTurn{Parts: []messages.Part{
			{InlineData: &messages.InlineData{Data: data, MimeType: audio.OutputMIMEType}},
		}},
	}}
}

func transcriptMessage(in, out *string, complete bool) *messages.LiveMessage {
	sc := &messages.ServerContent{TurnComplete: complete}
	if in != nil {
		sc.InputTranscription = &messages.Transcription{Text: *in}
	}
	if out != nil {
		sc.OutputTranscription = &messages.Transcription{Text: *out}
	}
	return &messages.LiveMessage{ServerContent: sc}
}

func ptr(s string) *string { return &s }
