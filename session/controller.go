package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tligentia/PacientIA/audio"
	"github.com/tligentia/PacientIA/messages"
	"github.com/tligentia/PacientIA/observe"
)

// Remote is an open connection to the live agent.
type Remote interface {
	SendAudio(frame audio.Frame) error
	Close() error
}

// Sink receives everything a Remote produces. Implementations must not
// block for long; calls arrive on the remote's receive goroutine.
type Sink interface {
	Message(msg *messages.LiveMessage)
	Error(err error)
	Closed()
}

// Connector opens Remotes. Connect may block on the handshake.
type Connector interface {
	Connect(ctx context.Context, sink Sink) (Remote, error)
}

// Hooks are the controller's outputs. They run on the controller's loop
// goroutine, in order, and must not call back into Start, Stop or Toggle.
type Hooks struct {
	OnStatus        func(Status)
	OnTranscription func(Transcription)
	OnSpeaking      func(bool)
	OnError         func(error)
	// OnClosed runs once on the goroutine that called Close, after the loop
	// has exited. Owners use it to drop whatever front end drives the session.
	OnClosed func()
}

// Options tune a Controller. Zero values take the Live API defaults.
type Options struct {
	FrameSize        int
	InputSampleRate  int
	OutputSampleRate int
	SendQueueSize    int
	// ConnectTimeout bounds the handshake. Zero waits indefinitely.
	ConnectTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observe.Metrics
	Hooks   Hooks
}

const defaultSendQueueSize = 64

func (o *Options) withDefaults() {
	if o.FrameSize <= 0 {
		o.FrameSize = audio.FrameSize
	}
	if o.InputSampleRate <= 0 {
		o.InputSampleRate = audio.InputSampleRate
	}
	if o.OutputSampleRate <= 0 {
		o.OutputSampleRate = audio.OutputSampleRate
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = defaultSendQueueSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdToggle
)

// Loop events. Everything but commands carries the epoch of the start that
// produced it; events from an earlier epoch are stale.
type (
	command struct {
		kind commandKind
		ack  chan struct{}
	}
	micReady struct {
		epoch uint64
		mic   audio.Microphone
		err   error
	}
	connected struct {
		epoch  uint64
		remote Remote
		err    error
	}
	inbound struct {
		epoch uint64
		msg   *messages.LiveMessage
	}
	remoteFailed struct {
		epoch uint64
		err   error
	}
	remoteClosed struct {
		epoch uint64
	}
	playbackEnded struct {
		epoch uint64
		id    uint64
	}
)

// Controller runs one live voice session: it acquires the microphone and
// audio contexts, connects to the agent, streams capture out, schedules the
// agent's audio for playback, tracks the transcript and releases everything
// on stop or failure.
//
// All state changes happen on a single loop goroutine fed by one ordered
// event channel. Start, Stop and Toggle return once the loop has handled
// them; acquisition and connect continue asynchronously.
type Controller struct {
	id        string
	devices   audio.Devices
	connector Connector
	opts      Options
	logger    *slog.Logger
	chunker   audio.Chunker

	events    chan any
	quit      chan struct{}
	loopDone  chan struct{}
	postMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once

	viewMu sync.RWMutex
	view   view

	// Owned by the loop goroutine.
	status     Status
	epoch      uint64
	res        *resources
	sched      *audio.Scheduler
	transcript transcript
	speaking   bool
	startedAt  time.Time
}

type view struct {
	status        Status
	speaking      bool
	transcription Transcription
	lastActivity  time.Time
}

// NewController creates an idle controller and starts its loop. Close it to
// stop the loop.
func NewController(id string, devices audio.Devices, connector Connector, opts Options) *Controller {
	opts.withDefaults()
	c := &Controller{
		id:        id,
		devices:   devices,
		connector: connector,
		opts:      opts,
		logger:    opts.Logger.With("session_id", id),
		chunker:   audio.Chunker{MIMEType: fmt.Sprintf("audio/pcm;rate=%d", opts.InputSampleRate)},
		events:    make(chan any, 64),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		view:      view{lastActivity: time.Now()},
	}
	go c.loop()
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// Start begins a session. It is a no-op while connecting or active.
func (c *Controller) Start() { c.do(cmdStart) }

// Stop tears the session down. It is idempotent and a no-op while idle.
func (c *Controller) Stop() { c.do(cmdStop) }

// Toggle stops a connecting or active session and starts any other.
func (c *Controller) Toggle() { c.do(cmdToggle) }

// Close stops the session and the loop for good. Later calls to Start, Stop
// and Toggle do nothing.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.Stop()

		c.postMu.Lock()
		c.closed = true
		c.postMu.Unlock()

		close(c.quit)
		<-c.loopDone

		if c.opts.Hooks.OnClosed != nil {
			c.opts.Hooks.OnClosed()
		}
	})
}

// Touch records front-end activity, such as captured audio or playback
// reports, that does not pass through the loop.
func (c *Controller) Touch() { c.touch() }

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view.status
}

// Speaking reports whether agent audio is scheduled or playing.
func (c *Controller) Speaking() bool {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view.speaking
}

// Transcription returns the last published transcript.
func (c *Controller) Transcription() Transcription {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view.transcription
}

// LastActivity returns when the session last handled a command or message.
func (c *Controller) LastActivity() time.Time {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view.lastActivity
}

func (c *Controller) do(kind commandKind) {
	ack := make(chan struct{})
	if !c.post(command{kind: kind, ack: ack}) {
		return
	}
	<-ack
}

// post delivers an event to the loop. It returns false once the controller
// is closed; the caller then owns any resource carried by the event.
func (c *Controller) post(ev any) bool {
	c.postMu.RLock()
	defer c.postMu.RUnlock()
	if c.closed {
		return false
	}
	c.events <- ev
	return true
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case <-c.quit:
			// Nothing can be posted any more; flush what is left so carried
			// resources are released.
			for {
				select {
				case ev := <-c.events:
					c.handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) handle(ev any) {
	switch ev := ev.(type) {
	case command:
		c.touch()
		switch ev.kind {
		case cmdStart:
			c.start()
		case cmdStop:
			c.stop()
		case cmdToggle:
			if c.status == StatusConnecting || c.status == StatusActive {
				c.stop()
			} else {
				c.start()
			}
		}
		close(ev.ack)
	case micReady:
		c.onMicReady(ev)
	case connected:
		c.onConnected(ev)
	case inbound:
		c.onMessage(ev)
	case remoteFailed:
		if c.current(ev.epoch) {
			c.fail(&ConnectionError{Err: ev.err})
		}
	case remoteClosed:
		if c.current(ev.epoch) {
			c.logger.Info("live session closed by remote")
			c.teardown(StatusStopped)
		}
	case playbackEnded:
		if c.current(ev.epoch) && c.sched != nil {
			if idle, removed := c.sched.Ended(ev.id); removed && idle {
				c.setSpeaking(false)
			}
		}
	default:
		c.logger.Error("unknown session event", "type", fmt.Sprintf("%T", ev))
	}
}

// current reports whether an event belongs to the running session.
func (c *Controller) current(epoch uint64) bool {
	return c.res != nil && epoch == c.epoch
}

func (c *Controller) start() {
	if c.status == StatusConnecting || c.status == StatusActive {
		c.logger.Debug("start ignored", "status", c.status)
		return
	}

	c.setStatus(StatusConnecting)
	c.epoch++
	c.startedAt = time.Now()
	c.transcript.reset()
	c.publishTranscription(Transcription{})

	c.res = newResources(c.epoch)
	ctx, epoch := c.res.ctx, c.epoch
	go func() {
		mic, err := c.devices.OpenMicrophone(ctx)
		if !c.post(micReady{epoch: epoch, mic: mic, err: err}) && mic != nil {
			_ = mic.Stop()
		}
	}()
}

func (c *Controller) onMicReady(ev micReady) {
	if !c.current(ev.epoch) || c.status != StatusConnecting {
		if ev.mic != nil {
			c.logger.Debug("releasing microphone granted after stop")
			_ = ev.mic.Stop()
		}
		return
	}
	if ev.err != nil {
		c.fail(&AcquisitionError{Err: ev.err})
		return
	}
	c.res.mic = ev.mic

	in, err := c.devices.NewInputContext(c.opts.InputSampleRate)
	if err != nil {
		c.fail(&AcquisitionError{Err: fmt.Errorf("input context: %w", err)})
		return
	}
	c.res.input = in

	out, err := c.devices.NewOutputContext(c.opts.OutputSampleRate)
	if err != nil {
		c.fail(&AcquisitionError{Err: fmt.Errorf("output context: %w", err)})
		return
	}
	c.res.output = out

	epoch := c.epoch
	c.sched = audio.NewScheduler(out, c.opts.OutputSampleRate, func(id uint64) {
		c.post(playbackEnded{epoch: epoch, id: id})
	})
	c.res.sender = newSender(c.res.future, c.opts.SendQueueSize, c.logger, c.opts.Metrics)

	go c.connect(c.res.ctx, epoch)
}

func (c *Controller) connect(ctx context.Context, epoch uint64) {
	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	remote, err := c.connector.Connect(ctx, &epochSink{c: c, epoch: epoch})
	if !c.post(connected{epoch: epoch, remote: remote, err: err}) && remote != nil {
		_ = remote.Close()
	}
}

func (c *Controller) onConnected(ev connected) {
	if !c.current(ev.epoch) || c.status != StatusConnecting {
		if ev.remote != nil {
			c.logger.Debug("closing live connection that resolved after stop")
			_ = ev.remote.Close()
		}
		return
	}
	if ev.err != nil {
		c.fail(&ConnectionError{Err: ev.err})
		return
	}
	if !c.res.future.resolve(ev.remote) {
		_ = ev.remote.Close()
		return
	}

	s := c.res.sender
	node, err := c.res.input.Capture(c.res.mic, c.opts.FrameSize, func(samples []float32) {
		s.send(c.chunker.Chunk(samples))
	})
	if err != nil {
		c.fail(&AcquisitionError{Err: fmt.Errorf("capture: %w", err)})
		return
	}
	c.res.capture = node

	c.setStatus(StatusActive)
	c.opts.Metrics.RecordConnect(context.Background(), time.Since(c.startedAt))
}

func (c *Controller) onMessage(ev inbound) {
	if !c.current(ev.epoch) || c.sched == nil || ev.msg == nil {
		return
	}
	sc := ev.msg.ServerContent
	if sc == nil {
		return
	}
	c.touch()

	if data := sc.AudioData(); data != "" {
		if _, err := c.sched.Schedule(data); err != nil {
			c.logger.Warn("dropping inbound audio", "error", err)
			c.emitError(err)
		} else {
			c.opts.Metrics.RecordBufferScheduled(context.Background())
			c.setSpeaking(true)
		}
	}

	c.publishTranscription(c.transcript.apply(sc))

	if sc.Interrupted {
		n := c.sched.Interrupt()
		c.opts.Metrics.RecordInterruption(context.Background())
		c.logger.Debug("agent interrupted", "stopped_buffers", n)
		c.setSpeaking(false)
	}
}

func (c *Controller) stop() {
	switch {
	case c.status == StatusIdle:
		return
	case c.status == StatusStopped && c.res == nil:
		return
	}
	c.teardown(StatusStopped)
}

// fail reports err and tears the session down. Acquisition failures leave
// the session in error; connection failures end in stopped.
func (c *Controller) fail(err error) {
	kind, final := "connection", StatusStopped
	var acq *AcquisitionError
	if errors.As(err, &acq) {
		kind, final = "acquisition", StatusError
	}

	c.logger.Error("live session failed", "kind", kind, "error", err)
	c.opts.Metrics.RecordSessionError(context.Background(), kind)
	c.setStatus(StatusError)
	c.emitError(err)
	c.teardown(final)
}

func (c *Controller) teardown(final Status) {
	if c.res != nil {
		if err := c.res.release(); err != nil {
			c.logger.Warn("session release reported errors", "error", err)
		}
		c.res = nil
	}
	if c.sched != nil {
		c.sched.Interrupt()
		c.sched = nil
	}
	c.setSpeaking(false)
	c.transcript.reset()
	c.publishTranscription(Transcription{})
	c.setStatus(final)
}

func (c *Controller) setStatus(to Status) {
	if to == c.status {
		return
	}
	next, err := transition(c.status, to)
	if err != nil {
		c.logger.Error("rejected status change", "error", err)
		return
	}
	prev := c.status
	c.status = next

	switch {
	case next == StatusActive:
		c.opts.Metrics.SessionActive(context.Background(), true)
	case prev == StatusActive:
		c.opts.Metrics.SessionActive(context.Background(), false)
	}

	c.viewMu.Lock()
	c.view.status = next
	c.viewMu.Unlock()

	c.logger.Info("session status changed", "from", prev.String(), "to", next.String())
	if c.opts.Hooks.OnStatus != nil {
		c.opts.Hooks.OnStatus(next)
	}
}

func (c *Controller) setSpeaking(v bool) {
	if c.speaking == v {
		return
	}
	c.speaking = v

	c.viewMu.Lock()
	c.view.speaking = v
	c.viewMu.Unlock()

	if c.opts.Hooks.OnSpeaking != nil {
		c.opts.Hooks.OnSpeaking(v)
	}
}

func (c *Controller) publishTranscription(t Transcription) {
	c.viewMu.Lock()
	c.view.transcription = t
	c.viewMu.Unlock()

	if c.opts.Hooks.OnTranscription != nil {
		c.opts.Hooks.OnTranscription(t)
	}
}

func (c *Controller) emitError(err error) {
	if c.opts.Hooks.OnError != nil {
		c.opts.Hooks.OnError(err)
	}
}

func (c *Controller) touch() {
	c.viewMu.Lock()
	c.view.lastActivity = time.Now()
	c.viewMu.Unlock()
}

// epochSink tags a remote's output with the start it belongs to.
type epochSink struct {
	c     *Controller
	epoch uint64
}

func (s *epochSink) Message(msg *messages.LiveMessage) {
	s.c.post(inbound{epoch: s.epoch, msg: msg})
}

func (s *epochSink) Error(err error) {
	s.c.post(remoteFailed{epoch: s.epoch, err: err})
}

func (s *epochSink) Closed() {
	s.c.post(remoteClosed{epoch: s.epoch})
}
