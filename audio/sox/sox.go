// Package sox drives the host sound card through the sox command-line tool.
//
// Capture runs "sox -d" emitting raw float32 samples on stdout; playback runs
// a second sox process reading signed 16-bit PCM on stdin. The output clock
// is wall time since the output context was created.
package sox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/tligentia/PacientIA/audio"
)

// DefaultPath is used when Devices.Path is empty.
const DefaultPath = "sox"

// Devices implements audio.Devices on top of sox.
type Devices struct {
	Path   string
	Logger *slog.Logger
}

var _ audio.Devices = (*Devices)(nil)

// New returns sox-backed devices.
func New(path string, logger *slog.Logger) *Devices {
	if logger == nil {
		logger = slog.Default()
	}
	return &Devices{Path: path, Logger: logger}
}

func (d *Devices) bin() string {
	if d.Path == "" {
		return DefaultPath
	}
	return d.Path
}

func (d *Devices) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// OpenMicrophone starts a sox capture process on the default input device.
func (d *Devices) OpenMicrophone(ctx context.Context) (audio.Microphone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(d.bin(),
		"-q",
		"-d",
		"-t", "raw",
		"-r", fmt.Sprint(audio.InputSampleRate),
		"-e", "floating-point",
		"-b", "32",
		"-c", "1",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sox capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s not installed", audio.ErrDeviceUnavailable, d.bin())
		}
		return nil, fmt.Errorf("start sox capture: %w", err)
	}

	d.logger().Debug("sox capture started", "pid", cmd.Process.Pid)
	return &microphone{cmd: cmd, stdout: stdout}, nil
}

type microphone struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
	err    error
}

func (m *microphone) Stop() error {
	m.once.Do(func() {
		if err := m.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			m.err = fmt.Errorf("kill sox capture: %w", err)
		}
		// Wait reports the kill signal; that is the expected exit.
		_ = m.cmd.Wait()
	})
	return m.err
}

// NewInputContext returns the capture context. sox resamples to the input
// rate itself, so only that rate is accepted.
func (d *Devices) NewInputContext(sampleRate int) (audio.InputContext, error) {
	if sampleRate != audio.InputSampleRate {
		return nil, fmt.Errorf("sox: unsupported input rate %d", sampleRate)
	}
	return &inputContext{logger: d.logger()}, nil
}

type inputContext struct {
	logger *slog.Logger
	mu     sync.Mutex
	nodes  []*captureNode
	closed bool
}

func (c *inputContext) Capture(mic audio.Microphone, frameSize int, onFrame func([]float32)) (audio.CaptureNode, error) {
	m, ok := mic.(*microphone)
	if !ok {
		return nil, fmt.Errorf("sox: microphone %T not opened by this driver", mic)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("sox: input context closed")
	}

	n := &captureNode{done: make(chan struct{})}
	c.nodes = append(c.nodes, n)
	go n.run(m.stdout, frameSize, onFrame, c.logger)
	return n, nil
}

func (c *inputContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, n := range c.nodes {
		_ = n.Disconnect()
	}
	return nil
}

type captureNode struct {
	done chan struct{}
	once sync.Once
}

func (n *captureNode) run(r io.Reader, frameSize int, onFrame func([]float32), logger *slog.Logger) {
	buf := make([]byte, frameSize*4)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			select {
			case <-n.done:
			default:
				logger.Warn("sox capture ended", "error", err)
			}
			return
		}
		select {
		case <-n.done:
			return
		default:
		}
		onFrame(audio.Float32LEToSamples(buf))
	}
}

func (n *captureNode) Disconnect() error {
	n.once.Do(func() { close(n.done) })
	return nil
}

// NewOutputContext starts a sox playback process on the default output
// device.
func (d *Devices) NewOutputContext(sampleRate int) (audio.OutputContext, error) {
	bin := d.bin()
	out, err := newOutputContext(func() (*player, error) { return startPlayer(bin, sampleRate) }, d.logger())
	if err != nil {
		return nil, err
	}
	return out, nil
}

// player is one sox playback process fed through stdin.
type player struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func startPlayer(bin string, sampleRate int) (*player, error) {
	cmd := exec.Command(bin,
		"-q",
		"-t", "raw",
		"-r", fmt.Sprint(sampleRate),
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sox playback stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sox playback: %w", err)
	}
	return &player{cmd: cmd, stdin: stdin}, nil
}

// stop discards whatever the process still holds.
func (p *player) stop() error {
	var errs []error
	if err := p.stdin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sox stdin: %w", err))
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, fmt.Errorf("kill sox playback: %w", err))
	}
	_ = p.cmd.Wait()
	return errors.Join(errs...)
}

func newOutputContext(spawn func() (*player, error), logger *slog.Logger) (*outputContext, error) {
	p, err := spawn()
	if err != nil {
		return nil, err
	}
	return &outputContext{
		spawn:   spawn,
		player:  p,
		epoch:   time.Now(),
		sources: make(map[uint64]*source),
		logger:  logger,
	}, nil
}

type outputContext struct {
	spawn  func() (*player, error)
	epoch  time.Time
	logger *slog.Logger

	mu     sync.Mutex
	player *player
	// dirty is set once PCM reaches the current player.
	dirty   bool
	sources map[uint64]*source
	closed  bool
}

func (o *outputContext) Now() time.Duration { return time.Since(o.epoch) }

// Play writes the buffer to sox when its start time arrives and reports the
// natural end one duration later. Stopping a source that already reached sox
// restarts the player, dropping everything it had queued.
func (o *outputContext) Play(id uint64, buf audio.Buffer, at time.Duration, ended func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errors.New("sox: output context closed")
	}

	pcm := audio.FloatToPCM16(buf.Samples)
	delay := max(at-o.Now(), 0)
	s := &source{out: o}
	s.mu.Lock()
	s.start = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.stopped {
			o.write(id, pcm)
			s.written = true
		}
	})
	s.end = time.AfterFunc(delay+buf.Duration(), func() {
		if s.finish() {
			o.forget(id)
			ended()
		}
	})
	s.mu.Unlock()

	o.sources[id] = s
	return s, nil
}

func (o *outputContext) write(id uint64, pcm []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.player == nil {
		return
	}
	o.dirty = true
	if _, err := o.player.stdin.Write(pcm); err != nil {
		o.logger.Warn("sox playback write failed", "id", id, "error", err)
	}
}

// flush replaces the player if it holds audio. Several sources stopped by
// one interruption restart it once.
func (o *outputContext) flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || !o.dirty {
		return
	}
	o.dirty = false
	if o.player != nil {
		if err := o.player.stop(); err != nil {
			o.logger.Debug("sox playback stop failed", "error", err)
		}
	}
	p, err := o.spawn()
	if err != nil {
		o.logger.Warn("sox playback restart failed", "error", err)
	}
	o.player = p
}

func (o *outputContext) forget(id uint64) {
	o.mu.Lock()
	delete(o.sources, id)
	o.mu.Unlock()
}

func (o *outputContext) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	sources := o.sources
	o.sources = nil
	p := o.player
	o.player = nil
	o.mu.Unlock()

	for _, s := range sources {
		s.Stop()
	}
	if p == nil {
		return nil
	}
	return p.stop()
}

type source struct {
	out *outputContext

	mu      sync.Mutex
	start   *time.Timer
	end     *time.Timer
	stopped bool
	written bool
}

// finish marks a natural end; false if the source was stopped first.
func (s *source) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.stopped = true
	return true
}

func (s *source) Stop() {
	s.mu.Lock()
	audible := !s.stopped && s.written
	s.stopped = true
	if s.start != nil {
		s.start.Stop()
	}
	if s.end != nil {
		s.end.Stop()
	}
	s.mu.Unlock()

	if audible && s.out != nil {
		s.out.flush()
	}
}
