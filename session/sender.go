package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tligentia/PacientIA/audio"
	"github.com/tligentia/PacientIA/observe"
)

// remoteFuture is the pending remote handle of a session. It settles once:
// resolved with a live remote, or cancelled by teardown.
type remoteFuture struct {
	done   chan struct{}
	once   sync.Once
	remote Remote
}

func newRemoteFuture() *remoteFuture {
	return &remoteFuture{done: make(chan struct{})}
}

// resolve settles the future with r. It returns false if the future was
// already settled, in which case the caller owns r and must close it.
func (f *remoteFuture) resolve(r Remote) bool {
	ok := false
	f.once.Do(func() {
		f.remote = r
		ok = true
		close(f.done)
	})
	return ok
}

// cancel settles the future without a remote and returns whatever remote it
// had already been resolved with.
func (f *remoteFuture) cancel() Remote {
	f.once.Do(func() { close(f.done) })
	return f.remote
}

// wait blocks until the future settles. ok is false when it was cancelled.
func (f *remoteFuture) wait() (Remote, bool) {
	<-f.done
	return f.remote, f.remote != nil
}

// sender forwards captured frames to the remote in capture order once the
// handle resolves. It is safe to call send from driver goroutines.
type sender struct {
	future  *remoteFuture
	queue   chan audio.Frame
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
	metrics *observe.Metrics
	wg      sync.WaitGroup
}

func newSender(future *remoteFuture, size int, logger *slog.Logger, metrics *observe.Metrics) *sender {
	if size <= 0 {
		size = 1
	}
	s := &sender{
		future:  future,
		queue:   make(chan audio.Frame, size),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// send queues a frame. It never blocks: a full queue or a closed sender
// drops the frame.
func (s *sender) send(frame audio.Frame) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- frame:
	default:
		s.logger.Debug("outbound queue full, dropping frame", "samples", frame.Samples)
		s.metrics.RecordFrameDropped(context.Background(), "queue_full")
	}
}

func (s *sender) run() {
	defer s.wg.Done()

	remote, ok := s.future.wait()
	if !ok {
		return
	}

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.queue:
			// Teardown may have happened while this frame was queued.
			select {
			case <-s.done:
				return
			default:
			}
			if err := remote.SendAudio(frame); err != nil {
				s.logger.Warn("failed to send audio frame", "error", err)
				s.metrics.RecordFrameDropped(context.Background(), "send_error")
				continue
			}
			s.metrics.RecordFrameSent(context.Background())
		}
	}
}

// close stops forwarding and waits for the pump to exit. Queued frames are
// discarded. The future must be settled first or close blocks until it is.
func (s *sender) close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}
