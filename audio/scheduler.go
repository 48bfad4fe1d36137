package audio

import (
	"fmt"
	"time"
)

// Scheduled describes a buffer placed on the output timeline.
type Scheduled struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
}

// Scheduler lays inbound audio buffers back-to-back on an output clock.
//
// A Scheduler is not safe for concurrent use. Its owner serializes every
// call; driver goroutines must route playback-end notifications back to the
// owner (the notify func) instead of calling Ended themselves.
type Scheduler struct {
	out        OutputContext
	sampleRate int
	notify     func(id uint64)

	cursor time.Duration
	nextID uint64
	active map[uint64]Source
}

// NewScheduler creates a scheduler on out. notify is called with the id of a
// buffer that finished playing naturally, from a driver goroutine.
func NewScheduler(out OutputContext, sampleRate int, notify func(id uint64)) *Scheduler {
	return &Scheduler{
		out:        out,
		sampleRate: sampleRate,
		notify:     notify,
		active:     make(map[uint64]Source),
	}
}

// Schedule decodes a base64 PCM payload and plays it at
// max(cursor, output clock). The cursor only moves on success.
func (s *Scheduler) Schedule(data string) (Scheduled, error) {
	buf, err := DecodeBuffer(data, s.sampleRate)
	if err != nil {
		return Scheduled{}, err
	}
	return s.ScheduleBuffer(buf)
}

// ScheduleBuffer plays an already decoded buffer.
func (s *Scheduler) ScheduleBuffer(buf Buffer) (Scheduled, error) {
	start := max(s.cursor, s.out.Now())
	s.nextID++
	id := s.nextID

	src, err := s.out.Play(id, buf, start, func() {
		if s.notify != nil {
			s.notify(id)
		}
	})
	if err != nil {
		return Scheduled{}, fmt.Errorf("play buffer %d: %w", id, err)
	}

	d := buf.Duration()
	s.cursor = start + d
	s.active[id] = src
	return Scheduled{ID: id, Start: start, Duration: d}, nil
}

// Ended removes a naturally finished buffer from the active set. removed is
// false for ids that were already stopped; idle reports an empty set.
func (s *Scheduler) Ended(id uint64) (idle, removed bool) {
	if _, ok := s.active[id]; !ok {
		return len(s.active) == 0, false
	}
	delete(s.active, id)
	return len(s.active) == 0, true
}

// Interrupt stops every active buffer, clears the set and rewinds the cursor
// to zero. It returns the number of buffers stopped.
func (s *Scheduler) Interrupt() int {
	n := len(s.active)
	for id, src := range s.active {
		src.Stop()
		delete(s.active, id)
	}
	s.cursor = 0
	return n
}

// Speaking reports whether any buffer is scheduled or playing.
func (s *Scheduler) Speaking() bool { return len(s.active) > 0 }

// Cursor returns the end of the last scheduled buffer.
func (s *Scheduler) Cursor() time.Duration { return s.cursor }

// Active returns the number of buffers in the active set.
func (s *Scheduler) Active() int { return len(s.active) }
