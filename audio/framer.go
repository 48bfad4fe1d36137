package audio

import (
	"errors"
	"sync"
)

// ErrBufferFull is returned when pending capture data exceeds the framer's cap
var ErrBufferFull = errors.New("audio buffer full")

// Framer accumulates raw float32 capture bytes and cuts them into fixed-size
// sample frames
type Framer struct {
	pending   []byte
	frameSize int
	maxSize   int
	mu        sync.Mutex
}

// NewFramer creates a framer emitting frameSize samples per frame and holding
// at most maxSize pending bytes
func NewFramer(frameSize, maxSize int) *Framer {
	return &Framer{
		frameSize: frameSize,
		maxSize:   maxSize,
	}
}

// MaxSize returns the maximum number of pending bytes
func (f *Framer) MaxSize() int {
	return f.maxSize
}

// FrameSize returns the number of samples per emitted frame
func (f *Framer) FrameSize() int {
	return f.frameSize
}

// Append adds little-endian float32 bytes and returns every complete frame.
// Returns ErrBufferFull, keeping nothing from chunk, if the pending data
// would exceed maxSize
func (f *Framer) Append(chunk []byte) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending)+len(chunk) > f.maxSize {
		return nil, ErrBufferFull
	}
	f.pending = append(f.pending, chunk...)

	frameBytes := f.frameSize * 4
	var frames [][]float32
	for len(f.pending) >= frameBytes {
		frames = append(frames, Float32LEToSamples(f.pending[:frameBytes]))
		f.pending = f.pending[frameBytes:]
	}
	// Compact so the backing array does not grow without bound.
	if len(frames) > 0 {
		f.pending = append([]byte(nil), f.pending...)
	}
	return frames, nil
}

// Clear drops pending bytes
func (f *Framer) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = nil
}

// Size returns the number of pending bytes
func (f *Framer) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// IsEmpty returns true if nothing is pending
func (f *Framer) IsEmpty() bool {
	return f.Size() == 0
}
