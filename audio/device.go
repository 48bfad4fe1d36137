package audio

import (
	"context"
	"errors"
	"time"
)

// ErrPermissionDenied is returned by drivers when the user refuses access to
// the microphone.
var ErrPermissionDenied = errors.New("audio: microphone permission denied")

// ErrDeviceUnavailable is returned when no capture or playback device can
// be opened at all.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// Devices is the hardware a live session acquires. A driver hands out one
// microphone and two independent timing contexts per session.
type Devices interface {
	// OpenMicrophone requests microphone access. It may block on a user
	// permission prompt.
	OpenMicrophone(ctx context.Context) (Microphone, error)

	// NewInputContext allocates the capture timing context.
	NewInputContext(sampleRate int) (InputContext, error)

	// NewOutputContext allocates the playback timing context.
	NewOutputContext(sampleRate int) (OutputContext, error)
}

// Microphone is an open capture device.
type Microphone interface {
	// Stop stops every hardware track. Safe to call more than once.
	Stop() error
}

// InputContext processes microphone input at a fixed sample rate.
type InputContext interface {
	// Capture wires mic into a processing node that calls onFrame with
	// exactly frameSize mono samples per call, from a driver goroutine.
	Capture(mic Microphone, frameSize int, onFrame func(samples []float32)) (CaptureNode, error)

	// Close releases the context. Safe to call more than once.
	Close() error
}

// CaptureNode is the processing node created by InputContext.Capture.
type CaptureNode interface {
	// Disconnect stops frame delivery. Safe to call more than once.
	Disconnect() error
}

// OutputContext is the playback clock and sink.
type OutputContext interface {
	// Now reports the current position of the output clock.
	Now() time.Duration

	// Play schedules buf to start at the given clock position. ended is
	// called from a driver goroutine when playback finishes naturally; it
	// must not be called once the returned Source has been stopped.
	Play(id uint64, buf Buffer, at time.Duration, ended func()) (Source, error)

	// Close releases the context. Safe to call more than once.
	Close() error
}

// Source is one scheduled or playing buffer.
type Source interface {
	// Stop cancels playback immediately.
	Stop()
}
