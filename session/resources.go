package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/tligentia/PacientIA/audio"
)

// resources is everything one start of a session acquires. Fields fill in as
// acquisition progresses; release handles any partial state.
type resources struct {
	epoch  uint64
	ctx    context.Context
	cancel context.CancelFunc
	future *remoteFuture
	sender *sender

	mic     audio.Microphone
	input   audio.InputContext
	output  audio.OutputContext
	capture audio.CaptureNode

	released bool
}

func newResources(epoch uint64) *resources {
	ctx, cancel := context.WithCancel(context.Background())
	return &resources{
		epoch:  epoch,
		ctx:    ctx,
		cancel: cancel,
		future: newRemoteFuture(),
	}
}

// release frees everything in a fixed order: remote, microphone, capture
// node, then both timing contexts. It keeps going past failures and returns
// them joined. Calling it twice is a no-op.
func (r *resources) release() error {
	if r.released {
		return nil
	}
	r.released = true

	var errs []error
	r.cancel()
	if remote := r.future.cancel(); remote != nil {
		if err := remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close remote: %w", err))
		}
	}
	if r.sender != nil {
		r.sender.close()
		r.sender = nil
	}

	if r.mic != nil {
		if err := r.mic.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop microphone: %w", err))
		}
		r.mic = nil
	}
	if r.capture != nil {
		if err := r.capture.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect capture: %w", err))
		}
		r.capture = nil
	}
	if r.input != nil {
		if err := r.input.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input context: %w", err))
		}
		r.input = nil
	}
	if r.output != nil {
		if err := r.output.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output context: %w", err))
		}
		r.output = nil
	}

	return errors.Join(errs...)
}
