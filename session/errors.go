package session

import "fmt"

// AcquisitionError reports that the microphone or an audio context could not
// be acquired. errors.Is(err, audio.ErrPermissionDenied) identifies a user
// refusal.
type AcquisitionError struct {
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("session: audio acquisition failed: %v", e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// ConnectionError reports a failed handshake or a mid-session transport
// failure.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session: live connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
