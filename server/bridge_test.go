package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tligentia/PacientIA/audio"
	"github.com/tligentia/PacientIA/messages"
	"github.com/tligentia/PacientIA/session"
)

func newTestBridge() *bridge {
	c := newClient(nil, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b := newBridge(c, 1<<20)
	b.sessionID = "s1"
	return b
}

func nextMessage(t *testing.T, b *bridge) *messages.ServerMessage {
	t.Helper()
	select {
	case m := <-b.client.writeChan:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message queued")
		return nil
	}
}

func TestBridge_MicrophoneDenied(t *testing.T) {
	t.Parallel()

	b := newTestBridge()
	b.setMicDenied(true)
	if _, err := b.OpenMicrophone(context.Background()); !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	b.setMicDenied(false)
	if _, err := b.OpenMicrophone(context.Background()); err != nil {
		t.Fatalf("OpenMicrophone: %v", err)
	}
}

func TestBridge_FeedOnlyWhileCapturing(t *testing.T) {
	t.Parallel()

	b := newTestBridge()
	raw := make([]byte, 4*audio.FrameSize)

	if err := b.feed(raw); err != nil || b.framer.Size() != 0 {
		t.Fatalf("feed without capture kept %d bytes, err %v", b.framer.Size(), err)
	}

	mic, _ := b.OpenMicrophone(context.Background())
	in, err := b.NewInputContext(audio.InputSampleRate)
	if err != nil {
		t.Fatal(err)
	}
	var got int
	node, err := in.Capture(mic, audio.FrameSize, func(s []float32) { got += len(s) })
	if err != nil {
		t.Fatal(err)
	}

	if err := b.feed(raw[:100]); err != nil {
		t.Fatal(err)
	}
	if err := b.feed(raw[100:]); err != nil {
		t.Fatal(err)
	}
	if got != audio.FrameSize {
		t.Errorf("captured %d samples, want %d", got, audio.FrameSize)
	}

	_ = node.Disconnect()
	if err := b.feed(raw); err != nil || got != audio.FrameSize {
		t.Errorf("frames delivered after disconnect")
	}
}

func TestBridge_RejectsForeignRate(t *testing.T) {
	t.Parallel()

	b := newTestBridge()
	if _, err := b.NewInputContext(48000); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestBridgeOutput_PlayStopClose(t *testing.T) {
	t.Parallel()

	b := newTestBridge()
	out, err := b.NewOutputContext(audio.OutputSampleRate)
	if err != nil {
		t.Fatal(err)
	}
	buf := audio.Buffer{Samples: make([]float32, audio.OutputSampleRate), SampleRate: audio.OutputSampleRate}

	ended := make(chan uint64, 4)
	src1, err := out.Play(1, buf, 0, func() { ended <- 1 })
	if err != nil {
		t.Fatal(err)
	}
	if m := nextMessage(t, b); m.Type != messages.TypeAudio {
		t.Fatalf("got %s, want audio", m.Type)
	}
	if _, err := out.Play(2, buf, time.Second, func() { ended <- 2 }); err != nil {
		t.Fatal(err)
	}
	nextMessage(t, b)

	// The UI's report ends buffer 2 early; stopping buffer 1 sends stop_audio
	// and never reports an end.
	b.playbackEnded(2)
	if id := <-ended; id != 2 {
		t.Errorf("ended %d, want 2", id)
	}
	src1.Stop()
	m := nextMessage(t, b)
	if p, ok := m.Payload.(messages.StopAudioPayload); m.Type != messages.TypeStopAudio || !ok || len(p.IDs) != 1 || p.IDs[0] != 1 {
		t.Errorf("stop message = %+v", m)
	}
	src1.Stop()

	if _, err := out.Play(3, buf, 0, func() { ended <- 3 }); err != nil {
		t.Fatal(err)
	}
	nextMessage(t, b)
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
	m = nextMessage(t, b)
	if p, ok := m.Payload.(messages.StopAudioPayload); !ok || len(p.IDs) != 1 || p.IDs[0] != 3 {
		t.Errorf("close message = %+v", m)
	}
	if _, err := out.Play(4, buf, 0, func() {}); err == nil {
		t.Error("play after close succeeded")
	}

	select {
	case id := <-ended:
		t.Errorf("unexpected end for %d", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestErrorMessage_Codes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		code string
	}{
		{&session.AcquisitionError{Err: audio.ErrPermissionDenied}, messages.ErrCodeMicrophone},
		{&session.ConnectionError{Err: errors.New("refused")}, messages.ErrCodeConnection},
		{audio.ErrMalformedAudio, messages.ErrCodeDecode},
		{errors.New("other"), messages.ErrCodeSessionFailed},
	}
	for _, tt := range tests {
		m := errorMessage("s1", tt.err)
		if p := m.Payload.(messages.ErrorPayload); p.Code != tt.code {
			t.Errorf("%v: code %s, want %s", tt.err, p.Code, tt.code)
		}
	}
}
