package session

import (
	"context"
	"encoding/base64"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/tligentia/PacientIA/audio"
	"github.com/tligentia/PacientIA/messages"
)

func newTestController(t *testing.T, d *fakeDevices, conn *fakeConnector, rec *recorder, opts Options) *Controller {
	t.Helper()
	opts.Logger = discardLogger()
	opts.Hooks = rec.hooks()
	c := NewController("test-session", d, conn, opts)
	t.Cleanup(c.Close)
	return c
}

func startActive(t *testing.T) (*Controller, *fakeDevices, *fakeConnector, *recorder) {
	t.Helper()
	d, conn, rec := &fakeDevices{}, &fakeConnector{}, &recorder{}
	c := newTestController(t, d, conn, rec, Options{})
	c.Start()
	waitFor(t, "active status", func() bool { return c.Status() == StatusActive })
	return c, d, conn, rec
}

func TestController_FullSession(t *testing.T) {
	t.Parallel()

	c, d, conn, rec := startActive(t)
	in, out, remote, sink := d.input(0), d.output(0), conn.remote(0), conn.sink(0)

	// Capture goes out as one base64 PCM frame per 4096-sample callback.
	samples := make([]float32, audio.FrameSize)
	samples[0] = 0.5
	in.emit(samples)
	select {
	case f := <-remote.frames:
		if f.MIMEType != "audio/pcm;rate=16000" || f.Samples != audio.FrameSize {
			t.Errorf("frame = %q with %d samples", f.MIMEType, f.Samples)
		}
		raw, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil || len(raw) != 2*audio.FrameSize {
			t.Fatalf("frame data: %d bytes, err %v", len(raw), err)
		}
		if raw[0] != 0x00 || raw[1] != 0x40 {
			t.Errorf("first sample bytes = %x %x, want 00 40", raw[0], raw[1])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("frame never reached the remote")
	}

	// Two 100ms buffers play back to back.
	sink.Message(audioMessage(2400))
	sink.Message(audioMessage(2400))
	waitFor(t, "two scheduled buffers", func() bool { return len(out.playList()) == 2 })
	plays := out.playList()
	if plays[0].at != 0 || plays[1].at != 100*time.Millisecond {
		t.Errorf("starts = %v, %v; want 0, 100ms", plays[0].at, plays[1].at)
	}
	waitFor(t, "speaking", c.Speaking)

	// Transcripts replace, then clear on turn complete.
	sink.Message(transcriptMessage(ptr("Hola"), ptr("Hi"), false))
	waitFor(t, "draft transcript", func() bool {
		return c.Transcription() == Transcription{UserInput: "Hola", AIOutput: "Hi"}
	})
	sink.Message(transcriptMessage(nil, nil, true))
	waitFor(t, "completed transcript", func() bool {
		tr := rec.transList()
		return len(tr) > 0 && tr[len(tr)-1] == Transcription{UserInput: "Hola", AIOutput: "Hi", IsComplete: true}
	})
	sink.Message(transcriptMessage(nil, ptr("Next"), false))
	waitFor(t, "fresh turn", func() bool {
		return c.Transcription() == Transcription{AIOutput: "Next"}
	})

	// Speaking ends when the last buffer finishes.
	out.finish(plays[0].id)
	out.finish(plays[1].id)
	waitFor(t, "not speaking", func() bool { return !c.Speaking() })

	c.Stop()
	if got := c.Status(); got != StatusStopped {
		t.Fatalf("status after stop = %s", got)
	}
	if !remote.closed() || !d.mic(0).stopped.Load() || !in.node.disconnected.Load() {
		t.Error("remote, microphone or capture node not released")
	}
	if !in.closed.Load() || !out.closed.Load() {
		t.Error("timing contexts not closed")
	}
	if c.Transcription() != (Transcription{}) {
		t.Errorf("transcription not cleared: %+v", c.Transcription())
	}
	want := []Status{StatusConnecting, StatusActive, StatusStopped}
	if got := rec.statusList(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
}

func TestController_Interruption(t *testing.T) {
	t.Parallel()

	c, d, conn, _ := startActive(t)
	out, sink := d.output(0), conn.sink(0)

	sink.Message(audioMessage(2400))
	sink.Message(audioMessage(2400))
	waitFor(t, "two scheduled buffers", func() bool { return len(out.playList()) == 2 })
	plays := out.playList()

	out.setNow(50 * time.Millisecond)
	sink.Message(&messages.LiveMessage{ServerContent: &messages.ServerContent{Interrupted: true}})
	waitFor(t, "buffers stopped", func() bool {
		return out.source(plays[0].id).stopped.Load() && out.source(plays[1].id).stopped.Load()
	})
	waitFor(t, "not speaking", func() bool { return !c.Speaking() })

	// A late natural end for a stopped buffer changes nothing; the next
	// buffer starts at the clock because the cursor was rewound.
	out.finish(plays[0].id)
	sink.Message(audioMessage(240))
	waitFor(t, "third buffer", func() bool { return len(out.playList()) == 3 })
	if got := out.playList()[2].at; got != 50*time.Millisecond {
		t.Errorf("start after interruption = %v, want 50ms", got)
	}
	waitFor(t, "speaking again", c.Speaking)
	if c.Status() != StatusActive {
		t.Errorf("interruption changed status to %s", c.Status())
	}
}

func TestController_DecodeFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	c, d, conn, rec := startActive(t)
	out, sink := d.output(0), conn.sink(0)

	sink.Message(&messages.LiveMessage{ServerContent: &messages.ServerContent{
		ModelTurn: &messages.ModelTurn{Parts: []messages.Part{{InlineData: &messages.InlineData{Data: "%%%"}}}},
	}})
	waitFor(t, "error hook", func() bool { return len(rec.errList()) == 1 })
	if err := rec.errList()[0]; !errors.Is(err, audio.ErrMalformedAudio) {
		t.Errorf("error = %v, want ErrMalformedAudio", err)
	}

	sink.Message(audioMessage(240))
	waitFor(t, "buffer after failure", func() bool { return len(out.playList()) == 1 })
	if c.Status() != StatusActive {
		t.Errorf("status = %s, want active", c.Status())
	}
}

func TestController_MicrophoneDenied(t *testing.T) {
	t.Parallel()

	d, conn, rec := &fakeDevices{micErr: audio.ErrPermissionDenied}, &fakeConnector{}, &recorder{}
	c := newTestController(t, d, conn, rec, Options{})

	c.Start()
	waitFor(t, "error status", func() bool { return c.Status() == StatusError })

	errs := rec.errList()
	if len(errs) != 1 {
		t.Fatalf("errors = %v, want one", errs)
	}
	var acq *AcquisitionError
	if !errors.As(errs[0], &acq) || !errors.Is(errs[0], audio.ErrPermissionDenied) {
		t.Errorf("error = %v, want AcquisitionError wrapping ErrPermissionDenied", errs[0])
	}
	if conn.calls() != 0 {
		t.Error("connected despite denied microphone")
	}
	if _, inputs, outputs := d.counts(); inputs+outputs != 0 {
		t.Error("timing contexts allocated despite denied microphone")
	}

	c.Stop()
	want := []Status{StatusConnecting, StatusError, StatusStopped}
	if got := rec.statusList(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
}

func TestController_ConnectFailure(t *testing.T) {
	t.Parallel()

	d, rec := &fakeDevices{}, &recorder{}
	conn := &fakeConnector{err: errors.New("handshake refused")}
	c := newTestController(t, d, conn, rec, Options{})

	c.Start()
	waitFor(t, "stopped after failure", func() bool { return c.Status() == StatusStopped })

	want := []Status{StatusConnecting, StatusError, StatusStopped}
	if got := rec.statusList(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	var ce *ConnectionError
	if errs := rec.errList(); len(errs) != 1 || !errors.As(errs[0], &ce) {
		t.Errorf("errors = %v, want one ConnectionError", errs)
	}
	if !d.mic(0).stopped.Load() || !d.input(0).closed.Load() || !d.output(0).closed.Load() {
		t.Error("partial resources not released")
	}
}

func TestController_ConnectTimeout(t *testing.T) {
	t.Parallel()

	d, rec := &fakeDevices{}, &recorder{}
	conn := &fakeConnector{gate: make(chan struct{})}
	c := newTestController(t, d, conn, rec, Options{ConnectTimeout: 20 * time.Millisecond})

	c.Start()
	waitFor(t, "stopped after timeout", func() bool { return c.Status() == StatusStopped })
	if errs := rec.errList(); len(errs) != 1 || !errors.Is(errs[0], context.DeadlineExceeded) {
		t.Errorf("errors = %v, want deadline exceeded", errs)
	}
}

func TestController_ConnectionResolvingAfterStopIsClosed(t *testing.T) {
	t.Parallel()

	d, rec := &fakeDevices{}, &recorder{}
	gate := make(chan struct{})
	conn := &fakeConnector{gate: gate, ignoreCtx: true}
	c := newTestController(t, d, conn, rec, Options{})

	c.Start()
	waitFor(t, "connect attempt", func() bool { return conn.calls() == 1 })
	c.Stop()
	if c.Status() != StatusStopped || !d.mic(0).stopped.Load() {
		t.Fatal("stop while connecting did not tear down")
	}

	close(gate)
	waitFor(t, "late remote closed", func() bool {
		return conn.remoteCount() == 1 && conn.remote(0).closed()
	})
	if c.Status() != StatusStopped {
		t.Errorf("late connection revived the session: %s", c.Status())
	}
	want := []Status{StatusConnecting, StatusStopped}
	if got := rec.statusList(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
}

func TestController_MicrophoneGrantedAfterStopIsReleased(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	d, conn, rec := &fakeDevices{micGate: gate}, &fakeConnector{}, &recorder{}
	c := newTestController(t, d, conn, rec, Options{})

	c.Start()
	c.Stop()
	close(gate)

	waitFor(t, "no live microphone", func() bool {
		mics, _, _ := d.counts()
		return mics == 0 || d.mic(0).stopped.Load()
	})
	if conn.calls() != 0 {
		t.Error("connected after stop")
	}
}

func TestController_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	d, conn, rec := &fakeDevices{}, &fakeConnector{}, &recorder{}
	c := newTestController(t, d, conn, rec, Options{})

	c.Stop()
	if c.Status() != StatusIdle || len(rec.statusList()) != 0 {
		t.Fatalf("stop while idle changed state: %s %v", c.Status(), rec.statusList())
	}

	c.Start()
	waitFor(t, "active", func() bool { return c.Status() == StatusActive })
	c.Stop()
	c.Stop()

	want := []Status{StatusConnecting, StatusActive, StatusStopped}
	if got := rec.statusList(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if n := conn.remote(0).closes.Load(); n != 1 {
		t.Errorf("remote closed %d times, want 1", n)
	}
}

func TestController_StartWhileRunningIsIgnored(t *testing.T) {
	t.Parallel()

	c, d, conn, _ := startActive(t)
	c.Start()
	if conn.calls() != 1 {
		t.Errorf("connect calls = %d, want 1", conn.calls())
	}
	if mics, _, _ := d.counts(); mics != 1 {
		t.Errorf("microphones = %d, want 1", mics)
	}
}

func TestController_Toggle(t *testing.T) {
	t.Parallel()

	d, conn, rec := &fakeDevices{}, &fakeConnector{}, &recorder{}
	c := newTestController(t, d, conn, rec, Options{})

	c.Toggle()
	waitFor(t, "active", func() bool { return c.Status() == StatusActive })
	c.Toggle()
	if c.Status() != StatusStopped {
		t.Fatalf("second toggle left %s", c.Status())
	}
	c.Toggle()
	waitFor(t, "active again", func() bool { return c.Status() == StatusActive })
	if conn.calls() != 2 {
		t.Errorf("connect calls = %d, want 2", conn.calls())
	}
}

func TestController_RemoteClosed(t *testing.T) {
	t.Parallel()

	c, d, conn, rec := startActive(t)
	conn.sink(0).Closed()

	waitFor(t, "stopped", func() bool { return c.Status() == StatusStopped })
	if !conn.remote(0).closed() || !d.mic(0).stopped.Load() {
		t.Error("resources not released after remote close")
	}
	if len(rec.errList()) != 0 {
		t.Errorf("remote close reported errors: %v", rec.errList())
	}
}

func TestController_RemoteError(t *testing.T) {
	t.Parallel()

	c, _, conn, rec := startActive(t)
	conn.sink(0).Error(errors.New("socket reset"))

	waitFor(t, "stopped", func() bool { return c.Status() == StatusStopped })
	want := []Status{StatusConnecting, StatusActive, StatusError, StatusStopped}
	if got := rec.statusList(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
}

func TestController_StaleMessagesAfterRestart(t *testing.T) {
	t.Parallel()

	c, d, conn, _ := startActive(t)
	oldSink := conn.sink(0)

	c.Stop()
	c.Start()
	waitFor(t, "active again", func() bool { return c.Status() == StatusActive })

	oldSink.Message(audioMessage(240))
	conn.sink(1).Message(audioMessage(240))
	waitFor(t, "new session buffer", func() bool { return len(d.output(1).playList()) == 1 })

	if n := len(d.output(0).playList()); n != 0 {
		t.Errorf("old output got %d buffers", n)
	}
	if n := len(d.output(1).playList()); n != 1 {
		t.Errorf("new output got %d buffers, want 1", n)
	}
}

func TestController_CloseReleasesAndDisables(t *testing.T) {
	t.Parallel()

	c, d, conn, _ := startActive(t)
	c.Close()

	if !d.mic(0).stopped.Load() || !conn.remote(0).closed() {
		t.Error("close did not release the session")
	}
	c.Start()
	if c.Status() != StatusStopped {
		t.Errorf("start after close changed status to %s", c.Status())
	}
}

func TestController_OnClosedRunsOnce(t *testing.T) {
	t.Parallel()

	var closed int
	rec := &recorder{}
	hooks := rec.hooks()
	hooks.OnClosed = func() { closed++ }
	c := NewController("test-session", &fakeDevices{}, &fakeConnector{}, Options{Logger: discardLogger(), Hooks: hooks})

	c.Close()
	c.Close()
	if closed != 1 {
		t.Errorf("OnClosed ran %d times, want 1", closed)
	}
}

func TestController_TouchRefreshesActivity(t *testing.T) {
	t.Parallel()

	c := newTestController(t, &fakeDevices{}, &fakeConnector{}, &recorder{}, Options{})
	before := c.LastActivity()
	time.Sleep(5 * time.Millisecond)
	c.Touch()
	if !c.LastActivity().After(before) {
		t.Error("Touch did not move LastActivity forward")
	}
}
