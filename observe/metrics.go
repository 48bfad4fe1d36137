// Package observe provides the service's observability primitives:
// OpenTelemetry metric instruments exported for Prometheus scraping, and the
// structured logger.
//
// Tests should build instruments with [NewMetrics] on their own
// [metric.MeterProvider]. A nil *Metrics is valid and records nothing.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/tligentia/PacientIA"

// Metrics holds all OpenTelemetry metric instruments for the service.
type Metrics struct {
	// ActiveSessions tracks live voice sessions in the active state.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectDuration tracks the time from start to an active session.
	ConnectDuration metric.Float64Histogram

	// FramesSent counts captured frames delivered to the Live API.
	FramesSent metric.Int64Counter

	// FramesDropped counts captured frames that were never sent. Use with
	// attribute.String("reason", ...).
	FramesDropped metric.Int64Counter

	// BuffersScheduled counts inbound audio buffers placed for playback.
	BuffersScheduled metric.Int64Counter

	// Interruptions counts barge-in interruptions.
	Interruptions metric.Int64Counter

	// SessionErrors counts session failures. Use with
	// attribute.String("kind", ...).
	SessionErrors metric.Int64Counter
}

var connectBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("pacientia.active_sessions",
		metric.WithDescription("Number of live voice sessions in the active state."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("pacientia.connect.duration",
		metric.WithDescription("Time from start until the live session is active."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("pacientia.frames.sent",
		metric.WithDescription("Captured audio frames sent to the Live API."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("pacientia.frames.dropped",
		metric.WithDescription("Captured audio frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.BuffersScheduled, err = m.Int64Counter("pacientia.buffers.scheduled",
		metric.WithDescription("Inbound audio buffers scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("pacientia.interruptions",
		metric.WithDescription("Agent speech interrupted by the user."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("pacientia.session.errors",
		metric.WithDescription("Session failures by kind."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// SessionActive moves the active-session gauge by one in either direction.
func (m *Metrics) SessionActive(ctx context.Context, active bool) {
	if m == nil {
		return
	}
	delta := int64(-1)
	if active {
		delta = 1
	}
	m.ActiveSessions.Add(ctx, delta)
}

// RecordConnect records how long a session took to become active.
func (m *Metrics) RecordConnect(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectDuration.Record(ctx, d.Seconds())
}

// RecordFrameSent counts one delivered frame.
func (m *Metrics) RecordFrameSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.FramesSent.Add(ctx, 1)
}

// RecordFrameDropped counts one dropped frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBufferScheduled counts one scheduled playback buffer.
func (m *Metrics) RecordBufferScheduled(ctx context.Context) {
	if m == nil {
		return
	}
	m.BuffersScheduled.Add(ctx, 1)
}

// RecordInterruption counts one interruption.
func (m *Metrics) RecordInterruption(ctx context.Context) {
	if m == nil {
		return
	}
	m.Interruptions.Add(ctx, 1)
}

// RecordSessionError counts one session failure of the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
