// Package observe provides the recorder's OpenTelemetry metrics and the
// Prometheus bridge that exposes them on /metrics.
//
// Tests should build a [Metrics] with [NewMetrics] and their own
// [metric.MeterProvider]; production code uses [DefaultMetrics], which is
// backed by the global provider installed by [InitProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all recorder metrics.
const meterName = "github.com/audiolibrelab/psrecorder"

// Metrics holds the recorder's instruments. Safe for concurrent use.
type Metrics struct {
	// RecordingsStarted counts pipelines that passed the startup check.
	RecordingsStarted metric.Int64Counter

	// LaunchFailures counts Start calls whose pipeline failed to launch.
	LaunchFailures metric.Int64Counter

	// RecordingDuration tracks finished recording lengths. Use with
	// attribute.String("reason", ...).
	RecordingDuration metric.Float64Histogram

	// ActiveRecordings is 1 while a recording is in progress.
	ActiveRecordings metric.Int64UpDownCounter

	// Triggers counts toggle requests. Use with attribute.String("source", ...).
	Triggers metric.Int64Counter

	// TrackedDevices is the number of trigger devices currently open.
	TrackedDevices metric.Int64UpDownCounter

	// HTTPRequestDuration tracks control API latency. Use with
	// attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// durationBuckets are in seconds, sized for rehearsal-length recordings.
var durationBuckets = []float64{10, 60, 300, 600, 1200, 1800, 2700, 3600, 7200}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RecordingsStarted, err = m.Int64Counter("psrecorder.recordings.started",
		metric.WithDescription("Recordings started successfully."),
	); err != nil {
		return nil, err
	}
	if met.LaunchFailures, err = m.Int64Counter("psrecorder.recordings.launch_failures",
		metric.WithDescription("Recording pipelines that failed to start."),
	); err != nil {
		return nil, err
	}
	if met.RecordingDuration, err = m.Float64Histogram("psrecorder.recording.duration",
		metric.WithDescription("Length of finished recordings by stop reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveRecordings, err = m.Int64UpDownCounter("psrecorder.recording.active",
		metric.WithDescription("Recordings currently in progress."),
	); err != nil {
		return nil, err
	}
	if met.Triggers, err = m.Int64Counter("psrecorder.triggers",
		metric.WithDescription("Toggle and stop requests by source."),
	); err != nil {
		return nil, err
	}
	if met.TrackedDevices, err = m.Int64UpDownCounter("psrecorder.input.devices",
		metric.WithDescription("Trigger devices currently tracked."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("psrecorder.http.request.duration",
		metric.WithDescription("Control API request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance created from
// [otel.GetMeterProvider] on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordStart records a recording that started.
func (m *Metrics) RecordStart(ctx context.Context) {
	m.RecordingsStarted.Add(ctx, 1)
	m.ActiveRecordings.Add(ctx, 1)
}

// RecordLaunchFailure records a pipeline that failed to start.
func (m *Metrics) RecordLaunchFailure(ctx context.Context) {
	m.LaunchFailures.Add(ctx, 1)
}

// RecordStop records a finished recording.
func (m *Metrics) RecordStop(ctx context.Context, d time.Duration, reason string) {
	m.ActiveRecordings.Add(ctx, -1)
	m.RecordingDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTrigger records a toggle or stop request from source.
func (m *Metrics) RecordTrigger(ctx context.Context, source string) {
	m.Triggers.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}
