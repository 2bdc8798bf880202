package session

import (
	"context"

	"github.com/loqalabs/loqa-capture/internal/errkind"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	started        metric.Int64Counter
	completed      metric.Int64Counter
	failed         metric.Int64Counter
	cancelled      metric.Int64Counter
	submitAttempts metric.Int64Counter
	submitDuration metric.Float64Histogram
}

func newMetrics(meter metric.Meter, active func() int64) (*metrics, error) {
	var m metrics
	var err error
	if m.started, err = meter.Int64Counter("loqa.capture.sessions.started",
		metric.WithDescription("Capture sessions opened")); err != nil {
		return nil, err
	}
	if m.completed, err = meter.Int64Counter("loqa.capture.sessions.completed",
		metric.WithDescription("Capture sessions that produced a transcription")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("loqa.capture.sessions.failed",
		metric.WithDescription("Capture sessions that ended in failure, by error kind")); err != nil {
		return nil, err
	}
	if m.cancelled, err = meter.Int64Counter("loqa.capture.sessions.cancelled",
		metric.WithDescription("Capture sessions cancelled by the caller")); err != nil {
		return nil, err
	}
	if m.submitAttempts, err = meter.Int64Counter("loqa.capture.submit.attempts",
		metric.WithDescription("Transcription submission attempts, retries included")); err != nil {
		return nil, err
	}
	if m.submitDuration, err = meter.Float64Histogram("loqa.capture.submit.duration",
		metric.WithDescription("Time from finalize to transcription outcome"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	_, err = meter.Int64ObservableGauge("loqa.capture.sessions.active",
		metric.WithDescription("Capture sessions not yet terminated"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(active())
			return nil
		}))
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) terminal(ctx context.Context, state State, err error) {
	switch state {
	case Completed:
		m.completed.Add(ctx, 1)
	case Cancelled:
		m.cancelled.Add(ctx, 1)
	case Failed:
		m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(errkind.Of(err)))))
	}
}
