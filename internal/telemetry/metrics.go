package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DownloadMetrics are the instruments recorded by download runs. A nil
// *DownloadMetrics records nothing.
type DownloadMetrics struct {
	requests  metric.Int64Counter
	outcomes  metric.Int64Counter
	rows      metric.Int64Counter
	latency   metric.Float64Histogram
	runLength metric.Float64Histogram
}

// NewDownloadMetrics registers the download instruments on meter.
func NewDownloadMetrics(meter metric.Meter) (*DownloadMetrics, error) {
	requests, err := meter.Int64Counter("meteoharvest.download.requests",
		metric.WithDescription("Sub-requests considered by download runs"))
	if err != nil {
		return nil, fmt.Errorf("creating requests counter: %w", err)
	}
	outcomes, err := meter.Int64Counter("meteoharvest.download.outcomes",
		metric.WithDescription("Terminal states of download sub-requests"))
	if err != nil {
		return nil, fmt.Errorf("creating outcomes counter: %w", err)
	}
	rows, err := meter.Int64Counter("meteoharvest.download.rows",
		metric.WithDescription("Rows written to artifacts"))
	if err != nil {
		return nil, fmt.Errorf("creating rows counter: %w", err)
	}
	latency, err := meter.Float64Histogram("meteoharvest.download.fetch_duration",
		metric.WithDescription("Duration of the two-hop fetch"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating fetch duration histogram: %w", err)
	}
	runLength, err := meter.Float64Histogram("meteoharvest.download.run_duration",
		metric.WithDescription("Duration of whole download runs"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating run duration histogram: %w", err)
	}

	return &DownloadMetrics{
		requests:  requests,
		outcomes:  outcomes,
		rows:      rows,
		latency:   latency,
		runLength: runLength,
	}, nil
}

// Request counts one sub-request of kind.
func (m *DownloadMetrics) Request(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Outcome counts a terminal state and the fetch latency when the unit was
// fetched.
func (m *DownloadMetrics) Outcome(ctx context.Context, kind, state string, fetch time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("state", state))
	m.outcomes.Add(ctx, 1, attrs)
	if fetch > 0 {
		m.latency.Record(ctx, fetch.Seconds(), attrs)
	}
}

// Rows counts rows written.
func (m *DownloadMetrics) Rows(ctx context.Context, kind string, n int) {
	if m == nil {
		return
	}
	m.rows.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
}

// Run records the duration of a finished run.
func (m *DownloadMetrics) Run(ctx context.Context, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.runLength.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}
