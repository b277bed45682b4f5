package syncloop

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/OCAP2/locsync/internal/syncloop"

type metrics struct {
	ticks        metric.Int64Counter
	skipped      metric.Int64Counter
	fetchErrors  metric.Int64Counter
	renderErrors metric.Int64Counter
	fetchLatency metric.Float64Histogram

	markersReg metric.Registration
}

// newMetrics creates the loop instruments on the global meter (no-op if not configured).
// markers reports the current marker count for the gauge callback.
func newMetrics(markers func() int) (*metrics, error) {
	m := otel.Meter(instrumentationName)
	out := &metrics{}

	var err error
	out.ticks, err = m.Int64Counter("syncloop.ticks",
		metric.WithDescription("Ticks that started a sync cycle"))
	if err != nil {
		return nil, fmt.Errorf("creating ticks counter: %w", err)
	}

	out.skipped, err = m.Int64Counter("syncloop.ticks.skipped",
		metric.WithDescription("Ticks skipped because a cycle was in flight"))
	if err != nil {
		return nil, fmt.Errorf("creating skipped counter: %w", err)
	}

	out.fetchErrors, err = m.Int64Counter("syncloop.fetch.errors",
		metric.WithDescription("Cycles abandoned on a fetch error"))
	if err != nil {
		return nil, fmt.Errorf("creating fetch error counter: %w", err)
	}

	out.renderErrors, err = m.Int64Counter("syncloop.render.errors",
		metric.WithDescription("Cycles abandoned on a render error"))
	if err != nil {
		return nil, fmt.Errorf("creating render error counter: %w", err)
	}

	out.fetchLatency, err = m.Float64Histogram("syncloop.fetch.duration",
		metric.WithDescription("Remote fetch duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating fetch duration histogram: %w", err)
	}

	gauge, err := m.Int64ObservableGauge("syncloop.markers",
		metric.WithDescription("Markers held by the loop"))
	if err != nil {
		return nil, fmt.Errorf("creating markers gauge: %w", err)
	}
	out.markersReg, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(gauge, int64(markers()))
			return nil
		},
		gauge,
	)
	if err != nil {
		return nil, fmt.Errorf("registering markers callback: %w", err)
	}

	return out, nil
}

// close detaches the markers gauge callback from the meter.
func (m *metrics) close() error {
	if m.markersReg == nil {
		return nil
	}
	err := m.markersReg.Unregister()
	m.markersReg = nil
	return err
}
