package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the service and sweeper counters.
type Metrics struct {
	SessionsCreated  metric.Int64Counter
	VideosAttached   metric.Int64Counter
	SessionsDeleted  metric.Int64Counter
	SessionsSwept    metric.Int64Counter
	SweepFailures    metric.Int64Counter
	OrphansReclaimed metric.Int64Counter
}

// NewMetrics registers the counters on the given provider. A nil provider
// falls back to the global one (a no-op unless OTel export is configured).
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("emogo.backend")

	var (
		m   Metrics
		err error
	)
	if m.SessionsCreated, err = meter.Int64Counter("emogo.sessions.created"); err != nil {
		return nil, err
	}
	if m.VideosAttached, err = meter.Int64Counter("emogo.videos.attached"); err != nil {
		return nil, err
	}
	if m.SessionsDeleted, err = meter.Int64Counter("emogo.sessions.deleted"); err != nil {
		return nil, err
	}
	if m.SessionsSwept, err = meter.Int64Counter("emogo.retention.sessions_swept"); err != nil {
		return nil, err
	}
	if m.SweepFailures, err = meter.Int64Counter("emogo.retention.sweep_failures"); err != nil {
		return nil, err
	}
	if m.OrphansReclaimed, err = meter.Int64Counter("emogo.retention.orphans_reclaimed"); err != nil {
		return nil, err
	}
	return &m, nil
}
