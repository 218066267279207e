package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the scheduler's Prometheus collectors.
type Metrics struct {
	FramesTotal   *prometheus.CounterVec
	FramesDropped prometheus.Counter
	EventsFolded  prometheus.Counter
	Reconnects    prometheus.Counter
	PollTicks     prometheus.Counter
	PollInterval  prometheus.Gauge
}

// NewMetrics registers the scheduler collectors with the given
// registerer. Pass prometheus.DefaultRegisterer for /metrics exposure
// or a private registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "researchmon",
			Name:      "stream_frames_total",
			Help:      "Stream frames received, by frame type.",
		}, []string{"type"}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "researchmon",
			Name:      "stream_frames_dropped_total",
			Help:      "Stream frames dropped as malformed, unknown or misaddressed.",
		}),
		EventsFolded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "researchmon",
			Name:      "events_folded_total",
			Help:      "Normalized events folded into the reconciliation store.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "researchmon",
			Name:      "stream_reconnects_total",
			Help:      "Websocket reconnect attempts.",
		}),
		PollTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "researchmon",
			Name:      "poll_ticks_total",
			Help:      "REST poll cycles executed.",
		}),
		PollInterval: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "researchmon",
			Name:      "poll_interval_seconds",
			Help:      "Current adaptive poll interval.",
		}),
	}
}
