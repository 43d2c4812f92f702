package drshare

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors of a relay server. It is an Observer that
// counts protocol events.
type Metrics struct {
	registry *prometheus.Registry

	Events         *prometheus.CounterVec
	ResponseStatus *prometheus.CounterVec
	RoundTrip      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them, with Go runtime and process
// metrics, on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devrelay",
				Subsystem: "hub",
				Name:      "events_total",
				Help:      "Total number of session events by kind",
			},
			[]string{"kind"},
		),
		ResponseStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devrelay",
				Subsystem: "device",
				Name:      "responses_total",
				Help:      "Total number of device responses by reported status",
			},
			[]string{"status"},
		),
		RoundTrip: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "devrelay",
				Subsystem: "device",
				Name:      "command_round_trip_seconds",
				Help:      "Time from sending a tracked command to receiving its response",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
	}
	m.registry.MustRegister(
		m.Events,
		m.ResponseStatus,
		m.RoundTrip,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// AttachHub registers gauges that read the live connection and registration counts of h
func (m *Metrics) AttachHub(h *Hub) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "devrelay",
				Subsystem: "hub",
				Name:      "open_connections",
				Help:      "Number of currently open device connections",
			},
			func() float64 { return float64(h.ConnStats().NumOpen()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "devrelay",
				Subsystem: "hub",
				Name:      "registered_devices",
				Help:      "Number of device ids currently bound in the registry",
			},
			func() float64 { return float64(h.Registry().Len()) },
		),
	)
}

// Observe implements Observer
func (m *Metrics) Observe(ev *Event) error {
	m.Events.WithLabelValues(string(ev.Kind)).Inc()
	if ev.Kind == EventResponse {
		m.ResponseStatus.WithLabelValues(orDefault(ev.Status, "none")).Inc()
		if ev.RoundTrip > 0 {
			m.RoundTrip.Observe(ev.RoundTrip.Seconds())
		}
	}
	return nil
}

// Registry returns the prometheus registry holding these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler serving the metrics in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
