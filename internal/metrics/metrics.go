// Package metrics exposes relay counters and gauges in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "geosignal"

// Drop reasons for inbound signaling messages and outbound deliveries.
const (
	DropReasonMalformed     = "malformed"
	DropReasonUnauthorized  = "unauthorized"
	DropReasonNoRecipient   = "no_recipient"
	DropReasonUnknownEvent  = "unknown_event"
	DropReasonRateLimited   = "rate_limited"
	DropReasonSendQueueFull = "send_queue_full"
)

// Metrics owns a private registry so independent relays (and tests) never
// collide on collector registration.
type Metrics struct {
	reg *prometheus.Registry

	Connections     prometheus.Gauge
	Operators       prometheus.Gauge
	PhoneActive     prometheus.Gauge
	Sessions        prometheus.Gauge
	SessionsExpired prometheus.Counter
	Messages        *prometheus.CounterVec
	Dropped         *prometheus.CounterVec
	POIHits         *prometheus.CounterVec
	HandlerPanics   prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open signaling connections.",
		}),
		Operators: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operators",
			Help:      "Connections registered as OPERATOR.",
		}),
		PhoneActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phone_active",
			Help:      "1 while a PHONE connection is registered.",
		}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Phone sessions held in memory.",
		}),
		SessionsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Phone sessions removed by the TTL sweep.",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound signaling messages by event name.",
		}, []string{"event"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Signaling messages dropped, by reason.",
		}, []string{"reason"}),
		POIHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poi_in_range_total",
			Help:      "Position updates that fell inside a POI radius.",
		}, []string{"poi"}),
		HandlerPanics: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Recovered panics in signaling handlers.",
		}),
	}
}

// Drop counts one dropped message. Safe on a nil receiver.
func (m *Metrics) Drop(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

// Message counts one inbound message. Safe on a nil receiver.
func (m *Metrics) Message(event string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(event).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
