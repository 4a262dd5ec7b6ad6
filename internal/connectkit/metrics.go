package connectkit

import "github.com/prometheus/client_golang/prometheus"

const (
	metricLoginStarted       = "connect.login.started"
	metricLoginSuccess       = "connect.login.success"
	metricLoginInvalidState  = "connect.login.invalid_state"
	metricLoginFailure       = "connect.login.failure"
	metricLogoutSuccess      = "connect.logout.success"
	metricCatalogSuccess     = "connect.catalog.success"
	metricCatalogFailure     = "connect.catalog.failure"
	metricCatalogNoVendor    = "connect.catalog.no_vendor"
	metricStatusConnected    = "connect.status.connected"
	metricStatusDisconnected = "connect.status.disconnected"
)

// MetricsRecorder increments counters for connector events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// PrometheusMetrics exports connector events as a labelled Prometheus counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the connector event counter with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vitrin_connect_events_total",
		Help: "Connector events by outcome.",
	}, []string{"event"})
	reg.MustRegister(events)
	return &PrometheusMetrics{events: events}
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}
