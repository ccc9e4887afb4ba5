package docserver

import "github.com/prometheus/client_golang/prometheus"

var stats = metrics{
	requests: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "docserver",
		Name:      "requests_total",
		Help:      "Number of document API requests by operation and status code",
	}, []string{
		"op",
		"code",
	}),

	watchers: prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "larder",
		Subsystem: "docserver",
		Name:      "watchers",
		Help:      "Number of connected watch clients",
	}),
}

type metrics struct {
	requests *prometheus.CounterVec
	watchers prometheus.Gauge
}

func init() {
	prometheus.MustRegister(stats.requests)
	prometheus.MustRegister(stats.watchers)
}

func (m *metrics) Request(op string, code int) {
	m.requests.WithLabelValues(op, codeLabel(code)).Inc()
}

func (m *metrics) WatcherConnected()    { m.watchers.Inc() }
func (m *metrics) WatcherDisconnected() { m.watchers.Dec() }

func codeLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}
