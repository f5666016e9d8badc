package fastcgi

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors updated by a Server.
type Metrics struct {
	RecordsRead    *prometheus.CounterVec
	ProtocolErrors prometheus.Counter
	Aborts         prometheus.Counter
	Invocations    *prometheus.CounterVec
	ActiveRequests prometheus.Gauge
	ActiveConns    prometheus.Gauge
}

// NewMetrics creates the engine collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RecordsRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fastcgi",
				Subsystem: "records",
				Name:      "read_total",
				Help:      "Total number of records read, by record type",
			},
			[]string{"type"},
		),

		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fastcgi",
			Subsystem: "records",
			Name:      "protocol_errors_total",
			Help:      "Total number of records dropped because their body could not be decoded",
		}),

		Aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fastcgi",
			Subsystem: "requests",
			Name:      "aborted_total",
			Help:      "Total number of requests removed by FCGI_ABORT_REQUEST",
		}),

		Invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fastcgi",
				Subsystem: "requests",
				Name:      "invocations_total",
				Help:      "Total number of application invocations, by result",
			},
			[]string{"result"},
		),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fastcgi",
			Subsystem: "requests",
			Name:      "active",
			Help:      "Number of application invocations currently running",
		}),

		ActiveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fastcgi",
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of connections currently served",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RecordsRead,
			m.ProtocolErrors,
			m.Aborts,
			m.Invocations,
			m.ActiveRequests,
			m.ActiveConns,
		)
	}

	return m
}

func (m *Metrics) recordRead(t recType) {
	m.RecordsRead.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) protocolError() {
	m.ProtocolErrors.Inc()
}

func (m *Metrics) aborted() {
	m.Aborts.Inc()
}

func (m *Metrics) invoked(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}

	m.Invocations.WithLabelValues(result).Inc()
}

func (m *Metrics) requestStarted() {
	m.ActiveRequests.Inc()
}

func (m *Metrics) requestFinished() {
	m.ActiveRequests.Dec()
}

func (m *Metrics) connOpened() {
	m.ActiveConns.Inc()
}

func (m *Metrics) connClosed() {
	m.ActiveConns.Dec()
}
