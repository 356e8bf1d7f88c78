package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dsserver"

// Metrics holds the Prometheus collectors for the acceptor, the transport,
// the tunnel relay and the manager.
type Metrics struct {
	// Acceptor metrics.
	ActiveClients       prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsDenied   prometheus.Counter
	AcceptErrors        prometheus.Counter
	IdleWakes           prometheus.Counter
	WorkerExits         *prometheus.CounterVec // labels: outcome={ok,error,panic}
	HandlerDuration     prometheus.Histogram

	// Transport metrics.
	Exchanges        *prometheus.CounterVec   // labels: path={direct,forwarded}, outcome={ok,comm_failure,tunnel_failure,corrupt_reply}
	ExchangeDuration *prometheus.HistogramVec // labels: path={direct,forwarded}
	ManagerStarts    *prometheus.CounterVec   // labels: outcome={ok,failed}

	// Tunnel relay metrics.
	TunnelRequests *prometheus.CounterVec // labels: status

	// Manager metrics.
	ServiceLaunches *prometheus.CounterVec // labels: outcome={running,started,failed,rejected}
}

// New creates all collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_clients",
			Help:      "Connections currently owned by a worker.",
		}),
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections handed to a worker.",
		}),
		ConnectionsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_denied_total",
			Help:      "Connections refused at the client ceiling.",
		}),
		AcceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Non-timeout accept failures.",
		}),
		IdleWakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_wakes_total",
			Help:      "Poll timeouts with no connection pending.",
		}),
		WorkerExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Reaped workers by outcome.",
		}, []string{"outcome"}),
		HandlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time a worker spent serving one connection.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Client request/reply exchanges by path and outcome.",
		}, []string{"path", "outcome"}),
		ExchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Duration of a single client exchange attempt.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"path"}),
		ManagerStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manager_start_requests_total",
			Help:      "Start requests sent to a manager after a failed exchange.",
		}, []string{"outcome"}),
		TunnelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_requests_total",
			Help:      "Relayed tunnel requests by HTTP status.",
		}, []string{"status"}),
		ServiceLaunches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_launches_total",
			Help:      "Manager start requests by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ActiveClients,
			m.ConnectionsAccepted,
			m.ConnectionsDenied,
			m.AcceptErrors,
			m.IdleWakes,
			m.WorkerExits,
			m.HandlerDuration,
			m.Exchanges,
			m.ExchangeDuration,
			m.ManagerStarts,
			m.TunnelRequests,
			m.ServiceLaunches,
		)
	}

	return m
}

// NewMetrics registers all collectors with the default Prometheus registry.
func NewMetrics() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// NewForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewForTesting() *Metrics {
	return New(prometheus.NewRegistry())
}
