// ABOUTME: Prometheus collectors describing the agent fleet and the manager's activity.
// ABOUTME: All methods are nil-safe so components can run without metrics.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Metrics holds the manager's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	agentsConnected    prometheus.Gauge
	requests           *prometheus.CounterVec
	handshakes         *prometheus.CounterVec
	announcements      *prometheus.CounterVec
	commands           *prometheus.CounterVec
	cycles             prometheus.Counter
	cycleDuration      prometheus.Histogram
	evictions          prometheus.Counter
	processesUpserted  prometheus.Counter
	processesUnmonitor prometheus.Counter
	persistenceErrors  *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		agentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_connected",
			Help:      "Agents currently registered.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_requests_total",
			Help:      "Request/reply exchanges by command and outcome.",
		}, []string{"cmd", "result"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Inbound agent handshakes by outcome.",
		}, []string{"result"}),
		announcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_announcements_total",
			Help:      "Discovery broadcasts by outcome.",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "console_commands_total",
			Help:      "Operator commands by name and outcome.",
		}, []string{"command", "result"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_cycles_total",
			Help:      "Completed health and reconciliation cycles.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_cycle_duration_seconds",
			Help:      "Wall time of health and reconciliation cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_evictions_total",
			Help:      "Agents removed because they failed a health ping.",
		}),
		processesUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_upserted_total",
			Help:      "Reported processes written to the store.",
		}),
		processesUnmonitor: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_unmonitored_total",
			Help:      "Stored processes marked unmonitored because agents stopped reporting them.",
		}),
		persistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Store failures by operation.",
		}, []string{"op"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.agentsConnected,
		m.requests,
		m.handshakes,
		m.announcements,
		m.commands,
		m.cycles,
		m.cycleDuration,
		m.evictions,
		m.processesUpserted,
		m.processesUnmonitor,
		m.persistenceErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetAgentsConnected(n int) {
	if m == nil {
		return
	}
	m.agentsConnected.Set(float64(n))
}

func (m *Metrics) ObserveRequest(cmd, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(cmd, result).Inc()
}

func (m *Metrics) ObserveHandshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAnnouncement(result string) {
	if m == nil {
		return
	}
	m.announcements.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCommand(command, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, result).Inc()
}

// ObserveCycle records one finished health cycle.
func (m *Metrics) ObserveCycle(d time.Duration, evicted, upserted, unmonitored int) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
	m.evictions.Add(float64(evicted))
	m.processesUpserted.Add(float64(upserted))
	m.processesUnmonitor.Add(float64(unmonitored))
}

func (m *Metrics) ObservePersistenceError(op string) {
	if m == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(op).Inc()
}
