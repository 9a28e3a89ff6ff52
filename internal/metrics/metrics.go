// Package metrics exposes engine counters to Prometheus.
//
// Registers:
//
//	#lending_commands_total{type,code}
//	#lending_command_duration_seconds{type}
//	#lending_packets_matched_total{pool}
//	#lending_shortfalls_total{pool}
//	#lending_interest_claims_total{pool}
//	#lending_queue_depth_packets{pool,side}
//	#lending_sink_errors_total{sink}
//	#go_* and process_* system metrics
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lending"

// Metrics holds the engine collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	commands       *prometheus.CounterVec
	commandLatency *prometheus.HistogramVec
	packetsMatched *prometheus.CounterVec
	shortfalls     *prometheus.CounterVec
	claims         *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	sinkErrors     *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands executed by type and result code",
		}, []string{"type", "code"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent executing a command on the engine loop",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"type"}),
		packetsMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_matched_total",
			Help:      "Packets settled into positions",
		}, []string{"pool"}),
		shortfalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shortfalls_total",
			Help:      "Producer orders dequeued because their funds no longer cover a packet",
		}, []string{"pool"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interest_claims_total",
			Help:      "Interest payouts, including those made on withdrawal",
		}, []string{"pool"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth_packets",
			Help:      "Packets waiting in a pool queue",
		}, []string{"pool", "side"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Events that an event sink failed to apply",
		}, []string{"sink"}),
	}

	registry.MustRegister(
		m.commands,
		m.commandLatency,
		m.packetsMatched,
		m.shortfalls,
		m.claims,
		m.queueDepth,
		m.sinkErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is exposed for tests and additional collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCommand(commandType, code string, took time.Duration) {
	if code == "" {
		code = "OK"
	}
	m.commands.WithLabelValues(commandType, code).Inc()
	m.commandLatency.WithLabelValues(commandType).Observe(took.Seconds())
}

func (m *Metrics) PacketsMatched(pool string, packets uint64) {
	m.packetsMatched.WithLabelValues(pool).Add(float64(packets))
}

func (m *Metrics) Shortfall(pool string) {
	m.shortfalls.WithLabelValues(pool).Inc()
}

func (m *Metrics) InterestClaimed(pool string) {
	m.claims.WithLabelValues(pool).Inc()
}

func (m *Metrics) SetQueueDepth(pool, side string, packets uint64) {
	m.queueDepth.WithLabelValues(pool, side).Set(float64(packets))
}

func (m *Metrics) SinkError(sink string) {
	m.sinkErrors.WithLabelValues(sink).Inc()
}
