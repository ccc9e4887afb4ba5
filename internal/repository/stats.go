package repository

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var stats = metrics{
	mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "sync",
		Name:      "mutations_total",
		Help:      "Number of resolved optimistic mutations by outcome",
	}, []string{
		"collection",
		"kind",
		"outcome",
	}),

	pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "larder",
		Subsystem: "sync",
		Name:      "pending_mutations",
		Help:      "Number of optimistic mutations waiting for the remote store",
	}, []string{
		"collection",
	}),

	rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "sync",
		Name:      "rollbacks_total",
		Help:      "Number of failed remote writes by whether a retry could succeed",
	}, []string{
		"collection",
		"retryable",
	}),

	snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "sync",
		Name:      "snapshots_applied_total",
		Help:      "Number of listener snapshots written into the cache",
	}, []string{
		"collection",
	}),

	staleSnapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "sync",
		Name:      "snapshots_dropped_total",
		Help:      "Number of listener deliveries dropped because their subscription was superseded",
	}, []string{
		"collection",
	}),

	listenerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "sync",
		Name:      "listener_errors_total",
		Help:      "Number of listener failures that cleared the cache",
	}, []string{
		"collection",
	}),

	initializes: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "larder",
		Subsystem: "sync",
		Name:      "initializations_total",
		Help:      "Number of cache initializations by result",
	}, []string{
		"collection",
		"result",
	}),
}

type metrics struct {
	mutations      *prometheus.CounterVec
	pending        *prometheus.GaugeVec
	rollbacks      *prometheus.CounterVec
	snapshots      *prometheus.CounterVec
	staleSnapshots *prometheus.CounterVec
	listenerErrors *prometheus.CounterVec
	initializes    *prometheus.CounterVec
}

func init() {
	prometheus.MustRegister(stats.mutations)
	prometheus.MustRegister(stats.pending)
	prometheus.MustRegister(stats.rollbacks)
	prometheus.MustRegister(stats.snapshots)
	prometheus.MustRegister(stats.staleSnapshots)
	prometheus.MustRegister(stats.listenerErrors)
	prometheus.MustRegister(stats.initializes)
}

func (m *metrics) Issued(collection string) {
	m.pending.WithLabelValues(collection).Inc()
}

func (m *metrics) Resolved(collection string, kind Kind, outcome Outcome) {
	m.pending.WithLabelValues(collection).Dec()
	m.mutations.WithLabelValues(collection, string(kind), outcome.String()).Inc()
}

func (m *metrics) RolledBack(collection string, retryable bool) {
	m.rollbacks.WithLabelValues(collection, strconv.FormatBool(retryable)).Inc()
}

func (m *metrics) SnapshotApplied(collection string) {
	m.snapshots.WithLabelValues(collection).Inc()
}

func (m *metrics) SnapshotDropped(collection string) {
	m.staleSnapshots.WithLabelValues(collection).Inc()
}

func (m *metrics) ListenerFailed(collection string) {
	m.listenerErrors.WithLabelValues(collection).Inc()
}

func (m *metrics) Initialized(collection, result string) {
	m.initializes.WithLabelValues(collection, result).Inc()
}
