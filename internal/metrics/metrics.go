// Package metrics exposes Prometheus instrumentation for the VM Manager,
// Relay, and Hub: promauto-registered gauges/counters/histograms under a
// fixed namespace/subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// VM Manager metrics
var (
	VMActiveCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vm_api",
		Subsystem: "vm_manager",
		Name:      "active_count",
		Help:      "Number of hypervisor processes currently managed",
	})

	VMCreationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vm_api",
		Subsystem: "vm_manager",
		Name:      "creation_latency_seconds",
		Help:      "Latency from create start to instance-start issued",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30},
	})

	VMCreationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vm_api",
		Subsystem: "vm_manager",
		Name:      "creation_errors_total",
		Help:      "Total VM creation errors by failure kind",
	}, []string{"kind"})

	VMTerminationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vm_api",
		Subsystem: "vm_manager",
		Name:      "terminations_total",
		Help:      "Total number of VM terminations",
	})
)

// Relay metrics
var (
	RelayActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vm_api",
		Subsystem: "relay",
		Name:      "active_sessions",
		Help:      "Number of currently active vsock relay sessions",
	})

	RelayHandshakeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vm_api",
		Subsystem: "relay",
		Name:      "handshake_latency_seconds",
		Help:      "Latency of the vsock multiplexer handshake",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	RelayHandshakeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vm_api",
		Subsystem: "relay",
		Name:      "handshake_errors_total",
		Help:      "Total number of failed vsock handshakes",
	})
)

// Hub metrics
var (
	HubActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vm_api",
		Subsystem: "hub",
		Name:      "active_subscribers",
		Help:      "Number of currently connected WebSocket subscribers",
	})

	HubSlowConsumerDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vm_api",
		Subsystem: "hub",
		Name:      "slow_consumer_drops_total",
		Help:      "Total number of subscribers dropped for falling behind",
	})
)
