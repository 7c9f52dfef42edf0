// Package metrics exposes the control plane's Prometheus collectors:
// fleet size, aggregate GPU capacity and per-transaction outcome/latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector owns a private Prometheus registry so the admin HTTP surface
// can expose it without pulling in the global default registry.
type Collector struct {
	registry *prometheus.Registry

	nodesRegistered prometheus.Gauge
	gpusRegistered  prometheus.Gauge

	computeUnitsTotal     prometheus.Gauge
	computeUnitsAllocated prometheus.Gauge
	memoryTotal           prometheus.Gauge
	memoryAllocated       prometheus.Gauge

	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec

	nodeConnects    prometheus.Counter
	nodeDisconnects prometheus.Counter
}

// New builds a Collector and registers all of its collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		nodesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flyt_nodes_registered",
			Help: "Number of server nodes currently registered.",
		}),
		gpusRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flyt_gpus_registered",
			Help: "Number of GPUs across all registered nodes.",
		}),
		computeUnitsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flyt_compute_units_total",
			Help: "Sum of compute_units across all registered GPUs.",
		}),
		computeUnitsAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flyt_compute_units_allocated",
			Help: "Sum of allocated compute_units across all registered GPUs.",
		}),
		memoryTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flyt_memory_bytes_total",
			Help: "Sum of memory across all registered GPUs, in bytes.",
		}),
		memoryAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flyt_memory_bytes_allocated",
			Help: "Sum of allocated memory across all registered GPUs, in bytes.",
		}),
		transactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flyt_transactions_total",
			Help: "Allocate/free/resize transactions by operation and outcome.",
		}, []string{"operation", "outcome"}),
		transactionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flyt_transaction_duration_seconds",
			Help:    "Latency of allocate/free/resize transactions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		nodeConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flyt_node_connects_total",
			Help: "Server node connections accepted.",
		}),
		nodeDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flyt_node_disconnects_total",
			Help: "Server node connections evicted or closed.",
		}),
	}

	reg.MustRegister(
		c.nodesRegistered, c.gpusRegistered,
		c.computeUnitsTotal, c.computeUnitsAllocated,
		c.memoryTotal, c.memoryAllocated,
		c.transactionsTotal, c.transactionDuration,
		c.nodeConnects, c.nodeDisconnects,
	)
	return c
}

// Registry exposes the underlying Prometheus registry for promhttp.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// NodeConnected records a newly registered server node.
func (c *Collector) NodeConnected() {
	c.nodeConnects.Inc()
}

// NodeDisconnected records a node leaving the registry, by eviction or
// graceful disconnect.
func (c *Collector) NodeDisconnected() {
	c.nodeDisconnects.Inc()
}

// FleetUsage is the aggregate capacity/utilization snapshot the registry
// recomputes after every inventory change and allocation transaction.
type FleetUsage struct {
	Nodes                 int
	GPUs                  int
	ComputeUnitsTotal     uint64
	ComputeUnitsAllocated uint64
	MemoryTotal           uint64
	MemoryAllocated       uint64
}

// SetFleetUsage overwrites the aggregate gauges with a fresh snapshot.
func (c *Collector) SetFleetUsage(u FleetUsage) {
	c.nodesRegistered.Set(float64(u.Nodes))
	c.gpusRegistered.Set(float64(u.GPUs))
	c.computeUnitsTotal.Set(float64(u.ComputeUnitsTotal))
	c.computeUnitsAllocated.Set(float64(u.ComputeUnitsAllocated))
	c.memoryTotal.Set(float64(u.MemoryTotal))
	c.memoryAllocated.Set(float64(u.MemoryAllocated))
}

// ObserveTransaction records one allocate/free/resize outcome and its
// latency.
func (c *Collector) ObserveTransaction(operation, outcome string, duration time.Duration) {
	c.transactionsTotal.WithLabelValues(operation, outcome).Inc()
	c.transactionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
