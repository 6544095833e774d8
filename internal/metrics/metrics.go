// Package metrics registers the Prometheus gauges/counters each service
// updates on its own hot path. Deliberately thin: spec.md's non-goals
// exclude a profiling surface, so this package carries the ambient metrics
// plumbing without wiring it into any consensus-relevant decision.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is a per-service set of metrics, constructed once at service
// startup and registered against a private prometheus.Registry so multiple
// services in the same test binary don't collide on the global default
// registry.
type Registry struct {
	reg *prometheus.Registry

	ChainHeight      prometheus.Gauge
	PoolSize         prometheus.Gauge
	TxAdmitted       prometheus.Counter
	TxRejected       *prometheus.CounterVec
	ConsensusHeight  prometheus.Gauge
	ConsensusRound   prometheus.Gauge
	BlocksExecuted   prometheus.Counter
	QuotaUsedTotal   prometheus.Counter
	BlockQueueLength prometheus.Gauge
}

// New constructs and registers a Registry for component (used as a constant
// "component" label so metrics from several services can share one scrape
// target in tests).
func New(component string) *Registry {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"component": component}

	r := &Registry{
		reg: reg,
		ChainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cita_chain_height", Help: "Current canonical chain height.", ConstLabels: constLabels,
		}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cita_authpool_size", Help: "Number of transactions currently pooled.", ConstLabels: constLabels,
		}),
		TxAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cita_authpool_tx_admitted_total", Help: "Transactions admitted to the pool.", ConstLabels: constLabels,
		}),
		TxRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cita_authpool_tx_rejected_total", Help: "Transactions rejected, by reason.", ConstLabels: constLabels,
		}, []string{"reason"}),
		ConsensusHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cita_consensus_height", Help: "Height the consensus state machine is driving.", ConstLabels: constLabels,
		}),
		ConsensusRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cita_consensus_round", Help: "Current round within the height.", ConstLabels: constLabels,
		}),
		BlocksExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cita_executor_blocks_executed_total", Help: "Blocks applied by the executor.", ConstLabels: constLabels,
		}),
		QuotaUsedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cita_executor_quota_used_total", Help: "Cumulative quota consumed across executed blocks.", ConstLabels: constLabels,
		}),
		BlockQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cita_chain_block_queue_length", Help: "Entries currently buffered in BlockInQueue.", ConstLabels: constLabels,
		}),
	}

	reg.MustRegister(
		r.ChainHeight, r.PoolSize, r.TxAdmitted, r.TxRejected,
		r.ConsensusHeight, r.ConsensusRound, r.BlocksExecuted,
		r.QuotaUsedTotal, r.BlockQueueLength,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Registry for a service's
// /metrics HTTP handler; cmd/citachain and cmd/citaconsensus mount one when
// the MetricsAddr config field is set.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
