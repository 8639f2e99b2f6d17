package cbt

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional bundle of engine-wide gauges. A nil *Metrics is
// valid everywhere one is accepted: every method guards against a nil
// receiver and becomes a no-op.
type Metrics struct {
	nodesByStatus   *prometheus.GaugeVec
	bufferFillRatio prometheus.Gauge
	dagEnabledSize  prometheus.Gauge
	dagDisabledSize prometheus.Gauge
	emptiesTotal    prometheus.Counter
	splitsTotal     *prometheus.CounterVec
}

// NewMetrics builds a Metrics bundle and registers it with reg. Passing a
// nil reg is valid: the metrics are created but never exposed, useful for
// tests that want to exercise the instrumented code paths without wiring a
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		nodesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cbt_nodes_by_status",
			Help: "Number of nodes currently carrying each queue_status value.",
		}, []string{"status"}),
		bufferFillRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbt_root_buffer_fill_ratio",
			Help: "Current input root buffer occupancy as a fraction of B_threshold.",
		}),
		dagEnabledSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbt_dag_enabled_size",
			Help: "Number of nodes currently enabled in the emptier priority DAG.",
		}),
		dagDisabledSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cbt_dag_disabled_size",
			Help: "Number of nodes currently disabled (waiting on children) in the emptier priority DAG.",
		}),
		emptiesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cbt_empties_total",
			Help: "Total number of completed node empties.",
		}),
		splitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cbt_splits_total",
			Help: "Total number of node splits, labeled by kind (leaf/non_leaf).",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(m.nodesByStatus, m.bufferFillRatio, m.dagEnabledSize,
			m.dagDisabledSize, m.emptiesTotal, m.splitsTotal)
	}
	return m
}

func (m *Metrics) observeStatus(s QueueStatus, delta float64) {
	if m == nil {
		return
	}
	m.nodesByStatus.WithLabelValues(s.String()).Add(delta)
}

func (m *Metrics) observeFillRatio(r float64) {
	if m == nil {
		return
	}
	m.bufferFillRatio.Set(r)
}

func (m *Metrics) observeDAG(enabled, disabled int) {
	if m == nil {
		return
	}
	m.dagEnabledSize.Set(float64(enabled))
	m.dagDisabledSize.Set(float64(disabled))
}

func (m *Metrics) incEmpty() {
	if m == nil {
		return
	}
	m.emptiesTotal.Inc()
}

func (m *Metrics) incSplit(kind string) {
	if m == nil {
		return
	}
	m.splitsTotal.WithLabelValues(kind).Inc()
}
