// Package metrics exposes production counters to Prometheus
// 製造メトリクスをPrometheusに公開
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nemonet1337/zaiProduction/pkg/production"
)

// Prometheus implements production.Metrics
// production.MetricsのPrometheus実装
type Prometheus struct {
	adjustments *prometheus.CounterVec
	adjustedKg  *prometheus.CounterVec
	transitions *prometheus.CounterVec
	receptions  *prometheus.CounterVec
	variance    prometheus.Histogram
	backlog     *prometheus.GaugeVec
}

// NewPrometheus creates the collectors and registers them with reg
// コレクタを作成しregに登録
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	m := &Prometheus{
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "production_ledger_adjustments_total",
			Help: "Number of stock adjustments written, by store.",
		}, []string{"store"}),
		adjustedKg: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "production_ledger_adjusted_kg_total",
			Help: "Absolute kilograms moved by stock adjustments, by store.",
		}, []string{"store"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "production_batch_transitions_total",
			Help: "Batch state transitions, by target state.",
		}, []string{"state"}),
		receptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "production_receptions_total",
			Help: "Reception ledger writes, by action.",
		}, []string{"action"}),
		variance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "production_reconciliation_variance_value",
			Help:    "Valued delta of each reconciled product.",
			Buckets: []float64{-10000, -1000, -100, -10, 0, 10, 100, 1000, 10000},
		}),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "production_stock_backlog_entries",
			Help: "Keys currently holding a negative balance, by store.",
		}, []string{"store"}),
	}

	collectors := []prometheus.Collector{m.adjustments, m.adjustedKg, m.transitions, m.receptions, m.variance, m.backlog}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Prometheus) ObserveAdjustment(store production.StockStore, deltaKg float64) {
	m.adjustments.WithLabelValues(string(store)).Inc()
	if deltaKg < 0 {
		deltaKg = -deltaKg
	}
	m.adjustedKg.WithLabelValues(string(store)).Add(deltaKg)
}

func (m *Prometheus) ObserveTransition(state production.BatchState) {
	m.transitions.WithLabelValues(string(state)).Inc()
}

func (m *Prometheus) ObserveReception(action string) {
	m.receptions.WithLabelValues(action).Inc()
}

func (m *Prometheus) ObserveVariance(value float64) {
	m.variance.Observe(value)
}

func (m *Prometheus) SetBacklog(store production.StockStore, entries int) {
	m.backlog.WithLabelValues(string(store)).Set(float64(entries))
}
