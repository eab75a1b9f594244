// Package metrics exports engine activity as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/points-engine/points"
)

const namespace = "points"

// Recorder implements points.Observer.
type Recorder struct {
	operations  *prometheus.HistogramVec
	failures    *prometheus.CounterVec
	transfers   *prometheus.CounterVec
	transferred *prometheus.CounterVec
	refunds     *prometheus.CounterVec
}

var _ points.Observer = (*Recorder)(nil)

// New registers the collectors with reg. Passing a fresh registry per test
// avoids duplicate registration panics.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		operations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations, including the store transaction.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation", "outcome"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_failures_total",
			Help:      "Failed engine operations by error kind.",
		}, []string{"operation", "kind"}),
		transfers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Committed transfers.",
		}, []string{"operation"}),
		transferred: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transferred_total",
			Help:      "Points moved by committed transfers.",
		}, []string{"operation"}),
		refunds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refund_transitions_total",
			Help:      "Refund requests entering each status.",
		}, []string{"status"}),
	}
}

func (r *Recorder) ObserveOperation(op string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		r.failures.WithLabelValues(op, string(points.KindOf(err))).Inc()
	}
	r.operations.WithLabelValues(op, outcome).Observe(d.Seconds())
}

func (r *Recorder) ObserveTransfer(op string, pts int64) {
	r.transfers.WithLabelValues(op).Inc()
	r.transferred.WithLabelValues(op).Add(float64(pts))
}

func (r *Recorder) ObserveRefund(status points.RefundStatus) {
	r.refunds.WithLabelValues(string(status)).Inc()
}
