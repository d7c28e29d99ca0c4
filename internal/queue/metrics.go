package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hackgods/hospital-patient-flow/internal/appointment"
)

type engineMetrics struct {
	operations *prometheus.CounterVec
	expiries   prometheus.Counter
	background *prometheus.CounterVec
	queueSize  *prometheus.GaugeVec
}

var (
	engineMetricsOnce sync.Once
	engineMetricsInst *engineMetrics
)

func globalEngineMetrics() *engineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetricsInst = newEngineMetrics()
	})
	return engineMetricsInst
}

func newEngineMetrics() *engineMetrics {
	return &engineMetrics{
		operations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "patient_flow",
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Queue engine operations, labeled by operation and result kind",
		}, []string{"operation", "result"}),
		expiries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "patient_flow",
			Subsystem: "queue",
			Name:      "expired_appointments_total",
			Help:      "In-progress appointments terminated by the expiry check",
		}),
		background: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "patient_flow",
			Subsystem: "queue",
			Name:      "background_failures_total",
			Help:      "Failed fire-and-forget tasks, labeled by task",
		}, []string{"task"}),
		queueSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "patient_flow",
			Subsystem: "queue",
			Name:      "members",
			Help:      "Members observed during the latest recalculation of a queue",
		}, []string{"queue_id"}),
	}
}

func (m *engineMetrics) recordOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(appointment.KindOf(err))
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *engineMetrics) recordExpiry() {
	if m == nil {
		return
	}
	m.expiries.Inc()
}

func (m *engineMetrics) recordBackgroundFailure(task string) {
	if m == nil {
		return
	}
	m.background.WithLabelValues(task).Inc()
}

func (m *engineMetrics) recordQueueSize(queueID string, n int) {
	if m == nil {
		return
	}
	m.queueSize.WithLabelValues(queueID).Set(float64(n))
}
