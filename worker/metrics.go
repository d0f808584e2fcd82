package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for task execution.
type Metrics struct {
	executions *prometheus.CounterVec
	retries    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics builds and registers the execution instruments on reg.
// Pass prometheus.DefaultRegisterer for the usual global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvas",
			Name:      "task_executions_total",
			Help:      "Total task executions by task name and status.",
		}, []string{"task", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvas",
			Name:      "task_retries_total",
			Help:      "Total task retry reschedules by task name.",
		}, []string{"task"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canvas",
			Name:      "task_duration_seconds",
			Help:      "Task handler execution time in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task"}),
	}
	reg.MustRegister(m.executions, m.retries, m.duration)
	return m
}

func (m *Metrics) observe(name string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.executions.WithLabelValues(name, status).Inc()
	m.duration.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (m *Metrics) retry(name string) {
	m.retries.WithLabelValues(name).Inc()
}
