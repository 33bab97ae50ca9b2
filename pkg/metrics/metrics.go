package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Instance metrics
	InstancesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appos_instances_started_total",
			Help: "Total number of process instances started, by app and trigger",
		},
		[]string{"app", "trigger"},
	)

	InstancesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appos_instances_completed_total",
			Help: "Total number of process instances reaching a terminal state, by status",
		},
		[]string{"app", "status"},
	)

	InstancesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "appos_instances_running",
			Help: "Number of process instances currently running",
		},
	)

	// Step metrics
	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "appos_step_duration_seconds",
			Help:    "Step execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"app", "status"},
	)

	StepRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appos_step_retries_total",
			Help: "Total number of step retry attempts",
		},
	)

	// Scheduler metrics
	SchedulerFires = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appos_scheduler_fires_total",
			Help: "Total number of cron-triggered process starts",
		},
	)

	SchedulerMissed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appos_scheduler_missed_total",
			Help: "Total number of minute boundaries dropped outside the catch-up window",
		},
	)

	EventsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appos_events_fired_total",
			Help: "Total number of fired events, by event name",
		},
		[]string{"event"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "appos_queue_depth",
			Help: "Number of tasks waiting in the task queue",
		},
	)

	QueueRedeliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appos_queue_redeliveries_total",
			Help: "Total number of task redeliveries after handler failure",
		},
	)

	QueueDeadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "appos_queue_dead_letters_total",
			Help: "Total number of tasks dropped after exhausting queue-level deliveries",
		},
	)
)

// Register registers all metrics with Prometheus
func Register() {
	prometheus.MustRegister(
		InstancesStarted,
		InstancesCompleted,
		InstancesRunning,
		StepDuration,
		StepRetries,
		SchedulerFires,
		SchedulerMissed,
		EventsFired,
		QueueDepth,
		QueueRedeliveries,
		QueueDeadLetters,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics server on the given address. /metrics exposes the
// collectors and /health answers liveness probes.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return http.ListenAndServe(addr, mux)
}
