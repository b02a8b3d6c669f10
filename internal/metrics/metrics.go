// Package metrics provides Prometheus metrics for the task queue and the streaming bridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"queue", "type"},
	)
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
		[]string{"queue", "type"},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_tasks_failed_total",
			Help: "Total number of task executions that failed",
		},
		[]string{"queue", "type", "kind"},
	)
	TasksRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_tasks_retried_total",
			Help: "Total number of task retries",
		},
		[]string{"queue", "type"},
	)
	TasksRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_tasks_rate_limited_total",
			Help: "Total number of task executions rejected by a rate-limited provider",
		},
		[]string{"queue", "type"},
	)
	TasksDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to a terminal failed state",
		},
		[]string{"queue", "type", "status"},
	)
	TasksReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_tasks_reclaimed_total",
			Help: "Total number of tasks whose visibility timeout expired",
		},
		[]string{"queue"},
	)
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convoq_queue_depth",
			Help: "Current number of tasks per queue and state",
		},
		[]string{"queue", "state"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convoq_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue", "type", "status"},
	)
	TaskWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convoq_task_wait_time_seconds",
			Help:    "Time tasks spend eligible in queue before execution",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"queue"},
	)
	WorkersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convoq_workers_active",
			Help: "Number of running workers per queue",
		},
		[]string{"queue"},
	)
	StreamSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convoq_stream_sessions_active",
			Help: "Number of streaming sessions currently open",
		},
	)
	StreamSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_stream_sessions_total",
			Help: "Total number of streaming sessions by terminal state",
		},
		[]string{"state"},
	)
	StreamFragments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convoq_stream_fragments_total",
			Help: "Total number of fragments forwarded to clients",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convoq_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convoq_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTaskEnqueued(queue, taskType string) {
	TasksEnqueued.WithLabelValues(queue, taskType).Inc()
}

func RecordTaskCompleted(queue, taskType string, duration time.Duration) {
	TasksCompleted.WithLabelValues(queue, taskType).Inc()
	TaskDuration.WithLabelValues(queue, taskType, "succeeded").Observe(duration.Seconds())
}

func RecordTaskFailed(queue, taskType, kind string, duration time.Duration) {
	TasksFailed.WithLabelValues(queue, taskType, kind).Inc()
	TaskDuration.WithLabelValues(queue, taskType, "failed").Observe(duration.Seconds())
}

func RecordTaskRetried(queue, taskType string) {
	TasksRetried.WithLabelValues(queue, taskType).Inc()
}

func RecordTaskRateLimited(queue, taskType string) {
	TasksRateLimited.WithLabelValues(queue, taskType).Inc()
}

func RecordTaskDeadLettered(queue, taskType, status string) {
	TasksDeadLettered.WithLabelValues(queue, taskType, status).Inc()
}

func RecordTaskReclaimed(queue string, count int) {
	TasksReclaimed.WithLabelValues(queue).Add(float64(count))
}

func RecordTaskWaitTime(queue string, waitTime time.Duration) {
	TaskWaitTime.WithLabelValues(queue).Observe(waitTime.Seconds())
}

func UpdateQueueDepth(queue string, depthByState map[string]int) {
	for state, count := range depthByState {
		QueueDepth.WithLabelValues(queue, state).Set(float64(count))
	}
}

func UpdateActiveWorkers(queue string, count int) {
	WorkersActive.WithLabelValues(queue).Set(float64(count))
}

func RecordStreamOutcome(state string) {
	StreamSessions.WithLabelValues(state).Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
