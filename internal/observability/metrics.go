package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	EvaluationsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluations_submitted_total",
			Help: "Total number of evaluations accepted, by queue",
		},
		[]string{"queue"},
	)
	EvaluationsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evaluations_finished_total",
			Help: "Total number of evaluations that reached a terminal state",
		},
		[]string{"status"},
	)
	EvaluationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evaluations_in_flight",
			Help: "Evaluations currently held by a dispatcher worker",
		},
	)
	EvaluationRuntime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evaluation_runtime_seconds",
			Help:    "Wall-clock executor runtime of finished evaluations",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"language"},
	)

	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Executor invocation attempts by outcome (success, requeue, terminal)",
		},
		[]string{"outcome"},
	)
	RetriesScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retries_scheduled_total",
			Help: "Delayed re-enqueues by failure class",
		},
		[]string{"class"},
	)

	PoolClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_pool_claims_total",
			Help: "Executor claims by result (claimed, empty)",
		},
		[]string{"result"},
	)
	PoolReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "executor_pool_releases_total",
			Help: "Executor releases by status (released, already_in_pool, not_busy)",
		},
		[]string{"status"},
	)
	PoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "executor_pool_available",
			Help: "Executors currently in the available list",
		},
	)
	PoolBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "executor_pool_busy",
			Help: "Executors currently leased",
		},
	)

	ExecutorCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "executor_call_duration_seconds",
			Help:    "Duration of executor POST /execute calls",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	DLQTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_tasks_total",
			Help: "Tasks dead-lettered by error class",
		},
		[]string{"class"},
	)
	DLQSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlq_size",
			Help: "Current dead-letter queue length",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "task_queue_depth",
			Help: "Depth of each priority queue",
		},
		[]string{"queue"},
	)
	RunningIndexSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "running_index_size",
			Help: "Members of the running_evaluations set",
		},
	)

	ReapedWorkloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reaped_workloads_total",
			Help: "Terminal workloads deleted by the reaper, by phase",
		},
		[]string{"phase"},
	)
	SandboxRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_runs_total",
			Help: "Sandbox executions by terminal status",
		},
		[]string{"status"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(EvaluationsSubmittedTotal)
	prometheus.MustRegister(EvaluationsFinishedTotal)
	prometheus.MustRegister(EvaluationsInFlight)
	prometheus.MustRegister(EvaluationRuntime)
	prometheus.MustRegister(DispatchAttemptsTotal)
	prometheus.MustRegister(RetriesScheduledTotal)
	prometheus.MustRegister(PoolClaimsTotal)
	prometheus.MustRegister(PoolReleasesTotal)
	prometheus.MustRegister(PoolAvailable)
	prometheus.MustRegister(PoolBusy)
	prometheus.MustRegister(ExecutorCallDuration)
	prometheus.MustRegister(DLQTasksTotal)
	prometheus.MustRegister(DLQSize)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RunningIndexSize)
	prometheus.MustRegister(ReapedWorkloadsTotal)
	prometheus.MustRegister(SandboxRunsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
