package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "finagent"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	turnsTotal   *prometheus.CounterVec
	turnDuration prometheus.Histogram
	toolCalls    prometheus.Histogram

	modelCallsTotal   *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	contextUpdatesTotal  *prometheus.CounterVec
	conversationPersists *prometheus.CounterVec
	conversationDuration prometheus.Histogram

	authWaitsTotal   *prometheus.CounterVec
	authWaitDuration prometheus.Histogram
	activeSessions   prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_size",
				Help:      "Pending turns by lane.",
			}, []string{"lane"}),
			enqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_enqueue_total",
				Help:      "Total enqueued tasks by lane.",
			}, []string{"lane"}),
			dequeueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_completed_total",
				Help:      "Completed tasks by lane and status.",
			}, []string{"lane", "status"}),
			taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_task_duration_seconds",
				Help:      "Task execution duration by lane.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"lane"}),
			turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Resolved turns by outcome.",
			}, []string{"outcome"}),
			turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_duration_seconds",
				Help:      "End to end turn duration.",
				Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			}),
			toolCalls: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "turn_tool_calls",
				Help:      "Tool calls executed per turn.",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
			}),
			modelCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_calls_total",
				Help:      "Model submissions by provider and status.",
			}, []string{"provider", "status"}),
			modelCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_call_duration_seconds",
				Help:      "Model submission latency by provider.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider"}),
			toolExecutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool invocations by kind, tool and status.",
			}, []string{"kind", "tool", "status"}),
			toolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "Tool invocation latency by kind.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			contextUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "context_updates_total",
				Help:      "User context updates by backend and status.",
			}, []string{"backend", "status"}),
			conversationPersists: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversation_persists_total",
				Help:      "Conversation state writes by backend and mode.",
			}, []string{"backend", "mode"}),
			conversationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "conversation_persist_duration_seconds",
				Help:      "Conversation state write latency.",
				Buckets:   prometheus.DefBuckets,
			}),
			authWaitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_waits_total",
				Help:      "Login confirmations awaited by outcome.",
			}, []string{"outcome"}),
			authWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auth_wait_duration_seconds",
				Help:      "Time spent waiting for login confirmation.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			}),
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Chat sessions currently open.",
			}),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.turnsTotal,
			m.turnDuration,
			m.toolCalls,
			m.modelCallsTotal,
			m.modelCallDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.contextUpdatesTotal,
			m.conversationPersists,
			m.conversationDuration,
			m.authWaitsTotal,
			m.authWaitDuration,
			m.activeSessions,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, status(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordTurn observes a finished turn. outcome is "answered", "fallback",
// "cancelled" or "failed".
func RecordTurn(outcome string, duration time.Duration, toolCalls int) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
	m.toolCalls.Observe(float64(toolCalls))
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallsTotal.WithLabelValues(provider, status(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordToolExecution observes one tool call. kind is "remote" or "local".
func RecordToolExecution(kind, tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(kind, tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordContextUpdate(backend string, success bool) {
	getMetrics().contextUpdatesTotal.WithLabelValues(backend, status(success)).Inc()
}

// RecordConversationPersist observes a conversation write. mode is "full" or "append".
func RecordConversationPersist(backend, mode string, duration time.Duration) {
	m := getMetrics()
	m.conversationPersists.WithLabelValues(backend, mode).Inc()
	m.conversationDuration.Observe(duration.Seconds())
}

func RecordAuthWait(outcome string, duration time.Duration) {
	m := getMetrics()
	m.authWaitsTotal.WithLabelValues(outcome).Inc()
	m.authWaitDuration.Observe(duration.Seconds())
}

func SessionOpened() {
	getMetrics().activeSessions.Inc()
}

func SessionClosed() {
	getMetrics().activeSessions.Dec()
}
