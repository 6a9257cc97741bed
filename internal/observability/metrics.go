package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	turnsTotal    *prometheus.CounterVec
	turnDuration  prometheus.Histogram
	activeTurns   prometheus.Gauge
	turnsAwaiting prometheus.Gauge

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	eventAppendTotal   prometheus.Counter
	eventReplayTotal   prometheus.Counter
	streamDroppedTotal prometheus.Counter
	attachedConsumers  prometheus.Gauge

	sessionLoadDuration prometheus.Histogram
	finalizeDuration    prometheus.Histogram

	refreshTotal     *prometheus.CounterVec
	refreshCoalesced prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turns_total",
					Help: "Total turns by terminal outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Turn execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeTurns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_turns",
					Help: "Turns currently executing.",
				},
			),
			turnsAwaiting: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "turns_awaiting_approval",
					Help: "Turns parked awaiting human approval.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			eventAppendTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "event_append_total",
					Help: "Total turn events appended to the durable log.",
				},
			),
			eventReplayTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "event_replay_total",
					Help: "Total turn events replayed to resuming consumers.",
				},
			),
			streamDroppedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "stream_dropped_total",
					Help: "Live consumers dropped due to backpressure overflow.",
				},
			),
			attachedConsumers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "attached_consumers",
					Help: "Live stream consumers currently attached.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			finalizeDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "turn_finalize_duration_seconds",
					Help:    "Atomic turn finalize duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			refreshTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "credential_refresh_total",
					Help: "Underlying credential refresh calls by status.",
				},
				[]string{"status"},
			),
			refreshCoalesced: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "credential_refresh_coalesced_total",
					Help: "Callers that joined an in-flight refresh instead of starting one.",
				},
			),
		}

		prometheus.MustRegister(
			m.turnsTotal,
			m.turnDuration,
			m.activeTurns,
			m.turnsAwaiting,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.eventAppendTotal,
			m.eventReplayTotal,
			m.streamDroppedTotal,
			m.attachedConsumers,
			m.sessionLoadDuration,
			m.finalizeDuration,
			m.refreshTotal,
			m.refreshCoalesced,
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

func RecordTurn(outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func SetActiveTurns(count int) {
	getMetrics().activeTurns.Set(float64(count))
}

func SetTurnsAwaitingApproval(count int) {
	getMetrics().turnsAwaiting.Set(float64(count))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordEventAppend() {
	getMetrics().eventAppendTotal.Inc()
}

func RecordEventReplay(count int) {
	getMetrics().eventReplayTotal.Add(float64(count))
}

func RecordStreamDropped() {
	getMetrics().streamDroppedTotal.Inc()
}

func SetAttachedConsumers(count int) {
	getMetrics().attachedConsumers.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordFinalize(duration time.Duration) {
	getMetrics().finalizeDuration.Observe(duration.Seconds())
}

func RecordRefresh(success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().refreshTotal.WithLabelValues(status).Inc()
}

func RecordRefreshCoalesced() {
	getMetrics().refreshCoalesced.Inc()
}
