package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects daemon runtime metrics.
//
// Everything is registered against a caller-supplied registry so tests
// can create isolated instances without hitting the global default.
type Metrics struct {
	// TurnCounter counts completed turns.
	// Labels: outcome (done|error|cancelled)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds.
	TurnDuration prometheus.Histogram

	// EventCounter counts emitted events by kind.
	EventCounter *prometheus.CounterVec

	// ActiveSessions is the number of sessions held in memory.
	ActiveSessions prometheus.Gauge

	// Subscribers is the number of live event stream subscribers.
	Subscribers prometheus.Gauge

	// QueuedTurns is the number of turns waiting across all sessions.
	QueuedTurns prometheus.Gauge

	// ToolCounter counts tool executions.
	// Labels: tool, status (success|error|cached)
	ToolCounter *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// PermissionCounter counts permission outcomes.
	// Labels: outcome (allow|deny|timeout)
	PermissionCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all daemon metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmxd_turns_total",
				Help: "Completed turns by outcome.",
			},
			[]string{"outcome"},
		),
		TurnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lmxd_turn_duration_seconds",
				Help:    "Turn latency from start to terminal event.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		EventCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmxd_events_total",
				Help: "Events emitted by kind.",
			},
			[]string{"kind"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lmxd_sessions_in_memory",
				Help: "Sessions currently resident in memory.",
			},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lmxd_subscribers",
				Help: "Live event stream subscribers.",
			},
		),
		QueuedTurns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lmxd_queued_turns",
				Help: "Turns queued across all sessions.",
			},
		),
		ToolCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmxd_tool_executions_total",
				Help: "Tool executions by tool and status.",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lmxd_tool_duration_seconds",
				Help:    "Tool execution time.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		PermissionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lmxd_permission_decisions_total",
				Help: "Permission request outcomes.",
			},
			[]string{"outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.TurnCounter, m.TurnDuration, m.EventCounter,
			m.ActiveSessions, m.Subscribers, m.QueuedTurns,
			m.ToolCounter, m.ToolDuration, m.PermissionCounter,
		)
	}
	return m
}

// RegisterRuntimeGauges registers scrape-time gauges sourced from the
// worker pool and background process manager. The callbacks run on
// every scrape, so they must be cheap and lock briefly.
func RegisterRuntimeGauges(reg prometheus.Registerer, workersBusy, workersIdle, backgroundRunning func() float64) {
	if reg == nil {
		return
	}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "lmxd_workers_busy",
			Help: "Tool workers currently executing a job.",
		}, workersBusy),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "lmxd_workers_idle",
			Help: "Tool workers alive and waiting for a job.",
		}, workersIdle),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "lmxd_background_processes_running",
			Help: "Background processes in the running state.",
		}, backgroundRunning),
	)
}
