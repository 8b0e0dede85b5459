// Package telemetry provides listeners exporting process execution to
// Prometheus and OpenTelemetry.
package telemetry

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/deepnoodle-ai/machine"
)

// MetricsListener records Prometheus metrics for every run and command.
//
// Metrics exposed (all namespaced with "machine_"):
//
//   - runs_total (counter): finished runs. Labels: status.
//   - commands_total (counter): executed commands. Labels: op, kind.
//   - step_duration_seconds (histogram): step body duration. Labels: kind, status.
//   - errors_total (counter): errors raised by commands. Labels: kind, type.
//   - live_threads (gauge): threads that have not terminated, summed over
//     running processes.
//
// The listener may be shared by any number of concurrently running
// processes.
type MetricsListener struct {
	machine.BaseListener

	runs         *prometheus.CounterVec
	commands     *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	liveThreads  prometheus.Gauge

	mu   sync.Mutex
	live map[string]int
}

// NewMetricsListener creates and registers the metrics with the given
// registry. A nil registry uses prometheus.DefaultRegisterer.
func NewMetricsListener(registry prometheus.Registerer) *MetricsListener {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &MetricsListener{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "machine",
			Name:      "runs_total",
			Help:      "Number of finished runs by outcome",
		}, []string{"status"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "machine",
			Name:      "commands_total",
			Help:      "Number of executed commands",
		}, []string{"op", "kind"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "machine",
			Name:      "step_duration_seconds",
			Help:      "Duration of step bodies, including task calls",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60},
		}, []string{"kind", "status"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "machine",
			Name:      "errors_total",
			Help:      "Number of errors raised by commands, claimed or not",
		}, []string{"kind", "type"}),
		liveThreads: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "machine",
			Name:      "live_threads",
			Help:      "Threads of running processes that have not terminated",
		}),
		live: map[string]int{},
	}
}

func (l *MetricsListener) BeforeRun(ctx context.Context, view machine.StateView) error {
	l.track(view)
	return nil
}

func (l *MetricsListener) AfterRun(ctx context.Context, view machine.StateView, outcome *machine.Outcome) error {
	l.runs.WithLabelValues(string(outcome.Status)).Inc()
	l.mu.Lock()
	l.liveThreads.Sub(float64(l.live[view.ProcessID()]))
	delete(l.live, view.ProcessID())
	l.mu.Unlock()
	return nil
}

func (l *MetricsListener) AfterCommand(ctx context.Context, view machine.StateView, event *machine.CommandEvent) error {
	kind := stepKind(event)
	l.commands.WithLabelValues(event.Command.Op.String(), kind).Inc()
	if event.Body {
		status := "success"
		if event.Err != nil {
			status = "error"
		}
		l.stepDuration.WithLabelValues(kind, status).Observe(event.Duration.Seconds())
	}
	if event.Err != nil {
		l.errors.WithLabelValues(kind, machine.ClassifyError(event.Err).Type).Inc()
	}
	l.track(view)
	return nil
}

// track moves the gauge by the change in live threads of one process.
func (l *MetricsListener) track(view machine.StateView) {
	count := liveThreads(view)
	l.mu.Lock()
	defer l.mu.Unlock()
	id := view.ProcessID()
	l.liveThreads.Add(float64(count - l.live[id]))
	l.live[id] = count
}

func stepKind(event *machine.CommandEvent) string {
	if event.Step == nil {
		return "none"
	}
	return string(event.Step.Kind)
}

func liveThreads(view machine.StateView) int {
	live := 0
	for _, id := range view.ThreadIDs() {
		if status, ok := view.ThreadStatus(id); ok && !status.Terminal() {
			live++
		}
	}
	return live
}
