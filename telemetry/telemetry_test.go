package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/deepnoodle-ai/machine"
)

const testGraph = `
name: telemetry
steps:
  - kind: set
    name: init
    set:
      x: 1
  - kind: parallel
    name: fan
    branches:
      - name: a
        steps:
          - kind: set
            name: set-y
            set:
              y: $(vars.x + 1)
      - name: b
        steps:
          - kind: set
            name: set-z
            set:
              z: $(vars.x + 2)
  - kind: throw
    name: boom
    expr: oops
    error:
      - kind: set
        name: recover
        set:
          handled: true
`

func runGraph(t *testing.T, listeners ...machine.Listener) *machine.Outcome {
	t.Helper()
	graph, err := machine.LoadString(testGraph)
	require.NoError(t, err)
	rt, err := machine.NewRuntime(machine.RuntimeOptions{
		Graph:        graph,
		Listeners:    listeners,
		WorkspaceDir: t.TempDir(),
	})
	require.NoError(t, err)
	outcome, err := rt.Start(context.Background(), machine.NewState("p-1", nil))
	require.NoError(t, err)
	require.Equal(t, machine.OutcomeCompleted, outcome.Status)
	return outcome
}

func TestMetricsListener(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetricsListener(registry)

	runGraph(t, metrics)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.runs.WithLabelValues("completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.errors.WithLabelValues("throw", "thrown")))
	require.Equal(t, 4.0, testutil.ToFloat64(metrics.commands.WithLabelValues("step", "set")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.commands.WithLabelValues("join", "parallel")))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.liveThreads))
	// set/success, parallel/success, throw/error
	require.Equal(t, 3, testutil.CollectAndCount(metrics.stepDuration))
}

func TestMetricsListenerRegistersOnce(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetricsListener(registry)
	require.Panics(t, func() { NewMetricsListener(registry) })
}

func TestTracingListener(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	runGraph(t, NewTracingListener(tp.Tracer("test")))

	spans := exporter.GetSpans()
	byName := map[string]tracetest.SpanStub{}
	for _, span := range spans {
		byName[span.Name] = span
	}
	run, ok := byName["machine.run"]
	require.True(t, ok, "missing run span")
	require.Equal(t, codes.Unset, run.Status.Code)

	for _, span := range spans {
		if span.Name == "machine.run" {
			continue
		}
		require.Equal(t, run.SpanContext.TraceID(), span.SpanContext.TraceID())
		require.Equal(t, run.SpanContext.SpanID(), span.Parent.SpanID())
	}

	var boom *tracetest.SpanStub
	for i := range spans {
		for _, attr := range spans[i].Attributes {
			if attr.Key == "step.name" && attr.Value.AsString() == "boom" {
				boom = &spans[i]
			}
		}
	}
	require.NotNil(t, boom)
	require.Equal(t, codes.Error, boom.Status.Code)
	require.Len(t, boom.Events, 1)
	require.Equal(t, "exception", boom.Events[0].Name)
}
