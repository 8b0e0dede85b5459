package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/deepnoodle-ai/machine"
)

// TracingListener creates OpenTelemetry spans for runs and steps.
//
// Each run becomes a span named "machine.run". Every step body executed
// during the run becomes a child span named after the step, carrying the
// process, thread and step attributes. Errors raised by a step are recorded
// on its span, whether or not a handler claimed them.
//
// Usage:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	listener := telemetry.NewTracingListener(nil)
type TracingListener struct {
	machine.BaseListener

	tracer trace.Tracer

	mu    sync.Mutex
	runs  map[string]runSpan
	steps map[stepKey]trace.Span
}

type runSpan struct {
	ctx  context.Context
	span trace.Span
}

type stepKey struct {
	process string
	thread  machine.ThreadID
}

// NewTracingListener creates a TracingListener. A nil tracer uses the
// global tracer provider.
func NewTracingListener(tracer trace.Tracer) *TracingListener {
	if tracer == nil {
		tracer = otel.Tracer("github.com/deepnoodle-ai/machine")
	}
	return &TracingListener{
		tracer: tracer,
		runs:   map[string]runSpan{},
		steps:  map[stepKey]trace.Span{},
	}
}

func (l *TracingListener) BeforeRun(ctx context.Context, view machine.StateView) error {
	ctx, span := l.tracer.Start(ctx, "machine.run",
		trace.WithAttributes(
			attribute.String("process.id", view.ProcessID()),
			attribute.Int("process.commands", view.Commands()),
		))
	l.mu.Lock()
	l.runs[view.ProcessID()] = runSpan{ctx: ctx, span: span}
	l.mu.Unlock()
	return nil
}

func (l *TracingListener) AfterRun(ctx context.Context, view machine.StateView, outcome *machine.Outcome) error {
	l.mu.Lock()
	run, ok := l.runs[view.ProcessID()]
	delete(l.runs, view.ProcessID())
	for key, span := range l.steps {
		if key.process == view.ProcessID() {
			span.End()
			delete(l.steps, key)
		}
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	run.span.SetAttributes(
		attribute.String("process.outcome", string(outcome.Status)),
		attribute.Int("process.commands", view.Commands()),
	)
	switch outcome.Status {
	case machine.OutcomeSuspended:
		run.span.SetAttributes(attribute.StringSlice("process.awaiting", outcome.Events))
	case machine.OutcomeFailed, machine.OutcomeAborted:
		if outcome.Err != nil {
			run.span.RecordError(outcome.Err)
			run.span.SetStatus(codes.Error, outcome.Err.Error())
		}
	}
	run.span.End()
	return nil
}

func (l *TracingListener) BeforeCommand(ctx context.Context, view machine.StateView, event *machine.CommandEvent) error {
	if !event.Body {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	parent := ctx
	if run, ok := l.runs[event.ProcessID]; ok {
		parent = run.ctx
	}
	_, span := l.tracer.Start(parent, spanName(event),
		trace.WithTimestamp(event.Start),
		trace.WithAttributes(
			attribute.String("process.id", event.ProcessID),
			attribute.Int("thread.id", int(event.Thread)),
			attribute.Int("frame.depth", event.Depth),
			attribute.String("step.kind", string(event.Step.Kind)),
			attribute.String("step.name", event.Step.Name),
			attribute.String("step.location", event.Step.Location.String()),
			attribute.Int("command.arg", event.Command.Arg),
		))
	l.steps[stepKey{process: event.ProcessID, thread: event.Thread}] = span
	return nil
}

func (l *TracingListener) AfterCommand(ctx context.Context, view machine.StateView, event *machine.CommandEvent) error {
	if !event.Body {
		return nil
	}
	key := stepKey{process: event.ProcessID, thread: event.Thread}
	l.mu.Lock()
	span, ok := l.steps[key]
	delete(l.steps, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if event.Err != nil {
		span.RecordError(event.Err)
		span.SetStatus(codes.Error, event.Err.Error())
		span.SetAttributes(attribute.String("error.type", machine.ClassifyError(event.Err).Type))
	}
	span.End(trace.WithTimestamp(event.Start.Add(event.Duration)))
	return nil
}

func spanName(event *machine.CommandEvent) string {
	if event.Name != "" {
		return event.Name
	}
	return fmt.Sprintf("%s step", event.Step.Kind)
}
