package machine

import (
	"context"
	"fmt"
	"log/slog"
)

// LoggingListener logs command boundaries at debug level and run
// boundaries at info level.
type LoggingListener struct {
	logger *slog.Logger
}

func NewLoggingListener(logger *slog.Logger) *LoggingListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingListener{logger: logger}
}

func (l *LoggingListener) BeforeRun(ctx context.Context, view StateView) error {
	l.logger.Info("run started", "process_id", view.ProcessID(), "commands", view.Commands())
	return nil
}

func (l *LoggingListener) AfterRun(ctx context.Context, view StateView, outcome *Outcome) error {
	attrs := []any{"process_id", view.ProcessID(), "status", outcome.Status, "commands", view.Commands()}
	switch outcome.Status {
	case OutcomeSuspended:
		attrs = append(attrs, "events", outcome.Events)
	case OutcomeFailed, OutcomeAborted:
		attrs = append(attrs, "error", outcome.Err)
	}
	l.logger.Info("run finished", attrs...)
	return nil
}

func (l *LoggingListener) BeforeCommand(ctx context.Context, view StateView, event *CommandEvent) error {
	l.logger.Debug("command",
		"process_id", event.ProcessID,
		"thread", event.Thread,
		"depth", event.Depth,
		"command", event.Command.String(),
		"step", event.Name)
	return nil
}

func (l *LoggingListener) AfterCommand(ctx context.Context, view StateView, event *CommandEvent) error {
	if event.Err != nil {
		l.logger.Debug("command raised error",
			"process_id", event.ProcessID,
			"thread", event.Thread,
			"step", event.Name,
			"duration", event.Duration,
			"error", event.Err)
	}
	return nil
}

// CommandLimit aborts a run once it has executed more than Max commands in
// total, guarding against runaway loops.
type CommandLimit struct {
	BaseListener
	Max int
}

func (l *CommandLimit) BeforeCommand(ctx context.Context, view StateView, event *CommandEvent) error {
	if l.Max > 0 && view.Commands() >= l.Max {
		return fmt.Errorf("command limit of %d exceeded", l.Max)
	}
	return nil
}
