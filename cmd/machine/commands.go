package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/deepnoodle-ai/machine"
	"github.com/deepnoodle-ai/machine/events"
	"github.com/deepnoodle-ai/machine/lease"
	"github.com/deepnoodle-ai/machine/store"
)

func newRunCmd(cfg *config) *cobra.Command {
	var processID string
	var inputs []string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a process from a graph file",
		Example: `  machine run -f order.yaml --input customer=ana --input count=5
  machine run -f order.yaml --id order-17 --timeout 30s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			ctx, cancel := runContext(cmd.Context(), timeout)
			defer cancel()
			driver, err := cfg.driver(ctx)
			if err != nil {
				return err
			}
			out := newOutput(cfg)
			out.info("Graph: %s", driver.Runtime().Graph().Name())
			start := time.Now()
			id, outcome, err := driver.Start(ctx, processID, values)
			if err != nil {
				return err
			}
			return out.outcome(id, outcome, time.Since(start))
		},
	}
	cmd.Flags().StringVar(&processID, "id", "", "Process id (generated when empty)")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Input as KEY=VALUE; values are parsed as YAML (repeatable)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Cancel the run after this long")
	return cmd
}

func newResumeCmd(cfg *config) *cobra.Command {
	var payload string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "resume PROCESS_ID EVENT",
		Short: "Deliver an event to a suspended process",
		Long: `Deliver an event to a suspended process and run it until it completes,
fails or parks again. Form steps wait for events named "form:<name>".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parsePayload(payload)
			if err != nil {
				return err
			}
			ctx, cancel := runContext(cmd.Context(), timeout)
			defer cancel()
			driver, err := cfg.driver(ctx)
			if err != nil {
				return err
			}
			start := time.Now()
			outcome, err := driver.Resume(ctx, args[0], args[1], value)
			if err != nil {
				return err
			}
			return newOutput(cfg).outcome(args[0], outcome, time.Since(start))
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Event payload as YAML or JSON, or @FILE")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Cancel the run after this long")
	return cmd
}

func newContinueCmd(cfg *config) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "continue PROCESS_ID",
		Short: "Continue a saved process, e.g. after restore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runContext(cmd.Context(), timeout)
			defer cancel()
			driver, err := cfg.driver(ctx)
			if err != nil {
				return err
			}
			start := time.Now()
			outcome, err := driver.Continue(ctx, args[0])
			if err != nil {
				return err
			}
			return newOutput(cfg).outcome(args[0], outcome, time.Since(start))
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Cancel the run after this long")
	return cmd
}

func newRestoreCmd(cfg *config) *cobra.Command {
	var cont bool

	cmd := &cobra.Command{
		Use:   "restore PROCESS_ID CHECKPOINT",
		Short: "Rewind a process to a checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			driver, err := cfg.driver(ctx)
			if err != nil {
				return err
			}
			if err := driver.Restore(ctx, args[0], args[1]); err != nil {
				return err
			}
			out := newOutput(cfg)
			out.success("Process %s restored to checkpoint %q", args[0], args[1])
			if !cont {
				return nil
			}
			start := time.Now()
			outcome, err := driver.Continue(ctx, args[0])
			if err != nil {
				return err
			}
			return out.outcome(args[0], outcome, time.Since(start))
		},
	}
	cmd.Flags().BoolVar(&cont, "continue", false, "Continue the process after restoring it")
	return cmd
}

func newCheckpointsCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints PROCESS_ID",
		Short: "List the checkpoints of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := cfg.openStore(cmd.Context())
			if err != nil {
				return err
			}
			infos, err := s.ListCheckpoints(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return newOutput(cfg).checkpoints(infos)
		},
	}
}

func newSuspendedCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "suspended",
		Short: "List parked processes and their awaited events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := cfg.openStore(cmd.Context())
			if err != nil {
				return err
			}
			markers, err := s.ListMarkers(cmd.Context())
			if err != nil {
				return err
			}
			return newOutput(cfg).markers(markers)
		},
	}
}

func newInspectCmd(cfg *config) *cobra.Command {
	var calls bool

	cmd := &cobra.Command{
		Use:   "inspect PROCESS_ID",
		Short: "Show the saved state of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := cfg.loadState(ctx, args[0])
			if err != nil {
				return err
			}
			var history []*machine.TaskCallEvent
			if calls {
				callLogger, err := cfg.callLogger()
				if err != nil {
					return err
				}
				if history, err = callLogger.GetCallHistory(ctx, args[0]); err != nil {
					return err
				}
			}
			return newOutput(cfg).state(st, history)
		},
	}
	cmd.Flags().BoolVar(&calls, "calls", false, "Include the task call history")
	return cmd
}

func newListenCmd(cfg *config) *cobra.Command {
	var amqpURL string
	var queue string
	var prefetch int

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Deliver resume events from a message queue",
		Long: `Consume resume messages of the form
{"process_id": "...", "event": "...", "payload": ...} and deliver each one to
its process. Messages for unknown or finished processes are rejected; other
failures are requeued.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if amqpURL == "" {
				return fmt.Errorf("an AMQP url is required (--amqp-url or MACHINE_AMQP_URL)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			driver, err := cfg.driver(ctx)
			if err != nil {
				return err
			}
			conn, err := events.NewConnection(amqpURL, cfg.log())
			if err != nil {
				return err
			}
			defer conn.Close()
			consumer := events.NewConsumer(conn, cfg.log(), events.ConsumerConfig{
				Queue:    queue,
				Prefetch: prefetch,
				Handler: func(ctx context.Context, msg *events.Message) error {
					outcome, err := driver.Resume(ctx, msg.ProcessID, msg.Event, msg.Payload)
					if err != nil {
						return classifyResumeError(err)
					}
					cfg.log().Info("event delivered",
						"process_id", msg.ProcessID,
						"event", msg.Event,
						"status", outcome.Status)
					return nil
				},
			})
			err = consumer.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&amqpURL, "amqp-url", envOr("MACHINE_AMQP_URL", ""), "AMQP broker url (env MACHINE_AMQP_URL)")
	cmd.Flags().StringVar(&queue, "queue", events.DefaultQueue, "Queue to consume")
	cmd.Flags().IntVar(&prefetch, "prefetch", 1, "Messages fetched ahead")
	return cmd
}

// classifyResumeError marks failures redelivery cannot fix.
func classifyResumeError(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, machine.ErrProcessEnded) {
		return events.Permanent(err)
	}
	return err
}

func newSignalCmd(cfg *config) *cobra.Command {
	var amqpURL string
	var queue string
	var payload string

	cmd := &cobra.Command{
		Use:   "signal PROCESS_ID EVENT",
		Short: "Publish a resume event to a message queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amqpURL == "" {
				return fmt.Errorf("an AMQP url is required (--amqp-url or MACHINE_AMQP_URL)")
			}
			value, err := parsePayload(payload)
			if err != nil {
				return err
			}
			conn, err := events.NewConnection(amqpURL, cfg.log())
			if err != nil {
				return err
			}
			defer conn.Close()
			msg := events.NewMessage(args[0], args[1], value)
			if err := events.NewPublisher(conn, queue).Publish(cmd.Context(), msg); err != nil {
				return err
			}
			newOutput(cfg).success("Published %s to %s (message %s)", args[1], args[0], msg.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&amqpURL, "amqp-url", envOr("MACHINE_AMQP_URL", ""), "AMQP broker url (env MACHINE_AMQP_URL)")
	cmd.Flags().StringVar(&queue, "queue", events.DefaultQueue, "Queue to publish to")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Event payload as YAML or JSON, or @FILE")
	return cmd
}

func newDeleteCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete PROCESS_ID",
		Short: "Remove a process and its checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := cfg.openStore(ctx)
			if err != nil {
				return err
			}
			l, err := cfg.openLease(ctx)
			if err != nil {
				return err
			}
			release, err := l.Acquire(ctx, args[0])
			if errors.Is(err, lease.ErrHeld) {
				return fmt.Errorf("process %s is running elsewhere", args[0])
			} else if err != nil {
				return err
			}
			defer release()
			if err := s.Delete(ctx, args[0]); err != nil {
				return err
			}
			newOutput(cfg).success("Process %s deleted", args[0])
			return nil
		},
	}
}

func runContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// parseInputs converts KEY=VALUE pairs, parsing each value as YAML so that
// numbers, booleans, lists and maps keep their type.
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q, expected KEY=VALUE", pair)
		}
		var parsed any
		if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
			parsed = value
		}
		inputs[key] = parsed
	}
	return inputs, nil
}

// parsePayload parses an event payload given inline or as @FILE.
func parsePayload(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("failed to read payload file: %w", err)
		}
	}
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return payload, nil
}
