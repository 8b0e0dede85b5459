// Command machine runs process graphs and manages their saved state.
//
// Usage:
//
//	machine [--store URL] [--data-dir DIR] <command> [flags]
//
// Commands:
//
//	run          Start a process from a graph file
//	resume       Deliver an event to a suspended process
//	continue     Continue a saved process, e.g. after restore
//	restore      Rewind a process to a checkpoint
//	checkpoints  List the checkpoints of a process
//	suspended    List parked processes and their awaited events
//	inspect      Show the saved state of a process
//	listen       Deliver resume events from a message queue
//	signal       Publish a resume event to a message queue
//	delete       Remove a process and its checkpoints
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version is set with ldflags at build time.
var version = "dev"

func main() {
	cfg := &config{}

	rootCmd := &cobra.Command{
		Use:           "machine",
		Short:         "Run resumable process graphs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.Store, "store", envOr("MACHINE_STORE", "file"),
		"Process store: file, memory, sqlite:PATH, postgres://DSN or mysql://DSN (env MACHINE_STORE)")
	flags.StringVar(&cfg.DataDir, "data-dir", envOr("MACHINE_DATA_DIR", ""),
		"Directory for saved processes, workspaces and call logs (env MACHINE_DATA_DIR)")
	flags.StringVar(&cfg.LeaseDSN, "lease-dsn", envOr("MACHINE_LEASE_DSN", ""),
		"Postgres DSN used for process leases across hosts (env MACHINE_LEASE_DSN)")
	flags.StringVarP(&cfg.GraphFile, "graph", "f", "", "Path to the YAML graph definition")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVar(&cfg.JSON, "json", false, "Output results in JSON format")
	flags.IntVar(&cfg.MaxCommands, "max-commands", 0, "Abort runs exceeding this many commands (0 = unlimited)")

	rootCmd.AddCommand(
		newRunCmd(cfg),
		newResumeCmd(cfg),
		newContinueCmd(cfg),
		newRestoreCmd(cfg),
		newCheckpointsCmd(cfg),
		newSuspendedCmd(cfg),
		newInspectCmd(cfg),
		newListenCmd(cfg),
		newSignalCmd(cfg),
		newDeleteCmd(cfg),
	)

	err := rootCmd.Execute()
	cfg.close()
	if err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func requireGraph(cfg *config) error {
	if cfg.GraphFile == "" {
		return fmt.Errorf("a graph file is required (--graph)")
	}
	return nil
}
