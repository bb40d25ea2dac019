// routine-core runs timed stimulus routines against MQTT-connected devices.
//
// The serve command wires the device registry, the MQTT bus, the routine
// engine and the HTTP API together and runs until interrupted. The other
// commands are operator tools: listing the routine catalog, managing the
// SQLite schema and issuing API tokens.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnvVar overrides the configuration path when --config is not given.
const configEnvVar = "ROUTINECORE_CONFIG"

func main() {
	// Cancel on Ctrl+C or SIGTERM so serve can shut down cleanly
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. A fresh tree per call keeps flag
// state out of package globals.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "routinecore",
		Short:         "Run timed stimulus routines against MQTT devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Bare invocation serves, matching the container entrypoint.
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath(cmd))
		},
	}
	root.PersistentFlags().String("config", "", "path to config.yaml (default $"+configEnvVar+" or "+defaultConfigPath+")")

	root.AddCommand(
		newServeCmd(),
		newRoutinesCmd(),
		newMigrateCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

// configPath returns the configuration file path: the --config flag, then
// ROUTINECORE_CONFIG, then the default.
func configPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "routinecore %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
