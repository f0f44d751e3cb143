package main

import (
	"fmt"
	"os"

	"github.com/caffeineduck/polybridge/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "polybridge [file]",
	Short: "Supervised interpreter bridge for child language runtimes",
	Long: `polybridge - Run code in a supervised child runtime that shares state
with the host through a side channel.

The child is an external process or a WebAssembly module. It is started on
the first submission, restarted after it dies, and keeps the host-side
shared state across restarts. Run code from files, inline strings or stdin,
interactively with the repl, or over HTTP with serve.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runRun, // Default to run command behavior
	SilenceUsage:  true,
	SilenceErrors: false,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML config file")
	flags.String("runtime", "", "Child runtime command line (default: the built-in child)")
	flags.String("wasm", "", "Run the child as a WASI module instead of a process")
	flags.Int("capacity", 0, "Maximum number of shared state entries")
	flags.StringSlice("allow-host", nil, "Allow child HTTP requests to host (repeatable)")
	flags.Bool("restart-on-failure", true, "Restart the child after a crash")
	flags.Bool("restart-on-completion", true, "Restart the child after a clean exit")
	flags.Duration("timeout", 0, "Per-submission wait timeout (0 waits indefinitely)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: console, json")

	addRunFlags(rootCmd)
}

// loadConfig reads --config and applies the flags the user set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	if flags.Changed("runtime") {
		cfg.Runtime.Command, _ = flags.GetString("runtime")
		cfg.Runtime.Wasm = ""
	}
	if flags.Changed("wasm") {
		cfg.Runtime.Wasm, _ = flags.GetString("wasm")
	}
	if flags.Changed("capacity") {
		cfg.Bridge.Capacity, _ = flags.GetInt("capacity")
	}
	if flags.Changed("allow-host") {
		hosts, _ := flags.GetStringSlice("allow-host")
		cfg.Bridge.AllowedHosts = append(cfg.Bridge.AllowedHosts, hosts...)
	}
	if flags.Changed("restart-on-failure") {
		v, _ := flags.GetBool("restart-on-failure")
		cfg.Supervisor.RestartOnFailure = &v
	}
	if flags.Changed("restart-on-completion") {
		v, _ := flags.GetBool("restart-on-completion")
		cfg.Supervisor.RestartOnCompletion = &v
	}
	if flags.Changed("timeout") {
		cfg.Interpreter.Timeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("log-level") {
		cfg.Logger.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logger.Format, _ = flags.GetString("log-format")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
