package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0-dev"
	commit  = "none"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "closureleak",
		Short: "Closure-capture leak reproduction",
		Long: `closureleak queues deferred computations that capture state and never
drains the queue, then keeps the allocator and the garbage collector busy so
the retained memory can be watched with pprof, /stats or /metrics.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text, json")

	rootCmd.AddCommand(
		newRunCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "closureleak version %s (commit: %s)\n", version, commit)
		},
	}
}
