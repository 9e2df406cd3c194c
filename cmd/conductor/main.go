package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "conductor - seat dispatch and run liveness control plane",
	Long: `conductor admits queued tasks into a bounded set of seats, keeps one
initiative per work area in flight, and watches runs and agents for
signs of life.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var apiAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", envOr("CONDUCTOR_API", "http://127.0.0.1:7466"), "API server address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(stuckCmd)
	rootCmd.AddCommand(failuresCmd)
	rootCmd.AddCommand(areasCmd)
	rootCmd.AddCommand(initiativesCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(dispatcherCmd)
	rootCmd.AddCommand(livenessCmd)
	rootCmd.AddCommand(agentsCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
