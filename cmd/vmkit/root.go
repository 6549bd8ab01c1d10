package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vmkit",
	Short: "Declarative view-model runtime with remote calls and a message bus",
	Long: `vmkit hosts view-models declared in YAML.

Each definition names its fields, remote commands and queries, and the
bus routes it publishes to and subscribes from. The server exposes the
live instances over HTTP and websockets.

Quick start:
  vmkit validate    # Check configuration and definitions
  vmkit inspect     # Describe the loaded classes
  vmkit serve       # Start the server`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "vmkit.yaml", "config file path")
}
