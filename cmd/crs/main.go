package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
	version = "dev" // Will be set by build flags
)

var rootCmd = &cobra.Command{
	Use:   "crs",
	Short: "Distributed cyber reasoning system pipeline",
	Long: `CRS is a distributed pipeline for automated vulnerability discovery and
repair: stage workers consume broker queues, coordinate through a shared
key-value store, build and replay fuzz targets in Docker, triage crashes
into bug profiles, author patches and drive submissions to the scoring
API.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(reproduceCmd)
}

// Commands are defined in separate files:
// - runCmd in run.go
// - buildCmd, reproduceCmd in build.go

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
