// Package main is the entry point for the regadera CLI.
//
// Regadera can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	regadera serve -c config.yaml    # Start the relay and dashboard
//	regadera validate -c config.yaml # Validate configuration
//	regadera version                 # Show version info
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultEnvFile = ".env"

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "regadera",
	Short: "Real-time telemetry relay for an automatic plant-watering controller",
	Long: `Regadera relays sensor readings from a watering controller to live dashboards.

The controller connects over a websocket and sends one JSON frame per
reading. Every reading is stored and pushed to all connected dashboards.
A REST API exposes the reading history and statistics.

Quick start:
  1. Create a config file (regadera.yaml)
  2. Run: regadera serve -c regadera.yaml
  3. Point the controller at ws://<host>:8000/ws/esp32
  4. Open http://localhost:8000 in your browser

Example config:
  port: 8000
  storage:
    driver: sqlite
    dsn: ${REGADERA_DB:-regadera.db}`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this regadera binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("regadera %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("env-file", defaultEnvFile, "dotenv file loaded before the config is parsed")
}

// loadEnvFile loads variables from the --env-file flag into the process
// environment without overriding variables that are already set. A missing
// default file is ignored.
func loadEnvFile(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("env-file")
	if path == "" {
		return nil
	}

	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}
