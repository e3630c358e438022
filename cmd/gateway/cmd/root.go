package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mealhub/gateway/config"
)

var (
	// configPath is the optional YAML file layered under the environment
	configPath string
	// outputFormat is the output format for listing commands (table, json, yaml)
	outputFormat string
)

// Set at build time with -ldflags.
var (
	version   = "dev"
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "API gateway for the restaurant platform",
	Long: `gateway routes client requests to the platform's backend services by
path prefix, enforcing bearer authentication and rate limits per route.

Examples:
  # Run with defaults and the process environment
  JWT_SECRET=... gateway serve

  # Run with a config file
  gateway serve --config gateway.yaml

  # Show where each prefix is routed
  gateway routes -o json`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (defaults and environment only when empty)")
}

func loadConfig() (*config.Config, config.LookupFunc, error) {
	loader := config.NewLoader()
	cfg, err := loader.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader.Lookup(), nil
}
