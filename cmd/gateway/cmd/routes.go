package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/mealhub/gateway/internal/gateway"
	"github.com/mealhub/gateway/internal/router"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the resolved route table",
	Long: `Print every service prefix with the upstream it resolves to and the
rule that chose it (env override, config url, docker, localhost or service
name). No network I/O is done.

Examples:
  # Table view
  gateway routes

  # What a container deployment would use
  DOCKER_ENV=true gateway routes -o json`,
	RunE: runRoutes,
}

func init() {
	rootCmd.AddCommand(routesCmd)
	routesCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
}

func runRoutes(cmd *cobra.Command, args []string) error {
	cfg, lookup, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	_, resolved, err := router.BuildTable(cfg, lookup)
	if err != nil {
		return err
	}
	routes := gateway.Routes(resolved)

	switch outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(routes)
	case "yaml":
		data, err := yaml.Marshal(routes)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", outputFormat)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tPREFIX\tTARGET\tSOURCE\tAUTH\tRATE LIMIT")
	for _, r := range routes {
		auth := "-"
		if r.Auth {
			auth = "required"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Name, r.Prefix, r.Target, r.Source, auth, r.RateLimit)
	}
	return w.Flush()
}
