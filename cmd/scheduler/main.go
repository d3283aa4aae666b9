package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gofire",
	Short: "gofire - distributed ticker scheduler",
	Long: `gofire runs one scheduler node against a shared ticker store.

Nodes sharing a Postgres database race to claim due tickers and cron
occurrences; each occurrence runs exactly once across the cluster.

Settings come from an optional YAML file (--config) and GOFIRE_*
environment variables, for example GOFIRE_POSTGRES_URL.

Examples:
  gofire migrate --config gofire.yaml
  gofire run --config gofire.yaml
  gofire enqueue echo --at 2025-05-01T12:00:00Z --request '"hello"'
  gofire schedule echo "*/5 * * * *"`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
