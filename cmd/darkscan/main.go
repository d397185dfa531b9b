// Command darkscan finds manipulative phrasing in HTML documents.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "darkscan",
	Short: "Hybrid dark-pattern detection for HTML documents",
	Long: `darkscan extracts visible text from a document, pre-filters it with
per-category keyword matchers and confirms each candidate with a semantic
verifier, falling back to strict matchers when the verifier is slow or absent.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "darkscan.yaml", "path to config file (missing file means defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
	rootCmd.AddCommand(scanCmd, watchCmd, serveCmd, verifierCmd, benchCmd)
}
