package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keyur7523/promptLab/cmd/promptlab/commands"
	"github.com/keyur7523/promptLab/pkg/observability/logging"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if _, err := logging.InitLoggerFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
	}

	rootCmd := &cobra.Command{
		Use:   "promptlab",
		Short: "PromptLab chat backend",
		Long: `promptlab runs the PromptLab chat backend: streaming chat exchanges
against an LLM provider with per-user rate quotas, prompt A/B experiments,
token and cost accounting, and feedback collection.

Common workflows:
  promptlab serve                      # Start the API server
  promptlab serve -c config/prod.yaml  # Start with a specific config`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	}

	rootCmd.PersistentFlags().StringP("config", "c", "config/config.yaml", "Path to configuration file")

	rootCmd.AddCommand(commands.NewServeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
