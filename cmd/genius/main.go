package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andbeder/ClinicalGenius/cmd/genius/commands"
	"github.com/andbeder/ClinicalGenius/logger"
)

var rootCmd = &cobra.Command{
	Use:   "genius",
	Short: "ClinicalGenius - batch LLM analysis over CRM Analytics datasets",
	Long: `ClinicalGenius runs prompt templates over CRM Analytics dataset records
in batch, extracts structured JSON from the model responses, and
materializes the results as CSV.

Available commands:
  serve   - Start the ClinicalGenius web server
  am      - Show the resolved configuration
  version - Show version information

Examples:
  genius serve                  # Start the server on the configured port
  genius serve --config my.toml # Start with an explicit config file
  genius am show                # Show current configuration`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "show" {
			return nil
		}
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a genius.toml config file")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
