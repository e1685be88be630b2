package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/andbeder/ClinicalGenius/am"
)

// AmCmd manages the core configuration.
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage ClinicalGenius configuration",
	Long: `Display and validate ClinicalGenius configuration.

Configuration sources (in order of precedence):
1. Environment variables (GENIUS_* prefix)
2. Config file (--config, ./genius.toml, or ~/.genius/genius.toml)
3. Default values

Examples:
  genius am show                 # Show current configuration
  genius am show --format json   # Show configuration in JSON format
  genius am validate             # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		if _, err := am.Load(configPath); err != nil {
			return err
		}
		fmt.Println("Configuration is valid")
		return nil
	},
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format: toml or json")
	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := am.Load(configPath)
	if err != nil {
		return err
	}

	// Never print credentials.
	cfg.LLM.APIKey = redact(cfg.LLM.APIKey)
	cfg.Analytics.AccessToken = redact(cfg.Analytics.AccessToken)

	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "json":
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	default:
		out, err := toml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
	}
	return nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "(set)"
}
