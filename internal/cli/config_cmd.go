package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hivemind-dev/solve/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect solve configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective merged configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		// Tokens stay out of the dump.
		redacted := *cfg
		redacted.Providers = make(map[string]config.ProviderConfig, len(cfg.Providers))
		for name, p := range cfg.Providers {
			if p.Token != "" {
				p.Token = "***"
			}
			redacted.Providers[name] = p
		}
		out, err := json.MarshalIndent(redacted, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
