package internal

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/concordlabs/concord/internal/config"
)

func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a concord.yml file",
		Long:  `Validate a concord.yml file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.InheritedFlags().GetString("config")
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Validation successful!")
			return nil
		},
	}
}
