package internal

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "concord",
		Short: "Concord coordinates multiple expert participants on shared decisions.",
		Long: `Concord is a coordination engine for autonomous expert participants that jointly produce recommendations.
It isolates failing participants behind circuit breakers, retries transient errors, resolves conflicting
recommendations through configurable strategies, keeps shared context consistent, and runs multi-step
workflows as dependency graphs.`,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the concord.yml configuration file.")
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
