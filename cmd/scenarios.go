package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quadtile/drover/internal/consumer"
	"github.com/quadtile/drover/internal/scenario"
)

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List and validate the scenario directory",
	RunE:  runScenarios,
}

func init() {
	rootCmd.AddCommand(scenariosCmd)
}

func runScenarios(cmd *cobra.Command, _ []string) error {
	provider, err := scenario.NewProvider(cfg.ScenarioDB, func(key string) bool {
		_, ok := consumer.Lookup(key)
		return ok
	})
	if err != nil {
		return fmt.Errorf("scenario directory invalid: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, info := range provider.List() {
		fmt.Fprintf(out, "%s  %-24s input=%-5s steps: %s\n",
			info.ID, info.Name, info.InputType, strings.Join(info.Steps, ", "))
	}
	return nil
}
