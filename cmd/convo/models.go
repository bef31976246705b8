package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/providers"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models a provider offers",
	Long: `List models from the provider's API. Providers that cannot enumerate
models show the aliases from the config instead.

Examples:
  convo models
  convo models --provider anthropic`,
	RunE: runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, args []string) error {
	name, pc, err := cfg.Provider(providerFlag)
	if err != nil {
		return err
	}

	p, err := providers.New(cfg, name, modelFlag)
	if err != nil {
		return err
	}
	models, err := providers.ListModels(cmd.Context(), p)
	var unsupported *llm.UnsupportedCapabilityError
	switch {
	case errors.As(err, &unsupported):
		aliases := make([]string, 0, len(pc.Models))
		for alias := range pc.Models {
			aliases = append(aliases, alias)
		}
		sort.Strings(aliases)
		fmt.Printf("%s cannot list models; configured aliases:\n", name)
		for _, alias := range aliases {
			fmt.Printf("  %-12s %s\n", alias, pc.Models[alias])
		}
		return nil
	case err != nil:
		return fmt.Errorf("listing models: %w", err)
	}

	if len(models) == 0 {
		fmt.Println("No models found.")
		return nil
	}
	fmt.Printf("%-40s %-12s %s\n", "NAME", "SIZE", "MODIFIED")
	for _, m := range models {
		size := "-"
		if m.Size > 0 {
			size = fmt.Sprintf("%.1f GB", float64(m.Size)/1e9)
		}
		fmt.Printf("%-40s %-12s %s\n", m.Name, size, m.ModifiedAt)
	}
	return nil
}
