package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldworks/skillrun/internal/contract"
)

func contractsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contracts",
		Short: "Inspect and validate skill contracts",
	}
	cmd.AddCommand(contractsValidateCmd())
	cmd.AddCommand(contractsListCmd())
	return cmd
}

func contractsValidateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:          "validate",
		Short:        "Load every contract and check cross-references and schemas",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := contract.Load(dir)
			if err != nil {
				return err
			}
			if errs := registry.ValidateAll(); len(errs) > 0 {
				for _, err := range errs {
					fmt.Fprintln(cmd.ErrOrStderr(), err)
				}
				return fmt.Errorf("%d contract violations", len(errs))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d contracts OK\n", len(registry.Names()))
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "contracts", "contracts directory")
	return cmd
}

func contractsListCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:          "list",
		Short:        "List loaded contracts",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := contract.Load(dir)
			if err != nil {
				return err
			}
			for _, name := range registry.Names() {
				c, err := registry.Get(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s/%s\n",
					c.Name, c.Version, c.ExecutionMode, c.AutonomyLevel)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "contracts", "contracts directory")
	return cmd
}
