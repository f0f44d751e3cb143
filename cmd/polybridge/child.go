package main

import (
	"github.com/caffeineduck/polybridge/child"
	"github.com/spf13/cobra"
)

var childCmd = &cobra.Command{
	Use:    "child",
	Short:  "Serve the bridge protocol on stdio with the built-in calculator",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return child.Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), child.Calc{})
	},
}

func init() {
	rootCmd.AddCommand(childCmd)
}
