package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"static-flow-verifier/internal/query"
)

func newDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff LEFT RIGHT",
		Short: "Show flows permitted by only one of two rule sets",
		Long: `diff compares two rule sets, each given as a source name or a rule
file location. Lines starting with "-" are flows only LEFT permits, lines
starting with "+" are flows only RIGHT permits.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			left, err := loadRules(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			right, err := loadRules(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			printDiff(cmd.OutOrStdout(), query.Diff(left, right))
			return nil
		},
	}
}

func printDiff(w io.Writer, entries []query.DiffEntry) {
	for _, e := range entries {
		fmt.Fprintf(w, "%s %s %s -> %s\n", e.Op, e.App, e.Src, e.Dst)
	}
}
