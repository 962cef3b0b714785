package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"static-flow-verifier/internal/ipset"
	"static-flow-verifier/internal/parser"
	"static-flow-verifier/internal/query"
)

var (
	errNotPermitted = errors.New("flow not permitted")
	errNotDenied    = errors.New("flow not denied")
)

var quiet bool

func newQueryCmd() *cobra.Command {
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Query compiled rules",
	}
	queryCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only report through the exit status")

	queryCmd.AddCommand(&cobra.Command{
		Use:   "permitted SOURCE SRC DST APP",
		Short: "Succeed if every flow from SRC to DST on APP is permitted",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			eval, src, dst, err := prepareQuery(cmd, args)
			if err != nil {
				return err
			}
			ok, remaining := eval.Permits(args[3], src, dst)
			if !ok {
				if !quiet {
					fmt.Fprintln(cmd.OutOrStdout(), "Flow not permitted")
					for _, p := range remaining.Pairs() {
						fmt.Fprintf(cmd.OutOrStdout(), "  unmatched %s -> %s\n", p.Src, p.Dst)
					}
				}
				return errNotPermitted
			}
			if !quiet {
				fmt.Fprintln(cmd.OutOrStdout(), "Flow permitted")
			}
			return nil
		},
	})

	queryCmd.AddCommand(&cobra.Command{
		Use:   "denied SOURCE SRC DST APP",
		Short: "Succeed if no flow from SRC to DST on APP is permitted",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			eval, src, dst, err := prepareQuery(cmd, args)
			if err != nil {
				return err
			}
			ok, matches := eval.Denies(args[3], src, dst)
			if !ok {
				if !quiet {
					fmt.Fprintln(cmd.OutOrStdout(), "Flow not denied")
					for _, m := range matches {
						fmt.Fprintf(cmd.OutOrStdout(), "  %s permits %s -> %s\n", m.Rule.Name, m.Src, m.Dst)
					}
				}
				return errNotDenied
			}
			if !quiet {
				fmt.Fprintln(cmd.OutOrStdout(), "Flow denied")
			}
			return nil
		},
	})

	queryCmd.AddCommand(&cobra.Command{
		Use:   "apps SOURCE SRC DST",
		Short: "List the applications permitted from SRC to DST",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			eval, src, dst, err := prepareQuery(cmd, args)
			if err != nil {
				return err
			}
			for _, app := range eval.Apps(src, dst) {
				fmt.Fprintln(cmd.OutOrStdout(), app)
			}
			return nil
		},
	})

	return queryCmd
}

func prepareQuery(cmd *cobra.Command, args []string) (*query.Evaluator, ipset.PrefixSet, ipset.PrefixSet, error) {
	src, err := parser.ParseAddressList(args[1])
	if err != nil {
		return nil, ipset.PrefixSet{}, ipset.PrefixSet{}, fmt.Errorf("source address: %w", err)
	}
	dst, err := parser.ParseAddressList(args[2])
	if err != nil {
		return nil, ipset.PrefixSet{}, ipset.PrefixSet{}, fmt.Errorf("destination address: %w", err)
	}
	rules, err := loadRules(cmd.Context(), args[0])
	if err != nil {
		return nil, ipset.PrefixSet{}, ipset.PrefixSet{}, err
	}
	return query.NewEvaluator(rules), src, dst, nil
}
