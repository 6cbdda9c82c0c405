package main

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// getCommand builds a leaf command that prints one GET response.
func getCommand(opts *globalOptions, use, short string, args cobra.PositionalArgs, path func(args []string) (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := path(args)
			if err != nil {
				return err
			}
			body, err := newAPIClient(opts).get(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), body)
		},
	}
}

func idPath(format string) func(args []string) (string, error) {
	return func(args []string) (string, error) {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid id %q", args[0])
		}
		return fmt.Sprintf(format, id), nil
	}
}

func addressPath(format string) func(args []string) (string, error) {
	return func(args []string) (string, error) {
		addr, err := parseAddress(args[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(format, addr.Hex()), nil
	}
}

func newSessionCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect escrow sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(getCommand(opts, "get <session-id>", "Show a session", cobra.ExactArgs(1), idPath("/v1/sessions/%d")))
	cmd.AddCommand(getCommand(opts, "access <session-id>", "Check whether a session currently grants access", cobra.ExactArgs(1), idPath("/v1/sessions/%d/access")))
	cmd.AddCommand(getCommand(opts, "events <session-id>", "List the events of a session", cobra.ExactArgs(1), idPath("/v1/sessions/%d/events")))
	cmd.AddCommand(getCommand(opts, "by-buyer <address>", "List session ids opened by a buyer", cobra.ExactArgs(1), addressPath("/v1/buyers/%s/sessions")))
	cmd.AddCommand(getCommand(opts, "by-operator <address>", "List session ids served by an operator", cobra.ExactArgs(1), addressPath("/v1/operators/%s/sessions")))
	cmd.AddCommand(getCommand(opts, "receipt <tx-id>", "Show the receipt of a committed transaction", cobra.ExactArgs(1), func(args []string) (string, error) {
		return "/v1/tx/" + url.PathEscape(args[0]), nil
	}))
	return cmd
}

func newNodeCommand(opts *globalOptions) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect listed nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	list := getCommand(opts, "list", "List active nodes", cobra.NoArgs, func([]string) (string, error) {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		q.Set("offset", strconv.Itoa(offset))
		return "/v1/nodes?" + q.Encode(), nil
	})
	list.Flags().IntVar(&limit, "limit", 50, "Page size")
	list.Flags().IntVar(&offset, "offset", 0, "Page offset")

	cmd.AddCommand(list)
	cmd.AddCommand(getCommand(opts, "get <node-id>", "Show a node", cobra.ExactArgs(1), idPath("/v1/nodes/%d")))
	cmd.AddCommand(getCommand(opts, "by-operator <address>", "List nodes owned by an operator", cobra.ExactArgs(1), addressPath("/v1/operators/%s/nodes")))
	cmd.AddCommand(getCommand(opts, "earnings <address>", "Show settled earnings of an operator", cobra.ExactArgs(1), addressPath("/v1/operators/%s/earnings")))
	return cmd
}

func newAccountCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Inspect balances and ledger parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(getCommand(opts, "balance <address>", "Show the spendable balance of an account", cobra.ExactArgs(1), addressPath("/v1/accounts/%s")))
	cmd.AddCommand(getCommand(opts, "params", "Show ledger parameters and escrow custody", cobra.NoArgs, func([]string) (string, error) {
		return "/v1/params", nil
	}))
	cmd.AddCommand(getCommand(opts, "stats", "Show ledger statistics", cobra.NoArgs, func([]string) (string, error) {
		return "/v1/stats", nil
	}))
	return cmd
}
