package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	apiURL  string
	key     string
	keyFile string
	timeout time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Sign and submit settlement transactions and inspect ledger state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api", envOr("ESCROW_API", "http://127.0.0.1:18080"), "Base URL of a settlementd node")
	flags.StringVar(&opts.key, "key", os.Getenv("ESCROW_KEY"), "Hex secp256k1 private key used to sign")
	flags.StringVar(&opts.keyFile, "key-file", "", "File holding a hex private key (see keygen)")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "HTTP request timeout")

	cmd.AddCommand(newKeygenCommand())
	cmd.AddCommand(newTxCommand(opts))
	cmd.AddCommand(newSessionCommand(opts))
	cmd.AddCommand(newNodeCommand(opts))
	cmd.AddCommand(newAccountCommand(opts))
	cmd.AddCommand(newWatchCommand())
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
