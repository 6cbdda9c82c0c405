package main

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

func newKeygenCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 signing key and print its address",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := ethcrypto.GenerateKey()
			if err != nil {
				return err
			}
			if output != "" {
				if err := ethcrypto.SaveECDSA(output, key); err != nil {
					return fmt.Errorf("save key: %w", err)
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "private_key: %x\n", ethcrypto.FromECDSA(key))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "address: %s\n", ethcrypto.PubkeyToAddress(key.PublicKey).Hex())
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Write the key to this file instead of stdout")
	return cmd
}

// loadKey resolves the signing key from --key or --key-file.
func loadKey(opts *globalOptions) (*ecdsa.PrivateKey, error) {
	if raw := strings.TrimSpace(opts.key); raw != "" {
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		return key, nil
	}
	if opts.keyFile != "" {
		key, err := ethcrypto.LoadECDSA(opts.keyFile)
		if err != nil {
			return nil, fmt.Errorf("load key file: %w", err)
		}
		return key, nil
	}
	return nil, errors.New("a signing key is required (--key or --key-file)")
}
