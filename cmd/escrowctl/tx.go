package main

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/horizon-vpn/settlement-hub/internal/p2p/protocol"
)

// txMeta holds the envelope fields a caller may pin for replay testing.
type txMeta struct {
	txID      string
	nonce     string
	timestamp string
	dryRun    bool
}

func (m *txMeta) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&m.txID, "tx-id", "", "Transaction id; random UUID when empty")
	cmd.Flags().StringVar(&m.nonce, "nonce", "", "Nonce; random UUID when empty")
	cmd.Flags().StringVar(&m.timestamp, "timestamp", "", "RFC3339 timestamp; default now")
	cmd.Flags().BoolVar(&m.dryRun, "dry-run", false, "Print the signed transaction instead of submitting it")
}

// buildTx assembles and signs a transaction envelope.
func buildTx(key *ecdsa.PrivateKey, op protocol.Operation, payload any, value *uint256.Int, meta txMeta, now time.Time) (protocol.Tx, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return protocol.Tx{}, err
	}
	ts := now.UTC()
	if s := strings.TrimSpace(meta.timestamp); s != "" {
		ts, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return protocol.Tx{}, fmt.Errorf("parse timestamp: %w", err)
		}
	}
	tx := protocol.Tx{
		TxID:      strings.TrimSpace(meta.txID),
		Nonce:     strings.TrimSpace(meta.nonce),
		Timestamp: ts.UTC(),
		Op:        op,
		Payload:   raw,
		Value:     value,
	}
	if tx.TxID == "" {
		tx.TxID = uuid.NewString()
	}
	if tx.Nonce == "" {
		tx.Nonce = uuid.NewString()
	}
	if err := tx.Sign(key); err != nil {
		return protocol.Tx{}, err
	}
	return tx, nil
}

func parseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("amount is required")
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return v, nil
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func newTxCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Sign and submit ledger transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newNodeRegisterCommand(opts))
	cmd.AddCommand(newNodeUpdateCommand(opts))
	cmd.AddCommand(newNodeStatusCommand(opts, "activate", protocol.OpNodeActivate))
	cmd.AddCommand(newNodeStatusCommand(opts, "deactivate", protocol.OpNodeDeactivate))
	cmd.AddCommand(newFundCommand(opts))
	cmd.AddCommand(newFeeCommand(opts))
	cmd.AddCommand(newSessionCreateCommand(opts))
	cmd.AddCommand(newSessionSettleCommand(opts))
	return cmd
}

// submit signs the payload and either prints it or posts it to /v1/tx.
func submit(cmd *cobra.Command, opts *globalOptions, meta txMeta, op protocol.Operation, payload any, value *uint256.Int) error {
	key, err := loadKey(opts)
	if err != nil {
		return err
	}
	tx, err := buildTx(key, op, payload, value, meta, time.Now())
	if err != nil {
		return err
	}
	if meta.dryRun {
		raw, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), raw)
	}
	receipt, err := newAPIClient(opts).post(cmd.Context(), "/v1/tx", tx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), receipt)
}

func newNodeRegisterCommand(opts *globalOptions) *cobra.Command {
	var (
		meta    txMeta
		payload protocol.NodeRegisterPayload
		price   string
	)

	cmd := &cobra.Command{
		Use:   "register-node",
		Short: "List a VPN node for sale",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseAmount(price)
			if err != nil {
				return err
			}
			payload.PricePerUnit = p
			return submit(cmd, opts, meta, protocol.OpNodeRegister, payload, nil)
		},
	}

	meta.bind(cmd)
	cmd.Flags().StringVar(&payload.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&payload.Region, "region", "", "Region code")
	cmd.Flags().StringVar(&price, "price", "", "Price per capacity unit in base units")
	cmd.Flags().Uint64Var(&payload.AdvertisedBandwidth, "bandwidth", 0, "Advertised bandwidth")
	cmd.Flags().StringVar(&payload.Endpoint, "endpoint", "", "Connection endpoint")
	cmd.Flags().StringVar(&payload.PublicKey, "public-key", "", "Tunnel public key")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("price")
	_ = cmd.MarkFlagRequired("endpoint")
	return cmd
}

func newNodeUpdateCommand(opts *globalOptions) *cobra.Command {
	var (
		meta      txMeta
		nodeID    uint64
		price     string
		endpoint  string
		region    string
		bandwidth uint64
	)

	cmd := &cobra.Command{
		Use:   "update-node",
		Short: "Change listing terms of an owned node",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := protocol.NodeUpdatePayload{NodeID: nodeID}
			if cmd.Flags().Changed("price") {
				p, err := parseAmount(price)
				if err != nil {
					return err
				}
				payload.PricePerUnit = p
			}
			if cmd.Flags().Changed("endpoint") {
				payload.Endpoint = &endpoint
			}
			if cmd.Flags().Changed("region") {
				payload.Region = &region
			}
			if cmd.Flags().Changed("bandwidth") {
				payload.AdvertisedBandwidth = &bandwidth
			}
			return submit(cmd, opts, meta, protocol.OpNodeUpdate, payload, nil)
		},
	}

	meta.bind(cmd)
	cmd.Flags().Uint64Var(&nodeID, "node-id", 0, "Node id")
	cmd.Flags().StringVar(&price, "price", "", "New price per capacity unit")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "New endpoint")
	cmd.Flags().StringVar(&region, "region", "", "New region")
	cmd.Flags().Uint64Var(&bandwidth, "bandwidth", 0, "New advertised bandwidth")
	_ = cmd.MarkFlagRequired("node-id")
	return cmd
}

func newNodeStatusCommand(opts *globalOptions, use string, op protocol.Operation) *cobra.Command {
	var (
		meta   txMeta
		nodeID uint64
	)

	cmd := &cobra.Command{
		Use:   use + "-node",
		Short: "Toggle whether a node accepts new sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, opts, meta, op, protocol.NodeStatusPayload{NodeID: nodeID}, nil)
		},
	}

	meta.bind(cmd)
	cmd.Flags().Uint64Var(&nodeID, "node-id", 0, "Node id")
	_ = cmd.MarkFlagRequired("node-id")
	return cmd
}

func newFundCommand(opts *globalOptions) *cobra.Command {
	var (
		meta    txMeta
		account string
		amount  string
	)

	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Credit an account balance (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress(account)
			if err != nil {
				return err
			}
			amt, err := parseAmount(amount)
			if err != nil {
				return err
			}
			return submit(cmd, opts, meta, protocol.OpAccountFund, protocol.AccountFundPayload{Account: addr, Amount: amt}, nil)
		},
	}

	meta.bind(cmd)
	cmd.Flags().StringVar(&account, "account", "", "Account address to credit")
	cmd.Flags().StringVar(&amount, "amount", "", "Amount in base units")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newFeeCommand(opts *globalOptions) *cobra.Command {
	var (
		meta   txMeta
		feeBps uint32
	)

	cmd := &cobra.Command{
		Use:   "set-fee",
		Short: "Change the platform fee in basis points (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, opts, meta, protocol.OpFeeSet, protocol.FeeSetPayload{FeeBps: feeBps}, nil)
		},
	}

	meta.bind(cmd)
	cmd.Flags().Uint32Var(&feeBps, "bps", 0, "Fee in basis points")
	_ = cmd.MarkFlagRequired("bps")
	return cmd
}

func newSessionCreateCommand(opts *globalOptions) *cobra.Command {
	var (
		meta    txMeta
		payload protocol.SessionCreatePayload
		deposit string
	)

	cmd := &cobra.Command{
		Use:   "create-session",
		Short: "Open an escrowed session on a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := parseAmount(deposit)
			if err != nil {
				return err
			}
			return submit(cmd, opts, meta, protocol.OpSessionCreate, payload, value)
		},
	}

	meta.bind(cmd)
	cmd.Flags().Uint64Var(&payload.NodeID, "node-id", 0, "Node id")
	cmd.Flags().Uint64Var(&payload.CapacityUnits, "units", 0, "Purchased capacity units")
	cmd.Flags().Uint64Var(&payload.DurationSeconds, "duration", 0, "Session duration in seconds")
	cmd.Flags().StringVar(&deposit, "deposit", "", "Deposit; must equal price times units")
	_ = cmd.MarkFlagRequired("node-id")
	_ = cmd.MarkFlagRequired("units")
	_ = cmd.MarkFlagRequired("duration")
	_ = cmd.MarkFlagRequired("deposit")
	return cmd
}

func newSessionSettleCommand(opts *globalOptions) *cobra.Command {
	var (
		meta    txMeta
		payload protocol.SessionSettlePayload
	)

	cmd := &cobra.Command{
		Use:   "settle-session",
		Short: "Settle a session with the used capacity units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submit(cmd, opts, meta, protocol.OpSessionSettle, payload, nil)
		},
	}

	meta.bind(cmd)
	cmd.Flags().Uint64Var(&payload.SessionID, "session-id", 0, "Session id")
	cmd.Flags().Uint64Var(&payload.AssertedUsedUnits, "used", 0, "Used capacity units")
	_ = cmd.MarkFlagRequired("session-id")
	_ = cmd.MarkFlagRequired("used")
	return cmd
}
