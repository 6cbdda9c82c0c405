package protocol

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// Operation defines supported ledger writes.
type Operation string

const (
	OpNodeRegister   Operation = "NODE_REGISTER"
	OpNodeUpdate     Operation = "NODE_UPDATE"
	OpNodeActivate   Operation = "NODE_ACTIVATE"
	OpNodeDeactivate Operation = "NODE_DEACTIVATE"
	OpAccountFund    Operation = "ACCOUNT_FUND"
	OpFeeSet         Operation = "FEE_SET"
	OpSessionCreate  Operation = "SESSION_CREATE"
	OpSessionSettle  Operation = "SESSION_SETTLE"
)

var validOps = map[Operation]struct{}{
	OpNodeRegister:   {},
	OpNodeUpdate:     {},
	OpNodeActivate:   {},
	OpNodeDeactivate: {},
	OpAccountFund:    {},
	OpFeeSet:         {},
	OpSessionCreate:  {},
	OpSessionSettle:  {},
}

// Payable reports whether the op may carry a value transfer.
func (o Operation) Payable() bool {
	return o == OpSessionCreate
}

const signatureLength = 65

// Tx is the signed, replicated command envelope.
type Tx struct {
	TxID      string          `json:"tx_id"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"` // 0x-prefixed account address
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	Value     *uint256.Int    `json:"value,omitempty"`
	Signature string          `json:"signature"` // 0x-prefixed 65-byte secp256k1 signature
}

type txSignable struct {
	TxID      string          `json:"tx_id"`
	Nonce     string          `json:"nonce"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Op        Operation       `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	Value     string          `json:"value"`
}

// CanonicalBytes returns the deterministic signing payload.
func (t Tx) CanonicalBytes() ([]byte, error) {
	value := "0"
	if t.Value != nil {
		value = t.Value.Dec()
	}
	signable := txSignable{
		TxID:      strings.TrimSpace(t.TxID),
		Nonce:     strings.TrimSpace(t.Nonce),
		Timestamp: t.Timestamp.UTC(),
		Actor:     strings.ToLower(strings.TrimSpace(t.Actor)),
		Op:        t.Op,
		Payload:   t.Payload,
		Value:     value,
	}
	return json.Marshal(signable)
}

// Digest is the Keccak-256 hash of the canonical bytes.
func (t Tx) Digest() ([]byte, error) {
	payload, err := t.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(payload)
	return h.Sum(nil), nil
}

// ValidateBasic checks required immutable tx fields.
func (t Tx) ValidateBasic() error {
	if strings.TrimSpace(t.TxID) == "" {
		return errors.New("tx_id is required")
	}
	if strings.TrimSpace(t.Nonce) == "" {
		return errors.New("nonce is required")
	}
	if !common.IsHexAddress(strings.TrimSpace(t.Actor)) {
		return errors.New("actor must be a hex address")
	}
	if t.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if _, ok := validOps[t.Op]; !ok {
		return fmt.Errorf("unsupported op: %s", t.Op)
	}
	if len(t.Payload) == 0 {
		return errors.New("payload is required")
	}
	if t.Value != nil && !t.Value.IsZero() && !t.Op.Payable() {
		return fmt.Errorf("op %s does not accept value", t.Op)
	}
	if strings.TrimSpace(t.Signature) == "" {
		return errors.New("signature is required")
	}
	return nil
}

// ActorAddress parses the actor field.
func (t Tx) ActorAddress() common.Address {
	return common.HexToAddress(strings.TrimSpace(t.Actor))
}

// Sign sets the actor from the key and signs the tx.
func (t *Tx) Sign(key *ecdsa.PrivateKey) error {
	if key == nil {
		return errors.New("invalid private key")
	}
	t.Actor = ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	digest, err := t.Digest()
	if err != nil {
		return err
	}
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	t.Signature = hexutil.Encode(sig)
	return nil
}

// Verify recovers the signer and checks it is the actor. The returned
// address is the caller identity for authorization.
func (t Tx) Verify() (common.Address, error) {
	if err := t.ValidateBasic(); err != nil {
		return common.Address{}, err
	}
	sig, err := hexutil.Decode(strings.TrimSpace(t.Signature))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature: %w", err)
	}
	if len(sig) != signatureLength {
		return common.Address{}, errors.New("invalid signature size")
	}
	digest, err := t.Digest()
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	signer := ethcrypto.PubkeyToAddress(*pub)
	if signer != t.ActorAddress() {
		return common.Address{}, errors.New("signature verification failed")
	}
	return signer, nil
}

// DecodePayload decodes operation payloads, rejecting unknown fields.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

type NodeRegisterPayload struct {
	Name                string       `json:"name"`
	Region              string       `json:"region,omitempty"`
	PricePerUnit        *uint256.Int `json:"price_per_unit"`
	AdvertisedBandwidth uint64       `json:"advertised_bandwidth,omitempty"`
	Endpoint            string       `json:"endpoint"`
	PublicKey           string       `json:"public_key,omitempty"`
}

// NodeUpdatePayload changes listing terms. Nil fields are left unchanged.
type NodeUpdatePayload struct {
	NodeID              uint64       `json:"node_id"`
	PricePerUnit        *uint256.Int `json:"price_per_unit,omitempty"`
	Endpoint            *string      `json:"endpoint,omitempty"`
	Region              *string      `json:"region,omitempty"`
	AdvertisedBandwidth *uint64      `json:"advertised_bandwidth,omitempty"`
}

type NodeStatusPayload struct {
	NodeID uint64 `json:"node_id"`
}

type AccountFundPayload struct {
	Account common.Address `json:"account"`
	Amount  *uint256.Int   `json:"amount"`
}

type FeeSetPayload struct {
	FeeBps uint32 `json:"fee_bps"`
}

// SessionCreatePayload opens a session; the deposit travels in Tx.Value.
type SessionCreatePayload struct {
	NodeID          uint64 `json:"node_id"`
	CapacityUnits   uint64 `json:"capacity_units"`
	DurationSeconds uint64 `json:"duration_seconds"`
}

type SessionSettlePayload struct {
	SessionID         uint64 `json:"session_id"`
	AssertedUsedUnits uint64 `json:"asserted_used_units"`
}
