package ledger

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/horizon-vpn/settlement-hub/internal/domain/escrow"
	"github.com/horizon-vpn/settlement-hub/internal/domain/node"
	"github.com/horizon-vpn/settlement-hub/internal/p2p/protocol"
)

const (
	EventSessionCreated   = "SESSION_CREATED"
	EventSessionCompleted = "SESSION_COMPLETED"
	EventPayoutClaimed    = "PAYOUT_CLAIMED"
	EventNodeRegistered   = "NODE_REGISTERED"
	EventNodeUpdated      = "NODE_UPDATED"
	EventNodeActivated    = "NODE_ACTIVATED"
	EventNodeDeactivated  = "NODE_DEACTIVATED"
	EventAccountFunded    = "ACCOUNT_FUNDED"
	EventFeeUpdated       = "FEE_UPDATED"
)

// ErrInvalidTx is returned for envelopes that fail signature, skew or payload checks.
var ErrInvalidTx = errors.New("invalid tx")

// Params is the replicated platform configuration.
type Params struct {
	Admin              common.Address `json:"admin"`
	Treasury           common.Address `json:"treasury"`
	FeeBps             uint32         `json:"feeBps"`
	MaxCapacityUnits   uint64         `json:"maxCapacityUnits"`
	MaxDurationSeconds uint64         `json:"maxDurationSeconds"`
	MaxClockSkew       time.Duration  `json:"maxClockSkew"`
}

// Params satisfies escrow.ParamsProvider.
func (p Params) Params() escrow.Params {
	return escrow.Params{
		FeeBps:             p.FeeBps,
		Treasury:           p.Treasury,
		MaxCapacityUnits:   p.MaxCapacityUnits,
		MaxDurationSeconds: p.MaxDurationSeconds,
	}
}

func (p Params) validate() error {
	if p.FeeBps > escrow.BasisPoints {
		return errors.New("fee_bps must be <= 10000")
	}
	if p.Admin == (common.Address{}) {
		return errors.New("admin address is required")
	}
	if p.Treasury == (common.Address{}) {
		return errors.New("treasury address is required")
	}
	return nil
}

// DefaultParams returns the platform defaults for the given operators.
func DefaultParams(admin, treasury common.Address) Params {
	return Params{
		Admin:              admin,
		Treasury:           treasury,
		FeeBps:             escrow.DefaultFeeBps,
		MaxCapacityUnits:   1 << 50,
		MaxDurationSeconds: uint64((30 * 24 * time.Hour).Seconds()),
		MaxClockSkew:       2 * time.Minute,
	}
}

// Event is one entry of the ledger timeline.
type Event struct {
	EventID    string          `json:"eventId"`
	Type       string          `json:"type"`
	SessionID  uint64          `json:"sessionId,omitempty"`
	NodeID     uint64          `json:"nodeId,omitempty"`
	Actor      common.Address  `json:"actor"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TxID       string          `json:"txId"`
	CommitTime time.Time       `json:"commitTime"`
}

// Receipt is the result of an applied tx. Replaying the tx returns it unchanged.
type Receipt struct {
	TxID        string             `json:"txId"`
	Op          protocol.Operation `json:"op"`
	Actor       common.Address     `json:"actor"`
	CommittedAt time.Time          `json:"committedAt"`
	SessionID   uint64             `json:"sessionId,omitempty"`
	NodeID      uint64             `json:"nodeId,omitempty"`
	Session     *escrow.Session    `json:"session,omitempty"`
	Settlement  *escrow.Settlement `json:"settlement,omitempty"`
	Node        *node.Node         `json:"node,omitempty"`
	Account     *common.Address    `json:"account,omitempty"`
	Balance     *uint256.Int       `json:"balance,omitempty"`
	FeeBps      *uint32            `json:"feeBps,omitempty"`
	Events      []Event            `json:"events"`

	// Replayed is set on the copy returned for an already-applied TxID.
	Replayed bool `json:"-"`
}

// Clone returns a deep copy.
func (r Receipt) Clone() Receipt {
	if r.Session != nil {
		s := r.Session.Clone()
		r.Session = &s
	}
	if r.Settlement != nil {
		st := r.Settlement.Clone()
		r.Settlement = &st
	}
	if r.Node != nil {
		n := r.Node.Clone()
		r.Node = &n
	}
	if r.Account != nil {
		a := *r.Account
		r.Account = &a
	}
	if r.Balance != nil {
		r.Balance = r.Balance.Clone()
	}
	if r.FeeBps != nil {
		f := *r.FeeBps
		r.FeeBps = &f
	}
	events := make([]Event, 0, len(r.Events))
	for _, e := range r.Events {
		events = append(events, cloneEvent(e))
	}
	r.Events = events
	return r
}

// Genesis seeds a fresh machine.
type Genesis struct {
	Params   Params
	Balances map[common.Address]*uint256.Int
}

// Stats summarizes ledger contents at a point in time.
type Stats struct {
	Sessions         int    `json:"sessions"`
	ActiveSessions   int    `json:"activeSessions"`
	ExpiredSessions  int    `json:"expiredSessions"`
	SettledSessions  int    `json:"settledSessions"`
	Nodes            int    `json:"nodes"`
	ActiveNodes      int    `json:"activeNodes"`
	Accounts         int    `json:"accounts"`
	Events           int    `json:"events"`
	AppliedTx        int    `json:"appliedTx"`
	Custody          string `json:"custody"`
	OpenDeposits     string `json:"openDeposits"`
	TotalBalances    string `json:"totalBalances"`
	TotalFunded      string `json:"totalFunded"`
	Conserved        bool   `json:"conserved"`
	LastSessionID    uint64 `json:"lastSessionId"`
	LastNodeID       uint64 `json:"lastNodeId"`
	FeeBps           uint32 `json:"feeBps"`
	TotalFeesCharged string `json:"totalFeesCharged"`
}

func cloneEvent(in Event) Event {
	if in.Payload != nil {
		in.Payload = append([]byte(nil), in.Payload...)
	}
	return in
}
