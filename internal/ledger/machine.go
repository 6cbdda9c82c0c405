package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/horizon-vpn/settlement-hub/internal/domain/escrow"
	"github.com/horizon-vpn/settlement-hub/internal/domain/node"
	"github.com/horizon-vpn/settlement-hub/internal/p2p/protocol"
)

type state struct {
	Params          Params                          `json:"params"`
	Sessions        map[uint64]escrow.Session       `json:"sessions"`
	Nodes           map[uint64]node.Node            `json:"nodes"`
	Balances        map[common.Address]*uint256.Int `json:"balances"`
	Custody         *uint256.Int                    `json:"custody"`
	TotalFunded     *uint256.Int                    `json:"totalFunded"`
	FeesCharged     *uint256.Int                    `json:"feesCharged"`
	LastSessionID   uint64                          `json:"lastSessionId"`
	LastNodeID      uint64                          `json:"lastNodeId"`
	Receipts        map[string]Receipt              `json:"receipts"`
	EventsBySession map[uint64][]Event              `json:"eventsBySession"`

	BuyerIndex      map[common.Address][]uint64 `json:"-"`
	OperatorIndex   map[common.Address][]uint64 `json:"-"`
	NodesByOperator map[common.Address][]uint64 `json:"-"`
}

// Machine is the deterministic settlement state machine. Every write is a
// signed tx applied under one lock.
type Machine struct {
	mu sync.RWMutex
	s  state
}

// NewMachine builds a machine from genesis parameters and balances.
func NewMachine(genesis Genesis) (*Machine, error) {
	if err := genesis.Params.validate(); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	s := emptyState()
	s.Params = genesis.Params
	for addr, bal := range genesis.Balances {
		if bal == nil {
			continue
		}
		s.Balances[addr] = bal.Clone()
		s.TotalFunded.Add(s.TotalFunded, bal)
	}
	return &Machine{s: s}, nil
}

func emptyState() state {
	return state{
		Sessions:        map[uint64]escrow.Session{},
		Nodes:           map[uint64]node.Node{},
		Balances:        map[common.Address]*uint256.Int{},
		Custody:         new(uint256.Int),
		TotalFunded:     new(uint256.Int),
		FeesCharged:     new(uint256.Int),
		Receipts:        map[string]Receipt{},
		EventsBySession: map[uint64][]Event{},
		BuyerIndex:      map[common.Address][]uint64{},
		OperatorIndex:   map[common.Address][]uint64{},
		NodesByOperator: map[common.Address][]uint64{},
	}
}

// Marshal serializes current machine state.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.s)
}

// Unmarshal restores machine state from a snapshot payload. Indices are
// rebuilt and every session is re-validated.
func (m *Machine) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if err := normalizeState(&s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}

func normalizeState(s *state) error {
	if s.Sessions == nil {
		s.Sessions = map[uint64]escrow.Session{}
	}
	if s.Nodes == nil {
		s.Nodes = map[uint64]node.Node{}
	}
	if s.Balances == nil {
		s.Balances = map[common.Address]*uint256.Int{}
	}
	if s.Custody == nil {
		s.Custody = new(uint256.Int)
	}
	if s.TotalFunded == nil {
		s.TotalFunded = new(uint256.Int)
	}
	if s.FeesCharged == nil {
		s.FeesCharged = new(uint256.Int)
	}
	if s.Receipts == nil {
		s.Receipts = map[string]Receipt{}
	}
	if s.EventsBySession == nil {
		s.EventsBySession = map[uint64][]Event{}
	}
	s.BuyerIndex = map[common.Address][]uint64{}
	s.OperatorIndex = map[common.Address][]uint64{}
	s.NodesByOperator = map[common.Address][]uint64{}

	ids := make([]uint64, 0, len(s.Sessions))
	for id, sess := range s.Sessions {
		if id != sess.SessionID {
			return fmt.Errorf("snapshot: session key %d holds id %d", id, sess.SessionID)
		}
		if err := sess.Validate(); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		if id > s.LastSessionID {
			return fmt.Errorf("snapshot: session %d beyond sequence %d", id, s.LastSessionID)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		sess := s.Sessions[id]
		s.BuyerIndex[sess.Buyer] = append(s.BuyerIndex[sess.Buyer], id)
		s.OperatorIndex[sess.Operator] = append(s.OperatorIndex[sess.Operator], id)
	}

	nodeIDs := make([]uint64, 0, len(s.Nodes))
	for id, n := range s.Nodes {
		if id != n.NodeID || id > s.LastNodeID {
			return fmt.Errorf("snapshot: inconsistent node %d", id)
		}
		nodeIDs = append(nodeIDs, id)
	}
	sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })
	for _, id := range nodeIDs {
		op := s.Nodes[id].Operator
		s.NodesByOperator[op] = append(s.NodesByOperator[op], id)
	}
	return nil
}

// ApplyTx validates and applies one signed tx at the leader-stamped commit
// time. Replaying an applied TxID returns the stored receipt marked as
// Replayed and changes nothing.
func (m *Machine) ApplyTx(tx protocol.Tx, committedAt time.Time) (Receipt, error) {
	actor, err := tx.Verify()
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}
	at := committedAt.UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.s.Receipts[tx.TxID]; ok {
		replay := prior.Clone()
		replay.Replayed = true
		return replay, nil
	}
	if skew := m.s.Params.MaxClockSkew; skew > 0 {
		drift := at.Sub(tx.Timestamp.UTC())
		if drift < 0 {
			drift = -drift
		}
		if drift > skew {
			return Receipt{}, fmt.Errorf("%w: timestamp drifts %s from commit time", ErrInvalidTx, drift)
		}
	}

	t := newTxn(&m.s)
	r := Receipt{
		TxID:        tx.TxID,
		Op:          tx.Op,
		Actor:       actor,
		CommittedAt: at,
	}
	switch tx.Op {
	case protocol.OpNodeRegister:
		err = m.applyNodeRegisterLocked(t, tx, actor, at, &r)
	case protocol.OpNodeUpdate:
		err = m.applyNodeUpdateLocked(t, tx, actor, at, &r)
	case protocol.OpNodeActivate:
		err = m.applyNodeStatusLocked(t, tx, actor, at, node.StatusActive, &r)
	case protocol.OpNodeDeactivate:
		err = m.applyNodeStatusLocked(t, tx, actor, at, node.StatusInactive, &r)
	case protocol.OpAccountFund:
		err = m.applyAccountFundLocked(t, tx, actor, &r)
	case protocol.OpFeeSet:
		err = m.applyFeeSetLocked(t, tx, actor, &r)
	case protocol.OpSessionCreate:
		err = m.applySessionCreateLocked(t, tx, actor, at, &r)
	case protocol.OpSessionSettle:
		err = m.applySessionSettleLocked(t, tx, actor, at, &r)
	default:
		err = fmt.Errorf("%w: unsupported op %s", ErrInvalidTx, tx.Op)
	}
	if err != nil {
		return Receipt{}, err
	}

	t.commit(&m.s)
	for i := range r.Events {
		r.Events[i].EventID = fmt.Sprintf("%s:%d", tx.TxID, i)
		r.Events[i].TxID = tx.TxID
		r.Events[i].CommitTime = at
		r.Events[i].Actor = actor
		if sid := r.Events[i].SessionID; sid != 0 {
			m.s.EventsBySession[sid] = append(m.s.EventsBySession[sid], cloneEvent(r.Events[i]))
		}
	}
	m.s.Receipts[tx.TxID] = r.Clone()
	return r, nil
}

func (m *Machine) applyNodeRegisterLocked(t *txn, tx protocol.Tx, actor common.Address, at time.Time, r *Receipt) error {
	payload, err := decode[protocol.NodeRegisterPayload](tx)
	if err != nil {
		return err
	}
	reg := node.Registration{
		Name:                payload.Name,
		Region:              payload.Region,
		PricePerUnit:        payload.PricePerUnit,
		AdvertisedBandwidth: payload.AdvertisedBandwidth,
		Endpoint:            payload.Endpoint,
		PublicKey:           payload.PublicKey,
	}
	if err := reg.Validate(); err != nil {
		return escrow.NewError(escrow.CodeInvalidParameters, "%s", err.Error())
	}
	n := node.Node{
		NodeID:              t.nextNodeID(),
		Operator:            actor,
		Name:                reg.Name,
		Region:              reg.Region,
		PricePerUnit:        reg.PricePerUnit.Clone(),
		AdvertisedBandwidth: reg.AdvertisedBandwidth,
		Endpoint:            reg.Endpoint,
		PublicKey:           reg.PublicKey,
		Status:              node.StatusActive,
		RegisteredAt:        at,
		UpdatedAt:           at,
	}
	t.putNode(n)
	r.NodeID = n.NodeID
	r.Node = &n
	r.Events = append(r.Events, newEvent(EventNodeRegistered, 0, n.NodeID, n))
	return nil
}

func (m *Machine) applyNodeUpdateLocked(t *txn, tx protocol.Tx, actor common.Address, at time.Time, r *Receipt) error {
	payload, err := decode[protocol.NodeUpdatePayload](tx)
	if err != nil {
		return err
	}
	n, err := ownedNode(t, payload.NodeID, actor)
	if err != nil {
		return err
	}
	if payload.PricePerUnit != nil {
		if err := node.ValidatePrice(payload.PricePerUnit); err != nil {
			return escrow.NewError(escrow.CodeInvalidParameters, "%s", err.Error())
		}
		n.PricePerUnit = payload.PricePerUnit.Clone()
	}
	if payload.Endpoint != nil {
		if *payload.Endpoint == "" {
			return escrow.NewError(escrow.CodeInvalidParameters, "endpoint is required")
		}
		n.Endpoint = *payload.Endpoint
	}
	if payload.Region != nil {
		n.Region = *payload.Region
	}
	if payload.AdvertisedBandwidth != nil {
		n.AdvertisedBandwidth = *payload.AdvertisedBandwidth
	}
	n.UpdatedAt = at
	t.putNode(n)
	r.NodeID = n.NodeID
	r.Node = &n
	r.Events = append(r.Events, newEvent(EventNodeUpdated, 0, n.NodeID, n))
	return nil
}

func (m *Machine) applyNodeStatusLocked(t *txn, tx protocol.Tx, actor common.Address, at time.Time, status node.Status, r *Receipt) error {
	payload, err := decode[protocol.NodeStatusPayload](tx)
	if err != nil {
		return err
	}
	n, err := ownedNode(t, payload.NodeID, actor)
	if err != nil {
		return err
	}
	n.Status = status
	n.UpdatedAt = at
	t.putNode(n)
	r.NodeID = n.NodeID
	r.Node = &n
	eventType := EventNodeActivated
	if status == node.StatusInactive {
		eventType = EventNodeDeactivated
	}
	r.Events = append(r.Events, newEvent(eventType, 0, n.NodeID, map[string]any{"status": status}))
	return nil
}

func (m *Machine) applyAccountFundLocked(t *txn, tx protocol.Tx, actor common.Address, r *Receipt) error {
	if actor != m.s.Params.Admin {
		return escrow.NewError(escrow.CodeNotAuthorized, "only the admin may fund accounts")
	}
	payload, err := decode[protocol.AccountFundPayload](tx)
	if err != nil {
		return err
	}
	if payload.Amount == nil || payload.Amount.IsZero() {
		return escrow.NewError(escrow.CodeInvalidParameters, "amount must be positive")
	}
	if payload.Account == (common.Address{}) {
		return escrow.NewError(escrow.CodeInvalidParameters, "account is required")
	}
	if err := t.fund(payload.Account, payload.Amount); err != nil {
		return err
	}
	account := payload.Account
	r.Account = &account
	r.Balance = t.balanceOf(account).Clone()
	r.Events = append(r.Events, newEvent(EventAccountFunded, 0, 0, map[string]string{
		"account": account.Hex(),
		"amount":  payload.Amount.Dec(),
	}))
	return nil
}

func (m *Machine) applyFeeSetLocked(t *txn, tx protocol.Tx, actor common.Address, r *Receipt) error {
	if actor != m.s.Params.Admin {
		return escrow.NewError(escrow.CodeNotAuthorized, "only the admin may change the fee")
	}
	payload, err := decode[protocol.FeeSetPayload](tx)
	if err != nil {
		return err
	}
	if payload.FeeBps > escrow.BasisPoints {
		return escrow.NewError(escrow.CodeInvalidParameters, "fee_bps must be <= %d", escrow.BasisPoints)
	}
	p := m.s.Params
	p.FeeBps = payload.FeeBps
	t.setParams(p)
	fee := payload.FeeBps
	r.FeeBps = &fee
	r.Events = append(r.Events, newEvent(EventFeeUpdated, 0, 0, map[string]uint32{"feeBps": fee}))
	return nil
}

func (m *Machine) applySessionCreateLocked(t *txn, tx protocol.Tx, actor common.Address, at time.Time, r *Receipt) error {
	payload, err := decode[protocol.SessionCreatePayload](tx)
	if err != nil {
		return err
	}
	engine := escrow.NewEngine(t, t, t, t, m.s.Params)
	s, err := engine.CreateSession(context.Background(), escrow.CreateRequest{
		Buyer:           actor,
		NodeID:          payload.NodeID,
		CapacityUnits:   payload.CapacityUnits,
		DurationSeconds: payload.DurationSeconds,
		Value:           tx.Value,
	}, at)
	if err != nil {
		return err
	}
	r.SessionID = s.SessionID
	r.NodeID = s.NodeID
	r.Session = &s
	attachNode(t, s.NodeID, r)
	r.Events = append(r.Events, newEvent(EventSessionCreated, s.SessionID, s.NodeID, s))
	return nil
}

func (m *Machine) applySessionSettleLocked(t *txn, tx protocol.Tx, actor common.Address, at time.Time, r *Receipt) error {
	payload, err := decode[protocol.SessionSettlePayload](tx)
	if err != nil {
		return err
	}
	engine := escrow.NewEngine(t, t, t, t, m.s.Params)
	st, err := engine.Settle(context.Background(), escrow.SettleRequest{
		Caller:            actor,
		SessionID:         payload.SessionID,
		AssertedUsedUnits: payload.AssertedUsedUnits,
	}, at)
	if err != nil {
		return err
	}
	s, _ := t.Get(payload.SessionID)
	r.SessionID = s.SessionID
	r.NodeID = s.NodeID
	r.Session = &s
	r.Settlement = &st
	attachNode(t, s.NodeID, r)
	r.Events = append(r.Events, newEvent(EventSessionCompleted, s.SessionID, s.NodeID, st))
	if !st.Finalized && !st.NetOperatorPayout.IsZero() {
		r.Events = append(r.Events, newEvent(EventPayoutClaimed, s.SessionID, s.NodeID, map[string]string{
			"operator": s.Operator.Hex(),
			"amount":   st.NetOperatorPayout.Dec(),
		}))
	}
	return nil
}

// attachNode carries the node's usage counters so read models see them move.
func attachNode(t *txn, id uint64, r *Receipt) {
	if n, ok := t.node(id); ok {
		r.Node = &n
	}
}

func ownedNode(t *txn, id uint64, actor common.Address) (node.Node, error) {
	n, ok := t.node(id)
	if !ok {
		return node.Node{}, escrow.NewError(escrow.CodeUnknownOrInactiveNode, "node %d not found", id)
	}
	if n.Operator != actor {
		return node.Node{}, escrow.NewError(escrow.CodeNotAuthorized, "node %d belongs to another operator", id)
	}
	return n, nil
}

func decode[T any](tx protocol.Tx) (T, error) {
	out, err := protocol.DecodePayload[T](tx.Payload)
	if err != nil {
		return out, escrow.NewError(escrow.CodeInvalidParameters, "decode %s payload: %v", tx.Op, err)
	}
	return out, nil
}

func newEvent(eventType string, sessionID, nodeID uint64, payload any) Event {
	raw, _ := json.Marshal(payload)
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		NodeID:    nodeID,
		Payload:   raw,
	}
}
