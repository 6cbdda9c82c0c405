package ledger

import (
	"math"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/horizon-vpn/settlement-hub/internal/domain/escrow"
	"github.com/horizon-vpn/settlement-hub/internal/domain/node"
)

// txn stages every write of one tx on top of the committed state. It backs
// the engine's Vault, Store, Sequence and Directory ports; nothing reaches
// the machine state until commit, so a failed op is dropped wholesale.
type txn struct {
	base *state

	balances      map[common.Address]*uint256.Int
	custody       *uint256.Int
	funded        *uint256.Int
	fees          *uint256.Int
	sessions      map[uint64]escrow.Session
	nodes         map[uint64]node.Node
	lastSessionID uint64
	lastNodeID    uint64
	params        *Params
}

func newTxn(base *state) *txn {
	return &txn{
		base:          base,
		balances:      map[common.Address]*uint256.Int{},
		custody:       base.Custody.Clone(),
		funded:        base.TotalFunded.Clone(),
		fees:          base.FeesCharged.Clone(),
		sessions:      map[uint64]escrow.Session{},
		nodes:         map[uint64]node.Node{},
		lastSessionID: base.LastSessionID,
		lastNodeID:    base.LastNodeID,
	}
}

func (t *txn) balanceOf(addr common.Address) *uint256.Int {
	if b, ok := t.balances[addr]; ok {
		return b
	}
	if b, ok := t.base.Balances[addr]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

func (t *txn) credit(addr common.Address, amount *uint256.Int) error {
	next, overflow := new(uint256.Int).AddOverflow(t.balanceOf(addr), amount)
	if overflow {
		return escrow.NewError(escrow.CodeArithmeticFault, "balance of %s overflows", addr.Hex())
	}
	t.balances[addr] = next
	return nil
}

// fund mints external money into an account.
func (t *txn) fund(addr common.Address, amount *uint256.Int) error {
	funded, overflow := new(uint256.Int).AddOverflow(t.funded, amount)
	if overflow {
		return escrow.NewError(escrow.CodeArithmeticFault, "total funded overflows")
	}
	if err := t.credit(addr, amount); err != nil {
		return err
	}
	t.funded = funded
	return nil
}

// Lock implements escrow.Vault.
func (t *txn) Lock(buyer common.Address, amount *uint256.Int) error {
	bal := t.balanceOf(buyer)
	next, underflow := new(uint256.Int).SubOverflow(bal, amount)
	if underflow {
		return escrow.NewError(escrow.CodeInsufficientFunds, "balance %s below deposit %s", bal.Dec(), amount.Dec())
	}
	custody, overflow := new(uint256.Int).AddOverflow(t.custody, amount)
	if overflow {
		return escrow.NewError(escrow.CodeArithmeticFault, "custody overflows")
	}
	t.balances[buyer] = next
	t.custody = custody
	return nil
}

// Disburse implements escrow.Vault. It checks the whole batch before
// touching any balance.
func (t *txn) Disburse(transfers []escrow.Transfer) error {
	total := new(uint256.Int)
	for _, tr := range transfers {
		var overflow bool
		if total, overflow = total.AddOverflow(total, tr.Amount); overflow {
			return escrow.NewError(escrow.CodeArithmeticFault, "disbursement total overflows")
		}
	}
	custody, underflow := new(uint256.Int).SubOverflow(t.custody, total)
	if underflow {
		return escrow.NewError(escrow.CodeArithmeticFault, "custody %s below disbursement %s", t.custody.Dec(), total.Dec())
	}
	staged := make(map[common.Address]*uint256.Int, len(transfers))
	for _, tr := range transfers {
		cur, ok := staged[tr.To]
		if !ok {
			cur = t.balanceOf(tr.To)
		}
		next, overflow := new(uint256.Int).AddOverflow(cur, tr.Amount)
		if overflow {
			return escrow.NewError(escrow.CodeArithmeticFault, "balance of %s overflows", tr.To.Hex())
		}
		staged[tr.To] = next
	}
	fees := t.fees
	for _, tr := range transfers {
		if tr.Leg == escrow.LegPlatform {
			fees = new(uint256.Int).Add(fees, tr.Amount)
		}
	}
	for addr, bal := range staged {
		t.balances[addr] = bal
	}
	t.custody = custody
	t.fees = fees
	return nil
}

// Get implements escrow.Store.
func (t *txn) Get(id uint64) (escrow.Session, bool) {
	if s, ok := t.sessions[id]; ok {
		return s.Clone(), true
	}
	s, ok := t.base.Sessions[id]
	if !ok {
		return escrow.Session{}, false
	}
	return s.Clone(), true
}

// Put implements escrow.Store.
func (t *txn) Put(s escrow.Session) {
	t.sessions[s.SessionID] = s.Clone()
}

// Next implements escrow.Sequence.
func (t *txn) Next() uint64 {
	t.lastSessionID++
	return t.lastSessionID
}

func (t *txn) nextNodeID() uint64 {
	t.lastNodeID++
	return t.lastNodeID
}

func (t *txn) node(id uint64) (node.Node, bool) {
	if n, ok := t.nodes[id]; ok {
		return n, true
	}
	n, ok := t.base.Nodes[id]
	if !ok {
		return node.Node{}, false
	}
	return n.Clone(), true
}

func (t *txn) putNode(n node.Node) {
	t.nodes[n.NodeID] = n
}

// Lookup implements node.Directory.
func (t *txn) Lookup(id uint64) (node.Listing, error) {
	n, ok := t.node(id)
	if !ok {
		return node.Listing{}, node.ErrNotFound
	}
	return n.Listing(), nil
}

// RecordSession implements node.Directory.
func (t *txn) RecordSession(id uint64) {
	if n, ok := t.node(id); ok {
		n.TotalSessions++
		t.putNode(n)
	}
}

// RecordDataServed implements node.Directory. The counter saturates at
// MaxUint64 instead of wrapping.
func (t *txn) RecordDataServed(id, units uint64) {
	if n, ok := t.node(id); ok {
		sum, carry := bits.Add64(n.TotalDataServed, units, 0)
		if carry != 0 {
			sum = math.MaxUint64
		}
		n.TotalDataServed = sum
		t.putNode(n)
	}
}

func (t *txn) setParams(p Params) {
	t.params = &p
}

func (t *txn) commit(s *state) {
	for addr, bal := range t.balances {
		s.Balances[addr] = bal
	}
	s.Custody = t.custody
	s.TotalFunded = t.funded
	s.FeesCharged = t.fees
	for id, sess := range t.sessions {
		if _, existed := s.Sessions[id]; !existed {
			s.BuyerIndex[sess.Buyer] = append(s.BuyerIndex[sess.Buyer], id)
			s.OperatorIndex[sess.Operator] = append(s.OperatorIndex[sess.Operator], id)
		}
		s.Sessions[id] = sess
	}
	for id, n := range t.nodes {
		if _, existed := s.Nodes[id]; !existed {
			s.NodesByOperator[n.Operator] = append(s.NodesByOperator[n.Operator], id)
		}
		s.Nodes[id] = n
	}
	s.LastSessionID = t.lastSessionID
	s.LastNodeID = t.lastNodeID
	if t.params != nil {
		s.Params = *t.params
	}
}
