package ledger

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/horizon-vpn/settlement-hub/internal/domain/escrow"
	"github.com/horizon-vpn/settlement-hub/internal/domain/node"
)

// GetSession returns the session with its status evaluated at now.
func (m *Machine) GetSession(id uint64, now time.Time) (escrow.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.s.Sessions[id]
	if !ok {
		return escrow.Session{}, escrow.NewError(escrow.CodeUnknownSession, "session %d not found", id)
	}
	return s.View(now), nil
}

// SessionAccess reports whether the session may still carry traffic at now.
func (m *Machine) SessionAccess(id uint64, now time.Time) (bool, escrow.Session, error) {
	s, err := m.GetSession(id, now)
	if err != nil {
		return false, escrow.Session{}, err
	}
	return s.Status == escrow.StatusActive, s, nil
}

// SessionsForBuyer returns the buyer's session ids in creation order.
func (m *Machine) SessionsForBuyer(buyer common.Address) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uint64{}, m.s.BuyerIndex[buyer]...)
}

// SessionsForOperator returns the operator's session ids in creation order.
func (m *Machine) SessionsForOperator(operator common.Address) []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uint64{}, m.s.OperatorIndex[operator]...)
}

func (m *Machine) GetNode(id uint64) (node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.s.Nodes[id]
	if !ok {
		return node.Node{}, escrow.NewError(escrow.CodeUnknownOrInactiveNode, "node %d not found", id)
	}
	return n.Clone(), nil
}

// ListActiveNodes pages through active nodes ordered by id.
func (m *Machine) ListActiveNodes(limit, offset int) []node.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]node.Node, 0)
	for _, n := range m.s.Nodes {
		if n.IsActive() {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	start, end := pageWindow(len(out), limit, offset)
	page := make([]node.Node, 0, end-start)
	for _, n := range out[start:end] {
		page = append(page, n.Clone())
	}
	return page
}

// OperatorNodes lists every node the operator registered.
func (m *Machine) OperatorNodes(operator common.Address) []node.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.s.NodesByOperator[operator]
	out := make([]node.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.s.Nodes[id].Clone())
	}
	return out
}

func (m *Machine) Balance(addr common.Address) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.s.Balances[addr]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

func (m *Machine) Custody() *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.Custody.Clone()
}

func (m *Machine) Params() Params {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.Params
}

// Receipt returns the stored receipt of an applied tx.
func (m *Machine) Receipt(txID string) (Receipt, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.s.Receipts[txID]
	if !ok {
		return Receipt{}, false
	}
	return r.Clone(), true
}

// ListEvents returns the session timeline, newest first.
func (m *Machine) ListEvents(sessionID uint64, limit, offset int) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := m.s.EventsBySession[sessionID]
	ordered := make([]Event, len(items))
	for i, e := range items {
		ordered[len(items)-1-i] = e
	}
	start, end := pageWindow(len(ordered), limit, offset)
	out := make([]Event, 0, end-start)
	for _, event := range ordered[start:end] {
		out = append(out, cloneEvent(event))
	}
	return out
}

// StateStats summarizes the ledger and checks conservation of funds:
// every unit ever funded is either in an account or in custody, and
// custody equals the deposits of unsettled sessions.
func (m *Machine) StateStats(at time.Time) Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Sessions:         len(m.s.Sessions),
		Nodes:            len(m.s.Nodes),
		Accounts:         len(m.s.Balances),
		AppliedTx:        len(m.s.Receipts),
		LastSessionID:    m.s.LastSessionID,
		LastNodeID:       m.s.LastNodeID,
		FeeBps:           m.s.Params.FeeBps,
		Custody:          m.s.Custody.Dec(),
		TotalFunded:      m.s.TotalFunded.Dec(),
		TotalFeesCharged: m.s.FeesCharged.Dec(),
	}
	open := new(uint256.Int)
	for _, s := range m.s.Sessions {
		switch s.EffectiveStatus(at) {
		case escrow.StatusActive:
			stats.ActiveSessions++
		case escrow.StatusExpired:
			stats.ExpiredSessions++
		case escrow.StatusSettled:
			stats.SettledSessions++
		}
		if !s.PayoutClaimed {
			open.Add(open, s.DepositAmount)
		}
	}
	for _, n := range m.s.Nodes {
		if n.IsActive() {
			stats.ActiveNodes++
		}
	}
	for _, events := range m.s.EventsBySession {
		stats.Events += len(events)
	}
	total := new(uint256.Int)
	for _, b := range m.s.Balances {
		total.Add(total, b)
	}
	stats.TotalBalances = total.Dec()
	stats.OpenDeposits = open.Dec()
	held := new(uint256.Int).Add(total, m.s.Custody)
	stats.Conserved = held.Eq(m.s.TotalFunded) && open.Eq(m.s.Custody)
	return stats
}

func pageWindow(total, limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return total, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return offset, end
}
