package escrow

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusSettled Status = "SETTLED"
	// StatusExpired is derived from the clock and never stored.
	StatusExpired Status = "EXPIRED"
)

// Session is a bounded escrow agreement between a buyer and a node operator.
type Session struct {
	SessionID              uint64         `json:"sessionId"`
	NodeID                 uint64         `json:"nodeId"`
	Buyer                  common.Address `json:"buyer"`
	Operator               common.Address `json:"operator"`
	DepositAmount          *uint256.Int   `json:"depositAmount"`
	CapacityUnits          uint64         `json:"capacityUnits"`
	DurationSeconds        uint64         `json:"durationSeconds"`
	PricePerUnitAtCreation *uint256.Int   `json:"pricePerUnitAtCreation"`
	CreatedAt              time.Time      `json:"createdAt"`
	ExpiresAt              time.Time      `json:"expiresAt"`
	UsedUnits              uint64         `json:"usedUnits"`
	Status                 Status         `json:"status"`
	PayoutClaimed          bool           `json:"payoutClaimed"`
	Settlement             *Settlement    `json:"settlement,omitempty"`
}

// Settlement records the split paid out when a session was closed.
type Settlement struct {
	SessionID         uint64         `json:"sessionId"`
	SettledBy         common.Address `json:"settledBy"`
	AssertedUsedUnits uint64         `json:"assertedUsedUnits"`
	EffectiveUsed     uint64         `json:"effectiveUsed"`
	Gross             *uint256.Int   `json:"grossOperatorShare"`
	NetOperatorPayout *uint256.Int   `json:"netOperatorPayout"`
	BuyerRefund       *uint256.Int   `json:"buyerRefund"`
	PlatformFee       *uint256.Int   `json:"platformFee"`
	FeeBps            uint32         `json:"feeBps"`
	Finalized         bool           `json:"expiryFinalize"`
	SettledAt         time.Time      `json:"settledAt"`
}

// IsExpired reports whether an unsettled session has passed its deadline.
// A session is still live at exactly ExpiresAt.
func IsExpired(s Session, now time.Time) bool {
	return s.Status == StatusActive && now.After(s.ExpiresAt)
}

// EffectiveStatus returns the status as observed at now.
func (s Session) EffectiveStatus(now time.Time) Status {
	if IsExpired(s, now) {
		return StatusExpired
	}
	return s.Status
}

// AcceptsUsage reports whether new consumption may be admitted against the session.
func (s Session) AcceptsUsage(now time.Time) bool {
	return s.Status == StatusActive && !s.PayoutClaimed && !IsExpired(s, now)
}

// Validate checks the invariants every stored session must satisfy.
func (s Session) Validate() error {
	if s.SessionID == 0 {
		return NewError(CodeInvalidParameters, "session id must be positive")
	}
	if s.DepositAmount == nil || s.PricePerUnitAtCreation == nil {
		return NewError(CodeInvalidParameters, "session %d: missing amounts", s.SessionID)
	}
	want, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(s.CapacityUnits), s.PricePerUnitAtCreation)
	if overflow || !want.Eq(s.DepositAmount) {
		return NewError(CodeArithmeticFault, "session %d: deposit %s != capacity %d x price %s",
			s.SessionID, s.DepositAmount.Dec(), s.CapacityUnits, s.PricePerUnitAtCreation.Dec())
	}
	if s.UsedUnits > s.CapacityUnits {
		return NewError(CodeArithmeticFault, "session %d: used %d exceeds capacity %d", s.SessionID, s.UsedUnits, s.CapacityUnits)
	}
	switch s.Status {
	case StatusActive:
		if s.PayoutClaimed {
			return NewError(CodeArithmeticFault, "session %d: active session marked claimed", s.SessionID)
		}
	case StatusSettled:
		if !s.PayoutClaimed {
			return NewError(CodeArithmeticFault, "session %d: settled session not marked claimed", s.SessionID)
		}
	default:
		return fmt.Errorf("session %d: invalid stored status %q", s.SessionID, s.Status)
	}
	if !s.ExpiresAt.Equal(s.CreatedAt.Add(time.Duration(s.DurationSeconds) * time.Second)) {
		return NewError(CodeInvalidParameters, "session %d: expiry does not match duration", s.SessionID)
	}
	return nil
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	s.DepositAmount = cloneAmount(s.DepositAmount)
	s.PricePerUnitAtCreation = cloneAmount(s.PricePerUnitAtCreation)
	if s.Settlement != nil {
		st := s.Settlement.Clone()
		s.Settlement = &st
	}
	return s
}

// View returns a copy with Status replaced by the effective status at now.
func (s Session) View(now time.Time) Session {
	out := s.Clone()
	out.Status = s.EffectiveStatus(now)
	return out
}

func (st Settlement) Clone() Settlement {
	st.Gross = cloneAmount(st.Gross)
	st.NetOperatorPayout = cloneAmount(st.NetOperatorPayout)
	st.BuyerRefund = cloneAmount(st.BuyerRefund)
	st.PlatformFee = cloneAmount(st.PlatformFee)
	return st
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}
