package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/horizon-vpn/settlement-hub/internal/domain/node"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_vault.go -package=mocks . Vault

// Leg names the recipient role of a settlement transfer.
type Leg string

const (
	LegOperator Leg = "OPERATOR_PAYOUT"
	LegBuyer    Leg = "BUYER_REFUND"
	LegPlatform Leg = "PLATFORM_FEE"
)

// Transfer moves funds out of custody.
type Transfer struct {
	Leg    Leg
	To     common.Address
	Amount *uint256.Int
}

// Vault holds custody of deposits. Lock debits the buyer into custody and
// must return ErrInsufficientFunds when the buyer cannot cover amount.
// Disburse applies every transfer or none.
type Vault interface {
	Lock(buyer common.Address, amount *uint256.Int) error
	Disburse(transfers []Transfer) error
}

// Store persists session rows.
type Store interface {
	Get(id uint64) (Session, bool)
	Put(s Session)
}

// Sequence hands out session ids.
type Sequence interface {
	Next() uint64
}

// Params are the platform settings read on every operation.
type Params struct {
	FeeBps             uint32
	Treasury           common.Address
	MaxCapacityUnits   uint64
	MaxDurationSeconds uint64
}

type ParamsProvider interface {
	Params() Params
}

// StaticParams serves a fixed parameter set.
type StaticParams Params

func (p StaticParams) Params() Params { return Params(p) }

// CreateRequest opens a session. Value is the amount the buyer attached.
type CreateRequest struct {
	Buyer           common.Address
	NodeID          uint64
	CapacityUnits   uint64
	DurationSeconds uint64
	Value           *uint256.Int
}

// SettleRequest closes a session with the caller's asserted usage.
type SettleRequest struct {
	Caller            common.Address
	SessionID         uint64
	AssertedUsedUnits uint64
}

// Engine owns the session lifecycle and all movement of escrowed funds.
type Engine struct {
	directory node.Directory
	vault     Vault
	store     Store
	seq       Sequence
	params    ParamsProvider

	createMu sync.Mutex
	locks    sync.Map
}

func NewEngine(directory node.Directory, vault Vault, store Store, seq Sequence, params ParamsProvider) *Engine {
	return &Engine{
		directory: directory,
		vault:     vault,
		store:     store,
		seq:       seq,
		params:    params,
	}
}

// CreateSession validates the request against the node directory, locks the
// deposit and records a new active session.
func (e *Engine) CreateSession(ctx context.Context, req CreateRequest, now time.Time) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	listing, err := e.directory.Lookup(req.NodeID)
	if err != nil {
		if errors.Is(err, node.ErrNotFound) {
			return Session{}, NewError(CodeUnknownOrInactiveNode, "node %d not found", req.NodeID)
		}
		return Session{}, fmt.Errorf("lookup node %d: %w", req.NodeID, err)
	}
	if !listing.Active {
		return Session{}, NewError(CodeUnknownOrInactiveNode, "node %d is inactive", req.NodeID)
	}

	p := e.params.Params()
	if req.CapacityUnits == 0 {
		return Session{}, NewError(CodeInvalidParameters, "capacity units must be positive")
	}
	if req.DurationSeconds == 0 {
		return Session{}, NewError(CodeInvalidParameters, "duration must be positive")
	}
	if p.MaxCapacityUnits > 0 && req.CapacityUnits > p.MaxCapacityUnits {
		return Session{}, NewError(CodeInvalidParameters, "capacity %d exceeds limit %d", req.CapacityUnits, p.MaxCapacityUnits)
	}
	if p.MaxDurationSeconds > 0 && req.DurationSeconds > p.MaxDurationSeconds {
		return Session{}, NewError(CodeInvalidParameters, "duration %ds exceeds limit %ds", req.DurationSeconds, p.MaxDurationSeconds)
	}
	if listing.PricePerUnit == nil || listing.PricePerUnit.IsZero() {
		return Session{}, NewError(CodeInvalidParameters, "node %d has no price", req.NodeID)
	}
	deposit, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(req.CapacityUnits), listing.PricePerUnit)
	if overflow {
		return Session{}, NewError(CodeInvalidParameters, "capacity %d at price %s overflows", req.CapacityUnits, listing.PricePerUnit.Dec())
	}

	if req.Value == nil || !req.Value.Eq(deposit) {
		sent := "0"
		if req.Value != nil {
			sent = req.Value.Dec()
		}
		return Session{}, NewError(CodeDepositMismatch, "deposit must be exactly %s, got %s", deposit.Dec(), sent)
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()

	if err := e.vault.Lock(req.Buyer, deposit); err != nil {
		return Session{}, fmt.Errorf("lock deposit: %w", err)
	}

	createdAt := now.UTC()
	s := Session{
		SessionID:              e.seq.Next(),
		NodeID:                 req.NodeID,
		Buyer:                  req.Buyer,
		Operator:               listing.Operator,
		DepositAmount:          deposit,
		CapacityUnits:          req.CapacityUnits,
		DurationSeconds:        req.DurationSeconds,
		PricePerUnitAtCreation: listing.PricePerUnit.Clone(),
		CreatedAt:              createdAt,
		ExpiresAt:              createdAt.Add(time.Duration(req.DurationSeconds) * time.Second),
		Status:                 StatusActive,
	}
	e.store.Put(s)
	e.directory.RecordSession(req.NodeID)
	return s.Clone(), nil
}

// Settle splits the session deposit between operator, buyer and treasury.
// The operator may settle at any time with an asserted usage figure. Once
// the session has expired anyone may finalize it, which refunds the buyer
// in full.
func (e *Engine) Settle(ctx context.Context, req SettleRequest, now time.Time) (Settlement, error) {
	if err := ctx.Err(); err != nil {
		return Settlement{}, err
	}
	unlock := e.lockSession(req.SessionID)
	defer unlock()

	s, ok := e.store.Get(req.SessionID)
	if !ok {
		return Settlement{}, NewError(CodeUnknownSession, "session %d not found", req.SessionID)
	}
	if s.PayoutClaimed || s.Status == StatusSettled {
		return Settlement{}, NewError(CodeAlreadySettled, "session %d already settled", req.SessionID)
	}

	asserted := req.AssertedUsedUnits
	finalize := false
	if req.Caller != s.Operator {
		if !IsExpired(s, now) {
			return Settlement{}, NewError(CodeNotAuthorizedToClaim, "only the operator may settle session %d before %s",
				req.SessionID, s.ExpiresAt.Format(time.RFC3339))
		}
		asserted = 0
		finalize = true
	}

	p := e.params.Params()
	split, err := ComputeSplit(s.DepositAmount, s.PricePerUnitAtCreation, s.CapacityUnits, asserted, p.FeeBps)
	if err != nil {
		return Settlement{}, err
	}

	transfers := make([]Transfer, 0, 3)
	transfers = appendLeg(transfers, LegOperator, s.Operator, split.NetOperatorPayout)
	transfers = appendLeg(transfers, LegBuyer, s.Buyer, split.BuyerRefund)
	transfers = appendLeg(transfers, LegPlatform, p.Treasury, split.PlatformFee)
	if err := e.vault.Disburse(transfers); err != nil {
		return Settlement{}, fmt.Errorf("disburse session %d: %w", req.SessionID, err)
	}

	result := Settlement{
		SessionID:         s.SessionID,
		SettledBy:         req.Caller,
		AssertedUsedUnits: req.AssertedUsedUnits,
		EffectiveUsed:     split.EffectiveUsed,
		Gross:             split.Gross,
		NetOperatorPayout: split.NetOperatorPayout,
		BuyerRefund:       split.BuyerRefund,
		PlatformFee:       split.PlatformFee,
		FeeBps:            p.FeeBps,
		Finalized:         finalize,
		SettledAt:         now.UTC(),
	}
	s.UsedUnits = split.EffectiveUsed
	s.Status = StatusSettled
	s.PayoutClaimed = true
	recorded := result.Clone()
	s.Settlement = &recorded
	e.store.Put(s)

	if split.EffectiveUsed > 0 {
		e.directory.RecordDataServed(s.NodeID, split.EffectiveUsed)
	}
	return result, nil
}

// GetSession returns the session as observed at now.
func (e *Engine) GetSession(id uint64, now time.Time) (Session, error) {
	s, ok := e.store.Get(id)
	if !ok {
		return Session{}, NewError(CodeUnknownSession, "session %d not found", id)
	}
	return s.View(now), nil
}

func (e *Engine) lockSession(id uint64) func() {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func appendLeg(transfers []Transfer, leg Leg, to common.Address, amount *uint256.Int) []Transfer {
	if amount == nil || amount.IsZero() {
		return transfers
	}
	return append(transfers, Transfer{Leg: leg, To: to, Amount: amount.Clone()})
}

// AtomicSequence is a monotonic id generator starting at 1.
type AtomicSequence struct {
	last atomic.Uint64
}

// NewSequence returns a generator whose next id is last+1.
func NewSequence(last uint64) *AtomicSequence {
	s := &AtomicSequence{}
	s.last.Store(last)
	return s
}

func (s *AtomicSequence) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued id, 0 if none.
func (s *AtomicSequence) Last() uint64 {
	return s.last.Load()
}
