package escrow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/horizon-vpn/settlement-hub/internal/domain/escrow"
	escrowMocks "github.com/horizon-vpn/settlement-hub/internal/domain/escrow/mocks"
	"github.com/horizon-vpn/settlement-hub/internal/domain/node"
	nodeMocks "github.com/horizon-vpn/settlement-hub/internal/domain/node/mocks"
)

var (
	buyer    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	base     = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
)

type fakeDirectory struct {
	mu       sync.Mutex
	listings map[uint64]node.Listing
	sessions map[uint64]uint64
	served   map[uint64]uint64
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		listings: map[uint64]node.Listing{},
		sessions: map[uint64]uint64{},
		served:   map[uint64]uint64{},
	}
}

func (d *fakeDirectory) put(id uint64, price uint64, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listings[id] = node.Listing{NodeID: id, Operator: operator, PricePerUnit: uint256.NewInt(price), Active: active}
}

func (d *fakeDirectory) Lookup(id uint64) (node.Listing, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.listings[id]
	if !ok {
		return node.Listing{}, node.ErrNotFound
	}
	l.PricePerUnit = l.PricePerUnit.Clone()
	return l, nil
}

func (d *fakeDirectory) RecordSession(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[id]++
}

func (d *fakeDirectory) RecordDataServed(id, units uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.served[id] += units
}

type memVault struct {
	mu       sync.Mutex
	balances map[common.Address]*uint256.Int
	custody  *uint256.Int
}

func newMemVault() *memVault {
	return &memVault{balances: map[common.Address]*uint256.Int{}, custody: new(uint256.Int)}
}

func (v *memVault) fund(addr common.Address, amount uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[addr] = uint256.NewInt(amount)
}

func (v *memVault) balance(addr common.Address) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.balances[addr]; ok {
		return b.Uint64()
	}
	return 0
}

func (v *memVault) held() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.custody.Uint64()
}

func (v *memVault) Lock(addr common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.balances[addr]
	if !ok || b.Lt(amount) {
		return escrow.NewError(escrow.CodeInsufficientFunds, "balance too low")
	}
	b.Sub(b, amount)
	v.custody.Add(v.custody, amount)
	return nil
}

func (v *memVault) Disburse(transfers []escrow.Transfer) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	total := new(uint256.Int)
	for _, tr := range transfers {
		total.Add(total, tr.Amount)
	}
	if v.custody.Lt(total) {
		return errors.New("custody short")
	}
	v.custody.Sub(v.custody, total)
	for _, tr := range transfers {
		b, ok := v.balances[tr.To]
		if !ok {
			b = new(uint256.Int)
			v.balances[tr.To] = b
		}
		b.Add(b, tr.Amount)
	}
	return nil
}

type memStore struct {
	mu   sync.Mutex
	rows map[uint64]escrow.Session
}

func (s *memStore) Get(id uint64) (escrow.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	return row.Clone(), ok
}

func (s *memStore) Put(row escrow.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.SessionID] = row.Clone()
}

type fixture struct {
	engine    *escrow.Engine
	directory *fakeDirectory
	vault     *memVault
	store     *memStore
}

func newFixture(feeBps uint32) *fixture {
	f := &fixture{
		directory: newFakeDirectory(),
		vault:     newMemVault(),
		store:     &memStore{rows: map[uint64]escrow.Session{}},
	}
	f.directory.put(1, 2, true)
	f.vault.fund(buyer, 1_000)
	params := escrow.StaticParams{
		FeeBps:             feeBps,
		Treasury:           treasury,
		MaxCapacityUnits:   1 << 40,
		MaxDurationSeconds: 30 * 24 * 3600,
	}
	f.engine = escrow.NewEngine(f.directory, f.vault, f.store, escrow.NewSequence(0), params)
	return f
}

func (f *fixture) create(t *testing.T, capacity uint64) escrow.Session {
	t.Helper()
	s, err := f.engine.CreateSession(context.Background(), escrow.CreateRequest{
		Buyer:           buyer,
		NodeID:          1,
		CapacityUnits:   capacity,
		DurationSeconds: 3600,
		Value:           uint256.NewInt(capacity * 2),
	}, base)
	require.NoError(t, err)
	return s
}

func TestEngine_CreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("success locks exact deposit", func(t *testing.T) {
		f := newFixture(100)
		s := f.create(t, 10)

		assert.Equal(t, uint64(1), s.SessionID)
		assert.Equal(t, uint64(20), s.DepositAmount.Uint64())
		assert.Equal(t, uint64(2), s.PricePerUnitAtCreation.Uint64())
		assert.Equal(t, operator, s.Operator)
		assert.Equal(t, escrow.StatusActive, s.Status)
		assert.Equal(t, base.Add(time.Hour), s.ExpiresAt)
		assert.Equal(t, uint64(20), f.vault.held())
		assert.Equal(t, uint64(980), f.vault.balance(buyer))
		assert.Equal(t, uint64(1), f.directory.sessions[1])
		require.NoError(t, s.Validate())
	})

	t.Run("validation order and gapless ids", func(t *testing.T) {
		f := newFixture(100)
		f.directory.put(2, 2, false)

		cases := []struct {
			name string
			req  escrow.CreateRequest
			want error
		}{
			{"unknown node wins over bad params", escrow.CreateRequest{Buyer: buyer, NodeID: 99}, escrow.ErrUnknownOrInactiveNode},
			{"inactive node", escrow.CreateRequest{Buyer: buyer, NodeID: 2, CapacityUnits: 10, DurationSeconds: 60, Value: uint256.NewInt(20)}, escrow.ErrUnknownOrInactiveNode},
			{"zero capacity", escrow.CreateRequest{Buyer: buyer, NodeID: 1, DurationSeconds: 60, Value: uint256.NewInt(0)}, escrow.ErrInvalidParameters},
			{"zero duration", escrow.CreateRequest{Buyer: buyer, NodeID: 1, CapacityUnits: 10, Value: uint256.NewInt(20)}, escrow.ErrInvalidParameters},
			{"capacity above bound", escrow.CreateRequest{Buyer: buyer, NodeID: 1, CapacityUnits: 1<<40 + 1, DurationSeconds: 60}, escrow.ErrInvalidParameters},
			{"duration above bound", escrow.CreateRequest{Buyer: buyer, NodeID: 1, CapacityUnits: 10, DurationSeconds: 31 * 24 * 3600}, escrow.ErrInvalidParameters},
			{"params checked before deposit", escrow.CreateRequest{Buyer: buyer, NodeID: 1, DurationSeconds: 60, Value: uint256.NewInt(7)}, escrow.ErrInvalidParameters},
			{"short deposit", escrow.CreateRequest{Buyer: buyer, NodeID: 1, CapacityUnits: 10, DurationSeconds: 60, Value: uint256.NewInt(19)}, escrow.ErrDepositMismatch},
			{"excess deposit", escrow.CreateRequest{Buyer: buyer, NodeID: 1, CapacityUnits: 10, DurationSeconds: 60, Value: uint256.NewInt(21)}, escrow.ErrDepositMismatch},
			{"missing deposit", escrow.CreateRequest{Buyer: buyer, NodeID: 1, CapacityUnits: 10, DurationSeconds: 60}, escrow.ErrDepositMismatch},
			{"buyer cannot cover", escrow.CreateRequest{Buyer: stranger, NodeID: 1, CapacityUnits: 10, DurationSeconds: 60, Value: uint256.NewInt(20)}, escrow.ErrInsufficientFunds},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := f.engine.CreateSession(ctx, tc.req, base)
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.want)
			})
		}

		assert.Equal(t, uint64(0), f.vault.held())
		assert.Equal(t, uint64(1000), f.vault.balance(buyer))

		first := f.create(t, 5)
		second := f.create(t, 5)
		assert.Equal(t, uint64(1), first.SessionID)
		assert.Equal(t, uint64(2), second.SessionID)
	})

	t.Run("directory collaborator", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		directory := nodeMocks.NewMockDirectory(ctrl)
		vault := escrowMocks.NewMockVault(ctrl)
		store := &memStore{rows: map[uint64]escrow.Session{}}
		engine := escrow.NewEngine(directory, vault, store, escrow.NewSequence(41), escrow.StaticParams{FeeBps: 100})

		directory.EXPECT().
			Lookup(uint64(7)).
			Return(node.Listing{NodeID: 7, Operator: operator, PricePerUnit: uint256.NewInt(3), Active: true}, nil)
		vault.EXPECT().
			Lock(buyer, uint256.NewInt(12)).
			Return(nil)
		directory.EXPECT().RecordSession(uint64(7))

		s, err := engine.CreateSession(ctx, escrow.CreateRequest{
			Buyer: buyer, NodeID: 7, CapacityUnits: 4, DurationSeconds: 10, Value: uint256.NewInt(12),
		}, base)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), s.SessionID)
	})
}

func TestEngine_Settle(t *testing.T) {
	ctx := context.Background()

	t.Run("operator settles with usage", func(t *testing.T) {
		f := newFixture(100)
		s := f.create(t, 10)

		st, err := f.engine.Settle(ctx, escrow.SettleRequest{Caller: operator, SessionID: s.SessionID, AssertedUsedUnits: 6}, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, uint64(12), st.NetOperatorPayout.Uint64())
		assert.Equal(t, uint64(8), st.BuyerRefund.Uint64())
		assert.Equal(t, uint64(0), st.PlatformFee.Uint64())
		assert.False(t, st.Finalized)

		assert.Equal(t, uint64(12), f.vault.balance(operator))
		assert.Equal(t, uint64(988), f.vault.balance(buyer))
		assert.Equal(t, uint64(0), f.vault.balance(treasury))
		assert.Equal(t, uint64(0), f.vault.held())
		assert.Equal(t, uint64(6), f.directory.served[1])

		got, err := f.engine.GetSession(s.SessionID, base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusSettled, got.Status)
		assert.True(t, got.PayoutClaimed)
		assert.Equal(t, uint64(6), got.UsedUnits)
		require.NotNil(t, got.Settlement)
		require.NoError(t, got.Validate())
	})

	t.Run("fee is charged on consumed portion", func(t *testing.T) {
		f := newFixture(500)
		f.directory.put(1, 1, true)
		s, err := f.engine.CreateSession(ctx, escrow.CreateRequest{
			Buyer: buyer, NodeID: 1, CapacityUnits: 300, DurationSeconds: 60, Value: uint256.NewInt(300),
		}, base)
		require.NoError(t, err)

		st, err := f.engine.Settle(ctx, escrow.SettleRequest{Caller: operator, SessionID: s.SessionID, AssertedUsedUnits: 100}, base)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), st.PlatformFee.Uint64())
		assert.Equal(t, uint64(95), st.NetOperatorPayout.Uint64())
		assert.Equal(t, uint64(200), st.BuyerRefund.Uint64())
		assert.Equal(t, uint64(5), f.vault.balance(treasury))
	})

	t.Run("over-assertion clamps to capacity", func(t *testing.T) {
		f := newFixture(100)
		s := f.create(t, 10)

		st, err := f.engine.Settle(ctx, escrow.SettleRequest{Caller: operator, SessionID: s.SessionID, AssertedUsedUnits: 1010}, base)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), st.EffectiveUsed)
		assert.True(t, st.BuyerRefund.IsZero())
	})

	t.Run("second settle fails without moving funds", func(t *testing.T) {
		f := newFixture(100)
		s := f.create(t, 10)
		_, err := f.engine.Settle(ctx, escrow.SettleRequest{Caller: operator, SessionID: s.SessionID, AssertedUsedUnits: 6}, base)
		require.NoError(t, err)

		_, err = f.engine.Settle(ctx, escrow.SettleRequest{Caller: operator, SessionID: s.SessionID, AssertedUsedUnits: 10}, base)
		assert.ErrorIs(t, err, escrow.ErrAlreadySettled)
		_, err = f.engine.Settle(ctx, escrow.SettleRequest{Caller: buyer, SessionID: s.SessionID}, base.Add(48*time.Hour))
		assert.ErrorIs(t, err, escrow.ErrAlreadySettled)

		assert.Equal(t, uint64(12), f.vault.balance(operator))
		assert.Equal(t, uint64(988), f.vault.balance(buyer))
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(100)
		_, err := f.engine.Settle(ctx, escrow.SettleRequest{Caller: operator, SessionID: 5}, base)
		assert.ErrorIs(t, err, escrow.ErrUnknownSession)
	})

	t.Run("non-operator before expiry", func(t *testing.T) {
		f := newFixture(100)
		s := f.create(t, 10)

		_, err := f.engine.Settle(ctx, escrow.SettleRequest{Caller: buyer, SessionID: s.SessionID}, s.ExpiresAt)
		assert.ErrorIs(t, err, escrow.ErrNotAuthorizedToClaim)
		assert.Equal(t, uint64(20), f.vault.held())
	})

	t.Run("anyone finalizes after expiry with full refund", func(t *testing.T) {
		f := newFixture(100)
		s := f.create(t, 10)

		st, err := f.engine.Settle(ctx, escrow.SettleRequest{Caller: stranger, SessionID: s.SessionID, AssertedUsedUnits: 9}, s.ExpiresAt.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, st.Finalized)
		assert.Equal(t, uint64(0), st.EffectiveUsed)
		assert.Equal(t, uint64(20), st.BuyerRefund.Uint64())
		assert.Equal(t, uint64(1000), f.vault.balance(buyer))
		assert.Equal(t, uint64(0), f.vault.balance(operator))
		assert.Zero(t, f.directory.served[1])
	})

	t.Run("operator may still claim after expiry", func(t *testing.T) {
		f := newFixture(100)
		s := f.create(t, 10)

		st, err := f.engine.Settle(ctx, escrow.SettleRequest{Caller: operator, SessionID: s.SessionID, AssertedUsedUnits: 4}, s.ExpiresAt.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, st.Finalized)
		assert.Equal(t, uint64(8), st.NetOperatorPayout.Uint64())
	})

	t.Run("failed disbursement leaves session untouched", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		directory := newFakeDirectory()
		directory.put(1, 2, true)
		vault := escrowMocks.NewMockVault(ctrl)
		store := &memStore{rows: map[uint64]escrow.Session{}}
		engine := escrow.NewEngine(directory, vault, store, escrow.NewSequence(0), escrow.StaticParams{FeeBps: 100, Treasury: treasury})

		vault.EXPECT().Lock(buyer, gomock.Any()).Return(nil)
		vault.EXPECT().Disburse(gomock.Any()).Return(errors.New("ledger unavailable"))

		s, err := engine.CreateSession(ctx, escrow.CreateRequest{Buyer: buyer, NodeID: 1, CapacityUnits: 10, DurationSeconds: 60, Value: uint256.NewInt(20)}, base)
		require.NoError(t, err)

		_, err = engine.Settle(ctx, escrow.SettleRequest{Caller: operator, SessionID: s.SessionID, AssertedUsedUnits: 6}, base)
		require.Error(t, err)

		got, err := engine.GetSession(s.SessionID, base)
		require.NoError(t, err)
		assert.Equal(t, escrow.StatusActive, got.Status)
		assert.False(t, got.PayoutClaimed)
		assert.Zero(t, got.UsedUnits)
		assert.Zero(t, directory.served[1])
	})

	t.Run("zero legs are omitted", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		directory := newFakeDirectory()
		directory.put(1, 2, true)
		vault := escrowMocks.NewMockVault(ctrl)
		store := &memStore{rows: map[uint64]escrow.Session{}}
		engine := escrow.NewEngine(directory, vault, store, escrow.NewSequence(0), escrow.StaticParams{FeeBps: 100, Treasury: treasury})

		vault.EXPECT().Lock(buyer, gomock.Any()).Return(nil)
		vault.EXPECT().
			Disburse(gomock.Any()).
			DoAndReturn(func(transfers []escrow.Transfer) error {
				require.Len(t, transfers, 1)
				assert.Equal(t, escrow.LegOperator, transfers[0].Leg)
				assert.Equal(t, uint64(20), transfers[0].Amount.Uint64())
				return nil
			})

		s, err := engine.CreateSession(ctx, escrow.CreateRequest{Buyer: buyer, NodeID: 1, CapacityUnits: 10, DurationSeconds: 60, Value: uint256.NewInt(20)}, base)
		require.NoError(t, err)
		_, err = engine.Settle(ctx, escrow.SettleRequest{Caller: operator, SessionID: s.SessionID, AssertedUsedUnits: 10}, base)
		require.NoError(t, err)
	})
}

func TestEngine_PriceProtection(t *testing.T) {
	f := newFixture(100)
	s := f.create(t, 10)

	f.directory.put(1, 50, true)

	got, err := f.engine.GetSession(s.SessionID, base)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.PricePerUnitAtCreation.Uint64())
	assert.Equal(t, uint64(20), got.DepositAmount.Uint64())

	st, err := f.engine.Settle(context.Background(), escrow.SettleRequest{Caller: operator, SessionID: s.SessionID, AssertedUsedUnits: 6}, base)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), st.Gross.Uint64())
	assert.Equal(t, uint64(8), st.BuyerRefund.Uint64())
}

func TestEngine_ConcurrentSettleSingleWinner(t *testing.T) {
	f := newFixture(100)
	s := f.create(t, 10)

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Settle(context.Background(), escrow.SettleRequest{Caller: operator, SessionID: s.SessionID, AssertedUsedUnits: 6}, base)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.Is(err, escrow.ErrAlreadySettled) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, attempts-1, conflicts)
	assert.Equal(t, uint64(12), f.vault.balance(operator))
	assert.Equal(t, uint64(988), f.vault.balance(buyer))
}

func TestEngine_CancelledContext(t *testing.T) {
	f := newFixture(100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.CreateSession(ctx, escrow.CreateRequest{Buyer: buyer, NodeID: 1, CapacityUnits: 1, DurationSeconds: 1, Value: uint256.NewInt(2)}, base)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), f.vault.held())
}
