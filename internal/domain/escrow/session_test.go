package escrow

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSession(created time.Time) Session {
	return Session{
		SessionID:              1,
		NodeID:                 3,
		DepositAmount:          uint256.NewInt(20),
		CapacityUnits:          10,
		DurationSeconds:        60,
		PricePerUnitAtCreation: uint256.NewInt(2),
		CreatedAt:              created,
		ExpiresAt:              created.Add(time.Minute),
		Status:                 StatusActive,
	}
}

func TestIsExpired(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := sampleSession(created)

	assert.False(t, IsExpired(s, created))
	assert.False(t, IsExpired(s, s.ExpiresAt), "deadline itself is still live")
	assert.True(t, IsExpired(s, s.ExpiresAt.Add(time.Nanosecond)))

	s.Status = StatusSettled
	s.PayoutClaimed = true
	assert.False(t, IsExpired(s, s.ExpiresAt.Add(time.Hour)), "settled sessions never expire")
}

func TestEffectiveStatus(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := sampleSession(created)

	assert.Equal(t, StatusActive, s.EffectiveStatus(created.Add(30*time.Second)))
	assert.Equal(t, StatusExpired, s.EffectiveStatus(created.Add(2*time.Minute)))
	assert.True(t, s.AcceptsUsage(created.Add(30*time.Second)))
	assert.False(t, s.AcceptsUsage(created.Add(2*time.Minute)))

	view := s.View(created.Add(2 * time.Minute))
	assert.Equal(t, StatusExpired, view.Status)
	assert.Equal(t, StatusActive, s.Status, "view must not mutate the stored row")
}

func TestSessionValidate(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sampleSession(created).Validate())

	t.Run("deposit mismatch", func(t *testing.T) {
		s := sampleSession(created)
		s.DepositAmount = uint256.NewInt(21)
		assert.Error(t, s.Validate())
	})

	t.Run("used above capacity", func(t *testing.T) {
		s := sampleSession(created)
		s.Status = StatusSettled
		s.PayoutClaimed = true
		s.UsedUnits = 11
		assert.Error(t, s.Validate())
	})

	t.Run("expired is not a stored status", func(t *testing.T) {
		s := sampleSession(created)
		s.Status = StatusExpired
		assert.Error(t, s.Validate())
	})

	t.Run("settled without claim flag", func(t *testing.T) {
		s := sampleSession(created)
		s.Status = StatusSettled
		assert.Error(t, s.Validate())
	})

	t.Run("expiry drift", func(t *testing.T) {
		s := sampleSession(created)
		s.ExpiresAt = s.ExpiresAt.Add(time.Second)
		assert.Error(t, s.Validate())
	})
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := sampleSession(time.Now().UTC())
	s.Settlement = &Settlement{BuyerRefund: uint256.NewInt(8)}

	cp := s.Clone()
	cp.DepositAmount.SetUint64(1)
	cp.Settlement.BuyerRefund.SetUint64(1)

	assert.Equal(t, uint64(20), s.DepositAmount.Uint64())
	assert.Equal(t, uint64(8), s.Settlement.BuyerRefund.Uint64())
}

func TestErrorTaxonomy(t *testing.T) {
	err := NewError(CodeAlreadySettled, "session %d already settled", 4)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.NotErrorIs(t, err, ErrUnknownSession)
	assert.Equal(t, KindConflict, err.Kind())

	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, CodeAlreadySettled, code)

	assert.Equal(t, KindValidation, KindOf(CodeInsufficientFunds))
	assert.Equal(t, KindAuthorization, KindOf(CodeNotAuthorizedToClaim))
	assert.Equal(t, KindFault, KindOf(CodeArithmeticFault))
}
