package escrow

import "github.com/holiman/uint256"

const (
	// BasisPoints is the fee denominator.
	BasisPoints = 10_000
	// DefaultFeeBps is 1%.
	DefaultFeeBps = 100
)

// Split is the division of a deposit at settlement.
type Split struct {
	EffectiveUsed     uint64
	Gross             *uint256.Int
	PlatformFee       *uint256.Int
	NetOperatorPayout *uint256.Int
	BuyerRefund       *uint256.Int
}

// ComputeSplit divides deposit between operator, platform and buyer for the
// asserted usage. Usage is clamped to capacity and the fee is charged on the
// consumed portion only. All arithmetic is checked; any overflow, underflow
// or imbalance fails with ErrArithmeticFault.
func ComputeSplit(deposit, price *uint256.Int, capacity, asserted uint64, feeBps uint32) (Split, error) {
	if deposit == nil || price == nil {
		return Split{}, NewError(CodeArithmeticFault, "missing deposit or price")
	}
	if feeBps > BasisPoints {
		return Split{}, NewError(CodeArithmeticFault, "fee %d bps exceeds %d", feeBps, BasisPoints)
	}

	used := asserted
	if used > capacity {
		used = capacity
	}

	gross, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(used), price)
	if overflow {
		return Split{}, NewError(CodeArithmeticFault, "gross share overflows")
	}
	scaled, overflow := new(uint256.Int).MulOverflow(gross, uint256.NewInt(uint64(feeBps)))
	if overflow {
		return Split{}, NewError(CodeArithmeticFault, "fee computation overflows")
	}
	fee := new(uint256.Int).Div(scaled, uint256.NewInt(BasisPoints))

	net, underflow := new(uint256.Int).SubOverflow(gross, fee)
	if underflow {
		return Split{}, NewError(CodeArithmeticFault, "fee exceeds gross share")
	}
	refund, underflow := new(uint256.Int).SubOverflow(deposit, gross)
	if underflow {
		return Split{}, NewError(CodeArithmeticFault, "gross share %s exceeds deposit %s", gross.Dec(), deposit.Dec())
	}

	sum, overflow := new(uint256.Int).AddOverflow(net, refund)
	if !overflow {
		sum, overflow = sum.AddOverflow(sum, fee)
	}
	if overflow || !sum.Eq(deposit) {
		return Split{}, NewError(CodeArithmeticFault, "split does not balance deposit %s", deposit.Dec())
	}

	return Split{
		EffectiveUsed:     used,
		Gross:             gross,
		PlatformFee:       fee,
		NetOperatorPayout: net,
		BuyerRefund:       refund,
	}, nil
}
