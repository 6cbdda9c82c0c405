package escrow

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Earnings aggregates settled sessions for one operator.
type Earnings struct {
	Operator        common.Address `json:"operator"`
	SettledSessions int64          `json:"settledSessions"`
	UnitsServed     uint64         `json:"unitsServed"`
	GrossAmount     *uint256.Int   `json:"grossAmount"`
	NetPayout       *uint256.Int   `json:"netPayout"`
	PlatformFees    *uint256.Int   `json:"platformFees"`
	BuyerRefunds    *uint256.Int   `json:"buyerRefunds"`
}
