package node

import (
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Status represents node availability in the directory.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// ErrNotFound is returned by a Directory when no node has the given id.
var ErrNotFound = errors.New("node not found")

// Node is a VPN endpoint advertised by an independent operator.
type Node struct {
	NodeID              uint64         `json:"nodeId"`
	Operator            common.Address `json:"operator"`
	Name                string         `json:"name"`
	Region              string         `json:"region"`
	PricePerUnit        *uint256.Int   `json:"pricePerUnit"`
	AdvertisedBandwidth uint64         `json:"advertisedBandwidth"`
	Endpoint            string         `json:"endpoint"`
	PublicKey           string         `json:"publicKey,omitempty"`
	Status              Status         `json:"status"`
	TotalSessions       uint64         `json:"totalSessions"`
	TotalDataServed     uint64         `json:"totalDataServed"`
	RegisteredAt        time.Time      `json:"registeredAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// Listing is the point-in-time view the settlement engine reads when a
// session is opened.
type Listing struct {
	NodeID       uint64
	Operator     common.Address
	PricePerUnit *uint256.Int
	Active       bool
}

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_directory.go -package=mocks . Directory

// Directory is the read side of the node registry consumed by the escrow
// engine. Counter updates are accounting only and never fail the caller.
type Directory interface {
	Lookup(nodeID uint64) (Listing, error)
	RecordSession(nodeID uint64)
	RecordDataServed(nodeID uint64, units uint64)
}

func (n *Node) IsActive() bool {
	return n.Status == StatusActive
}

// Listing snapshots the fields the engine depends on.
func (n *Node) Listing() Listing {
	return Listing{
		NodeID:       n.NodeID,
		Operator:     n.Operator,
		PricePerUnit: clonePrice(n.PricePerUnit),
		Active:       n.IsActive(),
	}
}

// Clone returns a deep copy safe to hand out of the ledger.
func (n Node) Clone() Node {
	n.PricePerUnit = clonePrice(n.PricePerUnit)
	return n
}

// Registration is the operator-supplied definition of a new node.
type Registration struct {
	Name                string
	Region              string
	PricePerUnit        *uint256.Int
	AdvertisedBandwidth uint64
	Endpoint            string
	PublicKey           string
}

// Validate checks registration fields.
func (r Registration) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(r.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	return ValidatePrice(r.PricePerUnit)
}

// ValidatePrice rejects missing or zero prices.
func ValidatePrice(price *uint256.Int) error {
	if price == nil || price.IsZero() {
		return errors.New("price_per_unit must be positive")
	}
	return nil
}

func clonePrice(p *uint256.Int) *uint256.Int {
	if p == nil {
		return new(uint256.Int)
	}
	return p.Clone()
}
