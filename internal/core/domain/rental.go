package domain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RentalStatus is the forward-only lifecycle of a rental.
type RentalStatus string

const (
	RentalStatusAvailable RentalStatus = "available"
	RentalStatusActive    RentalStatus = "active"
	RentalStatusReclaimed RentalStatus = "reclaimed"
)

// rank orders statuses along the state machine.
func (s RentalStatus) rank() int {
	switch s {
	case RentalStatusAvailable:
		return 0
	case RentalStatusActive:
		return 1
	case RentalStatusReclaimed:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s RentalStatus) Valid() bool {
	return s.rank() >= 0
}

// Before reports whether s strictly precedes other.
func (s RentalStatus) Before(other RentalStatus) bool {
	return s.rank() < other.rank()
}

// RentalKey identifies a rental across chains.
type RentalKey struct {
	ChainID  ChainID
	RentalID uint64
}

func (k RentalKey) String() string {
	return fmt.Sprintf("%d/%d", k.ChainID, k.RentalID)
}

// Less orders keys by (chainId, rentalId).
func (k RentalKey) Less(other RentalKey) bool {
	if k.ChainID != other.ChainID {
		return k.ChainID < other.ChainID
	}
	return k.RentalID < other.RentalID
}

// Rental mirrors one entry of an origin contract's rental registry.
type Rental struct {
	ChainID     ChainID        `json:"chain_id"`
	RentalID    uint64         `json:"rental_id"`
	NFTContract common.Address `json:"nft_contract"`
	TokenID     *big.Int       `json:"token_id"`
	Owner       common.Address `json:"owner"`
	// Renter stays the zero address until the rental starts.
	Renter common.Address `json:"renter"`
	// ReservedRenter is the renter named at creation, if any.
	ReservedRenter common.Address `json:"reserved_renter"`
	PricePerPeriod *big.Int       `json:"price"`
	Duration       uint64         `json:"duration"`
	StartTime      uint64         `json:"start_time"`
	Status         RentalStatus   `json:"status"`
	AutoReclaimed  bool           `json:"auto_reclaimed"`
	// Placeholder is set while the immutable fields still await backfill.
	Placeholder bool      `json:"placeholder"`
	LastBlock   uint64    `json:"last_block"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Key returns the cache key of the rental.
func (r *Rental) Key() RentalKey {
	return RentalKey{ChainID: r.ChainID, RentalID: r.RentalID}
}

// ExpiryTime returns startTime+duration. ok is false unless Active.
func (r *Rental) ExpiryTime() (expiry uint64, ok bool) {
	if r.Status != RentalStatusActive || r.StartTime == 0 {
		return 0, false
	}
	return r.StartTime + r.Duration, true
}

// IsExpired reports whether an Active rental is past expiry at chain time now.
func (r *Rental) IsExpired(now uint64) bool {
	expiry, ok := r.ExpiryTime()
	return ok && now >= expiry
}

// TimeRemaining returns seconds until expiry, or 0.
func (r *Rental) TimeRemaining(now uint64) uint64 {
	expiry, ok := r.ExpiryTime()
	if !ok || now >= expiry {
		return 0
	}
	return expiry - now
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *Rental) Clone() *Rental {
	if r == nil {
		return nil
	}
	c := *r
	if r.TokenID != nil {
		c.TokenID = new(big.Int).Set(r.TokenID)
	}
	if r.PricePerPeriod != nil {
		c.PricePerPeriod = new(big.Int).Set(r.PricePerPeriod)
	}
	return &c
}

// RentalFilter selects rentals for listings. Unset fields match anything.
type RentalFilter struct {
	Status RentalStatus
	Owner  *common.Address
	// Renter matches the current renter or the one reserved at creation.
	Renter *common.Address
}

// ParseRentalFilter builds a filter from optional string inputs.
func ParseRentalFilter(status, owner, renter string) (RentalFilter, error) {
	f := RentalFilter{Status: RentalStatus(status)}
	if status != "" && f.Status.rank() < 0 {
		return f, fmt.Errorf("unknown rental status %q", status)
	}
	for _, p := range []struct {
		raw string
		dst **common.Address
	}{{owner, &f.Owner}, {renter, &f.Renter}} {
		if p.raw == "" {
			continue
		}
		if !common.IsHexAddress(p.raw) {
			return f, fmt.Errorf("invalid address %q", p.raw)
		}
		addr := common.HexToAddress(p.raw)
		*p.dst = &addr
	}
	return f, nil
}

// Match reports whether r passes the filter.
func (f RentalFilter) Match(r *Rental) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Owner != nil && r.Owner != *f.Owner {
		return false
	}
	if f.Renter != nil && r.Renter != *f.Renter && r.ReservedRenter != *f.Renter {
		return false
	}
	return true
}

// Apply returns the matching rentals in their original order.
func (f RentalFilter) Apply(rentals []*Rental) []*Rental {
	out := make([]*Rental, 0, len(rentals))
	for _, r := range rentals {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}
