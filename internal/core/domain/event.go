package domain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RawLog is a contract log as delivered by a chain adapter.
type RawLog struct {
	ChainID ChainID
	Log     types.Log
}

// ID returns the dedup identity of the log.
func (l RawLog) ID() EventID {
	return EventID{ChainID: l.ChainID, TxHash: l.Log.TxHash, LogIndex: l.Log.Index}
}

// EventID identifies a log uniquely: (chainId, txHash, logIndex).
type EventID struct {
	ChainID  ChainID
	TxHash   common.Hash
	LogIndex uint
}

func (id EventID) String() string {
	return fmt.Sprintf("%d:%s:%d", id.ChainID, id.TxHash.Hex(), id.LogIndex)
}

// EventKind is the normalized event type.
type EventKind string

const (
	EventRentalCreated   EventKind = "RentalCreated"
	EventRentalStarted   EventKind = "RentalStarted"
	EventRentalReclaimed EventKind = "RentalReclaimed"
)

// RentalEvent is a decoded lifecycle event. Fields not carried by the
// event kind are left zero.
type RentalEvent struct {
	ID          EventID
	Kind        EventKind
	RentalID    uint64
	BlockNumber uint64
	BlockHash   common.Hash

	NFTContract common.Address
	TokenID     *big.Int
	Owner       common.Address
	Renter      common.Address
	Duration    uint64
	Price       *big.Int
	StartTime   uint64
	Automatic   bool
}

// Key returns the rental key the event applies to.
func (e *RentalEvent) Key() RentalKey {
	return RentalKey{ChainID: e.ID.ChainID, RentalID: e.RentalID}
}

// DiscardReason explains why a raw log produced no event.
type DiscardReason string

const (
	DiscardUnknownEventShape DiscardReason = "unknown_event_shape"
	DiscardWrongContract     DiscardReason = "wrong_contract"
	DiscardRemoved           DiscardReason = "removed"
	DiscardDuplicate         DiscardReason = "duplicate"
)
