package domain

import (
	"github.com/ethereum/go-ethereum/common"
)

// Head is a chain tip with the block timestamp used as that chain's clock.
type Head struct {
	Number uint64
	Hash   common.Hash
	Time   uint64
}

// TxStatus is the out-of-band state of a submitted transaction.
type TxStatus string

const (
	TxPending  TxStatus = "pending"
	TxMined    TxStatus = "mined"
	TxNotFound TxStatus = "not_found"
)

// Receipt is the confirmation of a submitted transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Success     bool
	GasUsed     uint64
	Logs        []RawLog
}
