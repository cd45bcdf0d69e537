package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainStatus is an operator view of one origin chain.
type ChainStatus struct {
	ChainID          ChainID        `json:"chain_id"`
	Name             string         `json:"name"`
	Contract         common.Address `json:"contract"`
	ReactiveContract common.Address `json:"reactive_contract"`
	Running          bool           `json:"running"`

	CursorBlock uint64      `json:"cursor_block"`
	CursorState CursorState `json:"cursor_state"`
	HeadBlock   uint64      `json:"head_block"`
	HeadTime    uint64      `json:"head_time"`
	Lag         int64       `json:"lag"`
	LastBatchAt time.Time   `json:"last_batch_at"`
	// BlocksPerSecond is the recent cursor throughput.
	BlocksPerSecond float64 `json:"blocks_per_second"`
	HaltReason      string  `json:"halt_reason,omitempty"`

	Rentals           map[RentalStatus]int `json:"rentals"`
	Placeholders      int                  `json:"placeholders"`
	ScheduledExpiries int                  `json:"scheduled_expiries"`
	NextExpiry        uint64               `json:"next_expiry,omitempty"`
	PendingCallbacks  []PendingCallback    `json:"pending_callbacks"`
	FailedReclaims    int                  `json:"failed_reclaims"`
	// OpenFailures are the unresolved failure records behind FailedReclaims.
	OpenFailures []*FailedReclaim `json:"open_failures,omitempty"`

	Ingested  uint64 `json:"events_ingested"`
	Discarded uint64 `json:"events_discarded"`
	Anomalies uint64 `json:"anomalies"`
	LastError string `json:"last_error,omitempty"`
}
