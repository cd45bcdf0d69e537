package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ReclaimMode selects which trigger started a reclaim.
type ReclaimMode string

const (
	ReclaimModeAuto   ReclaimMode = "auto"
	ReclaimModeManual ReclaimMode = "manual"
)

// PendingCallback is an in-flight reclaim. While it exists no other
// attempt for the same key may run.
type PendingCallback struct {
	Key         RentalKey    `json:"key"`
	AttemptID   string       `json:"attempt_id"`
	Mode        ReclaimMode  `json:"mode"`
	SubmittedAt time.Time    `json:"submitted_at"`
	TxHash      *common.Hash `json:"tx_hash,omitempty"`
	RetryCount  int          `json:"retry_count"`
}

// ReclaimOutcome is the result of a dispatch.
type ReclaimOutcome string

const (
	OutcomeReclaimed         ReclaimOutcome = "reclaimed"
	OutcomeAlreadyReclaimed  ReclaimOutcome = "already_reclaimed"
	OutcomeNotActive         ReclaimOutcome = "not_active"
	OutcomeNotExpired        ReclaimOutcome = "not_expired"
	OutcomeInFlight          ReclaimOutcome = "in_flight"
	OutcomeInsufficientFunds ReclaimOutcome = "insufficient_funds"
	OutcomeReverted          ReclaimOutcome = "reverted"
	OutcomeFailed            ReclaimOutcome = "failed"
	OutcomeAbandoned         ReclaimOutcome = "abandoned"
	OutcomeGaveUp            ReclaimOutcome = "gave_up"
)

// Success reports whether the rental ended up reclaimed.
func (o ReclaimOutcome) Success() bool {
	return o == OutcomeReclaimed || o == OutcomeAlreadyReclaimed
}

// Terminal reports whether the outcome counts against the per-rental
// failure budget and should be re-queued later.
func (o ReclaimOutcome) Terminal() bool {
	switch o {
	case OutcomeNotExpired, OutcomeInsufficientFunds, OutcomeReverted, OutcomeFailed:
		return true
	}
	return false
}

// ReclaimResult is returned to dispatch callers.
type ReclaimResult struct {
	Key       RentalKey
	Outcome   ReclaimOutcome
	AttemptID string
	TxHash    *common.Hash
	Retries   int
	Err       error
}

// FailedReclaim tracks terminal failures for a rental across ticks.
type FailedReclaim struct {
	ID          string             `db:"id"`
	ChainID     ChainID            `db:"chain_id"`
	RentalID    uint64             `db:"rental_id"`
	Outcome     ReclaimOutcome     `db:"outcome"`
	Error       string             `db:"error_msg"`
	Failures    int                `db:"failures"`
	Status      FailedReclaimState `db:"status"`
	LastAttempt time.Time          `db:"last_attempt"`
	CreatedAt   time.Time          `db:"created_at"`
}

type FailedReclaimState string

const (
	FailedReclaimPending  FailedReclaimState = "pending"
	FailedReclaimResolved FailedReclaimState = "resolved"
	FailedReclaimGaveUp   FailedReclaimState = "gave_up"
)
