package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrChainUnreachable is returned when no provider answers after retries.
	ErrChainUnreachable = errors.New("chain unreachable")

	// ErrAdapterClosed is returned by adapter calls after Close.
	ErrAdapterClosed = errors.New("chain adapter closed")

	// ErrChainMismatch is returned when an endpoint reports another chain id.
	ErrChainMismatch = errors.New("chain id mismatch")

	// ErrUnknownEventShape is returned for logs that match no known event.
	ErrUnknownEventShape = errors.New("unknown event shape")

	// ErrStateAnomaly marks an event that would break the rental state machine.
	ErrStateAnomaly = errors.New("state anomaly")

	// ErrReclaimRace means someone else reclaimed the rental first.
	ErrReclaimRace = errors.New("rental already reclaimed")

	// ErrInsufficientReclaimerFunds means the signer cannot pay for gas.
	ErrInsufficientReclaimerFunds = errors.New("insufficient reclaimer funds")

	// ErrTransactionReverted is returned for a reverted reclaim.
	ErrTransactionReverted = errors.New("transaction reverted")

	// ErrRentalNotExpired is the contract revert for an early reclaim.
	ErrRentalNotExpired = errors.New("rental not expired")

	// ErrReceiptTimeout is returned when no receipt arrives in time.
	ErrReceiptTimeout = errors.New("receipt wait timed out")

	// ErrRentalNotFound is returned for unknown rental ids.
	ErrRentalNotFound = errors.New("rental not found")

	// ErrChainNotConfigured is returned for chain ids without a registration.
	ErrChainNotConfigured = errors.New("chain not configured")

	// ErrNoSigner is returned when a write is attempted without a key.
	ErrNoSigner = errors.New("no reclaimer key configured")
)

// ChainMismatchError carries both ids of a failed chain id check.
type ChainMismatchError struct {
	Provider string
	Expected ChainID
	Got      ChainID
}

func (e *ChainMismatchError) Error() string {
	return fmt.Sprintf("provider %s: expected chain %d, endpoint reports %d", e.Provider, e.Expected, e.Got)
}

func (e *ChainMismatchError) Unwrap() error {
	return ErrChainMismatch
}

// AnomalyKind names the invariant an event broke.
type AnomalyKind string

const (
	AnomalyRenterIsOwner   AnomalyKind = "renter_is_owner"
	AnomalyRegression      AnomalyKind = "regression"
	AnomalyRenterConflict  AnomalyKind = "renter_conflict"
	AnomalyFieldConflict   AnomalyKind = "field_conflict"
	AnomalyUnknownStatus   AnomalyKind = "unknown_status"
	AnomalyMissingRenter   AnomalyKind = "missing_renter"
	AnomalyStartTimeChange AnomalyKind = "start_time_change"
)

// AnomalyError describes an event that was discarded to keep state valid.
type AnomalyError struct {
	Key    RentalKey
	Kind   AnomalyKind
	Detail string
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("rental %s: %s: %s", e.Key, e.Kind, e.Detail)
}

func (e *AnomalyError) Unwrap() error {
	return ErrStateAnomaly
}
