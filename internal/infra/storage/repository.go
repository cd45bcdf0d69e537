package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/reclaimer/internal/core/domain"
)

var (
	// ErrCursorNotFound is returned when a cursor doesn't exist
	ErrCursorNotFound = errors.New("cursor not found")
)

// CursorRepository handles cursor storage operations
type CursorRepository interface {
	// Get retrieves the cursor for a chain
	Get(ctx context.Context, chainID domain.ChainID) (*domain.Cursor, error)

	// Save saves/updates the cursor
	Save(ctx context.Context, cursor *domain.Cursor) error

	// UpdateBlock moves the cursor to a new block (atomic operation)
	UpdateBlock(ctx context.Context, chainID domain.ChainID, blockNumber uint64, blockHash string) error

	// UpdateState updates cursor state
	UpdateState(ctx context.Context, chainID domain.ChainID, state domain.CursorState) error

	// List returns every stored cursor
	List(ctx context.Context) ([]*domain.Cursor, error)
}

// RentalRepository persists the rental mirror so restarts start warm
type RentalRepository interface {
	// SaveBatch upserts rentals in one transaction
	SaveBatch(ctx context.Context, rentals []*domain.Rental) error

	// Get retrieves one rental, or domain.ErrRentalNotFound
	Get(ctx context.Context, key domain.RentalKey) (*domain.Rental, error)

	// ListByChain returns a chain's rentals ordered by id
	ListByChain(ctx context.Context, chainID domain.ChainID) ([]*domain.Rental, error)
}

// FailedReclaimRepository tracks reclaims that ended in a terminal failure
type FailedReclaimRepository interface {
	// GetPending returns the open record for key, or nil
	GetPending(ctx context.Context, key domain.RentalKey) (*domain.FailedReclaim, error)

	// Add inserts a new record
	Add(ctx context.Context, f *domain.FailedReclaim) error

	// IncrementFailures bumps the failure count and records the last error
	IncrementFailures(ctx context.Context, id string, outcome domain.ReclaimOutcome, errMsg string) error

	// SetStatus closes a record as resolved or gave_up
	SetStatus(ctx context.Context, id string, status domain.FailedReclaimState) error

	// ListPending returns open records of a chain
	ListPending(ctx context.Context, chainID domain.ChainID) ([]*domain.FailedReclaim, error)

	// Count returns the number of open records of a chain
	Count(ctx context.Context, chainID domain.ChainID) (int, error)

	// DeleteClosedBefore removes resolved and gave_up records last touched
	// before the given time
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}
