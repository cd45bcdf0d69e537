package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/reclaimer/internal/core/domain"
)

// Adapter defines the per-origin-chain boundary between the coordinator
// and a rental contract deployment.
type Adapter interface {
	// ChainID returns the verified chain identifier
	ChainID() domain.ChainID

	// LatestHead returns the chain tip; Head.Time is the chain's clock
	LatestHead(ctx context.Context) (*domain.Head, error)

	// GetRental reads a rental's live state from the contract
	GetRental(ctx context.Context, rentalID uint64) (*domain.Rental, error)

	// NextRentalID returns the id the contract will assign next
	NextRentalID(ctx context.Context) (uint64, error)

	// ReactiveContract returns the callback contract wired into the origin
	// contract, or the zero address
	ReactiveContract(ctx context.Context) (common.Address, error)

	// FilterLogs returns rental logs in [from, to] ordered by (block, index)
	FilterLogs(ctx context.Context, from, to uint64) ([]domain.RawLog, error)

	// SubscribeHeads notifies about new chain tips until ctx is done
	SubscribeHeads(ctx context.Context) (<-chan domain.Head, error)

	// SubmitReclaim signs and broadcasts a reclaim call for rentalID
	SubmitReclaim(ctx context.Context, rentalID uint64, mode domain.ReclaimMode) (common.Hash, error)

	// WaitForReceipt blocks until the receipt exists, timeout or ctx ends
	WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*domain.Receipt, error)

	// TransactionStatus reports where a submitted transaction is
	TransactionStatus(ctx context.Context, txHash common.Hash) (domain.TxStatus, error)

	// Reconnect re-dials the providers, re-checking the chain id
	Reconnect(ctx context.Context) error

	// Close releases the underlying connection
	Close()
}

// LogSource is the read side of an Adapter used by log subscriptions.
type LogSource interface {
	LatestHead(ctx context.Context) (*domain.Head, error)
	FilterLogs(ctx context.Context, from, to uint64) ([]domain.RawLog, error)
}
