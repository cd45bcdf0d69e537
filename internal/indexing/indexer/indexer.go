package indexer

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/reclaimer/internal/core/cursor"
	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/indexing/cache"
	"github.com/vietddude/reclaimer/internal/infra/chain"
	"github.com/vietddude/reclaimer/internal/infra/storage"
)

// Indexer ingests one origin chain's rental events.
type Indexer interface {
	// Run consumes batches until ctx is done or a fatal error occurs
	Run(ctx context.Context) error

	// Ingest normalizes a raw log, or tells why it was dropped
	Ingest(ctx context.Context, raw domain.RawLog) (*domain.RentalEvent, domain.DiscardReason)

	// Inject applies logs seen outside the subscription, e.g. in a receipt
	Inject(ctx context.Context, logs []domain.RawLog) error

	// Reconcile merges live contract snapshots into the cache
	Reconcile(ctx context.Context, snapshots []*domain.Rental) error

	// GetStatus returns current indexing status
	GetStatus() Status
}

type Status struct {
	ChainID      domain.ChainID
	Running      bool
	CurrentBlock uint64
	LatestBlock  uint64
	Lag          int64
	HeadTime     uint64
	LastBatchAt  time.Time
	Ingested     uint64
	Discarded    uint64
	Anomalies    uint64
	LastError    string
}

// BatchSource yields contiguous log batches. *chain.LogSubscription
// implements it.
type BatchSource interface {
	Next(ctx context.Context) (*chain.LogBatch, error)
	Reset(fromBlock uint64)
}

// Decoder turns a raw log into a rental event.
type Decoder interface {
	Decode(raw domain.RawLog) (*domain.RentalEvent, error)
}

// RentalReader reads live rental state for placeholder backfill.
type RentalReader interface {
	GetRental(ctx context.Context, rentalID uint64) (*domain.Rental, error)
}

// Config holds indexer configuration
type Config struct {
	ChainID  domain.ChainID
	Contract common.Address
	Source   BatchSource
	Reader   RentalReader
	Decoder  Decoder
	Cache    *cache.Cache
	Cursor   cursor.Manager
	Rentals  storage.RentalRepository
	// DedupWindow is how many blocks behind the cursor event ids are kept.
	DedupWindow uint64
	// CatchupThreshold is the lag above which the cursor reports catchup.
	CatchupThreshold uint64
	// Reconnect is called after repeated source failures.
	Reconnect func(ctx context.Context) error
	// OnBatch runs after every applied batch with the batch's head.
	OnBatch func(head domain.Head)
}
