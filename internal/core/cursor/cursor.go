// Package cursor tracks how far each origin chain's logs have been applied.
//
// # Purpose
//
// The cursor is the persisted half of a chain registration:
//   - Current block number: the last block whose logs are fully applied
//   - Block hash: recorded for operators, not used for reorg handling
//   - State: control behavior (scanning, catching up, paused, halted)
//
// # Key Features
//
// State Machine - Only allows valid transitions:
//
//	INIT → SCANNING → PAUSED → SCANNING (valid)
//	HALTED → PAUSED (invalid - a halted chain needs an operator reset)
//
// Monotonic Advance - Advance(to) succeeds only for to >= current. Equal is
// an idempotent re-delivery; anything lower returns ErrCursorRegression.
//
// At-least-once - The pipeline advances the cursor only after a batch is
// applied and persisted, so a restart replays at most one batch.
//
// # Quick Start
//
//	manager := cursor.NewManager(cursorRepo)
//
//	// Initialize cursor so the first batch starts at block 1000
//	c, _ := manager.Initialize(ctx, domain.ChainIDBaseSepolia, 999)
//
//	// Apply batch [1000, 1500], then
//	manager.Advance(ctx, domain.ChainIDBaseSepolia, 1500, "0xabc...")  // ✓ OK
//	manager.Advance(ctx, domain.ChainIDBaseSepolia, 1200, "0xdef...")  // ✗ ErrCursorRegression
//
//	// Stop a misconfigured chain
//	manager.Halt(ctx, domain.ChainIDBaseSepolia, "chain id mismatch")
//
// # Package Structure
//
//   - state.go   - State machine definitions and valid transitions
//   - manager.go - Core Manager implementation
//   - metrics.go - Performance metrics (blocks/sec, state history)
package cursor

import (
	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/infra/storage"
)

// =============================================================================
// Re-exported types from domain package
// =============================================================================

// Cursor represents the indexing position for a chain.
type Cursor = domain.Cursor

// CursorState represents the current state of the cursor.
type CursorState = domain.CursorState

// State constants re-exported for convenience.
const (
	StateInit     = domain.CursorStateInit
	StateScanning = domain.CursorStateScanning
	StateCatchup  = domain.CursorStateCatchup
	StatePaused   = domain.CursorStatePaused
	StateHalted   = domain.CursorStateHalted
)

// =============================================================================
// Constructor functions
// =============================================================================

// NewManager creates a new cursor manager with the given repository.
func NewManager(repo storage.CursorRepository) *DefaultManager {
	return &DefaultManager{
		repo:             repo,
		collectors: make(map[domain.ChainID]*MetricsCollector),
	}
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize:  windowSize,
		advances:    make([]advance, 0, windowSize),
		transitions: make([]Transition, 0, maxTransitions),
	}
}
