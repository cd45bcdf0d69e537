package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/infra/storage"
)

var (
	// ErrCursorNotFound is returned when a cursor doesn't exist.
	ErrCursorNotFound = storage.ErrCursorNotFound

	// ErrCursorRegression is returned when Advance would move backwards.
	ErrCursorRegression = errors.New("cursor regression")

	// ErrCursorPaused is returned when trying to advance a paused cursor.
	ErrCursorPaused = errors.New("cursor is paused")

	// ErrCursorHalted is returned when trying to advance a halted cursor.
	ErrCursorHalted = errors.New("cursor is halted")
)

// Manager handles cursor operations with state machine enforcement.
type Manager interface {
	// Get retrieves the current cursor for a chain.
	Get(ctx context.Context, chainID domain.ChainID) (*domain.Cursor, error)

	// Initialize creates a new cursor positioned at startBlock.
	Initialize(ctx context.Context, chainID domain.ChainID, startBlock uint64) (*domain.Cursor, error)

	// Advance moves the cursor to the last block of an applied batch.
	Advance(ctx context.Context, chainID domain.ChainID, blockNumber uint64, blockHash string) error

	// SetState transitions cursor to new state (validates transition).
	SetState(ctx context.Context, chainID domain.ChainID, newState State, reason string) error

	// Reset repositions the cursor unconditionally (operator action).
	Reset(ctx context.Context, chainID domain.ChainID, block uint64) error

	// Pause pauses indexing.
	Pause(ctx context.Context, chainID domain.ChainID, reason string) error

	// Resume resumes indexing.
	Resume(ctx context.Context, chainID domain.ChainID) error

	// Halt stops a chain after a fatal error.
	Halt(ctx context.Context, chainID domain.ChainID, reason string) error

	// GetLag returns blocks behind current chain tip.
	GetLag(ctx context.Context, chainID domain.ChainID, latestBlock uint64) (int64, error)

	// GetMetrics returns performance metrics for a chain.
	GetMetrics(chainID domain.ChainID) Metrics

	// SetStateChangeCallback registers callback for state changes.
	SetStateChangeCallback(fn func(chainID domain.ChainID, t Transition))
}

// DefaultManager implements Manager with state machine enforcement.
type DefaultManager struct {
	repo          storage.CursorRepository
	mu            sync.RWMutex
	stateCallback func(domain.ChainID, Transition)
	collectors    map[domain.ChainID]*MetricsCollector
}

// Get retrieves the current cursor for a chain.
func (m *DefaultManager) Get(ctx context.Context, chainID domain.ChainID) (*domain.Cursor, error) {
	return m.repo.Get(ctx, chainID)
}

// Initialize creates a new cursor at starting block.
func (m *DefaultManager) Initialize(
	ctx context.Context,
	chainID domain.ChainID,
	startBlock uint64,
) (*domain.Cursor, error) {
	cursor := &domain.Cursor{
		ChainID:      chainID,
		CurrentBlock: startBlock,
		UpdatedAt:    time.Now(),
		State:        domain.CursorStateInit,
	}

	if err := m.repo.Save(ctx, cursor); err != nil {
		return nil, fmt.Errorf("failed to save cursor: %w", err)
	}

	m.collector(chainID)
	return cursor, nil
}

func (m *DefaultManager) collector(chainID domain.ChainID) *MetricsCollector {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collectors[chainID]
	if !ok {
		c = NewMetricsCollector(100)
		m.collectors[chainID] = c
	}
	return c
}

// Advance moves the cursor forward after a batch was applied.
func (m *DefaultManager) Advance(
	ctx context.Context,
	chainID domain.ChainID,
	blockNumber uint64,
	blockHash string,
) error {
	cursor, err := m.repo.Get(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	switch cursor.State {
	case domain.CursorStatePaused:
		return ErrCursorPaused
	case domain.CursorStateHalted:
		return ErrCursorHalted
	}

	// Re-delivered batch
	if blockNumber == cursor.CurrentBlock {
		return nil
	}
	if blockNumber < cursor.CurrentBlock {
		return fmt.Errorf("%w: cursor at %d, got %d", ErrCursorRegression, cursor.CurrentBlock, blockNumber)
	}

	if err := m.repo.UpdateBlock(ctx, chainID, blockNumber, blockHash); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	c := m.collector(chainID)
	m.mu.Lock()
	c.RecordAdvance(blockNumber, time.Now())
	m.mu.Unlock()

	return nil
}

// SetState transitions cursor to a new state.
func (m *DefaultManager) SetState(
	ctx context.Context,
	chainID domain.ChainID,
	newState State,
	reason string,
) error {
	cursor, err := m.repo.Get(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}
	if cursor.State == newState {
		return nil
	}

	if !CanTransition(cursor.State, newState) {
		return fmt.Errorf(
			"%w: cannot transition from %s to %s",
			ErrInvalidTransition,
			cursor.State,
			newState,
		)
	}

	transition := NewTransition(cursor.State, newState, reason)

	if err := m.repo.UpdateState(ctx, chainID, newState); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}

	c := m.collector(chainID)
	m.mu.Lock()
	c.RecordTransition(transition)
	cb := m.stateCallback
	m.mu.Unlock()

	if cb != nil {
		cb(chainID, transition)
	}

	return nil
}

// Reset repositions the cursor and returns it to init.
func (m *DefaultManager) Reset(ctx context.Context, chainID domain.ChainID, block uint64) error {
	err := m.repo.Save(ctx, &domain.Cursor{
		ChainID:      chainID,
		CurrentBlock: block,
		UpdatedAt:    time.Now(),
		State:        domain.CursorStateInit,
	})
	if err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

// Pause pauses indexing for a chain.
func (m *DefaultManager) Pause(ctx context.Context, chainID domain.ChainID, reason string) error {
	return m.SetState(ctx, chainID, domain.CursorStatePaused, reason)
}

// Resume resumes indexing for a chain.
func (m *DefaultManager) Resume(ctx context.Context, chainID domain.ChainID) error {
	cursor, err := m.repo.Get(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	if cursor.State != domain.CursorStatePaused {
		return fmt.Errorf("%w: cursor is not paused, current state: %s", ErrInvalidTransition, cursor.State)
	}

	return m.SetState(ctx, chainID, domain.CursorStateScanning, "manual resume")
}

// Halt marks the chain as stopped by a fatal error.
func (m *DefaultManager) Halt(ctx context.Context, chainID domain.ChainID, reason string) error {
	return m.SetState(ctx, chainID, domain.CursorStateHalted, reason)
}

// GetLag returns how many blocks behind the chain tip.
func (m *DefaultManager) GetLag(
	ctx context.Context,
	chainID domain.ChainID,
	latestBlock uint64,
) (int64, error) {
	cursor, err := m.repo.Get(ctx, chainID)
	if err != nil {
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}

	return int64(latestBlock) - int64(cursor.CurrentBlock), nil
}

// GetMetrics returns performance metrics for a chain.
func (m *DefaultManager) GetMetrics(chainID domain.ChainID) Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if collector, ok := m.collectors[chainID]; ok {
		return collector.GetMetrics()
	}

	return Metrics{}
}

// SetStateChangeCallback registers a callback for state changes.
func (m *DefaultManager) SetStateChangeCallback(fn func(chainID domain.ChainID, t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = fn
}
