package control

import (
	"context"
	"fmt"
	logger "log/slog"

	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/infra/chain"
)

func (c *Coordinator) runtime(chainID domain.ChainID) (*chainRuntime, error) {
	rt, ok := c.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %d: %w", chainID, domain.ErrChainNotConfigured)
	}
	return rt, nil
}

// ChainIDs returns the configured chains in config order.
func (c *Coordinator) ChainIDs() []domain.ChainID {
	return append([]domain.ChainID(nil), c.order...)
}

// ChainStatus reports cursor, head, cache and dispatch state of a chain.
func (c *Coordinator) ChainStatus(ctx context.Context, chainID domain.ChainID) (*domain.ChainStatus, error) {
	rt, err := c.runtime(chainID)
	if err != nil {
		return nil, err
	}

	rt.mu.RLock()
	st := &domain.ChainStatus{
		ChainID:          chainID,
		Name:             rt.cfg.Label(),
		Contract:         rt.contract,
		ReactiveContract: rt.reactive,
		LastError:        rt.lastErr,
	}
	pipeline := rt.pipeline
	rt.mu.RUnlock()

	if pipeline != nil {
		ps := pipeline.GetStatus()
		st.Running = ps.Running
		st.HeadBlock = ps.LatestBlock
		st.HeadTime = ps.HeadTime
		st.Lag = ps.Lag
		st.LastBatchAt = ps.LastBatchAt
		st.Ingested = ps.Ingested
		st.Discarded = ps.Discarded
		st.Anomalies = ps.Anomalies
		if ps.LastError != "" {
			st.LastError = ps.LastError
		}
	}

	cur, err := c.cursors.Get(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	st.CursorBlock = cur.CurrentBlock
	st.CursorState = cur.State
	if st.HeadBlock > 0 {
		// The persisted cursor can differ from the pipeline's view while a
		// batch is held, e.g. when paused.
		if lag, err := c.cursors.GetLag(ctx, chainID, st.HeadBlock); err == nil {
			st.Lag = lag
		}
	}
	m := c.cursors.GetMetrics(chainID)
	st.BlocksPerSecond = m.BlocksPerSecond
	if cur.State == domain.CursorStateHalted {
		st.HaltReason = m.LastHalt
	}

	st.Rentals = c.cache.Counts(chainID)
	st.Placeholders = len(c.cache.Placeholders(chainID))
	st.ScheduledExpiries = c.schedule.Len(chainID)
	if next, ok := c.schedule.Peek(chainID); ok {
		st.NextExpiry = next.Due()
	}
	st.PendingCallbacks = c.dispatcher.Pending(chainID)

	open, err := c.tracker.Pending(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed reclaims: %w", err)
	}
	st.FailedReclaims = len(open)
	st.OpenFailures = open
	return st, nil
}

// PauseChain stops a chain's cursor from advancing. Fetched batches are
// held until ResumeChain.
func (c *Coordinator) PauseChain(ctx context.Context, chainID domain.ChainID, reason string) error {
	if _, err := c.runtime(chainID); err != nil {
		return err
	}
	if reason == "" {
		reason = "operator pause"
	}
	return c.cursors.Pause(ctx, chainID, reason)
}

// ResumeChain lets a paused cursor advance again.
func (c *Coordinator) ResumeChain(ctx context.Context, chainID domain.ChainID) error {
	if _, err := c.runtime(chainID); err != nil {
		return err
	}
	return c.cursors.Resume(ctx, chainID)
}

// ListRentals returns the cached rentals of a chain ordered by id.
func (c *Coordinator) ListRentals(ctx context.Context, chainID domain.ChainID) ([]*domain.Rental, error) {
	if _, err := c.runtime(chainID); err != nil {
		return nil, err
	}
	return c.cache.List(chainID), nil
}

// GetRental returns one cached rental.
func (c *Coordinator) GetRental(ctx context.Context, key domain.RentalKey) (*domain.Rental, error) {
	if _, err := c.runtime(key.ChainID); err != nil {
		return nil, err
	}
	r, ok := c.cache.Get(key)
	if !ok {
		return nil, fmt.Errorf("rental %s: %w", key, domain.ErrRentalNotFound)
	}
	return r, nil
}

// GetTimeRemaining returns seconds until an Active rental expires, by the
// chain's clock, or 0.
func (c *Coordinator) GetTimeRemaining(ctx context.Context, chainID domain.ChainID, rentalID uint64) (uint64, error) {
	r, err := c.GetRental(ctx, domain.RentalKey{ChainID: chainID, RentalID: rentalID})
	if err != nil {
		return 0, err
	}
	if r.Status != domain.RentalStatusActive {
		return 0, nil
	}
	now, err := c.chainTime(ctx, chainID)
	if err != nil {
		return 0, err
	}
	return r.TimeRemaining(now), nil
}

// chainTime is the latest known head time, asking the chain if no batch
// was applied yet.
func (c *Coordinator) chainTime(ctx context.Context, chainID domain.ChainID) (uint64, error) {
	rt, err := c.runtime(chainID)
	if err != nil {
		return 0, err
	}
	adapter, pipeline := rt.components()
	if pipeline != nil {
		if t := pipeline.GetStatus().HeadTime; t > 0 {
			return t, nil
		}
	}
	if adapter == nil {
		return 0, fmt.Errorf("chain %s: %w", rt.cfg.Label(), domain.ErrChainUnreachable)
	}
	head, err := adapter.LatestHead(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get head: %w", err)
	}
	return head.Time, nil
}

// TriggerManualReclaim runs an operator reclaim. It shares the pending
// marker with automatic reclaims and clears a previous give-up.
func (c *Coordinator) TriggerManualReclaim(ctx context.Context, chainID domain.ChainID, rentalID uint64) (domain.ReclaimResult, error) {
	rt, err := c.runtime(chainID)
	if err != nil {
		return domain.ReclaimResult{}, err
	}
	if rt.isHalted() {
		return domain.ReclaimResult{}, fmt.Errorf("chain %s is halted", rt.cfg.Label())
	}

	key := domain.RentalKey{ChainID: chainID, RentalID: rentalID}
	res := c.dispatcher.DispatchReclaim(ctx, key, domain.ReclaimModeManual)
	c.log.Info("Manual reclaim finished",
		"chain", rt.cfg.Label(),
		"rental_id", rentalID,
		"outcome", res.Outcome,
	)
	return res, nil
}

// ReadRentals reads every rental straight from the contract, bypassing
// the cache. Rentals that cannot be read are skipped.
func ReadRentals(ctx context.Context, adapter chain.Adapter) ([]*domain.Rental, error) {
	next, err := adapter.NextRentalID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read next rental id: %w", err)
	}
	out := make([]*domain.Rental, 0, next)
	for id := uint64(1); id < next; id++ {
		r, err := adapter.GetRental(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Skipping unreadable rental", "chain", adapter.ChainID().Label(), "rental_id", id, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
