package control

import (
	"context"
	"errors"
	"fmt"
	logger "log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/reclaimer/internal/core/domain"
)

// Reconciler periodically re-reads rentals whose cached state may lag the
// contract: Active rentals and unfilled placeholders. Snapshots are handed
// to the owning pipeline, which merges them forward-only.
type Reconciler struct {
	c    *Coordinator
	cron *cron.Cron
	log  *logger.Logger
}

// NewReconciler registers the reconcile job on a cron schedule.
func NewReconciler(c *Coordinator, spec string) (*Reconciler, error) {
	r := &Reconciler{
		c:    c,
		cron: cron.New(cron.WithLocation(time.UTC)),
		log:  logger.Default().With("component", "reconciler"),
	}
	if _, err := r.cron.AddFunc(spec, r.run); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}
	return r, nil
}

// Start begins the cron scheduler.
func (r *Reconciler) Start() {
	r.cron.Start()
	r.log.Info("Reconciler started")
}

// Stop waits for a running job to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Reconciler) run() {
	ctx := r.c.ctx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := r.RunOnce(ctx); err != nil {
		r.log.Warn("Reconcile finished with errors", "error", err)
	}
}

// RunOnce reconciles every running chain in parallel. A failing chain does
// not stop the others.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	var g errgroup.Group
	errs := make([]error, len(r.c.order))
	for i, id := range r.c.order {
		g.Go(func() error {
			errs[i] = r.reconcileChain(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (r *Reconciler) reconcileChain(ctx context.Context, chainID domain.ChainID) error {
	rt := r.c.chains[chainID]
	if rt.isHalted() {
		return nil
	}
	adapter, pipeline := rt.components()
	if pipeline == nil {
		return nil
	}

	keys := r.c.cache.Placeholders(chainID)
	for _, rental := range r.c.cache.ListActive(chainID) {
		keys = append(keys, rental.Key())
	}
	if len(keys) == 0 {
		return nil
	}

	snapshots := make([]*domain.Rental, 0, len(keys))
	var failed int
	for _, key := range keys {
		snap, err := adapter.GetRental(ctx, key.RentalID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			r.log.Debug("Failed to read rental", "chain", rt.cfg.Label(), "rental_id", key.RentalID, "error", err)
			continue
		}
		snapshots = append(snapshots, snap)
	}

	if err := pipeline.Reconcile(ctx, snapshots); err != nil {
		return fmt.Errorf("chain %s: %w", rt.cfg.Label(), err)
	}

	r.log.Info("Reconciled rentals",
		"chain", rt.cfg.Label(),
		"read", len(snapshots),
		"failed", failed,
	)
	if failed > 0 {
		return fmt.Errorf("chain %s: %d rentals unreadable", rt.cfg.Label(), failed)
	}
	return nil
}
