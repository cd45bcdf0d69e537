package worker

import (
	"context"
	logger "log/slog"
	"time"

	"github.com/vietddude/reclaimer/internal/infra/storage"
)

// Pruner deletes closed failure records past their retention.
type Pruner struct {
	retention time.Duration
	repo      storage.FailedReclaimRepository
	now       func() time.Time
	log       *logger.Logger
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, repo storage.FailedReclaimRepository) *Pruner {
	return &Pruner{
		retention: retention,
		repo:      repo,
		now:       time.Now,
		log:       logger.Default().With("component", "pruner"),
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check every tenth of the retention period, between 1m and 1h
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune removes resolved and gave_up records older than the retention.
func (p *Pruner) Prune(ctx context.Context) int64 {
	threshold := p.now().Add(-p.retention)

	n, err := p.repo.DeleteClosedBefore(ctx, threshold)
	if err != nil {
		p.log.Error("Failed to prune failure records", "error", err)
		return 0
	}
	if n > 0 {
		p.log.Info("Pruned failure records", "count", n, "before", threshold.Format(time.RFC3339))
	}
	return n
}
