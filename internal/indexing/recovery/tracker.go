package recovery

import (
	"context"
	"fmt"
	logger "log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/indexing/metrics"
	"github.com/vietddude/reclaimer/internal/infra/storage"
)

// Decision tells the dispatcher what to do after a terminal failure.
type Decision struct {
	Failures int
	// Delay before the rental may be tried again.
	Delay  time.Duration
	GaveUp bool
}

// Tracker bounds the number of terminal failures per rental so a
// permanently broken rental is not retried forever.
type Tracker struct {
	repo        storage.FailedReclaimRepository
	strategy    RetryStrategy
	maxFailures int
	log         *logger.Logger

	mu     sync.Mutex
	gaveUp map[domain.RentalKey]bool
}

// NewTracker creates a failure tracker.
func NewTracker(
	repo storage.FailedReclaimRepository,
	strategy RetryStrategy,
	maxFailures int,
) *Tracker {
	if maxFailures <= 0 {
		maxFailures = 10
	}
	return &Tracker{
		repo:        repo,
		strategy:    strategy,
		maxFailures: maxFailures,
		log:         logger.Default().With("component", "recovery"),
		gaveUp:      make(map[domain.RentalKey]bool),
	}
}

// RecordFailure stores a terminal outcome and decides whether to re-queue.
func (t *Tracker) RecordFailure(
	ctx context.Context,
	key domain.RentalKey,
	outcome domain.ReclaimOutcome,
	cause error,
) (Decision, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	existing, err := t.repo.GetPending(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to get failure record: %w", err)
	}

	var id string
	failures := 1
	if existing == nil {
		id = uuid.New().String()
		now := time.Now()
		err = t.repo.Add(ctx, &domain.FailedReclaim{
			ID:          id,
			ChainID:     key.ChainID,
			RentalID:    key.RentalID,
			Outcome:     outcome,
			Error:       msg,
			Failures:    1,
			Status:      domain.FailedReclaimPending,
			LastAttempt: now,
			CreatedAt:   now,
		})
		if err != nil {
			return Decision{}, fmt.Errorf("failed to add failure record: %w", err)
		}
	} else {
		id = existing.ID
		failures = existing.Failures + 1
		if err := t.repo.IncrementFailures(ctx, id, outcome, msg); err != nil {
			return Decision{}, fmt.Errorf("failed to increment failures: %w", err)
		}
	}

	if failures >= t.maxFailures {
		if err := t.repo.SetStatus(ctx, id, domain.FailedReclaimGaveUp); err != nil {
			return Decision{}, fmt.Errorf("failed to give up: %w", err)
		}
		t.mu.Lock()
		t.gaveUp[key] = true
		t.mu.Unlock()
		metrics.ReclaimOutcomes.WithLabelValues(key.ChainID.Label(), string(domain.OutcomeGaveUp)).Inc()
		t.log.Error("Giving up on rental",
			"chain", key.ChainID.Label(),
			"rental_id", key.RentalID,
			"failures", failures,
			"last_outcome", outcome,
			"error", msg,
		)
		return Decision{Failures: failures, GaveUp: true}, nil
	}

	return Decision{
		Failures: failures,
		Delay:    t.strategy.GetDelay(failures - 1),
	}, nil
}

// GaveUp reports whether automatic reclaims of key were abandoned.
func (t *Tracker) GaveUp(key domain.RentalKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gaveUp[key]
}

// Forget re-enables automatic reclaims of key, e.g. after an operator
// triggered one manually.
func (t *Tracker) Forget(key domain.RentalKey) {
	t.mu.Lock()
	delete(t.gaveUp, key)
	t.mu.Unlock()
}

// Resolve closes the open failure record of key, if any.
func (t *Tracker) Resolve(ctx context.Context, key domain.RentalKey) error {
	t.Forget(key)

	existing, err := t.repo.GetPending(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to get failure record: %w", err)
	}
	if existing == nil {
		return nil
	}
	if err := t.repo.SetStatus(ctx, existing.ID, domain.FailedReclaimResolved); err != nil {
		return fmt.Errorf("failed to resolve %s: %w", existing.ID, err)
	}
	return nil
}

// Pending lists open failure records of a chain.
func (t *Tracker) Pending(ctx context.Context, chainID domain.ChainID) ([]*domain.FailedReclaim, error) {
	return t.repo.ListPending(ctx, chainID)
}
