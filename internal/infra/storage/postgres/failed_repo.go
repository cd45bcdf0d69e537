package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/reclaimer/internal/core/domain"
)

// FailedReclaimRepo implements storage.FailedReclaimRepository using PostgreSQL.
type FailedReclaimRepo struct {
	db *DB
}

// NewFailedReclaimRepo creates a new PostgreSQL failed reclaim repository.
func NewFailedReclaimRepo(db *DB) *FailedReclaimRepo {
	return &FailedReclaimRepo{db: db}
}

const failedColumns = `id, chain_id, rental_id, outcome, error_msg, failures, status, last_attempt, created_at`

// GetPending returns the open record for key, or nil.
func (r *FailedReclaimRepo) GetPending(
	ctx context.Context,
	key domain.RentalKey,
) (*domain.FailedReclaim, error) {
	query := `SELECT ` + failedColumns + `
		FROM failed_reclaims
		WHERE chain_id = $1 AND rental_id = $2 AND status = 'pending'`

	var f domain.FailedReclaim
	err := r.db.GetContext(ctx, &f, query, int64(key.ChainID), int64(key.RentalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed reclaim: %w", err)
	}
	return &f, nil
}

// Add adds a failed reclaim record.
func (r *FailedReclaimRepo) Add(ctx context.Context, f *domain.FailedReclaim) error {
	query := `
		INSERT INTO failed_reclaims (id, chain_id, rental_id, outcome, error_msg, failures, status, last_attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`
	status := f.Status
	if status == "" {
		status = domain.FailedReclaimPending
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		f.ID,
		int64(f.ChainID),
		int64(f.RentalID),
		string(f.Outcome),
		f.Error,
		f.Failures,
		string(status),
	)
	if err != nil {
		return fmt.Errorf("failed to add failed reclaim: %w", err)
	}
	return nil
}

// IncrementFailures bumps the failure count and updates timestamp.
func (r *FailedReclaimRepo) IncrementFailures(
	ctx context.Context,
	id string,
	outcome domain.ReclaimOutcome,
	errMsg string,
) error {
	query := `
		UPDATE failed_reclaims
		SET failures = failures + 1, outcome = $2, error_msg = $3, last_attempt = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, string(outcome), errMsg); err != nil {
		return fmt.Errorf("failed to increment failures: %w", err)
	}
	return nil
}

// SetStatus closes a record.
func (r *FailedReclaimRepo) SetStatus(
	ctx context.Context,
	id string,
	status domain.FailedReclaimState,
) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE failed_reclaims SET status = $2 WHERE id = $1`, id, string(status)); err != nil {
		return fmt.Errorf("failed to set failed reclaim status: %w", err)
	}
	return nil
}

// ListPending returns open records of a chain.
func (r *FailedReclaimRepo) ListPending(
	ctx context.Context,
	chainID domain.ChainID,
) ([]*domain.FailedReclaim, error) {
	query := `SELECT ` + failedColumns + `
		FROM failed_reclaims
		WHERE chain_id = $1 AND status = 'pending'
		ORDER BY rental_id`

	var out []*domain.FailedReclaim
	if err := r.db.SelectContext(ctx, &out, query, int64(chainID)); err != nil {
		return nil, fmt.Errorf("failed to list failed reclaims: %w", err)
	}
	return out, nil
}

// Count returns the number of open records.
func (r *FailedReclaimRepo) Count(ctx context.Context, chainID domain.ChainID) (int, error) {
	var count int
	err := r.db.GetContext(
		ctx,
		&count,
		`SELECT COUNT(*) FROM failed_reclaims WHERE chain_id = $1 AND status = 'pending'`,
		int64(chainID),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed reclaims: %w", err)
	}
	return count, nil
}

// DeleteClosedBefore prunes closed records older than before.
func (r *FailedReclaimRepo) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(
		ctx,
		`DELETE FROM failed_reclaims WHERE status <> 'pending' AND last_attempt < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune failed reclaims: %w", err)
	}
	return res.RowsAffected()
}
