package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/infra/storage"
)

// CursorRepo implements storage.CursorRepository using PostgreSQL.
type CursorRepo struct {
	db *DB
}

// NewCursorRepo creates a new PostgreSQL cursor repository.
func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

const cursorColumns = `chain_id, block_number, block_hash, state, updated_at`

// Save saves a cursor to the database.
func (r *CursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	query := `
		INSERT INTO cursors (chain_id, block_number, block_hash, state, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (chain_id) DO UPDATE
		SET block_number = EXCLUDED.block_number,
		    block_hash = EXCLUDED.block_hash,
		    state = EXCLUDED.state,
		    updated_at = NOW()
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		int64(cursor.ChainID),
		int64(cursor.CurrentBlock),
		cursor.CurrentBlockHash,
		string(cursor.State),
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// Get retrieves a cursor by chain ID.
func (r *CursorRepo) Get(ctx context.Context, chainID domain.ChainID) (*domain.Cursor, error) {
	var c domain.Cursor
	err := r.db.GetContext(ctx, &c, `SELECT `+cursorColumns+` FROM cursors WHERE chain_id = $1`, int64(chainID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCursorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return &c, nil
}

// UpdateBlock moves the cursor; a missing row is created in scanning state.
func (r *CursorRepo) UpdateBlock(
	ctx context.Context,
	chainID domain.ChainID,
	blockNumber uint64,
	blockHash string,
) error {
	query := `
		INSERT INTO cursors (chain_id, block_number, block_hash, state, updated_at)
		VALUES ($1, $2, $3, 'scanning', NOW())
		ON CONFLICT (chain_id) DO UPDATE
		SET block_number = EXCLUDED.block_number,
		    block_hash = EXCLUDED.block_hash,
		    updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, int64(chainID), int64(blockNumber), blockHash)
	if err != nil {
		return fmt.Errorf("failed to update cursor block: %w", err)
	}
	return nil
}

// UpdateState updates cursor state.
func (r *CursorRepo) UpdateState(
	ctx context.Context,
	chainID domain.ChainID,
	state domain.CursorState,
) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE cursors SET state = $1, updated_at = NOW() WHERE chain_id = $2`,
		string(state),
		int64(chainID),
	)
	if err != nil {
		return fmt.Errorf("failed to update cursor state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrCursorNotFound
	}
	return nil
}

// List returns all cursors ordered by chain id.
func (r *CursorRepo) List(ctx context.Context) ([]*domain.Cursor, error) {
	var cursors []*domain.Cursor
	if err := r.db.SelectContext(ctx, &cursors, `SELECT `+cursorColumns+` FROM cursors ORDER BY chain_id`); err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	return cursors, nil
}
