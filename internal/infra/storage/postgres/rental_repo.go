package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/reclaimer/internal/core/domain"
)

// RentalRepo implements storage.RentalRepository using PostgreSQL.
type RentalRepo struct {
	db *DB
}

// NewRentalRepo creates a new PostgreSQL rental repository.
func NewRentalRepo(db *DB) *RentalRepo {
	return &RentalRepo{db: db}
}

type rentalRow struct {
	ChainID        int64     `db:"chain_id"`
	RentalID       int64     `db:"rental_id"`
	NFTContract    string    `db:"nft_contract"`
	TokenID        string    `db:"token_id"`
	Owner          string    `db:"owner"`
	Renter         string    `db:"renter"`
	ReservedRenter string    `db:"reserved_renter"`
	Price          string    `db:"price"`
	Duration       int64     `db:"duration"`
	StartTime      int64     `db:"start_time"`
	Status         string    `db:"status"`
	AutoReclaimed  bool      `db:"auto_reclaimed"`
	Placeholder    bool      `db:"placeholder"`
	LastBlock      int64     `db:"last_block"`
	UpdatedAt      time.Time `db:"updated_at"`
}

const rentalColumns = `chain_id, rental_id, nft_contract, token_id, owner, renter, reserved_renter,
	price, duration, start_time, status, auto_reclaimed, placeholder, last_block, updated_at`

func toRow(r *domain.Rental) rentalRow {
	return rentalRow{
		ChainID:        int64(r.ChainID),
		RentalID:       int64(r.RentalID),
		NFTContract:    r.NFTContract.Hex(),
		TokenID:        decimal(r.TokenID),
		Owner:          r.Owner.Hex(),
		Renter:         r.Renter.Hex(),
		ReservedRenter: r.ReservedRenter.Hex(),
		Price:          decimal(r.PricePerPeriod),
		Duration:       int64(r.Duration),
		StartTime:      int64(r.StartTime),
		Status:         string(r.Status),
		AutoReclaimed:  r.AutoReclaimed,
		Placeholder:    r.Placeholder,
		LastBlock:      int64(r.LastBlock),
		UpdatedAt:      r.UpdatedAt,
	}
}

func (row rentalRow) toDomain() (*domain.Rental, error) {
	tokenID, ok := new(big.Int).SetString(row.TokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token_id %q", row.TokenID)
	}
	price, ok := new(big.Int).SetString(row.Price, 10)
	if !ok {
		return nil, fmt.Errorf("invalid price %q", row.Price)
	}
	return &domain.Rental{
		ChainID:        domain.ChainID(row.ChainID),
		RentalID:       uint64(row.RentalID),
		NFTContract:    common.HexToAddress(row.NFTContract),
		TokenID:        tokenID,
		Owner:          common.HexToAddress(row.Owner),
		Renter:         common.HexToAddress(row.Renter),
		ReservedRenter: common.HexToAddress(row.ReservedRenter),
		PricePerPeriod: price,
		Duration:       uint64(row.Duration),
		StartTime:      uint64(row.StartTime),
		Status:         domain.RentalStatus(row.Status),
		AutoReclaimed:  row.AutoReclaimed,
		Placeholder:    row.Placeholder,
		LastBlock:      uint64(row.LastBlock),
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// SaveBatch upserts rentals in one transaction.
func (r *RentalRepo) SaveBatch(ctx context.Context, rentals []*domain.Rental) error {
	if len(rentals) == 0 {
		return nil
	}

	query := `
		INSERT INTO rentals (` + rentalColumns + `)
		VALUES (:chain_id, :rental_id, :nft_contract, :token_id, :owner, :renter, :reserved_renter,
			:price, :duration, :start_time, :status, :auto_reclaimed, :placeholder, :last_block, :updated_at)
		ON CONFLICT (chain_id, rental_id) DO UPDATE
		SET nft_contract = EXCLUDED.nft_contract,
		    token_id = EXCLUDED.token_id,
		    owner = EXCLUDED.owner,
		    renter = EXCLUDED.renter,
		    reserved_renter = EXCLUDED.reserved_renter,
		    price = EXCLUDED.price,
		    duration = EXCLUDED.duration,
		    start_time = EXCLUDED.start_time,
		    status = EXCLUDED.status,
		    auto_reclaimed = EXCLUDED.auto_reclaimed,
		    placeholder = EXCLUDED.placeholder,
		    last_block = EXCLUDED.last_block,
		    updated_at = EXCLUDED.updated_at
	`

	return r.db.InTransaction(ctx, func(tx *sqlx.Tx) error {
		for _, rental := range rentals {
			if _, err := tx.NamedExecContext(ctx, query, toRow(rental)); err != nil {
				return fmt.Errorf("failed to save rental %s: %w", rental.Key(), err)
			}
		}
		return nil
	})
}

// Get retrieves one rental.
func (r *RentalRepo) Get(ctx context.Context, key domain.RentalKey) (*domain.Rental, error) {
	var row rentalRow
	err := r.db.GetContext(
		ctx,
		&row,
		`SELECT `+rentalColumns+` FROM rentals WHERE chain_id = $1 AND rental_id = $2`,
		int64(key.ChainID),
		int64(key.RentalID),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRentalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rental: %w", err)
	}
	return row.toDomain()
}

// ListByChain returns a chain's rentals ordered by id.
func (r *RentalRepo) ListByChain(ctx context.Context, chainID domain.ChainID) ([]*domain.Rental, error) {
	var rows []rentalRow
	err := r.db.SelectContext(
		ctx,
		&rows,
		`SELECT `+rentalColumns+` FROM rentals WHERE chain_id = $1 ORDER BY rental_id`,
		int64(chainID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list rentals: %w", err)
	}

	rentals := make([]*domain.Rental, 0, len(rows))
	for _, row := range rows {
		rental, err := row.toDomain()
		if err != nil {
			return nil, fmt.Errorf("rental %d/%d: %w", row.ChainID, row.RentalID, err)
		}
		rentals = append(rentals, rental)
	}
	return rentals, nil
}
