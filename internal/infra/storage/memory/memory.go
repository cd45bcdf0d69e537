package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/infra/storage"
)

type MemoryStorage struct {
	cursors map[domain.ChainID]*domain.Cursor
	rentals map[domain.RentalKey]*domain.Rental
	failed  map[string]*domain.FailedReclaim
	mu      sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		cursors: make(map[domain.ChainID]*domain.Cursor),
		rentals: make(map[domain.RentalKey]*domain.Rental),
		failed:  make(map[string]*domain.FailedReclaim),
	}
}

// -----------------------------------------------------------------------------
// Cursor Repository
// -----------------------------------------------------------------------------

type CursorRepo struct {
	store *MemoryStorage
}

func NewCursorRepo(store *MemoryStorage) *CursorRepo {
	return &CursorRepo{store: store}
}

func (r *CursorRepo) Get(ctx context.Context, chainID domain.ChainID) (*domain.Cursor, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.cursors[chainID]
	if !ok {
		return nil, storage.ErrCursorNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *cursor
	r.store.cursors[cursor.ChainID] = &cp
	return nil
}

func (r *CursorRepo) UpdateBlock(ctx context.Context, chainID domain.ChainID, block uint64, hash string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.cursors[chainID]
	if !ok {
		c = &domain.Cursor{ChainID: chainID, State: domain.CursorStateScanning}
		r.store.cursors[chainID] = c
	}
	c.CurrentBlock = block
	c.CurrentBlockHash = hash
	c.UpdatedAt = time.Now()
	return nil
}

func (r *CursorRepo) UpdateState(ctx context.Context, chainID domain.ChainID, state domain.CursorState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.cursors[chainID]
	if !ok {
		return storage.ErrCursorNotFound
	}
	c.State = state
	c.UpdatedAt = time.Now()
	return nil
}

func (r *CursorRepo) List(ctx context.Context) ([]*domain.Cursor, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.Cursor, 0, len(r.store.cursors))
	for _, c := range r.store.cursors {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out, nil
}

// -----------------------------------------------------------------------------
// Rental Repository
// -----------------------------------------------------------------------------

type RentalRepo struct {
	store *MemoryStorage
}

func NewRentalRepo(store *MemoryStorage) *RentalRepo {
	return &RentalRepo{store: store}
}

func (r *RentalRepo) SaveBatch(ctx context.Context, rentals []*domain.Rental) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, rental := range rentals {
		r.store.rentals[rental.Key()] = rental.Clone()
	}
	return nil
}

func (r *RentalRepo) Get(ctx context.Context, key domain.RentalKey) (*domain.Rental, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rental, ok := r.store.rentals[key]
	if !ok {
		return nil, domain.ErrRentalNotFound
	}
	return rental.Clone(), nil
}

func (r *RentalRepo) ListByChain(ctx context.Context, chainID domain.ChainID) ([]*domain.Rental, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Rental
	for k, rental := range r.store.rentals {
		if k.ChainID == chainID {
			out = append(out, rental.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RentalID < out[j].RentalID })
	return out, nil
}

// -----------------------------------------------------------------------------
// Failed Reclaim Repository
// -----------------------------------------------------------------------------

type FailedReclaimRepo struct {
	store *MemoryStorage
}

func NewFailedReclaimRepo(store *MemoryStorage) *FailedReclaimRepo {
	return &FailedReclaimRepo{store: store}
}

func (r *FailedReclaimRepo) GetPending(ctx context.Context, key domain.RentalKey) (*domain.FailedReclaim, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, f := range r.store.failed {
		if f.ChainID == key.ChainID && f.RentalID == key.RentalID && f.Status == domain.FailedReclaimPending {
			cp := *f
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *FailedReclaimRepo) Add(ctx context.Context, f *domain.FailedReclaim) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *f
	r.store.failed[f.ID] = &cp
	return nil
}

func (r *FailedReclaimRepo) IncrementFailures(
	ctx context.Context,
	id string,
	outcome domain.ReclaimOutcome,
	errMsg string,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if f, ok := r.store.failed[id]; ok {
		f.Failures++
		f.Outcome = outcome
		f.Error = errMsg
		f.LastAttempt = time.Now()
	}
	return nil
}

func (r *FailedReclaimRepo) SetStatus(ctx context.Context, id string, status domain.FailedReclaimState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if f, ok := r.store.failed[id]; ok {
		f.Status = status
	}
	return nil
}

func (r *FailedReclaimRepo) ListPending(ctx context.Context, chainID domain.ChainID) ([]*domain.FailedReclaim, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.FailedReclaim
	for _, f := range r.store.failed {
		if f.ChainID == chainID && f.Status == domain.FailedReclaimPending {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RentalID < out[j].RentalID })
	return out, nil
}

func (r *FailedReclaimRepo) Count(ctx context.Context, chainID domain.ChainID) (int, error) {
	pending, err := r.ListPending(ctx, chainID)
	return len(pending), err
}

func (r *FailedReclaimRepo) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for id, f := range r.store.failed {
		if f.Status != domain.FailedReclaimPending && f.LastAttempt.Before(before) {
			delete(r.store.failed, id)
			n++
		}
	}
	return n, nil
}
