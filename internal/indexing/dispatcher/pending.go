package dispatcher

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vietddude/reclaimer/internal/core/domain"
)

// pendingSet holds the in-flight marker of every rental being reclaimed by
// this process. At most one marker exists per key.
type pendingSet struct {
	mu    sync.Mutex
	items map[domain.RentalKey]*domain.PendingCallback
}

func newPendingSet() *pendingSet {
	return &pendingSet{items: make(map[domain.RentalKey]*domain.PendingCallback)}
}

// acquire creates the marker for key. It fails if one already exists.
func (s *pendingSet) acquire(key domain.RentalKey, mode domain.ReclaimMode) (*domain.PendingCallback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		return nil, false
	}
	cb := &domain.PendingCallback{
		Key:       key,
		AttemptID: uuid.New().String(),
		Mode:      mode,
	}
	s.items[key] = cb
	return cb, true
}

func (s *pendingSet) release(key domain.RentalKey) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// submitted records a broadcast transaction on the marker.
func (s *pendingSet) submitted(key domain.RentalKey, hash common.Hash, resubmit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.items[key]
	if !ok {
		return
	}
	h := hash
	cb.TxHash = &h
	cb.SubmittedAt = time.Now()
	if resubmit {
		cb.RetryCount++
	}
}

func (s *pendingSet) contains(key domain.RentalKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[key]
	return ok
}

// list returns copies of the markers of a chain ordered by rental id.
func (s *pendingSet) list(chainID domain.ChainID) []domain.PendingCallback {
	s.mu.Lock()
	out := make([]domain.PendingCallback, 0, len(s.items))
	for key, cb := range s.items {
		if key.ChainID == chainID {
			out = append(out, *cb)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}
