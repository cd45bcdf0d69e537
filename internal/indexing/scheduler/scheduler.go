// Package scheduler keeps a per-chain priority queue of rental expiries.
//
// Each chain's queue is ordered by the time an entry becomes due, ties
// broken by rental id. Time is the owning chain's block timestamp, never
// wall clock, so chains with skewed clocks do not affect each other.
package scheduler

import (
	"container/heap"
	"sync"

	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/indexing/metrics"
)

// Entry is a queued expiry.
type Entry struct {
	Key    domain.RentalKey
	Expiry uint64
	// NotBefore delays a retry past the expiry; zero means none.
	NotBefore uint64
}

// Due returns the chain time at which the entry fires.
func (e Entry) Due() uint64 {
	if e.NotBefore > e.Expiry {
		return e.NotBefore
	}
	return e.Expiry
}

type item struct {
	Entry
	index int
}

type entryHeap []*item

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	di, dj := h[i].Due(), h[j].Due()
	if di != dj {
		return di < dj
	}
	return h[i].Key.Less(h[j].Key)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type queue struct {
	items entryHeap
	byID  map[uint64]*item
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu     sync.Mutex
	queues map[domain.ChainID]*queue
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{queues: make(map[domain.ChainID]*queue)}
}

func (s *Scheduler) queue(chainID domain.ChainID) *queue {
	q, ok := s.queues[chainID]
	if !ok {
		q = &queue{byID: make(map[uint64]*item)}
		s.queues[chainID] = q
	}
	return q
}

func (s *Scheduler) report(chainID domain.ChainID, q *queue) {
	metrics.ScheduledExpiries.WithLabelValues(chainID.Label()).Set(float64(len(q.items)))
}

// Schedule inserts or updates the expiry of key. A pending retry delay is
// kept only while the expiry is unchanged.
func (s *Scheduler) Schedule(key domain.RentalKey, expiry uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(key.ChainID)
	if it, ok := q.byID[key.RentalID]; ok {
		if it.Expiry != expiry {
			it.Expiry = expiry
			it.NotBefore = 0
			heap.Fix(&q.items, it.index)
		}
		return
	}

	it := &item{Entry: Entry{Key: key, Expiry: expiry}}
	heap.Push(&q.items, it)
	q.byID[key.RentalID] = it
	s.report(key.ChainID, q)
}

// Reschedule queues key again, not firing before notBefore.
func (s *Scheduler) Reschedule(key domain.RentalKey, expiry, notBefore uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(key.ChainID)
	if it, ok := q.byID[key.RentalID]; ok {
		it.Expiry = expiry
		it.NotBefore = notBefore
		heap.Fix(&q.items, it.index)
		return
	}

	it := &item{Entry: Entry{Key: key, Expiry: expiry, NotBefore: notBefore}}
	heap.Push(&q.items, it)
	q.byID[key.RentalID] = it
	s.report(key.ChainID, q)
}

// Remove drops key. Removing an absent key is a no-op.
func (s *Scheduler) Remove(key domain.RentalKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[key.ChainID]
	if !ok {
		return false
	}
	it, ok := q.byID[key.RentalID]
	if !ok {
		return false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, key.RentalID)
	s.report(key.ChainID, q)
	return true
}

// Tick pops every entry of chainID due at chain time now. Each popped
// entry fires once; it is only queued again through Schedule or
// Reschedule.
func (s *Scheduler) Tick(chainID domain.ChainID, now uint64) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[chainID]
	if !ok {
		return nil
	}

	var due []Entry
	for len(q.items) > 0 && q.items[0].Due() <= now {
		it := heap.Pop(&q.items).(*item)
		delete(q.byID, it.Key.RentalID)
		due = append(due, it.Entry)
	}
	if len(due) > 0 {
		s.report(chainID, q)
	}
	return due
}

// Peek returns the next entry to fire on chainID.
func (s *Scheduler) Peek(chainID domain.ChainID) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[chainID]
	if !ok || len(q.items) == 0 {
		return Entry{}, false
	}
	return q.items[0].Entry, true
}

// Len returns the number of queued entries for chainID.
func (s *Scheduler) Len(chainID domain.ChainID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[chainID]; ok {
		return len(q.items)
	}
	return 0
}

// Contains reports whether key is queued.
func (s *Scheduler) Contains(key domain.RentalKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[key.ChainID]
	if !ok {
		return false
	}
	_, ok = q.byID[key.RentalID]
	return ok
}

// OnActive queues an Active rental at its expiry.
func (s *Scheduler) OnActive(r *domain.Rental) {
	if expiry, ok := r.ExpiryTime(); ok {
		s.Schedule(r.Key(), expiry)
	}
}

// OnInactive drops a rental that left Active.
func (s *Scheduler) OnInactive(key domain.RentalKey) {
	s.Remove(key)
}
