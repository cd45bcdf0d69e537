// Package cache mirrors each origin chain's rental registry in memory.
//
// Entries are keyed by (chainId, rentalId) and move only forward through
// Available -> Active -> Reclaimed. Each chain has its own shard; only that
// chain's ingestion pipeline mutates it, while any goroutine may read.
package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/reclaimer/internal/core/domain"
)

// Observer is told about transitions that affect expiry scheduling.
// Calls happen after the shard lock is released.
type Observer interface {
	// OnActive is called when a rental is (or is confirmed to be) Active.
	OnActive(r *domain.Rental)
	// OnInactive is called when a rental leaves Active, or hits an anomaly
	// while not Active.
	OnInactive(key domain.RentalKey)
}

// Result describes the effect of applying an event or snapshot.
type Result struct {
	Rental  *domain.Rental
	Created bool
	Changed bool
	From    domain.RentalStatus
	To      domain.RentalStatus
	Anomaly *domain.AnomalyError
}

// Transitioned reports whether the status moved.
func (r Result) Transitioned() bool {
	return r.From != r.To
}

type shard struct {
	mu      sync.RWMutex
	rentals map[uint64]*domain.Rental
}

// Cache is the in-memory rental state mirror.
type Cache struct {
	mu       sync.RWMutex
	shards   map[domain.ChainID]*shard
	observer Observer
	now      func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		shards: make(map[domain.ChainID]*shard),
		now:    time.Now,
	}
}

// SetObserver registers the transition observer.
func (c *Cache) SetObserver(o Observer) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

func (c *Cache) shardFor(chainID domain.ChainID, create bool) *shard {
	c.mu.RLock()
	s, ok := c.shards[chainID]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.shards[chainID]; !ok {
		s = &shard{rentals: make(map[uint64]*domain.Rental)}
		c.shards[chainID] = s
	}
	return s
}

func (c *Cache) notify(res Result) {
	c.mu.RLock()
	o := c.observer
	c.mu.RUnlock()
	if o == nil || res.Rental == nil {
		return
	}

	switch {
	case res.Anomaly != nil:
		// An Active rental keeps its cached expiry through an anomaly.
		if res.Rental.Status != domain.RentalStatusActive {
			o.OnInactive(res.Rental.Key())
		}
	case res.To == domain.RentalStatusActive && (res.Transitioned() || res.Created):
		o.OnActive(res.Rental)
	case res.To == domain.RentalStatusReclaimed && res.Transitioned():
		o.OnInactive(res.Rental.Key())
	}
}

// Get returns a copy of the rental for key.
func (c *Cache) Get(key domain.RentalKey) (*domain.Rental, bool) {
	s := c.shardFor(key.ChainID, false)
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rentals[key.RentalID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// List returns copies of all rentals of a chain ordered by rental id.
func (c *Cache) List(chainID domain.ChainID) []*domain.Rental {
	return c.filter(chainID, func(*domain.Rental) bool { return true })
}

// ListActive returns copies of the chain's Active rentals ordered by id.
func (c *Cache) ListActive(chainID domain.ChainID) []*domain.Rental {
	return c.filter(chainID, func(r *domain.Rental) bool {
		return r.Status == domain.RentalStatusActive
	})
}

// Placeholders returns keys still waiting for a backfill.
func (c *Cache) Placeholders(chainID domain.ChainID) []domain.RentalKey {
	rentals := c.filter(chainID, func(r *domain.Rental) bool { return r.Placeholder })
	keys := make([]domain.RentalKey, 0, len(rentals))
	for _, r := range rentals {
		keys = append(keys, r.Key())
	}
	return keys
}

// Counts returns the number of rentals per status for a chain.
func (c *Cache) Counts(chainID domain.ChainID) map[domain.RentalStatus]int {
	out := make(map[domain.RentalStatus]int)
	s := c.shardFor(chainID, false)
	if s == nil {
		return out
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rentals {
		out[r.Status]++
	}
	return out
}

func (c *Cache) filter(chainID domain.ChainID, keep func(*domain.Rental) bool) []*domain.Rental {
	s := c.shardFor(chainID, false)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	out := make([]*domain.Rental, 0, len(s.rentals))
	for _, r := range s.rentals {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RentalID < out[j].RentalID })
	return out
}

// EnsurePlaceholder creates an Available placeholder for an unknown key.
// It returns true if one was created.
func (c *Cache) EnsurePlaceholder(key domain.RentalKey) bool {
	s := c.shardFor(key.ChainID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rentals[key.RentalID]; ok {
		return false
	}
	s.rentals[key.RentalID] = c.placeholder(key)
	return true
}

func (c *Cache) placeholder(key domain.RentalKey) *domain.Rental {
	return &domain.Rental{
		ChainID:     key.ChainID,
		RentalID:    key.RentalID,
		Status:      domain.RentalStatusAvailable,
		Placeholder: true,
		UpdatedAt:   c.now(),
	}
}

// Load seeds the cache with persisted rentals, e.g. on restart.
func (c *Cache) Load(rentals []*domain.Rental) {
	for _, r := range rentals {
		s := c.shardFor(r.ChainID, true)
		s.mu.Lock()
		s.rentals[r.RentalID] = r.Clone()
		s.mu.Unlock()

		if r.Status == domain.RentalStatusActive {
			c.notify(Result{Rental: r.Clone(), Created: true, To: r.Status})
		}
	}
}

// Apply applies one event. Events that would break the state machine are
// reported in Result.Anomaly and leave the rental untouched.
func (c *Cache) Apply(ev *domain.RentalEvent) Result {
	key := ev.Key()
	s := c.shardFor(key.ChainID, true)

	s.mu.Lock()
	r, exists := s.rentals[key.RentalID]
	res := Result{}
	if !exists {
		r = c.placeholder(key)
		res.Created = true
	}
	res.From = r.Status

	next := r.Clone()
	var anomaly *domain.AnomalyError
	switch ev.Kind {
	case domain.EventRentalCreated:
		anomaly = applyCreated(next, ev, exists)
	case domain.EventRentalStarted:
		anomaly = applyStarted(next, ev)
	case domain.EventRentalReclaimed:
		anomaly = applyReclaimed(next, ev)
	default:
		anomaly = &domain.AnomalyError{Key: key, Kind: domain.AnomalyUnknownStatus, Detail: string(ev.Kind)}
	}

	if anomaly != nil {
		// Keep the last valid state; a fresh placeholder is still recorded.
		if res.Created {
			s.rentals[key.RentalID] = r
		}
		res.Anomaly = anomaly
		res.Rental = r.Clone()
		res.To = r.Status
		s.mu.Unlock()
		c.notify(res)
		return res
	}

	res.Changed = res.Created || !equalRental(r, next)
	if res.Changed {
		next.LastBlock = ev.BlockNumber
		next.UpdatedAt = c.now()
		s.rentals[key.RentalID] = next
	}
	stored := s.rentals[key.RentalID]
	res.Rental = stored.Clone()
	res.To = stored.Status
	s.mu.Unlock()

	c.notify(res)
	return res
}

func applyCreated(r *domain.Rental, ev *domain.RentalEvent, exists bool) *domain.AnomalyError {
	if exists && !r.Placeholder {
		if r.Owner != ev.Owner || r.NFTContract != ev.NFTContract ||
			r.Duration != ev.Duration || cmpBig(r.TokenID, ev.TokenID) != 0 ||
			cmpBig(r.PricePerPeriod, ev.Price) != 0 {
			return &domain.AnomalyError{
				Key:    r.Key(),
				Kind:   domain.AnomalyFieldConflict,
				Detail: "RentalCreated disagrees with recorded immutable fields",
			}
		}
		return nil
	}

	r.NFTContract = ev.NFTContract
	r.TokenID = ev.TokenID
	r.Owner = ev.Owner
	r.ReservedRenter = ev.Renter
	r.Duration = ev.Duration
	r.PricePerPeriod = ev.Price
	r.Placeholder = false
	return nil
}

func applyStarted(r *domain.Rental, ev *domain.RentalEvent) *domain.AnomalyError {
	if ev.Renter == (common.Address{}) {
		return &domain.AnomalyError{Key: r.Key(), Kind: domain.AnomalyMissingRenter, Detail: "RentalStarted without renter"}
	}

	switch r.Status {
	case domain.RentalStatusAvailable:
		if r.Owner != (common.Address{}) && ev.Renter == r.Owner {
			return &domain.AnomalyError{
				Key:    r.Key(),
				Kind:   domain.AnomalyRenterIsOwner,
				Detail: fmt.Sprintf("renter %s is the owner", ev.Renter.Hex()),
			}
		}
		r.Status = domain.RentalStatusActive
		r.Renter = ev.Renter
		r.StartTime = ev.StartTime
		return nil

	case domain.RentalStatusActive:
		if r.Renter != ev.Renter {
			return &domain.AnomalyError{
				Key:    r.Key(),
				Kind:   domain.AnomalyRenterConflict,
				Detail: fmt.Sprintf("renter %s already set, event names %s", r.Renter.Hex(), ev.Renter.Hex()),
			}
		}
		if r.StartTime != ev.StartTime {
			return &domain.AnomalyError{
				Key:    r.Key(),
				Kind:   domain.AnomalyStartTimeChange,
				Detail: fmt.Sprintf("start time %d already set, event names %d", r.StartTime, ev.StartTime),
			}
		}
		return nil

	default:
		return &domain.AnomalyError{Key: r.Key(), Kind: domain.AnomalyRegression, Detail: "RentalStarted after reclaim"}
	}
}

func applyReclaimed(r *domain.Rental, ev *domain.RentalEvent) *domain.AnomalyError {
	if r.Status == domain.RentalStatusReclaimed {
		return nil
	}
	r.Status = domain.RentalStatusReclaimed
	r.AutoReclaimed = ev.Automatic
	if r.NFTContract == (common.Address{}) {
		r.NFTContract = ev.NFTContract
	}
	if r.TokenID == nil {
		r.TokenID = ev.TokenID
	}
	return nil
}

// Backfill merges an on-chain snapshot. Immutable fields fill a
// placeholder; status only moves forward. An Active snapshot always
// re-notifies the observer so a rental dropped after an anomaly is
// scheduled again once the chain confirms it.
func (c *Cache) Backfill(snap *domain.Rental) Result {
	key := snap.Key()
	s := c.shardFor(key.ChainID, true)

	s.mu.Lock()
	r, exists := s.rentals[key.RentalID]
	res := Result{}
	if !exists {
		r = c.placeholder(key)
		res.Created = true
	}
	res.From = r.Status

	next := r.Clone()
	if next.Placeholder || next.Owner == (common.Address{}) {
		next.NFTContract = snap.NFTContract
		next.TokenID = snap.TokenID
		next.Owner = snap.Owner
		next.ReservedRenter = snap.ReservedRenter
		next.Duration = snap.Duration
		next.PricePerPeriod = snap.PricePerPeriod
		next.Placeholder = false
	}

	if next.Status.Before(snap.Status) {
		if next.Status == domain.RentalStatusAvailable && snap.Renter == next.Owner {
			res.Anomaly = &domain.AnomalyError{
				Key:    key,
				Kind:   domain.AnomalyRenterIsOwner,
				Detail: fmt.Sprintf("on-chain renter %s is the owner", snap.Renter.Hex()),
			}
		} else {
			if next.Renter == (common.Address{}) {
				next.Renter = snap.Renter
			}
			if next.StartTime == 0 {
				next.StartTime = snap.StartTime
			}
			next.Status = snap.Status
			if snap.Status == domain.RentalStatusReclaimed {
				next.AutoReclaimed = snap.AutoReclaimed
			}
		}
	}

	res.Changed = res.Created || !equalRental(r, next)
	if res.Changed {
		next.UpdatedAt = c.now()
		s.rentals[key.RentalID] = next
	}
	stored := s.rentals[key.RentalID]
	res.Rental = stored.Clone()
	res.To = stored.Status
	s.mu.Unlock()

	c.mu.RLock()
	o := c.observer
	c.mu.RUnlock()
	switch {
	case o == nil:
	case res.Anomaly != nil:
		o.OnInactive(key)
	case res.To == domain.RentalStatusActive:
		o.OnActive(res.Rental)
	case res.To == domain.RentalStatusReclaimed && res.Transitioned():
		o.OnInactive(key)
	}
	return res
}

func equalRental(a, b *domain.Rental) bool {
	return a.Status == b.Status &&
		a.Owner == b.Owner &&
		a.Renter == b.Renter &&
		a.ReservedRenter == b.ReservedRenter &&
		a.NFTContract == b.NFTContract &&
		a.Duration == b.Duration &&
		a.StartTime == b.StartTime &&
		a.AutoReclaimed == b.AutoReclaimed &&
		a.Placeholder == b.Placeholder &&
		cmpBig(a.TokenID, b.TokenID) == 0 &&
		cmpBig(a.PricePerPeriod, b.PricePerPeriod) == 0
}
