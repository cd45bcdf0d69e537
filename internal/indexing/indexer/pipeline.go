package indexer

import (
	"context"
	"errors"
	"fmt"
	logger "log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/reclaimer/internal/core/cursor"
	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/indexing/metrics"
	"github.com/vietddude/reclaimer/internal/indexing/recovery"
	"github.com/vietddude/reclaimer/internal/infra/chain"
)

// reconnectEvery is the number of consecutive source failures after which
// the providers are re-dialed.
const reconnectEvery = 3

type injectRequest struct {
	logs []domain.RawLog
	done chan error
}

type reconcileRequest struct {
	snapshots []*domain.Rental
	done      chan error
}

// Pipeline implements the Indexer interface. Run owns the chain's cache
// shard: batches, injected receipt logs and reconcile snapshots are all
// applied from its single loop.
type Pipeline struct {
	cfg     Config
	label   string
	log     *logger.Logger
	backoff recovery.RetryStrategy

	running   atomic.Bool
	inject    chan injectRequest
	reconcile chan reconcileRequest

	// seen maps committed event ids to their block; only Run touches it.
	seen map[domain.EventID]uint64

	mu sync.RWMutex
	// stopped is closed when the current Run returns.
	stopped chan struct{}
	status  Status
}

// NewPipeline creates a new indexing pipeline
func NewPipeline(cfg Config) *Pipeline {
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 256
	}
	if cfg.CatchupThreshold == 0 {
		cfg.CatchupThreshold = 100
	}
	label := cfg.ChainID.Label()
	return &Pipeline{
		cfg:       cfg,
		label:     label,
		log:       logger.Default().With("component", "indexer", "chain", label),
		backoff:   recovery.NewBackoff(time.Second, 30*time.Second, 0, nil),
		inject:    make(chan injectRequest),
		reconcile: make(chan reconcileRequest),
		seen:      make(map[domain.EventID]uint64),
		status:    Status{ChainID: cfg.ChainID},
	}
}

// Run begins the indexing loop. It returns nil when ctx is done and an
// error when the chain has to stop (chain id mismatch, halted cursor).
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already running")
	}
	defer p.running.Store(false)

	stopped := make(chan struct{})
	p.mu.Lock()
	p.stopped = stopped
	p.mu.Unlock()
	defer close(stopped)

	cur, err := p.cfg.Cursor.Get(ctx, p.cfg.ChainID)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}
	if cur.State == cursor.StateHalted {
		return fmt.Errorf("chain %s: %w", p.label, cursor.ErrCursorHalted)
	}
	p.setCurrent(cur.CurrentBlock)
	p.cfg.Source.Reset(cur.CurrentBlock + 1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := make(chan *chain.LogBatch)
	fatal := make(chan error, 1)
	go p.fetch(ctx, batches, fatal)

	p.log.Info("Indexer started", "from_block", cur.CurrentBlock+1)

	// While hold is armed, batches are left with the fetcher.
	in := batches
	var hold <-chan time.Time
	failures := 0

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Indexer stopped", "block", p.current())
			return nil

		case err := <-fatal:
			p.setError(err)
			return err

		case <-hold:
			in, hold = batches, nil

		case batch := <-in:
			err := p.applyBatch(ctx, batch)
			if err == nil {
				failures = 0
				continue
			}
			if errors.Is(err, cursor.ErrCursorHalted) {
				p.setError(err)
				return err
			}
			failures++
			p.setError(err)
			if errors.Is(err, cursor.ErrCursorPaused) {
				p.log.Debug("Cursor paused, holding batches")
			} else {
				p.log.Error("Failed to apply batch",
					"from", batch.From,
					"to", batch.To,
					"failures", failures,
					"error", err,
				)
			}
			p.cfg.Source.Reset(p.current() + 1)
			in, hold = nil, time.After(p.backoff.GetDelay(failures-1))

		case req := <-p.inject:
			req.done <- p.applyLogs(ctx, req.logs)

		case req := <-p.reconcile:
			req.done <- p.applySnapshots(ctx, req.snapshots)
		}
	}
}

// fetch pulls batches from the source and hands them to Run.
func (p *Pipeline) fetch(ctx context.Context, out chan<- *chain.LogBatch, fatal chan<- error) {
	failures := 0
	for {
		batch, err := p.cfg.Source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, domain.ErrChainMismatch) {
				fatal <- err
				return
			}

			failures++
			p.setError(err)
			p.log.Warn("Failed to fetch logs", "failures", failures, "error", err)

			if failures%reconnectEvery == 0 && p.cfg.Reconnect != nil {
				if rerr := p.cfg.Reconnect(ctx); rerr != nil {
					if errors.Is(rerr, domain.ErrChainMismatch) {
						fatal <- rerr
						return
					}
					p.log.Warn("Reconnect failed", "error", rerr)
				} else {
					p.log.Info("Reconnected to chain")
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(p.backoff.GetDelay(failures - 1)):
			}
			continue
		}
		failures = 0

		select {
		case out <- batch:
		case <-ctx.Done():
			return
		}
	}
}

// Ingest normalizes a raw log. It does not mutate any state.
func (p *Pipeline) Ingest(ctx context.Context, raw domain.RawLog) (*domain.RentalEvent, domain.DiscardReason) {
	if raw.ChainID != p.cfg.ChainID || raw.Log.Address != p.cfg.Contract {
		return nil, domain.DiscardWrongContract
	}
	if raw.Log.Removed {
		return nil, domain.DiscardRemoved
	}
	if _, ok := p.seen[raw.ID()]; ok {
		return nil, domain.DiscardDuplicate
	}
	ev, err := p.cfg.Decoder.Decode(raw)
	if err != nil {
		p.log.Debug("Undecodable log",
			"tx", raw.Log.TxHash.Hex(),
			"index", raw.Log.Index,
			"error", err,
		)
		return nil, domain.DiscardUnknownEventShape
	}
	return ev, ""
}

// Inject hands logs (typically from a reclaim receipt) to the Run loop
// and waits until they are applied.
func (p *Pipeline) Inject(ctx context.Context, logs []domain.RawLog) error {
	if len(logs) == 0 {
		return nil
	}
	loop, err := p.loop()
	if err != nil {
		return err
	}
	req := injectRequest{logs: logs, done: make(chan error, 1)}
	select {
	case p.inject <- req:
	case <-loop:
		return p.errStopped()
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.await(ctx, loop, req.done)
}

// Reconcile hands live snapshots to the Run loop and waits until they are
// merged.
func (p *Pipeline) Reconcile(ctx context.Context, snapshots []*domain.Rental) error {
	if len(snapshots) == 0 {
		return nil
	}
	loop, err := p.loop()
	if err != nil {
		return err
	}
	req := reconcileRequest{snapshots: snapshots, done: make(chan error, 1)}
	select {
	case p.reconcile <- req:
	case <-loop:
		return p.errStopped()
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.await(ctx, loop, req.done)
}

func (p *Pipeline) loop() (<-chan struct{}, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped == nil {
		return nil, p.errStopped()
	}
	return p.stopped, nil
}

func (p *Pipeline) await(ctx context.Context, loop <-chan struct{}, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-loop:
		return p.errStopped()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) errStopped() error {
	return fmt.Errorf("chain %s: pipeline not running", p.label)
}

func (p *Pipeline) applyBatch(ctx context.Context, batch *chain.LogBatch) error {
	expected := p.current() + 1
	if batch.From != expected {
		// Fetched before a Reset.
		p.log.Debug("Dropping stale batch", "from", batch.From, "expected", expected)
		p.cfg.Source.Reset(expected)
		return nil
	}

	cur, err := p.cfg.Cursor.Get(ctx, p.cfg.ChainID)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}
	switch cur.State {
	case cursor.StatePaused:
		return cursor.ErrCursorPaused
	case cursor.StateHalted:
		return cursor.ErrCursorHalted
	}

	if err := p.applyLogs(ctx, batch.Logs); err != nil {
		return err
	}

	hash := ""
	if batch.To == batch.Head.Number {
		hash = batch.Head.Hash.Hex()
	}
	if err := p.cfg.Cursor.Advance(ctx, p.cfg.ChainID, batch.To, hash); err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	p.setCurrent(batch.To)
	p.prune(batch.To)

	lag := int64(batch.Head.Number) - int64(batch.To)
	state := cursor.StateScanning
	if lag > int64(p.cfg.CatchupThreshold) {
		state = cursor.StateCatchup
	}
	if cur.State != state {
		if err := p.cfg.Cursor.SetState(ctx, p.cfg.ChainID, state, "lag update"); err != nil {
			p.log.Warn("Failed to update cursor state", "state", state, "error", err)
		}
	}

	metrics.ChainLatestBlock.WithLabelValues(p.label).Set(float64(batch.Head.Number))
	metrics.IndexerLatestBlock.WithLabelValues(p.label).Set(float64(batch.To))
	metrics.ChainLag.WithLabelValues(p.label).Set(float64(lag))

	p.mu.Lock()
	p.status.LatestBlock = batch.Head.Number
	p.status.HeadTime = batch.Head.Time
	p.status.Lag = lag
	p.status.LastBatchAt = time.Now()
	p.status.LastError = ""
	p.mu.Unlock()

	if len(batch.Logs) > 0 {
		p.log.Debug("Applied batch", "from", batch.From, "to", batch.To, "logs", len(batch.Logs))
	}

	if p.cfg.OnBatch != nil {
		p.cfg.OnBatch(batch.Head)
	}
	return nil
}

// applyLogs applies logs in order and persists every rental they touch.
// Event ids are committed to the dedup set only after persistence, so a
// failed batch is replayed in full.
func (p *Pipeline) applyLogs(ctx context.Context, logs []domain.RawLog) error {
	pending := make(map[domain.EventID]uint64)
	touched := make(map[domain.RentalKey]struct{})
	var order []domain.RentalKey

	for _, raw := range logs {
		id := raw.ID()
		if _, dup := pending[id]; dup {
			p.discard(domain.DiscardDuplicate)
			continue
		}
		ev, reason := p.Ingest(ctx, raw)
		if ev == nil {
			p.discard(reason)
			continue
		}
		pending[id] = raw.Log.BlockNumber

		key := ev.Key()
		snap := p.backfillUnknown(ctx, ev)

		res := p.cfg.Cache.Apply(ev)
		if res.Anomaly != nil {
			p.anomaly(res.Anomaly, ev.ID)
		} else {
			metrics.EventsIngested.WithLabelValues(p.label, string(ev.Kind)).Inc()
			p.bump(func(s *Status) { s.Ingested++ })
		}
		if res.Transitioned() {
			p.log.Info("Rental transitioned",
				"rental_id", ev.RentalID,
				"from", res.From,
				"to", res.To,
				"block", ev.BlockNumber,
			)
		}

		if snap != nil {
			if merged := p.cfg.Cache.Backfill(snap); merged.Anomaly != nil {
				p.anomaly(merged.Anomaly, ev.ID)
			}
		}

		if _, ok := touched[key]; !ok {
			touched[key] = struct{}{}
			order = append(order, key)
		}
	}

	if err := p.persist(ctx, order); err != nil {
		return err
	}

	for id, block := range pending {
		p.seen[id] = block
	}
	return nil
}

// backfillUnknown synthesizes a placeholder for a rental first seen via a
// non-creation event and fills its immutable fields from the contract. The
// returned snapshot is merged after the event so its status cannot
// pre-empt the event being applied.
func (p *Pipeline) backfillUnknown(ctx context.Context, ev *domain.RentalEvent) *domain.Rental {
	if ev.Kind == domain.EventRentalCreated {
		return nil
	}
	if !p.cfg.Cache.EnsurePlaceholder(ev.Key()) {
		return nil
	}
	if p.cfg.Reader == nil {
		return nil
	}

	snap, err := p.cfg.Reader.GetRental(ctx, ev.RentalID)
	if err != nil {
		// Left as placeholder; the reconciler retries.
		p.log.Warn("Backfill failed", "rental_id", ev.RentalID, "error", err)
		return nil
	}

	ident := snap.Clone()
	ident.Status = domain.RentalStatusAvailable
	ident.Renter = common.Address{}
	ident.StartTime = 0
	ident.AutoReclaimed = false
	p.cfg.Cache.Backfill(ident)
	return snap
}

func (p *Pipeline) applySnapshots(ctx context.Context, snapshots []*domain.Rental) error {
	var order []domain.RentalKey
	for _, snap := range snapshots {
		if snap == nil || snap.ChainID != p.cfg.ChainID {
			continue
		}
		res := p.cfg.Cache.Backfill(snap)
		if res.Anomaly != nil {
			p.anomaly(res.Anomaly, domain.EventID{ChainID: p.cfg.ChainID})
		}
		if res.Changed {
			if res.Transitioned() {
				p.log.Info("Rental reconciled",
					"rental_id", snap.RentalID,
					"from", res.From,
					"to", res.To,
				)
			}
			order = append(order, snap.Key())
		}
	}
	return p.persist(ctx, order)
}

func (p *Pipeline) persist(ctx context.Context, keys []domain.RentalKey) error {
	if p.cfg.Rentals == nil || len(keys) == 0 {
		return nil
	}
	rentals := make([]*domain.Rental, 0, len(keys))
	for _, key := range keys {
		if r, ok := p.cfg.Cache.Get(key); ok {
			rentals = append(rentals, r)
		}
	}
	if err := p.cfg.Rentals.SaveBatch(ctx, rentals); err != nil {
		return fmt.Errorf("failed to persist rentals: %w", err)
	}
	return nil
}

func (p *Pipeline) prune(cursorBlock uint64) {
	if cursorBlock <= p.cfg.DedupWindow {
		return
	}
	floor := cursorBlock - p.cfg.DedupWindow
	for id, block := range p.seen {
		if block < floor {
			delete(p.seen, id)
		}
	}
}

func (p *Pipeline) discard(reason domain.DiscardReason) {
	metrics.EventsDiscarded.WithLabelValues(p.label, string(reason)).Inc()
	p.bump(func(s *Status) { s.Discarded++ })
}

func (p *Pipeline) anomaly(a *domain.AnomalyError, id domain.EventID) {
	metrics.StateAnomalies.WithLabelValues(p.label, string(a.Kind)).Inc()
	p.bump(func(s *Status) { s.Anomalies++ })
	p.log.Warn("State anomaly",
		"rental_id", a.Key.RentalID,
		"kind", a.Kind,
		"event", id.String(),
		"detail", a.Detail,
	)
}

func (p *Pipeline) bump(fn func(s *Status)) {
	p.mu.Lock()
	fn(&p.status)
	p.mu.Unlock()
}

func (p *Pipeline) current() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status.CurrentBlock
}

func (p *Pipeline) setCurrent(block uint64) {
	p.mu.Lock()
	p.status.CurrentBlock = block
	p.mu.Unlock()
}

func (p *Pipeline) setError(err error) {
	p.mu.Lock()
	p.status.LastError = err.Error()
	p.mu.Unlock()
}

// GetStatus returns the current status
func (p *Pipeline) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.status
	s.Running = p.running.Load()
	return s
}
