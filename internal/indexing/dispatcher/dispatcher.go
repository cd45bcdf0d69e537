// Package dispatcher submits reclaim transactions for expired rentals.
//
// Each dispatch holds a per-rental pending marker for its whole lifetime,
// so concurrent triggers (scheduler tick, operator, another replica with a
// shared Redis lock) never submit twice for the same rental. Before
// submitting, the rental is re-read from the contract; after a revert it is
// read again to tell a lost race from a real failure.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	logger "log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/indexing/metrics"
	"github.com/vietddude/reclaimer/internal/indexing/recovery"
	"github.com/vietddude/reclaimer/internal/infra/rpc"
)

// Chain is the part of a chain adapter the dispatcher uses.
type Chain interface {
	LatestHead(ctx context.Context) (*domain.Head, error)
	GetRental(ctx context.Context, rentalID uint64) (*domain.Rental, error)
	SubmitReclaim(ctx context.Context, rentalID uint64, mode domain.ReclaimMode) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*domain.Receipt, error)
	TransactionStatus(ctx context.Context, txHash common.Hash) (domain.TxStatus, error)
}

// Injector feeds receipt logs back into the chain's ingestion pipeline.
type Injector interface {
	Inject(ctx context.Context, logs []domain.RawLog) error
}

// Locker is a cross-process reclaim lock. *redis.Client implements it.
type Locker interface {
	AcquireLock(ctx context.Context, key domain.RentalKey, owner string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, key domain.RentalKey, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key domain.RentalKey, owner string) error
}

// Requeuer puts a rental back on the expiry schedule.
type Requeuer interface {
	Reschedule(key domain.RentalKey, expiry, notBefore uint64)
}

// RentalLookup reads the cached rental state.
type RentalLookup interface {
	Get(key domain.RentalKey) (*domain.Rental, bool)
}

// ChainTarget is a registered origin chain.
type ChainTarget struct {
	Chain    Chain
	Injector Injector
	// BlockTime converts the receipt timeout from blocks to a duration.
	BlockTime time.Duration
}

// registration is a registered chain plus the dispatches running on it.
type registration struct {
	target ChainTarget
	ctx    context.Context
	cancel context.CancelFunc
	active sync.WaitGroup
}

// Config tunes reclaim submission.
type Config struct {
	// MaxAttempts bounds submissions (including resubmits) per dispatch.
	MaxAttempts          int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	ReceiptTimeoutBlocks int
	// MaxReceiptPolls bounds how often a pending transaction is waited on
	// after the receipt timeout.
	MaxReceiptPolls int
	Workers         int
	LockTTL         time.Duration
	// LockRefresh is how often a held lock is extended; it defaults to a
	// third of LockTTL.
	LockRefresh time.Duration
}

// Dispatcher runs reclaim attempts.
type Dispatcher struct {
	cfg      Config
	tracker  *recovery.Tracker
	requeue  Requeuer
	rentals  RentalLookup
	locker   Locker
	backoff  recovery.RetryStrategy
	readCfg  rpc.RetryConfig
	pending  *pendingSet
	log      *logger.Logger
	now      func() time.Time
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	chains   map[domain.ChainID]*registration
	shutdown chan struct{}
	once     sync.Once
}

// New creates a dispatcher. locker may be nil.
func New(cfg Config, tracker *recovery.Tracker, requeue Requeuer, rentals RentalLookup, locker Locker) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.ReceiptTimeoutBlocks <= 0 {
		cfg.ReceiptTimeoutBlocks = 3
	}
	if cfg.MaxReceiptPolls <= 0 {
		cfg.MaxReceiptPolls = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.LockRefresh <= 0 || cfg.LockRefresh >= cfg.LockTTL {
		cfg.LockRefresh = cfg.LockTTL / 3
	}
	return &Dispatcher{
		cfg:     cfg,
		tracker: tracker,
		requeue: requeue,
		rentals: rentals,
		locker:  locker,
		backoff: recovery.NewBackoff(cfg.InitialBackoff, cfg.MaxBackoff, cfg.MaxAttempts, nil),
		readCfg: rpc.RetryConfig{
			MaxAttempts:     cfg.MaxAttempts,
			InitialDelay:    cfg.InitialBackoff,
			MaxDelay:        cfg.MaxBackoff,
			BackoffMultiple: 2.0,
		},
		pending:  newPendingSet(),
		log:      logger.Default().With("component", "dispatcher"),
		now:      time.Now,
		sem:      make(chan struct{}, cfg.Workers),
		chains:   make(map[domain.ChainID]*registration),
		shutdown: make(chan struct{}),
	}
}

// Register adds a chain. Reclaims on unregistered chains fail.
func (d *Dispatcher) Register(chainID domain.ChainID, target ChainTarget) {
	if target.BlockTime <= 0 {
		target.BlockTime = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	reg := &registration{target: target, ctx: ctx, cancel: cancel}

	d.mu.Lock()
	prev := d.chains[chainID]
	d.chains[chainID] = reg
	d.mu.Unlock()
	if prev != nil {
		prev.drain()
	}
}

// Unregister removes a chain, e.g. after it was halted. It cancels the
// chain's running dispatches and returns once they have finished, so the
// caller may close the chain's adapter afterwards.
func (d *Dispatcher) Unregister(chainID domain.ChainID) {
	d.mu.Lock()
	reg := d.chains[chainID]
	delete(d.chains, chainID)
	d.mu.Unlock()
	if reg != nil {
		reg.drain()
	}
}

func (r *registration) drain() {
	r.cancel()
	r.active.Wait()
}

// enter looks up a chain and counts the caller as running on it. The
// caller must call active.Done.
func (d *Dispatcher) enter(chainID domain.ChainID) (*registration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.chains[chainID]
	if ok {
		reg.active.Add(1)
	}
	return reg, ok
}

// Pending lists in-flight reclaims of a chain.
func (d *Dispatcher) Pending(chainID domain.ChainID) []domain.PendingCallback {
	return d.pending.list(chainID)
}

// InFlight reports whether a reclaim of key is running.
func (d *Dispatcher) InFlight(key domain.RentalKey) bool {
	return d.pending.contains(key)
}

// Submit dispatches an automatic reclaim on the worker pool. It returns
// false if the dispatcher is shutting down.
func (d *Dispatcher) Submit(ctx context.Context, key domain.RentalKey) bool {
	d.mu.RLock()
	select {
	case <-d.shutdown:
		d.mu.RUnlock()
		return false
	default:
	}
	d.wg.Add(1)
	d.mu.RUnlock()

	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-d.sem }()
		d.DispatchReclaim(ctx, key, domain.ReclaimModeAuto)
	}()
	return true
}

// Wait blocks until every submitted reclaim has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting work and waits for submitted dispatches. Callers
// cancel the dispatch context first so in-flight waits end as abandoned.
// Manual dispatches still running afterwards are cancelled and awaited
// before Close returns.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		close(d.shutdown)
		d.mu.Unlock()
	})
	d.Wait()

	d.mu.Lock()
	regs := make([]*registration, 0, len(d.chains))
	for id, reg := range d.chains {
		regs = append(regs, reg)
		delete(d.chains, id)
	}
	d.mu.Unlock()
	for _, reg := range regs {
		reg.drain()
	}
}

// DispatchReclaim runs one reclaim attempt for key and reports its outcome.
func (d *Dispatcher) DispatchReclaim(ctx context.Context, key domain.RentalKey, mode domain.ReclaimMode) domain.ReclaimResult {
	label := key.ChainID.Label()
	reg, ok := d.enter(key.ChainID)
	if !ok {
		return domain.ReclaimResult{
			Key:     key,
			Outcome: domain.OutcomeFailed,
			Err:     fmt.Errorf("chain %d: %w", key.ChainID, domain.ErrChainNotConfigured),
		}
	}
	defer reg.active.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(reg.ctx, cancel)
	defer stop()

	if mode == domain.ReclaimModeManual {
		d.tracker.Forget(key)
	} else if d.tracker.GaveUp(key) {
		return domain.ReclaimResult{Key: key, Outcome: domain.OutcomeGaveUp}
	}

	cb, ok := d.pending.acquire(key, mode)
	if !ok {
		return domain.ReclaimResult{Key: key, Outcome: domain.OutcomeInFlight}
	}
	defer d.pending.release(key)

	if d.locker != nil {
		held, err := d.locker.AcquireLock(ctx, key, cb.AttemptID, d.cfg.LockTTL)
		switch {
		case err != nil:
			// Redis is optional; the in-process marker still applies.
			d.log.Warn("Reclaim lock unavailable", "chain", label, "rental_id", key.RentalID, "error", err)
		case !held:
			return domain.ReclaimResult{Key: key, Outcome: domain.OutcomeInFlight, AttemptID: cb.AttemptID}
		default:
			stopRefresh := d.keepLock(ctx, key, cb.AttemptID)
			defer func() {
				stopRefresh()
				// The dispatch context may already be cancelled.
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := d.locker.ReleaseLock(releaseCtx, key, cb.AttemptID); err != nil {
					d.log.Warn("Failed to release reclaim lock", "chain", label, "rental_id", key.RentalID, "error", err)
				}
			}()
		}
	}

	metrics.PendingCallbacks.WithLabelValues(label).Inc()
	defer metrics.PendingCallbacks.WithLabelValues(label).Dec()

	a := &attempt{Dispatcher: d, target: reg.target, cb: cb, label: label}
	res := a.run(ctx)
	res.Key = key
	res.AttemptID = cb.AttemptID
	res.TxHash = a.txHash
	res.Retries = a.resubmits

	d.finish(ctx, a, &res)
	return res
}

// keepLock extends the shared lock every LockRefresh until the returned
// stop function is called, so a long receipt wait does not outlive it.
func (d *Dispatcher) keepLock(ctx context.Context, key domain.RentalKey, owner string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(d.cfg.LockRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := d.locker.RefreshLock(ctx, key, owner, d.cfg.LockTTL)
			switch {
			case err != nil:
				d.log.Warn("Failed to refresh reclaim lock", "chain", key.ChainID.Label(), "rental_id", key.RentalID, "error", err)
			case !held:
				d.log.Warn("Reclaim lock lost", "chain", key.ChainID.Label(), "rental_id", key.RentalID, "attempt_id", owner)
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// finish records metrics, failure bookkeeping and re-queueing.
func (d *Dispatcher) finish(ctx context.Context, a *attempt, res *domain.ReclaimResult) {
	key := res.Key
	metrics.ReclaimOutcomes.WithLabelValues(a.label, string(res.Outcome)).Inc()

	fields := []any{
		"chain", a.label,
		"rental_id", key.RentalID,
		"mode", a.cb.Mode,
		"outcome", res.Outcome,
		"attempt_id", res.AttemptID,
	}
	if res.TxHash != nil {
		fields = append(fields, "tx", res.TxHash.Hex())
	}
	if res.Err != nil {
		fields = append(fields, "error", res.Err)
	}

	if res.Outcome.Success() {
		d.log.Info("Rental reclaimed", fields...)
		if err := d.tracker.Resolve(ctx, key); err != nil {
			d.log.Warn("Failed to resolve failure record", "chain", a.label, "rental_id", key.RentalID, "error", err)
		}
		return
	}

	if !res.Outcome.Terminal() {
		d.log.Info("Reclaim skipped", fields...)
		return
	}
	d.log.Warn("Reclaim failed", fields...)

	decision, err := d.tracker.RecordFailure(ctx, key, res.Outcome, res.Err)
	if err != nil {
		d.log.Error("Failed to record reclaim failure", "chain", a.label, "rental_id", key.RentalID, "error", err)
		decision = recovery.Decision{Delay: d.backoff.GetDelay(0)}
	}
	if decision.GaveUp {
		return
	}

	cached, ok := d.rentals.Get(key)
	if !ok || cached.Status != domain.RentalStatusActive {
		return
	}
	expiry, _ := cached.ExpiryTime()
	now := a.headTime
	if now == 0 {
		now = uint64(d.now().Unix())
	}
	notBefore := now + uint64((decision.Delay+time.Second-1)/time.Second)
	d.requeue.Reschedule(key, expiry, notBefore)
}

// attempt carries the state of one Dispatch.
type attempt struct {
	*Dispatcher
	target    ChainTarget
	cb        *domain.PendingCallback
	label     string
	headTime  uint64
	txHash    *common.Hash
	resubmits int
}

type waitResult int

const (
	waitReceipt waitResult = iota
	waitResubmit
	waitAbandoned
	waitStuck
)

func (a *attempt) result(outcome domain.ReclaimOutcome, err error) domain.ReclaimResult {
	return domain.ReclaimResult{Outcome: outcome, Err: err}
}

func (a *attempt) run(ctx context.Context) domain.ReclaimResult {
	key := a.cb.Key

	snap, err := a.readRental(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return a.result(domain.OutcomeAbandoned, ctx.Err())
		}
		return a.result(domain.OutcomeFailed, fmt.Errorf("read rental: %w", err))
	}
	switch snap.Status {
	case domain.RentalStatusReclaimed:
		return a.result(domain.OutcomeAlreadyReclaimed, nil)
	case domain.RentalStatusAvailable:
		return a.result(domain.OutcomeNotActive, nil)
	}

	head, err := rpc.CallWithRetry(ctx, a.readCfg, a.target.Chain.LatestHead)
	if err != nil {
		if ctx.Err() != nil {
			return a.result(domain.OutcomeAbandoned, ctx.Err())
		}
		return a.result(domain.OutcomeFailed, fmt.Errorf("latest head: %w", err))
	}
	a.headTime = head.Time

	expiry, _ := snap.ExpiryTime()
	if head.Time < expiry {
		return a.result(domain.OutcomeNotExpired,
			fmt.Errorf("%w: expires at %d, chain time %d", domain.ErrRentalNotExpired, expiry, head.Time))
	}

	submitFailures := 0
	for {
		hash, err := a.target.Chain.SubmitReclaim(ctx, key.RentalID, a.cb.Mode)
		if err != nil && a.broadcastDespite(ctx, hash, err) {
			a.log.Warn("Reclaim submission reply lost, following the broadcast transaction",
				"chain", a.label,
				"rental_id", key.RentalID,
				"tx", hash.Hex(),
				"error", err,
			)
			err = nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return a.result(domain.OutcomeAbandoned, ctx.Err())
			}
			switch {
			case errors.Is(err, domain.ErrInsufficientReclaimerFunds):
				return a.result(domain.OutcomeInsufficientFunds, err)
			case errors.Is(err, domain.ErrRentalNotExpired):
				return a.result(domain.OutcomeNotExpired, err)
			case errors.Is(err, domain.ErrTransactionReverted):
				return a.afterRevert(ctx, err)
			}
			if !a.backoff.ShouldRetry(err, submitFailures+1) {
				return a.result(domain.OutcomeFailed, err)
			}
			delay := a.backoff.GetDelay(submitFailures)
			submitFailures++
			a.log.Warn("Reclaim submission failed, retrying",
				"chain", a.label,
				"rental_id", key.RentalID,
				"retry_in", delay,
				"error", err,
			)
			if !sleep(ctx, delay) {
				return a.result(domain.OutcomeAbandoned, ctx.Err())
			}
			continue
		}

		metrics.ReclaimAttempts.WithLabelValues(a.label, string(a.cb.Mode)).Inc()
		a.txHash = &hash
		a.pending.submitted(key, hash, a.resubmits > 0)
		a.log.Info("Reclaim submitted",
			"chain", a.label,
			"rental_id", key.RentalID,
			"tx", hash.Hex(),
			"resubmits", a.resubmits,
		)

		receipt, wr, err := a.await(ctx, hash)
		switch wr {
		case waitAbandoned:
			return a.result(domain.OutcomeAbandoned, ctx.Err())
		case waitStuck:
			return a.result(domain.OutcomeFailed, err)
		case waitResubmit:
			if a.resubmits+1 >= a.cfg.MaxAttempts {
				return a.result(domain.OutcomeFailed, fmt.Errorf("transaction %s dropped %d times", hash.Hex(), a.resubmits+1))
			}
			a.resubmits++
			a.log.Warn("Reclaim transaction dropped, resubmitting",
				"chain", a.label,
				"rental_id", key.RentalID,
				"tx", hash.Hex(),
			)
			continue
		}

		if !receipt.Success {
			return a.afterRevert(ctx, fmt.Errorf("%w: %s", domain.ErrTransactionReverted, hash.Hex()))
		}
		if a.target.Injector != nil {
			if err := a.target.Injector.Inject(ctx, receipt.Logs); err != nil {
				a.log.Warn("Failed to inject receipt logs", "chain", a.label, "rental_id", key.RentalID, "error", err)
			}
		}
		return a.result(domain.OutcomeReclaimed, nil)
	}
}

// await waits for the receipt. On each timeout the transaction status
// decides whether to keep waiting, fetch the receipt or resubmit.
func (a *attempt) await(ctx context.Context, hash common.Hash) (*domain.Receipt, waitResult, error) {
	timeout := time.Duration(a.cfg.ReceiptTimeoutBlocks) * a.target.BlockTime
	polls := 0
	for {
		receipt, err := a.target.Chain.WaitForReceipt(ctx, hash, timeout)
		if err == nil {
			return receipt, waitReceipt, nil
		}
		if ctx.Err() != nil {
			return nil, waitAbandoned, ctx.Err()
		}
		if errors.Is(err, domain.ErrAdapterClosed) {
			return nil, waitStuck, err
		}

		status, serr := a.target.Chain.TransactionStatus(ctx, hash)
		if serr != nil {
			if ctx.Err() != nil {
				return nil, waitAbandoned, ctx.Err()
			}
			status = domain.TxPending
		}
		if status == domain.TxNotFound {
			return nil, waitResubmit, err
		}

		// A mined transaction whose receipt keeps failing to load counts
		// toward the bound as well.
		polls++
		if polls >= a.cfg.MaxReceiptPolls {
			return nil, waitStuck, fmt.Errorf("%w: %s still %s after %d polls", domain.ErrReceiptTimeout, hash.Hex(), status, polls)
		}
		a.log.Debug("Reclaim transaction not settled", "chain", a.label, "tx", hash.Hex(), "status", status, "polls", polls)
	}
}

// broadcastDespite reports whether a failed submission may still have
// reached the network, e.g. when only the node's reply was lost.
func (a *attempt) broadcastDespite(ctx context.Context, hash common.Hash, err error) bool {
	if hash == (common.Hash{}) || ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, domain.ErrInsufficientReclaimerFunds),
		errors.Is(err, domain.ErrRentalNotExpired),
		errors.Is(err, domain.ErrTransactionReverted),
		errors.Is(err, domain.ErrAdapterClosed),
		rpc.IsNonceConflict(err):
		return false
	}
	status, serr := a.target.Chain.TransactionStatus(ctx, hash)
	if serr != nil {
		// Status unknown: wait on the hash rather than sign again.
		return !errors.Is(serr, domain.ErrAdapterClosed)
	}
	return status != domain.TxNotFound
}

// afterRevert re-reads the rental; a reclaimed rental means another
// party won the race, which counts as success.
func (a *attempt) afterRevert(ctx context.Context, cause error) domain.ReclaimResult {
	snap, err := a.readRental(ctx)
	if err == nil && snap.Status == domain.RentalStatusReclaimed {
		a.log.Info("Reclaim lost race", "chain", a.label, "rental_id", a.cb.Key.RentalID)
		return a.result(domain.OutcomeAlreadyReclaimed, fmt.Errorf("%w: %v", domain.ErrReclaimRace, cause))
	}
	if ctx.Err() != nil {
		return a.result(domain.OutcomeAbandoned, ctx.Err())
	}
	return a.result(domain.OutcomeReverted, cause)
}

func (a *attempt) readRental(ctx context.Context) (*domain.Rental, error) {
	return rpc.CallWithRetry(ctx, a.readCfg, func(ctx context.Context) (*domain.Rental, error) {
		return a.target.Chain.GetRental(ctx, a.cb.Key.RentalID)
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
