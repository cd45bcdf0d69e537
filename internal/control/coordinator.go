// Package control wires every configured origin chain into one process:
// adapter, log subscription, ingestion pipeline, expiry scheduling and
// reclaim dispatch. It owns startup, per-chain failure containment and
// shutdown, and serves the operator API.
package control

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	logger "log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/reclaimer/internal/core/config"
	"github.com/vietddude/reclaimer/internal/core/cursor"
	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/core/worker"
	"github.com/vietddude/reclaimer/internal/indexing/cache"
	"github.com/vietddude/reclaimer/internal/indexing/dispatcher"
	"github.com/vietddude/reclaimer/internal/indexing/health"
	"github.com/vietddude/reclaimer/internal/indexing/indexer"
	"github.com/vietddude/reclaimer/internal/indexing/metrics"
	"github.com/vietddude/reclaimer/internal/indexing/recovery"
	"github.com/vietddude/reclaimer/internal/indexing/scheduler"
	"github.com/vietddude/reclaimer/internal/infra/chain"
	"github.com/vietddude/reclaimer/internal/infra/chain/evm"
	redisclient "github.com/vietddude/reclaimer/internal/infra/redis"
	"github.com/vietddude/reclaimer/internal/infra/storage"
	"github.com/vietddude/reclaimer/internal/infra/storage/memory"
	"github.com/vietddude/reclaimer/internal/infra/storage/postgres"
)

const connectTimeout = 30 * time.Second

// Connector opens the adapter of one configured chain.
type Connector func(ctx context.Context, cfg config.ChainConfig) (chain.Adapter, error)

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithConnector replaces the go-ethereum connector, e.g. with a fake chain.
func WithConnector(fn Connector) Option {
	return func(c *Coordinator) { c.connect = fn }
}

// chainRuntime is everything the coordinator tracks for one chain.
type chainRuntime struct {
	cfg      config.ChainConfig
	contract common.Address

	mu       sync.RWMutex
	adapter  chain.Adapter
	pipeline *indexer.Pipeline
	reactive common.Address
	halted   bool
	lastErr  string
}

func (rt *chainRuntime) components() (chain.Adapter, *indexer.Pipeline) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.adapter, rt.pipeline
}

func (rt *chainRuntime) isHalted() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.halted
}

func (rt *chainRuntime) setError(err error) {
	rt.mu.Lock()
	rt.lastErr = err.Error()
	rt.mu.Unlock()
}

// Coordinator runs the reclaim loop for all configured chains.
type Coordinator struct {
	cfg     *config.AppConfig
	connect Connector
	key     *ecdsa.PrivateKey

	cache      *cache.Cache
	schedule   *scheduler.Scheduler
	cursors    cursor.Manager
	rentals    storage.RentalRepository
	failed     storage.FailedReclaimRepository
	tracker    *recovery.Tracker
	dispatcher *dispatcher.Dispatcher
	reconciler *Reconciler
	pruner     *worker.Pruner

	monitor    *health.Monitor
	httpServer *health.Server
	grpcServer *health.GRPCServer

	db    *postgres.DB
	redis *redisclient.Client

	chains map[domain.ChainID]*chainRuntime
	order  []domain.ChainID
	log    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator builds storage, shared components and one runtime per
// configured chain. Chains are connected in Start.
func NewCoordinator(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		cfg:      cfg,
		cache:    cache.New(),
		schedule: scheduler.New(),
		chains:   make(map[domain.ChainID]*chainRuntime),
		log:      logger.Default().With("component", "coordinator"),
	}
	c.connect = c.connectEVM
	for _, opt := range opts {
		opt(c)
	}
	c.cache.SetObserver(c.schedule)

	if cfg.Signer.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Signer.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signer key: %w", err)
		}
		c.key = key
	} else {
		c.log.Warn("No signer key configured, reclaims will fail")
	}

	// 1. Storage
	var cursorRepo storage.CursorRepository
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		c.db = db
		cursorRepo = postgres.NewCursorRepo(db)
		c.rentals = postgres.NewRentalRepo(db)
		c.failed = postgres.NewFailedReclaimRepo(db)
		c.log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		cursorRepo = memory.NewCursorRepo(store)
		c.rentals = memory.NewRentalRepo(store)
		c.failed = memory.NewFailedReclaimRepo(store)
		c.log.Info("Using Memory storage")
	}
	c.cursors = cursor.NewManager(cursorRepo)
	c.cursors.SetStateChangeCallback(c.onCursorTransition)

	// 2. Redis is optional; without it the coordinator runs single-replica
	var locker dispatcher.Locker
	if cfg.Redis.Enabled() {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			c.log.Warn("Failed to connect to Redis, shared reclaim lock disabled", "error", err)
		} else {
			c.redis = rc
			locker = rc
		}
	}

	// 3. Dispatch
	d := cfg.Dispatcher
	c.tracker = recovery.NewTracker(
		c.failed,
		recovery.NewBackoff(d.InitialBackoff, d.MaxBackoff, 0, nil),
		d.MaxTotalFailures,
	)
	c.dispatcher = dispatcher.New(dispatcher.Config{
		MaxAttempts:          d.MaxAttempts,
		InitialBackoff:       d.InitialBackoff,
		MaxBackoff:           d.MaxBackoff,
		ReceiptTimeoutBlocks: d.ReceiptTimeoutBlocks,
		MaxReceiptPolls:      d.MaxReceiptPolls,
		Workers:              d.Workers,
		LockTTL:              d.LockTTL,
		LockRefresh:          d.LockRefresh,
	}, c.tracker, c.schedule, c.cache, locker)
	c.pruner = worker.NewPruner(d.FailureRetention, c.failed)

	// 4. Chains
	for _, cc := range cfg.Chains {
		c.chains[cc.ChainID] = &chainRuntime{
			cfg:      cc,
			contract: common.HexToAddress(cc.ContractAddress),
		}
		c.order = append(c.order, cc.ChainID)
	}

	// 5. Reconciliation and operator surfaces
	if spec := cfg.Reconcile.Schedule; spec != "" && spec != "off" {
		r, err := NewReconciler(c, spec)
		if err != nil {
			return nil, err
		}
		c.reconciler = r
	}

	c.monitor = health.NewMonitor(c, health.DefaultThresholds)
	if cfg.Server.Port > 0 {
		c.httpServer = health.NewServer(c.monitor, c, cfg.Server.Port)
	}
	if cfg.Server.GRPCPort > 0 {
		c.grpcServer = health.NewGRPCServer(c.monitor, cfg.Server.GRPCPort)
	}

	return c, nil
}

func (c *Coordinator) connectEVM(ctx context.Context, cc config.ChainConfig) (chain.Adapter, error) {
	providers := make([]evm.Provider, 0, len(cc.Providers))
	for _, p := range cc.Providers {
		providers = append(providers, evm.Provider{Name: p.Name, URL: p.URL})
	}
	a, err := evm.Connect(ctx, evm.Config{
		ChainID:             cc.ChainID,
		Name:                cc.Label(),
		Contract:            common.HexToAddress(cc.ContractAddress),
		Providers:           providers,
		ReclaimMethod:       cc.ReclaimMethod,
		PrivateKey:          c.key,
		ReceiptPollInterval: c.cfg.Dispatcher.ReceiptPollInterval,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Start restores persisted state, connects every chain and launches the
// per-chain loops. A chain that cannot connect keeps retrying on its own.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.restore(ctx); err != nil {
		return err
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.connectAll(c.ctx)

	for _, id := range c.order {
		rt := c.chains[id]
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runChain(c.ctx, rt)
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pruner.Start(c.ctx)
	}()

	if c.reconciler != nil {
		c.reconciler.Start()
	}
	if c.db != nil {
		c.db.StartMetricsCollector(c.ctx)
	}
	if c.httpServer != nil {
		go func() {
			if err := c.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.Error("Health server failed", "error", err)
			}
		}()
	}
	if c.grpcServer != nil {
		go func() {
			if err := c.grpcServer.Start(c.ctx); err != nil {
				c.log.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	c.log.Info("Coordinator started", "chains", len(c.order))
	return nil
}

// restore warms the cache from storage and creates missing cursors.
func (c *Coordinator) restore(ctx context.Context) error {
	for _, id := range c.order {
		rt := c.chains[id]

		rentals, err := c.rentals.ListByChain(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load rentals of %s: %w", rt.cfg.Label(), err)
		}
		c.cache.Load(rentals)

		if _, err := c.cursors.Get(ctx, id); err != nil {
			if !errors.Is(err, cursor.ErrCursorNotFound) {
				return fmt.Errorf("failed to get cursor of %s: %w", rt.cfg.Label(), err)
			}
			// The cursor points at the last processed block.
			start := rt.cfg.StartBlock
			if start > 0 {
				start--
			}
			if _, err := c.cursors.Initialize(ctx, id, start); err != nil {
				return err
			}
		}

		if len(rentals) > 0 {
			c.log.Info("Restored rentals", "chain", rt.cfg.Label(), "count", len(rentals))
		}
	}
	return nil
}

// connectAll connects every chain in parallel. Failures are recorded on
// the chain and retried by its loop.
func (c *Coordinator) connectAll(ctx context.Context) {
	var g errgroup.Group
	for _, id := range c.order {
		rt := c.chains[id]
		g.Go(func() error {
			if err := c.connectChain(ctx, rt); err != nil {
				c.handleChainError(ctx, rt, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) connectChain(ctx context.Context, rt *chainRuntime) error {
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	adapter, err := c.connect(cctx, rt.cfg)
	if err != nil {
		return fmt.Errorf("failed to connect %s: %w", rt.cfg.Label(), err)
	}
	c.attach(ctx, rt, adapter)
	return nil
}

// attach builds the chain's subscription and pipeline on a connected
// adapter and registers it with the dispatcher.
func (c *Coordinator) attach(ctx context.Context, rt *chainRuntime, adapter chain.Adapter) {
	cc := rt.cfg
	log := c.log.With("chain", cc.Label())

	var wake chan struct{}
	if cc.Mode == config.ModeSubscribe {
		heads, err := adapter.SubscribeHeads(ctx)
		if err != nil {
			log.Warn("Head subscription unavailable, polling instead", "error", err)
		} else {
			wake = make(chan struct{}, 1)
			go forwardHeads(ctx, heads, wake)
		}
	}

	source := chain.NewLogSubscription(adapter, 0, chain.SubscriptionConfig{
		Confirmations: cc.BlockConfirmations,
		MaxRange:      cc.MaxBlockRange,
		PollInterval:  cc.PollInterval,
		Wake:          wake,
	})

	chainID := cc.ChainID
	pipeline := indexer.NewPipeline(indexer.Config{
		ChainID:     chainID,
		Contract:    rt.contract,
		Source:      source,
		Reader:      adapter,
		Decoder:     evm.NewDecoder(),
		Cache:       c.cache,
		Cursor:      c.cursors,
		Rentals:     c.rentals,
		DedupWindow: cc.DedupWindowBlocks,
		Reconnect:   adapter.Reconnect,
		OnBatch:     func(head domain.Head) { c.onHead(chainID, head) },
	})

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	reactive, err := adapter.ReactiveContract(rctx)
	cancel()
	switch {
	case err != nil:
		log.Warn("Failed to read reactive contract", "error", err)
	case reactive == (common.Address{}):
		log.Warn("Origin contract has no reactive contract wired, relying on this coordinator alone")
	default:
		log.Info("Reactive contract wired", "address", reactive.Hex())
	}

	rt.mu.Lock()
	rt.adapter = adapter
	rt.pipeline = pipeline
	rt.reactive = reactive
	rt.lastErr = ""
	rt.mu.Unlock()

	c.dispatcher.Register(chainID, dispatcher.ChainTarget{
		Chain:     adapter,
		Injector:  pipeline,
		BlockTime: cc.BlockTime,
	})
	log.Info("Chain connected", "contract", rt.contract.Hex(), "mode", cc.Mode)
}

// forwardHeads turns new-head notifications into non-blocking wakeups.
func forwardHeads(ctx context.Context, heads <-chan domain.Head, wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-heads:
			if !ok {
				return
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

// runChain keeps one chain's pipeline running until ctx is done or the
// chain is halted. Errors here never touch other chains.
func (c *Coordinator) runChain(ctx context.Context, rt *chainRuntime) {
	backoff := recovery.NewBackoff(time.Second, time.Minute, 0, nil)
	failures := 0
	if _, p := rt.components(); p == nil {
		failures = 1 // connectAll already failed once
	}

	for {
		if rt.isHalted() {
			return
		}
		if failures > 0 && !sleep(ctx, backoff.GetDelay(failures-1)) {
			return
		}

		var err error
		if _, pipeline := rt.components(); pipeline == nil {
			err = c.connectChain(ctx, rt)
		} else {
			err = pipeline.Run(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0
			continue
		}
		if c.handleChainError(ctx, rt, err) {
			return
		}
		failures++
	}
}

// handleChainError records err and halts the chain when it is fatal.
func (c *Coordinator) handleChainError(ctx context.Context, rt *chainRuntime, err error) (fatal bool) {
	rt.setError(err)
	label := rt.cfg.Label()

	switch {
	case errors.Is(err, domain.ErrChainMismatch):
		c.halt(ctx, rt, err)
		return true
	case errors.Is(err, cursor.ErrCursorHalted):
		c.halt(ctx, rt, err)
		c.log.Error("Chain cursor is halted, reset it to resume", "chain", label)
		return true
	}

	c.log.Warn("Chain loop failed, retrying", "chain", label, "error", err)
	return false
}

// halt stops one chain for good; the others keep running.
func (c *Coordinator) halt(ctx context.Context, rt *chainRuntime, cause error) {
	id := rt.cfg.ChainID
	c.dispatcher.Unregister(id)

	rt.mu.Lock()
	rt.halted = true
	adapter := rt.adapter
	rt.mu.Unlock()

	if cur, err := c.cursors.Get(ctx, id); err == nil && cur.State != domain.CursorStateHalted {
		if err := c.cursors.Halt(ctx, id, cause.Error()); err != nil {
			c.log.Warn("Failed to halt cursor", "chain", rt.cfg.Label(), "error", err)
		}
	}
	if adapter != nil && errors.Is(cause, domain.ErrChainMismatch) {
		adapter.Close()
	}
	c.log.Error("Chain halted", "chain", rt.cfg.Label(), "error", cause)
}

func (c *Coordinator) onCursorTransition(chainID domain.ChainID, t cursor.Transition) {
	label := chainID.Label()
	metrics.CursorTransitions.WithLabelValues(label, string(t.From), string(t.To)).Inc()
	c.log.Info("Cursor state changed", "chain", label, "from", t.From, "to", t.To, "reason", t.Reason)
}

// onHead fires due expiries with the chain's own clock.
func (c *Coordinator) onHead(chainID domain.ChainID, head domain.Head) {
	for _, e := range c.schedule.Tick(chainID, head.Time) {
		c.log.Debug("Rental expired", "chain", chainID.Label(), "rental_id", e.Key.RentalID, "expiry", e.Expiry, "head_time", head.Time)
		if !c.dispatcher.Submit(c.ctx, e.Key) {
			return
		}
	}
}

// Stop cancels every loop, abandons in-flight receipt waits and releases
// connections. Already broadcast transactions are left alone.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.log.Info("Stopping coordinator...")

	if c.cancel != nil {
		c.cancel()
	}
	if c.reconciler != nil {
		c.reconciler.Stop()
	}
	c.dispatcher.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn("Timed out waiting for chain loops")
	}

	var errs []error
	if c.httpServer != nil {
		errs = append(errs, c.httpServer.Stop(ctx))
	}
	if c.grpcServer != nil {
		c.grpcServer.Stop()
	}
	for _, id := range c.order {
		if adapter, _ := c.chains[id].components(); adapter != nil {
			adapter.Close()
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
	}
	return errors.Join(errs...)
}

// Monitor returns the health monitor backing /health.
func (c *Coordinator) Monitor() *health.Monitor {
	return c.monitor
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
