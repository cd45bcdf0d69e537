package control

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/reclaimer/internal/core/config"
	"github.com/vietddude/reclaimer/internal/core/cursor"
	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/indexing/health"
	"github.com/vietddude/reclaimer/internal/indexing/metrics"
	"github.com/vietddude/reclaimer/internal/infra/chain"
	"github.com/vietddude/reclaimer/internal/infra/chain/evm/evmtest"
)

var (
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	reactiveAddr = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	nftAddr      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	owner        = common.HexToAddress("0x0000000000000000000000000000000000000001")
	renter       = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

// fakeChain is an origin chain whose contract reclaims immediately.
type fakeChain struct {
	mu        sync.Mutex
	id        domain.ChainID
	head      domain.Head
	logs      []domain.RawLog
	rentals   map[uint64]*domain.Rental
	readErr   error
	submitted []uint64
	closed    bool
}

var _ chain.Adapter = (*fakeChain)(nil)

func newFakeChain(id domain.ChainID) *fakeChain {
	return &fakeChain{id: id, rentals: make(map[uint64]*domain.Rental)}
}

func (f *fakeChain) setHead(number, ts uint64) {
	f.mu.Lock()
	f.head = domain.Head{Number: number, Hash: common.BigToHash(new(big.Int).SetUint64(number)), Time: ts}
	f.mu.Unlock()
}

func (f *fakeChain) addLogs(logs ...domain.RawLog) {
	f.mu.Lock()
	f.logs = append(f.logs, logs...)
	f.mu.Unlock()
}

func (f *fakeChain) setRental(r *domain.Rental) {
	f.mu.Lock()
	f.rentals[r.RentalID] = r
	f.mu.Unlock()
}

func (f *fakeChain) setReadErr(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *fakeChain) submissions() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.submitted...)
}

func (f *fakeChain) ChainID() domain.ChainID { return f.id }

func (f *fakeChain) LatestHead(ctx context.Context) (*domain.Head, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.head
	return &h, nil
}

func (f *fakeChain) GetRental(ctx context.Context, rentalID uint64) (*domain.Rental, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	r, ok := f.rentals[rentalID]
	if !ok {
		return nil, domain.ErrRentalNotFound
	}
	return r.Clone(), nil
}

func (f *fakeChain) NextRentalID(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := uint64(1)
	for id := range f.rentals {
		if id >= next {
			next = id + 1
		}
	}
	return next, nil
}

func (f *fakeChain) ReactiveContract(ctx context.Context) (common.Address, error) {
	return reactiveAddr, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, from, to uint64) ([]domain.RawLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.RawLog
	for _, l := range f.logs {
		if l.Log.BlockNumber >= from && l.Log.BlockNumber <= to {
			out = append(out, l)
		}
	}
	chain.SortLogs(out)
	return out, nil
}

func (f *fakeChain) SubscribeHeads(ctx context.Context) (<-chan domain.Head, error) {
	return nil, errors.New("not supported")
}

// SubmitReclaim reclaims at once and emits the event in the next block,
// so it reaches the pipeline both through the receipt and the log feed.
func (f *fakeChain) SubmitReclaim(ctx context.Context, rentalID uint64, mode domain.ReclaimMode) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rentals[rentalID]
	if !ok || r.Status != domain.RentalStatusActive {
		return common.Hash{}, domain.ErrTransactionReverted
	}
	r.Status = domain.RentalStatusReclaimed
	f.submitted = append(f.submitted, rentalID)

	hash := common.BigToHash(big.NewInt(int64(1000 + len(f.submitted))))
	f.logs = append(f.logs, evmtest.Reclaimed(f.id, evmtest.Position{
		Contract: contractAddr, Block: f.head.Number + 1, TxHash: hash,
	}, rentalID, nftAddr, 7, mode == domain.ReclaimModeAuto))
	return hash, nil
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*domain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.logs {
		if l.Log.TxHash == txHash {
			return &domain.Receipt{TxHash: txHash, BlockNumber: l.Log.BlockNumber, Success: true, Logs: []domain.RawLog{l}}, nil
		}
	}
	return nil, domain.ErrReceiptTimeout
}

func (f *fakeChain) TransactionStatus(ctx context.Context, txHash common.Hash) (domain.TxStatus, error) {
	return domain.TxMined, nil
}

func (f *fakeChain) Reconnect(ctx context.Context) error { return nil }

func (f *fakeChain) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeChain) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func chainConfig(id domain.ChainID, name string) config.ChainConfig {
	return config.ChainConfig{
		ChainID:           id,
		Name:              name,
		ContractAddress:   contractAddr.Hex(),
		StartBlock:        1,
		Mode:              config.ModePoll,
		PollInterval:      10 * time.Millisecond,
		BlockTime:         10 * time.Millisecond,
		MaxBlockRange:     100,
		DedupWindowBlocks: 256,
	}
}

func testConfig(chains ...config.ChainConfig) *config.AppConfig {
	return &config.AppConfig{
		Dispatcher: config.DispatcherConfig{
			MaxAttempts:          2,
			InitialBackoff:       10 * time.Millisecond,
			MaxBackoff:           50 * time.Millisecond,
			ReceiptTimeoutBlocks: 1,
			MaxReceiptPolls:      1,
			MaxTotalFailures:     3,
			Workers:              2,
			LockTTL:              time.Minute,
		},
		Reconcile: config.ReconcileConfig{Schedule: "off"},
		Chains:    chains,
	}
}

func startCoordinator(t *testing.T, cfg *config.AppConfig, fakes map[domain.ChainID]*fakeChain, fail map[domain.ChainID]error) *Coordinator {
	t.Helper()
	connect := func(ctx context.Context, cc config.ChainConfig) (chain.Adapter, error) {
		if err := fail[cc.ChainID]; err != nil {
			return nil, err
		}
		return fakes[cc.ChainID], nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewCoordinator(ctx, cfg, WithConnector(connect))
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))

	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		assert.NoError(t, c.Stop(stopCtx))
		cancel()
	})
	return c
}

func rentalStatus(c *Coordinator, key domain.RentalKey) domain.RentalStatus {
	r, err := c.GetRental(context.Background(), key)
	if err != nil {
		return ""
	}
	return r.Status
}

func TestCoordinator_ExpiryReclaimScenario(t *testing.T) {
	fake := newFakeChain(domain.ChainIDBNBTestnet)
	fake.setHead(11, 1100)
	fake.addLogs(
		evmtest.Created(fake.id, evmtest.Position{Contract: contractAddr, Block: 10, TxHash: common.HexToHash("0x10")},
			1, nftAddr, 7, owner, common.Address{}, 3600, 100),
		evmtest.Started(fake.id, evmtest.Position{Contract: contractAddr, Block: 11, TxHash: common.HexToHash("0x11")},
			1, renter, 1000),
	)
	fake.setRental(&domain.Rental{
		ChainID: fake.id, RentalID: 1, NFTContract: nftAddr, TokenID: big.NewInt(7),
		Owner: owner, Renter: renter, PricePerPeriod: big.NewInt(100),
		Duration: 3600, StartTime: 1000, Status: domain.RentalStatusActive,
	})

	c := startCoordinator(t, testConfig(chainConfig(fake.id, "bnb-testnet")),
		map[domain.ChainID]*fakeChain{fake.id: fake}, nil)
	ctx := context.Background()
	key := domain.RentalKey{ChainID: fake.id, RentalID: 1}

	require.Eventually(t, func() bool {
		return rentalStatus(c, key) == domain.RentalStatusActive
	}, 2*time.Second, 10*time.Millisecond)

	remaining, err := c.GetTimeRemaining(ctx, fake.id, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3500), remaining)

	st, err := c.ChainStatus(ctx, fake.id)
	require.NoError(t, err)
	assert.Equal(t, "bnb-testnet", st.Name)
	assert.Equal(t, reactiveAddr, st.ReactiveContract)
	assert.Equal(t, 1, st.Rentals[domain.RentalStatusActive])
	assert.Equal(t, 1, st.ScheduledExpiries)
	assert.Equal(t, uint64(4600), st.NextExpiry)

	// One second before expiry nothing is sent.
	fake.setHead(12, 4599)
	require.Eventually(t, func() bool {
		st, err := c.ChainStatus(ctx, fake.id)
		return err == nil && st.CursorBlock == 12 && st.HeadTime == 4599
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, fake.submissions())

	fake.setHead(13, 4600)
	require.Eventually(t, func() bool {
		return rentalStatus(c, key) == domain.RentalStatusReclaimed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{1}, fake.submissions())

	// The reclaim log arrives again through the log feed and is dropped.
	fake.setHead(14, 4700)
	require.Eventually(t, func() bool {
		st, err := c.ChainStatus(ctx, fake.id)
		return err == nil && st.CursorBlock == 14 && st.Discarded == 1 && len(st.PendingCallbacks) == 0
	}, 2*time.Second, 10*time.Millisecond)

	st, err = c.ChainStatus(ctx, fake.id)
	require.NoError(t, err)
	assert.Equal(t, 0, st.ScheduledExpiries)
	assert.Equal(t, 1, st.Rentals[domain.RentalStatusReclaimed])
	assert.Equal(t, []uint64{1}, fake.submissions())

	remaining, err = c.GetTimeRemaining(ctx, fake.id, 1)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestCoordinator_ChainMismatchHaltsOnlyThatChain(t *testing.T) {
	good := newFakeChain(domain.ChainIDBNBTestnet)
	good.setHead(10, 1000)
	good.addLogs(evmtest.Created(good.id, evmtest.Position{Contract: contractAddr, Block: 5, TxHash: common.HexToHash("0x5")},
		1, nftAddr, 7, owner, common.Address{}, 3600, 100))

	badID := domain.ChainIDBaseSepolia
	mismatch := &domain.ChainMismatchError{Provider: "primary", Expected: badID, Got: domain.ChainIDBNBTestnet}

	c := startCoordinator(t,
		testConfig(chainConfig(good.id, "good"), chainConfig(badID, "bad")),
		map[domain.ChainID]*fakeChain{good.id: good},
		map[domain.ChainID]error{badID: mismatch},
	)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return rentalStatus(c, domain.RentalKey{ChainID: good.id, RentalID: 1}) == domain.RentalStatusAvailable
	}, 2*time.Second, 10*time.Millisecond)

	st, err := c.ChainStatus(ctx, badID)
	require.NoError(t, err)
	assert.Equal(t, domain.CursorStateHalted, st.CursorState)
	assert.False(t, st.Running)
	assert.Contains(t, st.LastError, "expected chain")
	assert.Contains(t, st.HaltReason, "expected chain")

	_, err = c.TriggerManualReclaim(ctx, badID, 1)
	assert.Error(t, err)

	report := c.Monitor().CheckHealth(ctx)
	assert.Equal(t, health.StatusCritical, report[badID].Status)
	assert.NotEqual(t, health.StatusCritical, report[good.id].Status)
}

func TestCoordinator_ManualReclaim(t *testing.T) {
	fake := newFakeChain(domain.ChainIDBNBTestnet)
	fake.setHead(11, 2000)
	fake.addLogs(
		evmtest.Created(fake.id, evmtest.Position{Contract: contractAddr, Block: 10, TxHash: common.HexToHash("0x10")},
			1, nftAddr, 7, owner, common.Address{}, 3600, 100),
		evmtest.Started(fake.id, evmtest.Position{Contract: contractAddr, Block: 11, TxHash: common.HexToHash("0x11")},
			1, renter, 1000),
	)
	fake.setRental(&domain.Rental{
		ChainID: fake.id, RentalID: 1, NFTContract: nftAddr, TokenID: big.NewInt(7),
		Owner: owner, Renter: renter, Duration: 3600, StartTime: 1000, Status: domain.RentalStatusActive,
	})

	c := startCoordinator(t, testConfig(chainConfig(fake.id, "bnb-testnet")),
		map[domain.ChainID]*fakeChain{fake.id: fake}, nil)
	ctx := context.Background()
	key := domain.RentalKey{ChainID: fake.id, RentalID: 1}

	require.Eventually(t, func() bool {
		return rentalStatus(c, key) == domain.RentalStatusActive
	}, 2*time.Second, 10*time.Millisecond)

	res, err := c.TriggerManualReclaim(ctx, fake.id, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNotExpired, res.Outcome)
	assert.Empty(t, fake.submissions())

	_, err = c.TriggerManualReclaim(ctx, domain.ChainIDSonicTestnet, 1)
	assert.ErrorIs(t, err, domain.ErrChainNotConfigured)

	_, err = c.GetTimeRemaining(ctx, fake.id, 99)
	assert.ErrorIs(t, err, domain.ErrRentalNotFound)

	rentals, err := c.ListRentals(ctx, fake.id)
	require.NoError(t, err)
	require.Len(t, rentals, 1)
	assert.Equal(t, uint64(1), rentals[0].RentalID)

	onChain, err := ReadRentals(ctx, fake)
	require.NoError(t, err)
	require.Len(t, onChain, 1)
	assert.Equal(t, domain.RentalStatusActive, onChain[0].Status)
}

func TestReconciler_FillsPlaceholders(t *testing.T) {
	fake := newFakeChain(domain.ChainIDBNBTestnet)
	fake.setHead(11, 2000)
	// The creation happened before the start block; only the start is seen.
	fake.addLogs(evmtest.Started(fake.id, evmtest.Position{Contract: contractAddr, Block: 11, TxHash: common.HexToHash("0x11")},
		7, renter, 1000))
	fake.setRental(&domain.Rental{
		ChainID: fake.id, RentalID: 7, NFTContract: nftAddr, TokenID: big.NewInt(3),
		Owner: owner, Renter: renter, Duration: 3600, StartTime: 1000, Status: domain.RentalStatusActive,
	})
	fake.setReadErr(errors.New("rpc down"))

	c := startCoordinator(t, testConfig(chainConfig(fake.id, "bnb-testnet")),
		map[domain.ChainID]*fakeChain{fake.id: fake}, nil)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		st, err := c.ChainStatus(ctx, fake.id)
		return err == nil && st.CursorBlock == 11 && st.Placeholders == 1
	}, 2*time.Second, 10*time.Millisecond)

	fake.setReadErr(nil)
	r, err := NewReconciler(c, "@every 1h")
	require.NoError(t, err)
	require.NoError(t, r.RunOnce(ctx))

	st, err := c.ChainStatus(ctx, fake.id)
	require.NoError(t, err)
	assert.Zero(t, st.Placeholders)

	rental, err := c.GetRental(ctx, domain.RentalKey{ChainID: fake.id, RentalID: 7})
	require.NoError(t, err)
	assert.Equal(t, nftAddr, rental.NFTContract)
	assert.Equal(t, owner, rental.Owner)
	assert.Equal(t, domain.RentalStatusActive, rental.Status)

	// Ids below 7 were never created on this fake and are skipped.
	onChain, err := ReadRentals(ctx, fake)
	require.NoError(t, err)
	require.Len(t, onChain, 1)
	assert.Equal(t, uint64(7), onChain[0].RentalID)
}

func TestCoordinator_PauseAndResume(t *testing.T) {
	fake := newFakeChain(domain.ChainIDBNBTestnet)
	fake.setHead(11, 1100)
	fake.addLogs(evmtest.Created(fake.id, evmtest.Position{Contract: contractAddr, Block: 10, TxHash: common.HexToHash("0x10")},
		1, nftAddr, 7, owner, common.Address{}, 3600, 100))

	c := startCoordinator(t, testConfig(chainConfig(fake.id, "bnb-testnet")),
		map[domain.ChainID]*fakeChain{fake.id: fake}, nil)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		st, err := c.ChainStatus(ctx, fake.id)
		return err == nil && st.CursorBlock == 11 && st.CursorState == domain.CursorStateScanning
	}, 2*time.Second, 10*time.Millisecond)

	paused := metrics.CursorTransitions.WithLabelValues(fake.id.Label(),
		string(domain.CursorStateScanning), string(domain.CursorStatePaused))
	before := testutil.ToFloat64(paused)

	require.NoError(t, c.PauseChain(ctx, fake.id, ""))
	st, err := c.ChainStatus(ctx, fake.id)
	require.NoError(t, err)
	assert.Equal(t, domain.CursorStatePaused, st.CursorState)
	assert.Empty(t, st.OpenFailures)
	assert.Equal(t, before+1, testutil.ToFloat64(paused))

	fake.addLogs(evmtest.Created(fake.id, evmtest.Position{Contract: contractAddr, Block: 14, TxHash: common.HexToHash("0x14")},
		2, nftAddr, 8, owner, common.Address{}, 3600, 100))
	fake.setHead(15, 1500)

	// A paused chain holds its batches.
	time.Sleep(200 * time.Millisecond)
	st, err = c.ChainStatus(ctx, fake.id)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), st.CursorBlock)
	assert.Empty(t, rentalStatus(c, domain.RentalKey{ChainID: fake.id, RentalID: 2}))

	require.NoError(t, c.ResumeChain(ctx, fake.id))
	require.Eventually(t, func() bool {
		st, err := c.ChainStatus(ctx, fake.id)
		return err == nil && st.CursorBlock == 15 &&
			rentalStatus(c, domain.RentalKey{ChainID: fake.id, RentalID: 2}) == domain.RentalStatusAvailable
	}, 5*time.Second, 20*time.Millisecond)

	assert.ErrorIs(t, c.ResumeChain(ctx, fake.id), cursor.ErrInvalidTransition)
	assert.ErrorIs(t, c.PauseChain(ctx, domain.ChainIDSonicTestnet, "maintenance"), domain.ErrChainNotConfigured)
}

func TestCoordinator_StopClosesAdapters(t *testing.T) {
	fake := newFakeChain(domain.ChainIDBNBTestnet)
	fake.setHead(1, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := NewCoordinator(ctx, testConfig(chainConfig(fake.id, "bnb-testnet")),
		WithConnector(func(ctx context.Context, cc config.ChainConfig) (chain.Adapter, error) { return fake, nil }))
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))

	stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, c.Stop(stopCtx))
	assert.True(t, fake.isClosed())
}
