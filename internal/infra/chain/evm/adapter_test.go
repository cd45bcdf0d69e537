package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/infra/chain/evm/contract"
	"github.com/vietddude/reclaimer/internal/infra/chain/evm/evmtest"
	"github.com/vietddude/reclaimer/internal/infra/rpc"
)

var (
	testContract = common.HexToAddress("0x371755C9D14b9dEa32c3b6D5e8e8639d4C202Fa2")
	testNFT      = common.HexToAddress("0xa49a63864f94d42904596879Cbb9F271348489cC")
	ownerAddr    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	renterAddr   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type fakeBackend struct {
	mu          sync.Mutex
	chainID     int64
	chainIDErr  error
	head        *types.Header
	logs        []types.Log
	lastQuery   ethereum.FilterQuery
	calls       map[string][]byte
	estimateErr error
	gas         uint64
	gasPrice    *big.Int
	balance     *big.Int
	nonce       uint64
	sent        []*types.Transaction
	sendErr     error
	// replyErr is returned after the transaction was accepted.
	replyErr    error
	receipts    map[common.Hash]*types.Receipt
	pending     map[common.Hash]bool
	closed      int
}

func newFakeBackend(chainID int64) *fakeBackend {
	return &fakeBackend{
		chainID:  chainID,
		head:     &types.Header{Number: big.NewInt(100), Time: 5000},
		calls:    make(map[string][]byte),
		gas:      50000,
		gasPrice: big.NewInt(10),
		balance:  big.NewInt(1_000_000_000),
		receipts: make(map[common.Hash]*types.Receipt),
		pending:  make(map[common.Hash]bool),
	}
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	if f.chainIDErr != nil {
		return nil, f.chainIDErr
	}
	return big.NewInt(f.chainID), nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return f.head, nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	return f.logs, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	for name, m := range contract.ABI().Methods {
		if len(msg.Data) >= 4 && string(m.ID) == string(msg.Data[:4]) {
			if out, ok := f.calls[name]; ok {
				return out, nil
			}
		}
	}
	return nil, errors.New("execution reverted")
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.gas, f.estimateErr
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return f.replyErr
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionByHash(ctx context.Context, h common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pending[h]; ok {
		return types.NewTx(&types.LegacyTx{}), p, nil
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, errors.New("notifications not supported")
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

func (f *fakeBackend) setReceipt(r *types.Receipt) {
	f.mu.Lock()
	f.receipts[r.TxHash] = r
	f.mu.Unlock()
}

var noRetry = rpc.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

func connect(t *testing.T, b *fakeBackend, withKey bool) *Adapter {
	t.Helper()
	cfg := Config{
		ChainID:             domain.ChainIDBNBTestnet,
		Name:                "BNB_TESTNET",
		Contract:            testContract,
		Providers:           []Provider{{Name: "primary", URL: "http://primary"}},
		Retry:               noRetry,
		ReceiptPollInterval: time.Millisecond,
		Dialer: func(ctx context.Context, url string) (Backend, error) {
			return b, nil
		},
	}
	if withKey {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		cfg.PrivateKey = key
	}
	a, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	return a
}

func TestConnect_ChainMismatch(t *testing.T) {
	dials := 0
	b := newFakeBackend(1)
	_, err := Connect(context.Background(), Config{
		ChainID:  domain.ChainIDBNBTestnet,
		Contract: testContract,
		Providers: []Provider{
			{Name: "wrong", URL: "http://mainnet"},
			{Name: "right", URL: "http://bsc-testnet"},
		},
		Retry: noRetry,
		Dialer: func(ctx context.Context, url string) (Backend, error) {
			dials++
			return b, nil
		},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrChainMismatch)
	var mismatch *domain.ChainMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, domain.ChainID(1), mismatch.Got)
	assert.Equal(t, 1, dials, "a mismatch must not fail over to the next provider")
	assert.Equal(t, 1, b.closed)
}

func TestConnect_FailoverAndUnreachable(t *testing.T) {
	good := newFakeBackend(97)
	cfg := Config{
		ChainID:  domain.ChainIDBNBTestnet,
		Contract: testContract,
		Providers: []Provider{
			{Name: "down", URL: "http://down"},
			{Name: "up", URL: "http://up"},
		},
		Retry: noRetry,
		Dialer: func(ctx context.Context, url string) (Backend, error) {
			if url == "http://down" {
				return nil, errors.New("connection refused")
			}
			return good, nil
		},
	}

	a, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	_, provider, err := a.client()
	require.NoError(t, err)
	assert.Equal(t, "up", provider)

	cfg.Providers = cfg.Providers[:1]
	_, err = Connect(context.Background(), cfg)
	assert.ErrorIs(t, err, domain.ErrChainUnreachable)
}

func TestConnect_UnknownReclaimMethod(t *testing.T) {
	_, err := Connect(context.Background(), Config{
		ChainID:       97,
		ReclaimMethod: "burn",
		Providers:     []Provider{{URL: "http://x"}},
	})
	assert.Error(t, err)
}

func TestAdapter_LatestHead(t *testing.T) {
	a := connect(t, newFakeBackend(97), false)
	head, err := a.LatestHead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), head.Number)
	assert.Equal(t, uint64(5000), head.Time)
}

func TestAdapter_GetRental(t *testing.T) {
	b := newFakeBackend(97)
	b.calls[contract.MethodRentals] = evmtest.RentalView(contract.RentalView{
		NftContract: testNFT,
		TokenId:     big.NewInt(1),
		Owner:       ownerAddr,
		Renter:      renterAddr,
		Price:       big.NewInt(100),
		Duration:    big.NewInt(3600),
		StartTime:   big.NewInt(1000),
		IsActive:    true,
	})
	a := connect(t, b, false)

	r, err := a.GetRental(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.RentalStatusActive, r.Status)
	assert.Equal(t, renterAddr, r.Renter)
	assert.Equal(t, uint64(4600), mustExpiry(t, r))
	assert.Equal(t, testNFT, r.NFTContract)

	b.calls[contract.MethodRentals] = evmtest.RentalView(contract.RentalView{})
	_, err = a.GetRental(context.Background(), 2)
	assert.ErrorIs(t, err, domain.ErrRentalNotFound)
}

func mustExpiry(t *testing.T, r *domain.Rental) uint64 {
	t.Helper()
	e, ok := r.ExpiryTime()
	require.True(t, ok)
	return e
}

func TestRentalFromView(t *testing.T) {
	tests := []struct {
		name   string
		view   contract.RentalView
		status domain.RentalStatus
		renter common.Address
	}{
		{"listed", contract.RentalView{Owner: ownerAddr, Renter: renterAddr}, domain.RentalStatusAvailable, common.Address{}},
		{"active", contract.RentalView{Owner: ownerAddr, Renter: renterAddr, IsActive: true}, domain.RentalStatusActive, renterAddr},
		{"reclaimed", contract.RentalView{Owner: ownerAddr, Renter: renterAddr, IsReclaimed: true}, domain.RentalStatusReclaimed, renterAddr},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := RentalFromView(97, 1, tt.view)
			assert.Equal(t, tt.status, r.Status)
			assert.Equal(t, tt.renter, r.Renter)
		})
	}
}

func TestAdapter_NextRentalIDAndReactive(t *testing.T) {
	b := newFakeBackend(97)
	reactive := common.HexToAddress("0xb4336730c7EE24B4Ca466e880277BF95Aff82B04")
	b.calls[contract.MethodNextRentalID] = evmtest.Uint(8)
	b.calls[contract.MethodReactiveContract] = evmtest.Address(reactive)
	a := connect(t, b, false)

	next, err := a.NextRentalID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(8), next)

	got, err := a.ReactiveContract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reactive, got)
}

func TestAdapter_FilterLogs(t *testing.T) {
	b := newFakeBackend(97)
	b.logs = []types.Log{{BlockNumber: 12, Index: 2}}
	a := connect(t, b, false)

	logs, err := a.FilterLogs(context.Background(), 10, 20)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.ChainIDBNBTestnet, logs[0].ChainID)
	assert.Equal(t, []common.Address{testContract}, b.lastQuery.Addresses)
	assert.Equal(t, int64(10), b.lastQuery.FromBlock.Int64())
	assert.Equal(t, int64(20), b.lastQuery.ToBlock.Int64())
	assert.Len(t, b.lastQuery.Topics[0], 3)
}

func TestAdapter_SubmitReclaim(t *testing.T) {
	b := newFakeBackend(97)
	b.nonce = 7
	a := connect(t, b, true)

	hash, err := a.SubmitReclaim(context.Background(), 3, domain.ReclaimModeAuto)
	require.NoError(t, err)
	require.Len(t, b.sent, 1)

	tx := b.sent[0]
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(60000), tx.Gas(), "20% gas buffer")
	assert.Equal(t, testContract, *tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(97)), tx)
	require.NoError(t, err)
	assert.Equal(t, a.Signer(), sender)

	parsed := contract.ABI()
	method, err := parsed.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, contract.MethodManualReclaim, method.Name)
}

func TestAdapter_SubmitReclaimErrors(t *testing.T) {
	t.Run("no signer", func(t *testing.T) {
		a := connect(t, newFakeBackend(97), false)
		_, err := a.SubmitReclaim(context.Background(), 1, domain.ReclaimModeAuto)
		assert.ErrorIs(t, err, domain.ErrNoSigner)
	})

	t.Run("not expired", func(t *testing.T) {
		b := newFakeBackend(97)
		b.estimateErr = errors.New("execution reverted: Rental not expired")
		a := connect(t, b, true)
		_, err := a.SubmitReclaim(context.Background(), 1, domain.ReclaimModeAuto)
		assert.ErrorIs(t, err, domain.ErrRentalNotExpired)
		assert.Empty(t, b.sent)
	})

	t.Run("other revert", func(t *testing.T) {
		b := newFakeBackend(97)
		b.estimateErr = errors.New("execution reverted: Not authorized")
		a := connect(t, b, true)
		_, err := a.SubmitReclaim(context.Background(), 1, domain.ReclaimModeAuto)
		assert.ErrorIs(t, err, domain.ErrTransactionReverted)
	})

	t.Run("low balance", func(t *testing.T) {
		b := newFakeBackend(97)
		b.balance = big.NewInt(1)
		a := connect(t, b, true)
		_, err := a.SubmitReclaim(context.Background(), 1, domain.ReclaimModeAuto)
		assert.ErrorIs(t, err, domain.ErrInsufficientReclaimerFunds)
		assert.Empty(t, b.sent)
	})

	t.Run("nonce race stays transient", func(t *testing.T) {
		b := newFakeBackend(97)
		b.sendErr = errors.New("nonce too low")
		a := connect(t, b, true)
		_, err := a.SubmitReclaim(context.Background(), 1, domain.ReclaimModeAuto)
		require.Error(t, err)
		assert.True(t, rpc.IsNonceConflict(err))
		assert.NotErrorIs(t, err, domain.ErrTransactionReverted)
	})
}

func TestAdapter_SubmitReclaimLostReplyKeepsHash(t *testing.T) {
	b := newFakeBackend(97)
	b.replyErr = errors.New("i/o timeout")
	a := connect(t, b, true)

	hash, err := a.SubmitReclaim(context.Background(), 1, domain.ReclaimModeAuto)
	require.Error(t, err)
	require.Len(t, b.sent, 1)
	assert.Equal(t, b.sent[0].Hash(), hash, "the broadcast hash is returned with the error")
}

func TestAdapter_CallsAfterClose(t *testing.T) {
	b := newFakeBackend(97)
	b.calls[contract.MethodRentals] = evmtest.RentalView(contract.RentalView{Owner: ownerAddr})
	a := connect(t, b, true)
	a.Close()
	assert.Equal(t, 1, b.closed)

	ctx := context.Background()
	_, err := a.LatestHead(ctx)
	assert.ErrorIs(t, err, domain.ErrAdapterClosed)
	_, err = a.GetRental(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrAdapterClosed)
	_, err = a.FilterLogs(ctx, 1, 2)
	assert.ErrorIs(t, err, domain.ErrAdapterClosed)
	_, err = a.SubmitReclaim(ctx, 1, domain.ReclaimModeAuto)
	assert.ErrorIs(t, err, domain.ErrAdapterClosed)
	_, err = a.WaitForReceipt(ctx, common.HexToHash("0x01"), time.Second)
	assert.ErrorIs(t, err, domain.ErrAdapterClosed)
	_, err = a.TransactionStatus(ctx, common.HexToHash("0x01"))
	assert.ErrorIs(t, err, domain.ErrAdapterClosed)
	_, err = a.SignerBalance(ctx)
	assert.ErrorIs(t, err, domain.ErrAdapterClosed)
	_, err = a.SubscribeHeads(ctx)
	assert.ErrorIs(t, err, domain.ErrAdapterClosed)
	assert.Empty(t, b.sent)

	err = a.Reconnect(ctx)
	assert.ErrorIs(t, err, domain.ErrAdapterClosed)
	_, err = a.LatestHead(ctx)
	assert.ErrorIs(t, err, domain.ErrAdapterClosed, "a closed adapter stays closed")
}

func TestAdapter_WaitForReceipt(t *testing.T) {
	b := newFakeBackend(97)
	a := connect(t, b, false)
	hash := common.HexToHash("0x01")

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.setReceipt(&types.Receipt{
			TxHash:      hash,
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(101),
			Logs:        []*types.Log{{Index: 4}},
		})
	}()

	r, err := a.WaitForReceipt(context.Background(), hash, time.Second)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, uint64(101), r.BlockNumber)
	require.Len(t, r.Logs, 1)
	assert.Equal(t, domain.ChainIDBNBTestnet, r.Logs[0].ChainID)
}

func TestAdapter_WaitForReceiptTimeoutAndCancel(t *testing.T) {
	a := connect(t, newFakeBackend(97), false)
	hash := common.HexToHash("0x02")

	_, err := a.WaitForReceipt(context.Background(), hash, 5*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrReceiptTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.WaitForReceipt(ctx, hash, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdapter_TransactionStatus(t *testing.T) {
	b := newFakeBackend(97)
	a := connect(t, b, false)

	mined := common.HexToHash("0x10")
	pending := common.HexToHash("0x11")
	b.setReceipt(&types.Receipt{TxHash: mined, Status: 1})
	b.pending[pending] = true

	ctx := context.Background()
	s, err := a.TransactionStatus(ctx, mined)
	require.NoError(t, err)
	assert.Equal(t, domain.TxMined, s)

	s, err = a.TransactionStatus(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, domain.TxPending, s)

	s, err = a.TransactionStatus(ctx, common.HexToHash("0x12"))
	require.NoError(t, err)
	assert.Equal(t, domain.TxNotFound, s)
}

func TestAdapter_SubscribeHeadsUnsupported(t *testing.T) {
	a := connect(t, newFakeBackend(97), false)
	_, err := a.SubscribeHeads(context.Background())
	assert.Error(t, err)
}

func TestAdapter_Close(t *testing.T) {
	b := newFakeBackend(97)
	a := connect(t, b, false)
	a.Close()
	a.Close()
	assert.Equal(t, 1, b.closed)
}

func TestAdapter_SignerBalance(t *testing.T) {
	b := newFakeBackend(97)

	_, err := connect(t, b, false).SignerBalance(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoSigner)

	bal, err := connect(t, b, true).SignerBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), bal.Int64())
}
