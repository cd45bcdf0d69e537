package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	logger "log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/vietddude/reclaimer/internal/core/domain"
	"github.com/vietddude/reclaimer/internal/indexing/metrics"
	"github.com/vietddude/reclaimer/internal/infra/chain/evm/contract"
	"github.com/vietddude/reclaimer/internal/infra/rpc"
)

// Backend is the subset of ethclient.Client the adapter needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

// Dialer opens a Backend for an RPC URL.
type Dialer func(ctx context.Context, url string) (Backend, error)

// DialEthclient is the production Dialer.
func DialEthclient(ctx context.Context, url string) (Backend, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Provider is a named RPC endpoint.
type Provider struct {
	Name string
	URL  string
}

// Config describes one origin chain deployment.
type Config struct {
	ChainID             domain.ChainID
	Name                string
	Contract            common.Address
	Providers           []Provider
	ReclaimMethod       string
	PrivateKey          *ecdsa.PrivateKey
	Retry               rpc.RetryConfig
	ReceiptPollInterval time.Duration
	Dialer              Dialer
}

// Adapter talks to one origin chain's rental contract.
type Adapter struct {
	cfg      Config
	abi      abi.ABI
	from     common.Address
	mu       sync.RWMutex
	backend  Backend
	provider string
	closed   bool
	sendMu   sync.Mutex // serializes nonce allocation
	log      *logger.Logger
}

// Connect dials the first healthy provider whose chain id matches.
func Connect(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = DialEthclient
	}
	if cfg.ReclaimMethod == "" {
		cfg.ReclaimMethod = contract.MethodManualReclaim
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = rpc.DefaultRetryConfig
	}

	parsed := contract.ABI()
	if _, ok := parsed.Methods[cfg.ReclaimMethod]; !ok {
		return nil, fmt.Errorf("unknown reclaim method %q", cfg.ReclaimMethod)
	}

	a := &Adapter{
		cfg: cfg,
		abi: parsed,
		log: logger.Default().With("component", "evm", "chain", cfg.Name),
	}
	if cfg.PrivateKey != nil {
		a.from = crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey)
	}

	if err := a.Reconnect(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

type connection struct {
	backend  Backend
	provider string
}

// Reconnect re-dials the providers in order and re-verifies the chain id.
func (a *Adapter) Reconnect(ctx context.Context) error {
	byName := make(map[string]Provider, len(a.cfg.Providers))
	names := make([]string, 0, len(a.cfg.Providers))
	for i, p := range a.cfg.Providers {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("provider-%d", i)
		}
		byName[name] = p
		names = append(names, name)
	}

	conn, err := rpc.CallWithRetryAndFailover(ctx, names, a.cfg.Retry,
		func(ctx context.Context, name string) (connection, error) {
			b, err := a.dial(ctx, name, byName[name].URL)
			return connection{backend: b, provider: name}, err
		})
	if err != nil {
		if errors.Is(err, domain.ErrChainMismatch) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: chain %d: %v", domain.ErrChainUnreachable, a.cfg.ChainID, err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.backend.Close()
		return fmt.Errorf("chain %d: %w", a.cfg.ChainID, domain.ErrAdapterClosed)
	}
	old := a.backend
	a.backend = conn.backend
	a.provider = conn.provider
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}

	a.log.Info("Connected to chain", "provider", conn.provider)
	return nil
}

func (a *Adapter) dial(ctx context.Context, name, url string) (Backend, error) {
	b, err := a.cfg.Dialer(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", name, err)
	}

	id, err := b.ChainID(ctx)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("eth_chainId on %s: %w", name, err)
	}
	if !id.IsUint64() || domain.ChainID(id.Uint64()) != a.cfg.ChainID {
		b.Close()
		return nil, &domain.ChainMismatchError{
			Provider: name,
			Expected: a.cfg.ChainID,
			Got:      domain.ChainID(id.Uint64()),
		}
	}
	return b, nil
}

// client returns the live backend, or ErrAdapterClosed after Close.
func (a *Adapter) client() (Backend, string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.backend == nil {
		return nil, "", fmt.Errorf("chain %d: %w", a.cfg.ChainID, domain.ErrAdapterClosed)
	}
	return a.backend, a.provider, nil
}

// observe records latency and errors of one RPC call.
func (a *Adapter) observe(provider, method string, start time.Time, err error) {
	chain := a.cfg.ChainID.Label()
	metrics.RPCCallsTotal.WithLabelValues(chain, provider, method).Inc()
	metrics.RPCLatency.WithLabelValues(chain, provider, method).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		metrics.RPCErrorsTotal.WithLabelValues(chain, provider, rpc.ClassifyError(err).String()).Inc()
	}
}

// ChainID returns the verified chain id.
func (a *Adapter) ChainID() domain.ChainID {
	return a.cfg.ChainID
}

// Signer returns the reclaimer address, zero in read-only mode.
func (a *Adapter) Signer() common.Address {
	return a.from
}

// LatestHead returns the latest header's number, hash and timestamp.
func (a *Adapter) LatestHead(ctx context.Context) (*domain.Head, error) {
	b, p, err := a.client()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	h, err := b.HeaderByNumber(ctx, nil)
	a.observe(p, "eth_getBlockByNumber", start, err)
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber failed: %w", err)
	}
	return &domain.Head{Number: h.Number.Uint64(), Hash: h.Hash(), Time: h.Time}, nil
}

// FilterLogs returns the rental contract's lifecycle logs in [from, to].
func (a *Adapter) FilterLogs(ctx context.Context, from, to uint64) ([]domain.RawLog, error) {
	b, p, err := a.client()
	if err != nil {
		return nil, err
	}
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{a.cfg.Contract},
		Topics:    [][]common.Hash{contract.EventTopics()},
	}

	start := time.Now()
	logs, err := b.FilterLogs(ctx, q)
	a.observe(p, "eth_getLogs", start, err)
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs failed: %w", err)
	}

	out := make([]domain.RawLog, 0, len(logs))
	for _, l := range logs {
		out = append(out, domain.RawLog{ChainID: a.cfg.ChainID, Log: l})
	}
	return out, nil
}

func (a *Adapter) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := a.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	b, p, err := a.client()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := b.CallContract(ctx, ethereum.CallMsg{To: &a.cfg.Contract, Data: data}, nil)
	a.observe(p, "eth_call", start, err)
	if err != nil {
		return nil, fmt.Errorf("eth_call %s failed: %w", method, err)
	}

	values, err := a.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// GetRental reads rentals(id) and maps it onto the rental state machine.
func (a *Adapter) GetRental(ctx context.Context, rentalID uint64) (*domain.Rental, error) {
	values, err := a.call(ctx, contract.MethodRentals, new(big.Int).SetUint64(rentalID))
	if err != nil {
		return nil, err
	}

	var v contract.RentalView
	if err := a.abi.Methods[contract.MethodRentals].Outputs.Copy(&v, values); err != nil {
		return nil, fmt.Errorf("decode rentals(%d): %w", rentalID, err)
	}
	if v.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: %d on chain %d", domain.ErrRentalNotFound, rentalID, a.cfg.ChainID)
	}

	return RentalFromView(a.cfg.ChainID, rentalID, v), nil
}

// RentalFromView converts the getter output. isReclaimed wins over
// isActive; the renter is only trusted once the rental started.
func RentalFromView(chainID domain.ChainID, rentalID uint64, v contract.RentalView) *domain.Rental {
	r := &domain.Rental{
		ChainID:        chainID,
		RentalID:       rentalID,
		NFTContract:    v.NftContract,
		TokenID:        v.TokenId,
		Owner:          v.Owner,
		PricePerPeriod: v.Price,
		Status:         domain.RentalStatusAvailable,
		UpdatedAt:      time.Now(),
	}
	if v.Duration != nil {
		r.Duration = v.Duration.Uint64()
	}
	if v.StartTime != nil {
		r.StartTime = v.StartTime.Uint64()
	}

	switch {
	case v.IsReclaimed:
		r.Status = domain.RentalStatusReclaimed
	case v.IsActive:
		r.Status = domain.RentalStatusActive
	}

	if r.Status == domain.RentalStatusAvailable {
		r.ReservedRenter = v.Renter
		r.StartTime = 0
	} else {
		r.Renter = v.Renter
	}
	return r
}

// NextRentalID reads nextRentalId().
func (a *Adapter) NextRentalID(ctx context.Context) (uint64, error) {
	values, err := a.call(ctx, contract.MethodNextRentalID)
	if err != nil {
		return 0, err
	}
	id, ok := values[0].(*big.Int)
	if !ok || !id.IsUint64() {
		return 0, fmt.Errorf("unexpected nextRentalId result %v", values[0])
	}
	return id.Uint64(), nil
}

// ReactiveContract reads reactiveContract().
func (a *Adapter) ReactiveContract(ctx context.Context) (common.Address, error) {
	values, err := a.call(ctx, contract.MethodReactiveContract)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected reactiveContract result %v", values[0])
	}
	return addr, nil
}

// SubscribeHeads forwards newHeads notifications. HTTP endpoints fail here
// and callers fall back to polling.
func (a *Adapter) SubscribeHeads(ctx context.Context) (<-chan domain.Head, error) {
	b, _, err := a.client()
	if err != nil {
		return nil, err
	}
	headers := make(chan *types.Header, 16)
	sub, err := b.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, fmt.Errorf("eth_subscribe newHeads: %w", err)
	}

	out := make(chan domain.Head, 16)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					a.log.Warn("Head subscription ended", "error", err)
				}
				return
			case h := <-headers:
				head := domain.Head{Number: h.Number.Uint64(), Hash: h.Hash(), Time: h.Time}
				select {
				case out <- head:
				default: // consumer is behind; the next head supersedes this one
				}
			}
		}
	}()
	return out, nil
}

// SignerBalance returns the reclaimer account balance in wei.
func (a *Adapter) SignerBalance(ctx context.Context) (*big.Int, error) {
	if a.cfg.PrivateKey == nil {
		return nil, domain.ErrNoSigner
	}
	b, p, err := a.client()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	bal, err := b.BalanceAt(ctx, a.from, nil)
	a.observe(p, "eth_getBalance", start, err)
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance failed: %w", err)
	}
	return bal, nil
}

// SubmitReclaim signs and broadcasts a reclaim for rentalID. Manual mode
// always uses manualReclaim; auto mode uses the configured method.
func (a *Adapter) SubmitReclaim(
	ctx context.Context,
	rentalID uint64,
	mode domain.ReclaimMode,
) (common.Hash, error) {
	if a.cfg.PrivateKey == nil {
		return common.Hash{}, domain.ErrNoSigner
	}

	method := a.cfg.ReclaimMethod
	if mode == domain.ReclaimModeManual {
		method = contract.MethodManualReclaim
	}
	data, err := a.abi.Pack(method, new(big.Int).SetUint64(rentalID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	b, p, err := a.client()
	if err != nil {
		return common.Hash{}, err
	}
	msg := ethereum.CallMsg{From: a.from, To: &a.cfg.Contract, Data: data}

	start := time.Now()
	gas, err := b.EstimateGas(ctx, msg)
	a.observe(p, "eth_estimateGas", start, err)
	if err != nil {
		return common.Hash{}, classifySubmitError(err)
	}
	gas = addGasBuffer(gas)

	gasPrice, err := b.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth_gasPrice failed: %w", err)
	}

	balance, err := b.BalanceAt(ctx, a.from, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth_getBalance failed: %w", err)
	}
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gas))
	if balance.Cmp(cost) < 0 {
		return common.Hash{}, fmt.Errorf("%w: balance %s below cost %s", domain.ErrInsufficientReclaimerFunds, balance, cost)
	}

	nonce, err := b.PendingNonceAt(ctx, a.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth_getTransactionCount failed: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &a.cfg.Contract,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(uint64(a.cfg.ChainID)))
	signed, err := types.SignTx(tx, signer, a.cfg.PrivateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	start = time.Now()
	err = b.SendTransaction(ctx, signed)
	a.observe(p, "eth_sendRawTransaction", start, err)
	if err != nil {
		// The node may have accepted the transaction before the reply was
		// lost; callers check this hash before signing another one.
		return signed.Hash(), classifySubmitError(err)
	}

	a.log.Info("Submitted reclaim", "rental_id", rentalID, "method", method, "tx", signed.Hash().Hex(), "nonce", nonce)
	return signed.Hash(), nil
}

// WaitForReceipt polls for the receipt until it exists or timeout expires.
// Cancelling ctx abandons the wait; the transaction itself stays submitted.
func (a *Adapter) WaitForReceipt(
	ctx context.Context,
	txHash common.Hash,
	timeout time.Duration,
) (*domain.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(a.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		b, p, err := a.client()
		if err != nil {
			return nil, err
		}
		start := time.Now()
		r, err := b.TransactionReceipt(waitCtx, txHash)
		a.observe(p, "eth_getTransactionReceipt", start, err)
		if err == nil {
			return a.toReceipt(r), nil
		}
		if !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
			a.log.Debug("Receipt poll failed", "tx", txHash.Hex(), "error", err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s after %s", domain.ErrReceiptTimeout, txHash.Hex(), timeout)
		case <-ticker.C:
		}
	}
}

// TransactionStatus checks a transaction out of band.
func (a *Adapter) TransactionStatus(ctx context.Context, txHash common.Hash) (domain.TxStatus, error) {
	b, _, err := a.client()
	if err != nil {
		return "", err
	}
	if _, err := b.TransactionReceipt(ctx, txHash); err == nil {
		return domain.TxMined, nil
	} else if !errors.Is(err, ethereum.NotFound) {
		return "", fmt.Errorf("eth_getTransactionReceipt failed: %w", err)
	}

	_, pending, err := b.TransactionByHash(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return domain.TxNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("eth_getTransactionByHash failed: %w", err)
	}
	if pending {
		return domain.TxPending, nil
	}
	return domain.TxMined, nil
}

// Close closes the current connection. Later calls fail with
// ErrAdapterClosed and Reconnect no longer reopens it.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.backend != nil {
		a.backend.Close()
		a.backend = nil
	}
}

func (a *Adapter) toReceipt(r *types.Receipt) *domain.Receipt {
	out := &domain.Receipt{
		TxHash:  r.TxHash,
		Success: r.Status == types.ReceiptStatusSuccessful,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, l := range r.Logs {
		if l == nil {
			continue
		}
		out.Logs = append(out.Logs, domain.RawLog{ChainID: a.cfg.ChainID, Log: *l})
	}
	return out
}

// addGasBuffer adds 20% headroom to an estimate.
func addGasBuffer(gas uint64) uint64 {
	return gas * 6 / 5
}

// classifySubmitError maps node errors onto the reclaim error taxonomy.
func classifySubmitError(err error) error {
	reason := err.Error()
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if unpacked, uerr := abi.UnpackRevert(common.FromHex(hexData)); uerr == nil {
				reason = unpacked
			}
		}
	}

	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "rental not expired"):
		return fmt.Errorf("%w: %s", domain.ErrRentalNotExpired, reason)
	case strings.Contains(lower, "insufficient funds"):
		return fmt.Errorf("%w: %s", domain.ErrInsufficientReclaimerFunds, reason)
	case strings.Contains(lower, "execution reverted") || reason != err.Error():
		return fmt.Errorf("%w: %s", domain.ErrTransactionReverted, reason)
	}
	return err
}
