package rpc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/reclaimer/internal/core/domain"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err    error
		expect ErrorAction
	}{
		{errors.New("429 Too Many Requests"), ActionFailover},
		{errors.New("project rate limit exceeded"), ActionFailover},
		{errors.New("quota exceeded"), ActionFailover},
		{errors.New("daily request count exceeded"), ActionFailover},
		{errors.New("403 Forbidden"), ActionFailover},
		{errors.New("Invalid JSON-RPC request -32600"), ActionFatal},
		{errors.New("Method not found -32601"), ActionFatal},
		{errors.New("Parse error -32700"), ActionFatal},
		{errors.New("execution reverted: Rental not expired"), ActionFatal},
		{errors.New("insufficient funds for gas * price + value"), ActionFatal},
		{fmt.Errorf("connect: %w", &domain.ChainMismatchError{Expected: 97, Got: 1}), ActionFatal},
		{fmt.Errorf("chain 97: %w", domain.ErrAdapterClosed), ActionFatal},
		{context.Canceled, ActionFatal},
		{errors.New("nonce too low"), ActionRetry},
		{errors.New("connection reset by peer"), ActionRetry},
		{errors.New("timeout"), ActionRetry},
		{errors.New("500 Internal Server Error"), ActionRetry},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expect, ClassifyError(tt.err), "ClassifyError(%q)", tt.err)
	}
}

func TestIsNonceConflict(t *testing.T) {
	assert.True(t, IsNonceConflict(errors.New("nonce too low: next nonce 5, tx nonce 4")))
	assert.True(t, IsNonceConflict(errors.New("replacement transaction underpriced")))
	assert.False(t, IsNonceConflict(errors.New("connection refused")))
}

var fastRetry = RetryConfig{
	MaxAttempts:     3,
	InitialDelay:    time.Millisecond,
	MaxDelay:        5 * time.Millisecond,
	BackoffMultiple: 2,
}

func TestCallWithRetry(t *testing.T) {
	calls := 0
	got, err := CallWithRetry(context.Background(), fastRetry, func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset by peer")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestCallWithRetry_StopsOnFatal(t *testing.T) {
	calls := 0
	_, err := CallWithRetry(context.Background(), fastRetry, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("Method not found -32601")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCallWithRetry_StopsWhenAdapterClosed(t *testing.T) {
	calls := 0
	_, err := CallWithRetry(context.Background(), fastRetry, func(ctx context.Context) (int, error) {
		calls++
		return 0, fmt.Errorf("chain 97: %w", domain.ErrAdapterClosed)
	})
	assert.ErrorIs(t, err, domain.ErrAdapterClosed)
	assert.Equal(t, 1, calls)
}

func TestCallWithRetry_Exhausted(t *testing.T) {
	calls := 0
	_, err := CallWithRetry(context.Background(), fastRetry, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestCallWithRetryAndFailover(t *testing.T) {
	var seen []string
	got, err := CallWithRetryAndFailover(context.Background(), []string{"a", "b"}, fastRetry,
		func(ctx context.Context, endpoint string) (string, error) {
			seen = append(seen, endpoint)
			if endpoint == "a" {
				return "", errors.New("429 Too Many Requests")
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestCallWithRetryAndFailover_MismatchIsFatal(t *testing.T) {
	calls := 0
	_, err := CallWithRetryAndFailover(context.Background(), []string{"a", "b"}, fastRetry,
		func(ctx context.Context, endpoint string) (int, error) {
			calls++
			return 0, &domain.ChainMismatchError{Provider: endpoint, Expected: 97, Got: 56}
		})
	require.ErrorIs(t, err, domain.ErrChainMismatch)
	assert.Equal(t, 1, calls, "no failover after a mismatch")
}

func TestCalculateBackoff(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, BackoffMultiple: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, calculateBackoff(i, cfg), "attempt %d", i)
	}
}
