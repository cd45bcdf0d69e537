package rpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vietddude/reclaimer/internal/core/domain"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialDelay:    1 * time.Second,
	MaxDelay:        60 * time.Second,
	BackoffMultiple: 2.0,
}

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFailover
	ActionFatal
)

func (a ErrorAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFailover:
		return "failover"
	default:
		return "fatal"
	}
}

// ClassifyError determines the action for a given error.
func ClassifyError(err error) ErrorAction {
	if err == nil {
		return ActionRetry // Should not happen
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrChainMismatch) ||
		errors.Is(err, domain.ErrAdapterClosed) {
		return ActionFatal
	}

	s := err.Error()
	sLower := strings.ToLower(s)

	// Fatal (Code or Request issues)
	// -32700: Parse error, -32600: Invalid Request, -32601: Method not found, -32602: Invalid params
	if strings.Contains(s, "-32700") || strings.Contains(s, "-32600") ||
		strings.Contains(s, "-32601") || strings.Contains(s, "-32602") {
		return ActionFatal
	}

	// Contract and account level failures do not improve with retries
	if strings.Contains(sLower, "execution reverted") ||
		strings.Contains(sLower, "insufficient funds") {
		return ActionFatal
	}

	// Failover (Provider specific issues)
	if strings.Contains(s, "429") || strings.Contains(sLower, "too many requests") ||
		strings.Contains(s, "403") || strings.Contains(sLower, "forbidden") ||
		strings.Contains(sLower, "quota") || strings.Contains(sLower, "plan limit") ||
		strings.Contains(sLower, "unauthorized") ||
		strings.Contains(sLower, "rate limit") ||
		strings.Contains(sLower, "count exceeded") {
		return ActionFailover
	}

	// Default to Retry (Network, 5xx, nonce races, etc)
	return ActionRetry
}

// IsNonceConflict reports errors caused by a concurrent or stale nonce.
func IsNonceConflict(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "nonce too low") ||
		strings.Contains(s, "replacement transaction underpriced") ||
		strings.Contains(s, "already known")
}

// CallWithRetry executes fn with exponential backoff until it succeeds,
// returns a non-retryable error or runs out of attempts.
func CallWithRetry[T any](
	ctx context.Context,
	config RetryConfig,
	fn func(ctx context.Context) (T, error),
) (T, error) {
	var zero T
	var lastErr error

	attempts := config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = err

		action := ClassifyError(err)
		if action == ActionFatal {
			return zero, err // Stop immediately, do not retry
		}
		if action == ActionFailover {
			return zero, err // Return error immediately to try next provider
		}

		if attempt == attempts-1 {
			break
		}

		delay := calculateBackoff(attempt, config)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// CallWithRetryAndFailover tries each named endpoint in order with retry.
func CallWithRetryAndFailover[T any](
	ctx context.Context,
	endpoints []string,
	config RetryConfig,
	fn func(ctx context.Context, endpoint string) (T, error),
) (T, error) {
	var zero T
	if len(endpoints) == 0 {
		return zero, errors.New("no endpoints configured")
	}

	var lastErr error
	for _, endpoint := range endpoints {
		result, err := CallWithRetry(ctx, config, func(ctx context.Context) (T, error) {
			return fn(ctx, endpoint)
		})
		if err == nil {
			return result, nil
		}

		lastErr = err
		if ClassifyError(err) == ActionFatal {
			return zero, fmt.Errorf("fatal error from %s: %w", endpoint, err)
		}
	}

	return zero, fmt.Errorf("all endpoints failed: %w", lastErr)
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	multiple := config.BackoffMultiple
	if multiple <= 0 {
		multiple = 2.0
	}
	delay := float64(config.InitialDelay) * math.Pow(multiple, float64(attempt))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}
