package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/reclaimer/internal/core/domain"
)

// LogBatch is a contiguous, fully fetched range of confirmed blocks.
type LogBatch struct {
	From uint64
	To   uint64
	Head domain.Head
	Logs []domain.RawLog
}

// SubscriptionConfig tunes a LogSubscription.
type SubscriptionConfig struct {
	Confirmations uint64
	MaxRange      uint64
	PollInterval  time.Duration
	// Wake, if set, shortens the wait for the next head (new-head feeds).
	Wake <-chan struct{}
}

// LogSubscription is an infinite, restartable sequence of log batches.
// Each call to Next returns the next range; a failed call leaves the
// position unchanged so it can simply be retried.
type LogSubscription struct {
	src  LogSource
	cfg  SubscriptionConfig
	mu   sync.Mutex
	next uint64
}

// NewLogSubscription starts a subscription at fromBlock.
func NewLogSubscription(src LogSource, fromBlock uint64, cfg SubscriptionConfig) *LogSubscription {
	if cfg.MaxRange == 0 {
		cfg.MaxRange = 2000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &LogSubscription{src: src, cfg: cfg, next: fromBlock}
}

// Position returns the next block to be fetched.
func (s *LogSubscription) Position() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Reset restarts the sequence at fromBlock.
func (s *LogSubscription) Reset(fromBlock uint64) {
	s.mu.Lock()
	s.next = fromBlock
	s.mu.Unlock()
}

// Next blocks until a new confirmed range exists and returns it.
func (s *LogSubscription) Next(ctx context.Context) (*LogBatch, error) {
	for {
		batch, err := s.poll(ctx)
		if err != nil || batch != nil {
			return batch, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.cfg.Wake:
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

func (s *LogSubscription) poll(ctx context.Context) (*LogBatch, error) {
	head, err := s.src.LatestHead(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest head: %w", err)
	}
	if head.Number < s.cfg.Confirmations {
		return nil, nil
	}
	safe := head.Number - s.cfg.Confirmations

	from := s.Position()
	if from > safe {
		return nil, nil
	}
	to := from + s.cfg.MaxRange - 1
	if to > safe {
		to = safe
	}

	logs, err := s.src.FilterLogs(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}
	SortLogs(logs)

	s.mu.Lock()
	// A concurrent Reset wins over this batch.
	if s.next != from {
		s.mu.Unlock()
		return nil, nil
	}
	s.next = to + 1
	s.mu.Unlock()

	return &LogBatch{From: from, To: to, Head: *head, Logs: logs}, nil
}

// SortLogs orders logs by (block, logIndex), the order events must be
// applied in.
func SortLogs(logs []domain.RawLog) {
	sort.SliceStable(logs, func(i, j int) bool {
		a, b := logs[i].Log, logs[j].Log
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.Index < b.Index
	})
}
