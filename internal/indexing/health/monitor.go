package health

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/reclaimer/internal/core/domain"
)

// StatusProvider reports per-chain status. The coordinator implements it.
type StatusProvider interface {
	ChainIDs() []domain.ChainID
	ChainStatus(ctx context.Context, chainID domain.ChainID) (*domain.ChainStatus, error)
}

// Thresholds decide when a chain is degraded or critical.
type Thresholds struct {
	DegradedLag    uint64
	CriticalLag    uint64
	CriticalFailed int
}

// DefaultThresholds mirrors the indexer lag bands.
var DefaultThresholds = Thresholds{
	DegradedLag:    10,
	CriticalLag:    100,
	CriticalFailed: 10,
}

// Monitor aggregates health status from the coordinator.
type Monitor struct {
	provider   StatusProvider
	thresholds Thresholds
	interval   time.Duration
	lastCheck  time.Time
	lastReport map[domain.ChainID]ChainHealth
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(provider StatusProvider, thresholds Thresholds) *Monitor {
	return &Monitor{
		provider:   provider,
		thresholds: thresholds,
		interval:   10 * time.Second,
		lastReport: make(map[domain.ChainID]ChainHealth),
	}
}

// CheckHealth performs a health check for all chains.
func (m *Monitor) CheckHealth(ctx context.Context) map[domain.ChainID]ChainHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks to avoid spamming RPC
	if time.Since(m.lastCheck) < m.interval && len(m.lastReport) > 0 {
		return m.lastReport
	}

	report := make(map[domain.ChainID]ChainHealth)
	for _, chainID := range m.provider.ChainIDs() {
		report[chainID] = m.evaluate(ctx, chainID)
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func (m *Monitor) evaluate(ctx context.Context, chainID domain.ChainID) ChainHealth {
	health := ChainHealth{
		ChainID: chainID,
		Name:    chainID.Label(),
		Status:  StatusHealthy,
	}

	st, err := m.provider.ChainStatus(ctx, chainID)
	if err != nil {
		health.Status = StatusDegraded
		health.LastError = err.Error()
		return health
	}

	health.Name = st.Name
	health.CursorState = st.CursorState
	if st.Lag > 0 {
		health.BlockLag = uint64(st.Lag)
	}
	health.ReactiveWired = st.ReactiveContract != (common.Address{})
	health.PendingCallbacks = len(st.PendingCallbacks)
	health.FailedReclaims = st.FailedReclaims
	health.Placeholders = st.Placeholders
	health.Anomalies = st.Anomalies
	health.LastError = st.LastError

	switch {
	case st.CursorState == domain.CursorStateHalted,
		!st.Running,
		health.BlockLag > m.thresholds.CriticalLag,
		health.FailedReclaims >= m.thresholds.CriticalFailed:
		health.Status = StatusCritical
	case health.BlockLag > m.thresholds.DegradedLag,
		st.CursorState == domain.CursorStatePaused,
		health.FailedReclaims > 0,
		health.LastError != "":
		health.Status = StatusDegraded
	}
	return health
}
