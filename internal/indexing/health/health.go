// Package health provides system health monitoring, the operator HTTP API
// and the gRPC health service.
package health

import (
	"github.com/vietddude/reclaimer/internal/core/domain"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ChainHealth contains health metrics for one origin chain.
type ChainHealth struct {
	ChainID          domain.ChainID     `json:"chain_id"`
	Name             string             `json:"name"`
	Status           SystemStatus       `json:"status"`
	CursorState      domain.CursorState `json:"cursor_state"`
	BlockLag         uint64             `json:"block_lag"`
	ReactiveWired    bool               `json:"reactive_wired"`
	PendingCallbacks int                `json:"pending_callbacks"`
	FailedReclaims   int                `json:"failed_reclaims"`
	Placeholders     int                `json:"placeholders"`
	Anomalies        uint64             `json:"anomalies"`
	LastError        string             `json:"last_error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus                   `json:"system_status"`
	Chains       map[domain.ChainID]ChainHealth `json:"chains"`
}

// Aggregate returns the worst status in the report.
func Aggregate(chains map[domain.ChainID]ChainHealth) SystemStatus {
	status := StatusHealthy
	for _, chain := range chains {
		if chain.Status == StatusCritical {
			return StatusCritical
		}
		if chain.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
