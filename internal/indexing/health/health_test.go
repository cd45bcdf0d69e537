package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/reclaimer/internal/core/cursor"
	"github.com/vietddude/reclaimer/internal/core/domain"
)

// =============================================================================
// Mocks
// =============================================================================

const testChain = domain.ChainIDBNBTestnet

var (
	owner  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	renter = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

type stubAPI struct {
	status  *domain.ChainStatus
	err     error
	rentals []*domain.Rental
	result  domain.ReclaimResult
	now     uint64
	paused  string
}

func (s *stubAPI) ChainIDs() []domain.ChainID { return []domain.ChainID{testChain} }

func (s *stubAPI) ChainStatus(ctx context.Context, chainID domain.ChainID) (*domain.ChainStatus, error) {
	if chainID != testChain {
		return nil, domain.ErrChainNotConfigured
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.status, nil
}

func (s *stubAPI) ListRentals(ctx context.Context, chainID domain.ChainID) ([]*domain.Rental, error) {
	if chainID != testChain {
		return nil, domain.ErrChainNotConfigured
	}
	return s.rentals, nil
}

func (s *stubAPI) GetRental(ctx context.Context, key domain.RentalKey) (*domain.Rental, error) {
	for _, r := range s.rentals {
		if r.Key() == key {
			return r, nil
		}
	}
	return nil, domain.ErrRentalNotFound
}

func (s *stubAPI) GetTimeRemaining(ctx context.Context, chainID domain.ChainID, rentalID uint64) (uint64, error) {
	r, err := s.GetRental(ctx, domain.RentalKey{ChainID: chainID, RentalID: rentalID})
	if err != nil {
		return 0, err
	}
	return r.TimeRemaining(s.now), nil
}

func (s *stubAPI) TriggerManualReclaim(ctx context.Context, chainID domain.ChainID, rentalID uint64) (domain.ReclaimResult, error) {
	if chainID != testChain {
		return domain.ReclaimResult{}, domain.ErrChainNotConfigured
	}
	res := s.result
	res.Key = domain.RentalKey{ChainID: chainID, RentalID: rentalID}
	return res, nil
}

func (s *stubAPI) PauseChain(ctx context.Context, chainID domain.ChainID, reason string) error {
	if chainID != testChain {
		return domain.ErrChainNotConfigured
	}
	if s.status.CursorState == domain.CursorStatePaused {
		return nil
	}
	s.paused = reason
	s.status.CursorState = domain.CursorStatePaused
	return nil
}

func (s *stubAPI) ResumeChain(ctx context.Context, chainID domain.ChainID) error {
	if chainID != testChain {
		return domain.ErrChainNotConfigured
	}
	if s.status.CursorState != domain.CursorStatePaused {
		return fmt.Errorf("%w: cursor is not paused", cursor.ErrInvalidTransition)
	}
	s.status.CursorState = domain.CursorStateScanning
	return nil
}

func healthyStatus() *domain.ChainStatus {
	return &domain.ChainStatus{
		ChainID:          testChain,
		Name:             "bnb-testnet",
		Running:          true,
		CursorState:      domain.CursorStateScanning,
		Lag:              2,
		ReactiveContract: common.HexToAddress("0x0f"),
	}
}

func newTestServer(api *stubAPI) *httptest.Server {
	monitor := NewMonitor(api, DefaultThresholds)
	return httptest.NewServer(NewServer(monitor, api, 0).Handler())
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "decode %s", url)
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "decode %s", url)
	}
	return resp.StatusCode
}

// =============================================================================
// Tests
// =============================================================================

func TestMonitor_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *domain.ChainStatus)
		err    error
		want   SystemStatus
	}{
		{"healthy", func(s *domain.ChainStatus) {}, nil, StatusHealthy},
		{"lagging", func(s *domain.ChainStatus) { s.Lag = 50 }, nil, StatusDegraded},
		{"paused", func(s *domain.ChainStatus) { s.CursorState = domain.CursorStatePaused }, nil, StatusDegraded},
		{"failures", func(s *domain.ChainStatus) { s.FailedReclaims = 1 }, nil, StatusDegraded},
		{"far behind", func(s *domain.ChainStatus) { s.Lag = 500 }, nil, StatusCritical},
		{"halted", func(s *domain.ChainStatus) { s.CursorState = domain.CursorStateHalted }, nil, StatusCritical},
		{"stopped", func(s *domain.ChainStatus) { s.Running = false }, nil, StatusCritical},
		{"unreachable", func(s *domain.ChainStatus) {}, errors.New("rpc down"), StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := healthyStatus()
			tt.mutate(st)
			monitor := NewMonitor(&stubAPI{status: st, err: tt.err}, DefaultThresholds)

			health := monitor.CheckHealth(context.Background())[testChain]
			assert.Equal(t, tt.want, health.Status)
		})
	}
}

func TestMonitor_ReportsReactiveWiring(t *testing.T) {
	st := healthyStatus()
	st.ReactiveContract = common.Address{}
	monitor := NewMonitor(&stubAPI{status: st}, DefaultThresholds)

	health := monitor.CheckHealth(context.Background())[testChain]
	assert.False(t, health.ReactiveWired, "reactive contract should be reported as unwired")
}

func TestMonitor_CachesReport(t *testing.T) {
	api := &stubAPI{status: healthyStatus()}
	monitor := NewMonitor(api, DefaultThresholds)
	monitor.CheckHealth(context.Background())

	api.status = healthyStatus()
	api.status.CursorState = domain.CursorStateHalted
	assert.Equal(t, StatusHealthy, monitor.CheckHealth(context.Background())[testChain].Status,
		"report should be served from cache")
}

func TestServer_Health(t *testing.T) {
	api := &stubAPI{status: healthyStatus()}
	srv := newTestServer(api)
	defer srv.Close()

	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &body))
	assert.Equal(t, string(StatusHealthy), body["status"])

	var report HealthReport
	getJSON(t, srv.URL+"/health/detailed", &report)
	assert.Equal(t, "bnb-testnet", report.Chains[testChain].Name)
}

func TestServer_HealthCritical(t *testing.T) {
	st := healthyStatus()
	st.CursorState = domain.CursorStateHalted
	srv := newTestServer(&stubAPI{status: st})
	defer srv.Close()

	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/health", nil))
}

func TestServer_Rentals(t *testing.T) {
	api := &stubAPI{
		status: healthyStatus(),
		now:    1500,
		rentals: []*domain.Rental{
			{ChainID: testChain, RentalID: 1, Owner: owner, Status: domain.RentalStatusAvailable},
			{ChainID: testChain, RentalID: 2, Owner: owner, Renter: renter, Status: domain.RentalStatusActive, StartTime: 1000, Duration: 3600},
			{ChainID: testChain, RentalID: 3, Owner: renter, Status: domain.RentalStatusAvailable},
		},
	}
	srv := newTestServer(api)
	defer srv.Close()

	base := srv.URL + fmt.Sprintf("/chains/%d/rentals", testChain)
	var all []domain.Rental
	require.Equal(t, http.StatusOK, getJSON(t, base, &all))
	assert.Len(t, all, 3)

	filters := []struct {
		query string
		want  []uint64
	}{
		{"?status=active", []uint64{2}},
		{"?owner=" + owner.Hex(), []uint64{1, 2}},
		{"?renter=" + renter.Hex(), []uint64{2}},
		{"?status=available&owner=" + renter.Hex(), []uint64{3}},
	}
	for _, f := range filters {
		var got []domain.Rental
		require.Equal(t, http.StatusOK, getJSON(t, base+f.query, &got), f.query)
		ids := make([]uint64, 0, len(got))
		for _, r := range got {
			ids = append(ids, r.RentalID)
		}
		assert.Equal(t, f.want, ids, f.query)
	}

	assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"?owner=0xnothex", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"?status=lost", nil))

	var one struct {
		RentalID      uint64 `json:"rental_id"`
		Expiry        uint64 `json:"expiry"`
		TimeRemaining uint64 `json:"time_remaining"`
	}
	getJSON(t, base+"/2", &one)
	assert.Equal(t, uint64(2), one.RentalID)
	assert.Equal(t, uint64(4600), one.Expiry)
	assert.Equal(t, uint64(3100), one.TimeRemaining)

	assert.Equal(t, http.StatusNotFound, getJSON(t, base+"/9", nil), "unknown rental")
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/chains/1/rentals", nil), "unknown chain")
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/chains/abc/rentals", nil), "bad chain id")
}

func TestServer_Chains(t *testing.T) {
	srv := newTestServer(&stubAPI{status: healthyStatus()})
	defer srv.Close()

	var chains []domain.ChainStatus
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/chains", &chains))
	require.Len(t, chains, 1)
	assert.Equal(t, testChain, chains[0].ChainID)
}

func TestServer_PauseResume(t *testing.T) {
	api := &stubAPI{status: healthyStatus()}
	srv := newTestServer(api)
	defer srv.Close()
	base := srv.URL + fmt.Sprintf("/chains/%d", testChain)

	var st domain.ChainStatus
	require.Equal(t, http.StatusOK, postJSON(t, base+"/pause?reason=maintenance", &st))
	assert.Equal(t, domain.CursorStatePaused, st.CursorState)
	assert.Equal(t, "maintenance", api.paused)

	require.Equal(t, http.StatusOK, postJSON(t, base+"/resume", &st))
	assert.Equal(t, domain.CursorStateScanning, st.CursorState)

	assert.Equal(t, http.StatusConflict, postJSON(t, base+"/resume", nil), "resume of a running chain")
	assert.Equal(t, http.StatusNotFound, postJSON(t, srv.URL+"/chains/1/pause", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, getJSON(t, base+"/pause", nil))
}

func TestServer_Reclaim(t *testing.T) {
	hash := common.HexToHash("0xabc")
	api := &stubAPI{
		status: healthyStatus(),
		result: domain.ReclaimResult{Outcome: domain.OutcomeReclaimed, AttemptID: "a1", TxHash: &hash},
	}
	srv := newTestServer(api)
	defer srv.Close()

	url := srv.URL + fmt.Sprintf("/chains/%d/rentals/5/reclaim", testChain)
	var out ReclaimResponse
	require.Equal(t, http.StatusOK, postJSON(t, url, &out))
	assert.True(t, out.Success)
	assert.Equal(t, uint64(5), out.RentalID)
	assert.NotNil(t, out.TxHash)

	api.result = domain.ReclaimResult{Outcome: domain.OutcomeInFlight}
	assert.Equal(t, http.StatusConflict, postJSON(t, url, nil), "in-flight reclaim")
	assert.Equal(t, http.StatusMethodNotAllowed, getJSON(t, url, nil), "GET on reclaim")
}

func TestGRPCServer_Update(t *testing.T) {
	st := healthyStatus()
	st.CursorState = domain.CursorStateHalted
	s := NewGRPCServer(NewMonitor(&stubAPI{status: st}, DefaultThresholds), 0)
	s.Update(context.Background())

	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName(testChain)})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	resp, err = s.health.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status, "overall status")
}
