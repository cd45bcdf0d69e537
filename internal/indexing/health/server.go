package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	logger "log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/reclaimer/internal/core/cursor"
	"github.com/vietddude/reclaimer/internal/core/domain"
)

// API is the operator surface served over HTTP. The coordinator
// implements it.
type API interface {
	StatusProvider
	ListRentals(ctx context.Context, chainID domain.ChainID) ([]*domain.Rental, error)
	GetRental(ctx context.Context, key domain.RentalKey) (*domain.Rental, error)
	GetTimeRemaining(ctx context.Context, chainID domain.ChainID, rentalID uint64) (uint64, error)
	TriggerManualReclaim(ctx context.Context, chainID domain.ChainID, rentalID uint64) (domain.ReclaimResult, error)
	PauseChain(ctx context.Context, chainID domain.ChainID, reason string) error
	ResumeChain(ctx context.Context, chainID domain.ChainID) error
}

// Server provides HTTP endpoints for health monitoring and rentals.
type Server struct {
	monitor *Monitor
	api     API
	router  *mux.Router
	server  *http.Server
}

// NewServer creates a new health server.
func NewServer(monitor *Monitor, api API, port int) *Server {
	s := &Server{
		monitor: monitor,
		api:     api,
		router:  mux.NewRouter(),
	}
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/health/detailed", s.handleDetailed).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.HandleFunc("/chains", s.handleChains).Methods(http.MethodGet)
	s.router.HandleFunc("/chains/{chainID}", s.handleChain).Methods(http.MethodGet)
	s.router.HandleFunc("/chains/{chainID}/pause", s.handlePause).Methods(http.MethodPost)
	s.router.HandleFunc("/chains/{chainID}/resume", s.handleResume).Methods(http.MethodPost)
	s.router.HandleFunc("/chains/{chainID}/rentals", s.handleRentals).Methods(http.MethodGet)
	s.router.HandleFunc("/chains/{chainID}/rentals/{rentalID}", s.handleRental).Methods(http.MethodGet)
	s.router.HandleFunc("/chains/{chainID}/rentals/{rentalID}/reclaim", s.handleReclaim).Methods(http.MethodPost)

	return s
}

// Handler returns the router, e.g. for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := Aggregate(s.monitor.CheckHealth(r.Context()))

	code := http.StatusOK
	if status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(status)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	chains := s.monitor.CheckHealth(r.Context())
	writeJSON(w, http.StatusOK, HealthReport{
		SystemStatus: Aggregate(chains),
		Chains:       chains,
	})
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	out := make([]*domain.ChainStatus, 0)
	for _, id := range s.api.ChainIDs() {
		st, err := s.api.ChainStatus(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	chainID, ok := chainParam(w, r)
	if !ok {
		return
	}
	s.writeChain(w, r, chainID)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	chainID, ok := chainParam(w, r)
	if !ok {
		return
	}
	if err := s.api.PauseChain(r.Context(), chainID, r.URL.Query().Get("reason")); err != nil {
		writeError(w, err)
		return
	}
	s.writeChain(w, r, chainID)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	chainID, ok := chainParam(w, r)
	if !ok {
		return
	}
	if err := s.api.ResumeChain(r.Context(), chainID); err != nil {
		writeError(w, err)
		return
	}
	s.writeChain(w, r, chainID)
}

func (s *Server) writeChain(w http.ResponseWriter, r *http.Request, chainID domain.ChainID) {
	st, err := s.api.ChainStatus(r.Context(), chainID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRentals(w http.ResponseWriter, r *http.Request) {
	chainID, ok := chainParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter, err := domain.ParseRentalFilter(q.Get("status"), q.Get("owner"), q.Get("renter"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rentals, err := s.api.ListRentals(r.Context(), chainID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, filter.Apply(rentals))
}

type rentalResponse struct {
	*domain.Rental
	Expiry        uint64 `json:"expiry,omitempty"`
	TimeRemaining uint64 `json:"time_remaining"`
}

func (s *Server) handleRental(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParams(w, r)
	if !ok {
		return
	}
	rental, err := s.api.GetRental(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	remaining, err := s.api.GetTimeRemaining(r.Context(), key.ChainID, key.RentalID)
	if err != nil {
		writeError(w, err)
		return
	}
	expiry, _ := rental.ExpiryTime()
	writeJSON(w, http.StatusOK, rentalResponse{Rental: rental, Expiry: expiry, TimeRemaining: remaining})
}

// ReclaimResponse is the body of a manual reclaim reply.
type ReclaimResponse struct {
	ChainID   domain.ChainID        `json:"chain_id"`
	RentalID  uint64                `json:"rental_id"`
	Outcome   domain.ReclaimOutcome `json:"outcome"`
	Success   bool                  `json:"success"`
	AttemptID string                `json:"attempt_id,omitempty"`
	TxHash    *common.Hash          `json:"tx_hash,omitempty"`
	Retries   int                   `json:"retries"`
	Error     string                `json:"error,omitempty"`
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParams(w, r)
	if !ok {
		return
	}
	res, err := s.api.TriggerManualReclaim(r.Context(), key.ChainID, key.RentalID)
	if err != nil {
		writeError(w, err)
		return
	}

	out := ReclaimResponse{
		ChainID:   key.ChainID,
		RentalID:  key.RentalID,
		Outcome:   res.Outcome,
		Success:   res.Outcome.Success(),
		AttemptID: res.AttemptID,
		TxHash:    res.TxHash,
		Retries:   res.Retries,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	code := http.StatusOK
	if res.Outcome == domain.OutcomeInFlight {
		code = http.StatusConflict
	}
	writeJSON(w, code, out)
}

func chainParam(w http.ResponseWriter, r *http.Request) (domain.ChainID, bool) {
	id, err := domain.ParseChainID(mux.Vars(r)["chainID"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid chain id"})
		return 0, false
	}
	return id, true
}

func keyParams(w http.ResponseWriter, r *http.Request) (domain.RentalKey, bool) {
	chainID, ok := chainParam(w, r)
	if !ok {
		return domain.RentalKey{}, false
	}
	rentalID, err := strconv.ParseUint(mux.Vars(r)["rentalID"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid rental id"})
		return domain.RentalKey{}, false
	}
	return domain.RentalKey{ChainID: chainID, RentalID: rentalID}, true
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrChainNotConfigured), errors.Is(err, domain.ErrRentalNotFound):
		code = http.StatusNotFound
	case errors.Is(err, cursor.ErrInvalidTransition):
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response", "error", err)
	}
}
