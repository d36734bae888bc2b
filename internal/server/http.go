package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"LendLedger/internal/ingestion"
	"LendLedger/internal/observability"
	"LendLedger/internal/projection"
	"LendLedger/internal/query"
)

// HTTPServer serves the JSON query API, the admin API, Prometheus
// metrics, and the health probes.
type HTTPServer struct {
	server        *http.Server
	queries       *query.Service
	injector      *ingestion.AdminInjector
	healthChecker *observability.HealthChecker
	db            *sql.DB
}

func NewHTTPServer(addr string, queries *query.Service, injector *ingestion.AdminInjector, healthChecker *observability.HealthChecker, db *sql.DB) *HTTPServer {
	s := &HTTPServer{
		queries:       queries,
		injector:      injector,
		healthChecker: healthChecker,
		db:            db,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", healthChecker.LivenessHandler)
	r.Get("/readyz", healthChecker.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/markets", s.handleListMarkets)
		r.Get("/markets/{asset}", s.handleGetMarket)
		r.Get("/markets/{asset}/entries", s.handleEntryHistory)

		r.Get("/users/{userID}/positions", s.handlePortfolio)
		r.Get("/users/{userID}/positions/{asset}", s.handlePosition)
		r.Get("/users/{userID}/health", s.handleHealth)
		r.Get("/users/{userID}/operations", s.handleOperationHistory)
		r.Get("/users/{userID}/liquidations", s.handleUserLiquidations)

		r.Get("/liquidations", s.handleLiquidationFeed)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/integrity", s.handleVerifyIntegrity)
			r.Post("/projections/rebuild", s.handleRebuildProjections)
			r.Post("/markets", s.handleAddMarket)
			r.Post("/markets/{asset}/pause", s.handlePauseMarket)
			r.Post("/markets/{asset}/resume", s.handleResumeMarket)
			r.Post("/markets/{asset}/borrow-cap", s.handleSetBorrowCap)
			r.Post("/markets/{asset}/reduce-reserves", s.handleReduceReserves)
			r.Post("/prices", s.handlePostPrice)
		})
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Query handlers ---

func (s *HTTPServer) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.queries.ListMarkets()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"markets": markets})
}

func (s *HTTPServer) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queries.GetMarketStats(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleEntryHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 500)
	before := queryCursor(r)

	entries, err := s.queries.GetEntryHistory(r.Context(), chi.URLParam(r, "asset"), limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *HTTPServer) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	positions, err := s.queries.GetPortfolio(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *HTTPServer) handlePosition(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	position, err := s.queries.GetPosition(userID, chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, position)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	health, err := s.queries.GetHealth(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *HTTPServer) handleOperationHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	ops, err := s.queries.GetOperationHistory(r.Context(), userID, queryLimit(r, 50, 200), queryCursor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

func (s *HTTPServer) handleUserLiquidations(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"liquidations": s.queries.GetUserLiquidations(userID, queryLimit(r, 50, 200)),
	})
}

func (s *HTTPServer) handleLiquidationFeed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"liquidations": s.queries.GetLiquidationFeed(queryLimit(r, 50, 200)),
	})
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	log.Info().Msg("rebuilding projections from operation log")
	if err := projection.Rebuild(r.Context(), s.db); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

// --- Admin handlers ---
// These inject operations into the same pipeline as NATS traffic; the
// response acknowledges queueing, not application.

type addMarketRequest struct {
	Asset                string `json:"asset"`
	ReserveFactor        string `json:"reserve_factor"`
	CollateralFactor     string `json:"collateral_factor"`
	LiquidationThreshold string `json:"liquidation_threshold"`
	LiquidationBonus     string `json:"liquidation_bonus"`
	Block                uint64 `json:"block"`
}

func (s *HTTPServer) handleAddMarket(w http.ResponseWriter, r *http.Request) {
	var req addMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}

	fractions := make([]*big.Int, 4)
	for i, raw := range []string{req.ReserveFactor, req.CollateralFactor, req.LiquidationThreshold, req.LiquidationBonus} {
		v, err := parseWadFraction(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		fractions[i] = v
	}

	if err := s.injector.InjectAddMarket(r.Context(), req.Asset, fractions[0], fractions[1], fractions[2], fractions[3], req.Block); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type blockRequest struct {
	Block uint64 `json:"block"`
}

func (s *HTTPServer) handlePauseMarket(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.injector.InjectPauseMarket(r.Context(), chi.URLParam(r, "asset"), req.Block); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *HTTPServer) handleResumeMarket(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.injector.InjectResumeMarket(r.Context(), chi.URLParam(r, "asset"), req.Block); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type borrowCapRequest struct {
	BorrowCap string `json:"borrow_cap"`
	Block     uint64 `json:"block"`
}

func (s *HTTPServer) handleSetBorrowCap(w http.ResponseWriter, r *http.Request) {
	var req borrowCapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	borrowCap, ok := new(big.Int).SetString(req.BorrowCap, 10)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "borrow_cap must be a base-unit integer")
		return
	}
	if err := s.injector.InjectSetBorrowCap(r.Context(), chi.URLParam(r, "asset"), borrowCap, req.Block); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type reduceReservesRequest struct {
	Amount      string `json:"amount"`
	RecipientID string `json:"recipient_id"`
	Block       uint64 `json:"block"`
}

func (s *HTTPServer) handleReduceReserves(w http.ResponseWriter, r *http.Request) {
	var req reduceReservesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "amount must be a base-unit integer")
		return
	}
	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid recipient_id")
		return
	}
	if err := s.injector.InjectReduceReserves(r.Context(), chi.URLParam(r, "asset"), amount, recipientID, req.Block); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type postPriceRequest struct {
	Asset         string `json:"asset"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	Block         uint64 `json:"block"`
}

func (s *HTTPServer) handlePostPrice(w http.ResponseWriter, r *http.Request) {
	var req postPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid body")
		return
	}
	price, ok := new(big.Int).SetString(req.Price, 10)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "price must be a base-unit integer")
		return
	}
	if err := s.injector.InjectPriceUpdate(r.Context(), req.Asset, price, req.PriceSequence, req.Block); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// --- helpers ---

var httpWadScale = decimal.New(1, 18)

func parseWadFraction(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid fraction %q", s)
	}
	scaled := d.Mul(httpWadScale)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("fraction %q has more than 18 decimal places", s)
	}
	return scaled.BigInt(), nil
}

func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

func queryCursor(r *http.Request) *int64 {
	raw := r.URL.Query().Get("before")
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, query.ErrViewNotReady):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
