// Package server provides the read-only HTTP reporting surface: account
// balances, open positions, trade history and level status, all served
// through internal/facade's read projections. It never calls a mutating
// facade method — mutations are reserved for the CLI and the poller,
// which each mint their own MutationToken.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/matiasvillaverde/trust/internal/domain"
	"github.com/matiasvillaverde/trust/internal/facade"
	"github.com/matiasvillaverde/trust/internal/store"
)

func currencyFromQuery(s string) domain.Currency {
	return domain.Currency(s)
}

// Config holds server configuration.
type Config struct {
	Log     zerolog.Logger
	Store   *store.DB
	Facade  *facade.Facade
	Port    int
	DevMode bool
}

// Server is the reporting HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	store  *store.DB
	facade *facade.Facade
}

// New builds a Server and wires its routes.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		store:  cfg.Store,
		facade: cfg.Facade,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/version", s.handleVersion)
		r.Get("/system/stats", s.handleSystemStats)

		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Get("/", s.handleGetAccount)
			r.Get("/balance", s.handleGetAccountBalance)
			r.Get("/transactions", s.handleGetAccountTransactions)
			r.Get("/level", s.handleGetAccountLevel)
		})

		r.Get("/trades/{tradeID}", s.handleGetTrade)
		r.Get("/positions", s.handleOpenPositions)
		r.Get("/vehicles", s.handleListVehicles)
		r.Get("/distributions/{accountID}", s.handleDistributionHistory)
	})
}

// loggingMiddleware logs HTTP requests, mirroring the per-request field
// set a reporting surface needs for debugging without a body capture.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "trust"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"service": "trust"})
}

// handleSystemStats reports host CPU/RAM utilisation, a cheap operator
// signal that the single SQLite writer isn't starved of resources.
func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read cpu percent")
		cpuPercent = []float64{0}
	}
	memStat, err := mem.VirtualMemory()
	ramPercent := 0.0
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read memory stats")
	} else {
		ramPercent = memStat.UsedPercent
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	s.writeJSON(w, http.StatusOK, map[string]float64{"cpu_percent": cpuAvg, "ram_percent": ramPercent})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	a, err := s.facade.GetAccount(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleGetAccountBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = "USD"
	}
	bal, err := s.facade.GetAccountBalance(r.Context(), id, currencyFromQuery(currency))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleGetAccountTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	txs, err := s.facade.GetAccountTransactions(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleGetAccountLevel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	lvl, err := s.facade.GetLevel(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lvl)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tradeID")
	tr, err := s.facade.GetTrade(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tr)
}

func (s *Server) handleOpenPositions(w http.ResponseWriter, r *http.Request) {
	var accountID *string
	if v := r.URL.Query().Get("account_id"); v != "" {
		accountID = &v
	}
	trades, err := s.facade.CalculateOpenPositions(r.Context(), accountID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := s.facade.ListVehicles(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, vehicles)
}

func (s *Server) handleDistributionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	hist, err := s.facade.GetDistributionHistory(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, hist)
}

// Handler exposes the underlying router for tests and for embedding
// behind an external listener (e.g. httptest).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
