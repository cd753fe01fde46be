// Package server implements the minimal status/health HTTP surface
// (SPEC_FULL.md's ambient observability layer). Grounded on
// internal/server/server.go's chi router + cors middleware wiring and
// internal/server/system_handlers.go's gopsutil-backed getSystemStats.
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

	"github.com/aristath/cryptosentinel/internal/domain"
)

// FundSnapshot is the Fund Scheduler surface the status endpoint reports.
type FundSnapshot interface {
	GetAvailable() float64
}

// DecisionHistory is the durable-store surface the status endpoint reports.
type DecisionHistory interface {
	Recent(limit int) ([]domain.DecisionRecord, error)
}

// Config configures the status server.
type Config struct {
	Port      int
	Log       zerolog.Logger
	Funds     FundSnapshot
	Decisions DecisionHistory
	StartedAt time.Time
}

// Server exposes /health and /api/status over HTTP.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	funds     FundSnapshot
	decisions DecisionHistory
	startedAt time.Time
}

// New builds a Server with its routes and middleware wired.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		funds:     cfg.Funds,
		decisions: cfg.Decisions,
		startedAt: cfg.StartedAt,
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/decisions", s.handleDecisions)
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start runs the HTTP server, blocking until it stops or errors.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting status server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status      string  `json:"status"`
	UptimeSecs  float64 `json:"uptime_seconds"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cpuPct, memPct := s.systemStats()
	s.writeJSON(w, healthResponse{
		Status:     "ok",
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		CPUPercent: cpuPct,
		MemPercent: memPct,
	})
}

type statusResponse struct {
	AvailableFunds float64 `json:"available_funds"`
	UptimeSecs     float64 `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, statusResponse{
		AvailableFunds: s.funds.GetAvailable(),
		UptimeSecs:     time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	recent, err := s.decisions.Recent(50)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list recent decisions")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, recent)
}

// systemStats mirrors internal/server/system_handlers.go's getSystemStats:
// a short cpu.Percent sample plus an instant mem.VirtualMemory read, so a
// health poll never blocks for long.
func (s *Server) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read cpu percent")
		cpuPercent = []float64{0}
	}
	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read memory stats")
		return valueOr(cpuPercent, 0), 0
	}
	return valueOr(cpuPercent, 0), memStat.UsedPercent
}

func valueOr(v []float64, fallback float64) float64 {
	if len(v) == 0 {
		return fallback
	}
	return v[0]
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
