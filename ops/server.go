// Package ops serves the operational HTTP surface: liveness, Prometheus
// metrics, dead-lettered and journaled events, subscription and breaker
// state, ingest counters, recent candles per series and the
// error-pipeline snapshot.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SubhajL/online-trading-sub000/eventbus"
	"github.com/SubhajL/online-trading-sub000/faults"
	"github.com/SubhajL/online-trading-sub000/ingest"
	"github.com/SubhajL/online-trading-sub000/market"
	"github.com/SubhajL/online-trading-sub000/store"
)

var (
	ErrNilBus   = errors.New("ops: nil bus source")
	ErrNilStore = errors.New("ops: nil store")
)

// BusSource is the bus surface the endpoints read. *eventbus.Bus
// satisfies it.
type BusSource interface {
	Metrics() eventbus.BusMetrics
	HealthCheck() eventbus.Health
	DeadLetterEvents(limit int) []eventbus.Event
	SubscriptionInfos() []eventbus.Info
	BreakerSnapshots() map[string]eventbus.BreakerSnapshot
}

// Pinger reports store liveness. *sqlite.DB satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IngestSource yields one venue's pipeline counters and its in-memory
// tail of recent closed candles. *ingest.State satisfies it.
type IngestSource interface {
	Stats() ingest.Stats
	Recent(symbol string, tf market.Timeframe) []market.Candle
}

// FaultSource yields error-pipeline aggregates. *faults.MetricsHandler
// satisfies it.
type FaultSource interface {
	Snapshot() faults.MetricsSnapshot
}

// JournalSource reads back journaled bus events. *sqlite.DB satisfies
// it.
type JournalSource interface {
	RecentEvents(ctx context.Context, limit int) ([]store.JournalEntry, error)
}

// Deps are the data sources behind the endpoints. Bus and Store are
// required. A nil Faults serves an empty snapshot, a nil Journal an
// empty entry list, and a nil Gatherer falls back to the
// process-default Prometheus registry.
type Deps struct {
	Bus      BusSource
	Store    Pinger
	Faults   FaultSource
	Journal  JournalSource
	Ingest   []IngestSource
	Gatherer prometheus.Gatherer
}

// Server is the operational HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	router *chi.Mux

	mu      sync.Mutex
	started bool
	srv     *http.Server
	ln      net.Listener
}

// NewServer validates cfg and assembles a stopped server.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, faults.NewConfigurationError("ops", "new",
			"invalid ops configuration", err)
	}
	if deps.Bus == nil {
		return nil, ErrNilBus
	}
	if deps.Store == nil {
		return nil, ErrNilStore
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/bus", s.handleBusMetrics)
		r.Get("/subscriptions", s.handleSubscriptions)
		r.Get("/breakers", s.handleBreakers)
		r.Get("/dlq", s.handleDeadLetters)
		r.Get("/journal", s.handleJournal)
		r.Get("/errors", s.handleErrors)
		r.Get("/ingest", s.handleIngest)
		r.Get("/candles", s.handleRecentCandles)
	})
	return r
}

// Handler exposes the router, mostly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and begins serving. Safe to call on a
// started server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("ops server failed", "error", err)
		}
	}()
	s.started = true

	s.logger.Info("ops server started", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down, draining in-flight requests for up to
// the configured shutdown timeout or until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	srv := s.srv
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}

	s.mu.Lock()
	s.started = false
	s.ln = nil
	s.mu.Unlock()

	s.logger.Info("ops server stopped")
	return nil
}

// requestLogger logs one line per request at debug level.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed", time.Since(start))
		})
	}
}
