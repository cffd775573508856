package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/SubhajL/online-trading-sub000/eventbus"
	"github.com/SubhajL/online-trading-sub000/faults"
	"github.com/SubhajL/online-trading-sub000/ingest"
	"github.com/SubhajL/online-trading-sub000/market"
	"github.com/SubhajL/online-trading-sub000/store"
)

// Readback endpoints (/v1/dlq, /v1/journal) default to a small page and
// cap the client-supplied limit.
const (
	defaultReadLimit = 50
	maxReadLimit     = 500
)

// readLimit parses the optional limit query parameter.
func readLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultReadLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("bad limit %q", raw)
	}
	return min(n, maxReadLimit), nil
}

// healthResponse is the /healthz body. Store carries "ok" or the ping
// error text.
type healthResponse struct {
	Status string          `json:"status"`
	Bus    eventbus.Health `json:"bus"`
	Store  string          `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	busHealth := s.deps.Bus.HealthCheck()
	healthy := busHealth.Status == "running"

	storeStatus := "ok"
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		storeStatus = err.Error()
		healthy = false
	}

	resp := healthResponse{Status: "ok", Bus: busHealth, Store: storeStatus}
	code := http.StatusOK
	if !healthy {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.respond(w, code, resp)
}

func (s *Server) handleBusMetrics(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.deps.Bus.Metrics())
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	infos := s.deps.Bus.SubscriptionInfos()
	if infos == nil {
		infos = []eventbus.Info{}
	}
	s.respond(w, http.StatusOK, infos)
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	snaps := s.deps.Bus.BreakerSnapshots()
	if snaps == nil {
		snaps = map[string]eventbus.BreakerSnapshot{}
	}
	s.respond(w, http.StatusOK, snaps)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := readLimit(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	events := s.deps.Bus.DeadLetterEvents(limit)
	if events == nil {
		events = []eventbus.Event{}
	}
	s.respond(w, http.StatusOK, events)
}

// handleJournal serves the newest journaled bus events. Journaling is
// optional, so a missing source reads as an empty journal.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit, err := readLimit(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	if s.deps.Journal == nil {
		s.respond(w, http.StatusOK, []store.JournalEntry{})
		return
	}
	entries, err := s.deps.Journal.RecentEvents(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []store.JournalEntry{}
	}
	s.respond(w, http.StatusOK, entries)
}

func (s *Server) handleErrors(w http.ResponseWriter, _ *http.Request) {
	var snap faults.MetricsSnapshot
	if s.deps.Faults != nil {
		snap = s.deps.Faults.Snapshot()
	}
	s.respond(w, http.StatusOK, snap)
}

func (s *Server) handleIngest(w http.ResponseWriter, _ *http.Request) {
	stats := make([]ingest.Stats, 0, len(s.deps.Ingest))
	for _, src := range s.deps.Ingest {
		stats = append(stats, src.Stats())
	}
	s.respond(w, http.StatusOK, stats)
}

// handleRecentCandles serves the in-memory tail of closed candles for
// one (venue, symbol, timeframe) series.
func (s *Server) handleRecentCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	venue := q.Get("venue")
	symbol := strings.ToUpper(q.Get("symbol"))
	if venue == "" || symbol == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("venue and symbol are required"))
		return
	}
	tf, err := market.ParseTimeframe(q.Get("timeframe"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	var src IngestSource
	for _, cand := range s.deps.Ingest {
		if cand.Stats().Venue == venue {
			src = cand
			break
		}
	}
	if src == nil {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("unknown venue %q", venue))
		return
	}

	candles := src.Recent(symbol, tf)
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("bad limit %q", raw))
			return
		}
		if n < len(candles) {
			candles = candles[len(candles)-n:]
		}
	}
	if candles == nil {
		candles = []market.Candle{}
	}
	s.respond(w, http.StatusOK, candles)
}

func (s *Server) respond(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encoding failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, code int, err error) {
	s.respond(w, code, map[string]string{"error": err.Error()})
}
