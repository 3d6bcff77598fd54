// Package api exposes the live track picture and pipeline health over HTTP.
// The server subscribes to the cycle driver as a publisher: each cycle's
// snapshots replace the held set, so handlers read from memory and never
// touch the fusion core.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	sqlite "github.com/banshee-data/presence.report/internal/fusion/storage/sqlite"
	"github.com/banshee-data/presence.report/internal/fusion/tracks"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/timeutil"
	"github.com/banshee-data/presence.report/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// TrailStore is the slice of persistence the API reads for history
// endpoints. *sqlite.Store satisfies it; nil disables those endpoints.
type TrailStore interface {
	RecentTrails(ctx context.Context, since time.Time, limit int) ([]sqlite.TrailPoint, error)
}

// Server holds the latest published cycle and serves it. It implements
// pipeline.Publisher.
type Server struct {
	store     TrailStore
	counters  *monitoring.Counters
	clock     timeutil.Clock
	sessionID string

	mu             sync.RWMutex
	latest         []tracks.Snapshot
	lastCycleNanos int64
}

// NewServer creates a Server. store may be nil; history endpoints then
// return 503.
func NewServer(store TrailStore, counters *monitoring.Counters, clock timeutil.Clock, sessionID string) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		store:     store,
		counters:  counters,
		clock:     clock,
		sessionID: sessionID,
	}
}

// Publish replaces the held snapshot set with the latest cycle's output.
func (s *Server) Publish(snaps []tracks.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = snaps
	if len(snaps) > 0 {
		s.lastCycleNanos = snaps[0].UnixNanos
	} else {
		s.lastCycleNanos = s.clock.Now().UnixNano()
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the route table for this server.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/tracks", s.handleTracks)
	mux.HandleFunc("/api/counters", s.handleCounters)
	mux.HandleFunc("/api/trails", s.handleTrails)
	mux.HandleFunc("/debug/trails", s.handleTrailsChart)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	s.mu.RLock()
	live := len(s.latest)
	lastCycle := s.lastCycleNanos
	s.mu.RUnlock()

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":                "ok",
		"version":               version.Version,
		"git_sha":               version.GitSHA,
		"session_id":            s.sessionID,
		"tracks":                live,
		"last_cycle_unix_nanos": lastCycle,
	})
}

// tracksResponse is the /api/tracks payload shape.
type tracksResponse struct {
	SessionID string            `json:"session_id"`
	UnixNanos int64             `json:"unix_nanos"`
	Tracks    []tracks.Snapshot `json:"tracks"`
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	tier := r.URL.Query().Get("tier")

	s.mu.RLock()
	resp := tracksResponse{
		SessionID: s.sessionID,
		UnixNanos: s.lastCycleNanos,
		Tracks:    make([]tracks.Snapshot, 0, len(s.latest)),
	}
	for _, snap := range s.latest {
		if tier != "" && string(snap.Tier) != tier {
			continue
		}
		resp.Tracks = append(resp.Tracks, snap)
	}
	s.mu.RUnlock()

	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	counters := s.counters.Snapshot()
	if counters == nil {
		counters = map[string]int64{}
	}
	httputil.WriteJSON(w, http.StatusOK, counters)
}

// trailWindow parses the shared window/limit query params for the trail
// endpoints. Defaults: last 15 minutes, 5000 points.
func (s *Server) trailWindow(r *http.Request) (time.Time, int) {
	window := 15 * time.Minute
	if v := r.URL.Query().Get("window_seconds"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			window = time.Duration(parsed) * time.Second
		}
	}
	limit := 5000
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 50000 {
			limit = parsed
		}
	}
	return s.clock.Now().Add(-window), limit
}

func (s *Server) handleTrails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}

	since, limit := s.trailWindow(r)
	points, err := s.store.RecentTrails(r.Context(), since, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "failed to query trails: "+err.Error())
		return
	}
	if points == nil {
		points = []sqlite.TrailPoint{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"since_unix_nanos": since.UnixNano(),
		"points":           points,
	})
}
