// Package admin exposes the profiler worker's local HTTP surface:
// liveness, Go runtime profiling, and the configured watcher presets,
// grounded on the teacher's internal/server/rest router and its
// HealthzHandler convention.
package admin

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ddtrace/cpuprof/internal/watcherspec"
)

// Health is the payload served by GET /healthz.
type Health struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	ExportCount int     `json:"export_count"`
	LastError   string  `json:"last_error,omitempty"`
}

// Server holds the mutable health state the admin surface reports, updated
// by the worker as it runs.
type Server struct {
	watchers  []watcherspec.Watcher
	startTime time.Time

	mu          sync.RWMutex
	exportCount int
	lastError   string
}

// NewServer builds an admin Server reporting on watchers.
func NewServer(watchers []watcherspec.Watcher) *Server {
	return &Server{watchers: watchers, startTime: time.Now()}
}

// RecordExport increments the export counter shown in Health.
func (s *Server) RecordExport() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exportCount++
}

// RecordError latches the most recent worker error shown in Health.
func (s *Server) RecordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastError = err.Error()
	}
}

func (s *Server) health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Health{
		Status:      "ok",
		UptimeS:     time.Since(s.startTime).Seconds(),
		ExportCount: s.exportCount,
		LastError:   s.lastError,
	}
}

// Router builds the chi router for the admin surface:
//
//	GET /healthz             – liveness probe
//	GET /debug/pprof/*       – Go runtime profiling (net/http/pprof)
//	GET /watchers            – configured watcher presets
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/watchers", s.handleWatchers)

	r.Route("/debug/pprof", func(r chi.Router) {
		r.Get("/", pprof.Index)
		r.Get("/cmdline", pprof.Cmdline)
		r.Get("/profile", pprof.Profile)
		r.Get("/symbol", pprof.Symbol)
		r.Get("/trace", pprof.Trace)
		r.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
			name := chi.URLParam(req, "name")
			pprof.Handler(name).ServeHTTP(w, req)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.health())
}

// watcherView is the JSON-facing projection of a watcherspec.Watcher.
type watcherView struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Unit string `json:"unit"`
	Pos  int    `json:"pos"`
}

func (s *Server) handleWatchers(w http.ResponseWriter, r *http.Request) {
	views := make([]watcherView, 0, len(s.watchers))
	for _, wt := range s.watchers {
		views = append(views, watcherView{Name: wt.Name, Kind: wt.Kind.String(), Unit: wt.Unit, Pos: wt.Pos})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(views)
}
