// Package health exposes the engine's HTTP surface: liveness and readiness
// probes, a queue-depth health report, the Prometheus scrape endpoint, and a
// small admin API for queue and schedule control.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sensorgrid/ruleengine/backpressure"
	"github.com/sensorgrid/ruleengine/core"
	"github.com/sensorgrid/ruleengine/queue"
)

// Pinger checks one dependency's reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueAdmin controls queue delivery.
type QueueAdmin interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// WorkerView lists registered queue workers.
type WorkerView interface {
	Workers(ctx context.Context) ([]queue.WorkerInfo, error)
}

// Trigger fires a rule chain manually.
type Trigger interface {
	TriggerManually(ctx context.Context, chainID int64) (core.Admission, error)
}

// ScheduleView reports the schedule table.
type ScheduleView interface {
	EntryCount() int
	ScheduledChainIDs() []int64
}

// HTTPMetrics observes the server itself.
type HTTPMetrics interface {
	ObserveRequest(method, route string, status int, seconds float64)
}

// Config wires the server.
type Config struct {
	Gate     *backpressure.Gate
	Counts   core.CountsSource
	Store    Pinger
	Cache    Pinger
	Queue    QueueAdmin
	Workers  WorkerView
	Trigger  Trigger
	Schedule ScheduleView

	// Warning and Critical classify queue depth in the health report.
	Warning  int64
	Critical int64

	// MetricsHandler serves the Prometheus scrape endpoint.
	MetricsHandler http.Handler

	Logger  core.Logger
	Metrics HTTPMetrics
}

// Server is the HTTP surface.
type Server struct {
	config Config
	logger core.Logger
	router chi.Router
}

// New builds the server and its routes.
func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	s := &Server{config: config, logger: config.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", s.handleHealth)
	r.Get("/health/liveness", s.handleLiveness)
	r.Get("/health/readiness", s.handleReadiness)
	if config.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", config.MetricsHandler)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Post("/queue/pause", s.handlePause)
		r.Post("/queue/resume", s.handleResume)
		r.Get("/queue/counts", s.handleCounts)
		r.Get("/queue/workers", s.handleWorkers)
		r.Post("/rule-chains/{id}/trigger", s.handleTrigger)
	})

	s.router = r
	return s
}

// Handler returns the router for mounting.
func (s *Server) Handler() http.Handler {
	return s.router
}

// observe records request metrics by route pattern, never by raw path.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		s.config.Metrics.ObserveRequest(r.Method, route, ww.Status(), time.Since(start).Seconds())
	})
}

type healthReport struct {
	Status     string                 `json:"status"`
	Circuit    string                 `json:"circuit"`
	Queue      *core.QueueCounts      `json:"queue,omitempty"`
	Schedules  int                    `json:"schedules"`
	Components map[string]string      `json:"components"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report := healthReport{
		Status:     core.HealthHealthy,
		Circuit:    s.config.Gate.State().String(),
		Components: map[string]string{},
	}

	if counts, err := s.config.Counts.Counts(ctx); err == nil {
		report.Queue = &counts
		report.Status = counts.HealthFor(s.config.Warning, s.config.Critical)
		report.Components["queue"] = "up"
	} else {
		report.Components["queue"] = "down"
		report.Status = core.HealthCritical
	}

	report.Components["store"] = s.pingComponent(ctx, s.config.Store)
	report.Components["cache"] = s.pingComponent(ctx, s.config.Cache)
	if report.Components["store"] == "down" || report.Components["cache"] == "down" {
		report.Status = core.HealthCritical
	}
	if s.config.Schedule != nil {
		report.Schedules = s.config.Schedule.EntryCount()
	}

	status := http.StatusOK
	if report.Status == core.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness reports not-ready while the gate is open or a dependency
// is unreachable, so load balancers stop routing ingest traffic here.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.config.Gate.State() == backpressure.StateOpen {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not-ready",
			"reason": "backpressure-open",
		})
		return
	}
	if s.pingComponent(ctx, s.config.Store) == "down" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not-ready",
			"reason": "store-unreachable",
		})
		return
	}
	if s.pingComponent(ctx, s.config.Cache) == "down" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not-ready",
			"reason": "cache-unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) pingComponent(ctx context.Context, p Pinger) string {
	if p == nil {
		return "unknown"
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		return "down"
	}
	return "up"
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.config.Queue == nil {
		writeError(w, http.StatusNotImplemented, "queue control unavailable")
		return
	}
	if err := s.config.Queue.Pause(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"queue": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.config.Queue == nil {
		writeError(w, http.StatusNotImplemented, "queue control unavailable")
		return
	}
	if err := s.config.Queue.Resume(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"queue": "resumed"})
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.config.Counts.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if s.config.Workers == nil {
		writeError(w, http.StatusNotImplemented, "worker listing unavailable")
		return
	}
	workers, err := s.config.Workers.Workers(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if workers == nil {
		workers = []queue.WorkerInfo{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.config.Trigger == nil {
		writeError(w, http.StatusNotImplemented, "manual trigger unavailable")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule chain id")
		return
	}

	admission, err := s.config.Trigger.TriggerManually(r.Context(), id)
	if err != nil {
		if core.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, admission)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
