// Package api provides the admin HTTP endpoints for reliability monitoring
// and refresh job control.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/reviewpulse/statcache/internal/metrics"
	"github.com/reviewpulse/statcache/internal/scheduler"
	staterrors "github.com/reviewpulse/statcache/pkg/errors"
	"github.com/reviewpulse/statcache/pkg/utils"
)

// Service is the statistics cache surface the admin server exposes.
type Service interface {
	Ping(ctx context.Context) error
	ReliabilitySnapshot() metrics.Snapshot
	Jobs() []scheduler.Record
	JobStatus(jobType string) (scheduler.Record, error)
	TriggerRefresh(jobType string) (string, error)
	MetricsHandler() http.Handler
}

// ServerConfig configures the admin server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableMetrics exposes the Prometheus scrape endpoint
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       "localhost:8080",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		IdleTimeout:   60 * time.Second,
		EnableMetrics: true,
	}
}

// Server serves the admin endpoints.
type Server struct {
	httpServer *http.Server
	svc        Service
	config     ServerConfig
	logger     *utils.Logger
}

// NewServer creates an admin server for the given service.
func NewServer(config ServerConfig, svc Service, logger *utils.Logger) *Server {
	if logger == nil {
		logger = utils.Discard()
	}

	s := &Server{
		svc:    svc,
		config: config,
		logger: logger.WithComponent("api"),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)

	mux.HandleFunc("/reliability", s.handleReliability)

	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJob)

	if config.EnableMetrics {
		if h := svc.MetricsHandler(); h != nil {
			mux.Handle("/metrics", h)
		}
	}

	mux.HandleFunc("/info", s.handleInfo)

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	s.logger.Info("admin server listening on %s", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server: %v", err)
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.svc.ReliabilitySnapshot()
	pingErr := s.svc.Ping(r.Context())

	status := "healthy"
	statusCode := http.StatusOK
	switch {
	case !snap.Available:
		status = "degraded"
		statusCode = http.StatusPartialContent
	case pingErr != nil:
		status = "degraded"
		statusCode = http.StatusPartialContent
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"status":          status,
		"available":       snap.Available,
		"fallback_active": snap.FallbackActive,
		"timestamp":       time.Now(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// The fallback tier answers reads even with the primary down, so the
	// service is ready as long as the process is serving.
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"ready":     true,
		"timestamp": time.Now(),
	})
}

// Reliability endpoint

func (s *Server) handleReliability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.respondJSON(w, http.StatusOK, s.svc.ReliabilitySnapshot())
}

// Job endpoints

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	jobs := s.svc.Jobs()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":      jobs,
		"count":     len(jobs),
		"timestamp": time.Now(),
	})
}

// handleJob serves GET /jobs/{type} and POST /jobs/{type}/run.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if rest == "" {
		s.respondError(w, http.StatusBadRequest, "Job type required")
		return
	}

	if jobType, ok := strings.CutSuffix(rest, "/run"); ok {
		s.handleJobRun(w, r, jobType)
		return
	}

	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	record, err := s.svc.JobStatus(rest)
	if err != nil {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("Job not found: %s", rest))
		return
	}
	s.respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request, jobType string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	runID, err := s.svc.TriggerRefresh(jobType)
	if err != nil {
		switch {
		case staterrors.IsCode(err, staterrors.ErrCodeJobNotFound):
			s.respondError(w, http.StatusNotFound, fmt.Sprintf("Job not found: %s", jobType))
		case staterrors.IsCode(err, staterrors.ErrCodeJobRunning):
			s.respondError(w, http.StatusConflict, fmt.Sprintf("Job already running: %s", jobType))
		default:
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_type":  jobType,
		"run_id":    runID,
		"timestamp": time.Now(),
	})
}

// Info endpoint

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	endpoints := []string{
		"/health",
		"/health/live",
		"/health/ready",
		"/reliability",
		"/jobs",
		"/jobs/{type}",
		"/jobs/{type}/run",
		"/info",
	}
	if s.config.EnableMetrics {
		endpoints = append(endpoints, "/metrics")
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "statcache admin",
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("%s %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("encoding JSON response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
