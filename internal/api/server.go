// Package api exposes the read-only status surface over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tourbase/resilience/internal/alerts"
	"github.com/tourbase/resilience/internal/breaker"
	"github.com/tourbase/resilience/internal/config"
	"github.com/tourbase/resilience/internal/failover"
	"github.com/tourbase/resilience/internal/registry"
)

type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	reg    *registry.Registry
	orch   *failover.Orchestrator
	bus    *alerts.Bus

	router     chi.Router
	httpServer *http.Server
	startTime  time.Time
}

func NewServer(cfg *config.Config, reg *registry.Registry, orch *failover.Orchestrator, bus *alerts.Bus, logger *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		reg:       reg,
		orch:      orch,
		bus:       bus,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.logRequests)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/services", s.handleListServices)
		r.Get("/services/{id}", s.handleGetService)
		r.Get("/alerts", s.handleRecentAlerts)
		r.Get("/failovers", s.handleFailoverHistory)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving and blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("status api listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

// SystemStatus is the aggregate view returned by GET /v1/status.
type SystemStatus struct {
	UptimeSeconds       int64           `json:"uptime_seconds"`
	ServiceCounts       map[string]int  `json:"service_counts"`
	OpenBreakers        int             `json:"open_breakers"`
	ActiveFailovers     int             `json:"active_failovers"`
	FailoverSuccessRate float64         `json:"failover_success_rate"`
	Services            []ServiceDetail `json:"services"`
}

// ServiceDetail is the per-service slice of SystemStatus.
type ServiceDetail struct {
	ID                  string  `json:"id"`
	Name                string  `json:"name"`
	URL                 string  `json:"url"`
	Region              string  `json:"region"`
	Status              string  `json:"status"`
	Breaker             string  `json:"breaker"`
	UptimePercentage    float64 `json:"uptime_percentage"`
	AvgResponseMs       int64   `json:"avg_response_ms"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	FailoverTarget      string  `json:"failover_target,omitempty"`
}

func (s *Server) buildStatus() SystemStatus {
	entries := s.reg.Snapshot()

	status := SystemStatus{
		UptimeSeconds:       int64(time.Since(s.startTime).Seconds()),
		ServiceCounts:       make(map[string]int),
		ActiveFailovers:     s.orch.ActiveCount(),
		FailoverSuccessRate: s.orch.History().SuccessRate(),
		Services:            make([]ServiceDetail, 0, len(entries)),
	}

	for _, e := range entries {
		status.ServiceCounts[e.Metrics.Status.String()]++
		if e.Breaker.State == breaker.StateOpen {
			status.OpenBreakers++
		}
		status.Services = append(status.Services, s.detailFor(e))
	}
	return status
}

func (s *Server) detailFor(e registry.Entry) ServiceDetail {
	d := ServiceDetail{
		ID:                  e.Endpoint.ID,
		Name:                e.Endpoint.Name,
		URL:                 e.Endpoint.URL,
		Region:              e.Endpoint.Region,
		Status:              e.Metrics.Status.String(),
		Breaker:             e.Breaker.State.String(),
		UptimePercentage:    e.Metrics.UptimePercentage,
		AvgResponseMs:       e.Metrics.AvgResponseTime.Milliseconds(),
		ConsecutiveFailures: e.Metrics.ConsecutiveFailures,
	}
	if target, ok := s.orch.ActiveTarget(e.Endpoint.ID); ok {
		d.FailoverTarget = target
	}
	return d
}
