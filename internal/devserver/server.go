// Package devserver is an in-memory realtime collection server speaking the
// same websocket protocol as transport.WSClient. It backs `hzwatch serve`
// and the end-to-end tests.
package devserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/metrics"
)

// Path is the websocket endpoint.
const Path = "/horizon"

type Server struct {
	tables  *Tables
	hub     *Hub
	metrics *metrics.ServerMetrics
	reload  *ReloadManager
	logger  *zap.Logger
}

// New wires a server around tables. Mutations of tables are streamed to
// subscribed clients once Run is started.
func New(tables *Tables, m *metrics.ServerMetrics, logger *zap.Logger) *Server {
	hub := NewHub(m, logger)
	tables.OnChange(hub.Publish)
	return &Server{
		tables:  tables,
		hub:     hub,
		metrics: m,
		logger:  logger,
	}
}

// EnableReload exposes rm on POST /admin/reload.
func (s *Server) EnableReload(rm *ReloadManager) {
	s.reload = rm
}

// Run serves hub events until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

type healthResponse struct {
	Status      string   `json:"status"`
	Clients     int      `json:"clients"`
	Collections []string `json:"collections"`
	Watched     []string `json:"watched"`
	LoadedAt    string   `json:"loaded_at,omitempty"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	result, err := s.reload.Reload()
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrReloadInProgress) {
			status = http.StatusConflict
		}
		s.logger.Warn("reload failed", zap.Error(err))
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.logger.Error("failed to encode reload response", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Clients:     s.hub.ClientCount(),
		Collections: s.tables.Collections(),
		Watched:     s.hub.ActiveGroups(),
	}
	if s.reload != nil {
		resp.LoadedAt = s.reload.LoadedAt().UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode health response", zap.Error(err))
	}
}

// NewRouter mounts the websocket endpoint and a health check. The reload
// endpoint is mounted when reloading is enabled, the Prometheus endpoint when
// gatherer is not nil.
func NewRouter(s *Server, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(logger))

	r.Get(Path, s.HandleWS)
	r.Get("/healthz", s.handleHealth)
	if s.reload != nil {
		r.Post("/admin/reload", s.handleReload)
	}
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("requestID", middleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}
