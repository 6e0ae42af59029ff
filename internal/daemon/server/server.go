// Package server exposes the daemon's HTTP and WebSocket surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/internal/daemon/bus"
	"github.com/grovetools/brain/internal/daemon/health"
	"github.com/grovetools/brain/internal/daemon/query"
	"github.com/grovetools/brain/internal/daemon/queue"
	"github.com/grovetools/brain/internal/daemon/store"
)

const shutdownGrace = 30 * time.Second

// Deps carries everything the handlers reach into.
type Deps struct {
	Config     *config.Config
	ConfigPath string
	Logger     *logrus.Entry
	Store      *store.Store
	Queue      *queue.Queue
	Query      *query.Engine
	Health     *health.Runner
	Events     *bus.Bus
	Version    string
}

// Server is the daemon's API front end.
type Server struct {
	deps      Deps
	logger    *logrus.Entry
	hub       *Hub
	limiter   *rateLimiter
	startedAt time.Time

	// cfgMu guards config reads against PATCH /config writes.
	cfgMu sync.RWMutex
}

// New builds the server and its WebSocket hub.
func New(deps Deps) *Server {
	return &Server{
		deps:      deps,
		logger:    deps.Logger,
		hub:       NewHub(deps.Logger, deps.Events, deps.Config.API.CORSOrigins),
		limiter:   newRateLimiter(),
		startedAt: time.Now().UTC(),
	}
}

// Router assembles the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware)
	r.Use(s.limiter.middleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/status", s.handleStatus)

		r.Get("/nodes", s.handleListNodes)
		r.Get("/nodes/{id}", s.handleGetNode)
		r.Get("/search", s.handleSearch)

		r.Get("/decisions", s.handleListDecisions)
		r.Post("/decisions/{id}/feedback", s.handleDecisionFeedback)

		r.Get("/clusters", s.handleListClusters)
		r.Get("/insights", s.handleListInsights)
		r.Post("/insights/{id}/effectiveness", s.handleInsightEffectiveness)
		r.Post("/insights/{id}/prompt", s.handleInsightPrompt)
		r.Get("/patterns", s.handlePatterns)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)

		r.Get("/config", s.handleGetConfig)
		r.Patch("/config", s.handlePatchConfig)
		r.Get("/providers", s.handleProviders)

		r.Post("/query", s.handleQuery)
	})

	r.Get("/ws", s.hub.ServeHTTP)
	return r
}

// Run serves until the context ends, then drains connections and closes
// WebSocket clients with 1001.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.deps.Config.API.Host, s.deps.Config.API.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		stopHub()
		return err
	case <-ctx.Done():
	}

	stopHub()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Warn("API server drain timed out, closing")
		_ = srv.Close()
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("Request handled")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	s.cfgMu.RLock()
	origins := s.deps.Config.API.CORSOrigins
	s.cfgMu.RUnlock()
	for _, a := range origins {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
