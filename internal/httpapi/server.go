// Package httpapi exposes approvals, session status, task lists, and metrics
// over HTTP for presentation layers.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nexus-agentcore/internal/agent"
	"github.com/haasonsaas/nexus-agentcore/internal/observability"
	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/internal/tasks"
)

const defaultBodyLimit = 1 << 20

// Config configures the HTTP listener.
type Config struct {
	Addr            string        `yaml:"addr" json:"addr"`
	BodyLimit       int64         `yaml:"body_limit" json:"body_limit,omitempty"`
	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.BodyLimit <= 0 {
		c.BodyLimit = defaultBodyLimit
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Sessions resolves the state of a session, creating it on first use.
type Sessions interface {
	Session(id string) *agent.SessionState
}

// Deps are the components the API serves. Nil components leave their
// routes unmounted.
type Deps struct {
	Approvals *permission.ApprovalManager
	Tasks     *tasks.Writer
	Lanes     *agent.Lanes
	Sessions  Sessions
	Subagents *agent.Subagents
	Gatherer  prometheus.Gatherer
	Logger    *observability.Logger
}

// Server serves the HTTP API.
type Server struct {
	cfg    Config
	deps   Deps
	logger *observability.Logger
	router chi.Router

	// baseCtx parents turns submitted over HTTP so they outlive the request.
	baseCtx context.Context
}

// New builds the router.
func New(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger, baseCtx: context.Background()}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", s.health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if deps.Approvals != nil {
			r.Route("/approvals", func(r chi.Router) {
				r.Get("/", s.listApprovals)
				r.Get("/{id}", s.getApproval)
				r.Post("/{id}", s.decideApproval)
			})
		}
		r.Route("/sessions/{id}", func(r chi.Router) {
			if deps.Lanes != nil {
				r.Get("/", s.sessionStatus)
				r.Post("/cancel", s.cancelSession)
				if deps.Sessions != nil {
					r.Post("/messages", s.submitMessage)
				}
			}
			if deps.Tasks != nil {
				r.Get("/tasks", s.sessionTasks)
			}
			if deps.Subagents != nil {
				r.Get("/subagents", s.sessionSubagents)
			}
		})
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// Turns submitted over HTTP are cancelled with ctx.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "http server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info(ctx, "http server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := observability.AddRequestID(r.Context(), chimw.GetReqID(r.Context()))
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		s.logger.Debug(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
