package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/brainego/toolpolicy/pkg/audit"
	"github.com/brainego/toolpolicy/pkg/confirm"
	"github.com/brainego/toolpolicy/pkg/policy"
)

const shutdownTimeout = 5 * time.Second

// Server is the tool policy HTTP server.
type Server struct {
	cfg     *Config
	handler *Handler
	logger  *zap.Logger
	router  http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	running  bool
}

// NewServer wires the engine, confirmation gate and audit logger behind
// the HTTP routes.
func NewServer(cfg *Config, engine *policy.Engine, gate *confirm.Gate, auditLogger *audit.Logger, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, errors.New("server: policy engine is required")
	}
	if gate == nil {
		gate = confirm.NewGate(confirm.Config{Logger: logger})
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		handler: NewHandler(engine, gate, auditLogger, logger, cfg.DefaultTimeoutSeconds),
		logger:  logger,
	}
	s.router = s.buildRouter()
	return s, nil
}

// buildRouter constructs the chi mux with all routes wired.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.handler.HandleHealth)
	r.Handle("/metrics", s.handler.metrics.Handler())
	r.Post("/v1/tool-calls/authorize", s.handler.HandleAuthorize)

	// Admin endpoints. Not mounted if no token is configured.
	if s.cfg.AdminToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(s.cfg.AdminToken))
			r.Get("/v1/admin/workspaces", s.handler.HandleListWorkspaces)
			r.Put("/v1/admin/workspaces/{workspaceID}", s.handler.HandleUpsertWorkspace)
		})
	}
	return r
}

// metricsMiddleware counts responses by route pattern and status code.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.handler.metrics.RecordRequest(route, strconv.Itoa(status))
	})
}

// authMiddleware requires "Authorization: Bearer <token>".
func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || !constantTimeEqual(got, token) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("server already running")
	}

	addr := s.cfg.GetListen()
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	if s.cfg.HasTLS() {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	s.server = srv
	s.listener = ln
	s.running = true

	go func() {
		var err error
		if s.cfg.HasTLS() {
			err = srv.ServeTLS(ln, s.cfg.TLS.Cert, s.cfg.TLS.Key)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", zap.Error(err))
		}
	}()

	s.logger.Info("tool policy server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", s.cfg.HasTLS()),
		zap.Bool("admin", s.cfg.AdminToken != ""),
	)
	return nil
}

// Addr returns the bound address, or "" when the server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	s.logger.Info("tool policy server shutting down")
	err := s.server.Shutdown(shutdownCtx)
	s.running = false
	s.listener = nil
	return err
}
