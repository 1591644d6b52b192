package activity

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HealthFunc reports whether the backing stores are reachable.
type HealthFunc func(ctx context.Context) error

// BranchLister returns a JSON-serializable view of the live branches.
type BranchLister func(ctx context.Context, limit int) (any, error)

// ServerConfig configures the observability HTTP server.
type ServerConfig struct {
	Addr string

	// APIToken, when set, is required as a Bearer token on /api/ routes
	// other than /api/health.
	APIToken string

	// RequestsPerSecond and Burst bound the whole server (default 10/20).
	RequestsPerSecond float64
	Burst             int

	Health   HealthFunc
	Branches BranchLister

	// Components are reported by name alongside the health status, for
	// example the embedding breaker.
	Components map[string]func() any
	Logger     *slog.Logger
}

// Server serves the activity websocket and a small JSON API.
type Server struct {
	hub    *Hub
	cfg    ServerConfig
	logger *slog.Logger
	http   *http.Server
}

// NewServer wires routes for hub:
//
//	GET /ws/activity      websocket event stream
//	GET /api/activity     recent events (?limit=N)
//	GET /api/branches     active branches (?limit=N)
//	GET /api/health       store health and component status
func NewServer(hub *Hub, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}

	s := &Server{hub: hub, cfg: cfg, logger: logger}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/activity", s.handleActivity)
	api.HandleFunc("GET /api/branches", s.handleBranches)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("/api/", requireToken(api, cfg.APIToken))
	mux.Handle("/ws/activity", hub)

	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	handler := rateLimit(mux, limiter)
	handler = securityHeaders(handler)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Serve listens on the configured address and serves until ctx is done, then
// shuts down gracefully and stops the hub.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("activity: failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.logger.Info("activity server listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.hub.Stop()
		return fmt.Errorf("activity: server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.http.Shutdown(shutdownCtx)
	s.hub.Stop()
	if err != nil {
		return fmt.Errorf("activity: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"events":      s.hub.Recent(queryLimit(r, DefaultHistorySize)),
		"subscribers": s.hub.Subscribers(),
	})
}

func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Branches == nil {
		respondError(w, http.StatusNotImplemented, "branch listing not configured", nil)
		return
	}
	branches, err := s.cfg.Branches(r.Context(), queryLimit(r, 20))
	if err != nil {
		s.logger.Warn("failed to list branches", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list branches", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Health(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "unhealthy", err)
			return
		}
	}

	resp := map[string]any{"status": "healthy"}
	for name, status := range s.cfg.Components {
		if name == "status" || status == nil {
			continue
		}
		resp[name] = status()
	}
	respondJSON(w, http.StatusOK, resp)
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := errorResponse{Error: message, Code: http.StatusText(status)}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}

func requireToken(next http.Handler, token string) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimit(next http.Handler, limiter *rate.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
