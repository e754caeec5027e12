// Package statusapi serves the session's state, message log and controls
// over local HTTP.
package statusapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/nestlink/consts"
	"github.com/migadu/nestlink/logger"
	"github.com/migadu/nestlink/pkg/health"
	"github.com/migadu/nestlink/pkg/metrics"
	"github.com/migadu/nestlink/session"
)

const maxBodyBytes = 1 << 20

// Session is the part of *session.Session the API drives.
type Session interface {
	Snapshot() session.Snapshot
	AddMessage(ctx context.Context, payload json.RawMessage) error
	ForceReconnect(ctx context.Context) error
	SetAppState(ctx context.Context, state session.AppState) error
}

// Server represents the status API server
type Server struct {
	addr    string
	apiKey  string
	session Session
	health  *health.HealthIntegration
	server  *http.Server
}

// ServerOptions holds configuration options for the status API server
type ServerOptions struct {
	Addr   string
	APIKey string
	// Health is optional; without it /health reports only the session.
	Health *health.HealthIntegration
}

// New creates a new status API server
func New(s Session, options ServerOptions) (*Server, error) {
	if s == nil {
		return nil, errors.New("session is required for the status API")
	}
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for the status API")
	}
	return &Server{
		addr:    options.Addr,
		apiKey:  options.APIKey,
		session: s,
		health:  options.Health,
	}, nil
}

// Start runs the server until ctx is done. Failures are sent to errChan.
func Start(ctx context.Context, s Session, options ServerOptions, errChan chan error) {
	server, err := New(s, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create status API server: %w", err)
		return
	}
	logger.Info("[STATUSAPI] starting server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("status API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("[STATUSAPI] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("[STATUSAPI] error shutting down server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(metricsMiddleware)

	// Probes and scrapers stay unauthenticated.
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := router.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/session", s.handleGetSession).Methods("GET")
	api.HandleFunc("/session/reconnect", s.handleReconnect).Methods("POST")
	api.HandleFunc("/messages", s.handleListMessages).Methods("GET")
	api.HandleFunc("/messages", s.handleAddMessage).Methods("POST")
	api.HandleFunc("/app/state", s.handleAppState).Methods("POST")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("[STATUSAPI] request completed", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.StatusAPIRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			logger.Warn("[STATUSAPI] rejected request with invalid API key", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("[STATUSAPI] error encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeSessionError maps a session call failure to a response.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consts.ErrSessionClosed):
		writeError(w, http.StatusServiceUnavailable, "session is closed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}
