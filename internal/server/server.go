// Package server exposes the limiter over HTTP: check endpoints with the
// standard X-RateLimit response headers, a Prometheus metrics endpoint,
// and a WebSocket feed of admission decisions.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ratekeeper/ratekeeper/internal/clock"
	"github.com/ratekeeper/ratekeeper/internal/limiter"
)

// Server applies the limiter to incoming check requests.
type Server struct {
	httpServer *http.Server
	limiter    *limiter.Limiter
	clock      clock.Clock
	logger     zerolog.Logger
	hub        *Hub
	mux        *http.ServeMux
}

// New creates the HTTP server around lim. gatherer serves /metrics; pass
// prometheus.DefaultGatherer when no dedicated registry exists.
func New(addr string, lim *limiter.Limiter, clk clock.Clock, logger zerolog.Logger, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		limiter: lim,
		clock:   clk,
		logger:  logger,
		hub:     NewHub(logger),
		mux:     http.NewServeMux(),
	}
	s.routes(gatherer)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      requestLogger(logger, s.mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/v1/check", s.handleCheck)
	s.mux.HandleFunc("/v1/check/", s.handleCheckKey)
	s.mux.HandleFunc("/v1/release/", s.handleRelease)
	s.mux.HandleFunc("/v1/watch", s.hub.HandleWatch)
	s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "ratekeeper",
		"status":  "running",
		"time":    s.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCheck uses the client address as the key, preferring the proxy
// header when present.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	key := r.RemoteAddr
	if host, _, err := net.SplitHostPort(key); err == nil {
		key = host
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		key = forwarded
	}
	s.check(w, r, key)
}

// handleCheckKey checks an explicit key. Path: /v1/check/{key}.
func (s *Server) handleCheckKey(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path[len("/v1/check/"):]
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	s.check(w, r, key)
}

// handleRelease frees a concurrency slot. Path: /v1/release/{key}.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	key := r.URL.Path[len("/v1/release/"):]
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := s.limiter.Release(r.Context(), key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("release failed")
		writeError(w, http.StatusServiceUnavailable, "release failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) check(w http.ResponseWriter, r *http.Request, key string) {
	cost := int64(1)
	if raw := r.URL.Query().Get("cost"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "cost must be a positive integer")
			return
		}
		cost = parsed
	}

	d, err := s.limiter.Check(r.Context(), key, cost)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.hub.Broadcast(DecisionEvent{
		Timestamp:  s.clock.Now().UTC(),
		Key:        key,
		Cost:       cost,
		Allowed:    d.Allowed,
		Remaining:  d.Remaining,
		Limit:      d.Limit,
		RetryAfter: d.RetryAfter.Seconds(),
	})

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

	status := http.StatusOK
	if !d.Allowed {
		// Round up so a client sleeping exactly Retry-After lands past
		// the reset, never just before it.
		h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
		status = http.StatusTooManyRequests
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(d)
}

// Start begins listening and blocks until shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.StartOnListener(ln)
}

// StartOnListener serves on ln. Tests use it to pick an ephemeral port.
func (s *Server) StartOnListener(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	err := s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Hub exposes the watch feed, for wiring and tests.
func (s *Server) Hub() *Hub { return s.hub }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
