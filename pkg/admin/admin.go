// Package admin serves the proxy's operational HTTP API: health, metrics,
// cache inspection and blocklist management.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/cacheproxy/pkg/blocklist"
	"github.com/Sternrassler/cacheproxy/pkg/cache"
	"github.com/Sternrassler/cacheproxy/pkg/metrics"
)

// shutdownTimeout bounds graceful shutdown of the admin server.
const shutdownTimeout = 5 * time.Second

// CacheStats is the body of GET /cache.
type CacheStats struct {
	cache.Stats
	Keys []string `json:"keys"`
}

// Server is the admin HTTP API.
type Server struct {
	cache     *cache.LRU
	blocklist blocklist.Store
	logger    zerolog.Logger
	router    chi.Router
}

// New creates the admin API for c. store may be nil, in which case the
// blocklist routes answer 503.
func New(c *cache.LRU, store blocklist.Store, logger zerolog.Logger) *Server {
	s := &Server{
		cache:     c,
		blocklist: store,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/cache", func(r chi.Router) {
		r.Get("/", s.cacheStats)
		r.Delete("/", s.purgeCache)
	})

	r.Route("/blocklist", func(r chi.Router) {
		r.Get("/", s.listBlocked)
		r.Put("/{host}", s.block)
		r.Delete("/{host}", s.unblock)
	})

	s.router = r
	return s
}

// Handler returns the API's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves the API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("Admin server shutdown incomplete")
		}
	})
	defer stop()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin API listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Admin request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, CacheStats{
		Stats: s.cache.Stats(),
		Keys:  s.cache.Keys(),
	})
}

func (s *Server) purgeCache(w http.ResponseWriter, r *http.Request) {
	n := s.cache.Len()
	s.cache.Purge()
	s.logger.Info().Int("entries", n).Msg("Cache purged")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBlocked(w http.ResponseWriter, r *http.Request) {
	if !s.requireBlocklist(w) {
		return
	}
	hosts, err := s.blocklist.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	if hosts == nil {
		hosts = []string{}
	}
	s.writeJSON(w, http.StatusOK, hosts)
}

func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	if !s.requireBlocklist(w) {
		return
	}
	s.updateBlocklist(w, r, "Host blocked", s.blocklist.Block)
}

func (s *Server) unblock(w http.ResponseWriter, r *http.Request) {
	if !s.requireBlocklist(w) {
		return
	}
	s.updateBlocklist(w, r, "Host unblocked", s.blocklist.Unblock)
}

func (s *Server) updateBlocklist(w http.ResponseWriter, r *http.Request, msg string,
	op func(context.Context, string) error) {
	host := chi.URLParam(r, "host")
	if err := op(r.Context(), host); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, blocklist.ErrEmptyHost) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err)
		return
	}
	s.logger.Info().Str("host", blocklist.Normalize(host)).Msg(msg)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireBlocklist(w http.ResponseWriter) bool {
	if s.blocklist == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("blocklist disabled"))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to encode admin response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn().Err(err).Int("status", status).Msg("Admin request failed")
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
