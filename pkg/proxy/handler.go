// Package proxy implements the connection handler and listener of a
// caching forward proxy for HTTP/1.0.
//
// Each accepted connection carries exactly one request. GET responses
// whose size is known up front and fits the per-object limit are fetched
// into memory, stored in the shared LRU cache and replayed to later
// clients. Everything else is relayed from the origin as it arrives.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/cacheproxy/pkg/blocklist"
	"github.com/Sternrassler/cacheproxy/pkg/cache"
	"github.com/Sternrassler/cacheproxy/pkg/header"
	"github.com/Sternrassler/cacheproxy/pkg/origin"
	"github.com/Sternrassler/cacheproxy/pkg/uri"
)

// DefaultClientTimeout bounds reading the request head and each write to
// the client.
const DefaultClientTimeout = 30 * time.Second

// lingerTimeout bounds how long unread client input is drained before close.
const lingerTimeout = 500 * time.Millisecond

// Config holds handler configuration.
type Config struct {
	// Cache is the shared response cache (required).
	Cache *cache.LRU

	// Origin performs origin round trips (required).
	Origin *origin.Client

	// Rewriter builds outbound request heads (default: header.NewRewriter("", 0)).
	Rewriter *header.Rewriter

	// Blocklist is consulted after the target is parsed (optional).
	Blocklist blocklist.Store

	// Upstream is a host:port used for origin-form targets such as
	// "GET /index.html". Empty rejects them.
	Upstream string

	// ClientTimeout bounds client I/O (default: DefaultClientTimeout).
	ClientTimeout time.Duration

	// Logger is the parent logger for per-connection loggers.
	Logger zerolog.Logger
}

// Handler serves one proxied request per client connection.
type Handler struct {
	cache         *cache.LRU
	origin        *origin.Client
	rewriter      *header.Rewriter
	blocklist     blocklist.Store
	upstream      string
	clientTimeout time.Duration
	logger        zerolog.Logger

	nextID atomic.Uint64
}

// NewHandler creates a connection handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.Origin == nil {
		return nil, fmt.Errorf("origin client is required")
	}
	if cfg.Upstream != "" {
		if _, err := uri.Parse("http://" + cfg.Upstream + "/"); err != nil {
			return nil, fmt.Errorf("invalid upstream: %w", err)
		}
	}

	rw := cfg.Rewriter
	if rw == nil {
		rw = header.NewRewriter("", 0)
	}
	timeout := cfg.ClientTimeout
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}

	return &Handler{
		cache:         cfg.Cache,
		origin:        cfg.Origin,
		rewriter:      rw,
		blocklist:     cfg.Blocklist,
		upstream:      cfg.Upstream,
		clientTimeout: timeout,
		logger:        cfg.Logger,
	}, nil
}

// exchange is the state of one request as it moves through the pipeline.
type exchange struct {
	conn   net.Conn
	br     *bufio.Reader
	w      *responseWriter
	logger zerolog.Logger

	method string
	target string
	dest   uri.Target
	req    *header.Request
	body   io.Reader
}

// pendingBody returns the number of request body bytes not yet read from
// the client.
func (x *exchange) pendingBody() int64 {
	if lr, ok := x.body.(*io.LimitedReader); ok {
		return lr.N
	}
	return 0
}

// ServeConn handles the single request on conn and closes it. Cancelling
// ctx closes the connection and aborts the request.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	start := time.Now()
	activeConnections.Inc()
	defer activeConnections.Dec()

	x := &exchange{
		conn: conn,
		br:   bufio.NewReader(conn),
		w:    &responseWriter{conn: conn, timeout: h.clientTimeout},
		logger: h.logger.With().
			Uint64("conn_id", h.nextID.Add(1)).
			Str("client", conn.RemoteAddr().String()).
			Logger(),
	}
	defer h.closeConn(x)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			x.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Connection handler panicked")
			errorsTotal.WithLabelValues(string(ErrorClassInternal)).Inc()
			requestsTotal.WithLabelValues(outcomeError).Inc()
		}
	}()

	outcome, err := h.serve(ctx, x)
	if err != nil {
		outcome = outcomeError
		h.fail(x, err)
	}

	duration := time.Since(start)
	requestsTotal.WithLabelValues(outcome).Inc()
	requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())

	if outcome == outcomeEmpty {
		x.logger.Debug().Msg("Client closed without a request")
		return
	}
	x.logger.Info().
		Int("status", x.w.Status()).
		Int64("bytes", x.w.n).
		Str("cache", outcome).
		Dur("duration", duration).
		Msg("Request completed")
}

// closeConn closes the client connection. If a response was sent while
// the request head or body was still unread, the write side is shut down
// first and pending input is discarded for a short while, so the client
// sees the response rather than a connection reset.
func (h *Handler) closeConn(x *exchange) {
	defer x.conn.Close()
	pending := x.pendingBody()
	if !x.w.Written() || (x.req != nil && pending == 0) {
		return
	}
	cw, ok := x.conn.(interface{ CloseWrite() error })
	if !ok || cw.CloseWrite() != nil {
		return
	}
	_ = x.conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.CopyN(io.Discard, x.conn, int64(h.rewriter.MaxHeaderBytes())+pending)
}

// fail logs err and, if nothing has been sent yet, reports it to the client.
func (h *Handler) fail(x *exchange, err error) {
	e := classify(err)
	errorsTotal.WithLabelValues(string(e.Class)).Inc()

	ev := x.logger.Error()
	switch e.Class {
	case ErrorClassProtocol, ErrorClassMethod, ErrorClassBlocked:
		ev = x.logger.Warn()
	case ErrorClassClient:
		ev = x.logger.Debug()
	}
	ev.Err(err).
		Str("error_class", string(e.Class)).
		Int("status", e.Status).
		Msg("Request failed")

	if x.w.Written() || e.Class == ErrorClassClient {
		return
	}
	cause := x.target
	if e.Class == ErrorClassMethod || cause == "" {
		cause = x.method
	}
	if werr := writeError(x.w, e, cause); werr != nil {
		x.logger.Debug().Err(werr).Msg("Could not write error response")
	}
}

func (h *Handler) serve(ctx context.Context, x *exchange) (string, error) {
	if err := x.conn.SetReadDeadline(time.Now().Add(h.clientTimeout)); err != nil {
		return outcomeError, err
	}

	line, err := header.ReadLine(x.br, h.rewriter.MaxHeaderBytes())
	if err != nil {
		if errors.Is(err, io.EOF) && strings.TrimSpace(line) == "" {
			return outcomeEmpty, nil
		}
		return outcomeError, clientReadError(err)
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return outcomeError, newError(ErrorClassProtocol, http.StatusBadRequest,
			"Malformed request line", fmt.Errorf("%q", strings.TrimSpace(line)))
	}
	x.method, x.target = fields[0], fields[1]

	if strings.EqualFold(x.method, http.MethodConnect) {
		return outcomeError, newError(ErrorClassMethod, http.StatusNotImplemented,
			"Proxy does not implement this method", nil)
	}

	x.dest, err = h.resolve(x.target)
	if err != nil {
		return outcomeError, err
	}
	x.logger = x.logger.With().
		Str("method", x.method).
		Str("host", x.dest.Host).
		Str("path", x.dest.Path).
		Logger()

	if h.isBlocked(ctx, x) {
		return outcomeError, newError(ErrorClassBlocked, http.StatusForbidden, "Host is blocked", nil)
	}

	hostHeader := x.dest.Host
	if x.dest.Port != uri.DefaultPort {
		hostHeader = net.JoinHostPort(x.dest.Host, x.dest.Port)
	}
	x.req, err = h.rewriter.Rewrite(x.method, hostHeader, x.dest.Path, x.br)
	if err != nil {
		return outcomeError, clientReadError(err)
	}
	x.logger.Debug().
		Int("dropped_headers", x.req.Dropped).
		Bool("host_synthesized", x.req.HostSynthesized).
		Msg("Request headers rewritten")

	if x.req.ContentLength > 0 {
		if err := x.conn.SetReadDeadline(time.Now().Add(h.clientTimeout)); err != nil {
			return outcomeError, err
		}
		x.body = io.LimitReader(x.br, x.req.ContentLength)
	}

	if x.method != http.MethodGet {
		return outcomeBypass, h.streamThrough(ctx, x)
	}
	return h.serveGet(ctx, x)
}

// resolve parses the request target. Origin-form targets are sent to the
// configured upstream.
func (h *Handler) resolve(target string) (uri.Target, error) {
	if uri.IsOriginForm(target) {
		if h.upstream == "" {
			return uri.Target{}, ErrNoUpstream
		}
		return uri.Parse("http://" + h.upstream + target)
	}
	return uri.Parse(target)
}

// isBlocked consults the blocklist. Store failures let the request through.
func (h *Handler) isBlocked(ctx context.Context, x *exchange) bool {
	if h.blocklist == nil {
		return false
	}
	blocked, err := h.blocklist.IsBlocked(ctx, x.dest.Host)
	if err != nil {
		x.logger.Warn().Err(err).Msg("Blocklist check failed, allowing request")
		return false
	}
	return blocked
}

func (h *Handler) serveGet(ctx context.Context, x *exchange) (string, error) {
	key := cache.CacheKey{Host: x.dest.Host, Path: x.dest.Path}

	if data, err := h.cache.Get(key); err == nil {
		x.logger.Debug().Str("key", key.String()).Int("size", len(data)).Msg("Cache hit")
		_, err := x.w.Write(data)
		return outcomeHit, err
	}
	x.logger.Debug().Str("key", key.String()).Msg("Cache miss")

	head, err := h.origin.Probe(ctx, x.dest.Host, x.dest.Port, x.req.Probe)
	if err != nil {
		if errors.Is(err, origin.ErrConnect) {
			return outcomeError, err
		}
		x.logger.Debug().Err(err).Msg("Probe failed, streaming response")
		return outcomeStream, h.streamThrough(ctx, x)
	}

	size, ok := h.cache.Cacheable(head.Header)
	if !ok {
		x.logger.Debug().
			Str("content_length", head.Header.Get("Content-Length")).
			Msg("Response not cacheable, streaming")
		return outcomeStream, h.streamThrough(ctx, x)
	}
	x.logger.Debug().Int64("content_length", size).Msg("Response cacheable")

	return h.fetchAndCache(ctx, x, key)
}

// fetchAndCache reads the whole response into memory, stores it and then
// writes it to the client. A response that turns out larger than the
// per-object limit is written out and relayed instead of stored.
func (h *Handler) fetchAndCache(ctx context.Context, x *exchange, key cache.CacheKey) (string, error) {
	conn, err := h.origin.Dial(ctx, x.dest.Host, x.dest.Port)
	if err != nil {
		return outcomeError, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := h.origin.Send(conn, x.req.Head, x.body); err != nil {
		return outcomeError, err
	}

	limit := h.cache.MaxObjectSize()
	data, err := h.origin.ReadResponse(conn, limit+1)
	if err != nil {
		if len(data) > 0 {
			// Deliver what arrived; the response is incomplete, so never cache it.
			_, _ = x.w.Write(data)
		}
		return outcomeError, err
	}
	if len(data) == 0 {
		x.logger.Debug().Msg("Origin closed without a response")
		return outcomeMiss, nil
	}

	if int64(len(data)) > limit {
		x.logger.Warn().
			Int64("max_object_size", limit).
			Msg("Response exceeds max object size, not cached")
		if _, err := x.w.Write(data); err != nil {
			return outcomeStream, err
		}
		_, err := h.origin.Relay(conn, x.w)
		return outcomeStream, err
	}

	if status := statusCode(data); status == http.StatusOK {
		if err := h.cache.Put(key, data); err != nil {
			x.logger.Warn().Err(err).Msg("Cache store failed")
		}
	} else {
		x.logger.Debug().Int("status", status).Msg("Non-200 response not cached")
	}

	_, err = x.w.Write(data)
	return outcomeMiss, err
}

// streamThrough forwards the request on a fresh connection and relays the
// response in fixed-size chunks without caching.
func (h *Handler) streamThrough(ctx context.Context, x *exchange) error {
	conn, err := h.origin.Dial(ctx, x.dest.Host, x.dest.Port)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := h.origin.Send(conn, x.req.Head, x.body); err != nil {
		return err
	}

	n, err := h.origin.Relay(conn, x.w)
	if err != nil {
		return err
	}
	if n == 0 {
		x.logger.Debug().Msg("Origin closed without a response")
	}
	return nil
}
