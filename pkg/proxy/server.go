package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxAcceptDelay caps the backoff after failed Accept calls.
const maxAcceptDelay = time.Second

// Server accepts client connections and runs a Handler for each one on
// its own goroutine.
type Server struct {
	handler  *Handler
	maxConns int
	logger   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a listener for h. maxConns limits the number of
// connections served at once; 0 means unbounded.
func NewServer(h *Handler, maxConns int, logger zerolog.Logger) *Server {
	if maxConns < 0 {
		maxConns = 0
	}
	return &Server{
		handler:  h,
		maxConns: maxConns,
		logger:   logger,
	}
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until Shutdown is called or ctx is
// cancelled. It always returns a non-nil error; after Shutdown or
// cancellation that is ErrServerClosed. Cancelling ctx also aborts
// in-flight connections, while Shutdown lets them finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	connCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var slots chan struct{}
	if s.maxConns > 0 {
		slots = make(chan struct{}, s.maxConns)
	}

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("max_conns", s.maxConns).
		Msg("Proxy listening")

	var delay time.Duration
	for {
		if slots != nil && !s.acquire(ctx, slots) {
			return ErrServerClosed
		}

		conn, err := ln.Accept()
		if err != nil {
			if slots != nil {
				<-slots
			}
			if s.isClosed() || ctx.Err() != nil {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Accept failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		delay = 0

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			if slots != nil {
				defer func() { <-slots }()
			}
			s.handler.ServeConn(connCtx, conn)
		}()
	}
}

// acquire takes a connection slot, waiting if all are in use. It returns
// false if ctx is cancelled while waiting.
func (s *Server) acquire(ctx context.Context, slots chan struct{}) bool {
	select {
	case slots <- struct{}{}:
		return true
	default:
	}

	admissionWaitsTotal.Inc()
	s.logger.Debug().Int("max_conns", s.maxConns).Msg("Connection limit reached, waiting")
	select {
	case slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Addr returns the listener address, or nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and waits for in-flight ones to
// finish. If ctx expires first, the remaining connections are closed and
// ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	cancel := s.cancel
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		s.logger.Info().Msg("Proxy stopped")
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn().Err(err).Msg("Shutdown deadline exceeded, closing connections")
	}
	if cancel != nil {
		cancel()
	}
	return err
}
