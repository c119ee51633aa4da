// Package smtp implements the unauthenticated SMTP front end of the proxy.
// Each accepted connection runs its own session goroutine, and every
// completed message is handed to a relay.Relayer from that goroutine.
package smtp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kylelaker/smtp-proxy/internal/relay"
)

// defaultShutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const defaultShutdownTimeout = 30 * time.Second

// Accept retry backoff bounds, as in net/http.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "0.0.0.0:8025").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// Relayer receives every completed envelope.
	Relayer relay.Relayer

	// MaxMessageSize is the largest message accepted, in bytes.
	MaxMessageSize int64

	// MaxSessions bounds concurrent sessions. Zero means unbounded.
	MaxSessions int

	// IdleTimeout closes sessions that send nothing for this long.
	IdleTimeout time.Duration

	// ShutdownTimeout bounds how long shutdown waits for in-flight sessions.
	ShutdownTimeout time.Duration
}

// Server is an SMTP server that accepts connections without authentication
// and relays each message it receives.
type Server struct {
	config ServerConfig
	sem    *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{config: cfg}
	if cfg.MaxSessions > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxSessions))
	}
	return s
}

// ListenAndServe binds the configured address and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and blocks until ctx is cancelled.
// On cancellation it stops accepting immediately, then waits up to
// ShutdownTimeout for in-flight sessions to complete.
// @MX:WARN: [AUTO] Goroutine spawned per connection, bounded only when MaxSessions is set
// @MX:REASON: Each accepted TCP connection starts a goroutine for session handling
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"relay", s.config.Relayer.Name(),
		"max_sessions", s.config.MaxSessions,
	)

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	var acceptDelay time.Duration
	for {
		if s.sem != nil {
			// Waiting here leaves further clients in the kernel accept queue.
			if err := s.sem.Acquire(ctx, 1); err != nil {
				s.waitForSessions()
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			s.release()
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
			}

			if acceptDelay == 0 {
				acceptDelay = minAcceptDelay
			} else {
				acceptDelay = min(2*acceptDelay, maxAcceptDelay)
			}
			slog.Error("accept error", "error", err, "retry_in", acceptDelay)

			select {
			case <-ctx.Done():
			case <-time.After(acceptDelay):
			}
			continue
		}
		acceptDelay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			session := NewSession(conn, s.config.Relayer, SessionConfig{
				Hostname:       s.config.Hostname,
				MaxMessageSize: s.config.MaxMessageSize,
				IdleTimeout:    s.config.IdleTimeout,
			})
			session.Handle(ctx)
		}()
	}
}

func (s *Server) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(s.config.ShutdownTimeout):
		slog.Warn("shutdown timeout reached, abandoning in-flight sessions")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
