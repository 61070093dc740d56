// Package server is the switch-facing WebSocket bridge. FreeSWITCH opens
// one stream connection per call leg at
// /stream/{secretary_uuid}/{call_uuid}/{caller_id}; binary frames carry
// PCM16 mono 16 kHz audio both ways, text frames carry JSON control
// messages. The server owns the live-session registry: a reconnect (or the
// auxiliary b-leg stream during a transfer) attaches to the existing
// session by call uuid instead of building a new one.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/vocero-ai/vocero/internal/health"
	"github.com/vocero-ai/vocero/internal/observe"
	"github.com/vocero-ai/vocero/internal/session"
)

// StreamParams are the identifiers carried in the stream URL. There is no
// separate metadata handshake; the path is the contract.
type StreamParams struct {
	SecretaryID string
	CallUUID    string
	CallerID    string
}

// SessionFactory builds a new session for a call uuid the registry does
// not know. The server owns the returned session's lifetime.
type SessionFactory func(ctx context.Context, p StreamParams) (*session.Session, error)

// Config wires the server.
type Config struct {
	ListenAddr string

	NewSession SessionFactory

	Health  *health.Handler
	Metrics *observe.Metrics
	Logger  *slog.Logger

	// ShutdownGrace bounds draining on Shutdown. Default 10s.
	ShutdownGrace time.Duration
}

// liveCall is one registry entry. The conn pointer tracks the most recent
// stream connection so the transfer drain can read its queue occupancy.
type liveCall struct {
	sess *session.Session
	conn *streamConn
}

// Server accepts switch stream connections and routes them to sessions.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	calls map[string]*liveCall

	httpSrv *http.Server
}

// New builds a Server. NewSession is required; health and metrics mounts
// are skipped when their handlers are nil.
func New(cfg Config) (*Server, error) {
	if cfg.NewSession == nil {
		return nil, fmt.Errorf("server: session factory is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:8085"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "server"),
		calls:  make(map[string]*liveCall),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the full route set. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream/", s.handleStream)
	mux.Handle("/metrics", promhttp.Handler())
	if s.cfg.Health != nil {
		mux.HandleFunc("/healthz", s.cfg.Health.Healthz)
		mux.HandleFunc("/readyz", s.cfg.Health.Readyz)
	}
	return observe.Middleware(s.cfg.Metrics)(mux)
}

// Run serves until ctx is cancelled, then drains.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("listening", "addr", s.cfg.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		s.stopAllSessions("shutdown")
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// ── session registry ──

// Register adds an externally built session (the transfer manager's
// attendant session) so a later stream connection can attach to it.
func (s *Server) Register(callUUID string, sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[callUUID] = &liveCall{sess: sess}
}

// Unregister drops a session from the registry.
func (s *Server) Unregister(callUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, callUUID)
}

// PendingBytes reports the outbound queue occupancy of the call's current
// stream connection; 0 when no connection is attached.
func (s *Server) PendingBytes(callUUID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	lc, ok := s.calls[callUUID]
	if !ok || lc.conn == nil {
		return 0
	}
	return lc.conn.pendingBytes()
}

// attach reuses the registered session for the call uuid or builds a new
// one. The bool reports whether this server created (and must start) it.
func (s *Server) attach(ctx context.Context, p StreamParams) (*session.Session, bool, error) {
	s.mu.Lock()
	if lc, ok := s.calls[p.CallUUID]; ok {
		sess := lc.sess
		s.mu.Unlock()
		return sess, false, nil
	}
	s.mu.Unlock()

	sess, err := s.cfg.NewSession(ctx, p)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	// A concurrent connect for the same uuid may have won the race.
	if lc, ok := s.calls[p.CallUUID]; ok {
		s.mu.Unlock()
		sess.Stop("duplicate_connect")
		return lc.sess, false, nil
	}
	s.calls[p.CallUUID] = &liveCall{sess: sess}
	s.mu.Unlock()

	// The registry entry lives as long as the session, not the connection:
	// during a transfer the switch drops and reopens the stream and must
	// find the same session.
	go func() {
		<-sess.Done()
		s.Unregister(p.CallUUID)
	}()
	return sess, true, nil
}

func (s *Server) setConn(callUUID string, c *streamConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lc, ok := s.calls[callUUID]; ok {
		lc.conn = c
	}
}

func (s *Server) clearConn(callUUID string, c *streamConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lc, ok := s.calls[callUUID]; ok && lc.conn == c {
		lc.conn = nil
	}
}

func (s *Server) stopAllSessions(reason string) {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.calls))
	for _, lc := range s.calls {
		sessions = append(sessions, lc.sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Stop(reason)
	}
}

// parseStreamPath splits /stream/{secretary}/{call}/{caller}. The caller id
// segment may itself contain percent-encoding; ServeMux has already decoded
// it by the time the request reaches the handler.
func parseStreamPath(path string) (StreamParams, bool) {
	rest, ok := strings.CutPrefix(path, "/stream/")
	if !ok {
		return StreamParams{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return StreamParams{}, false
	}
	return StreamParams{SecretaryID: parts[0], CallUUID: parts[1], CallerID: parts[2]}, true
}
