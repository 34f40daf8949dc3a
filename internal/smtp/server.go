// Package smtp implements the inbound SMTP acceptance server. Each
// connection runs its own session state machine; accepted messages are
// parsed and persisted before the client gets its 250.
package smtp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/mailgate/internal/auth"
	"github.com/shineum/mailgate/internal/inbox"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Defaults applied by New.
const (
	DefaultMaxMessageBytes = 10 * 1024 * 1024
	DefaultMaxRecipients   = 100
	DefaultIdleTimeout     = 60 * time.Second
	DefaultMessageTimeout  = 30 * time.Second
)

// MessageStore persists accepted messages.
type MessageStore interface {
	Append(m *inbox.StoredMessage) error
}

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Domain is announced in the greeting and EHLO responses.
	Domain string

	// AuthRequired makes MAIL and RCPT fail until the client has
	// authenticated. When false, AUTH is not advertised.
	AuthRequired bool

	// MaxMessageBytes is the hard ceiling for a message body.
	MaxMessageBytes int64

	MaxRecipients int

	// IdleTimeout bounds the wait for each command line.
	IdleTimeout time.Duration

	// MessageTimeout bounds receiving a whole DATA body.
	MessageTimeout time.Duration
}

// Server accepts SMTP connections and stores the messages it receives.
type Server struct {
	config ServerConfig
	users  *auth.Store
	store  MessageStore
	srv    *gosmtp.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a Server. users is consulted only when AuthRequired is set.
func New(cfg ServerConfig, users *auth.Store, store MessageStore) *Server {
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = DefaultMaxRecipients
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = DefaultMessageTimeout
	}

	s := &Server{config: cfg, users: users, store: store}

	srv := gosmtp.NewServer(&backend{server: s})
	srv.Addr = cfg.ListenAddr
	srv.Domain = cfg.Domain
	srv.ReadTimeout = cfg.IdleTimeout
	srv.WriteTimeout = cfg.IdleTimeout
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	// There is no STARTTLS; AUTH over plaintext is the only option.
	srv.AllowInsecureAuth = true
	srv.ErrorLog = slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn)
	s.srv = srv

	return s
}

// ListenAndServe listens on the configured address and serves until ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. On cancellation
// it stops accepting and waits up to 30 seconds for in-flight sessions
// before closing them.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"domain", s.config.Domain,
		"auth_required", s.config.AuthRequired,
		"max_message_bytes", s.config.MaxMessageBytes,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, gosmtp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down SMTP server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		s.srv.Close()
	} else {
		slog.Info("all sessions completed")
	}
	<-errCh
	return nil
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

type backend struct {
	server *Server
}

func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if nc := c.Conn(); nc != nil {
		remote = nc.RemoteAddr().String()
	}
	return newSession(b.server, remote, c.Conn()), nil
}
