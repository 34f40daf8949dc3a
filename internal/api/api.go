// Package api serves the management HTTP surface: sending, queue
// administration, the inbound inbox, SMTP users, DNS diagnostics,
// analytics and health.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/shineum/mailgate/internal/analytics"
	"github.com/shineum/mailgate/internal/auth"
	"github.com/shineum/mailgate/internal/dnscheck"
	"github.com/shineum/mailgate/internal/inbox"
	"github.com/shineum/mailgate/internal/metrics"
	"github.com/shineum/mailgate/internal/queue"
	"github.com/shineum/mailgate/internal/templates"
)

// shutdownTimeout bounds how long in-flight requests may run after the
// server is asked to stop.
const shutdownTimeout = 30 * time.Second

// Config holds the HTTP listener and rate limit settings.
type Config struct {
	Addr string

	// RateLimit is the sustained requests per second allowed per client on
	// the send endpoints; RateBurst is the bucket size.
	RateLimit float64
	RateBurst int

	// BulkRateLimit is the per-client allowance for send-bulk in requests
	// per hour, with BulkRateBurst as its bucket size.
	BulkRateLimit float64
	BulkRateBurst int
}

// Deps are the components the handlers operate on. Inbox and Users may be
// nil when the inbound SMTP server is disabled. A nil DNS uses the system
// resolver.
type Deps struct {
	Queue     *queue.Queue
	Templates *templates.Renderer
	Recorder  *analytics.Recorder
	Inbox     *inbox.Store
	Users     *auth.Store
	DNS       *dnscheck.Checker
}

// Server is the management API.
type Server struct {
	cfg     Config
	deps    Deps
	limiter *clientLimiter
	bulk    *clientLimiter
	handler http.Handler
	started time.Time

	mu       sync.Mutex
	listener net.Listener
}

// New builds the route table.
func New(cfg Config, deps Deps) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 2
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	if cfg.BulkRateLimit <= 0 {
		cfg.BulkRateLimit = 10
	}
	if cfg.BulkRateBurst <= 0 {
		cfg.BulkRateBurst = 10
	}
	if deps.DNS == nil {
		deps.DNS = dnscheck.New(nil)
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		limiter: newClientLimiter(cfg.RateLimit, cfg.RateBurst),
		bulk:    newClientLimiter(cfg.BulkRateLimit/3600, cfg.BulkRateBurst),
		started: time.Now(),
	}
	s.handler = s.instrument(s.routes())
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	limited := s.limiter.wrap

	mux.HandleFunc("POST /api/email/send", limited(s.handleSend))
	mux.HandleFunc("POST /api/email/send-otp", limited(s.handleSendOTP))
	mux.HandleFunc("POST /api/email/send-password-reset", limited(s.handleSendPasswordReset))
	mux.HandleFunc("POST /api/email/send-welcome", limited(s.handleSendWelcome))
	mux.HandleFunc("POST /api/email/send-bulk", s.bulk.wrap(s.handleSendBulk))
	mux.HandleFunc("GET /api/email/queue/stats", s.handleQueueStats)
	mux.HandleFunc("GET /api/email/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/email/queue/pause", s.handlePause)
	mux.HandleFunc("POST /api/email/queue/resume", s.handleResume)
	mux.HandleFunc("POST /api/email/queue/clear", s.handleClear)

	mux.HandleFunc("GET /api/smtp/inbox", s.handleListInbox)
	mux.HandleFunc("DELETE /api/smtp/inbox", s.handleClearInbox)
	mux.HandleFunc("GET /api/smtp/inbox/{id}", s.handleGetMessage)
	mux.HandleFunc("DELETE /api/smtp/inbox/{id}", s.handleDeleteMessage)
	mux.HandleFunc("GET /api/smtp/users", s.handleListUsers)
	mux.HandleFunc("POST /api/smtp/users", s.handleAddUser)
	mux.HandleFunc("DELETE /api/smtp/users/{username}", s.handleRemoveUser)

	mux.HandleFunc("POST /api/smtp/dns/check", s.handleDNSCheck)
	mux.HandleFunc("POST /api/smtp/dns/generate-spf", s.handleGenerateSPF)
	mux.HandleFunc("POST /api/smtp/dns/generate-dmarc", s.handleGenerateDMARC)
	mux.HandleFunc("GET /api/smtp/dns/mx/{domain}", s.handleDNSMX)
	mux.HandleFunc("GET /api/smtp/dns/spf/{domain}", s.handleDNSSPF)
	mux.HandleFunc("GET /api/smtp/dns/dkim/{domain}", s.handleDNSDKIM)
	mux.HandleFunc("GET /api/smtp/dns/dkim/{domain}/{selector}", s.handleDNSDKIM)
	mux.HandleFunc("GET /api/smtp/dns/dmarc/{domain}", s.handleDNSDMARC)

	mux.HandleFunc("GET /api/analytics/summary", s.handleAnalyticsSummary)
	mux.HandleFunc("GET /api/analytics/full", s.handleAnalyticsFull)
	mux.HandleFunc("POST /api/analytics/reset", s.handleAnalyticsReset)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/verify", s.handleVerify)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found")
	})
	return mux
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler {
	return s.handler
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests per route pattern and turns handler panics
// into a 500.
func (s *Server) instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				slog.Error("panic in HTTP handler",
					"path", r.URL.Path,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				writeError(rec, http.StatusInternalServerError, "Internal server error")
			}

			route := r.Pattern
			if route == "" || route == "/" {
				route = "unmatched"
			}
			metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			slog.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", time.Since(start),
			)
		}()

		mux.ServeHTTP(rec, r)
	})
}

// ListenAndServe serves on the configured address until ctx is cancelled,
// then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	slog.Info("API server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down API server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Warn("API shutdown timeout reached, forcing close", "error", err)
		srv.Close()
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
