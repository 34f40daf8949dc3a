// Package main is the entry point for the mailgate email service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shineum/mailgate/internal/analytics"
	"github.com/shineum/mailgate/internal/api"
	"github.com/shineum/mailgate/internal/auth"
	"github.com/shineum/mailgate/internal/config"
	"github.com/shineum/mailgate/internal/inbox"
	"github.com/shineum/mailgate/internal/provider"
	"github.com/shineum/mailgate/internal/provider/graph"
	"github.com/shineum/mailgate/internal/provider/mailgun"
	"github.com/shineum/mailgate/internal/provider/sendgrid"
	"github.com/shineum/mailgate/internal/provider/ses"
	"github.com/shineum/mailgate/internal/provider/smtprelay"
	"github.com/shineum/mailgate/internal/provider/stdout"
	"github.com/shineum/mailgate/internal/queue"
	"github.com/shineum/mailgate/internal/smtp"
	"github.com/shineum/mailgate/internal/templates"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before configuration")
	flag.Parse()

	// A missing .env is normal in containers.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load env file", "path", *envFile, "error", err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	closeLog := setupLogger(cfg.Logging)
	defer closeLog()

	if err := run(cfg); err != nil {
		slog.Error("mailgate stopped with error", "error", err)
		closeLog()
		os.Exit(1)
	}
	slog.Info("mailgate stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := openQueueStore(cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close queue store", "error", err)
		}
	}()

	recorder, err := analytics.Open(cfg.Analytics.File)
	if err != nil {
		return err
	}

	q := queue.New(store, prov, recorder, queue.Config{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		JobTimeout:   cfg.Queue.JobTimeout,
		Defaults: queue.Options{
			Attempts:         cfg.Queue.Attempts,
			Backoff:          cfg.Queue.Backoff,
			RemoveOnComplete: cfg.Queue.RemoveOnComplete,
			RemoveOnFail:     cfg.Queue.RemoveOnFail,
		},
	})

	renderer, err := templates.New(cfg.App.Name, cfg.App.URL)
	if err != nil {
		return err
	}

	deps := api.Deps{
		Queue:     q,
		Templates: renderer,
		Recorder:  recorder,
	}

	var inboundServer *smtp.Server
	if cfg.Inbound.Enabled {
		users := auth.NewStore()
		if cfg.SeedUserConfigured() {
			if err := users.AddUser(cfg.Inbound.Username, cfg.Inbound.Password); err != nil {
				return err
			}
		} else if cfg.Inbound.AuthRequired {
			slog.Warn("inbound auth is required but no user is configured; add one through the API")
		}

		box, err := inbox.Open(cfg.Inbound.InboxDir)
		if err != nil {
			return err
		}
		deps.Inbox = box
		deps.Users = users

		inboundServer = smtp.New(smtp.ServerConfig{
			ListenAddr:      cfg.Inbound.Listen,
			Domain:          cfg.Inbound.Domain,
			AuthRequired:    cfg.Inbound.AuthRequired,
			MaxMessageBytes: cfg.Inbound.MaxMessageSize,
			MaxRecipients:   cfg.Inbound.MaxRecipients,
			IdleTimeout:     cfg.Inbound.IdleTimeout,
			MessageTimeout:  cfg.Inbound.MessageTimeout,
		}, users, box)
	}

	apiServer := api.New(api.Config{
		Addr:      cfg.API.Listen,
		RateLimit: cfg.API.RateLimit,
		RateBurst: cfg.API.RateBurst,

		BulkRateLimit: cfg.API.BulkRateLimit,
		BulkRateBurst: cfg.API.BulkRateBurst,
	}, deps)

	slog.Info("starting mailgate",
		"provider", prov.Name(),
		"queue_driver", cfg.Queue.Driver,
		"api_listen", cfg.API.Listen,
		"inbound_enabled", cfg.Inbound.Enabled,
		"inbound_listen", cfg.Inbound.Listen,
		"inbound_auth", cfg.Inbound.AuthRequired,
	)

	components := []component{
		{"queue", q.Run},
		{"api", apiServer.ListenAndServe},
	}
	if inboundServer != nil {
		components = append(components, component{"smtp", inboundServer.ListenAndServe})
	}
	return supervise(ctx, components)
}

type component struct {
	name string
	run  func(context.Context) error
}

// supervise runs every component until ctx is done or one of them stops.
// The first to stop cancels the rest; its error is returned once all have
// returned.
func supervise(ctx context.Context, components []component) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range components {
		g.Go(func() error {
			err := c.run(gctx)
			if err == nil && gctx.Err() == nil {
				err = fmt.Errorf("%s stopped unexpectedly", c.name)
			}
			if err != nil {
				slog.Error("component failed", "component", c.name, "error", err)
			}
			return err
		})
	}

	<-gctx.Done()
	slog.Info("shutting down")
	return g.Wait()
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level. With a log file set, output goes to a rotating file
// as well as stdout. The returned func closes the file.
func setupLogger(cfg config.LoggingConfig) func() {
	var logLevel slog.Level

	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closeFn = func() { _ = rotator.Close() }
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
	return closeFn
}

func openQueueStore(cfg config.QueueConfig) (queue.Store, error) {
	if cfg.Driver == config.DriverMemory {
		slog.Warn("using in-memory queue; pending jobs are lost on restart")
		return queue.NewMemoryStore(), nil
	}
	return queue.NewSQLStore(cfg.Driver, cfg.DSN)
}

// selectProvider chooses the email delivery backend based on configuration.
// An explicit PROVIDER wins. Otherwise the first fully configured backend
// is used in the order graph, ses, sendgrid, mailgun, smtp, falling back to
// stdout.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "ses":
		if !cfg.SESConfigured() {
			return nil, errors.New("SES provider selected but SES_REGION and SES_SENDER are required")
		}
		return newSES(ctx, cfg)

	case "graph":
		if !cfg.GraphConfigured() {
			return nil, errors.New("Graph provider selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, and GRAPH_SENDER are required")
		}
		return newGraph(cfg), nil

	case "sendgrid":
		if !cfg.SendGridConfigured() {
			return nil, errors.New("SendGrid provider selected but SENDGRID_API_KEY and SENDGRID_SENDER are required")
		}
		return newSendGrid(cfg), nil

	case "mailgun":
		if !cfg.MailgunConfigured() {
			return nil, errors.New("Mailgun provider selected but MAILGUN_API_KEY, MAILGUN_DOMAIN, and MAILGUN_SENDER are required")
		}
		return newMailgun(cfg), nil

	case "smtp":
		if !cfg.RelayConfigured() {
			return nil, errors.New("SMTP provider selected but RELAY_HOST and RELAY_SENDER are required")
		}
		return newRelay(cfg), nil

	case "custom-smtp":
		return newLoopbackRelay(cfg)

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New(firstNonEmpty(cfg.Relay.Sender, "noreply@localhost")), nil

	case "":
		switch {
		case cfg.GraphConfigured():
			return newGraph(cfg), nil
		case cfg.SESConfigured():
			return newSES(ctx, cfg)
		case cfg.SendGridConfigured():
			return newSendGrid(cfg), nil
		case cfg.MailgunConfigured():
			return newMailgun(cfg), nil
		case cfg.RelayConfigured():
			return newRelay(cfg), nil
		}
		slog.Info("no provider configured, using stdout provider")
		return stdout.New("noreply@localhost"), nil

	default:
		return nil, errors.New("unknown provider " + strconv.Quote(cfg.Provider))
	}
}

func newSES(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	slog.Info("using AWS SES provider",
		"region", cfg.SES.Region,
		"sender", cfg.SES.Sender,
	)
	p, err := ses.New(ctx, ses.Config{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newGraph(cfg *config.Config) provider.Provider {
	slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
	return graph.New(graph.Config{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		Sender:       cfg.Graph.Sender,
	})
}

func newSendGrid(cfg *config.Config) provider.Provider {
	slog.Info("using SendGrid provider", "sender", cfg.SendGrid.Sender)
	return sendgrid.New(sendgrid.Config{
		APIKey: cfg.SendGrid.APIKey,
		Sender: cfg.SendGrid.Sender,
	})
}

func newMailgun(cfg *config.Config) provider.Provider {
	slog.Info("using Mailgun provider", "domain", cfg.Mailgun.Domain, "sender", cfg.Mailgun.Sender)
	return mailgun.New(mailgun.Config{
		APIKey:  cfg.Mailgun.APIKey,
		Domain:  cfg.Mailgun.Domain,
		Sender:  cfg.Mailgun.Sender,
		BaseURL: cfg.Mailgun.BaseURL,
	})
}

func newRelay(cfg *config.Config) provider.Provider {
	slog.Info("using SMTP relay provider",
		"host", cfg.Relay.Host,
		"port", cfg.Relay.Port,
		"tls", cfg.Relay.TLS,
	)
	return smtprelay.New(smtprelay.Config{
		Host:               cfg.Relay.Host,
		Port:               cfg.Relay.Port,
		Username:           cfg.Relay.Username,
		Password:           cfg.Relay.Password,
		Sender:             cfg.Relay.Sender,
		TLS:                cfg.Relay.TLS,
		InsecureSkipVerify: cfg.Relay.InsecureSkipVerify,
	})
}

// newLoopbackRelay relays into this process's own inbound server, so sent
// mail lands in the local inbox.
func newLoopbackRelay(cfg *config.Config) (provider.Provider, error) {
	if !cfg.Inbound.Enabled {
		return nil, errors.New("custom-smtp provider requires the inbound SMTP server")
	}
	_, portStr, err := net.SplitHostPort(cfg.Inbound.Listen)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	sender := firstNonEmpty(cfg.Relay.Sender, "noreply@"+cfg.Inbound.Domain)
	slog.Info("using custom SMTP provider", "port", port, "sender", sender)

	c := smtprelay.Config{
		Name:   "custom-smtp",
		Host:   "localhost",
		Port:   port,
		Sender: sender,
		TLS:    smtprelay.TLSNone,
	}
	if cfg.Inbound.AuthRequired {
		c.Username = cfg.Inbound.Username
		c.Password = cfg.Inbound.Password
	}
	return smtprelay.New(c), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
