// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 10 MiB in bytes.
const defaultMaxMessageSize = 10 * 1024 * 1024

// Queue drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Providers selectable with PROVIDER.
var Providers = []string{"ses", "graph", "sendgrid", "mailgun", "smtp", "custom-smtp", "stdout"}

// Config holds the complete application configuration.
type Config struct {
	Provider  string          `yaml:"provider"`
	App       AppConfig       `yaml:"app"`
	SES       SESConfig       `yaml:"ses"`
	Graph     GraphConfig     `yaml:"graph"`
	SendGrid  SendGridConfig  `yaml:"sendgrid"`
	Mailgun   MailgunConfig   `yaml:"mailgun"`
	Relay     RelayConfig     `yaml:"relay"`
	Queue     QueueConfig     `yaml:"queue"`
	Inbound   InboundConfig   `yaml:"inbound"`
	API       APIConfig       `yaml:"api"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AppConfig names the application in rendered templates.
type AppConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// SendGridConfig holds SendGrid configuration.
type SendGridConfig struct {
	APIKey string `yaml:"api_key"`
	Sender string `yaml:"sender"`
}

// MailgunConfig holds Mailgun configuration.
type MailgunConfig struct {
	APIKey  string `yaml:"api_key"`
	Domain  string `yaml:"domain"`
	Sender  string `yaml:"sender"`
	BaseURL string `yaml:"base_url"`
}

// RelayConfig holds the outbound SMTP relay configuration.
type RelayConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	Sender             string `yaml:"sender"`
	TLS                string `yaml:"tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// QueueConfig holds dispatch queue configuration.
type QueueConfig struct {
	Driver           string        `yaml:"driver"`
	DSN              string        `yaml:"dsn"`
	Workers          int           `yaml:"workers"`
	Attempts         int           `yaml:"attempts"`
	Backoff          time.Duration `yaml:"backoff"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	JobTimeout       time.Duration `yaml:"job_timeout"`
	RemoveOnComplete bool          `yaml:"remove_on_complete"`
	RemoveOnFail     bool          `yaml:"remove_on_fail"`
}

// InboundConfig holds the inbound SMTP server configuration.
type InboundConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Listen         string        `yaml:"listen"`
	Domain         string        `yaml:"domain"`
	AuthRequired   bool          `yaml:"auth_required"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MessageTimeout time.Duration `yaml:"message_timeout"`
	MaxRecipients  int           `yaml:"max_recipients"`
	InboxDir       string        `yaml:"inbox_dir"`
}

// APIConfig holds the management API configuration.
type APIConfig struct {
	Listen    string  `yaml:"listen"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// BulkRateLimit is in requests per hour.
	BulkRateLimit float64 `yaml:"bulk_rate_limit"`
	BulkRateBurst int     `yaml:"bulk_rate_burst"`
}

// AnalyticsConfig holds delivery analytics configuration.
type AnalyticsConfig struct {
	File string `yaml:"file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if a region and sender are set. Static keys
// are optional; the default credential chain is used without them.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// SendGridConfigured returns true if an API key and sender are set.
func (c *Config) SendGridConfigured() bool {
	return c.SendGrid.APIKey != "" && c.SendGrid.Sender != ""
}

// MailgunConfigured returns true if an API key, domain and sender are set.
func (c *Config) MailgunConfigured() bool {
	return c.Mailgun.APIKey != "" && c.Mailgun.Domain != "" && c.Mailgun.Sender != ""
}

// RelayConfigured returns true if a relay host and sender are set.
func (c *Config) RelayConfigured() bool {
	return c.Relay.Host != "" && c.Relay.Sender != ""
}

// SeedUserConfigured returns true if both inbound username and password
// are set.
func (c *Config) SeedUserConfigured() bool {
	return c.Inbound.Username != "" && c.Inbound.Password != ""
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Provider != "" && !slices.Contains(Providers, c.Provider) {
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	switch c.Queue.Driver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown queue driver %q", c.Queue.Driver))
	}
	if c.Queue.Driver != DriverMemory && c.Queue.DSN == "" {
		errs = append(errs, errors.New("queue dsn is required"))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, errors.New("queue workers must be positive"))
	}
	if c.Queue.Attempts <= 0 {
		errs = append(errs, errors.New("queue attempts must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"queue backoff":           c.Queue.Backoff,
		"queue poll interval":     c.Queue.PollInterval,
		"queue job timeout":       c.Queue.JobTimeout,
		"inbound idle timeout":    c.Inbound.IdleTimeout,
		"inbound message timeout": c.Inbound.MessageTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Inbound.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("inbound max message size must be positive"))
	}
	if c.Inbound.MaxRecipients <= 0 {
		errs = append(errs, errors.New("inbound max recipients must be positive"))
	}
	if c.API.RateLimit <= 0 || c.API.RateBurst <= 0 {
		errs = append(errs, errors.New("api rate limit and burst must be positive"))
	}
	if c.API.BulkRateLimit <= 0 || c.API.BulkRateBurst <= 0 {
		errs = append(errs, errors.New("api bulk rate limit and burst must be positive"))
	}
	switch c.Relay.TLS {
	case "none", "starttls", "implicit":
	default:
		errs = append(errs, fmt.Errorf("unknown relay tls mode %q", c.Relay.TLS))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.App.Name = "Email Service"
	c.App.URL = "http://localhost:3000"

	c.Mailgun.BaseURL = "https://api.mailgun.net/v3"

	c.Relay.Port = 587
	c.Relay.TLS = "starttls"

	c.Queue.Driver = DriverSQLite
	c.Queue.DSN = "data/queue.db"
	c.Queue.Workers = 2
	c.Queue.Attempts = 3
	c.Queue.Backoff = 2 * time.Second
	c.Queue.PollInterval = time.Second
	c.Queue.JobTimeout = 60 * time.Second
	c.Queue.RemoveOnComplete = true

	c.Inbound.Enabled = true
	c.Inbound.Listen = ":2525"
	c.Inbound.Domain = "localhost"
	c.Inbound.AuthRequired = true
	c.Inbound.MaxMessageSize = defaultMaxMessageSize
	c.Inbound.IdleTimeout = 60 * time.Second
	c.Inbound.MessageTimeout = 30 * time.Second
	c.Inbound.MaxRecipients = 100
	c.Inbound.InboxDir = "data/inbox"

	c.API.Listen = ":3000"
	c.API.RateLimit = 2
	c.API.RateBurst = 10
	c.API.BulkRateLimit = 10
	c.API.BulkRateBurst = 10

	c.Analytics.File = "data/analytics.json"

	c.Logging.Level = "info"
	c.Logging.MaxSizeMB = 100
	c.Logging.MaxBackups = 5
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that do not parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	envString("APP_NAME", &c.App.Name)
	envString("APP_URL", &c.App.URL)

	envString("SES_REGION", &c.SES.Region)
	envString("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	envString("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)
	envString("SES_SENDER", &c.SES.Sender)

	envString("GRAPH_TENANT_ID", &c.Graph.TenantID)
	envString("GRAPH_CLIENT_ID", &c.Graph.ClientID)
	envString("GRAPH_CLIENT_SECRET", &c.Graph.ClientSecret)
	envString("GRAPH_SENDER", &c.Graph.Sender)

	envString("SENDGRID_API_KEY", &c.SendGrid.APIKey)
	envString("SENDGRID_SENDER", &c.SendGrid.Sender)

	envString("MAILGUN_API_KEY", &c.Mailgun.APIKey)
	envString("MAILGUN_DOMAIN", &c.Mailgun.Domain)
	envString("MAILGUN_SENDER", &c.Mailgun.Sender)
	envString("MAILGUN_BASE_URL", &c.Mailgun.BaseURL)

	envString("RELAY_HOST", &c.Relay.Host)
	envInt("RELAY_PORT", &c.Relay.Port)
	envString("RELAY_USERNAME", &c.Relay.Username)
	envString("RELAY_PASSWORD", &c.Relay.Password)
	envString("RELAY_SENDER", &c.Relay.Sender)
	if v := os.Getenv("RELAY_TLS"); v != "" {
		c.Relay.TLS = strings.ToLower(v)
	}
	envBool("RELAY_INSECURE_SKIP_VERIFY", &c.Relay.InsecureSkipVerify)

	if v := os.Getenv("QUEUE_DRIVER"); v != "" {
		c.Queue.Driver = strings.ToLower(v)
	}
	envString("QUEUE_DSN", &c.Queue.DSN)
	envInt("QUEUE_WORKERS", &c.Queue.Workers)
	envInt("QUEUE_ATTEMPTS", &c.Queue.Attempts)
	envDuration("QUEUE_BACKOFF", &c.Queue.Backoff)
	envDuration("QUEUE_POLL_INTERVAL", &c.Queue.PollInterval)
	envDuration("QUEUE_JOB_TIMEOUT", &c.Queue.JobTimeout)
	envBool("QUEUE_REMOVE_ON_COMPLETE", &c.Queue.RemoveOnComplete)
	envBool("QUEUE_REMOVE_ON_FAIL", &c.Queue.RemoveOnFail)

	envBool("INBOUND_ENABLED", &c.Inbound.Enabled)
	envString("INBOUND_LISTEN", &c.Inbound.Listen)
	envString("INBOUND_DOMAIN", &c.Inbound.Domain)
	envBool("INBOUND_AUTH_REQUIRED", &c.Inbound.AuthRequired)
	envString("INBOUND_USERNAME", &c.Inbound.Username)
	envString("INBOUND_PASSWORD", &c.Inbound.Password)
	if v := os.Getenv("INBOUND_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Inbound.MaxMessageSize = size
		}
	}
	envDuration("INBOUND_IDLE_TIMEOUT", &c.Inbound.IdleTimeout)
	envDuration("INBOUND_MESSAGE_TIMEOUT", &c.Inbound.MessageTimeout)
	envInt("INBOUND_MAX_RECIPIENTS", &c.Inbound.MaxRecipients)
	envString("INBOX_DIR", &c.Inbound.InboxDir)

	envString("API_LISTEN", &c.API.Listen)
	if v := os.Getenv("API_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.API.RateLimit = f
		}
	}
	envInt("API_RATE_BURST", &c.API.RateBurst)
	if v := os.Getenv("API_BULK_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.API.BulkRateLimit = f
		}
	}
	envInt("API_BULK_RATE_BURST", &c.API.BulkRateBurst)

	envString("ANALYTICS_FILE", &c.Analytics.File)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	envString("LOG_FILE", &c.Logging.File)
	envInt("LOG_MAX_SIZE_MB", &c.Logging.MaxSizeMB)
	envInt("LOG_MAX_BACKUPS", &c.Logging.MaxBackups)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// envDuration accepts Go durations ("1m30s") or bare seconds ("90").
func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
	}
}
