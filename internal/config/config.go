// Package config defines the immutable runtime configuration. It is built
// once from CLI flags (each backed by an environment variable) and handed to
// components as typed substructures; nothing reads process environment after
// startup.
package config

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

// Environment selects production vs development behavior (error masking,
// SSRF guard).
type Environment string

const (
	Production  Environment = "production"
	Development Environment = "development"
)

type HTTPSettings struct {
	ListenAddr string
	// CreateRateCount requests per CreateRateWindow per client IP for
	// unauthenticated inbox creation.
	CreateRateCount  int
	CreateRateWindow time.Duration
}

type SMTPSettings struct {
	Enabled         bool
	ListenAddr      string
	Hostname        string
	MaxMessageBytes int64
	MaxRecipients   int
}

type DBSettings struct {
	Driver string
	DSN    string
	Debug  bool
}

type POP3Settings struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	MaxConcurrent  int
	MaxRetries     int
	RetryBase      time.Duration
	ThrottleWindow time.Duration
}

type FetchSettings struct {
	// MaxPerJob caps how many messages a single fetch job retrieves.
	MaxPerJob int
	QueueSize int
}

type TokenSettings struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	SweepInterval time.Duration
}

type Config struct {
	Env           Environment
	Debug         bool
	EncryptionKey string
	AdminKey      string

	MaxAttachmentBytes int64
	DomainRefresh      time.Duration

	HTTP  HTTPSettings
	SMTP  SMTPSettings
	DB    DBSettings
	POP3  POP3Settings
	Fetch FetchSettings
	Token TokenSettings
}

// Flags returns the CLI flag set backing the configuration. Every flag is
// overridable through its MADGATE_* environment variable.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "env", Value: "production", Usage: "environment: production or development", EnvVars: []string{"MADGATE_ENV"}},
		&cli.BoolFlag{Name: "debug", Usage: "enable debug logging and unmasked errors", EnvVars: []string{"MADGATE_DEBUG"}},
		&cli.StringFlag{Name: "encryption-key", Usage: "credential encryption key (64-char hex or passphrase)", EnvVars: []string{"MADGATE_ENCRYPTION_KEY"}},
		&cli.StringFlag{Name: "admin-key", Usage: "shared secret for /v1/admin endpoints", EnvVars: []string{"MADGATE_ADMIN_KEY"}},

		&cli.StringFlag{Name: "http-listen", Value: ":8080", Usage: "HTTP API listen address", EnvVars: []string{"MADGATE_HTTP_LISTEN"}},
		&cli.IntFlag{Name: "create-rate-count", Value: 10, Usage: "inbox creations allowed per IP per window", EnvVars: []string{"MADGATE_CREATE_RATE_COUNT"}},
		&cli.DurationFlag{Name: "create-rate-window", Value: time.Minute, EnvVars: []string{"MADGATE_CREATE_RATE_WINDOW"}},

		&cli.BoolFlag{Name: "smtp-enabled", Value: true, Usage: "run the inbound SMTP receiver", EnvVars: []string{"MADGATE_SMTP_ENABLED"}},
		&cli.StringFlag{Name: "smtp-listen", Value: ":2525", EnvVars: []string{"MADGATE_SMTP_LISTEN"}},
		&cli.StringFlag{Name: "smtp-hostname", Value: "madgate.localdomain", Usage: "SMTP banner hostname", EnvVars: []string{"MADGATE_SMTP_HOSTNAME"}},
		&cli.Int64Flag{Name: "smtp-max-message-bytes", Value: 25 << 20, EnvVars: []string{"MADGATE_SMTP_MAX_MESSAGE_BYTES"}},
		&cli.IntFlag{Name: "smtp-max-recipients", Value: 50, EnvVars: []string{"MADGATE_SMTP_MAX_RECIPIENTS"}},

		&cli.StringFlag{Name: "db-driver", Value: "sqlite", Usage: "sqlite, postgres or mysql", EnvVars: []string{"MADGATE_DB_DRIVER"}},
		&cli.StringFlag{Name: "db-dsn", Value: "madgate.db", EnvVars: []string{"MADGATE_DB_DSN"}},

		&cli.DurationFlag{Name: "pop3-connect-timeout", Value: 15 * time.Second, EnvVars: []string{"MADGATE_POP3_CONNECT_TIMEOUT"}},
		&cli.DurationFlag{Name: "pop3-command-timeout", Value: 30 * time.Second, EnvVars: []string{"MADGATE_POP3_COMMAND_TIMEOUT"}},
		&cli.IntFlag{Name: "pop3-max-concurrent", Value: 8, EnvVars: []string{"MADGATE_POP3_MAX_CONCURRENT"}},
		&cli.IntFlag{Name: "pop3-max-retries", Value: 3, EnvVars: []string{"MADGATE_POP3_MAX_RETRIES"}},
		&cli.DurationFlag{Name: "pop3-retry-base", Value: time.Second, EnvVars: []string{"MADGATE_POP3_RETRY_BASE"}},
		&cli.DurationFlag{Name: "pop3-throttle-window", Value: 30 * time.Second, EnvVars: []string{"MADGATE_POP3_THROTTLE_WINDOW"}},

		&cli.IntFlag{Name: "fetch-max-per-job", Value: 50, EnvVars: []string{"MADGATE_FETCH_MAX_PER_JOB"}},
		&cli.IntFlag{Name: "fetch-queue-size", Value: 256, EnvVars: []string{"MADGATE_FETCH_QUEUE_SIZE"}},

		&cli.DurationFlag{Name: "token-default-ttl", Value: 600 * time.Second, EnvVars: []string{"MADGATE_TOKEN_DEFAULT_TTL"}},
		&cli.DurationFlag{Name: "token-max-ttl", Value: 7 * 24 * time.Hour, EnvVars: []string{"MADGATE_TOKEN_MAX_TTL"}},
		&cli.DurationFlag{Name: "token-sweep-interval", Value: 5 * time.Minute, EnvVars: []string{"MADGATE_TOKEN_SWEEP_INTERVAL"}},

		&cli.Int64Flag{Name: "max-attachment-bytes", Value: 10 << 20, EnvVars: []string{"MADGATE_MAX_ATTACHMENT_BYTES"}},
		&cli.DurationFlag{Name: "domain-refresh", Value: 60 * time.Second, Usage: "local domain cache refresh interval", EnvVars: []string{"MADGATE_DOMAIN_REFRESH"}},
	}
}

// FromCLI materializes the configuration from a parsed CLI context.
func FromCLI(c *cli.Context) (*Config, error) {
	env := Environment(c.String("env"))
	if env != Production && env != Development {
		return nil, fmt.Errorf("unknown environment %q", env)
	}
	if c.String("encryption-key") == "" {
		return nil, fmt.Errorf("encryption key is required (--encryption-key / MADGATE_ENCRYPTION_KEY)")
	}

	cfg := &Config{
		Env:           env,
		Debug:         c.Bool("debug"),
		EncryptionKey: c.String("encryption-key"),
		AdminKey:      c.String("admin-key"),

		MaxAttachmentBytes: c.Int64("max-attachment-bytes"),
		DomainRefresh:      c.Duration("domain-refresh"),

		HTTP: HTTPSettings{
			ListenAddr:       c.String("http-listen"),
			CreateRateCount:  c.Int("create-rate-count"),
			CreateRateWindow: c.Duration("create-rate-window"),
		},
		SMTP: SMTPSettings{
			Enabled:         c.Bool("smtp-enabled"),
			ListenAddr:      c.String("smtp-listen"),
			Hostname:        c.String("smtp-hostname"),
			MaxMessageBytes: c.Int64("smtp-max-message-bytes"),
			MaxRecipients:   c.Int("smtp-max-recipients"),
		},
		DB: DBSettings{
			Driver: c.String("db-driver"),
			DSN:    c.String("db-dsn"),
			Debug:  c.Bool("debug"),
		},
		POP3: POP3Settings{
			ConnectTimeout: c.Duration("pop3-connect-timeout"),
			CommandTimeout: c.Duration("pop3-command-timeout"),
			MaxConcurrent:  c.Int("pop3-max-concurrent"),
			MaxRetries:     c.Int("pop3-max-retries"),
			RetryBase:      c.Duration("pop3-retry-base"),
			ThrottleWindow: c.Duration("pop3-throttle-window"),
		},
		Fetch: FetchSettings{
			MaxPerJob: c.Int("fetch-max-per-job"),
			QueueSize: c.Int("fetch-queue-size"),
		},
		Token: TokenSettings{
			DefaultTTL:    c.Duration("token-default-ttl"),
			MaxTTL:        c.Duration("token-max-ttl"),
			SweepInterval: c.Duration("token-sweep-interval"),
		},
	}
	return cfg, nil
}
