// Package config loads application configuration from defaults, an optional
// YAML file and FOLLOWUP_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bissquit/followup/internal/normalize"
	"github.com/bissquit/followup/internal/reminders"
	"github.com/bissquit/followup/internal/sources"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore: FOLLOWUP_DATABASE__URL sets database.url.
const EnvPrefix = "FOLLOWUP_"

// DefaultPath is read when no config file is given and it exists.
const DefaultPath = "config.yaml"

// Config is the application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	CORS      CORSConfig      `koanf:"cors"`
	Auth      AuthConfig      `koanf:"auth"`
	Resolver  ResolverConfig  `koanf:"resolver"`
	Reminders RemindersConfig `koanf:"reminders"`
	Inbox     InboxConfig     `koanf:"inbox"`
	Notifier  NotifierConfig  `koanf:"notifier"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout" validate:"gt=0"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" validate:"gt=0"`
	WriteTimeout      time.Duration `koanf:"write_timeout" validate:"gt=0"`
	IdleTimeout       time.Duration `koanf:"idle_timeout" validate:"gt=0"`
}

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig selects and tunes the reminder store.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver" validate:"oneof=postgres sqlite"`
	URL             string        `koanf:"url" validate:"required_if=Driver postgres"`
	SQLitePath      string        `koanf:"sqlite_path" validate:"required_if=Driver sqlite"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gte=1"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	// AutoMigrate applies pending Postgres migrations on startup.
	AutoMigrate bool `koanf:"auto_migrate"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// AuthConfig contains bearer token settings.
type AuthConfig struct {
	SecretKey     string        `koanf:"secret_key" validate:"required,min=32"`
	Issuer        string        `koanf:"issuer"`
	TokenDuration time.Duration `koanf:"token_duration" validate:"gt=0"`
}

// ResolverConfig identifies the user and the addresses that never get reminders.
type ResolverConfig struct {
	SelfAddresses     []string `koanf:"self_addresses" validate:"required,min=1,dive,email"`
	InternalDomains   []string `koanf:"internal_domains"`
	ExcludedAddresses []string `koanf:"excluded_addresses" validate:"dive,email"`
	ExcludedDomains   []string `koanf:"excluded_domains"`
	MailLinkTemplate  string   `koanf:"mail_link_template"`
}

// RemindersConfig contains retry, lease and scheduling settings.
type RemindersConfig struct {
	MaxAttempts   int             `koanf:"max_attempts" validate:"gte=1"`
	Backoff       []time.Duration `koanf:"backoff"`
	BatchSize     int             `koanf:"batch_size" validate:"gte=1,lte=1000"`
	LeaseDuration time.Duration   `koanf:"lease_duration" validate:"gt=0"`
	SendTimeout   time.Duration   `koanf:"send_timeout" validate:"gt=0"`
	StoreTimeout  time.Duration   `koanf:"store_timeout" validate:"gt=0"`
	RateLimit     float64         `koanf:"rate_limit" validate:"gte=0"`
	Worker        WorkerConfig    `koanf:"worker"`
}

// WorkerConfig controls the in-process scheduler of `serve`.
type WorkerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	EnrichInterval   time.Duration `koanf:"enrich_interval" validate:"gte=0"`
	DispatchInterval time.Duration `koanf:"dispatch_interval" validate:"gte=0"`
	NumDispatchers   int           `koanf:"num_dispatchers" validate:"gte=1,lte=32"`
}

// InboxConfig contains inbox source settings.
type InboxConfig struct {
	BatchSize     int           `koanf:"batch_size" validate:"gte=1"`
	LeaseDuration time.Duration `koanf:"lease_duration" validate:"gt=0"`
}

// Notifier types.
const (
	NotifierEmail      = "email"
	NotifierMattermost = "mattermost"
	NotifierLog        = "log"
)

// NotifierConfig selects the delivery channel of reminders.
type NotifierConfig struct {
	Type string `koanf:"type" validate:"oneof=email mattermost log"`
	// To is the recipient: an email address, or a Mattermost channel override.
	To         string           `koanf:"to"`
	Email      EmailConfig      `koanf:"email"`
	Mattermost MattermostConfig `koanf:"mattermost"`
}

// EmailConfig contains SMTP settings.
type EmailConfig struct {
	SMTPHost     string `koanf:"smtp_host"`
	SMTPPort     int    `koanf:"smtp_port" validate:"gte=0,lte=65535"`
	SMTPUser     string `koanf:"smtp_user"`
	SMTPPassword string `koanf:"smtp_password"`
	FromAddress  string `koanf:"from_address" validate:"omitempty,email"`
	RequireTLS   bool   `koanf:"require_tls"`
}

// MattermostConfig contains incoming webhook settings.
type MattermostConfig struct {
	WebhookURL string        `koanf:"webhook_url" validate:"omitempty,url"`
	Username   string        `koanf:"username"`
	IconURL    string        `koanf:"icon_url" validate:"omitempty,url"`
	Timeout    time.Duration `koanf:"timeout" validate:"gte=0"`
}

// Default returns the configuration used for keys that are not set.
func Default() Config {
	policy := reminders.DefaultRetryPolicy()
	dispatch := reminders.DefaultDispatcherConfig()
	worker := reminders.DefaultWorkerConfig()
	inbox := sources.DefaultInboxConfig()

	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      90 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			SQLitePath:      "data/followup.db",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectAttempts: 5,
			ConnectTimeout:  30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthConfig{
			Issuer:        "followup",
			TokenDuration: 24 * time.Hour,
		},
		Resolver: ResolverConfig{
			MailLinkTemplate: reminders.DefaultMailLinkTemplate,
		},
		Reminders: RemindersConfig{
			MaxAttempts:   policy.MaxAttempts,
			Backoff:       policy.Backoff,
			BatchSize:     dispatch.BatchSize,
			LeaseDuration: dispatch.LeaseDuration,
			SendTimeout:   dispatch.SendTimeout,
			StoreTimeout:  dispatch.StoreTimeout,
			Worker: WorkerConfig{
				Enabled:          true,
				EnrichInterval:   worker.EnrichInterval,
				DispatchInterval: worker.DispatchInterval,
				NumDispatchers:   worker.NumDispatchers,
			},
		},
		Inbox: InboxConfig{
			BatchSize:     inbox.BatchSize,
			LeaseDuration: inbox.LeaseDuration,
		},
		Notifier: NotifierConfig{
			Type: NotifierLog,
			Email: EmailConfig{
				SMTPPort:   587,
				RequireTLS: true,
			},
			Mattermost: MattermostConfig{
				Username: "Followup",
				Timeout:  10 * time.Second,
			},
		},
	}
}

// Load reads configuration. An empty path falls back to DefaultPath when
// that file exists; environment variables override file values.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			Result:           &cfg,
			TagName:          "koanf",
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps FOLLOWUP_REMINDERS__LEASE_DURATION to reminders.lease_duration.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks field constraints and the relations between settings.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("reminders: %w", err))
	}
	if err := c.DispatcherConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("reminders: %w", err))
	}

	switch c.Notifier.Type {
	case NotifierEmail:
		if c.Notifier.Email.SMTPHost == "" || c.Notifier.Email.FromAddress == "" {
			errs = append(errs, errors.New("notifier: email requires smtp_host and from_address"))
		}
		if c.Notifier.To == "" {
			errs = append(errs, errors.New("notifier: email requires a recipient in notifier.to"))
		}
	case NotifierMattermost:
		if c.Notifier.Mattermost.WebhookURL == "" {
			errs = append(errs, errors.New("notifier: mattermost requires webhook_url"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RetryPolicy returns the reminder retry policy.
func (c *Config) RetryPolicy() reminders.RetryPolicy {
	return reminders.RetryPolicy{
		MaxAttempts: c.Reminders.MaxAttempts,
		Backoff:     c.Reminders.Backoff,
	}
}

// DispatcherConfig returns the dispatcher settings.
func (c *Config) DispatcherConfig() reminders.DispatcherConfig {
	return reminders.DispatcherConfig{
		BatchSize:     c.Reminders.BatchSize,
		LeaseDuration: c.Reminders.LeaseDuration,
		SendTimeout:   c.Reminders.SendTimeout,
		StoreTimeout:  c.Reminders.StoreTimeout,
		RateLimit:     c.Reminders.RateLimit,
	}
}

// WorkerConfig returns the in-process scheduler settings.
func (c *Config) WorkerConfig() reminders.WorkerConfig {
	return reminders.WorkerConfig{
		EnrichInterval:   c.Reminders.Worker.EnrichInterval,
		DispatchInterval: c.Reminders.Worker.DispatchInterval,
		NumDispatchers:   c.Reminders.Worker.NumDispatchers,
	}
}

// ResolverConfig returns the resolver policy. Internal domains never get
// reminders either.
func (c *Config) ResolverConfig() reminders.ResolverConfig {
	return reminders.ResolverConfig{
		SelfAddresses:     c.Resolver.SelfAddresses,
		ExcludedAddresses: c.Resolver.ExcludedAddresses,
		ExcludedDomains:   append(append([]string{}, c.Resolver.ExcludedDomains...), c.Resolver.InternalDomains...),
		MailLinkTemplate:  c.Resolver.MailLinkTemplate,
	}
}

// NormalizeConfig returns the event normalizer settings.
func (c *Config) NormalizeConfig() normalize.Config {
	return normalize.Config{
		SelfAddresses:   c.Resolver.SelfAddresses,
		InternalDomains: c.Resolver.InternalDomains,
	}
}

// InboxConfig returns the inbox source settings.
func (c *Config) InboxConfig() sources.InboxConfig {
	return sources.InboxConfig{
		BatchSize:     c.Inbox.BatchSize,
		LeaseDuration: c.Inbox.LeaseDuration,
	}
}
