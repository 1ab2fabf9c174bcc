package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultAuthorityURL = "https://login.microsoftonline.com"
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	DefaultScope        = "https://graph.microsoft.com/.default offline_access"
	DefaultKDFSalt      = "graph_api_salt_2024"
	DefaultKDFIter      = 100000
)

type AuthConfig struct {
	StateTTLSeconds      int `koanf:"state_ttl_seconds" mapstructure:"state_ttl_seconds"`
	DeviceCodeTTLSeconds int `koanf:"device_code_ttl_seconds" mapstructure:"device_code_ttl_seconds"`
	CallTimeoutSeconds   int `koanf:"call_timeout_seconds" mapstructure:"call_timeout_seconds"`
}

type SyncConfig struct {
	BatchSize          int    `koanf:"batch_size" mapstructure:"batch_size"`
	MaxPages           int    `koanf:"max_pages" mapstructure:"max_pages"`
	MaxAttempts        int    `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS   int    `koanf:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS       int    `koanf:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	CallTimeoutSeconds int    `koanf:"call_timeout_seconds" mapstructure:"call_timeout_seconds"`
	IntervalMinutes    int    `koanf:"interval_minutes" mapstructure:"interval_minutes"`
	MailFolder         string `koanf:"mail_folder" mapstructure:"mail_folder"`
}

type WebhookConfig struct {
	BaseURL            string `koanf:"base_url" mapstructure:"base_url"`
	RenewalWindowHours int    `koanf:"renewal_window_hours" mapstructure:"renewal_window_hours"`
	ExtensionMinutes   int    `koanf:"extension_minutes" mapstructure:"extension_minutes"`
	MaxAttempts        int    `koanf:"max_attempts" mapstructure:"max_attempts"`
	ClientStateSecret  string `koanf:"client_state_secret" mapstructure:"client_state_secret"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver" mapstructure:"driver"`
	DSN    string `koanf:"dsn" mapstructure:"dsn"`
	Debug  bool   `koanf:"debug" mapstructure:"debug"`
}

type RedisConfig struct {
	Enabled  bool   `koanf:"enabled" mapstructure:"enabled"`
	Address  string `koanf:"address" mapstructure:"address"`
	Password string `koanf:"password" mapstructure:"password"`
	DB       int    `koanf:"db" mapstructure:"db"`
}

type SchedulerConfig struct {
	Concurrency int    `koanf:"concurrency" mapstructure:"concurrency"`
	RefreshCron string `koanf:"refresh_cron" mapstructure:"refresh_cron"`
	SyncCron    string `koanf:"sync_cron" mapstructure:"sync_cron"`
	RenewCron   string `koanf:"renew_cron" mapstructure:"renew_cron"`
}

type HTTPConfig struct {
	Address string `koanf:"address" mapstructure:"address"`
}

type Config struct {
	ServiceName               string          `koanf:"service_name" mapstructure:"service_name"`
	LogLevel                  string          `koanf:"log_level" mapstructure:"log_level"`
	AuthorityURL              string          `koanf:"authority_url" mapstructure:"authority_url"`
	GraphBaseURL              string          `koanf:"graph_base_url" mapstructure:"graph_base_url"`
	Scopes                    []string        `koanf:"scopes" mapstructure:"scopes"`
	EncryptionKey             string          `koanf:"encryption_key" mapstructure:"encryption_key"`
	EncryptionKeyVersion      int             `koanf:"encryption_key_version" mapstructure:"encryption_key_version"`
	PreviousEncryptionKey     string          `koanf:"previous_encryption_key" mapstructure:"previous_encryption_key"`
	EncryptionSalt            string          `koanf:"encryption_salt" mapstructure:"encryption_salt"`
	KDFIterations             int             `koanf:"kdf_iterations" mapstructure:"kdf_iterations"`
	TokenRefreshMarginSeconds int             `koanf:"token_refresh_margin_seconds" mapstructure:"token_refresh_margin_seconds"`
	CacheTTLSeconds           int             `koanf:"cache_ttl_seconds" mapstructure:"cache_ttl_seconds"`
	Auth                      AuthConfig      `koanf:"auth" mapstructure:"auth"`
	Sync                      SyncConfig      `koanf:"sync" mapstructure:"sync"`
	Webhooks                  WebhookConfig   `koanf:"webhooks" mapstructure:"webhooks"`
	Database                  DatabaseConfig  `koanf:"database" mapstructure:"database"`
	Redis                     RedisConfig     `koanf:"redis" mapstructure:"redis"`
	Scheduler                 SchedulerConfig `koanf:"scheduler" mapstructure:"scheduler"`
	HTTP                      HTTPConfig      `koanf:"http" mapstructure:"http"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:               "mailsync",
		LogLevel:                  "info",
		AuthorityURL:              DefaultAuthorityURL,
		GraphBaseURL:              DefaultGraphBaseURL,
		Scopes:                    strings.Fields(DefaultScope),
		EncryptionKeyVersion:      1,
		EncryptionSalt:            DefaultKDFSalt,
		KDFIterations:             DefaultKDFIter,
		TokenRefreshMarginSeconds: 300,
		CacheTTLSeconds:           60,
		Auth: AuthConfig{
			StateTTLSeconds:      600,
			DeviceCodeTTLSeconds: 900,
			CallTimeoutSeconds:   30,
		},
		Sync: SyncConfig{
			BatchSize:          50,
			MaxPages:           0,
			MaxAttempts:        3,
			InitialBackoffMS:   500,
			MaxBackoffMS:       10000,
			CallTimeoutSeconds: 30,
			IntervalMinutes:    5,
			MailFolder:         "inbox",
		},
		Webhooks: WebhookConfig{
			RenewalWindowHours: 24,
			ExtensionMinutes:   4230,
			MaxAttempts:        3,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:mailsync.db?cache=shared&_foreign_keys=on",
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Scheduler: SchedulerConfig{
			Concurrency: 4,
			RefreshCron: "@every 5m",
			SyncCron:    "@every 5m",
			RenewCron:   "@every 1h",
		},
		HTTP: HTTPConfig{
			Address: ":8080",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if err := validateAbsoluteURL("authority_url", c.AuthorityURL); err != nil {
		return err
	}
	if err := validateAbsoluteURL("graph_base_url", c.GraphBaseURL); err != nil {
		return err
	}
	if c.KDFIterations < 0 {
		return fmt.Errorf("core: kdf_iterations must be positive")
	}
	if c.EncryptionKeyVersion < 0 {
		return fmt.Errorf("core: encryption_key_version must not be negative")
	}
	if strings.TrimSpace(c.PreviousEncryptionKey) != "" && c.EncryptionKeyVersion <= 1 {
		return fmt.Errorf("core: previous_encryption_key requires encryption_key_version greater than 1")
	}
	if c.TokenRefreshMarginSeconds < 0 {
		return fmt.Errorf("core: token_refresh_margin_seconds must not be negative")
	}
	if c.Sync.BatchSize < 0 || c.Sync.BatchSize > 1000 {
		return fmt.Errorf("core: sync.batch_size must be between 1 and 1000")
	}
	if c.Sync.MaxPages < 0 {
		return fmt.Errorf("core: sync.max_pages must not be negative")
	}
	if c.Webhooks.ExtensionMinutes < 0 || c.Webhooks.ExtensionMinutes > 4230 {
		return fmt.Errorf("core: webhooks.extension_minutes must not exceed 4230")
	}
	if base := strings.TrimSpace(c.Webhooks.BaseURL); base != "" {
		if err := validateAbsoluteURL("webhooks.base_url", base); err != nil {
			return err
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "", "sqlite", "sqlite3", "postgres", "pg":
	default:
		return fmt.Errorf("core: database.driver %q is invalid", c.Database.Driver)
	}
	if c.Scheduler.Concurrency < 0 {
		return fmt.Errorf("core: scheduler.concurrency must not be negative")
	}
	return nil
}

func validateAbsoluteURL(key, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("core: %s is required", key)
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("core: %s %q is invalid", key, raw)
	}
	return nil
}

func (c Config) ScopeString() string {
	scopes := make([]string, 0, len(c.Scopes))
	for _, scope := range c.Scopes {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	if len(scopes) == 0 {
		return DefaultScope
	}
	return strings.Join(scopes, " ")
}

func (c Config) TokenRefreshMargin() time.Duration {
	return secondsOr(c.TokenRefreshMarginSeconds, 300)
}

func (c Config) CacheTTL() time.Duration {
	return secondsOr(c.CacheTTLSeconds, 60)
}

func (c AuthConfig) StateTTL() time.Duration {
	return secondsOr(c.StateTTLSeconds, 600)
}

func (c AuthConfig) DeviceCodeTTL() time.Duration {
	return secondsOr(c.DeviceCodeTTLSeconds, 900)
}

func (c AuthConfig) CallTimeout() time.Duration {
	return secondsOr(c.CallTimeoutSeconds, 30)
}

func (c SyncConfig) CallTimeout() time.Duration {
	return secondsOr(c.CallTimeoutSeconds, 30)
}

func (c SyncConfig) Backoff() ExponentialBackoffScheduler {
	return ExponentialBackoffScheduler{
		Initial: time.Duration(c.InitialBackoffMS) * time.Millisecond,
		Max:     time.Duration(c.MaxBackoffMS) * time.Millisecond,
	}
}

func (c SyncConfig) Interval() time.Duration {
	if c.IntervalMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.IntervalMinutes) * time.Minute
}

func (c WebhookConfig) RenewalWindow() time.Duration {
	if c.RenewalWindowHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.RenewalWindowHours) * time.Hour
}

func (c WebhookConfig) Extension() time.Duration {
	if c.ExtensionMinutes <= 0 {
		return 4230 * time.Minute
	}
	return time.Duration(c.ExtensionMinutes) * time.Minute
}

func secondsOr(value int, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}
