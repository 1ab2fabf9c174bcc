package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// ResolveConfig loads raw values through provider and layers them between the
// defaults and the runtime overrides.
func ResolveConfig(ctx context.Context, provider ConfigProvider, resolver OptionsResolver, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, ConfigurationError("load config", err)
	}
	resolved, err := resolver.Resolve(defaults, loaded, runtime)
	if err != nil {
		return Config{}, ConfigurationError("resolve config", err)
	}
	return resolved, nil
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// EnvRawConfigLoader maps PREFIX_SECTION__KEY style variables onto raw config
// keys. A double underscore separates nesting levels, so
// MAILSYNC_SYNC__BATCH_SIZE becomes sync.batch_size.
type EnvRawConfigLoader struct {
	Prefix  string
	Environ func() []string
}

func (l EnvRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	prefix := strings.ToUpper(strings.TrimSpace(l.Prefix))
	if prefix == "" {
		prefix = "MAILSYNC"
	}
	prefix += "_"
	environ := l.Environ
	if environ == nil {
		environ = os.Environ
	}

	defaults := configToLayerMap(DefaultConfig(), true)
	out := map[string]any{}
	for _, entry := range environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(key, prefix)), "__")
		typed, err := envValue(lookupRawPath(defaults, path), strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("core: env %s: %w", key, err)
		}
		setRawPath(out, path, typed)
	}
	return out, nil
}

// envValue converts value to the kind of the matching default.
func envValue(sample any, value string) (any, error) {
	switch sample.(type) {
	case int:
		return strconv.Atoi(value)
	case bool:
		return strconv.ParseBool(value)
	case []string:
		return strings.Fields(strings.ReplaceAll(value, ",", " ")), nil
	default:
		return value, nil
	}
}

func lookupRawPath(source map[string]any, path []string) any {
	if len(path) == 0 {
		return nil
	}
	value, ok := source[path[0]]
	if !ok || len(path) == 1 {
		return value
	}
	child, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	return lookupRawPath(child, path[1:])
}

func setRawPath(target map[string]any, path []string, value any) {
	if len(path) == 0 || path[0] == "" {
		return
	}
	if len(path) == 1 {
		target[path[0]] = value
		return
	}
	child, ok := target[path[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		target[path[0]] = child
	}
	setRawPath(child, path[1:], value)
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

type layerBuilder struct {
	values      map[string]any
	includeZero bool
}

func (b layerBuilder) str(key, value string) {
	if b.includeZero || strings.TrimSpace(value) != "" {
		b.values[key] = value
	}
}

func (b layerBuilder) num(key string, value int) {
	if b.includeZero || value != 0 {
		b.values[key] = value
	}
}

func (b layerBuilder) flag(key string, value bool) {
	if b.includeZero || value {
		b.values[key] = value
	}
}

func (b layerBuilder) list(key string, value []string) {
	if b.includeZero || len(value) > 0 {
		b.values[key] = append([]string(nil), value...)
	}
}

func (b layerBuilder) section(key string, fill func(layerBuilder)) {
	child := layerBuilder{values: map[string]any{}, includeZero: b.includeZero}
	fill(child)
	if len(child.values) > 0 {
		b.values[key] = child.values
	}
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	root := layerBuilder{values: map[string]any{}, includeZero: includeZero}
	root.str("service_name", cfg.ServiceName)
	root.str("log_level", cfg.LogLevel)
	root.str("authority_url", cfg.AuthorityURL)
	root.str("graph_base_url", cfg.GraphBaseURL)
	root.list("scopes", cfg.Scopes)
	root.str("encryption_key", cfg.EncryptionKey)
	root.str("encryption_salt", cfg.EncryptionSalt)
	root.num("kdf_iterations", cfg.KDFIterations)
	root.num("token_refresh_margin_seconds", cfg.TokenRefreshMarginSeconds)
	root.num("cache_ttl_seconds", cfg.CacheTTLSeconds)
	root.section("auth", func(b layerBuilder) {
		b.num("state_ttl_seconds", cfg.Auth.StateTTLSeconds)
		b.num("device_code_ttl_seconds", cfg.Auth.DeviceCodeTTLSeconds)
		b.num("call_timeout_seconds", cfg.Auth.CallTimeoutSeconds)
	})
	root.section("sync", func(b layerBuilder) {
		b.num("batch_size", cfg.Sync.BatchSize)
		b.num("max_pages", cfg.Sync.MaxPages)
		b.num("max_attempts", cfg.Sync.MaxAttempts)
		b.num("initial_backoff_ms", cfg.Sync.InitialBackoffMS)
		b.num("max_backoff_ms", cfg.Sync.MaxBackoffMS)
		b.num("call_timeout_seconds", cfg.Sync.CallTimeoutSeconds)
		b.num("interval_minutes", cfg.Sync.IntervalMinutes)
		b.str("mail_folder", cfg.Sync.MailFolder)
	})
	root.section("webhooks", func(b layerBuilder) {
		b.str("base_url", cfg.Webhooks.BaseURL)
		b.num("renewal_window_hours", cfg.Webhooks.RenewalWindowHours)
		b.num("extension_minutes", cfg.Webhooks.ExtensionMinutes)
		b.num("max_attempts", cfg.Webhooks.MaxAttempts)
		b.str("client_state_secret", cfg.Webhooks.ClientStateSecret)
	})
	root.section("database", func(b layerBuilder) {
		b.str("driver", cfg.Database.Driver)
		b.str("dsn", cfg.Database.DSN)
		b.flag("debug", cfg.Database.Debug)
	})
	root.section("redis", func(b layerBuilder) {
		b.flag("enabled", cfg.Redis.Enabled)
		b.str("address", cfg.Redis.Address)
		b.str("password", cfg.Redis.Password)
		b.num("db", cfg.Redis.DB)
	})
	root.section("scheduler", func(b layerBuilder) {
		b.num("concurrency", cfg.Scheduler.Concurrency)
		b.str("refresh_cron", cfg.Scheduler.RefreshCron)
		b.str("sync_cron", cfg.Scheduler.SyncCron)
		b.str("renew_cron", cfg.Scheduler.RenewCron)
	})
	root.section("http", func(b layerBuilder) {
		b.str("address", cfg.HTTP.Address)
	})
	return root.values
}
