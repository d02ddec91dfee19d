package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/airhost/airhost-gateway/internal/models"
)

type Config struct {
	Server       ServerConfig   `mapstructure:"server"`
	Webhook      WebhookConfig  `mapstructure:"webhook"`
	Logging      LoggingConfig  `mapstructure:"logging"`
	Conversation TargetConfig   `mapstructure:"conversation"`
	Messaging    TargetConfig   `mapstructure:"messaging"`
	Analysis     AnalysisConfig `mapstructure:"analysis"`
	Tasks        TasksConfig    `mapstructure:"tasks"`
	Dedupe       DedupeConfig   `mapstructure:"dedupe"`
	Redis        RedisConfig    `mapstructure:"redis"`
	Routing      RoutingConfig  `mapstructure:"routing"`
	Database     DatabaseConfig `mapstructure:"database"`
	NATS         NATSConfig     `mapstructure:"nats"`
	DLQ          DLQConfig      `mapstructure:"dlq"`
	Archive      ArchiveConfig  `mapstructure:"archive"`
	Proxy        ProxyConfig    `mapstructure:"proxy"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	AckTimeout      time.Duration `mapstructure:"ack_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WebhookConfig struct {
	Provider     string `mapstructure:"provider"`
	VerifyToken  string `mapstructure:"verify_token"`
	AppSecret    string `mapstructure:"app_secret"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TargetConfig describes one upstream HTTP service.
type TargetConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	APIKey  string        `mapstructure:"api_key"`
	Retries uint64        `mapstructure:"retries"`
}

type AnalysisConfig struct {
	TargetConfig      `mapstructure:",squash"`
	Enabled           bool          `mapstructure:"enabled"`
	Model             string        `mapstructure:"model"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Temperature       float64       `mapstructure:"temperature"`
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

type TasksConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

type DedupeConfig struct {
	Backend string        `mapstructure:"backend"` // memory or redis
	TTL     time.Duration `mapstructure:"ttl"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type RoutingConfig struct {
	Backend    string        `mapstructure:"backend"` // static or postgres
	RoutesFile string        `mapstructure:"routes_file"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	Default    DefaultRoute  `mapstructure:"default"`
}

// DefaultRoute is used for channels without an explicit route.
type DefaultRoute struct {
	HostID           string `mapstructure:"host_id"`
	PropertyID       string `mapstructure:"property_id"`
	WelcomeEnabled   bool   `mapstructure:"welcome_enabled"`
	WelcomeTemplate  string `mapstructure:"welcome_template"`
	TemplateLanguage string `mapstructure:"template_language"`
	Instructions     string `mapstructure:"instructions"`
}

type DatabaseConfig struct {
	URL            string `mapstructure:"url"`
	MaxConns       int32  `mapstructure:"max_conns"`
	MinConns       int32  `mapstructure:"min_conns"`
	MigrationsPath string `mapstructure:"migrations_path"`
	RunMigrations  bool   `mapstructure:"run_migrations"`
}

type NATSConfig struct {
	URL             string `mapstructure:"url"`
	AnalysisSubject string `mapstructure:"analysis_subject"`
}

type DLQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Backend  string `mapstructure:"backend"` // file or jetstream
	BasePath string `mapstructure:"base_path"`
}

type ArchiveConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	Index         string `mapstructure:"index"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`
}

type ProxyConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// EnvPrefix prefixes every environment override, e.g. AIRHOST_WEBHOOK_VERIFY_TOKEN.
const EnvPrefix = "AIRHOST"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.ack_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("webhook.provider", "whatsapp")
	v.SetDefault("webhook.verify_token", "")
	v.SetDefault("webhook.app_secret", "")
	v.SetDefault("webhook.max_body_bytes", 1048576)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("conversation.base_url", "")
	v.SetDefault("conversation.timeout", "8s")
	v.SetDefault("conversation.api_key", "")
	v.SetDefault("conversation.retries", 0)

	v.SetDefault("messaging.base_url", "https://graph.facebook.com/v22.0")
	v.SetDefault("messaging.timeout", "10s")
	v.SetDefault("messaging.api_key", "")
	v.SetDefault("messaging.retries", 0)

	v.SetDefault("analysis.enabled", false)
	v.SetDefault("analysis.base_url", "https://api.openai.com/v1")
	v.SetDefault("analysis.timeout", "30s")
	v.SetDefault("analysis.api_key", "")
	v.SetDefault("analysis.retries", 2)
	v.SetDefault("analysis.model", "gpt-4o-mini")
	v.SetDefault("analysis.max_tokens", 1000)
	v.SetDefault("analysis.temperature", 0.2)
	v.SetDefault("analysis.rate_limit_enabled", false)
	v.SetDefault("analysis.rate_limit_requests", 30)
	v.SetDefault("analysis.rate_limit_window", "1m")

	v.SetDefault("tasks.workers", 4)
	v.SetDefault("tasks.queue_size", 256)

	v.SetDefault("dedupe.backend", "memory")
	v.SetDefault("dedupe.ttl", "24h")

	v.SetDefault("redis.url", "")

	v.SetDefault("routing.backend", "static")
	v.SetDefault("routing.routes_file", "")
	v.SetDefault("routing.cache_ttl", "5m")
	v.SetDefault("routing.default.host_id", "")
	v.SetDefault("routing.default.property_id", "")
	v.SetDefault("routing.default.welcome_enabled", false)
	v.SetDefault("routing.default.welcome_template", "hello_world")
	v.SetDefault("routing.default.template_language", "fr")
	v.SetDefault("routing.default.instructions", "")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.migrations_path", "file://migrations")
	v.SetDefault("database.run_migrations", true)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.analysis_subject", "airhost.analysis.completed")

	v.SetDefault("dlq.enabled", true)
	v.SetDefault("dlq.backend", "file")
	v.SetDefault("dlq.base_path", "/var/lib/airhost/dlq")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.url", "https://localhost:9200")
	v.SetDefault("archive.username", "admin")
	v.SetDefault("archive.password", "")
	v.SetDefault("archive.index", "airhost-webhooks")
	v.SetDefault("archive.tls_skip_verify", false)

	v.SetDefault("proxy.enabled", true)
}

// Load reads defaults, then the optional config file, then AIRHOST_* environment
// variables. It does not validate; call Validate before serving.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/airhost/gateway")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the values the gateway cannot start without. Every failure
// wraps models.ErrConfigurationMissing.
func (c *Config) Validate() error {
	var errs []error
	require := func(ok bool, key string) {
		if !ok {
			errs = append(errs, models.MissingConfig(key))
		}
	}

	require(c.Webhook.Provider != "", "webhook.provider")
	require(c.Webhook.VerifyToken != "", "webhook.verify_token")
	require(c.Conversation.BaseURL != "", "conversation.base_url")
	require(c.Server.AckTimeout > 0, "server.ack_timeout")
	if c.Server.WriteTimeout > 0 && c.Server.AckTimeout >= c.Server.WriteTimeout {
		errs = append(errs, fmt.Errorf("server.ack_timeout: %s must be shorter than server.write_timeout %s",
			c.Server.AckTimeout, c.Server.WriteTimeout))
	}
	require(c.Dedupe.TTL > 0, "dedupe.ttl")

	switch c.Dedupe.Backend {
	case "memory":
	case "redis":
		require(c.Redis.URL != "", "redis.url")
	default:
		errs = append(errs, fmt.Errorf("dedupe.backend: unknown backend %q", c.Dedupe.Backend))
	}

	switch c.Routing.Backend {
	case "static":
		require(c.Routing.RoutesFile != "" || c.Routing.Default.HostID != "", "routing.default.host_id")
	case "postgres":
		require(c.Database.URL != "", "database.url")
	default:
		errs = append(errs, fmt.Errorf("routing.backend: unknown backend %q", c.Routing.Backend))
	}

	if c.Analysis.Enabled {
		require(c.Analysis.APIKey != "", "analysis.api_key")
		require(c.Analysis.BaseURL != "", "analysis.base_url")
		if c.Analysis.RateLimitEnabled {
			require(c.Redis.URL != "", "redis.url")
		}
	}

	if c.DLQ.Enabled {
		switch c.DLQ.Backend {
		case "file":
			require(c.DLQ.BasePath != "", "dlq.base_path")
		case "jetstream":
			require(c.NATS.URL != "", "nats.url")
		default:
			errs = append(errs, fmt.Errorf("dlq.backend: unknown backend %q", c.DLQ.Backend))
		}
	}

	if c.Archive.Enabled {
		require(c.Archive.URL != "", "archive.url")
	}

	return errors.Join(errs...)
}

// Target builds the immutable relay target for an upstream.
func (t TargetConfig) Target(name string) models.ProxyTarget {
	return models.ProxyTarget{
		Name:    name,
		BaseURL: strings.TrimRight(t.BaseURL, "/"),
		Timeout: t.Timeout,
	}
}
