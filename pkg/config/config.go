package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"discord-map-bridge/backend/pkg/scheduler"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// DefaultMapUpstream is the map server the bridge forwards to when nothing else is configured
const DefaultMapUpstream = "http://91.197.6.99:42037"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Discord       DiscordConfig       `toml:"discord"`
	Proxy         ProxyConfig         `toml:"proxy"`
	Security      SecurityConfig      `toml:"security"`
	Logging       LoggingConfig       `toml:"logging"`
	KeepAlive     KeepAliveConfig     `toml:"keep_alive"`
	Cache         CacheConfig         `toml:"cache"`
	Observability ObservabilityConfig `toml:"observability"`
	Vault         VaultConfig         `toml:"vault"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Port            string        `toml:"port" validate:"required,numeric"`
	Env             string        `toml:"env" validate:"oneof=development production test"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" validate:"gt=0"`
}

// DiscordConfig configures the bot and the tracked channel
type DiscordConfig struct {
	Token           string        `toml:"token"`
	ChannelID       string        `toml:"channel_id" validate:"omitempty,numeric"`
	MessageLimit    int           `toml:"message_limit" validate:"min=1,max=100"`
	RefreshSchedule string        `toml:"refresh_schedule" validate:"required"`
	SettleDelay     time.Duration `toml:"settle_delay" validate:"gte=0"`
	Timezone        string        `toml:"timezone" validate:"required"`
}

// ProxyConfig configures forwarding to the map server
type ProxyConfig struct {
	// UpstreamURL is the map server origin. Empty disables forwarding.
	UpstreamURL      string        `toml:"upstream_url" validate:"omitempty,url"`
	Timeout          time.Duration `toml:"timeout" validate:"gt=0"`
	FailureThreshold uint          `toml:"failure_threshold" validate:"min=1"`
	RetryTimeout     time.Duration `toml:"retry_timeout" validate:"gt=0"`
}

// SecurityConfig configures CORS and request limiting
type SecurityConfig struct {
	RateLimit      float64  `toml:"rate_limit" validate:"gt=0"`
	RateLimitBurst int      `toml:"rate_limit_burst" validate:"min=1"`
	AllowedOrigins []string `toml:"allowed_origins" validate:"min=1"`
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=json text"`
}

// KeepAliveConfig configures the self ping. An empty URL disables it.
type KeepAliveConfig struct {
	URL      string `toml:"url" validate:"omitempty,url"`
	Schedule string `toml:"schedule" validate:"required"`
}

// CacheConfig configures the mention lookup cache
type CacheConfig struct {
	RedisURL    string        `toml:"redis_url"`
	TTL         time.Duration `toml:"ttl" validate:"gt=0"`
	MaxSize     int           `toml:"max_size" validate:"min=1"`
	PurgeWindow time.Duration `toml:"purge_window" validate:"gt=0"`
}

// ObservabilityConfig configures tracing
type ObservabilityConfig struct {
	ServiceName string `toml:"service_name" validate:"required"`
	TraceStdout bool   `toml:"trace_stdout"`
}

// VaultConfig configures the optional secrets backend
type VaultConfig struct {
	Enabled     bool          `toml:"enabled"`
	Address     string        `toml:"address" validate:"omitempty,url"`
	Token       string        `toml:"token"`
	Namespace   string        `toml:"namespace"`
	SecretsPath string        `toml:"secrets_path"`
	Timeout     time.Duration `toml:"timeout" validate:"gt=0"`
	MaxRetries  int           `toml:"max_retries" validate:"gte=0"`
}

// DiscordEnabled reports whether both the bot credential and the tracked channel are known
func (c *Config) DiscordEnabled() bool {
	return c.Discord.Token != "" && c.Discord.ChannelID != ""
}

// ProxyEnabled reports whether non-API traffic is forwarded
func (c *Config) ProxyEnabled() bool {
	return c.Proxy.UpstreamURL != ""
}

// Default returns the configuration used before any file or environment is applied
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "10000",
			Env:             "development",
			ShutdownTimeout: 10 * time.Second,
		},
		Discord: DiscordConfig{
			MessageLimit:    5,
			RefreshSchedule: "@every 5m",
			SettleDelay:     2 * time.Second,
			Timezone:        "Europe/Paris",
		},
		Proxy: ProxyConfig{
			UpstreamURL:      DefaultMapUpstream,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			RetryTimeout:     30 * time.Second,
		},
		Security: SecurityConfig{
			RateLimit:      5,
			RateLimitBurst: 20,
			AllowedOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		KeepAlive: KeepAliveConfig{
			Schedule: "@every 14m",
		},
		Cache: CacheConfig{
			TTL:         10 * time.Minute,
			MaxSize:     1000,
			PurgeWindow: 10 * time.Minute,
		},
		Observability: ObservabilityConfig{
			ServiceName: "discord-map-bridge",
		},
		Vault: VaultConfig{
			SecretsPath: "discord-map-bridge",
			Timeout:     10 * time.Second,
			MaxRetries:  3,
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file and the environment,
// in that order, then validates it. A missing file at path is not an error.
func Load(path string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Vault.Enabled && (c.Vault.Address == "" || c.Vault.Token == "") {
		return fmt.Errorf("invalid configuration: vault is enabled but address or token is missing")
	}
	if err := scheduler.Validate(c.Discord.RefreshSchedule); err != nil {
		return fmt.Errorf("invalid configuration: refresh schedule: %w", err)
	}
	if err := scheduler.Validate(c.KeepAlive.Schedule); err != nil {
		return fmt.Errorf("invalid configuration: keep-alive schedule: %w", err)
	}
	if _, err := time.LoadLocation(c.Discord.Timezone); err != nil {
		return fmt.Errorf("invalid configuration: unknown timezone %q: %w", c.Discord.Timezone, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	// Server config
	cfg.Server.Port = getEnvString("PORT", cfg.Server.Port)
	cfg.Server.Env = getEnvString("APP_ENV", cfg.Server.Env)
	cfg.Server.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	// Discord config, both historical variable names are accepted
	cfg.Discord.Token = getEnvString("BOT_TOKEN", getEnvString("DISCORD_TOKEN", cfg.Discord.Token))
	cfg.Discord.ChannelID = getEnvString("CHANNEL_ID", getEnvString("DISCORD_CHANNEL_ID", cfg.Discord.ChannelID))
	cfg.Discord.MessageLimit = getEnvInt("MESSAGE_LIMIT", cfg.Discord.MessageLimit)
	cfg.Discord.RefreshSchedule = getEnvString("REFRESH_SCHEDULE", cfg.Discord.RefreshSchedule)
	cfg.Discord.SettleDelay = getEnvDuration("REFRESH_SETTLE_DELAY", cfg.Discord.SettleDelay)
	cfg.Discord.Timezone = getEnvString("DISPLAY_TIMEZONE", cfg.Discord.Timezone)

	// Proxy config. MAP_UPSTREAM_URL=off disables forwarding.
	cfg.Proxy.UpstreamURL = getEnvString("MAP_UPSTREAM_URL", cfg.Proxy.UpstreamURL)
	if strings.EqualFold(cfg.Proxy.UpstreamURL, "off") {
		cfg.Proxy.UpstreamURL = ""
	}
	cfg.Proxy.Timeout = getEnvDuration("PROXY_TIMEOUT", cfg.Proxy.Timeout)
	cfg.Proxy.FailureThreshold = uint(getEnvInt("PROXY_FAILURE_THRESHOLD", int(cfg.Proxy.FailureThreshold)))
	cfg.Proxy.RetryTimeout = getEnvDuration("PROXY_RETRY_TIMEOUT", cfg.Proxy.RetryTimeout)

	// Security config
	cfg.Security.RateLimit = getEnvFloat("RATE_LIMIT", cfg.Security.RateLimit)
	cfg.Security.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", cfg.Security.RateLimitBurst)
	cfg.Security.AllowedOrigins = getEnvStringSlice("CORS_ORIGINS", cfg.Security.AllowedOrigins)

	// Logging config
	cfg.Logging.Level = getEnvString("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnvString("LOG_FORMAT", cfg.Logging.Format)

	cfg.KeepAlive.URL = getEnvString("KEEPALIVE_URL", cfg.KeepAlive.URL)
	cfg.KeepAlive.Schedule = getEnvString("KEEPALIVE_SCHEDULE", cfg.KeepAlive.Schedule)

	// Cache settings
	cfg.Cache.RedisURL = getEnvString("REDIS_URL", cfg.Cache.RedisURL)
	cfg.Cache.TTL = getEnvDuration("LOOKUP_CACHE_TTL", cfg.Cache.TTL)
	cfg.Cache.MaxSize = getEnvInt("LOOKUP_CACHE_MAX_SIZE", cfg.Cache.MaxSize)
	cfg.Cache.PurgeWindow = getEnvDuration("LOOKUP_CACHE_PURGE_WINDOW", cfg.Cache.PurgeWindow)

	cfg.Observability.ServiceName = getEnvString("OTEL_SERVICE_NAME", cfg.Observability.ServiceName)
	cfg.Observability.TraceStdout = getEnvBool("OTEL_TRACE_STDOUT", cfg.Observability.TraceStdout)

	cfg.Vault.Enabled = getEnvBool("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvString("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvString("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.Namespace = getEnvString("VAULT_NAMESPACE", cfg.Vault.Namespace)
	cfg.Vault.SecretsPath = getEnvString("VAULT_SECRETS_PATH", cfg.Vault.SecretsPath)
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
