package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CHAT"

type Config struct {
	APIAddr   string `mapstructure:"api_addr"`
	AdminAddr string `mapstructure:"admin_addr"`
	LogDev    bool   `mapstructure:"log_dev"`

	DBDriver string `mapstructure:"db_driver"`
	DBDSN    string `mapstructure:"db_dsn"`
	DBDebug  bool   `mapstructure:"db_debug"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// Nodes sharing RelayChannel deliver each other's emissions.
	NodeName     string `mapstructure:"node_name"`
	RelayChannel string `mapstructure:"relay_channel"`

	// Empty selects the in-process broker.
	AMQPURL      string `mapstructure:"amqp_url"`
	DeadLetterDB string `mapstructure:"deadletter_db"`

	AuthSecret  string        `mapstructure:"auth_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
	TokenIssuer string        `mapstructure:"token_issuer"`
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`

	RateLimit           int           `mapstructure:"rate_limit"`
	RateWindow          time.Duration `mapstructure:"rate_window"`
	MaxContentLength    int           `mapstructure:"max_content_length"`
	BlockedTerms        []string      `mapstructure:"blocked_terms"`
	SuspiciousThreshold int           `mapstructure:"suspicious_threshold"`
	BlockDuration       time.Duration `mapstructure:"block_duration"`

	EmitTimeout time.Duration `mapstructure:"emit_timeout"`
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	GraphTTL    time.Duration `mapstructure:"graph_ttl"`

	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffUnit    time.Duration `mapstructure:"backoff_unit"`
	PrefetchHigh   int           `mapstructure:"prefetch_high"`
	PrefetchMedium int           `mapstructure:"prefetch_medium"`
	PrefetchLow    int           `mapstructure:"prefetch_low"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("api_addr", ":8080")
	v.SetDefault("admin_addr", "localhost:8081")
	v.SetDefault("log_dev", false)

	v.SetDefault("db_driver", "sqlite")
	v.SetDefault("db_dsn", "chat.db")
	v.SetDefault("db_debug", false)

	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("node_name", "")
	v.SetDefault("relay_channel", "chat:relay")

	v.SetDefault("amqp_url", "")
	v.SetDefault("deadletter_db", "deadletters.db")

	v.SetDefault("auth_secret", "")
	v.SetDefault("token_expiry", "12h")
	v.SetDefault("token_issuer", "")
	v.SetDefault("auth_timeout", "10s")

	v.SetDefault("rate_limit", 20)
	v.SetDefault("rate_window", "1m")
	v.SetDefault("max_content_length", 5000)
	v.SetDefault("blocked_terms", []string{})
	v.SetDefault("suspicious_threshold", 5)
	v.SetDefault("block_duration", "15m")

	v.SetDefault("emit_timeout", "3s")
	v.SetDefault("presence_ttl", "5m")
	v.SetDefault("graph_ttl", "10m")

	v.SetDefault("max_retries", 3)
	v.SetDefault("backoff_unit", "1s")
	v.SetDefault("prefetch_high", 5)
	v.SetDefault("prefetch_medium", 20)
	v.SetDefault("prefetch_low", 50)
}

// Load reads configuration from CHAT_* environment variables, an optional
// .env file and an optional config.yaml in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	defaults(v)
	v.SetConfigType("yaml")
	v.SetConfigName("config")
	v.AddConfigPath("./")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.NodeName == "" {
		cfg.NodeName = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("%s_AUTH_SECRET is required", envPrefix)
	}

	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("%s_DB_DRIVER must be postgres or sqlite, got %q", envPrefix, c.DBDriver)
	}

	durations := map[string]time.Duration{
		"TOKEN_EXPIRY":   c.TokenExpiry,
		"AUTH_TIMEOUT":   c.AuthTimeout,
		"RATE_WINDOW":    c.RateWindow,
		"BLOCK_DURATION": c.BlockDuration,
		"EMIT_TIMEOUT":   c.EmitTimeout,
		"PRESENCE_TTL":   c.PresenceTTL,
		"GRAPH_TTL":      c.GraphTTL,
		"BACKOFF_UNIT":   c.BackoffUnit,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s_%s must be greater than 0", envPrefix, name)
		}
	}

	if c.RateLimit <= 0 {
		return fmt.Errorf("%s_RATE_LIMIT must be greater than 0", envPrefix)
	}
	if c.RelayChannel == "" {
		return fmt.Errorf("%s_RELAY_CHANNEL is required", envPrefix)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%s_MAX_RETRIES must not be negative", envPrefix)
	}

	return nil
}
