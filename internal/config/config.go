package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the settlement core
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Auction  AuctionConfig  `mapstructure:"auction"`
	Checkout CheckoutConfig `mapstructure:"checkout"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Enabled bool     `mapstructure:"enabled"`
	Topics  struct {
		Settlement string `mapstructure:"settlement"`
	} `mapstructure:"topics"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type AuctionConfig struct {
	MaxBidAttempts int           `mapstructure:"max_bid_attempts"`
	CloserInterval time.Duration `mapstructure:"closer_interval"`
}

type CheckoutConfig struct {
	// PriceToleranceCents bounds acceptable drift between the unit price at
	// add-to-cart time and at order creation. Negative disables the check.
	PriceToleranceCents int64 `mapstructure:"price_tolerance_cents"`
}

type LedgerConfig struct {
	MaxCreditAttempts int           `mapstructure:"max_credit_attempts"`
	ReversalInterval  time.Duration `mapstructure:"reversal_interval"`
	ReversalBackoff   time.Duration `mapstructure:"reversal_backoff"`
	ReversalAttempts  int           `mapstructure:"reversal_attempts"`
}

type OutboxConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	MaxRetry  int           `mapstructure:"max_retry"`
}

// Load reads configuration from config.yaml (optional) with environment
// variable overrides (LIVESHOP_SERVER_PORT etc.) and applies defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("liveshop")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional, defaults + env are enough to run
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")

	v.SetDefault("database.path", "liveshop.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.enabled", false)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topics.settlement", "liveshop.settlement")

	v.SetDefault("auth.jwt_secret", "liveshop-secret-key")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("auction.max_bid_attempts", 3)
	v.SetDefault("auction.closer_interval", 5*time.Second)

	v.SetDefault("checkout.price_tolerance_cents", 0)

	v.SetDefault("ledger.max_credit_attempts", 3)
	v.SetDefault("ledger.reversal_interval", 30*time.Second)
	v.SetDefault("ledger.reversal_backoff", 500*time.Millisecond)
	v.SetDefault("ledger.reversal_attempts", 3)

	v.SetDefault("outbox.interval", 500*time.Millisecond)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retry", 5)
}
