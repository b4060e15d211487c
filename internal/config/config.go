package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Inbound   InboundConfig   `mapstructure:"inbound"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Environment    string   `mapstructure:"environment"`
	Port           string   `mapstructure:"port"`
	LogLevel       string   `mapstructure:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	// Driver is mysql or postgres.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Queue    string `mapstructure:"queue"`
	// BindingKey is the routing pattern the inbound queue is bound with.
	BindingKey string `mapstructure:"binding_key"`
	Prefetch   int    `mapstructure:"prefetch"`
}

type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	LockKey     string        `mapstructure:"lock_key"`
	SessionTTL  int           `mapstructure:"session_ttl"`
}

// ChannelConfig selects the broker used for both outbound publishing and
// inbound consumption.
type ChannelConfig struct {
	Driver string            `mapstructure:"driver"`
	Redis  RedisStreamConfig `mapstructure:"redis"`
}

type RedisStreamConfig struct {
	Stream        string        `mapstructure:"stream"`
	InboundStream string        `mapstructure:"inbound_stream"`
	Group         string        `mapstructure:"group"`
	Consumer      string        `mapstructure:"consumer"`
	MaxLen        int64         `mapstructure:"max_len"`
	BatchSize     int64         `mapstructure:"batch_size"`
	Block         time.Duration `mapstructure:"block"`
	MinIdle       time.Duration `mapstructure:"min_idle"`
	MaxDeliveries int64         `mapstructure:"max_deliveries"`
	ClaimInterval time.Duration `mapstructure:"claim_interval"`
}

type OutboxConfig struct {
	PublishInterval  time.Duration `mapstructure:"publish_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
	IncludeEventType bool          `mapstructure:"include_event_type"`
}

type InboundConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	EventType string `mapstructure:"event_type"`
	// EventIDMode is deterministic or random.
	EventIDMode string `mapstructure:"event_id_mode"`
	// StaleClaimAfter is how long a PROCESSING row may live before the
	// reconciler marks it FAILED. Zero disables the reconciler.
	StaleClaimAfter   time.Duration `mapstructure:"stale_claim_after"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type LedgerConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	CommitPath string        `mapstructure:"commit_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	DevMode   bool   `mapstructure:"dev_mode"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
}

const (
	ChannelRedis    = "redis"
	ChannelRabbitMQ = "rabbitmq"

	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"

	EventIDDeterministic = "deterministic"
	EventIDRandom        = "random"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.log_level", "")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.driver", DriverMySQL)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.connect_timeout", 30*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("rabbitmq.exchange", "posting.events")
	v.SetDefault("rabbitmq.queue", "posting.transaction-authorized")
	v.SetDefault("rabbitmq.binding_key", "transaction.authorized")
	v.SetDefault("rabbitmq.prefetch", 16)

	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.lock_key", "/locks/postingrelay/outbox")
	v.SetDefault("etcd.session_ttl", 10)

	v.SetDefault("channel.driver", ChannelRedis)
	v.SetDefault("channel.redis.stream", "posting-events")
	v.SetDefault("channel.redis.inbound_stream", "transaction-events")
	v.SetDefault("channel.redis.group", "posting-service")
	v.SetDefault("channel.redis.consumer", "posting-1")
	v.SetDefault("channel.redis.max_len", 100000)
	v.SetDefault("channel.redis.batch_size", 16)
	v.SetDefault("channel.redis.block", 2*time.Second)
	v.SetDefault("channel.redis.min_idle", 30*time.Second)
	v.SetDefault("channel.redis.max_deliveries", 5)
	v.SetDefault("channel.redis.claim_interval", 15*time.Second)

	v.SetDefault("outbox.publish_interval", 5*time.Second)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.publish_timeout", 5*time.Second)
	v.SetDefault("outbox.include_event_type", true)

	v.SetDefault("inbound.enabled", true)
	v.SetDefault("inbound.event_type", "transaction.authorized")
	v.SetDefault("inbound.event_id_mode", EventIDDeterministic)
	v.SetDefault("inbound.stale_claim_after", 10*time.Minute)
	v.SetDefault("inbound.reconcile_interval", time.Minute)

	v.SetDefault("ledger.base_url", "http://localhost:8080")
	v.SetDefault("ledger.commit_path", "/transactions/{transactionId}/commit")
	v.SetDefault("ledger.timeout", 5*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("auth.dev_mode", false)
	v.SetDefault("ratelimit.requests_per_second", 5)
}

func Load() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("POSTING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// a missing file is fine, defaults and env cover everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate rejects configurations that would leave a blocking call unbounded
// or select an unknown backend.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.Outbox.PublishInterval > 0, "outbox.publish_interval must be positive")
	check(c.Outbox.BatchSize > 0, "outbox.batch_size must be positive")
	check(c.Outbox.PublishTimeout > 0, "outbox.publish_timeout must be positive")
	check(c.Ledger.Timeout > 0, "ledger.timeout must be positive")
	check(c.Ledger.BaseURL != "", "ledger.base_url is required")
	check(c.Inbound.EventType != "", "inbound.event_type is required")
	check(c.Inbound.EventIDMode == EventIDDeterministic || c.Inbound.EventIDMode == EventIDRandom,
		"inbound.event_id_mode %q is not one of deterministic, random", c.Inbound.EventIDMode)
	check(c.Channel.Driver == ChannelRedis || c.Channel.Driver == ChannelRabbitMQ,
		"channel.driver %q is not one of redis, rabbitmq", c.Channel.Driver)
	check(c.Database.Driver == DriverMySQL || c.Database.Driver == DriverPostgres,
		"database.driver %q is not one of mysql, postgres", c.Database.Driver)
	if c.Channel.Driver == ChannelRabbitMQ {
		check(c.RabbitMQ.URL != "", "rabbitmq.url is required for the rabbitmq channel")
	}
	if c.Inbound.StaleClaimAfter > 0 {
		check(c.Inbound.ReconcileInterval > 0, "inbound.reconcile_interval must be positive when stale claims are reconciled")
		check(c.Inbound.StaleClaimAfter > c.Ledger.Timeout, "inbound.stale_claim_after must exceed ledger.timeout")
	}
	if c.Etcd.Enabled {
		check(len(c.Etcd.Endpoints) > 0, "etcd.endpoints is required when etcd is enabled")
	}

	return errors.Join(errs...)
}
