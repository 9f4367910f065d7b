package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Redis         RedisConfig
	Kafka         KafkaConfig
	Database      DatabaseConfig
	Messaging     MessagingConfig
	Observability ObservabilityConfig
}

// MessagingConfig holds the delivery-core settings
type MessagingConfig struct {
	CommandLease        time.Duration     `mapstructure:"command_lease"`
	MaxBackoff          time.Duration     `mapstructure:"max_backoff"`
	OutboxSweepInterval time.Duration     `mapstructure:"outbox_sweep_interval"`
	OutboxBatchSize     int               `mapstructure:"outbox_batch_size"`
	OutboxClaimTimeout  time.Duration     `mapstructure:"outbox_claim_timeout"`
	SyncWait            time.Duration     `mapstructure:"sync_wait"`
	RetentionPeriod     time.Duration     `mapstructure:"retention_period"`
	MaxInFlight         int               `mapstructure:"max_in_flight"`
	QueueNaming         QueueNamingConfig `mapstructure:"queue_naming"`
	TopicNaming         TopicNamingConfig `mapstructure:"topic_naming"`
}

type QueueNamingConfig struct {
	CommandPrefix string `mapstructure:"command_prefix"`
	QueueSuffix   string `mapstructure:"queue_suffix"`
	ReplyQueue    string `mapstructure:"reply_queue"`
}

type TopicNamingConfig struct {
	EventPrefix string `mapstructure:"event_prefix"`
}

type RedisConfig struct {
	Addresses       []string      `mapstructure:"addresses"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	GroupID      string        `mapstructure:"group_id"`
	Compression  string        `mapstructure:"compression"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
}

type ObservabilityConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPort int    `mapstructure:"metrics_port"`
	MetricsPath string `mapstructure:"metrics_path"`
	LogLevel    string `mapstructure:"log_level"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/messaging-platform/")

	// Allow environment variable overrides
	viper.AutomaticEnv()
	viper.SetEnvPrefix("MP")

	// Set defaults
	viper.SetDefault("messaging.command_lease", "5m")
	viper.SetDefault("messaging.max_backoff", "5m")
	viper.SetDefault("messaging.outbox_sweep_interval", "1s")
	viper.SetDefault("messaging.outbox_batch_size", 2000)
	viper.SetDefault("messaging.outbox_claim_timeout", "1m")
	viper.SetDefault("messaging.sync_wait", "0s")
	viper.SetDefault("messaging.retention_period", "168h")
	viper.SetDefault("messaging.max_in_flight", 16)
	viper.SetDefault("messaging.queue_naming.command_prefix", "cmd.")
	viper.SetDefault("messaging.queue_naming.queue_suffix", ".q")
	viper.SetDefault("messaging.queue_naming.reply_queue", "cmd.replies.q")
	viper.SetDefault("messaging.topic_naming.event_prefix", "events.")
	viper.SetDefault("redis.addresses", []string{"localhost:6379"})
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.group_id", "messaging-platform")
	viper.SetDefault("kafka.max_retries", 3)
	viper.SetDefault("kafka.retry_backoff", "100ms")
	viper.SetDefault("kafka.dial_timeout", "10s")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.max_open_conns", 50)
	viper.SetDefault("database.min_conns", 5)
	viper.SetDefault("database.dial_timeout", "5s")
	viper.SetDefault("observability.enabled", true)
	viper.SetDefault("observability.metrics_port", 9090)
	viper.SetDefault("observability.metrics_path", "/metrics")
	viper.SetDefault("observability.log_level", "info")

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults and env carry a dev setup
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
