package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	AMQP       AMQPConfig       `mapstructure:"amqp"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

// QueueConfig selects the transport used for dispatch and status events.
type QueueConfig struct {
	Driver string `mapstructure:"driver"` // kafka | amqp
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	DispatchTopic   string        `mapstructure:"dispatch_topic"`
	StatusTopic     string        `mapstructure:"status_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	Partitions      int           `mapstructure:"partitions"`
}

type AMQPConfig struct {
	URL           string `mapstructure:"url"`
	DispatchQueue string `mapstructure:"dispatch_queue"`
	StatusQueue   string `mapstructure:"status_queue"`
	Prefetch      int    `mapstructure:"prefetch"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	MetricsEnabled bool    `mapstructure:"metrics_enabled"`
}

type SchedulerConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	MaxBatchSize      int           `mapstructure:"max_batch_size"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	LockKeyPrefix     string        `mapstructure:"lock_key_prefix"`
	QuotaRolloverCron string        `mapstructure:"quota_rollover_cron"`
}

type DispatchConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	SendInterval time.Duration `mapstructure:"send_interval"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	RunLockTTL   time.Duration `mapstructure:"run_lock_ttl"`
}

type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

type QuotaConfig struct {
	KeyPrefix string `mapstructure:"key_prefix"`
}

type ComplianceConfig struct {
	TimeZone string         `mapstructure:"time_zone"`
	Weekdays []string       `mapstructure:"weekdays"`
	Windows  []WindowConfig `mapstructure:"windows"`
}

// WindowConfig is a daily [start, end) range in HH:MM.
type WindowConfig struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

type ProvidersConfig struct {
	DefaultCountryCode string         `mapstructure:"default_country_code"`
	StatusCallbackBase string         `mapstructure:"status_callback_base"`
	SMS                ProviderConfig `mapstructure:"sms"`
	WhatsApp           ProviderConfig `mapstructure:"whatsapp"`
	Email              ProviderConfig `mapstructure:"email"`
}

// ProviderConfig describes one outbound provider. Kind "mock" simulates sends.
type ProviderConfig struct {
	Kind        string        `mapstructure:"kind"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	AccountSID  string        `mapstructure:"account_sid"`
	AuthToken   string        `mapstructure:"auth_token"`
	Sender      string        `mapstructure:"sender"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SuccessRate float64       `mapstructure:"success_rate"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("OUTBOUND")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "outbound-messaging")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("queue.driver", "kafka")
	v.SetDefault("kafka.dispatch_topic", "campaign.dispatch")
	v.SetDefault("kafka.status_topic", "message.status")
	v.SetDefault("kafka.consumer_group_id", "outbound-messaging")
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("amqp.dispatch_queue", "campaign_dispatch")
	v.SetDefault("amqp.status_queue", "message_status")
	v.SetDefault("amqp.prefetch", 8)
	v.SetDefault("scheduler.tick_interval", time.Minute)
	v.SetDefault("scheduler.max_batch_size", 100)
	v.SetDefault("scheduler.lock_ttl", 10*time.Minute)
	v.SetDefault("scheduler.lock_key_prefix", "outbound:scheduler")
	v.SetDefault("scheduler.quota_rollover_cron", "0 0 1 * *")
	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("dispatch.send_interval", 200*time.Millisecond)
	v.SetDefault("dispatch.send_timeout", 10*time.Second)
	v.SetDefault("dispatch.run_lock_ttl", 30*time.Minute)
	v.SetDefault("breaker.threshold", 3)
	v.SetDefault("breaker.cooldown", 60*time.Second)
	v.SetDefault("breaker.key_prefix", "outbound:circuit")
	v.SetDefault("quota.key_prefix", "outbound:quota")
	v.SetDefault("compliance.time_zone", "Europe/Paris")
	v.SetDefault("compliance.weekdays", []string{"monday", "tuesday", "wednesday", "thursday", "friday"})
	v.SetDefault("compliance.windows", []map[string]string{
		{"start": "10:00", "end": "13:00"},
		{"start": "14:00", "end": "20:00"},
	})
	v.SetDefault("providers.default_country_code", "33")
	v.SetDefault("providers.sms.kind", "mock")
	v.SetDefault("providers.whatsapp.kind", "mock")
	v.SetDefault("providers.email.kind", "mock")
}

// Validate checks cross-field constraints viper cannot express.
func (c *Config) Validate() error {
	switch c.Queue.Driver {
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: kafka.brokers is required for the kafka driver")
		}
	case "amqp":
		if c.AMQP.URL == "" {
			return fmt.Errorf("config: amqp.url is required for the amqp driver")
		}
	default:
		return fmt.Errorf("config: unknown queue driver %q", c.Queue.Driver)
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("config: breaker.threshold must be positive")
	}
	if c.Dispatch.Concurrency <= 0 {
		return fmt.Errorf("config: dispatch.concurrency must be positive")
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
