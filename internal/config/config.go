package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	Health    HealthConfig    `mapstructure:"health"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Transport TransportConfig `mapstructure:"transport"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// StorageConfig selects the persistence backend. "memory" keeps everything
// in-process and is meant for local development.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
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
	HealthQuery     string        `mapstructure:"health_query"`
}

type ScyllaConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Brokers              []string      `mapstructure:"brokers"`
	ClientID             string        `mapstructure:"client_id"`
	OutboundTopic        string        `mapstructure:"outbound_topic"`
	OutcomeTopic         string        `mapstructure:"outcome_topic"`
	OutcomeConsumerGroup string        `mapstructure:"outcome_consumer_group"`
	CommitInterval       time.Duration `mapstructure:"commit_interval"`
	Partitions           int           `mapstructure:"partitions"`
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
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	MaxBatchSize int           `mapstructure:"max_batch_size"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

// DispatchConfig bounds the per-account sender pool.
type DispatchConfig struct {
	WorkersPerAccount int           `mapstructure:"workers_per_account"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
	DistributedGate   bool          `mapstructure:"distributed_gate"`
	GateTTL           time.Duration `mapstructure:"gate_ttl"`
	QuotaErrorBackoff time.Duration `mapstructure:"quota_error_backoff"`
}

// SafetyConfig holds the default safety settings applied when neither the
// account nor the organization has an override.
type SafetyConfig struct {
	DailyLimit            int     `mapstructure:"daily_limit"`
	HourlyLimit           int     `mapstructure:"hourly_limit"`
	MinDelayMs            int64   `mapstructure:"min_delay_ms"`
	MaxDelayMs            int64   `mapstructure:"max_delay_ms"`
	AdaptiveDelay         bool    `mapstructure:"adaptive_delay"`
	MaxFailureRate        float64 `mapstructure:"max_failure_rate"`
	PauseOnHighRisk       bool    `mapstructure:"pause_on_high_risk"`
	AutoPause             bool    `mapstructure:"auto_pause"`
	PauseAccountOnFailure bool    `mapstructure:"pause_account_on_failure"`
	WindowLocation        string  `mapstructure:"window_location"`
}

type HealthConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type QuotaConfig struct {
	MaxActiveCampaigns int `mapstructure:"max_active_campaigns"`
}

type TransportConfig struct {
	Provider       string        `mapstructure:"provider"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MockSuccess    float64       `mapstructure:"mock_success_rate"`
	MockLatency    time.Duration `mapstructure:"mock_latency"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("BLAST")
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

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Dispatch.WorkersPerAccount < 1 {
		return fmt.Errorf("config: dispatch.workers_per_account must be at least 1")
	}
	if c.Safety.MinDelayMs < 0 || c.Safety.MaxDelayMs < c.Safety.MinDelayMs {
		return fmt.Errorf("config: safety delay bounds invalid (min=%d max=%d)", c.Safety.MinDelayMs, c.Safety.MaxDelayMs)
	}
	if c.Safety.MaxFailureRate <= 0 || c.Safety.MaxFailureRate > 1 {
		return fmt.Errorf("config: safety.max_failure_rate must be in (0,1]")
	}
	if _, err := time.LoadLocation(c.Safety.WindowLocation); err != nil {
		return fmt.Errorf("config: safety.window_location: %w", err)
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		// Quota windows must survive restarts; only Redis holds them for this driver.
		if c.Redis.Address == "" {
			return fmt.Errorf("config: redis.address is required with the postgres storage driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "blast-dispatch")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", "15s")
	v.SetDefault("scheduler.max_batch_size", 50)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "2s")
	v.SetDefault("retry.max_delay", "1m")
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("dispatch.workers_per_account", 2)
	v.SetDefault("dispatch.send_timeout", "15s")
	v.SetDefault("dispatch.gate_ttl", "2m")
	v.SetDefault("dispatch.quota_error_backoff", "5s")
	v.SetDefault("safety.daily_limit", 1000)
	v.SetDefault("safety.hourly_limit", 100)
	v.SetDefault("safety.min_delay_ms", 3000)
	v.SetDefault("safety.max_delay_ms", 8000)
	v.SetDefault("safety.adaptive_delay", true)
	v.SetDefault("safety.max_failure_rate", 0.2)
	v.SetDefault("safety.pause_on_high_risk", true)
	v.SetDefault("safety.auto_pause", true)
	v.SetDefault("safety.window_location", "UTC")
	v.SetDefault("health.window", "24h")
	v.SetDefault("transport.provider", "mock")
	v.SetDefault("transport.request_timeout", "10s")
	v.SetDefault("transport.mock_success_rate", 0.95)
	v.SetDefault("transport.mock_latency", "200ms")
	v.SetDefault("redis.key_prefix", "blast")
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
