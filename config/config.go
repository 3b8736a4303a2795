package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Lock      LockConfig      `mapstructure:"lock"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// InternalAPIKey guards the /internal routes (X-Internal-API-Key)
	InternalAPIKey    string  `mapstructure:"internal_api_key"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig holds the coordination store connection
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig controls the polling worker pool
type WorkerConfig struct {
	ID              string        `mapstructure:"id"`
	Concurrency     int           `mapstructure:"concurrency"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollInterval time.Duration `mapstructure:"max_poll_interval"`
	RequeueDelay    time.Duration `mapstructure:"requeue_delay"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LockConfig controls the execution lock manager.
// Backend is "redis" or "postgres".
type LockConfig struct {
	Backend  string        `mapstructure:"backend"`
	TTL      time.Duration `mapstructure:"ttl"`
	FailOpen bool          `mapstructure:"fail_open"`
}

// AdmissionConfig selects the admission gate topology.
// Mode is "local" (per process) or "store" (cluster-wide).
type AdmissionConfig struct {
	Mode         string        `mapstructure:"mode"`
	TierCacheTTL time.Duration `mapstructure:"tier_cache_ttl"`
}

// RetryConfig holds the run retry policy and call-site backoff
type RetryConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	RetryableClasses  []string      `mapstructure:"retryable_classes"`
	CallAttempts      int           `mapstructure:"call_attempts"`
	CallInitialDelay  time.Duration `mapstructure:"call_initial_delay"`
	CallMaxDelay      time.Duration `mapstructure:"call_max_delay"`
}

// RecoveryConfig holds stale-execution recovery settings
type RecoveryConfig struct {
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`
	QuotaLookbackDays int           `mapstructure:"quota_lookback_days"`
	QueueRetention    time.Duration `mapstructure:"queue_retention"`
}

// ScheduleConfig holds cron expressions (with seconds field, UTC)
type ScheduleConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	DailyReset    string `mapstructure:"daily_reset"`
	MonthlyReset  string `mapstructure:"monthly_reset"`
	StaleRecovery string `mapstructure:"stale_recovery"`
	RetryDispatch string `mapstructure:"retry_dispatch"`
	QueueCleanup  string `mapstructure:"queue_cleanup"`
	QueueDepth    string `mapstructure:"queue_depth"`
}

// ExecutorConfig configures the built-in step executors
type ExecutorConfig struct {
	WebhookRequestsPerSecond float64       `mapstructure:"webhook_requests_per_second"`
	WebhookBurst             int           `mapstructure:"webhook_burst"`
}

// TelemetryConfig holds OpenTelemetry export settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	NoColor bool   `mapstructure:"no_color"`
}

var globalConfig *Config

// Load loads the configuration from file, .env, and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// .env is optional
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg(".env file not loaded")
	}

	v.SetEnvPrefix("PIPELINE_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Validate rejects settings the control plane cannot run with
func (c *Config) Validate() error {
	switch c.Lock.Backend {
	case "redis", "postgres":
	default:
		return fmt.Errorf("invalid lock.backend %q: want redis or postgres", c.Lock.Backend)
	}
	switch c.Admission.Mode {
	case "local", "store":
	default:
		return fmt.Errorf("invalid admission.mode %q: want local or store", c.Admission.Mode)
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be >= 1")
	}
	return nil
}

// loadEnvFile loads the first .env file found into the process environment
func loadEnvFile() error {
	envPaths := []string{
		".",
		"./config",
	}

	for _, path := range envPaths {
		envFile := fmt.Sprintf("%s/.env", path)
		if _, err := os.Stat(envFile); err == nil {
			if err := loadDotEnvFile(envFile); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("no .env file found")
}

// loadDotEnvFile reads KEY=VALUE lines. Variables already set win.
func loadDotEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.Trim(strings.TrimSpace(parts[1]), "\"'")
			if _, exists := os.LookupEnv(key); !exists {
				os.Setenv(key, value)
			}
		}
	}
	return scanner.Err()
}

// bindEnvVars binds well-known unprefixed environment variables
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.internal_api_key", "INTERNAL_API_KEY")
	v.BindEnv("worker.id", "WORKER_ID")
	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("telemetry.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.requests_per_second", 50.0)
	v.SetDefault("server.burst", 100)

	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.max_conn_lifetime", 1*time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	hostname, _ := os.Hostname()
	v.SetDefault("worker.id", hostname)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.max_poll_interval", 30*time.Second)
	v.SetDefault("worker.requeue_delay", 30*time.Second)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)

	v.SetDefault("lock.backend", "redis")
	v.SetDefault("lock.ttl", 1*time.Hour)
	v.SetDefault("lock.fail_open", true)

	v.SetDefault("admission.mode", "local")
	v.SetDefault("admission.tier_cache_ttl", 1*time.Minute)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", 1*time.Minute)
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.max_delay", 1*time.Hour)
	v.SetDefault("retry.retryable_classes", []string{"transient", "timeout", "unknown"})
	v.SetDefault("retry.call_attempts", 3)
	v.SetDefault("retry.call_initial_delay", 100*time.Millisecond)
	v.SetDefault("retry.call_max_delay", 2*time.Second)

	v.SetDefault("recovery.stale_threshold", 1*time.Hour)
	v.SetDefault("recovery.quota_lookback_days", 3)
	v.SetDefault("recovery.queue_retention", 7*24*time.Hour)

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.daily_reset", "0 5 0 * * *")
	v.SetDefault("schedule.monthly_reset", "0 10 0 1 * *")
	v.SetDefault("schedule.stale_recovery", "0 */15 * * * *")
	v.SetDefault("schedule.retry_dispatch", "30 * * * * *")
	v.SetDefault("schedule.queue_cleanup", "0 30 3 * * *")
	v.SetDefault("schedule.queue_depth", "*/15 * * * * *")

	v.SetDefault("executor.webhook_requests_per_second", 5.0)
	v.SetDefault("executor.webhook_burst", 10)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "opentelemetry-collector:4317")
	v.SetDefault("telemetry.service_name", "pipeline-service")
	v.SetDefault("telemetry.environment", "production")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.no_color", false)
}

// Get returns the global configuration
func Get() *Config {
	return globalConfig
}

// GetDatabaseURL returns the database URL from config or environment
func GetDatabaseURL() string {
	if cfg := Get(); cfg != nil && cfg.Database.URL != "" {
		return cfg.Database.URL
	}
	return os.Getenv("DATABASE_URL")
}
