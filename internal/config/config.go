package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Lock providers
const (
	LockProviderSQLite = "sqlite"
	LockProviderRedis  = "redis"
	LockProviderMemory = "memory"
)

// Config represents the application configuration
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Database  DatabaseConfig  `yaml:"database"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Lock      LockConfig      `yaml:"lock"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Runner    RunnerConfig    `yaml:"runner"`
	Storage   StorageConfig   `yaml:"storage"`
}

// DatabaseConfig locates the task store
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ExecutorConfig sizes the worker pool and operator waits
type ExecutorConfig struct {
	PoolSize    int `yaml:"pool_size"`
	QueueSize   int `yaml:"queue_size"`
	WaitRetries int `yaml:"wait_retries"`
	WaitDelayMs int `yaml:"wait_delay_ms"`
}

// WaitDelay returns the delay between wait checks
func (e ExecutorConfig) WaitDelay() time.Duration {
	return time.Duration(e.WaitDelayMs) * time.Millisecond
}

// LockConfig selects where resource lock flags live
type LockConfig struct {
	Provider      string      `yaml:"provider"`
	Redis         RedisConfig `yaml:"redis"`
	ExpirySeconds int         `yaml:"expiry_seconds"`
}

// RedisConfig is used by the redis lock provider
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SchedulerConfig toggles the schedule runner
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig sets the address of the /metrics endpoint. Empty disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// RunnerConfig configures the command runner
type RunnerConfig struct {
	BackupScript   string `yaml:"backup_script"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// StorageConfig represents the S3-compatible storage holding backup artifacts.
// An empty endpoint disables artifact checks.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Database: DatabaseConfig{Path: "./commissioner.db"},
		Executor: ExecutorConfig{
			PoolSize:    4,
			QueueSize:   64,
			WaitRetries: 5,
			WaitDelayMs: 1000,
		},
		Lock: LockConfig{
			Provider:      LockProviderSQLite,
			Redis:         RedisConfig{Addr: "localhost:6379"},
			ExpirySeconds: 3600,
		},
		Scheduler: SchedulerConfig{Enabled: true},
		Metrics:   MetricsConfig{Addr: ":9090"},
		Runner: RunnerConfig{
			BackupScript:   "./bin/commissioner-actions",
			TimeoutSeconds: 0,
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, errors.Wrap(err, "failed to load config file")
		}
	}

	// Override with command line flags
	if flags != nil {
		loadFromFlags(cfg, flags)
	}

	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// RegisterFlags adds the flags Load understands to fs
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("log-level", d.LogLevel, "Log level (debug/info/warn/error)")
	fs.String("db", d.Database.Path, "Task database file")

	fs.Int("pool-size", d.Executor.PoolSize, "Number of tasks run concurrently")
	fs.Int("queue-size", d.Executor.QueueSize, "Number of accepted tasks waiting for a worker")
	fs.Int("wait-retries", d.Executor.WaitRetries, "Checks made when waiting for a task")
	fs.Int("wait-delay-ms", d.Executor.WaitDelayMs, "Delay between wait checks in milliseconds")

	fs.String("lock-provider", d.Lock.Provider, "Lock provider (sqlite/redis/memory)")
	fs.String("redis-addr", d.Lock.Redis.Addr, "Redis address for the redis lock provider")
	fs.String("redis-password", "", "Redis password")
	fs.Int("redis-db", 0, "Redis database")
	fs.Int("lock-expiry-seconds", d.Lock.ExpirySeconds, "Expiry of redis locks in seconds")

	fs.Bool("scheduler", d.Scheduler.Enabled, "Run active schedules")
	fs.String("metrics-addr", d.Metrics.Addr, "Metrics listen address, empty to disable")

	fs.String("backup-script", d.Runner.BackupScript, "Script that runs backup, restore and upgrade commands")
	fs.Int("runner-timeout-seconds", d.Runner.TimeoutSeconds, "Command timeout in seconds, 0 for none")

	fs.String("storage-endpoint", "", "S3-compatible endpoint holding backup artifacts")
	fs.String("storage-access-key", "", "Storage access key")
	fs.String("storage-secret-key", "", "Storage secret key")
	fs.Bool("storage-secure", false, "Use HTTPS for storage")
	fs.String("bucket", "", "Bucket holding backup artifacts")
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) {
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("db") {
		cfg.Database.Path, _ = flags.GetString("db")
	}

	if flags.Changed("pool-size") {
		cfg.Executor.PoolSize, _ = flags.GetInt("pool-size")
	}
	if flags.Changed("queue-size") {
		cfg.Executor.QueueSize, _ = flags.GetInt("queue-size")
	}
	if flags.Changed("wait-retries") {
		cfg.Executor.WaitRetries, _ = flags.GetInt("wait-retries")
	}
	if flags.Changed("wait-delay-ms") {
		cfg.Executor.WaitDelayMs, _ = flags.GetInt("wait-delay-ms")
	}

	if flags.Changed("lock-provider") {
		cfg.Lock.Provider, _ = flags.GetString("lock-provider")
	}
	if flags.Changed("redis-addr") {
		cfg.Lock.Redis.Addr, _ = flags.GetString("redis-addr")
	}
	if flags.Changed("redis-password") {
		cfg.Lock.Redis.Password, _ = flags.GetString("redis-password")
	}
	if flags.Changed("redis-db") {
		cfg.Lock.Redis.DB, _ = flags.GetInt("redis-db")
	}
	if flags.Changed("lock-expiry-seconds") {
		cfg.Lock.ExpirySeconds, _ = flags.GetInt("lock-expiry-seconds")
	}

	if flags.Changed("scheduler") {
		cfg.Scheduler.Enabled, _ = flags.GetBool("scheduler")
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr, _ = flags.GetString("metrics-addr")
	}

	if flags.Changed("backup-script") {
		cfg.Runner.BackupScript, _ = flags.GetString("backup-script")
	}
	if flags.Changed("runner-timeout-seconds") {
		cfg.Runner.TimeoutSeconds, _ = flags.GetInt("runner-timeout-seconds")
	}

	if flags.Changed("storage-endpoint") {
		cfg.Storage.Endpoint, _ = flags.GetString("storage-endpoint")
	}
	if flags.Changed("storage-access-key") {
		cfg.Storage.AccessKey, _ = flags.GetString("storage-access-key")
	}
	if flags.Changed("storage-secret-key") {
		cfg.Storage.SecretKey, _ = flags.GetString("storage-secret-key")
	}
	if flags.Changed("storage-secure") {
		cfg.Storage.Secure, _ = flags.GetBool("storage-secure")
	}
	if flags.Changed("bucket") {
		cfg.Storage.Bucket, _ = flags.GetString("bucket")
	}
}

func (c *Config) validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Executor.PoolSize <= 0 {
		return errors.New("pool size must be positive")
	}
	if c.Executor.QueueSize < 0 {
		return errors.New("queue size must not be negative")
	}
	if c.Executor.WaitRetries <= 0 {
		return errors.New("wait retries must be positive")
	}
	if c.Executor.WaitDelayMs <= 0 {
		return errors.New("wait delay must be positive")
	}

	switch c.Lock.Provider {
	case LockProviderSQLite, LockProviderMemory:
	case LockProviderRedis:
		if c.Lock.Redis.Addr == "" {
			return errors.New("redis address is required for the redis lock provider")
		}
		if c.Lock.ExpirySeconds <= 0 {
			return errors.New("lock expiry must be positive")
		}
	default:
		return errors.Errorf("unknown lock provider %q", c.Lock.Provider)
	}

	if c.Runner.TimeoutSeconds < 0 {
		return errors.New("runner timeout must not be negative")
	}

	if c.Storage.Endpoint != "" {
		if c.Storage.AccessKey == "" {
			return errors.New("storage access key is required")
		}
		if c.Storage.SecretKey == "" {
			return errors.New("storage secret key is required")
		}
		if c.Storage.Bucket == "" {
			return errors.New("bucket is required")
		}
	}

	return nil
}
