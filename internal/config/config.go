// Package config loads sync engine configuration from defaults, YAML files and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "OFFLINESYNC_"

// Config is the full engine configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Queue    QueueConfig    `yaml:"queue"`
	Retry    RetryConfig    `yaml:"retry"`
	Conflict ConflictConfig `yaml:"conflict"`
	Remote   RemoteConfig   `yaml:"remote"`
	Network  NetworkConfig  `yaml:"network"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
}

// QueueConfig bounds the queue and the sync pass.
type QueueConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	MaxWorkers       int           `yaml:"max_workers"`
	MaxSize          int           `yaml:"max_size"`
	Retention        time.Duration `yaml:"retention"`
	StaleProcessing  time.Duration `yaml:"stale_processing"`
	CompressPayloads bool          `yaml:"compress_payloads"`
}

// PolicyConfig parameterizes one retry priority class.
type PolicyConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// RetryConfig holds one policy per priority class.
type RetryConfig struct {
	High   PolicyConfig `yaml:"high"`
	Medium PolicyConfig `yaml:"medium"`
	Low    PolicyConfig `yaml:"low"`
	Jitter float64      `yaml:"jitter"`
}

// ConflictConfig selects the resolution order and merge preferences.
type ConflictConfig struct {
	Order             string              `yaml:"order"`
	PreferLocalFields map[string][]string `yaml:"prefer_local_fields"`
}

// RemoteConfig describes how the authoritative store is reached.
type RemoteConfig struct {
	Kind        string        `yaml:"kind"` // http | postgres
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTRole     string        `yaml:"jwt_role"`
	DatabaseURL string        `yaml:"database_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// NetworkConfig configures connectivity probing.
type NetworkConfig struct {
	ProbeURL     string        `yaml:"probe_url"`
	ProbeType    string        `yaml:"probe_type"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Metered      bool          `yaml:"metered"`
}

// ScheduleConfig drives periodic triggers and housekeeping.
type ScheduleConfig struct {
	WifiInterval     time.Duration `yaml:"wifi_interval"`
	CellularInterval time.Duration `yaml:"cellular_interval"`
	OfflineInterval  time.Duration `yaml:"offline_interval"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
}

// ServerConfig configures the local control API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// RedisConfig enables publishing sync events to Redis.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// Default returns the built-in configuration.
func Default() *Config {
	medium := PolicyConfig{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Minute,
	}
	return &Config{
		DataDir:  "./data",
		LogLevel: "info",
		Queue: QueueConfig{
			BatchSize:       10,
			MaxWorkers:      3,
			MaxSize:         1000,
			Retention:       7 * 24 * time.Hour,
			StaleProcessing: 10 * time.Minute,
		},
		Retry: RetryConfig{
			High: PolicyConfig{
				MaxAttempts:  medium.MaxAttempts + 2,
				InitialDelay: 500 * time.Millisecond,
				Multiplier:   1.5,
				MaxDelay:     medium.MaxDelay / 2,
			},
			Medium: medium,
			Low: PolicyConfig{
				MaxAttempts:  medium.MaxAttempts - 1,
				InitialDelay: medium.InitialDelay * 2,
				Multiplier:   medium.Multiplier,
				MaxDelay:     medium.MaxDelay,
			},
			Jitter: 0.25,
		},
		Conflict: ConflictConfig{
			Order: "timestamp_first",
		},
		Remote: RemoteConfig{
			Kind:    "http",
			JWTRole: "service_role",
			Timeout: 10 * time.Second,
		},
		Network: NetworkConfig{
			ProbeType:    "wifi",
			PollInterval: 15 * time.Second,
		},
		Schedule: ScheduleConfig{
			WifiInterval:     30 * time.Second,
			CellularInterval: 5 * time.Minute,
			OfflineInterval:  time.Minute,
			CleanupInterval:  24 * time.Hour,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8090",
		},
		Redis: RedisConfig{
			Channel: "offlinesync:events",
		},
	}
}

// Load overlays a YAML file onto the defaults. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "read config file", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "parse config file", err)
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the process environment.
// A missing default .env file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); os.IsNotExist(err) {
			return nil
		}
	}
	if err := godotenv.Load(files...); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "load .env", err)
	}
	return nil
}

// ApplyEnv overlays OFFLINESYNC_* environment variables.
func (c *Config) ApplyEnv() error {
	var errs []string

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.LogLevel)
	integer("BATCH_SIZE", &c.Queue.BatchSize)
	integer("MAX_WORKERS", &c.Queue.MaxWorkers)
	integer("MAX_QUEUE_SIZE", &c.Queue.MaxSize)
	duration("RETENTION", &c.Queue.Retention)
	duration("STALE_PROCESSING", &c.Queue.StaleProcessing)
	boolean("COMPRESS_PAYLOADS", &c.Queue.CompressPayloads)
	str("CONFLICT_ORDER", &c.Conflict.Order)
	str("REMOTE_KIND", &c.Remote.Kind)
	str("REMOTE_URL", &c.Remote.BaseURL)
	str("REMOTE_API_KEY", &c.Remote.APIKey)
	str("REMOTE_JWT_SECRET", &c.Remote.JWTSecret)
	str("REMOTE_JWT_ROLE", &c.Remote.JWTRole)
	str("DATABASE_URL", &c.Remote.DatabaseURL)
	duration("NETWORK_TIMEOUT", &c.Remote.Timeout)
	str("PROBE_URL", &c.Network.ProbeURL)
	str("PROBE_TYPE", &c.Network.ProbeType)
	duration("PROBE_INTERVAL", &c.Network.PollInterval)
	boolean("METERED", &c.Network.Metered)
	str("SERVER_ADDR", &c.Server.Addr)
	str("REDIS_URL", &c.Redis.URL)
	str("REDIS_CHANNEL", &c.Redis.Channel)

	if len(errs) > 0 {
		return apperrors.New(apperrors.ErrConfig, strings.Join(errs, "; "))
	}
	return nil
}

// FromEnv loads .env, then the optional YAML file, then environment overrides, and validates.
func FromEnv(path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Queue.BatchSize <= 0 {
		return apperrors.New(apperrors.ErrConfig, "queue.batch_size must be positive")
	}
	if c.Queue.MaxWorkers <= 0 {
		return apperrors.New(apperrors.ErrConfig, "queue.max_workers must be positive")
	}
	if c.Queue.MaxSize < 0 {
		return apperrors.New(apperrors.ErrConfig, "queue.max_size must not be negative")
	}
	for name, p := range map[string]PolicyConfig{"high": c.Retry.High, "medium": c.Retry.Medium, "low": c.Retry.Low} {
		if p.MaxAttempts < 0 {
			return apperrors.Newf(apperrors.ErrConfig, "retry.%s.max_attempts must not be negative", name)
		}
		if p.Multiplier < 1 {
			return apperrors.Newf(apperrors.ErrConfig, "retry.%s.multiplier must be >= 1", name)
		}
		if p.InitialDelay < 0 || p.MaxDelay < p.InitialDelay {
			return apperrors.Newf(apperrors.ErrConfig, "retry.%s delays must satisfy 0 <= initial_delay <= max_delay", name)
		}
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return apperrors.New(apperrors.ErrConfig, "retry.jitter must be in [0, 1)")
	}
	switch c.Conflict.Order {
	case "timestamp_first", "table_first":
	default:
		return apperrors.Newf(apperrors.ErrConfig, "unknown conflict.order %q", c.Conflict.Order)
	}
	switch c.Remote.Kind {
	case "http", "postgres":
	default:
		return apperrors.Newf(apperrors.ErrConfig, "unknown remote.kind %q", c.Remote.Kind)
	}
	if c.Remote.Timeout <= 0 {
		return apperrors.New(apperrors.ErrConfig, "remote.timeout must be positive")
	}
	return nil
}
