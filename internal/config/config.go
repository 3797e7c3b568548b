package config

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Janitor    JanitorConfig    `yaml:"janitor"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// OutboxConfig drives the dispatcher worker pool and the retry policy.
type OutboxConfig struct {
	Workers          int      `yaml:"workers"`
	BatchSize        int      `yaml:"batch_size"`
	MaxRetries       int      `yaml:"max_retries"`
	PollIntervalMs   int      `yaml:"poll_interval_ms"`
	AttemptTimeoutMs int      `yaml:"attempt_timeout_ms"`
	BackoffBaseMs    int      `yaml:"backoff_base_ms"`
	BackoffMaxMs     int      `yaml:"backoff_max_ms"`
	BackoffJitter    float64  `yaml:"backoff_jitter"`
	StreamEventTypes []string `yaml:"stream_event_types"`
}

func (c OutboxConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
func (c OutboxConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutMs) * time.Millisecond
}
func (c OutboxConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}
func (c OutboxConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// ReconcilerConfig drives the stale-RELAYED sweep.
type ReconcilerConfig struct {
	IntervalSeconds  int  `yaml:"interval_seconds"`
	StalenessMinutes int  `yaml:"staleness_minutes"`
	RequeueStale     bool `yaml:"requeue_stale"`
}

func (c ReconcilerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}
func (c ReconcilerConfig) Staleness() time.Duration {
	return time.Duration(c.StalenessMinutes) * time.Minute
}

// JanitorConfig drives retention of terminal rows.
type JanitorConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	RetentionDays   int `yaml:"retention_days"`
}

func (c JanitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}
func (c JanitorConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Outbox.Workers <= 0 {
		c.Outbox.Workers = 2
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = 5
	}
	if c.Outbox.PollIntervalMs <= 0 {
		c.Outbox.PollIntervalMs = 1000
	}
	if c.Outbox.AttemptTimeoutMs <= 0 {
		c.Outbox.AttemptTimeoutMs = 5000
	}
	if c.Outbox.BackoffBaseMs <= 0 {
		c.Outbox.BackoffBaseMs = 500
	}
	if c.Outbox.BackoffMaxMs <= 0 {
		c.Outbox.BackoffMaxMs = 60000
	}
	if c.Reconciler.IntervalSeconds <= 0 {
		c.Reconciler.IntervalSeconds = 60
	}
	if c.Reconciler.StalenessMinutes <= 0 {
		c.Reconciler.StalenessMinutes = 10
	}
	if c.Janitor.IntervalSeconds <= 0 {
		c.Janitor.IntervalSeconds = 3600
	}
	if c.Janitor.RetentionDays <= 0 {
		c.Janitor.RetentionDays = 14
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = "deliverable-events"
	}
}
