package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Redis      RedisConfig      `yaml:"redis"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Provider   ProviderConfig   `yaml:"provider"`
	Budget     BudgetConfig     `yaml:"budget"`
	Polling    PollingConfig    `yaml:"polling"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Stream     StreamConfig     `yaml:"stream"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"` // zero by default, stream responses are long-lived
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ScoringTopic  string        `yaml:"scoring_topic"`
	UpdatesTopic  string        `yaml:"updates_topic"`
	GroupID       string        `yaml:"group_id"`
	Enabled       bool          `yaml:"enabled"`
	PublishScores bool          `yaml:"publish_scores"`
	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
}

// ProviderConfig holds the football-data provider client configuration
type ProviderConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // burst spacing only, the ledger owns the daily budget
}

// BudgetConfig holds the daily provider call budget
type BudgetConfig struct {
	DailyCap    int    `yaml:"daily_cap"`
	FixturesCap int    `yaml:"fixtures_cap"`
	Timezone    string `yaml:"timezone"`
}

// PollingConfig holds live polling orchestrator configuration
type PollingConfig struct {
	Interval     time.Duration `yaml:"interval"`
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
}

// SupervisorConfig holds the cron schedules that keep polling aligned with live matches
type SupervisorConfig struct {
	Enabled         bool   `yaml:"enabled"`
	SmartStartCron  string `yaml:"smart_start_cron"`
	ScheduleCron    string `yaml:"schedule_cron"`
	ScheduleEnabled bool   `yaml:"schedule_enabled"`
	SweepCron       string `yaml:"sweep_cron"`
}

// ScoringConfig holds prediction scoring configuration
type ScoringConfig struct {
	Scheme  string `yaml:"scheme"`
	Workers int    `yaml:"workers"`
}

// StreamConfig holds push stream configuration
type StreamConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	SendBuffer   int           `yaml:"send_buffer"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Budget.FixturesCap > c.Budget.DailyCap {
		return fmt.Errorf("budget.fixtures_cap (%d) exceeds budget.daily_cap (%d)", c.Budget.FixturesCap, c.Budget.DailyCap)
	}
	if _, err := time.LoadLocation(c.Budget.Timezone); err != nil {
		return fmt.Errorf("budget.timezone: %w", err)
	}
	switch c.Scoring.Scheme {
	case "simple", "tiered":
	default:
		return fmt.Errorf("scoring.scheme must be simple or tiered, got %q", c.Scoring.Scheme)
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 2
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "livescore"
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 20
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 2
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.ScoringTopic == "" {
		c.Kafka.ScoringTopic = "fixture-scoring-requests"
	}
	if c.Kafka.UpdatesTopic == "" {
		c.Kafka.UpdatesTopic = "fixture-score-updates"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "livescore-scoring"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 50
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}

	// Provider defaults
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://v3.football.api-sports.io"
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 20 * time.Second
	}
	if c.Provider.RequestsPerSecond == 0 {
		c.Provider.RequestsPerSecond = 1
	}

	// Budget defaults
	if c.Budget.DailyCap == 0 {
		c.Budget.DailyCap = 100
	}
	if c.Budget.FixturesCap == 0 {
		c.Budget.FixturesCap = 20
	}
	if c.Budget.Timezone == "" {
		c.Budget.Timezone = "UTC"
	}

	// Polling defaults
	if c.Polling.Interval == 0 {
		c.Polling.Interval = 15 * time.Minute
	}
	if c.Polling.CycleTimeout == 0 {
		c.Polling.CycleTimeout = 45 * time.Second
	}

	// Supervisor defaults
	if c.Supervisor.SmartStartCron == "" {
		c.Supervisor.SmartStartCron = "*/5 * * * *"
	}
	if c.Supervisor.ScheduleCron == "" {
		c.Supervisor.ScheduleCron = "0 */4 * * *"
	}
	if c.Supervisor.SweepCron == "" {
		c.Supervisor.SweepCron = "*/15 * * * *"
	}

	// Scoring defaults
	if c.Scoring.Scheme == "" {
		c.Scoring.Scheme = "simple"
	}
	if c.Scoring.Workers == 0 {
		c.Scoring.Workers = 8
	}

	// Stream defaults
	if c.Stream.PingInterval == 0 {
		c.Stream.PingInterval = 30 * time.Second
	}
	if c.Stream.SendBuffer == 0 {
		c.Stream.SendBuffer = 64
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Supervisor.Enabled = true
	cfg.Supervisor.ScheduleEnabled = true
	return cfg
}
