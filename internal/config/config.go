package config

import (
	"bytes"
	_ "embed"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	WriteDB    DatabaseConfig  `mapstructure:"write_db"`
	ReadDB     DatabaseConfig  `mapstructure:"read_db"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Relay      RelayConfig     `mapstructure:"relay"`
	Projector  ProjectorConfig `mapstructure:"projector"`
	Prune      PruneConfig     `mapstructure:"prune"`
	Cache      CacheConfig     `mapstructure:"cache"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr    string   `mapstructure:"addr"`
	APIKeys []string `mapstructure:"api_keys"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // mysql|sqlite (ignored for clickhouse)
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	GroupID        string        `mapstructure:"group_id"`
	Topics         TopicsConfig  `mapstructure:"topics"`
	MinBytes       string        `mapstructure:"min_bytes"` // human size, e.g. "1KB"
	MaxBytes       string        `mapstructure:"max_bytes"` // human size, e.g. "10MB"
	CommitInterval time.Duration `mapstructure:"commit_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type TopicsConfig struct {
	Events     string `mapstructure:"events"`
	DeadLetter string `mapstructure:"dead_letter"`
}

type RelayConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	Instances     int           `mapstructure:"instances"`
	ClaimStrategy string        `mapstructure:"claim_strategy"` // skip_locked|lease
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
	Actor         string        `mapstructure:"actor"`
	MetricsAddr   string        `mapstructure:"metrics_addr"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenFor       time.Duration `mapstructure:"open_for"`
}

type ProjectorConfig struct {
	Workers     int         `mapstructure:"workers"`
	MetricsAddr string      `mapstructure:"metrics_addr"`
	Retry       RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

type PruneConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Retention time.Duration `mapstructure:"retention"`
}

type CacheConfig struct {
	ViewTTL time.Duration `mapstructure:"view_ttl"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (CQRS_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (CQRS_RELAY_BATCH_SIZE -> relay.batch_size)
	v.SetEnvPrefix("CQRS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
