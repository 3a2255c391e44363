package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketflow MarketflowConfig `yaml:"marketflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Kis        KisConfig        `yaml:"kis"`
	Krx        KrxConfig        `yaml:"krx"`
	Retry      RetryConfig      `yaml:"retry"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Flusher    FlusherConfig    `yaml:"flusher"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

type MarketflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
	Report bool   `yaml:"report"`
}

type MetricsConfig struct {
	CloudWatch bool   `yaml:"cloudwatch"`
	Region     string `yaml:"region"`
	Namespace  string `yaml:"namespace"`
}

type ChannelsConfig struct {
	TickBuffer      int `yaml:"tick_buffer"`
	BroadcastBuffer int `yaml:"broadcast_buffer"`
}

// KisConfig describes the KIS OpenAPI connection: REST credentials and
// endpoints plus the WebSocket feed behaviour.
type KisConfig struct {
	AppKey                string        `yaml:"app_key"`
	AppSecret             string        `yaml:"app_secret"`
	BaseURL               string        `yaml:"base_url"`
	WsURL                 string        `yaml:"ws_url"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	ResponseTimeout       time.Duration `yaml:"response_timeout"`
	TokenRefreshBefore    time.Duration `yaml:"token_refresh_before"`
	TokenCheckInterval    time.Duration `yaml:"token_check_interval"`
	MaxSubscriptions      int           `yaml:"max_subscriptions"`
	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
	HeartbeatTimeout      time.Duration `yaml:"heartbeat_timeout"`
	SubscribeDelay        time.Duration `yaml:"subscribe_delay"`
	RequestsPerSecond     float64       `yaml:"requests_per_second"`
	Symbols               []string      `yaml:"symbols"`
}

type KrxConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type FlusherConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

// LoadConfig reads and validates the yaml configuration file. Secrets may be
// supplied through environment variables instead of the file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{
			TickBuffer:      1024,
			BroadcastBuffer: 10000,
		},
		Kis: KisConfig{
			BaseURL:               "https://openapivts.koreainvestment.com:29443",
			WsURL:                 "ws://ops.koreainvestment.com:21000",
			ConnectTimeout:        5 * time.Second,
			ResponseTimeout:       10 * time.Second,
			TokenRefreshBefore:    30 * time.Minute,
			TokenCheckInterval:    10 * time.Minute,
			MaxSubscriptions:      40,
			ReconnectInitialDelay: time.Second,
			ReconnectMaxDelay:     time.Minute,
			HeartbeatTimeout:      time.Minute,
			SubscribeDelay:        100 * time.Millisecond,
			RequestsPerSecond:     10,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         time.Second,
			BackoffMultiplier: 2,
		},
		Kafka: KafkaConfig{
			Topic:        "stock.price.realtime",
			GroupID:      "marketflow-cache-updater",
			BatchTimeout: 5 * time.Millisecond,
			MaxAttempts:  3,
		},
		Redis: RedisConfig{
			DialTimeout: 5 * time.Second,
			ReadTimeout: 3 * time.Second,
		},
		Flusher: FlusherConfig{
			Interval: time.Second,
		},
		Archive: ArchiveConfig{
			BatchSize:     5000,
			FlushInterval: time.Minute,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KIS_APP_KEY"); v != "" {
		cfg.Kis.AppKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("KIS_APP_SECRET"); v != "" {
		cfg.Kis.AppSecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("KRX_API_KEY"); v != "" {
		cfg.Krx.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers := strings.Split(v, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		cfg.Kafka.Brokers = brokers
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = strings.TrimSpace(v)
	}
	if cfg.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Archive.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Archive.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Archive.Region = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Marketflow.Name == "" {
		return fmt.Errorf("marketflow.name is required")
	}
	if cfg.Marketflow.Version == "" {
		return fmt.Errorf("marketflow.version is required")
	}
	if cfg.Channels.TickBuffer <= 0 {
		return fmt.Errorf("channels.tick_buffer must be greater than 0")
	}
	if cfg.Channels.BroadcastBuffer <= 0 {
		return fmt.Errorf("channels.broadcast_buffer must be greater than 0")
	}
	if cfg.Kis.MaxSubscriptions <= 0 {
		return fmt.Errorf("kis.max_subscriptions must be greater than 0")
	}
	if cfg.Kis.ReconnectInitialDelay <= 0 || cfg.Kis.ReconnectMaxDelay < cfg.Kis.ReconnectInitialDelay {
		return fmt.Errorf("kis reconnect delays are invalid")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}
	if cfg.Flusher.Interval <= 0 {
		return fmt.Errorf("flusher.interval must be greater than 0")
	}
	if IsProductionLike(AppEnvironment()) {
		if cfg.Kis.AppKey == "" || cfg.Kis.AppSecret == "" {
			return fmt.Errorf("kis.app_key and kis.app_secret are required in %s", AppEnvironment())
		}
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if cfg.Database.Enabled && cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database is enabled")
	}
	if cfg.Archive.Enabled {
		if cfg.Archive.Bucket == "" || cfg.Archive.Region == "" {
			return fmt.Errorf("archive.bucket and archive.region are required when archive is enabled")
		}
	}
	return nil
}
