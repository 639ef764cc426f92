package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Feed         FeedConfig         `yaml:"feed"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Cache        CacheConfig        `yaml:"cache"`
	Execution    ExecutionConfig    `yaml:"execution"`
	Storage      StorageConfig      `yaml:"storage"`
	Distribution DistributionConfig `yaml:"distribution"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FeedConfig struct {
	URL                  string         `yaml:"url"`
	ReconnectDelay       time.Duration  `yaml:"reconnect_delay"`
	MaxReconnectAttempts int            `yaml:"max_reconnect_attempts"`
	ReadTimeout          time.Duration  `yaml:"read_timeout"`
	FrameBuffer          int            `yaml:"frame_buffer"`
	Backfill             BackfillConfig `yaml:"backfill"`
}

type BackfillConfig struct {
	Enabled bool          `yaml:"enabled"`
	RESTURL string        `yaml:"rest_url"`
	Limit   int           `yaml:"limit"`
	Timeout time.Duration `yaml:"timeout"`
}

type SubscriptionConfig struct {
	ControlInterval  time.Duration `yaml:"control_interval"`
	DefaultIntervals []string      `yaml:"default_intervals"`
}

type CacheConfig struct {
	Backend     string      `yaml:"backend"`
	CandleLimit int         `yaml:"candle_limit"`
	TradeLimit  int         `yaml:"trade_limit"`
	DepthLevels int         `yaml:"depth_levels"`
	Redis       RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ExecutionConfig struct {
	QuoteAsset      string        `yaml:"quote_asset"`
	InitialBalance  float64       `yaml:"initial_balance"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	Shards          int           `yaml:"shards"`
	WaitForLiveTick bool          `yaml:"wait_for_live_tick"`
	LiveTickTimeout time.Duration `yaml:"live_tick_timeout"`
}

type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxBatch        int           `yaml:"max_batch"`
	Compression     string        `yaml:"compression"`
	SpoolDir        string        `yaml:"spool_dir"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type DistributionConfig struct {
	HubBuffer int         `yaml:"hub_buffer"`
	Kafka     KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	MarketTopic  string        `yaml:"market_topic"`
	UserTopic    string        `yaml:"user_topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// PublishBuffer bounds events waiting for the writer goroutine.
	PublishBuffer int `yaml:"publish_buffer"`

	// OrderTopic carries order requests into the engine; empty disables intake.
	OrderTopic   string `yaml:"order_topic"`
	OrderGroupID string `yaml:"order_group_id"`
}

type MetricsConfig struct {
	Prometheus     PrometheusConfig `yaml:"prometheus"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
	ReportInterval time.Duration    `yaml:"report_interval"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns a configuration usable without a file: in-memory cache and
// store, public Binance endpoints, no external sinks.
func Default() *Config {
	cfg := &Config{
		App: AppConfig{Name: "cryptosim", Version: "dev"},
	}
	applyDefaults(cfg)
	return cfg
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BINANCE_WS_URL"); v != "" {
		cfg.Feed.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_REST_URL"); v != "" {
		cfg.Feed.Backfill.RESTURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Redis.DB = db
		}
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Distribution.Kafka.Brokers = splitList(v)
	}

	// Override S3 settings from environment variables if available
	if cfg.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
}

func applyDefaults(cfg *Config) {
	if cfg.Feed.URL == "" {
		cfg.Feed.URL = "wss://stream.binance.com:9443/stream"
	}
	if cfg.Feed.ReconnectDelay <= 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.ReadTimeout <= 0 {
		cfg.Feed.ReadTimeout = time.Minute
	}
	if cfg.Feed.FrameBuffer <= 0 {
		cfg.Feed.FrameBuffer = 1024
	}
	if cfg.Feed.Backfill.Limit <= 0 {
		cfg.Feed.Backfill.Limit = 100
	}
	if cfg.Feed.Backfill.Timeout <= 0 {
		cfg.Feed.Backfill.Timeout = 10 * time.Second
	}

	if cfg.Subscription.ControlInterval <= 0 {
		cfg.Subscription.ControlInterval = 200 * time.Millisecond
	}
	if len(cfg.Subscription.DefaultIntervals) == 0 {
		cfg.Subscription.DefaultIntervals = []string{"1m"}
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.CandleLimit <= 0 {
		cfg.Cache.CandleLimit = 100
	}
	if cfg.Cache.TradeLimit <= 0 {
		cfg.Cache.TradeLimit = 50
	}
	if cfg.Cache.DepthLevels <= 0 {
		cfg.Cache.DepthLevels = 10
	}
	if cfg.Cache.Redis.Addr == "" {
		cfg.Cache.Redis.Addr = "localhost:6379"
	}

	if cfg.Execution.QuoteAsset == "" {
		cfg.Execution.QuoteAsset = "USDT"
	}
	cfg.Execution.QuoteAsset = strings.ToUpper(cfg.Execution.QuoteAsset)
	if cfg.Execution.InitialBalance <= 0 {
		cfg.Execution.InitialBalance = 100000
	}
	if cfg.Execution.StaleAfter <= 0 {
		cfg.Execution.StaleAfter = 10 * time.Second
	}
	if cfg.Execution.Shards <= 0 {
		cfg.Execution.Shards = 16
	}
	if cfg.Execution.LiveTickTimeout <= 0 {
		cfg.Execution.LiveTickTimeout = 3 * time.Second
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Storage.Postgres.SSLMode == "" {
		cfg.Storage.Postgres.SSLMode = "disable"
	}
	if cfg.Storage.S3.FlushInterval <= 0 {
		cfg.Storage.S3.FlushInterval = time.Minute
	}
	if cfg.Storage.S3.MaxBatch <= 0 {
		cfg.Storage.S3.MaxBatch = 1000
	}
	if cfg.Storage.S3.Compression == "" {
		cfg.Storage.S3.Compression = "snappy"
	}

	if cfg.Distribution.HubBuffer <= 0 {
		cfg.Distribution.HubBuffer = 256
	}
	if cfg.Distribution.Kafka.MarketTopic == "" {
		cfg.Distribution.Kafka.MarketTopic = "cryptosim.market"
	}
	if cfg.Distribution.Kafka.UserTopic == "" {
		cfg.Distribution.Kafka.UserTopic = "cryptosim.user"
	}
	if cfg.Distribution.Kafka.PublishBuffer <= 0 {
		cfg.Distribution.Kafka.PublishBuffer = 4096
	}
	if cfg.Distribution.Kafka.OrderGroupID == "" {
		cfg.Distribution.Kafka.OrderGroupID = "cryptosim-engine"
	}

	if cfg.Metrics.Prometheus.Addr == "" {
		cfg.Metrics.Prometheus.Addr = "0.0.0.0:2112"
	}
	if cfg.Metrics.ReportInterval <= 0 {
		cfg.Metrics.ReportInterval = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}

	if !strings.HasPrefix(cfg.Feed.URL, "ws://") && !strings.HasPrefix(cfg.Feed.URL, "wss://") {
		return fmt.Errorf("feed.url must be a ws:// or wss:// endpoint")
	}
	if cfg.Feed.MaxReconnectAttempts < 0 {
		return fmt.Errorf("feed.max_reconnect_attempts must not be negative")
	}
	if cfg.Feed.Backfill.Limit > 1000 {
		return fmt.Errorf("feed.backfill.limit must not exceed 1000")
	}

	switch cfg.Cache.Backend {
	case "memory":
	case "redis":
		if cfg.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend '%s' is invalid", cfg.Cache.Backend)
	}

	switch cfg.Storage.Backend {
	case "memory":
	case "postgres":
		pg := cfg.Storage.Postgres
		if pg.DSN == "" && (pg.Host == "" || pg.Database == "") {
			return fmt.Errorf("storage.postgres.dsn or storage.postgres.host and database are required when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("storage.backend '%s' is invalid", cfg.Storage.Backend)
	}

	if cfg.Distribution.Kafka.Enabled && len(cfg.Distribution.Kafka.Brokers) == 0 {
		return fmt.Errorf("distribution.kafka.brokers is required when kafka is enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
