// Package config loads the engine configuration: defaults, an optional
// config.yaml, then environment variables, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete engine configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	API      APIConfig      `mapstructure:"api"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Aging    AgingConfig    `mapstructure:"aging"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Circuit  CircuitConfig  `mapstructure:"circuit"`
	S3       S3Config       `mapstructure:"s3"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// APIConfig covers the public facade listener.
type APIConfig struct {
	Listen      string `mapstructure:"listen"`
	AuthEnabled bool   `mapstructure:"auth_enabled"`
	AuthToken   string `mapstructure:"auth_token"`
}

// MetricsConfig covers the operational listener.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// StorageConfig covers sharding and tier boundaries.
type StorageConfig struct {
	// ShardCount is immutable after the first run; the on-disk layout
	// encodes it.
	ShardCount int           `mapstructure:"shard_count"`
	HotTTL     time.Duration `mapstructure:"hot_ttl"`
	WarmTTL    time.Duration `mapstructure:"warm_ttl"`
	EmbedDim   int           `mapstructure:"embed_dim"`
}

// AgingConfig covers the tier-migration scheduler.
type AgingConfig struct {
	Period    time.Duration `mapstructure:"period"`
	BatchSize int           `mapstructure:"batch_size"`
}

// IngestConfig covers the pull-ingestion worker pool.
type IngestConfig struct {
	Workers            int           `mapstructure:"workers"`
	RateLimitPerSystem float64       `mapstructure:"rate_limit_per_system"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	ClaimLease         time.Duration `mapstructure:"claim_lease"`
}

// AlertingConfig covers webhook alert delivery.
type AlertingConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window"`
	// WebhookURLs is a comma-separated default route.
	WebhookURLs string `mapstructure:"webhook_urls"`
}

// URLs splits the configured webhook list.
func (a AlertingConfig) URLs() []string {
	if a.WebhookURLs == "" {
		return nil
	}
	parts := strings.Split(a.WebhookURLs, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CircuitConfig covers breaker thresholds shared by all dependencies.
type CircuitConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
	OpenDuration     time.Duration `mapstructure:"open_duration"`
}

// S3Config covers the object-store boundary. An empty bucket selects
// the in-memory store (single-node and test mode). Leave the key pair
// empty to use the ambient AWS credential chain.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// RedisConfig covers the distributed claim table. An empty address
// selects the in-memory claim table.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load reads defaults, the optional config file and the environment.
// An empty path falls back to ./config.yaml; a missing file is fine.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.auth_enabled", true)
	v.SetDefault("api.auth_token", "")

	v.SetDefault("metrics.listen", ":9090")

	v.SetDefault("storage.shard_count", 256)
	v.SetDefault("storage.hot_ttl", 7*24*time.Hour)
	v.SetDefault("storage.warm_ttl", 90*24*time.Hour)
	v.SetDefault("storage.embed_dim", 384)

	v.SetDefault("aging.period", time.Hour)
	v.SetDefault("aging.batch_size", 1000)

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.rate_limit_per_system", 10.0)
	v.SetDefault("ingest.poll_interval", 30*time.Second)
	v.SetDefault("ingest.claim_lease", 5*time.Minute)

	v.SetDefault("alerting.dedup_window", 5*time.Minute)
	v.SetDefault("alerting.webhook_urls", "")

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.success_threshold", 2)
	v.SetDefault("circuit.open_duration", 60*time.Second)

	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.force_path_style", false)
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

func bindEnv(v *viper.Viper) {
	pairs := [][2]string{
		{"data_dir", "DATA_DIR"},
		{"api.listen", "API_LISTEN"},
		{"api.auth_enabled", "AUTH_ENABLED"},
		{"api.auth_token", "AUTH_TOKEN"},
		{"metrics.listen", "METRICS_LISTEN"},
		{"storage.shard_count", "SHARD_COUNT"},
		{"storage.hot_ttl", "HOT_TTL"},
		{"storage.warm_ttl", "WARM_TTL"},
		{"storage.embed_dim", "EMBED_DIM"},
		{"aging.period", "AGING_PERIOD"},
		{"aging.batch_size", "AGING_BATCH_SIZE"},
		{"ingest.workers", "WORKERS"},
		{"ingest.rate_limit_per_system", "RATE_LIMIT_PER_SYSTEM"},
		{"ingest.poll_interval", "POLL_INTERVAL"},
		{"ingest.claim_lease", "CLAIM_LEASE"},
		{"alerting.dedup_window", "ALERT_DEDUP_WINDOW"},
		{"alerting.webhook_urls", "ALERT_WEBHOOK_URLS"},
		{"circuit.failure_threshold", "CIRCUIT_FAILURE_THRESHOLD"},
		{"circuit.success_threshold", "CIRCUIT_SUCCESS_THRESHOLD"},
		{"circuit.open_duration", "CIRCUIT_OPEN_DURATION"},
		{"s3.bucket", "S3_BUCKET"},
		{"s3.region", "S3_REGION"},
		{"s3.endpoint", "S3_ENDPOINT"},
		{"s3.force_path_style", "S3_FORCE_PATH_STYLE"},
		{"s3.access_key_id", "S3_ACCESS_KEY_ID"},
		{"s3.secret_access_key", "S3_SECRET_ACCESS_KEY"},
		{"redis.addr", "REDIS_ADDR"},
		{"redis.password", "REDIS_PASSWORD"},
		{"redis.db", "REDIS_DB"},
	}
	for _, p := range pairs {
		// BindEnv only errors on an empty key.
		_ = v.BindEnv(p[0], p[1])
	}
}

// Validate enforces the cross-field constraints. Violations are
// configuration errors; the caller exits with code 1.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.API.AuthEnabled && c.API.AuthToken == "" {
		return fmt.Errorf("AUTH_TOKEN must be set when AUTH_ENABLED is true")
	}
	if c.Storage.ShardCount < 1 || c.Storage.ShardCount > 4096 {
		return fmt.Errorf("shard_count %d out of range [1, 4096]", c.Storage.ShardCount)
	}
	// HotTTL zero is legal: every record ages out of Hot on the next
	// pass. Only a negative value is a misconfiguration.
	if c.Storage.HotTTL < 0 {
		return fmt.Errorf("hot_ttl must not be negative")
	}
	if c.Storage.WarmTTL <= c.Storage.HotTTL {
		return fmt.Errorf("warm_ttl %s must exceed hot_ttl %s", c.Storage.WarmTTL, c.Storage.HotTTL)
	}
	if c.Storage.EmbedDim < 1 {
		return fmt.Errorf("embed_dim must be positive")
	}
	if c.Aging.Period <= 0 {
		return fmt.Errorf("aging period must be positive")
	}
	if c.Aging.BatchSize < 1 {
		return fmt.Errorf("aging batch_size must be at least 1")
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.Ingest.RateLimitPerSystem <= 0 {
		return fmt.Errorf("rate_limit_per_system must be positive")
	}
	if c.Ingest.ClaimLease <= 0 {
		return fmt.Errorf("claim_lease must be positive")
	}
	if c.Alerting.DedupWindow <= 0 {
		return fmt.Errorf("alert dedup_window must be positive")
	}
	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("circuit failure_threshold must be at least 1")
	}
	if c.Circuit.SuccessThreshold < 1 {
		return fmt.Errorf("circuit success_threshold must be at least 1")
	}
	if c.Circuit.OpenDuration <= 0 {
		return fmt.Errorf("circuit open_duration must be positive")
	}
	return nil
}
