package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	CORS        CORSConfig
	Log         LogConfig
	Tracing     TracingConfig
	Ingest      IngestConfig
	Aggregation AggregationConfig
	Retention   RetentionConfig
	Anonymizer  AnonymizerConfig
	Stream      StreamConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// TracingConfig toggles OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool
	ServiceName  string
	Version      string
	Endpoint     string
	Headers      map[string]string
	Insecure     bool
	SampleRatio  float64
	BatchTimeout time.Duration
}

// IngestConfig bounds batch submissions.
type IngestConfig struct {
	MaxBatchEvents     int
	MaxBodyBytes       int64
	MaxFutureSkew      time.Duration
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// AggregationConfig tunes the rollup worker pool and freshness contract.
type AggregationConfig struct {
	Workers         int
	BufferSize      int
	MaxRetries      int
	RetryDelay      time.Duration
	BucketSize      time.Duration
	StaleAfter      time.Duration
	CacheTTL        time.Duration
	RebuildParallel int
}

// RetentionConfig schedules the retention executor.
type RetentionConfig struct {
	Enabled      bool
	Interval     time.Duration
	PolicyFile   string
	LedgerTTL    time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	LockKey      int64
}

// AnonymizerConfig governs salt rotation.
type AnonymizerConfig struct {
	SaltWindow time.Duration
}

// StreamConfig tunes the websocket rollup stream.
type StreamConfig struct {
	Enabled         bool
	WriteDeadline   time.Duration
	ReadDeadline    time.Duration
	PingInterval    time.Duration
	BroadcastBuffer int
}

func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("ENABLE_REDIS"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Issuer:     v.GetString("JWT_ISSUER"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 30*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Tracing = TracingConfig{
		Enabled:      v.GetBool("OTEL_ENABLED"),
		ServiceName:  v.GetString("OTEL_SERVICE_NAME"),
		Version:      v.GetString("SERVICE_VERSION"),
		Endpoint:     v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Headers:      parseHeaders(v.GetString("OTEL_EXPORTER_OTLP_HEADERS")),
		Insecure:     v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
		SampleRatio:  clampRatio(v.GetFloat64("OTEL_SAMPLER_RATIO")),
		BatchTimeout: parseDuration(v.GetString("OTEL_BATCH_TIMEOUT"), 5*time.Second),
	}

	cfg.Ingest = IngestConfig{
		MaxBatchEvents:     v.GetInt("INGEST_MAX_BATCH_EVENTS"),
		MaxBodyBytes:       v.GetInt64("INGEST_MAX_BODY_BYTES"),
		MaxFutureSkew:      parseDuration(v.GetString("INGEST_MAX_FUTURE_SKEW"), 24*time.Hour),
		RateLimitPerSecond: v.GetFloat64("INGEST_RATE_LIMIT_RPS"),
		RateLimitBurst:     v.GetInt("INGEST_RATE_LIMIT_BURST"),
	}

	cfg.Aggregation = AggregationConfig{
		Workers:         v.GetInt("AGGREGATION_WORKERS"),
		BufferSize:      v.GetInt("AGGREGATION_BUFFER_SIZE"),
		MaxRetries:      v.GetInt("AGGREGATION_MAX_RETRIES"),
		RetryDelay:      parseDuration(v.GetString("AGGREGATION_RETRY_DELAY"), 2*time.Second),
		BucketSize:      parseDuration(v.GetString("AGGREGATION_BUCKET_SIZE"), time.Hour),
		StaleAfter:      parseDuration(v.GetString("AGGREGATION_STALE_AFTER"), 15*time.Minute),
		CacheTTL:        parseDuration(v.GetString("ROLLUP_CACHE_TTL"), 5*time.Minute),
		RebuildParallel: v.GetInt("AGGREGATION_REBUILD_PARALLELISM"),
	}

	cfg.Retention = RetentionConfig{
		Enabled:      v.GetBool("ENABLE_RETENTION_SCHEDULER"),
		Interval:     parseDuration(v.GetString("RETENTION_INTERVAL"), 7*24*time.Hour),
		PolicyFile:   v.GetString("RETENTION_POLICY_FILE"),
		LedgerTTL:    parseDuration(v.GetString("INGEST_LEDGER_TTL"), 72*time.Hour),
		MaxRetries:   v.GetInt("RETENTION_MAX_RETRIES"),
		RetryBackoff: parseDuration(v.GetString("RETENTION_RETRY_BACKOFF"), 30*time.Second),
		LockKey:      v.GetInt64("RETENTION_LOCK_KEY"),
	}

	cfg.Anonymizer = AnonymizerConfig{
		SaltWindow: parseDuration(v.GetString("SALT_WINDOW"), 7*24*time.Hour),
	}

	cfg.Stream = StreamConfig{
		Enabled:         v.GetBool("ENABLE_ROLLUP_STREAM"),
		WriteDeadline:   parseDuration(v.GetString("STREAM_WRITE_DEADLINE"), 10*time.Second),
		ReadDeadline:    parseDuration(v.GetString("STREAM_READ_DEADLINE"), 60*time.Second),
		PingInterval:    parseDuration(v.GetString("STREAM_PING_INTERVAL"), 30*time.Second),
		BroadcastBuffer: v.GetInt("STREAM_BROADCAST_BUFFER"),
	}

	return cfg, nil
}

func newViper() (*viper.Viper, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "engagement")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("ENABLE_REDIS", true)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "engagement-pipeline")
	v.SetDefault("JWT_EXPIRATION", "720h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "engagement-ingest")
	v.SetDefault("SERVICE_VERSION", "dev")
	v.SetDefault("OTEL_SAMPLER_RATIO", 0.1)

	v.SetDefault("INGEST_MAX_BATCH_EVENTS", 1000)
	v.SetDefault("INGEST_MAX_BODY_BYTES", 2*1024*1024)
	v.SetDefault("INGEST_MAX_FUTURE_SKEW", "24h")
	v.SetDefault("INGEST_RATE_LIMIT_RPS", 20)
	v.SetDefault("INGEST_RATE_LIMIT_BURST", 40)

	v.SetDefault("AGGREGATION_WORKERS", 4)
	v.SetDefault("AGGREGATION_BUFFER_SIZE", 256)
	v.SetDefault("AGGREGATION_MAX_RETRIES", 3)
	v.SetDefault("AGGREGATION_RETRY_DELAY", "2s")
	v.SetDefault("AGGREGATION_BUCKET_SIZE", "1h")
	v.SetDefault("AGGREGATION_STALE_AFTER", "15m")
	v.SetDefault("ROLLUP_CACHE_TTL", "5m")
	v.SetDefault("AGGREGATION_REBUILD_PARALLELISM", 4)

	v.SetDefault("ENABLE_RETENTION_SCHEDULER", true)
	v.SetDefault("RETENTION_INTERVAL", "168h")
	v.SetDefault("RETENTION_POLICY_FILE", "")
	v.SetDefault("INGEST_LEDGER_TTL", "72h")
	v.SetDefault("RETENTION_MAX_RETRIES", 3)
	v.SetDefault("RETENTION_RETRY_BACKOFF", "30s")
	v.SetDefault("RETENTION_LOCK_KEY", 7320451)

	v.SetDefault("SALT_WINDOW", "168h")

	v.SetDefault("ENABLE_ROLLUP_STREAM", true)
	v.SetDefault("STREAM_BROADCAST_BUFFER", 256)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

func parseHeaders(raw string) map[string]string {
	headers := map[string]string{}
	for _, part := range splitAndTrim(raw) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		if key == "" || val == "" {
			continue
		}
		headers[key] = val
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}

func clampRatio(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
