package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Redis     RedisConfig
	Store     StoreConfig
	JWT       JWTConfig
	Auth      AuthConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	Catalog   CatalogConfig
	Gemini    GeminiConfig
	Pricing   PricingConfig
	Stream    StreamConfig
	Jobs      JobsConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type LogConfig struct {
	Level string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Store drivers
const (
	StoreDriverRedis  = "redis"
	StoreDriverSQLite = "sqlite"
)

type StoreConfig struct {
	Driver       string
	SQLitePath   string
	JobRetention time.Duration
}

type JWTConfig struct {
	Secret string
}

// AuthConfig enables OIDC token verification when Issuer is set. HMAC
// tokens signed with JWT.Secret stay accepted as a fallback.
type AuthConfig struct {
	Issuer   string
	Audience string
}

// Worker modes
const (
	WorkerModeAsynq = "asynq"
	WorkerModeLocal = "local"
)

type WorkerConfig struct {
	Mode        string
	Concurrency int
}

type RateLimitConfig struct {
	JobsPerHour int
}

type CatalogConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
}

type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// PricingConfig holds the per-unit prices used to derive cost from usage.
type PricingConfig struct {
	InputPerMillion  float64
	OutputPerMillion float64
	PerSearchQuery   float64
}

type StreamConfig struct {
	JobPollInterval   time.Duration
	UsagePollInterval time.Duration
}

type JobsConfig struct {
	HistoryLimit int
	FlushEvery   int
}

func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("GEMINI_API_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("gemini.api_key", "GEMINI_API_KEY", "GOOGLE_API_KEY")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("store.driver", StoreDriverRedis)
	viper.SetDefault("store.sqlite_path", "songshake.db")
	viper.SetDefault("store.job_retention", "720h")
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("auth.issuer", "")
	viper.SetDefault("auth.audience", "")
	viper.SetDefault("worker.mode", WorkerModeAsynq)
	viper.SetDefault("worker.concurrency", 10)
	viper.SetDefault("ratelimit.jobs_per_hour", 30)
	viper.SetDefault("catalog.base_url", "http://localhost:8080")
	viper.SetDefault("catalog.timeout", "30s")
	viper.SetDefault("catalog.requests_per_sec", 5.0)
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	viper.SetDefault("gemini.model", "gemini-3-flash-preview")
	viper.SetDefault("gemini.timeout", "120s")
	viper.SetDefault("pricing.input_per_million", 0.50)
	viper.SetDefault("pricing.output_per_million", 3.00)
	viper.SetDefault("pricing.per_search_query", 0.014)
	viper.SetDefault("stream.job_poll_interval", "500ms")
	viper.SetDefault("stream.usage_poll_interval", "1s")
	viper.SetDefault("jobs.history_limit", 20)
	viper.SetDefault("jobs.flush_every", 5)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetString("server.port"),
			Env:  viper.GetString("server.env"),
		},
		Log: LogConfig{
			Level: viper.GetString("log.level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Store: StoreConfig{
			Driver:       viper.GetString("store.driver"),
			SQLitePath:   viper.GetString("store.sqlite_path"),
			JobRetention: viper.GetDuration("store.job_retention"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		Auth: AuthConfig{
			Issuer:   viper.GetString("auth.issuer"),
			Audience: viper.GetString("auth.audience"),
		},
		Worker: WorkerConfig{
			Mode:        viper.GetString("worker.mode"),
			Concurrency: viper.GetInt("worker.concurrency"),
		},
		RateLimit: RateLimitConfig{
			JobsPerHour: viper.GetInt("ratelimit.jobs_per_hour"),
		},
		Catalog: CatalogConfig{
			BaseURL:        viper.GetString("catalog.base_url"),
			Timeout:        viper.GetDuration("catalog.timeout"),
			RequestsPerSec: viper.GetFloat64("catalog.requests_per_sec"),
		},
		Gemini: GeminiConfig{
			APIKey:  viper.GetString("gemini.api_key"),
			BaseURL: viper.GetString("gemini.base_url"),
			Model:   viper.GetString("gemini.model"),
			Timeout: viper.GetDuration("gemini.timeout"),
		},
		Pricing: PricingConfig{
			InputPerMillion:  viper.GetFloat64("pricing.input_per_million"),
			OutputPerMillion: viper.GetFloat64("pricing.output_per_million"),
			PerSearchQuery:   viper.GetFloat64("pricing.per_search_query"),
		},
		Stream: StreamConfig{
			JobPollInterval:   viper.GetDuration("stream.job_poll_interval"),
			UsagePollInterval: viper.GetDuration("stream.usage_poll_interval"),
		},
		Jobs: JobsConfig{
			HistoryLimit: viper.GetInt("jobs.history_limit"),
			FlushEvery:   viper.GetInt("jobs.flush_every"),
		},
	}

	return cfg, nil
}

// DefaultPricing is the price list applied when none is configured.
func DefaultPricing() PricingConfig {
	return PricingConfig{InputPerMillion: 0.50, OutputPerMillion: 3.00, PerSearchQuery: 0.014}
}
