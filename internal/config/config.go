// Package config loads engine settings from the environment. Every knob has
// a default; only DATABASE_URL and the upstream API key are genuinely
// deployment-specific.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DatabaseURL   string
	RunMigrations bool

	Port             int
	APIAuthToken     string
	WebhookToken     string
	AllowedOrigins   string
	PublicRatePerMin int
	PublicRateBurst  int

	EngineTickIntervalMS int
	EngineParallelism    int

	UpstreamBaseURL string
	UpstreamAPIKey  string
	RateLimitQPS    float64

	MaxQueryLength     int
	MaxSearchWindows   int
	BatchUsersByIDsMax int
	BatchPostsByIDsMax int

	RetentionHTTPBodyMaxBytes int

	SelfUserID int64
	SelfHandle string
}

func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("RUN_MIGRATIONS", true)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PUBLIC_RATE_PER_MIN", 60)
	v.SetDefault("API_PUBLIC_RATE_BURST", 10)
	v.SetDefault("ENGINE_TICK_INTERVAL_MS", 60_000)
	v.SetDefault("ENGINE_PARALLELISM", 1)
	v.SetDefault("UPSTREAM_BASE_URL", "https://api.twitterapi.io")
	v.SetDefault("RATE_LIMIT_QPS", 1.0)
	v.SetDefault("MAX_QUERY_LENGTH", 512)
	v.SetDefault("MAX_SEARCH_WINDOWS", 10)
	v.SetDefault("BATCH_USERS_BY_IDS_MAX", 100)
	v.SetDefault("BATCH_POSTS_BY_IDS_MAX", 100)
	v.SetDefault("RETENTION_HTTP_BODY_MAX_BYTES", 64*1024)

	cfg := &Config{
		DatabaseURL:   v.GetString("DATABASE_URL"),
		RunMigrations: v.GetBool("RUN_MIGRATIONS"),

		Port:             v.GetInt("PORT"),
		APIAuthToken:     v.GetString("API_AUTH_TOKEN"),
		WebhookToken:     v.GetString("WEBHOOK_TOKEN"),
		AllowedOrigins:   v.GetString("ALLOWED_ORIGINS"),
		PublicRatePerMin: v.GetInt("API_PUBLIC_RATE_PER_MIN"),
		PublicRateBurst:  v.GetInt("API_PUBLIC_RATE_BURST"),

		EngineTickIntervalMS: v.GetInt("ENGINE_TICK_INTERVAL_MS"),
		EngineParallelism:    v.GetInt("ENGINE_PARALLELISM"),

		UpstreamBaseURL: v.GetString("UPSTREAM_BASE_URL"),
		UpstreamAPIKey:  v.GetString("UPSTREAM_API_KEY"),
		RateLimitQPS:    v.GetFloat64("RATE_LIMIT_QPS"),

		MaxQueryLength:     v.GetInt("MAX_QUERY_LENGTH"),
		MaxSearchWindows:   v.GetInt("MAX_SEARCH_WINDOWS"),
		BatchUsersByIDsMax: v.GetInt("BATCH_USERS_BY_IDS_MAX"),
		BatchPostsByIDsMax: v.GetInt("BATCH_POSTS_BY_IDS_MAX"),

		RetentionHTTPBodyMaxBytes: v.GetInt("RETENTION_HTTP_BODY_MAX_BYTES"),

		SelfUserID: v.GetInt64("X_SELF_USER_ID"),
		SelfHandle: v.GetString("X_SELF_HANDLE"),
	}

	if cfg.RateLimitQPS <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_QPS must be positive, got %v", cfg.RateLimitQPS)
	}
	return cfg, nil
}

// TickInterval converts the millisecond knob to a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.EngineTickIntervalMS) * time.Millisecond
}

// RateGateInterval is the minimum spacing between upstream calls implied by
// the QPS budget.
func (c *Config) RateGateInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.RateLimitQPS)
}
