package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	ProxyHeader            string
	TrustedProxies         []string
	DatabaseURL            string
	RedisURL               string
	EventChannel           string
	NATSURL                string
	JWTSecret              string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	UploadMaxSizeMB        int
	AIProvider             string
	AIBaseURL              string
	AIModel                string
	MistralAPIKey          string
	OpenAIAPIKey           string
	GradingScorePolicy     string
	GradingReplyFormat     string
	GradingLockTTL         time.Duration
	GradingShutdownTimeout time.Duration
	GradingRateLimit       int
	AutoGrade              bool
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// ProviderAPIKey returns the credential of the configured language model provider.
func (c Config) ProviderAPIKey() string {
	if c.AIProvider == "openai" {
		return c.OpenAIAPIKey
	}
	return c.MistralAPIKey
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grading API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("redis.channel", "gema")
	v.SetDefault("cloudinary.folder", "gema/submissions")
	v.SetDefault("upload.max_size_mb", 10)
	v.SetDefault("ai.provider", "mistral")
	v.SetDefault("grading.score_policy", "passthrough")
	v.SetDefault("grading.reply_format", "text")
	v.SetDefault("grading.lock_ttl", "10m")
	v.SetDefault("grading.shutdown_timeout", "30s")
	v.SetDefault("grading.rate_limit_per_minute", 30)
	v.SetDefault("grading.auto", true)

	lockTTL, err := time.ParseDuration(v.GetString("grading.lock_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid grading lock ttl: %w", err)
	}
	shutdownTimeout, err := time.ParseDuration(v.GetString("grading.shutdown_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid grading shutdown timeout: %w", err)
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		ProxyHeader:            strings.TrimSpace(v.GetString("http.proxy_header")),
		TrustedProxies:         splitList(v.GetString("http.trusted_proxies")),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		EventChannel:           v.GetString("redis.channel"),
		NATSURL:                v.GetString("nats.url"),
		JWTSecret:              v.GetString("jwt.secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		UploadMaxSizeMB:        v.GetInt("upload.max_size_mb"),
		AIProvider:             normalize(v.GetString("ai.provider")),
		AIBaseURL:              v.GetString("ai.base_url"),
		AIModel:                v.GetString("ai.model"),
		MistralAPIKey:          v.GetString("mistral_api_key"),
		OpenAIAPIKey:           v.GetString("openai_api_key"),
		GradingScorePolicy:     normalize(v.GetString("grading.score_policy")),
		GradingReplyFormat:     normalize(v.GetString("grading.reply_format")),
		GradingLockTTL:         lockTTL,
		GradingShutdownTimeout: shutdownTimeout,
		GradingRateLimit:       v.GetInt("grading.rate_limit_per_minute"),
		AutoGrade:              v.GetBool("grading.auto"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.UploadMaxSizeMB <= 0 {
		cfg.UploadMaxSizeMB = 10
	}

	if cfg.GradingLockTTL <= 0 {
		cfg.GradingLockTTL = 10 * time.Minute
	}

	if cfg.GradingShutdownTimeout <= 0 {
		cfg.GradingShutdownTimeout = 30 * time.Second
	}

	return cfg, nil
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
