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
	AllowOrigins           string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	RealtimeChannel        string
	JWTSecret              string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	DefinitionCacheTTL     time.Duration
	CountdownInterval      time.Duration
	SubmitRateLimit        int
	SubmitRateWindow       time.Duration
	UploadMaxSizeMB        int
	ShutdownTimeout        time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// CloudinaryEnabled reports whether file answers can be stored.
func (c Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Assessment API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("cors.allow_origins", "*")
	v.SetDefault("realtime.channel", "gema:assessments")
	v.SetDefault("cloudinary.folder", "gema/assessments")
	v.SetDefault("definition.cache_ttl", "5m")
	v.SetDefault("countdown.interval", "1s")
	v.SetDefault("submit.rate_limit", 10)
	v.SetDefault("submit.rate_window", "1m")
	v.SetDefault("upload.max_size_mb", 10)
	v.SetDefault("shutdown.timeout", "10s")

	durations := map[string]time.Duration{}
	for _, key := range []string{"definition.cache_ttl", "countdown.interval", "submit.rate_window", "shutdown.timeout"} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		AllowOrigins:           v.GetString("cors.allow_origins"),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		RealtimeChannel:        v.GetString("realtime.channel"),
		JWTSecret:              v.GetString("jwt.secret"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		DefinitionCacheTTL:     durations["definition.cache_ttl"],
		CountdownInterval:      durations["countdown.interval"],
		SubmitRateLimit:        v.GetInt("submit.rate_limit"),
		SubmitRateWindow:       durations["submit.rate_window"],
		UploadMaxSizeMB:        v.GetInt("upload.max_size_mb"),
		ShutdownTimeout:        durations["shutdown.timeout"],
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}

	if cfg.CountdownInterval <= 0 {
		cfg.CountdownInterval = time.Second
	}

	if cfg.SubmitRateLimit <= 0 {
		cfg.SubmitRateLimit = 10
	}

	if cfg.UploadMaxSizeMB <= 0 {
		cfg.UploadMaxSizeMB = 10
	}

	return cfg, nil
}
