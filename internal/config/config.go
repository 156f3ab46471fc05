package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server       ServerConfig
	Redis        RedisConfig
	JWT          JWTConfig
	RateLimit    RateLimitConfig
	Store        StoreConfig
	Prediction   PredictionConfig
	Orchestrator OrchestratorConfig
	Variants     VariantsConfig
	R2           R2Config
}

type ServerConfig struct {
	Port     string `validate:"required"`
	Env      string `validate:"oneof=development staging production test"`
	LogLevel string `validate:"oneof=debug info warn error"`
}

type RedisConfig struct {
	Addr     string `validate:"required,hostname_port"`
	Password string
	DB       int `validate:"min=0"`
}

type JWTConfig struct {
	Secret     string `validate:"required"`
	Expiration int    // hours
}

type RateLimitConfig struct {
	RunPerMin     int `validate:"min=0"`
	EnqueuePerMin int `validate:"min=0"`
}

type StoreConfig struct {
	DataDir string `validate:"required"`
	Lock    bool
}

type PredictionConfig struct {
	BaseURL      string `validate:"required,url"`
	Token        string
	CornerModel  string
	FormModel    string
	VariantModel string
	Timeout      time.Duration `validate:"gt=0"`
}

type OrchestratorConfig struct {
	MaxUnits      int           `validate:"min=1"`
	StaleAfter    time.Duration `validate:"gt=0"`
	MaxAttempts   int           `validate:"min=0"`
	OffsetPercent float64       `validate:"min=0,max=10"`
	RunTimeout    time.Duration `validate:"gt=0"`
	Schedule      string
	// PublicBaseURL, when set, is used to hand source images to the
	// prediction API by URL instead of inline data URIs.
	PublicBaseURL string `validate:"omitempty,url"`
}

type VariantsConfig struct {
	CatalogPath string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("PREDICTION_API_TOKEN")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("ratelimit.run_per_min", "RATELIMIT_RUN_PER_MIN")
	_ = v.BindEnv("ratelimit.enqueue_per_min", "RATELIMIT_ENQUEUE_PER_MIN")
	_ = v.BindEnv("store.data_dir", "DATA_DIR")
	_ = v.BindEnv("store.lock", "STORE_LOCK")
	_ = v.BindEnv("prediction.base_url", "PREDICTION_BASE_URL")
	_ = v.BindEnv("prediction.token", "PREDICTION_API_TOKEN")
	_ = v.BindEnv("prediction.corner_model", "PREDICTION_CORNER_MODEL")
	_ = v.BindEnv("prediction.form_model", "PREDICTION_FORM_MODEL")
	_ = v.BindEnv("prediction.variant_model", "PREDICTION_VARIANT_MODEL")
	_ = v.BindEnv("prediction.timeout", "PREDICTION_TIMEOUT")
	_ = v.BindEnv("orchestrator.max_units", "MAX_UNITS_PER_RUN")
	_ = v.BindEnv("orchestrator.stale_after", "STALE_AFTER")
	_ = v.BindEnv("orchestrator.max_attempts", "MAX_ATTEMPTS")
	_ = v.BindEnv("orchestrator.offset_percent", "CORNER_OFFSET_PERCENT")
	_ = v.BindEnv("orchestrator.run_timeout", "RUN_TIMEOUT")
	_ = v.BindEnv("orchestrator.schedule", "RUN_SCHEDULE")
	_ = v.BindEnv("orchestrator.public_base_url", "PUBLIC_BASE_URL")
	_ = v.BindEnv("variants.catalog_path", "VARIANT_CATALOG")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("ratelimit.run_per_min", 6)
	v.SetDefault("ratelimit.enqueue_per_min", 60)
	v.SetDefault("store.data_dir", "./data/items")
	v.SetDefault("store.lock", true)

	// Prediction API defaults
	v.SetDefault("prediction.base_url", "https://api.replicate.com/v1")
	v.SetDefault("prediction.timeout", 30*time.Second)

	// Orchestrator defaults
	v.SetDefault("orchestrator.max_units", 10)
	v.SetDefault("orchestrator.stale_after", 10*time.Minute)
	v.SetDefault("orchestrator.max_attempts", 5)
	v.SetDefault("orchestrator.offset_percent", 1.0)
	v.SetDefault("orchestrator.run_timeout", 5*time.Minute)
	v.SetDefault("orchestrator.schedule", "")

	v.SetDefault("variants.catalog_path", "./config/variants.yaml")

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			RunPerMin:     v.GetInt("ratelimit.run_per_min"),
			EnqueuePerMin: v.GetInt("ratelimit.enqueue_per_min"),
		},
		Store: StoreConfig{
			DataDir: v.GetString("store.data_dir"),
			Lock:    v.GetBool("store.lock"),
		},
		Prediction: PredictionConfig{
			BaseURL:      v.GetString("prediction.base_url"),
			Token:        v.GetString("prediction.token"),
			CornerModel:  v.GetString("prediction.corner_model"),
			FormModel:    v.GetString("prediction.form_model"),
			VariantModel: v.GetString("prediction.variant_model"),
			Timeout:      v.GetDuration("prediction.timeout"),
		},
		Orchestrator: OrchestratorConfig{
			MaxUnits:      v.GetInt("orchestrator.max_units"),
			StaleAfter:    v.GetDuration("orchestrator.stale_after"),
			MaxAttempts:   v.GetInt("orchestrator.max_attempts"),
			OffsetPercent: v.GetFloat64("orchestrator.offset_percent"),
			RunTimeout:    v.GetDuration("orchestrator.run_timeout"),
			Schedule:      v.GetString("orchestrator.schedule"),
			PublicBaseURL: v.GetString("orchestrator.public_base_url"),
		},
		Variants: VariantsConfig{
			CatalogPath: v.GetString("variants.catalog_path"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// R2Enabled reports whether the artifact mirror is configured.
func (c R2Config) R2Enabled() bool {
	return c.AccountID != "" && c.AccessKeyID != "" && c.SecretAccessKey != "" && c.BucketName != ""
}
