package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Database    DatabaseConfig
	Redis       RedisConfig
	Server      ServerConfig
	Auth        AuthConfig
	Scoring     ScoringConfig
	Leaderboard LeaderboardConfig
	Storage     StorageConfig
	Sweeper     SweeperConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL      string
	Host     string
	Port     int `validate:"min=1,max=65535"`
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis configuration. Disabled Redis means per-process
// rate limit counters and no leaderboard cache.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int `validate:"min=1,max=65535"`
	Username string
	Password string
	DB       int `validate:"min=0"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int `validate:"min=1,max=65535"`
	BodyLimit   int `validate:"min=1024"`
	CORSOrigins string
}

// AuthConfig holds the bearer token secret
type AuthConfig struct {
	JWTSecret string `validate:"required,min=16"`
}

// ScoringConfig sizes the scoring pipeline
type ScoringConfig struct {
	Workers        int           `validate:"min=1"`
	QueueSize      int           `validate:"min=1"`
	Timeout        time.Duration `validate:"gt=0"`
	QueueWait      time.Duration `validate:"gt=0"`
	ResultWait     time.Duration `validate:"gt=0"`
	MaxUploadBytes int64         `validate:"min=1"`
}

// LeaderboardConfig holds ranking options
type LeaderboardConfig struct {
	TieBreak        string `validate:"oneof=earliest_best earliest_first"`
	DefaultTimezone string `validate:"timezone"`
}

// StorageConfig holds the file storage location
type StorageConfig struct {
	Dir string `validate:"required"`
}

// SweeperConfig holds the interrupted-submission sweeper settings
type SweeperConfig struct {
	Interval   time.Duration `validate:"gt=0"`
	StaleAfter time.Duration `validate:"gt=0"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file from the parent directory first, then the current one
	if err := godotenv.Load("../.env"); err != nil {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found, using environment variables")
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "daggle"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Username: getEnv("REDIS_USERNAME", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Server: ServerConfig{
			Port:        getEnvAsInt("BACKEND_PORT", 8000),
			BodyLimit:   getEnvAsInt("BODY_LIMIT_BYTES", 64<<20),
			CORSOrigins: getEnv("CORS_ORIGINS", "*"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Scoring: ScoringConfig{
			Workers:        getEnvAsInt("SCORING_WORKERS", 8),
			QueueSize:      getEnvAsInt("SCORING_QUEUE_SIZE", 256),
			Timeout:        getEnvAsDuration("SCORING_TIMEOUT", 60*time.Second),
			QueueWait:      getEnvAsDuration("SCORING_QUEUE_WAIT", 5*time.Minute),
			ResultWait:     getEnvAsDuration("SCORING_RESULT_WAIT", 30*time.Second),
			MaxUploadBytes: int64(getEnvAsInt("MAX_UPLOAD_BYTES", 50<<20)),
		},
		Leaderboard: LeaderboardConfig{
			TieBreak:        strings.ToLower(getEnv("LEADERBOARD_TIE_BREAK", "earliest_best")),
			DefaultTimezone: getEnv("DEFAULT_TIMEZONE", "UTC"),
		},
		Storage: StorageConfig{
			Dir: getEnv("STORAGE_DIR", "./data"),
		},
		Sweeper: SweeperConfig{
			Interval:   getEnvAsDuration("SWEEPER_INTERVAL", time.Minute),
			StaleAfter: getEnvAsDuration("SWEEPER_STALE_AFTER", 10*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	// A live submission is untouched for at most its queue wait plus its timeout
	if c.Sweeper.StaleAfter <= c.Scoring.QueueWait+c.Scoring.Timeout {
		return fmt.Errorf("invalid configuration: SWEEPER_STALE_AFTER (%v) must exceed SCORING_QUEUE_WAIT + SCORING_TIMEOUT (%v)",
			c.Sweeper.StaleAfter, c.Scoring.QueueWait+c.Scoring.Timeout)
	}
	if c.Scoring.MaxUploadBytes > int64(c.Server.BodyLimit) {
		return fmt.Errorf("invalid configuration: MAX_UPLOAD_BYTES exceeds BODY_LIMIT_BYTES")
	}
	return nil
}

// GetDSN returns the PostgreSQL DSN
func (c *Config) GetDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration retrieves an environment variable as a duration ("30s", "5m")
// or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
