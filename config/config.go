package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL        string
	Port               string
	GoEnv              string
	Auth0Domain        string
	Auth0Audience      string
	AWSRegion          string
	AWSS3Bucket        string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	LogLevel           string

	// Live chat
	ChatIdleTimeout    time.Duration
	ReaperCron         string
	ReaperEnabled      bool
	RedisURL           string
	CORSAllowedOrigins []string
	ChatRateLimitRPS   float64
	ChatRateLimitBurst int
	QuickRepliesFile   string
}

var current *Config

// Load loads the configuration from environment variables
// It automatically determines which .env file to load based on GO_ENV
func Load() (*Config, error) {
	// Determine which environment file to load
	env := os.Getenv("GO_ENV")
	if env == "" {
		env = "development"
	}

	// Try to load environment-specific file first
	envFile := fmt.Sprintf(".env.%s", env)
	if err := godotenv.Load(envFile); err != nil {
		// If environment-specific file doesn't exist, try .env
		if err := godotenv.Load(); err != nil {
			// In production, environment variables are set directly
			// so it's okay if .env files don't exist
			log.Printf("No .env file found, using system environment variables")
		}
	} else {
		log.Printf("Loaded configuration from %s", envFile)
	}

	idleTimeout, err := time.ParseDuration(getEnv("CHAT_IDLE_TIMEOUT", "1h"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_IDLE_TIMEOUT is not a valid duration: %w", err)
	}

	rps, err := strconv.ParseFloat(getEnv("CHAT_RATE_LIMIT_RPS", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("CHAT_RATE_LIMIT_RPS is not a number: %w", err)
	}

	burst, err := strconv.Atoi(getEnv("CHAT_RATE_LIMIT_BURST", "20"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_RATE_LIMIT_BURST is not an integer: %w", err)
	}

	config := &Config{
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		Port:               getEnv("PORT", "8080"),
		GoEnv:              getEnv("GO_ENV", "development"),
		Auth0Domain:        getEnv("AUTH0_DOMAIN", ""),
		Auth0Audience:      getEnv("AUTH0_AUDIENCE", ""),
		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		AWSS3Bucket:        getEnv("AWS_S3_BUCKET", ""),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		ChatIdleTimeout:    idleTimeout,
		ReaperCron:         getEnv("REAPER_CRON", "*/5 * * * *"),
		ReaperEnabled:      getEnv("REAPER_ENABLED", "true") != "false",
		RedisURL:           getEnv("REDIS_URL", ""),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		ChatRateLimitRPS:   rps,
		ChatRateLimitBurst: burst,
		QuickRepliesFile:   getEnv("QUICK_REPLIES_FILE", ""),
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	current = config
	return config, nil
}

// Validate checks that all required configuration values are set
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.ChatIdleTimeout <= 0 {
		return fmt.Errorf("CHAT_IDLE_TIMEOUT must be positive")
	}
	if c.ReaperEnabled && !gronx.IsValid(c.ReaperCron) {
		return fmt.Errorf("REAPER_CRON %q is not a valid cron expression", c.ReaperCron)
	}
	if c.ChatRateLimitRPS <= 0 || c.ChatRateLimitBurst <= 0 {
		return fmt.Errorf("chat rate limit must be positive")
	}
	return nil
}

// IsProduction returns true if the application is running in production mode
func (c *Config) IsProduction() bool {
	return c.GoEnv == "production"
}

// IsTest returns true if the application is running in test mode
func (c *Config) IsTest() bool {
	return c.GoEnv == "test"
}

// IsDevelopment returns true if the application is running in development mode
func (c *Config) IsDevelopment() bool {
	return c.GoEnv == "development"
}

// GetDatabaseURL returns the database URL
func (c *Config) GetDatabaseURL() string {
	return c.DatabaseURL
}

// TranscriptsEnabled reports whether closed conversations are archived to S3
func (c *Config) TranscriptsEnabled() bool {
	return c.AWSS3Bucket != ""
}

// GetConfig returns the configuration produced by the last successful Load
func GetConfig() *Config {
	return current
}

// SetConfig replaces the global configuration (primarily for testing)
func SetConfig(cfg *Config) {
	current = cfg
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
