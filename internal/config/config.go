// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Operator credentials
	OperatorKeys map[string]string // operator name -> API key
	AdminSecret  string            // Legacy shared secret, accepted as operator "admin"
	IngestKey    string            // Shared key for the fingerprint write path

	// Identity provider
	IdentityURL          string // Empty uses the in-memory provider
	IdentityAPIKey       string
	IdentityTimeout      time.Duration
	IdentityAllowPrivate bool // Permit loopback/private identity hosts

	// Batch processing
	BatchWorkers int
	MaxBatchSize int

	// Security
	RateLimitRPM int
	CORSOrigins  []string // Empty allows any origin

	// Shutdown
	ShutdownDrain time.Duration // Time to let load balancers stop routing before closing

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64 // Fraction of new traces recorded, 0..1
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultIdentityTimeout = 5 * time.Second
	DefaultBatchWorkers    = 8
	DefaultMaxBatchSize    = 500
	DefaultRateLimit       = 600
	DefaultShutdownDrain   = 5 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	operatorKeys, err := ParseOperatorKeys(os.Getenv("OPERATOR_KEYS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OperatorKeys:    operatorKeys,
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		IngestKey:       os.Getenv("INGEST_KEY"),
		IdentityURL:     strings.TrimRight(os.Getenv("IDENTITY_URL"), "/"),
		IdentityAPIKey:  os.Getenv("IDENTITY_API_KEY"),
		IdentityTimeout: getEnvDuration("IDENTITY_TIMEOUT", DefaultIdentityTimeout),
		BatchWorkers:    int(getEnvInt64("BATCH_WORKERS", DefaultBatchWorkers)),
		MaxBatchSize:    int(getEnvInt64("MAX_BATCH_SIZE", DefaultMaxBatchSize)),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:     getEnvList("CORS_ORIGINS"),
		ShutdownDrain:   getEnvDuration("SHUTDOWN_DRAIN", DefaultShutdownDrain),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	cfg.TraceSampleRatio = getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", 1)
	cfg.IdentityAllowPrivate = getEnvBool("IDENTITY_ALLOW_PRIVATE", !cfg.IsProduction())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.BatchWorkers < 1 {
		return fmt.Errorf("BATCH_WORKERS must be at least 1")
	}
	if c.MaxBatchSize < 1 || c.MaxBatchSize > DefaultMaxBatchSize {
		return fmt.Errorf("MAX_BATCH_SIZE must be between 1 and %d", DefaultMaxBatchSize)
	}
	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.IsProduction() && len(c.OperatorKeys) == 0 && c.AdminSecret == "" {
		return fmt.Errorf("OPERATOR_KEYS or ADMIN_SECRET is required in production")
	}
	if c.IsProduction() && c.IngestKey == "" {
		return fmt.Errorf("INGEST_KEY is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ParseOperatorKeys parses "name:key,name:key" into a name -> key map.
// Empty input yields an empty map.
func ParseOperatorKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	seen := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, key, ok := strings.Cut(pair, ":")
		name, key = strings.TrimSpace(name), strings.TrimSpace(key)
		if !ok || name == "" || key == "" {
			return nil, fmt.Errorf("OPERATOR_KEYS entry %q must be name:key", pair)
		}
		if _, dup := keys[name]; dup {
			return nil, fmt.Errorf("OPERATOR_KEYS lists operator %q twice", name)
		}
		if other, dup := seen[key]; dup {
			return nil, fmt.Errorf("OPERATOR_KEYS reuses a key for %q and %q", other, name)
		}
		keys[name] = key
		seen[key] = name
	}
	return keys, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
