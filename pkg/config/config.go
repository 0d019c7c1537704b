// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/resolvehq/resolve/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	BaseURL         string // externally visible base URL, used for OIDC redirect URIs and SAML ACS/metadata
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds the shared TTL store configuration
type RedisConfig struct {
	URL string
}

// AuthConfig holds identity subsystem configuration
type AuthConfig struct {
	TokenSecret       string
	TokenTTL          time.Duration
	AllowRegistration bool          // local registration; federation providers carry their own flag
	DefaultRole       string        // role assigned to locally registered users
	PendingFlowTTL    time.Duration // OIDC state / SAML request correlation lifetime
	SAMLClockSkew     time.Duration // tolerance applied to NotBefore/NotOnOrAfter
	ProviderTimeout   time.Duration // outbound IdP call budget (token exchange, userinfo)
	LoginRateLimit    int           // per-IP requests per minute on credential endpoints, 0 disables
	MFAIssuer         string        // issuer name shown in authenticator apps
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("RESOLVE_HOST", "0.0.0.0"),
			Port:            getEnv("RESOLVE_PORT", "8080"),
			BaseURL:         getEnv("RESOLVE_BASE_URL", "http://localhost:8080"),
			ReadTimeout:     getEnvDuration("RESOLVE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("RESOLVE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("RESOLVE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("RESOLVE_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("RESOLVE_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:          getEnv("RESOLVE_POSTGRES_URL", ""),
			MaxOpenConns: getEnvInt("RESOLVE_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns: getEnvInt("RESOLVE_POSTGRES_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			URL: getEnv("RESOLVE_REDIS_URL", "redis://localhost:6379"),
		},
		Auth: AuthConfig{
			TokenSecret:       getEnv("RESOLVE_TOKEN_SECRET", ""),
			TokenTTL:          getEnvDuration("RESOLVE_TOKEN_TTL", 12*time.Hour),
			AllowRegistration: getEnvBool("RESOLVE_ALLOW_REGISTRATION", false),
			DefaultRole:       getEnv("RESOLVE_DEFAULT_ROLE", "user"),
			PendingFlowTTL:    getEnvDuration("RESOLVE_PENDING_FLOW_TTL", 5*time.Minute),
			SAMLClockSkew:     getEnvDuration("RESOLVE_SAML_CLOCK_SKEW", 90*time.Second),
			ProviderTimeout:   getEnvDuration("RESOLVE_PROVIDER_TIMEOUT", 10*time.Second),
			LoginRateLimit:    getEnvInt("RESOLVE_LOGIN_RATE_LIMIT", 30),
			MFAIssuer:         getEnv("RESOLVE_MFA_ISSUER", "Resolve"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.ParseLogLevel(getEnv("RESOLVE_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("RESOLVE_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks required settings
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("RESOLVE_POSTGRES_URL is required")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("RESOLVE_TOKEN_SECRET is required")
	}
	if len(c.Auth.TokenSecret) < 32 {
		return fmt.Errorf("RESOLVE_TOKEN_SECRET must be at least 32 bytes")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("RESOLVE_TOKEN_TTL must be positive")
	}
	if c.Auth.PendingFlowTTL <= 0 {
		return fmt.Errorf("RESOLVE_PENDING_FLOW_TTL must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
