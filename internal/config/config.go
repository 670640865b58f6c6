package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
// It is the single source of truth for runtime parameters.
type Config struct {
	Port string
	// HealthPort serves the internal health endpoint, kept off the proxy
	// port so tenant paths are never shadowed.
	HealthPort string
	Env        string

	DB          DatabaseConfig
	Redis       RedisConfig
	Proxy       ProxyConfig
	Facilitator FacilitatorConfig
	Telemetry   TelemetryConfig
}

// DatabaseConfig contains PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// RedisConfig contains Redis connection parameters.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ProxyConfig contains routing and forwarding parameters for the proxy core.
type ProxyConfig struct {
	// RootDomain is the platform apex under which tenant subdomains live,
	// e.g. "tollgate.io" for "acme-weather.tollgate.io".
	RootDomain string
	// GatewayCacheTTL bounds staleness of the host -> gateway cache.
	GatewayCacheTTL time.Duration
	// NegativeCacheTTL bounds how long unknown hosts are remembered.
	// Zero disables negative caching.
	NegativeCacheTTL time.Duration
	// OriginTimeout bounds the full origin round trip.
	OriginTimeout time.Duration
	// ReflectOrigin enables CORS origin reflection with credentials when the
	// origin response carries no CORS headers of its own.
	ReflectOrigin bool
	// DeniedOriginHosts are additional hosts never forwarded to, on top of
	// the built-in loopback/private ranges.
	DeniedOriginHosts []string
}

// FacilitatorConfig contains connection parameters for the x402 facilitator.
type FacilitatorConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// TelemetryConfig contains buffering parameters for request telemetry.
type TelemetryConfig struct {
	QueueSize     int
	InsertTimeout time.Duration
}

// Load reads configuration from environment variables. If a .env file exists
// in the working directory, it will be loaded first. It returns a populated
// Config or an error with a human-friendly message.
func Load() (*Config, error) {
	// Load .env if present; ignore error if file is missing so that production
	// environments relying solely on real environment variables keep working.
	_ = godotenv.Load()

	cfg := &Config{}

	// Server
	cfg.Port = getEnv("PORT", "8080")
	cfg.HealthPort = getEnv("HEALTH_PORT", "8081")
	cfg.Env = getEnv("ENV", "development")

	// Database
	cfg.DB = DatabaseConfig{
		Host:     getEnv("DB_HOST", ""),
		Port:     getEnv("DB_PORT", "5432"),
		User:     getEnv("DB_USER", ""),
		Password: getEnv("DB_PASSWORD", ""),
		Name:     getEnv("DB_NAME", ""),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}

	// Redis
	cfg.Redis = RedisConfig{
		Host:     getEnv("REDIS_HOST", "redis"),
		Port:     getEnv("REDIS_PORT", "6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvInt("REDIS_DB", 0),
	}

	// Proxy
	cfg.Proxy = ProxyConfig{
		RootDomain:    getEnv("ROOT_DOMAIN", "tollgate.io"),
		ReflectOrigin: getEnv("PROXY_REFLECT_ORIGIN", "false") == "true",
	}
	if hosts := getEnv("PROXY_DENIED_HOSTS", ""); hosts != "" {
		for _, h := range strings.Split(hosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				cfg.Proxy.DeniedOriginHosts = append(cfg.Proxy.DeniedOriginHosts, strings.ToLower(h))
			}
		}
	}

	// Facilitator
	cfg.Facilitator = FacilitatorConfig{
		BaseURL: getEnv("FACILITATOR_URL", "https://x402.org/facilitator"),
		APIKey:  getEnv("FACILITATOR_API_KEY", ""),
	}

	// Telemetry
	cfg.Telemetry = TelemetryConfig{
		QueueSize: getEnvInt("TELEMETRY_QUEUE_SIZE", 1024),
	}

	// Durations
	var err error
	if cfg.Proxy.GatewayCacheTTL, err = parseDurationEnv("GATEWAY_CACHE_TTL", "5m"); err != nil {
		return nil, fmt.Errorf("invalid GATEWAY_CACHE_TTL: %w", err)
	}
	if cfg.Proxy.NegativeCacheTTL, err = parseDurationEnv("NEGATIVE_CACHE_TTL", "30s"); err != nil {
		return nil, fmt.Errorf("invalid NEGATIVE_CACHE_TTL: %w", err)
	}
	if cfg.Proxy.OriginTimeout, err = parseDurationEnv("ORIGIN_TIMEOUT", "30s"); err != nil {
		return nil, fmt.Errorf("invalid ORIGIN_TIMEOUT: %w", err)
	}
	if cfg.Facilitator.Timeout, err = parseDurationEnv("FACILITATOR_TIMEOUT", "15s"); err != nil {
		return nil, fmt.Errorf("invalid FACILITATOR_TIMEOUT: %w", err)
	}
	if cfg.Telemetry.InsertTimeout, err = parseDurationEnv("TELEMETRY_INSERT_TIMEOUT", "5s"); err != nil {
		return nil, fmt.Errorf("invalid TELEMETRY_INSERT_TIMEOUT: %w", err)
	}

	// Basic validation for DB parameters — keeps messages concise and helpful.
	if cfg.DB.Host == "" || cfg.DB.User == "" || cfg.DB.Name == "" {
		return nil, errors.New("database configuration incomplete: ensure DB_HOST, DB_USER, and DB_NAME are set")
	}

	if cfg.Telemetry.QueueSize <= 0 {
		return nil, errors.New("TELEMETRY_QUEUE_SIZE must be positive")
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default if empty.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnvInt returns the value of an environment variable as an integer or a default if empty/invalid.
func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// parseDurationEnv reads an environment variable and parses it as time.Duration.
// If the variable is empty, it falls back to the provided default value.
func parseDurationEnv(key, def string) (time.Duration, error) {
	raw := getEnv(key, def)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must be >= 0")
	}
	return d, nil
}
