package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig      `json:"server" yaml:"server"`
	Database  DatabaseConfig    `json:"database" yaml:"database"`
	Security  SecurityConfig    `json:"security" yaml:"security"`
	RateLimit RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	Tracing   TracingConfig     `json:"tracing" yaml:"tracing"`
	Redis     RedisConfig       `json:"redis" yaml:"redis"`
	Ingest    IngestConfig      `json:"ingest" yaml:"ingest"`
	Probe     ProbeConfig       `json:"probe" yaml:"probe"`
	Banding   map[string]string `json:"banding" yaml:"banding"`
	Log       LogConfig         `json:"log" yaml:"log"`
	Features  map[string]bool   `json:"features" yaml:"features"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port      string `json:"port" yaml:"port"`
	Host      string `json:"host" yaml:"host"`
	EnableTLS bool   `json:"enable_tls" yaml:"enable_tls"`
	CertFile  string `json:"cert_file" yaml:"cert_file"`
	KeyFile   string `json:"key_file" yaml:"key_file"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver string `json:"driver" yaml:"driver"`
	// Path is the sqlite file.
	Path string `json:"path" yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `json:"dsn" yaml:"dsn"`
}

// ConnString returns the driver-specific data source.
func (d DatabaseConfig) ConnString() string {
	if d.Driver == "postgres" {
		return d.DSN
	}
	return d.Path
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// CronSecret authorizes the cron endpoints. Empty rejects every call.
	CronSecret string `json:"cron_secret" yaml:"cron_secret"`
	// Max request body size in bytes (default: 1MB)
	MaxRequestBodySize int64 `json:"max_request_body_size" yaml:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins" yaml:"allowed_origins"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Rate    int  `json:"rate" yaml:"rate"`
	Window  int  `json:"window" yaml:"window"` // in seconds
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	ServiceName    string `json:"service_name" yaml:"service_name"`
	Environment    string `json:"environment" yaml:"environment"`
	JaegerEndpoint string `json:"jaeger_endpoint" yaml:"jaeger_endpoint"`
}

// RedisConfig configures the run-summary cache. An empty Addr selects the
// in-process cache.
type RedisConfig struct {
	Addr       string `json:"addr" yaml:"addr"`
	Password   string `json:"password" yaml:"password"`
	DB         int    `json:"db" yaml:"db"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// IngestConfig configures the source adapters.
type IngestConfig struct {
	Sources         []SourceConfig `json:"sources" yaml:"sources"`
	DefaultApproved bool           `json:"default_approved" yaml:"default_approved"`
	UserAgent       string         `json:"user_agent" yaml:"user_agent"`
	TimeoutSeconds  int            `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries      int            `json:"max_retries" yaml:"max_retries"`
}

// SourceConfig describes one affiliate network feed.
type SourceConfig struct {
	Name         string `json:"name" yaml:"name"`
	Kind         string `json:"kind" yaml:"kind"` // json | rss
	URL          string `json:"url" yaml:"url"`
	APIKey       string `json:"api_key" yaml:"api_key"`
	APIKeyHeader string `json:"api_key_header" yaml:"api_key_header"`
}

// ProbeConfig tunes the dead-link probe.
type ProbeConfig struct {
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
	UserAgent   string `json:"user_agent" yaml:"user_agent"`
}

// LogConfig selects the logger mode ("dev" or "prod").
type LogConfig struct {
	Mode string `json:"mode" yaml:"mode"`
}

// LoadConfig loads configuration from .env, environment variables and an
// optional YAML or JSON file. Environment variables take precedence over
// file values.
func LoadConfig(configFile string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:      getEnv("SERVER_PORT", "8080"),
			Host:      getEnv("SERVER_HOST", ""),
			EnableTLS: getEnvBool("SERVER_ENABLE_TLS", false),
			CertFile:  getEnv("SERVER_CERT_FILE", ""),
			KeyFile:   getEnv("SERVER_KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Driver: getEnv("DATABASE_DRIVER", "sqlite3"),
			Path:   getEnv("DATABASE_PATH", "./offer_catalog.db"),
			DSN:    getEnv("DATABASE_URL", ""),
		},
		Security: SecurityConfig{
			CronSecret:         getEnv("CRON_SECRET", ""),
			MaxRequestBodySize: getEnvInt64("MAX_REQUEST_BODY_SIZE", 1<<20),
			AllowedOrigins:     getEnv("ALLOWED_ORIGINS", "*"),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("RATE_LIMIT_ENABLED", true),
			Rate:    getEnvInt("RATE_LIMIT_RATE", 60),
			Window:  getEnvInt("RATE_LIMIT_WINDOW", 60),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			ServiceName:    getEnv("TRACING_SERVICE_NAME", "offer-catalog-engine"),
			Environment:    getEnv("TRACING_ENVIRONMENT", "development"),
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
		},
		Redis: RedisConfig{
			Addr:       getEnv("REDIS_ADDR", ""),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvInt("REDIS_DB", 0),
			TTLSeconds: getEnvInt("RUN_SUMMARY_TTL_SECONDS", 7*24*3600),
		},
		Ingest: IngestConfig{
			Sources:         parseSources(getEnv("INGEST_SOURCES", "")),
			DefaultApproved: getEnvBool("INGEST_DEFAULT_APPROVED", true),
			UserAgent:       getEnv("INGEST_USER_AGENT", "offer-catalog-engine/1.0"),
			TimeoutSeconds:  getEnvInt("INGEST_TIMEOUT_SECONDS", 30),
			MaxRetries:      getEnvInt("INGEST_MAX_RETRIES", 3),
		},
		Probe: ProbeConfig{
			Concurrency: getEnvInt("PROBE_CONCURRENCY", 8),
			UserAgent:   getEnv("PROBE_USER_AGENT", "offer-catalog-engine-linkcheck/1.0"),
		},
		Log: LogConfig{
			Mode: getEnv("LOG_MODE", "dev"),
		},
	}

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	overrideFromEnv(cfg)
	applySourceKeys(cfg)

	return cfg, nil
}

// loadFromFile overlays a YAML (.yaml, .yml) or JSON file onto cfg.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if enableTLS := os.Getenv("SERVER_ENABLE_TLS"); enableTLS != "" {
		cfg.Server.EnableTLS = parseBool(enableTLS)
	}
	if certFile := os.Getenv("SERVER_CERT_FILE"); certFile != "" {
		cfg.Server.CertFile = certFile
	}
	if keyFile := os.Getenv("SERVER_KEY_FILE"); keyFile != "" {
		cfg.Server.KeyFile = keyFile
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if secret := os.Getenv("CRON_SECRET"); secret != "" {
		cfg.Security.CronSecret = secret
	}
	if maxBodySize := os.Getenv("MAX_REQUEST_BODY_SIZE"); maxBodySize != "" {
		if size, err := strconv.ParseInt(maxBodySize, 10, 64); err == nil {
			cfg.Security.MaxRequestBodySize = size
		}
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Security.AllowedOrigins = origins
	}
	if enabled := os.Getenv("RATE_LIMIT_ENABLED"); enabled != "" {
		cfg.RateLimit.Enabled = parseBool(enabled)
	}
	if rate := os.Getenv("RATE_LIMIT_RATE"); rate != "" {
		if r, err := strconv.Atoi(rate); err == nil {
			cfg.RateLimit.Rate = r
		}
	}
	if window := os.Getenv("RATE_LIMIT_WINDOW"); window != "" {
		if w, err := strconv.Atoi(window); err == nil {
			cfg.RateLimit.Window = w
		}
	}
	if enabled := os.Getenv("TRACING_ENABLED"); enabled != "" {
		cfg.Tracing.Enabled = parseBool(enabled)
	}
	if endpoint := os.Getenv("JAEGER_ENDPOINT"); endpoint != "" {
		cfg.Tracing.JaegerEndpoint = endpoint
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if sources := os.Getenv("INGEST_SOURCES"); sources != "" {
		cfg.Ingest.Sources = parseSources(sources)
	}
	if approved := os.Getenv("INGEST_DEFAULT_APPROVED"); approved != "" {
		cfg.Ingest.DefaultApproved = parseBool(approved)
	}
	if concurrency := os.Getenv("PROBE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			cfg.Probe.Concurrency = c
		}
	}
	if mode := os.Getenv("LOG_MODE"); mode != "" {
		cfg.Log.Mode = mode
	}
	for _, name := range []string{"ingest_enabled", "link_probe_enabled", "run_summary_cache"} {
		if v := os.Getenv("FEATURE_" + strings.ToUpper(name)); v != "" {
			if cfg.Features == nil {
				cfg.Features = make(map[string]bool)
			}
			cfg.Features[name] = parseBool(v)
		}
	}
}

// parseSources reads "name|kind|url" entries separated by commas.
func parseSources(raw string) []SourceConfig {
	var sources []SourceConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 3)
		if len(parts) != 3 {
			continue
		}
		sources = append(sources, SourceConfig{
			Name: strings.ToLower(strings.TrimSpace(parts[0])),
			Kind: strings.ToLower(strings.TrimSpace(parts[1])),
			URL:  strings.TrimSpace(parts[2]),
		})
	}
	return sources
}

// applySourceKeys fills API keys from INGEST_<NAME>_API_KEY so secrets stay
// out of config files.
func applySourceKeys(cfg *Config) {
	for i := range cfg.Ingest.Sources {
		s := &cfg.Ingest.Sources[i]
		if key := os.Getenv("INGEST_" + strings.ToUpper(s.Name) + "_API_KEY"); key != "" {
			s.APIKey = key
		}
	}
}

// getEnv gets an environment variable or returns the default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseBool(value string) bool {
	return strings.ToLower(value) == "true" || value == "1"
}

// getEnvBool gets a boolean environment variable or returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return parseBool(value)
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvInt64 gets an int64 environment variable or returns the default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	if c.Probe.Concurrency <= 0 {
		return fmt.Errorf("probe concurrency must be positive")
	}
	for i, s := range c.Ingest.Sources {
		if s.Name == "" || s.URL == "" {
			return fmt.Errorf("ingest source %d: name and url are required", i)
		}
		if s.Kind != "json" && s.Kind != "rss" {
			return fmt.Errorf("ingest source %s: unsupported kind %q", s.Name, s.Kind)
		}
	}
	return nil
}
