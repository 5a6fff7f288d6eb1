package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/carehub/pkg/observability"
)

// ConfigFileEnv names the optional YAML file loaded before environment overrides
const ConfigFileEnv = "CAREHUB_CONFIG_FILE"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Cache         CacheConfig         `yaml:"cache"`
	Session       SessionConfig       `yaml:"session"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Menu          MenuConfig          `yaml:"menu"`
	Audit         AuditConfig         `yaml:"audit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	// Health/metrics server (separate port for k8s health checks)
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL         string        `yaml:"url"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	// Migrate applies pending schema migrations at startup
	Migrate bool `yaml:"migrate"`
}

// RedisConfig holds the optional Redis settings. An empty URL disables Redis.
type RedisConfig struct {
	URL        string `yaml:"url"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	MaxRetries int    `yaml:"max_retries"`
	PoolSize   int    `yaml:"pool_size"`
}

// CacheConfig sizes the accessible-set cache
type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// SessionConfig holds context session settings
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// AuthConfig selects how logins are verified. OIDC is used when an issuer is set,
// otherwise the principal is read from a header set by a trusted gateway.
type AuthConfig struct {
	PrincipalHeader string     `yaml:"principal_header"`
	OIDC            OIDCConfig `yaml:"oidc"`
}

// OIDCConfig holds OpenID Connect provider settings
type OIDCConfig struct {
	IssuerURL     string   `yaml:"issuer_url"`
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	RedirectURL   string   `yaml:"redirect_url"`
	Scopes        []string `yaml:"scopes"`
	UsernameClaim string   `yaml:"username_claim"`
}

// Enabled reports whether OIDC login is configured
func (c OIDCConfig) Enabled() bool {
	return c.IssuerURL != ""
}

// RateLimitConfig limits login and context-switch attempts per client
type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LoginRequests  int           `yaml:"login_requests"`
	SwitchRequests int           `yaml:"switch_requests"`
	Window         time.Duration `yaml:"window"`
	Burst          int           `yaml:"burst"`
}

// MenuConfig holds menu projection settings
type MenuConfig struct {
	// CatalogPath is a YAML menu catalog loaded at startup when set
	CatalogPath string `yaml:"catalog_path"`
	// DevMode shows dev-only nodes to system administrators
	DevMode bool `yaml:"dev_mode"`
	// WatchCatalog reloads CatalogPath whenever the file changes
	WatchCatalog bool `yaml:"watch_catalog"`
}

// AuditConfig holds compliance log settings
type AuditConfig struct {
	// MirrorPath enables a rotated NDJSON mirror of every compliance entry
	MirrorPath        string        `yaml:"mirror_path"`
	Retention         time.Duration `yaml:"retention"`
	RetentionSchedule string        `yaml:"retention_schedule"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"`
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// OTel converts the settings for observability.InitOTel
func (c ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.OTelEnabled,
		Endpoint:       c.OTelEndpoint,
		ServiceName:    c.OTelServiceName,
		ServiceVersion: c.OTelServiceVersion,
		Insecure:       c.OTelInsecure,
		SampleRatio:    c.OTelSampleRatio,
	}
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			HealthPort:      "9090",
		},
		Database: DatabaseConfig{
			MaxConns:    25,
			MinConns:    5,
			Timeout:     10 * time.Second,
			MaxLifetime: 30 * time.Minute,
			MaxIdleTime: 5 * time.Minute,
			Migrate:     true,
		},
		Cache: CacheConfig{
			Size: 10000,
			TTL:  time.Minute,
		},
		Session: SessionConfig{
			TTL: 8 * time.Hour,
		},
		Auth: AuthConfig{
			PrincipalHeader: "X-Authenticated-Principal",
			OIDC: OIDCConfig{
				Scopes:        []string{"openid", "profile"},
				UsernameClaim: "preferred_username",
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			LoginRequests:  10,
			SwitchRequests: 30,
			Window:         time.Minute,
			Burst:          5,
		},
		Audit: AuditConfig{
			Retention:         7 * 365 * 24 * time.Hour,
			RetentionSchedule: "0 3 * * *",
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			LogFormat:          observability.FormatJSON,
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "carehub",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file named by
// CAREHUB_CONFIG_FILE and CAREHUB_* environment variables, in that order.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("CAREHUB_HOST", s.Host)
	s.Port = getEnv("CAREHUB_PORT", s.Port)
	s.HealthPort = getEnv("CAREHUB_HEALTH_PORT", s.HealthPort)
	s.ReadTimeout = getEnvDuration("CAREHUB_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("CAREHUB_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("CAREHUB_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("CAREHUB_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = getEnvInt64("CAREHUB_MAX_BODY_BYTES", s.MaxBodyBytes)

	d := &c.Database
	d.URL = getEnv("CAREHUB_POSTGRES_URL", d.URL)
	d.MaxConns = getEnvInt("CAREHUB_POSTGRES_MAX_CONNS", d.MaxConns)
	d.MinConns = getEnvInt("CAREHUB_POSTGRES_MIN_CONNS", d.MinConns)
	d.Timeout = getEnvDuration("CAREHUB_POSTGRES_TIMEOUT", d.Timeout)
	d.Migrate = getEnvBool("CAREHUB_POSTGRES_MIGRATE", d.Migrate)

	r := &c.Redis
	r.URL = getEnv("CAREHUB_REDIS_URL", r.URL)
	r.Password = getEnv("CAREHUB_REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("CAREHUB_REDIS_DB", r.DB)
	r.MaxRetries = getEnvInt("CAREHUB_REDIS_MAX_RETRIES", r.MaxRetries)
	r.PoolSize = getEnvInt("CAREHUB_REDIS_POOL_SIZE", r.PoolSize)

	c.Cache.Size = getEnvInt("CAREHUB_CACHE_SIZE", c.Cache.Size)
	c.Cache.TTL = getEnvDuration("CAREHUB_CACHE_TTL", c.Cache.TTL)

	c.Session.TTL = getEnvDuration("CAREHUB_SESSION_TTL", c.Session.TTL)

	a := &c.Auth
	a.PrincipalHeader = getEnv("CAREHUB_PRINCIPAL_HEADER", a.PrincipalHeader)
	a.OIDC.IssuerURL = getEnv("CAREHUB_OIDC_ISSUER_URL", a.OIDC.IssuerURL)
	a.OIDC.ClientID = getEnv("CAREHUB_OIDC_CLIENT_ID", a.OIDC.ClientID)
	a.OIDC.ClientSecret = getEnv("CAREHUB_OIDC_CLIENT_SECRET", a.OIDC.ClientSecret)
	a.OIDC.RedirectURL = getEnv("CAREHUB_OIDC_REDIRECT_URL", a.OIDC.RedirectURL)
	a.OIDC.UsernameClaim = getEnv("CAREHUB_OIDC_USERNAME_CLAIM", a.OIDC.UsernameClaim)
	a.OIDC.Scopes = getEnvList("CAREHUB_OIDC_SCOPES", a.OIDC.Scopes)

	rl := &c.RateLimit
	rl.Enabled = getEnvBool("CAREHUB_RATE_LIMIT_ENABLED", rl.Enabled)
	rl.LoginRequests = getEnvInt("CAREHUB_RATE_LIMIT_LOGIN", rl.LoginRequests)
	rl.SwitchRequests = getEnvInt("CAREHUB_RATE_LIMIT_SWITCH", rl.SwitchRequests)
	rl.Window = getEnvDuration("CAREHUB_RATE_LIMIT_WINDOW", rl.Window)
	rl.Burst = getEnvInt("CAREHUB_RATE_LIMIT_BURST", rl.Burst)

	c.Menu.CatalogPath = getEnv("CAREHUB_MENU_CATALOG", c.Menu.CatalogPath)
	c.Menu.DevMode = getEnvBool("CAREHUB_DEV_MODE", c.Menu.DevMode)
	c.Menu.WatchCatalog = getEnvBool("CAREHUB_MENU_WATCH", c.Menu.WatchCatalog)

	c.Audit.MirrorPath = getEnv("CAREHUB_AUDIT_MIRROR_PATH", c.Audit.MirrorPath)
	c.Audit.Retention = getEnvDuration("CAREHUB_AUDIT_RETENTION", c.Audit.Retention)
	c.Audit.RetentionSchedule = getEnv("CAREHUB_AUDIT_RETENTION_SCHEDULE", c.Audit.RetentionSchedule)

	o := &c.Observability
	o.LogLevel = getEnv("CAREHUB_LOG_LEVEL", o.LogLevel)
	o.LogFormat = getEnv("CAREHUB_LOG_FORMAT", o.LogFormat)
	o.MetricsEnabled = getEnvBool("CAREHUB_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("CAREHUB_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("CAREHUB_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("CAREHUB_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("CAREHUB_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("CAREHUB_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("CAREHUB_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("postgres min conns (%d) exceeds max conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}

	if c.Auth.OIDC.Enabled() {
		if c.Auth.OIDC.ClientID == "" {
			return fmt.Errorf("OIDC client id is required when an issuer is set")
		}
		if (c.Auth.OIDC.ClientSecret == "") != (c.Auth.OIDC.RedirectURL == "") {
			return fmt.Errorf("OIDC client secret and redirect URL must be set together")
		}
	} else if c.Auth.PrincipalHeader == "" {
		return fmt.Errorf("principal header is required when OIDC is disabled")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.LoginRequests <= 0 || c.RateLimit.SwitchRequests <= 0 {
			return fmt.Errorf("rate limits must be positive when rate limiting is enabled")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}

	if c.Audit.Retention <= 0 {
		return fmt.Errorf("audit retention must be positive")
	}

	if _, err := observability.NewLogger(c.Observability.LogLevel, c.Observability.LogFormat, nil); err != nil {
		return err
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
