package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port                  string   `mapstructure:"PORT"`
	Env                   string   `mapstructure:"ENV"`
	Store                 string   `mapstructure:"STORE"`
	DatabaseURL           string   `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema              string   `mapstructure:"DB_SCHEMA"`
	RedisURL              string   `mapstructure:"REDIS_URL"`
	AuthIssuer            string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL           string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience          string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey        string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins           []string `mapstructure:"CORS_ORIGINS"`
	FormMappingFile       string   `mapstructure:"FORM_MAPPING_FILE"`
	DorisBaseURL          string   `mapstructure:"DORIS_BASE_URL"`
	DorisAPIVersion       string   `mapstructure:"DORIS_API_VERSION"`
	ICDAPIToken           string   `mapstructure:"ICD_API_TOKEN"`
	UILocale              string   `mapstructure:"UI_LOCALE"`
	DorisTimeoutSeconds   int      `mapstructure:"DORIS_TIMEOUT_SECONDS"`
	DorisCacheTTLSeconds  int      `mapstructure:"DORIS_CACHE_TTL_SECONDS"`
	RequestTimeoutSeconds int      `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	ComputeRateLimitRPS   float64  `mapstructure:"COMPUTE_RATE_LIMIT_RPS"`
	ComputeRateLimitBurst int      `mapstructure:"COMPUTE_RATE_LIMIT_BURST"`
	BodyLimit             string   `mapstructure:"BODY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "FORM_MAPPING_FILE", "DORIS_BASE_URL", "DORIS_API_VERSION",
	"ICD_API_TOKEN", "UI_LOCALE", "DORIS_TIMEOUT_SECONDS", "DORIS_CACHE_TTL_SECONDS",
	"REQUEST_TIMEOUT_SECONDS", "COMPUTE_RATE_LIMIT_RPS", "COMPUTE_RATE_LIMIT_BURST", "BODY_LIMIT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DORIS_BASE_URL", "https://id.who.int/icd/release/11/2025-01/doris")
	v.SetDefault("DORIS_API_VERSION", "v2")
	v.SetDefault("UI_LOCALE", "en")
	v.SetDefault("DORIS_TIMEOUT_SECONDS", 15)
	v.SetDefault("DORIS_CACHE_TTL_SECONDS", 600)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	v.SetDefault("COMPUTE_RATE_LIMIT_RPS", 1)
	v.SetDefault("COMPUTE_RATE_LIMIT_BURST", 5)
	v.SetDefault("BODY_LIMIT", "256K")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.AuthMode() == "development" {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AuthMode returns how bearer tokens are checked: "development" (no auth,
// admin for everyone), "jwks" (external issuer keys) or "hmac" (shared
// signing key).
func (c *Config) AuthMode() string {
	switch {
	case c.AuthJWKSURL != "":
		return "jwks"
	case c.AuthSigningKey != "":
		return "hmac"
	case c.IsDev():
		return "development"
	}
	return ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE is %q", StorePostgres)
		}
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE=%s is not allowed in production", StoreMemory)
		}
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}

	if c.AuthMode() == "" {
		return fmt.Errorf(
			"AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.AuthIssuer != "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY is required when AUTH_ISSUER is set")
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}

	if c.DorisBaseURL == "" {
		return fmt.Errorf("DORIS_BASE_URL is required")
	}
	if c.DorisTimeoutSeconds <= 0 {
		return fmt.Errorf("DORIS_TIMEOUT_SECONDS must be positive, got %d", c.DorisTimeoutSeconds)
	}
	if c.DorisCacheTTLSeconds < 0 {
		return fmt.Errorf("DORIS_CACHE_TTL_SECONDS must not be negative, got %d", c.DorisCacheTTLSeconds)
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive, got %d", c.RequestTimeoutSeconds)
	}
	if c.ComputeRateLimitRPS <= 0 || c.ComputeRateLimitBurst <= 0 {
		return fmt.Errorf("COMPUTE_RATE_LIMIT_RPS and COMPUTE_RATE_LIMIT_BURST must be positive")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
