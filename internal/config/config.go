package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port    string `mapstructure:"PORT"`
	Env     string `mapstructure:"ENV"`
	BaseURL string `mapstructure:"BASE_URL"`
	JobsDir string `mapstructure:"JOBS_DIR"`

	JWTSecret              string        `mapstructure:"JWT_SECRET"`
	AccessTokenLifetime    time.Duration `mapstructure:"ACCESS_TOKEN_LIFETIME"`
	AccessTokenMaxLifetime time.Duration `mapstructure:"ACCESS_TOKEN_MAX_LIFETIME"`

	RetryAfter           time.Duration `mapstructure:"RETRY_AFTER"`
	JobThrottle          time.Duration `mapstructure:"JOB_THROTTLE"`
	MaxRunningJobs       int           `mapstructure:"MAX_RUNNING_JOBS"`
	CompletedJobLifetime time.Duration `mapstructure:"COMPLETED_JOB_LIFETIME"`
	JobMaxLifetime       time.Duration `mapstructure:"JOB_MAX_LIFETIME"`
	SweepInterval        time.Duration `mapstructure:"SWEEP_INTERVAL"`
	LockTimeout          time.Duration `mapstructure:"LOCK_TIMEOUT"`
	LockRetryDelay       time.Duration `mapstructure:"LOCK_RETRY_DELAY"`

	MaxResourcesPerRequest int    `mapstructure:"MAX_RESOURCES_PER_REQUEST"`
	BodyLimit              string `mapstructure:"BODY_LIMIT"`

	RegistryFile        string `mapstructure:"REGISTRY_FILE"`
	RegistryDatabaseURL string `mapstructure:"REGISTRY_DATABASE_URL"`
	DBMaxConns          int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32  `mapstructure:"DB_MIN_CONNS"`

	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	ProxyTimeout          time.Duration `mapstructure:"PROXY_TIMEOUT"`
	ProxyFailureThreshold int           `mapstructure:"PROXY_FAILURE_THRESHOLD"`
}

var envKeys = []string{
	"PORT", "ENV", "BASE_URL", "JOBS_DIR",
	"JWT_SECRET", "ACCESS_TOKEN_LIFETIME", "ACCESS_TOKEN_MAX_LIFETIME",
	"RETRY_AFTER", "JOB_THROTTLE", "MAX_RUNNING_JOBS", "COMPLETED_JOB_LIFETIME",
	"JOB_MAX_LIFETIME", "SWEEP_INTERVAL", "LOCK_TIMEOUT", "LOCK_RETRY_DELAY",
	"MAX_RESOURCES_PER_REQUEST", "BODY_LIMIT",
	"REGISTRY_FILE", "REGISTRY_DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"PROXY_TIMEOUT", "PROXY_FAILURE_THRESHOLD",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("JOBS_DIR", "./jobs")
	v.SetDefault("ACCESS_TOKEN_LIFETIME", "5m")
	v.SetDefault("ACCESS_TOKEN_MAX_LIFETIME", "60m")
	v.SetDefault("RETRY_AFTER", "1s")
	v.SetDefault("JOB_THROTTLE", "0s")
	v.SetDefault("MAX_RUNNING_JOBS", 10)
	v.SetDefault("COMPLETED_JOB_LIFETIME", "60m")
	v.SetDefault("JOB_MAX_LIFETIME", "24h")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("LOCK_TIMEOUT", "5s")
	v.SetDefault("LOCK_RETRY_DELAY", "25ms")
	v.SetDefault("MAX_RESOURCES_PER_REQUEST", 100)
	v.SetDefault("BODY_LIMIT", "10M")
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("PROXY_TIMEOUT", "30s")
	v.SetDefault("PROXY_FAILURE_THRESHOLD", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.JWTSecret == "" && cfg.IsDev() {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.JWTSecret = secret
	}

	return cfg, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating development secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.JobsDir == "" {
		return fmt.Errorf("JOBS_DIR must not be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}

	positive := []struct {
		key string
		val time.Duration
	}{
		{"ACCESS_TOKEN_LIFETIME", c.AccessTokenLifetime},
		{"ACCESS_TOKEN_MAX_LIFETIME", c.AccessTokenMaxLifetime},
		{"RETRY_AFTER", c.RetryAfter},
		{"COMPLETED_JOB_LIFETIME", c.CompletedJobLifetime},
		{"JOB_MAX_LIFETIME", c.JobMaxLifetime},
		{"SWEEP_INTERVAL", c.SweepInterval},
		{"LOCK_TIMEOUT", c.LockTimeout},
		{"LOCK_RETRY_DELAY", c.LockRetryDelay},
		{"PROXY_TIMEOUT", c.ProxyTimeout},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.key, p.val)
		}
	}
	if c.JobThrottle < 0 {
		return fmt.Errorf("JOB_THROTTLE must not be negative, got %s", c.JobThrottle)
	}
	if c.AccessTokenLifetime > c.AccessTokenMaxLifetime {
		return fmt.Errorf("ACCESS_TOKEN_LIFETIME (%s) exceeds ACCESS_TOKEN_MAX_LIFETIME (%s)",
			c.AccessTokenLifetime, c.AccessTokenMaxLifetime)
	}

	if c.MaxRunningJobs <= 0 {
		return fmt.Errorf("MAX_RUNNING_JOBS must be positive, got %d", c.MaxRunningJobs)
	}
	if c.MaxResourcesPerRequest <= 0 {
		return fmt.Errorf("MAX_RESOURCES_PER_REQUEST must be positive, got %d", c.MaxResourcesPerRequest)
	}
	if c.ProxyFailureThreshold < 0 || c.ProxyFailureThreshold > 100 {
		return fmt.Errorf("PROXY_FAILURE_THRESHOLD must be between 0 and 100, got %d", c.ProxyFailureThreshold)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.RegistryDatabaseURL != "" && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
