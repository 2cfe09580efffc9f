// Package config loads ledger service configuration from the environment,
// an optional .env file and an optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Logging       LoggingConfig       `yaml:"logging"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Rotation      RotationConfig      `yaml:"rotation"`
	Reset         ResetConfig         `yaml:"reset"`
}

type ServerConfig struct {
	Host         string        `env:"SERVER_HOST,default=0.0.0.0" yaml:"host"`
	Port         int           `env:"SERVER_PORT,default=8080" yaml:"port"`
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT,default=30s" yaml:"read_timeout"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT,default=30s" yaml:"write_timeout"`
	CORSOrigins  string        `env:"SERVER_CORS_ORIGINS,default=*" yaml:"cors_origins"`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AllowedOrigins splits the comma separated CORS origin list.
func (s ServerConfig) AllowedOrigins() []string {
	var out []string
	for _, part := range strings.Split(s.CORSOrigins, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// DatabaseConfig selects the account store. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	Driver          string `env:"DB_DRIVER,default=postgres" yaml:"driver"`
	DSN             string `env:"DATABASE_URL" yaml:"dsn"`
	MaxOpenConns    int    `env:"DB_MAX_OPEN_CONNS,default=20" yaml:"max_open_conns"`
	MaxIdleConns    int    `env:"DB_MAX_IDLE_CONNS,default=5" yaml:"max_idle_conns"`
	ConnMaxLifetime int    `env:"DB_CONN_MAX_LIFETIME,default=300" yaml:"conn_max_lifetime"`
	AutoMigrate     bool   `env:"DB_AUTO_MIGRATE,default=true" yaml:"auto_migrate"`
}

// RedisConfig enables the fleet-wide scheduler lock when Addr is set.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" yaml:"addr"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"REDIS_DB,default=0" yaml:"db"`
}

type LoggingConfig struct {
	Level      string `env:"LOG_LEVEL,default=info" yaml:"level"`
	Format     string `env:"LOG_FORMAT,default=text" yaml:"format"`
	Output     string `env:"LOG_OUTPUT,default=stdout" yaml:"output"`
	FilePrefix string `env:"LOG_FILE_PREFIX" yaml:"file_prefix"`
}

// AuthConfig guards administrative routes with HS256 bearer tokens. An empty
// secret leaves them open.
type AuthConfig struct {
	JWTSecret string `env:"AUTH_JWT_SECRET" yaml:"jwt_secret"`
	AdminRole string `env:"AUTH_ADMIN_ROLE,default=admin" yaml:"admin_role"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `env:"RATE_LIMIT_RPS,default=20" yaml:"requests_per_second"`
	Burst             int `env:"RATE_LIMIT_BURST,default=40" yaml:"burst"`
}

// AuthorizationConfig holds the decision engine thresholds.
type AuthorizationConfig struct {
	DailyLimit      int    `env:"AUTHZ_DAILY_LIMIT,default=5" yaml:"daily_limit"`
	RiskThreshold   int    `env:"AUTHZ_RISK_THRESHOLD,default=80" yaml:"risk_threshold"`
	MaxAbortsPerDay int    `env:"AUTHZ_MAX_ABORTS_PER_DAY,default=2" yaml:"max_aborts_per_day"`
	RiskPolicy      string `env:"AUTHZ_RISK_POLICY,default=guarded" yaml:"risk_policy"`
}

type RotationConfig struct {
	Enabled          bool          `env:"ROTATION_ENABLED,default=true" yaml:"enabled"`
	Schedule         string        `env:"ROTATION_SCHEDULE,default=@every 3m" yaml:"schedule"`
	LockTTL          time.Duration `env:"ROTATION_LOCK_TTL,default=0s" yaml:"lock_ttl"`
	Timeout          time.Duration `env:"ROTATION_TIMEOUT,default=30s" yaml:"timeout"`
	SeedInstitutions bool          `env:"ROTATION_SEED_INSTITUTIONS,default=true" yaml:"seed_institutions"`
}

type ResetConfig struct {
	Enabled  bool          `env:"RESET_ENABLED,default=true" yaml:"enabled"`
	Schedule string        `env:"RESET_SCHEDULE,default=@every 1h" yaml:"schedule"`
	Window   time.Duration `env:"RESET_WINDOW,default=24h" yaml:"window"`
	OnList   bool          `env:"RESET_ON_LIST,default=true" yaml:"on_list"`
	LockTTL  time.Duration `env:"RESET_LOCK_TTL,default=1m" yaml:"lock_ttl"`
}

// Load reads .env (if present), decodes the environment, then applies the
// YAML file named by CONFIG_FILE on top.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyFile overlays values from a YAML file. Keys absent from the file keep
// their current value.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// Validate checks thresholds and schedules.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	a := c.Authorization
	if a.DailyLimit < 0 {
		return fmt.Errorf("authorization daily_limit must be >= 0")
	}
	if a.RiskThreshold < 0 || a.RiskThreshold > 100 {
		return fmt.Errorf("authorization risk_threshold must be within 0..100")
	}
	if a.MaxAbortsPerDay < 0 {
		return fmt.Errorf("authorization max_aborts_per_day must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(a.RiskPolicy)) {
	case "guarded", "unguarded":
	default:
		return fmt.Errorf("authorization risk_policy %q must be guarded or unguarded", a.RiskPolicy)
	}
	if c.Rotation.Enabled {
		if _, err := cron.ParseStandard(c.Rotation.Schedule); err != nil {
			return fmt.Errorf("rotation schedule: %w", err)
		}
	}
	if c.Reset.Enabled {
		if _, err := cron.ParseStandard(c.Reset.Schedule); err != nil {
			return fmt.Errorf("reset schedule: %w", err)
		}
	}
	if c.Reset.Window <= 0 {
		return fmt.Errorf("reset window must be positive")
	}
	return nil
}
