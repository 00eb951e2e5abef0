package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type App struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
	Port    string `mapstructure:"port"`
}

type DB struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

type Store struct {
	Driver string `mapstructure:"driver"`
}

type Auth struct {
	SigningSecret    string        `mapstructure:"signing_secret"`
	Issuer           string        `mapstructure:"issuer"`
	Audience         string        `mapstructure:"audience"`
	AccessTTL        time.Duration `mapstructure:"access_ttl"`
	RefreshTTL       time.Duration `mapstructure:"refresh_ttl"`
	LockoutThreshold int           `mapstructure:"lockout_threshold"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`
}

type Admin struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// HTTP.TrustProxy makes X-Forwarded-For authoritative for client addresses.
// Enable it only behind a proxy that appends the header.
type HTTP struct {
	TrustProxy bool `mapstructure:"trust_proxy"`
}

type Login struct {
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

type Cleanup struct {
	CronSecret       string        `mapstructure:"cron_secret"`
	RefreshRetention time.Duration `mapstructure:"refresh_retention"`
	BatchSize        int           `mapstructure:"batch_size"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type Sentry struct {
	DSN string `mapstructure:"dsn"`
}

type Config struct {
	App           App     `mapstructure:"app"`
	DB            DB      `mapstructure:"db"`
	Store         Store   `mapstructure:"store"`
	HTTP          HTTP    `mapstructure:"http"`
	Auth          Auth    `mapstructure:"auth"`
	Admin         Admin   `mapstructure:"admin"`
	Login         Login   `mapstructure:"login"`
	Cleanup       Cleanup `mapstructure:"cleanup"`
	Log           Log     `mapstructure:"log"`
	Sentry        Sentry  `mapstructure:"sentry"`
	RunMigrations bool    `mapstructure:"run_migrations"`
}

type Options struct {
	LoadDotEnv bool
	// File is an optional YAML file; environment variables override it.
	File string
}

// Load reads configuration from the environment. Keys map to variables by
// upper-casing and replacing dots with underscores: auth.access_ttl is AUTH_ACCESS_TTL.
func Load(opts Options) (*Config, error) {
	if opts.LoadDotEnv {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "patient-records-auth")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.version", "")
	v.SetDefault("app.port", "8080")

	v.SetDefault("db.url", "")
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "10m")

	v.SetDefault("store.driver", StoreDriverPostgres)

	v.SetDefault("auth.signing_secret", "")
	v.SetDefault("auth.issuer", "patient-records")
	v.SetDefault("auth.audience", "patient-records-api")
	v.SetDefault("auth.access_ttl", "15m")
	v.SetDefault("auth.refresh_ttl", "168h")
	v.SetDefault("auth.lockout_threshold", 5)
	v.SetDefault("auth.lockout_duration", "15m")

	v.SetDefault("http.trust_proxy", false)

	v.SetDefault("admin.email", "")
	v.SetDefault("admin.password", "")

	v.SetDefault("login.rate_limit_max", 10)
	v.SetDefault("login.rate_limit_window", "60s")

	v.SetDefault("cleanup.cron_secret", "")
	v.SetDefault("cleanup.refresh_retention", "336h")
	v.SetDefault("cleanup.batch_size", 500)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("sentry.dsn", "")

	v.SetDefault("run_migrations", false)
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return errors.New("missing required env: AUTH_SIGNING_SECRET")
	}

	switch c.Store.Driver {
	case StoreDriverPostgres:
		if strings.TrimSpace(c.DB.URL) == "" {
			return errors.New("missing required env: DB_URL")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return errors.New("token ttls must be positive")
	}
	if c.Auth.AccessTTL >= c.Auth.RefreshTTL {
		return errors.New("access token ttl must be shorter than refresh token ttl")
	}
	if c.Auth.LockoutThreshold <= 0 || c.Auth.LockoutDuration <= 0 {
		return errors.New("lockout threshold and duration must be positive")
	}

	return nil
}
