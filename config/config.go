/*
Package config loads server configuration.

SOURCES (later wins):
  1. Built-in defaults (setDefaults)
  2. YAML file: the --config flag, or ./configs/config.yaml if present
  3. Environment: SLICE_<SECTION>_<KEY>, e.g. SLICE_DATABASE_PATH,
     SLICE_LOCK_BACKEND, SLICE_AUTH_JWT_SECRET

The decoded Config is validated and passed explicitly to the components
that need it. There is no package-level instance.
*/
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/slice/allocation-engine/allocation"
	"github.com/spf13/viper"
)

const EnvPrefix = "SLICE"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Slices    SlicesConfig    `mapstructure:"slices"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Lock      LockConfig      `mapstructure:"lock"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	// Path is a SQLite file path or ":memory:".
	Path string `mapstructure:"path" validate:"required"`
}

type SlicesConfig struct {
	PerTargetCap  int `mapstructure:"per_target_cap" validate:"min=1"`
	DefaultBudget int `mapstructure:"default_budget" validate:"min=0"`
}

type ReconcileConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
}

type LockConfig struct {
	Backend string        `mapstructure:"backend" validate:"oneof=memory redis"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gt=0"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`

	// DevBypass disables token verification. Logged at WARN on startup.
	DevBypass bool `mapstructure:"dev_bypass"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.path", "slice.db")

	v.SetDefault("slices.per_target_cap", allocation.DefaultPerTargetCap)
	v.SetDefault("slices.default_budget", allocation.DefaultUserBudget)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.schedule", "@hourly")

	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.ttl", 5*time.Second)
	v.SetDefault("lock.redis.addr", "localhost:6379")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.redis.db", 0)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.dev_bypass", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
}

// Load reads configuration. An empty path falls back to ./configs/config.yaml
// and tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field bounds and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Lock.Backend == "redis" && c.Lock.Redis.Addr == "" {
		return errors.New("invalid config: lock.redis.addr is required when lock.backend is redis")
	}
	if !c.Auth.DevBypass && c.Auth.JWTSecret == "" {
		return errors.New("invalid config: auth.jwt_secret is required unless auth.dev_bypass is set")
	}
	return nil
}

// SlogLevel maps Log.Level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
