package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/StricklySoft/stricklysoft-rolesync/pkg/auth"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/config"
	sserr "github.com/StricklySoft/stricklysoft-rolesync/pkg/errors"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/mirror"
	"github.com/StricklySoft/stricklysoft-rolesync/pkg/provider"
)

// envPrefix prefixes every environment variable the daemon reads.
const envPrefix = "ROLESYNC"

// Config is the daemon configuration. Every field can be set from
// ROLESYNC_<SECTION>_<FIELD>, e.g. ROLESYNC_AUTH_TRUSTED_ISSUERS.
type Config struct {
	HTTP     HTTPConfig      `json:"http" yaml:"http" env:"HTTP"`
	GRPC     GRPCConfig      `json:"grpc" yaml:"grpc" env:"GRPC"`
	Auth     AuthConfig      `json:"auth" yaml:"auth" env:"AUTH"`
	Provider provider.Config `json:"provider" yaml:"provider" env:"PROVIDER"`
	Mirror   mirror.Config   `json:"mirror" yaml:"mirror" env:"MIRROR"`
	Redis    RedisConfig     `json:"redis" yaml:"redis" env:"REDIS"`
	Log      LogConfig       `json:"log" yaml:"log" env:"LOG"`
}

// HTTPConfig configures the role sync HTTP boundary.
type HTTPConfig struct {
	Addr            string        `json:"addr" yaml:"addr" env:"ADDR" envDefault:":8080"`
	RequestTimeout  time.Duration `json:"request_timeout" yaml:"request_timeout" env:"REQUEST_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// GRPCConfig configures the optional gRPC health listener. An empty Addr
// disables it.
type GRPCConfig struct {
	Addr string `json:"addr" yaml:"addr" env:"ADDR"`
}

// AuthConfig configures token verification and the key set cache.
type AuthConfig struct {
	TrustedIssuers     []string      `json:"trusted_issuers" yaml:"trusted_issuers" env:"TRUSTED_ISSUERS" required:"true"`
	KeySetTTL          time.Duration `json:"key_set_ttl" yaml:"key_set_ttl" env:"KEY_SET_TTL" envDefault:"1h"`
	MinRefreshInterval time.Duration `json:"min_refresh_interval" yaml:"min_refresh_interval" env:"MIN_REFRESH_INTERVAL" envDefault:"30s"`
	FetchTimeout       time.Duration `json:"fetch_timeout" yaml:"fetch_timeout" env:"FETCH_TIMEOUT" envDefault:"10s"`
}

// RedisConfig configures the shared key set store.
type RedisConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled" env:"ENABLED"`
	URL       auth.Secret   `json:"-" yaml:"url" env:"URL" envDefault:"redis://localhost:6379/0"`
	KeySetTTL time.Duration `json:"key_set_ttl" yaml:"key_set_ttl" env:"KEY_SET_TTL" envDefault:"1h"`
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX" envDefault:"rolesync:jwks:"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"LEVEL" envDefault:"info"`
	Format string `json:"format" yaml:"format" env:"FORMAT" envDefault:"json"`
}

// Validate checks cross-field rules.
func (c *Config) Validate() error {
	if err := c.verifierConfig().Validate(); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", c.Log.Format)
	}
	if c.Mirror.Enabled {
		if err := c.Mirror.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) verifierConfig() auth.VerifierConfig {
	return auth.VerifierConfig{TrustedIssuers: c.Auth.TrustedIssuers}
}

// loadConfig reads the configuration file (optional), .env and the
// environment.
func loadConfig(path string) (*Config, error) {
	return loadConfigWithPrefix(envPrefix, path)
}

func loadConfigWithPrefix(prefix, path string) (*Config, error) {
	loader := config.New().WithEnvPrefix(prefix).WithDotEnv(".env")
	if path != "" {
		loader = loader.WithFile(path)
	}
	var cfg Config
	if err := loader.Load(&cfg); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeConfiguration, "rolesyncd: invalid configuration")
	}
	return &cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log level %q is not valid", s)
	}
	return level, nil
}

// newLogger builds the process logger. cfg is assumed valid.
func newLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	level, _ := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
