package mirror

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/StricklySoft/stricklysoft-rolesync/pkg/auth"
)

// Defaults for [Config].
const (
	DefaultHost           = "localhost"
	DefaultPort           = 5432
	DefaultDatabase       = "rolesync"
	DefaultUser           = "rolesync"
	DefaultMaxConns int32 = 10
	DefaultMinConns int32 = 1

	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 2 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
)

// SSLMode is a libpq sslmode value.
type SSLMode string

// Supported SSL modes.
const (
	SSLModeDisable    SSLMode = "disable"
	SSLModePrefer     SSLMode = "prefer"
	SSLModeRequire    SSLMode = "require"
	SSLModeVerifyCA   SSLMode = "verify-ca"
	SSLModeVerifyFull SSLMode = "verify-full"
)

// Valid reports whether m is a supported mode.
func (m SSLMode) Valid() bool {
	switch m {
	case SSLModeDisable, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	default:
		return false
	}
}

// Config configures the mirror database connection. When URI is set it
// takes precedence over the individual connection fields.
type Config struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`

	URI      auth.Secret `json:"-" yaml:"uri" env:"URI"`
	Host     string      `json:"host" yaml:"host" env:"HOST" envDefault:"localhost"`
	Port     int         `json:"port" yaml:"port" env:"PORT" envDefault:"5432"`
	Database string      `json:"database" yaml:"database" env:"DATABASE" envDefault:"rolesync"`
	User     string      `json:"user" yaml:"user" env:"USER" envDefault:"rolesync"`
	Password auth.Secret `json:"-" yaml:"password" env:"PASSWORD"`
	SSLMode  SSLMode     `json:"ssl_mode" yaml:"ssl_mode" env:"SSLMODE" envDefault:"prefer"`

	MaxConns       int32         `json:"max_conns" yaml:"max_conns" env:"MAX_CONNS"`
	MinConns       int32         `json:"min_conns" yaml:"min_conns" env:"MIN_CONNS"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`

	// WriteTimeout bounds the best-effort upsert made after each
	// successful role write.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT" envDefault:"2s"`
}

// Validate fills zero values with defaults and checks the result.
func (c *Config) Validate() error {
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = DefaultMinConns
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("mirror: max_conns (%d) must be >= min_conns (%d)", c.MaxConns, c.MinConns)
	}

	if c.URI != "" {
		if _, err := url.Parse(c.URI.Value()); err != nil {
			return errors.New("mirror: uri is not a valid URL")
		}
		return nil
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("mirror: port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Database == "" {
		return errors.New("mirror: database must not be empty")
	}
	if c.User == "" {
		return errors.New("mirror: user must not be empty")
	}
	if c.SSLMode == "" {
		c.SSLMode = SSLModePrefer
	}
	if !c.SSLMode.Valid() {
		return fmt.Errorf("mirror: ssl_mode %q is not valid", c.SSLMode)
	}
	return nil
}

// ConnectionString returns the pgx connection URL. It contains the
// password and must not be logged.
func (c *Config) ConnectionString() string {
	if c.URI != "" {
		return c.URI.Value()
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password.Value()),
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   c.Database,
	}
	q := u.Query()
	q.Set("sslmode", string(c.SSLMode))
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// databaseName returns the database name for span attributes.
func (c *Config) databaseName() string {
	if c.URI != "" {
		if u, err := url.Parse(c.URI.Value()); err == nil && len(u.Path) > 1 {
			return u.Path[1:]
		}
		return ""
	}
	return c.Database
}
