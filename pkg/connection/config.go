package connection

import (
	"time"

	"github.com/ajitpratap0/magnetar/pkg/errors"
)

// Default pool sizing and timeouts applied when the configuration leaves the
// corresponding fields unset.
const (
	DefaultDriver         = "postgres"
	DefaultPoolMin        = 2
	DefaultPoolMax        = 10
	DefaultPoolIncrement  = 1
	DefaultPoolTimeout    = 3600 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

// Config describes one logical data store endpoint: address, credentials,
// session parameters, pool sizing, and timeouts. It is treated as an
// immutable input; the factory and pool work on defensive copies.
//
// Exactly one of Service (primary addressing mode) and SID (legacy addressing
// mode) must be set.
type Config struct {
	Driver string `yaml:"driver" json:"driver"`
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`

	// Service is the primary routing identifier of the data store.
	Service string `yaml:"service" json:"service"`
	// SID is the legacy routing identifier; mutually exclusive with Service.
	SID string `yaml:"sid" json:"sid"`

	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	// PasswordEncrypted marks Password as ciphertext to be resolved through
	// the credential resolver before use.
	PasswordEncrypted bool `yaml:"password_encrypted" json:"password_encrypted"`

	// Params holds session-level parameters applied right after connect,
	// such as time zone and format settings.
	Params map[string]string `yaml:"params" json:"params"`

	PoolMin       int `yaml:"pool_min" json:"pool_min"`
	PoolMax       int `yaml:"pool_max" json:"pool_max"`
	PoolIncrement int `yaml:"pool_increment" json:"pool_increment"`

	// PoolTimeout bounds how long a borrower waits for a free session.
	PoolTimeout time.Duration `yaml:"pool_timeout" json:"pool_timeout"`
	// PoolIdleTimeout enables reaping of idle sessions above PoolMin when
	// positive.
	PoolIdleTimeout time.Duration `yaml:"pool_idle_timeout" json:"pool_idle_timeout"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// RetryAttempts and RetryBackoff parameterize connection probing.
	RetryAttempts int     `yaml:"retry_attempts" json:"retry_attempts"`
	RetryBackoff  float64 `yaml:"retry_backoff" json:"retry_backoff"`
}

// NewConfig returns a configuration pre-filled with defaults.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Params != nil {
		clone.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			clone.Params[k] = v
		}
	}
	return &clone
}

// ApplyDefaults fills unset fields with the package defaults.
func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = DefaultDriver
	}
	if c.PoolMin == 0 {
		c.PoolMin = DefaultPoolMin
	}
	if c.PoolMax == 0 {
		c.PoolMax = DefaultPoolMax
	}
	if c.PoolIncrement == 0 {
		c.PoolIncrement = DefaultPoolIncrement
	}
	if c.PoolTimeout == 0 {
		c.PoolTimeout = DefaultPoolTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 2.0
	}
}

// Validate checks the configuration. All violations are CONFIGURATION-category
// errors; nothing is registered or dialed when validation fails.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.NewConfiguration("connection host is required")
	}
	if c.Username == "" {
		return errors.NewConfiguration("connection username is required")
	}

	switch {
	case c.Service == "" && c.SID == "":
		return errors.NewConfiguration("connection requires exactly one of service or sid; neither is set")
	case c.Service != "" && c.SID != "":
		return errors.NewConfiguration("connection requires exactly one of service or sid; both are set")
	}

	if c.PoolMin < 0 {
		return errors.Newf(errors.CategoryConfiguration, "pool_min must not be negative, got %d", c.PoolMin)
	}
	if c.PoolMax <= 0 {
		return errors.Newf(errors.CategoryConfiguration, "pool_max must be positive, got %d", c.PoolMax)
	}
	if c.PoolMin > c.PoolMax {
		return errors.Newf(errors.CategoryConfiguration, "pool_min %d exceeds pool_max %d", c.PoolMin, c.PoolMax)
	}
	if c.PoolIncrement <= 0 {
		return errors.Newf(errors.CategoryConfiguration, "pool_increment must be positive, got %d", c.PoolIncrement)
	}

	return nil
}

// DatabaseName returns whichever routing identifier is set.
func (c *Config) DatabaseName() string {
	if c.Service != "" {
		return c.Service
	}
	return c.SID
}

// Redacted returns a copy safe for logging, with the password masked.
func (c *Config) Redacted() *Config {
	clone := c.Clone()
	if clone.Password != "" {
		clone.Password = "****"
	}
	return clone
}
