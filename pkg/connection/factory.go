package connection

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/magnetar/pkg/errors"
	"github.com/ajitpratap0/magnetar/pkg/metrics"
	"github.com/ajitpratap0/magnetar/pkg/secrets"
)

// Factory builds single sessions from configurations. It is stateless per
// call: credential resolution, driver lookup, and session-parameter
// application all happen inside NewSession. The factory never retries; retry
// sits with the caller or the probe.
type Factory struct {
	resolver secrets.Resolver
	logger   *zap.Logger
}

// NewFactory creates a session factory. resolver may be nil when no
// configuration carries encrypted credentials.
func NewFactory(resolver secrets.Resolver, logger *zap.Logger) *Factory {
	return &Factory{
		resolver: resolver,
		logger:   logger.With(zap.String("component", "session_factory")),
	}
}

// NewSession validates cfg, resolves credentials, and opens a session via the
// configured driver. Validation and credential failures are
// CONFIGURATION-category errors; anything that goes wrong while dialing is
// wrapped as a CONNECTION-category error carrying the underlying message.
func (f *Factory) NewSession(ctx context.Context, cfg *Config) (Session, error) {
	cfg = cfg.Clone()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.PasswordEncrypted {
		if f.resolver == nil {
			return nil, errors.NewConfiguration("password is encrypted but no credential resolver is configured")
		}
		plaintext, err := f.resolver.Decrypt(cfg.Password)
		if err != nil {
			return nil, err
		}
		cfg.Password = plaintext
		cfg.PasswordEncrypted = false
	}

	driver, err := LookupDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}

	timer := metrics.NewTimer("connection_build")
	session, err := driver.Open(ctx, cfg)
	metrics.ConnectionBuildLatency.WithLabelValues(cfg.Driver).Observe(timer.Stop().Seconds())

	if err != nil {
		return nil, errors.Wrapf(err, errors.CategoryConnection,
			"failed to establish %s session", cfg.Driver).
			WithContext("host", cfg.Host).
			WithContext("database", cfg.DatabaseName())
	}

	f.logger.Debug("session established",
		zap.String("driver", cfg.Driver),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.DatabaseName()))

	return session, nil
}
