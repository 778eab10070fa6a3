package testutil

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/magnetar/pkg/connection"
)

// RequireIntegration skips t unless INTEGRATION_TESTS=true is set. Tests
// behind this guard expect live infrastructure.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("INTEGRATION_TESTS") != "true" {
		t.Skip("set INTEGRATION_TESTS=true to run integration tests")
	}
}

// EnvConnectionConfig builds connection settings from PREFIX_DRIVER,
// PREFIX_HOST, PREFIX_PORT, PREFIX_SERVICE, PREFIX_USER and PREFIX_PASSWORD.
// ok is false when driver or host is missing, so callers can skip.
func EnvConnectionConfig(prefix string) (*connection.Config, bool) {
	cfg := &connection.Config{
		Driver:   os.Getenv(prefix + "_DRIVER"),
		Host:     os.Getenv(prefix + "_HOST"),
		Service:  os.Getenv(prefix + "_SERVICE"),
		Username: os.Getenv(prefix + "_USER"),
		Password: os.Getenv(prefix + "_PASSWORD"),
	}
	if port, err := strconv.Atoi(os.Getenv(prefix + "_PORT")); err == nil {
		cfg.Port = port
	}
	if cfg.Driver == "" || cfg.Host == "" {
		return nil, false
	}
	return cfg, true
}

// IntegrationSuite is the base for env-guarded suites. It provides a bounded
// context and a scratch directory shared across the suite's tests.
type IntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	tempDir   string
	startTime time.Time
}

// SetupSuite runs before all tests in the suite.
func (s *IntegrationSuite) SetupSuite() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Minute)
	s.startTime = time.Now()

	tempDir, err := os.MkdirTemp("", "magnetar-test-*")
	require.NoError(s.T(), err)
	s.tempDir = tempDir

	s.T().Logf("integration suite started in %s", s.tempDir)
}

// TearDownSuite runs after all tests in the suite.
func (s *IntegrationSuite) TearDownSuite() {
	// Setup may have been skipped before it ran.
	if s.cancel == nil {
		return
	}
	s.cancel()
	if s.tempDir != "" {
		os.RemoveAll(s.tempDir)
	}
	s.T().Logf("integration suite completed in %v", time.Since(s.startTime))
}

// Context returns the suite context.
func (s *IntegrationSuite) Context() context.Context {
	return s.ctx
}

// TempDir returns the suite's scratch directory.
func (s *IntegrationSuite) TempDir() string {
	return s.tempDir
}

// CreateTempFile writes content under the scratch directory and returns the
// path.
func (s *IntegrationSuite) CreateTempFile(name string, content []byte) string {
	path := filepath.Join(s.tempDir, name)
	require.NoError(s.T(), os.WriteFile(path, content, 0o600))
	return path
}
