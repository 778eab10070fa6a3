// Package config loads job configuration from YAML. Values support
// ${VAR} and ${VAR:default} environment substitution, and an optional
// environments section overlays per-environment overrides onto the base
// document before decoding.
package config

import (
	"os"
	"sort"
	"strings"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/magnetar/pkg/connection"
	"github.com/ajitpratap0/magnetar/pkg/errors"
	"github.com/ajitpratap0/magnetar/pkg/extract"
	"github.com/ajitpratap0/magnetar/pkg/handler"
	"github.com/ajitpratap0/magnetar/pkg/logger"
	"github.com/ajitpratap0/magnetar/pkg/notify"
	"github.com/ajitpratap0/magnetar/pkg/observability"
)

const (
	// EnvVar selects the active environment overlay.
	EnvVar = "MAGNETAR_ENV"
	// DefaultEnvironment applies when EnvVar is unset.
	DefaultEnvironment = "development"
)

// JobConfig is the root configuration of one ETL job.
type JobConfig struct {
	Name string `yaml:"name" json:"name"`
	// Environment is resolved by the loader, never from the file.
	Environment   string                        `yaml:"-" json:"environment"`
	Connections   map[string]*connection.Config `yaml:"connections" json:"connections"`
	ErrorHandling handler.Config                `yaml:"error_handling" json:"error_handling"`
	Notifications notify.Config                 `yaml:"notifications" json:"notifications"`
	Logging       logger.Config                 `yaml:"logging" json:"logging"`
	Extraction    extract.Config                `yaml:"extraction" json:"extraction"`
	// Observability configures tracing; its Environment always follows the
	// loader's environment.
	Observability observability.Config `yaml:"observability" json:"observability"`
}

// Environment reports the active environment name.
func Environment() string {
	if env := os.Getenv(EnvVar); env != "" {
		return env
	}
	return DefaultEnvironment
}

// Load reads path and builds the configuration for the environment named by
// MAGNETAR_ENV.
func Load(path string) (*JobConfig, error) {
	return LoadForEnv(path, Environment())
}

// LoadForEnv reads path and builds the configuration for env.
func LoadForEnv(path, env string) (*JobConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is operator supplied
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "failed to read configuration file").
			WithContext("path", path)
	}
	cfg, err := LoadBytes(data, env)
	if err != nil {
		return nil, errors.Normalize(err).WithContext("path", path)
	}
	return cfg, nil
}

// LoadBytes builds a configuration from raw YAML. An empty env falls back to
// MAGNETAR_ENV.
func LoadBytes(data []byte, env string) (*JobConfig, error) {
	if env == "" {
		env = Environment()
	}

	content := substituteEnvVars(string(data))

	var raw map[string]interface{}
	if err := yaml.Unmarshal([]byte(content), &raw); err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "failed to parse configuration YAML")
	}
	raw = applyEnvironment(raw, env)

	merged, err := yaml.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "failed to assemble configuration")
	}

	// Decoding over a pre-populated struct keeps defaults for absent keys,
	// which matters for booleans like error_handling.log_stack_trace.
	cfg := &JobConfig{
		ErrorHandling: *handler.DefaultConfig(),
		Logging:       logger.DefaultConfig(),
		Observability: observability.DefaultConfig(),
	}
	if err := yaml.Unmarshal(merged, cfg); err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "failed to decode configuration")
	}

	cfg.Environment = env
	cfg.Observability.Environment = env
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields across every section. The notification
// job name inherits the job name when absent.
func (c *JobConfig) ApplyDefaults() {
	c.ErrorHandling.ApplyDefaults()
	c.Notifications.ApplyDefaults()
	if c.Notifications.JobName == "" {
		c.Notifications.JobName = c.Name
	}
	for _, cc := range c.Connections {
		if cc != nil {
			cc.ApplyDefaults()
		}
	}
	if c.extractionConfigured() {
		c.Extraction.ApplyDefaults()
	}
}

// Validate checks the whole configuration. All violations are
// CONFIGURATION-category errors carrying the offending section in context.
func (c *JobConfig) Validate() error {
	if c.Name == "" {
		return errors.NewConfiguration("job name is required")
	}

	names := make([]string, 0, len(c.Connections))
	for name := range c.Connections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cc := c.Connections[name]
		if cc == nil {
			return errors.Newf(errors.CategoryConfiguration, "connection %q has no settings", name)
		}
		if cc.Driver == "" {
			return errors.NewConfiguration("connection driver is required").
				WithContext("connection", name)
		}
		if _, err := connection.LookupDriver(cc.Driver); err != nil {
			return errors.Normalize(err).WithContext("connection", name)
		}
		if err := cc.Validate(); err != nil {
			return errors.Normalize(err).WithContext("connection", name)
		}
	}

	if err := c.Notifications.Validate(); err != nil {
		return err
	}

	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return errors.Wrap(err, errors.CategoryConfiguration, "invalid log level")
		}
	}

	if c.extractionConfigured() {
		if err := c.Extraction.Validate(); err != nil {
			return err
		}
		if _, ok := c.Connections[c.Extraction.Connection]; !ok {
			return errors.Newf(errors.CategoryConfiguration,
				"extraction references unknown connection %q", c.Extraction.Connection)
		}
	}

	return nil
}

// Connection returns the named connection settings.
func (c *JobConfig) Connection(name string) (*connection.Config, error) {
	cc, ok := c.Connections[name]
	if !ok {
		return nil, errors.Newf(errors.CategoryConfiguration, "unknown connection %q", name)
	}
	return cc, nil
}

// Redacted returns a deep copy safe for logging, with every credential
// masked.
func (c *JobConfig) Redacted() *JobConfig {
	out := *c

	out.Connections = make(map[string]*connection.Config, len(c.Connections))
	for name, cc := range c.Connections {
		if cc != nil {
			out.Connections[name] = cc.Redacted()
		}
	}

	if out.Notifications.Email.Password != "" {
		out.Notifications.Email.Password = "****"
	}
	if len(c.Notifications.Webhooks) > 0 {
		hooks := make([]notify.WebhookConfig, len(c.Notifications.Webhooks))
		copy(hooks, c.Notifications.Webhooks)
		for i := range hooks {
			if hooks[i].BearerToken != "" {
				hooks[i].BearerToken = "****"
			}
			if hooks[i].OAuth != nil {
				oauth := *hooks[i].OAuth
				if oauth.ClientSecret != "" {
					oauth.ClientSecret = "****"
				}
				hooks[i].OAuth = &oauth
			}
		}
		out.Notifications.Webhooks = hooks
	}

	return &out
}

func (c *JobConfig) extractionConfigured() bool {
	return c.Extraction.Connection != "" || len(c.Extraction.Tables) > 0
}

// applyEnvironment overlays the selected environment onto the base document
// and strips the environments section. Missing or malformed sections are
// ignored.
func applyEnvironment(raw map[string]interface{}, env string) map[string]interface{} {
	section, ok := raw["environments"]
	if !ok {
		return raw
	}
	delete(raw, "environments")

	envs, ok := section.(map[string]interface{})
	if !ok {
		return raw
	}
	overlay, ok := envs[env].(map[string]interface{})
	if !ok {
		return raw
	}
	return mergeMaps(raw, overlay)
}

// mergeMaps deep-merges override into base. Mappings merge key by key;
// anything else in override replaces the base value.
func mergeMaps(base, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bm, ok := out[k].(map[string]interface{}); ok {
			if om, ok := v.(map[string]interface{}); ok {
				out[k] = mergeMaps(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// substituteEnvVars replaces ${VAR} and ${VAR:default} with environment
// variable values before the YAML is parsed, so unquoted substitutions keep
// their scalar type. An unset variable without a default becomes the empty
// string; required fields catch that during validation.
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		name, fallback, hasFallback := strings.Cut(content[start+2:end], ":")
		value, ok := os.LookupEnv(name)
		if !ok && hasFallback {
			value = fallback
		}

		b.WriteString(content[:start])
		b.WriteString(value)
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
