// Package notify delivers job and error notifications over SMTP email,
// Slack incoming webhooks and generic HTTP webhooks. Delivery is
// best-effort: channel failures are logged as warnings and never affect the
// operation that triggered the notification.
package notify

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ajitpratap0/magnetar/pkg/errors"
	"github.com/ajitpratap0/magnetar/pkg/metrics"
)

// Config configures the notification gateway. A zero Config disables every
// channel.
type Config struct {
	// JobName is stamped into payloads and the environment snapshot.
	JobName string `yaml:"job_name" json:"job_name"`
	// MinSeverity drops notifications below it: WARNING, ERROR or CRITICAL.
	// Empty sends everything.
	MinSeverity string `yaml:"min_severity" json:"min_severity"`

	Email    EmailConfig     `yaml:"email" json:"email"`
	Slack    SlackConfig     `yaml:"slack" json:"slack"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
	HTTP     HTTPConfig      `yaml:"http" json:"http"`
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	SMTPHost    string   `yaml:"smtp_host" json:"smtp_host"`
	SMTPPort    int      `yaml:"smtp_port" json:"smtp_port"`
	Username    string   `yaml:"smtp_username" json:"smtp_username"`
	Password    string   `yaml:"smtp_password" json:"smtp_password"`
	From        string   `yaml:"from_email" json:"from_email"`
	AdminEmails []string `yaml:"admin_emails" json:"admin_emails"`
}

// SlackConfig configures the Slack incoming-webhook channel.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
	Channel    string `yaml:"channel" json:"channel"`
	Username   string `yaml:"username" json:"username"`
}

// WebhookConfig configures one generic JSON webhook. Authentication is a
// static bearer token or OAuth2 client credentials; set at most one.
type WebhookConfig struct {
	URL         string       `yaml:"url" json:"url"`
	BearerToken string       `yaml:"bearer_token" json:"bearer_token"`
	OAuth       *OAuthConfig `yaml:"oauth" json:"oauth,omitempty"`
}

// OAuthConfig holds OAuth2 client-credentials settings for a webhook.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url" json:"token_url"`
	ClientID     string   `yaml:"client_id" json:"client_id"`
	ClientSecret string   `yaml:"client_secret" json:"client_secret"`
	Scopes       []string `yaml:"scopes" json:"scopes,omitempty"`
}

// HTTPConfig tunes the shared transport used by the HTTP channels.
type HTTPConfig struct {
	DialTimeout           time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	KeepAlive             time.Duration `yaml:"keep_alive" json:"keep_alive"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout" json:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout" json:"response_header_timeout"`
	RequestTimeout        time.Duration `yaml:"request_timeout" json:"request_timeout"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Email.SMTPPort == 0 {
		c.Email.SMTPPort = 587
	}
	if c.Email.From == "" {
		c.Email.From = "etl@localhost"
	}
	if c.Slack.Channel == "" {
		c.Slack.Channel = "#etl-alerts"
	}
	if c.Slack.Username == "" {
		c.Slack.Username = "magnetar"
	}
	if c.HTTP.DialTimeout == 0 {
		c.HTTP.DialTimeout = 5 * time.Second
	}
	if c.HTTP.KeepAlive == 0 {
		c.HTTP.KeepAlive = 30 * time.Second
	}
	if c.HTTP.TLSHandshakeTimeout == 0 {
		c.HTTP.TLSHandshakeTimeout = 5 * time.Second
	}
	if c.HTTP.ResponseHeaderTimeout == 0 {
		c.HTTP.ResponseHeaderTimeout = 10 * time.Second
	}
	if c.HTTP.RequestTimeout == 0 {
		c.HTTP.RequestTimeout = 10 * time.Second
	}
}

// Validate checks the configuration of every enabled channel.
func (c *Config) Validate() error {
	switch c.MinSeverity {
	case "", string(errors.SeverityWarning), string(errors.SeverityError), string(errors.SeverityCritical):
	default:
		return errors.Newf(errors.CategoryConfiguration,
			"min_severity must be one of WARNING, ERROR, CRITICAL; got %q", c.MinSeverity)
	}
	if c.Email.Enabled {
		if c.Email.SMTPHost == "" {
			return errors.NewConfiguration("email notifications require smtp_host")
		}
		if len(c.Email.AdminEmails) == 0 {
			return errors.NewConfiguration("email notifications require at least one admin email")
		}
	}
	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return errors.NewConfiguration("slack notifications require webhook_url")
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return errors.Newf(errors.CategoryConfiguration, "webhook %d has no url", i)
		}
		if w.OAuth != nil {
			if w.BearerToken != "" {
				return errors.Newf(errors.CategoryConfiguration,
					"webhook %d sets both bearer_token and oauth", i)
			}
			if w.OAuth.TokenURL == "" || w.OAuth.ClientID == "" || w.OAuth.ClientSecret == "" {
				return errors.Newf(errors.CategoryConfiguration,
					"webhook %d oauth requires token_url, client_id and client_secret", i)
			}
		}
	}
	return nil
}

// Service is the notification gateway. Safe for concurrent use.
type Service struct {
	cfg     *Config
	logger  *zap.Logger
	client  *http.Client
	targets []webhookTarget
}

type webhookTarget struct {
	cfg    WebhookConfig
	client *http.Client
}

// New creates the gateway. A nil cfg disables every channel.
func New(cfg *Config, logger *zap.Logger) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "notify")),
		client: newHTTPClient(&cfg.HTTP, logger),
	}

	for _, w := range cfg.Webhooks {
		s.targets = append(s.targets, webhookTarget{cfg: w, client: s.webhookClient(w)})
	}
	return s, nil
}

// webhookClient returns the shared client, or an OAuth2-wrapped client that
// fetches client-credentials tokens through the shared transport.
func (s *Service) webhookClient(w WebhookConfig) *http.Client {
	if w.OAuth == nil {
		return s.client
	}
	cc := clientcredentials.Config{
		ClientID:     w.OAuth.ClientID,
		ClientSecret: w.OAuth.ClientSecret,
		TokenURL:     w.OAuth.TokenURL,
		Scopes:       w.OAuth.Scopes,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, s.client)
	client := cc.Client(ctx)
	client.Timeout = s.cfg.HTTP.RequestTimeout
	return client
}

// SendErrorNotification delivers an error to every enabled channel. It
// implements the handler's notifier contract; the returned error is the
// first channel failure, for the caller to log.
func (s *Service) SendErrorNotification(ctx context.Context, subject, message string, details map[string]interface{}) error {
	severity := severityOf(details)
	if s.skip(severityRank(severity)) {
		s.logger.Debug("notification below minimum severity",
			zap.String("subject", subject),
			zap.String("severity", string(severity)))
		return nil
	}

	payload := make(map[string]interface{}, len(details)+1)
	for k, v := range details {
		payload[k] = v
	}
	payload["environment"] = Snapshot(s.cfg.JobName)

	return s.fanout(ctx, event{
		kind:     "error",
		subject:  subject,
		message:  message,
		severity: severity,
		details:  payload,
	})
}

// SendJobSuccess announces a completed job run.
func (s *Service) SendJobSuccess(ctx context.Context, job string, details map[string]interface{}) error {
	if s.skip(0) {
		return nil
	}
	return s.fanout(ctx, event{
		kind:    "job_success",
		subject: "ETL job succeeded: " + job,
		message: "ETL job " + job + " completed successfully",
		details: details,
	})
}

// SendJobFailure announces a failed job run.
func (s *Service) SendJobFailure(ctx context.Context, job, errMsg string, details map[string]interface{}) error {
	if s.skip(severityRank(errors.SeverityError)) {
		return nil
	}

	payload := make(map[string]interface{}, len(details)+2)
	for k, v := range details {
		payload[k] = v
	}
	payload["error_message"] = errMsg
	payload["environment"] = Snapshot(s.cfg.JobName)

	return s.fanout(ctx, event{
		kind:     "job_failure",
		subject:  "ETL job FAILED: " + job,
		message:  "ETL job " + job + " failed: " + errMsg,
		severity: errors.SeverityError,
		details:  payload,
	})
}

// event is one notification on its way out.
type event struct {
	kind     string
	subject  string
	message  string
	severity errors.Severity
	details  map[string]interface{}
}

// fanout pushes the event to every enabled channel, logging failures and
// keeping only the first one for the return value.
func (s *Service) fanout(ctx context.Context, ev event) error {
	var first error

	record := func(channel string, err error) {
		if err == nil {
			metrics.NotificationsSent.WithLabelValues(channel, "success").Inc()
			return
		}
		metrics.NotificationsSent.WithLabelValues(channel, "failure").Inc()
		s.logger.Warn("notification channel failed",
			zap.String("channel", channel),
			zap.String("subject", ev.subject),
			zap.Error(err))
		if first == nil {
			first = err
		}
	}

	if s.cfg.Email.Enabled {
		record("email", s.sendEmail(ctx, ev))
	}
	if s.cfg.Slack.Enabled {
		record("slack", s.sendSlack(ctx, ev))
	}
	for _, target := range s.targets {
		record("webhook", s.sendWebhook(ctx, target, ev))
	}
	return first
}

// skip reports whether a notification of the given severity rank falls below
// the configured minimum.
func (s *Service) skip(rank int) bool {
	return rank < severityRank(errors.Severity(s.cfg.MinSeverity))
}

// severityOf derives the severity from the error category carried in the
// details, defaulting to ERROR.
func severityOf(details map[string]interface{}) errors.Severity {
	if cat, ok := details["error_category"].(string); ok {
		return errors.Category(cat).Severity()
	}
	return errors.SeverityError
}

func severityRank(sev errors.Severity) int {
	switch sev {
	case errors.SeverityWarning:
		return 1
	case errors.SeverityError:
		return 2
	case errors.SeverityCritical:
		return 3
	default:
		return 0
	}
}
