package notify_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/magnetar/pkg/errors"
	"github.com/ajitpratap0/magnetar/pkg/handler"
	"github.com/ajitpratap0/magnetar/pkg/notify"
)

var _ handler.Notifier = (*notify.Service)(nil)

// capture records webhook deliveries for assertions.
type capture struct {
	mu     sync.Mutex
	bodies [][]byte
	auths  []string
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.auths = append(c.auths, r.Header.Get("Authorization"))
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func (c *capture) last(t *testing.T) map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.bodies)
	var payload map[string]interface{}
	require.NoError(t, gojson.Unmarshal(c.bodies[len(c.bodies)-1], &payload))
	return payload
}

func (c *capture) lastAuth() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.auths) == 0 {
		return ""
	}
	return c.auths[len(c.auths)-1]
}

func newService(t *testing.T, cfg *notify.Config) *notify.Service {
	t.Helper()
	s, err := notify.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func connectionDetails() map[string]interface{} {
	return map[string]interface{}{
		"error_category": "CONNECTION",
		"error_code":     "ETL_CONNECTION_ERROR",
		"message":        "listener refused connection",
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &notify.Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, 587, cfg.Email.SMTPPort)
	assert.Equal(t, "#etl-alerts", cfg.Slack.Channel)
	assert.Equal(t, "magnetar", cfg.Slack.Username)
	assert.Equal(t, 10*time.Second, cfg.HTTP.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.HTTP.DialTimeout)
}

func TestValidateRejectsBrokenChannels(t *testing.T) {
	cases := []struct {
		name string
		cfg  notify.Config
		want string
	}{
		{
			name: "bad min severity",
			cfg:  notify.Config{MinSeverity: "LOUD"},
			want: "min_severity",
		},
		{
			name: "email without host",
			cfg:  notify.Config{Email: notify.EmailConfig{Enabled: true, AdminEmails: []string{"ops@x.io"}}},
			want: "smtp_host",
		},
		{
			name: "email without recipients",
			cfg:  notify.Config{Email: notify.EmailConfig{Enabled: true, SMTPHost: "mail.x.io"}},
			want: "admin email",
		},
		{
			name: "slack without url",
			cfg:  notify.Config{Slack: notify.SlackConfig{Enabled: true}},
			want: "webhook_url",
		},
		{
			name: "webhook without url",
			cfg:  notify.Config{Webhooks: []notify.WebhookConfig{{}}},
			want: "no url",
		},
		{
			name: "webhook with two auth modes",
			cfg: notify.Config{Webhooks: []notify.WebhookConfig{{
				URL:         "https://hooks.x.io",
				BearerToken: "sesame",
				OAuth:       &notify.OAuthConfig{TokenURL: "https://x.io/token", ClientID: "id", ClientSecret: "shh"},
			}}},
			want: "both bearer_token and oauth",
		},
		{
			name: "oauth missing credentials",
			cfg: notify.Config{Webhooks: []notify.WebhookConfig{{
				URL:   "https://hooks.x.io",
				OAuth: &notify.OAuthConfig{TokenURL: "https://x.io/token"},
			}}},
			want: "client_id",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := notify.New(&tc.cfg, zaptest.NewLogger(t))
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSlackNotification(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	s := newService(t, &notify.Config{
		Slack: notify.SlackConfig{Enabled: true, WebhookURL: srv.URL},
	})

	err := s.SendErrorNotification(context.Background(), "ETL error: CONNECTION",
		"listener refused connection", connectionDetails())
	require.NoError(t, err)
	require.Equal(t, 1, c.count())

	payload := c.last(t)
	assert.Equal(t, "ETL error: CONNECTION", payload["text"])
	assert.Equal(t, "magnetar", payload["username"])

	attachments, ok := payload["attachments"].([]interface{})
	require.True(t, ok)
	require.Len(t, attachments, 1)
	attachment := attachments[0].(map[string]interface{})
	assert.Equal(t, "danger", attachment["color"])
	assert.Equal(t, "listener refused connection", attachment["text"])

	fields := attachment["fields"].([]interface{})
	titles := make([]string, 0, len(fields))
	for _, f := range fields {
		titles = append(titles, f.(map[string]interface{})["title"].(string))
	}
	assert.Contains(t, titles, "error_code")
}

func TestSlackWarningColor(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	s := newService(t, &notify.Config{
		Slack: notify.SlackConfig{Enabled: true, WebhookURL: srv.URL},
	})

	err := s.SendErrorNotification(context.Background(), "ETL error: VALIDATION", "row rejected",
		map[string]interface{}{"error_category": "VALIDATION"})
	require.NoError(t, err)

	attachment := c.last(t)["attachments"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "warning", attachment["color"])
}

func TestWebhookCarriesBearerAndEnvelope(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusAccepted))
	defer srv.Close()

	s := newService(t, &notify.Config{
		JobName:  "nightly-load",
		Webhooks: []notify.WebhookConfig{{URL: srv.URL, BearerToken: "sesame"}},
	})

	err := s.SendErrorNotification(context.Background(), "ETL error: CONNECTION",
		"listener refused connection", connectionDetails())
	require.NoError(t, err)
	require.Equal(t, 1, c.count())
	assert.Equal(t, "Bearer sesame", c.lastAuth())

	payload := c.last(t)
	assert.Equal(t, "error", payload["event_type"])
	assert.Equal(t, "ETL error: CONNECTION", payload["subject"])

	details := payload["details"].(map[string]interface{})
	env := details["environment"].(map[string]interface{})
	assert.Equal(t, float64(os.Getpid()), env["pid"])
	assert.Equal(t, "nightly-load", env["job"])
	assert.NotEmpty(t, env["hostname"])
}

func TestWebhookFailureIsReportedButDeliveryContinues(t *testing.T) {
	bad := &capture{}
	badSrv := httptest.NewServer(bad.handler(http.StatusInternalServerError))
	defer badSrv.Close()

	good := &capture{}
	goodSrv := httptest.NewServer(good.handler(http.StatusOK))
	defer goodSrv.Close()

	s := newService(t, &notify.Config{
		Webhooks: []notify.WebhookConfig{{URL: badSrv.URL}, {URL: goodSrv.URL}},
	})

	err := s.SendErrorNotification(context.Background(), "ETL error: CONNECTION",
		"listener refused connection", connectionDetails())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
	assert.Equal(t, 1, bad.count())
	assert.Equal(t, 1, good.count(), "later channels still deliver after a failure")
}

func TestMinSeverityFiltering(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	s := newService(t, &notify.Config{
		MinSeverity: "ERROR",
		Webhooks:    []notify.WebhookConfig{{URL: srv.URL}},
	})
	ctx := context.Background()

	require.NoError(t, s.SendErrorNotification(ctx, "ETL error: VALIDATION", "row rejected",
		map[string]interface{}{"error_category": "VALIDATION"}))
	assert.Zero(t, c.count(), "warnings fall below the minimum severity")

	require.NoError(t, s.SendJobSuccess(ctx, "nightly-load", nil))
	assert.Zero(t, c.count(), "success chatter falls below the minimum severity")

	require.NoError(t, s.SendErrorNotification(ctx, "ETL error: CONNECTION",
		"listener refused connection", connectionDetails()))
	assert.Equal(t, 1, c.count())
}

func TestJobLifecycleEvents(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	s := newService(t, &notify.Config{
		JobName:  "nightly-load",
		Webhooks: []notify.WebhookConfig{{URL: srv.URL}},
	})
	ctx := context.Background()

	require.NoError(t, s.SendJobSuccess(ctx, "nightly-load",
		map[string]interface{}{"rows_processed": 120000}))
	payload := c.last(t)
	assert.Equal(t, "job_success", payload["event_type"])
	assert.Contains(t, payload["message"], "completed successfully")

	require.NoError(t, s.SendJobFailure(ctx, "nightly-load", "copy failed",
		map[string]interface{}{"rows_processed": 35000}))
	payload = c.last(t)
	assert.Equal(t, "job_failure", payload["event_type"])
	details := payload["details"].(map[string]interface{})
	assert.Equal(t, "copy failed", details["error_message"])
	assert.Contains(t, details, "environment")
}

func TestSnapshot(t *testing.T) {
	snap := notify.Snapshot("nightly-load")

	assert.Equal(t, os.Getpid(), snap["pid"])
	assert.Equal(t, "nightly-load", snap["job"])
	assert.NotEmpty(t, snap["hostname"])

	capturedAt, ok := snap["captured_at"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, capturedAt)
	assert.NoError(t, err)
}
