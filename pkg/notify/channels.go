package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/ajitpratap0/magnetar/pkg/errors"
)

// newHTTPClient builds the shared hardened client for the HTTP channels.
func newHTTPClient(cfg *HTTPConfig, logger *zap.Logger) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("failed to configure HTTP/2", zap.Error(err))
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}
}

// sendEmail delivers the event to the admin recipients over SMTP.
func (s *Service) sendEmail(ctx context.Context, ev event) error {
	cfg := s.cfg.Email

	msg := mail.NewMsg()
	if err := msg.From(cfg.From); err != nil {
		return fmt.Errorf("invalid from address %q: %w", cfg.From, err)
	}
	if err := msg.To(cfg.AdminEmails...); err != nil {
		return fmt.Errorf("invalid recipient list: %w", err)
	}
	msg.Subject(ev.subject)
	msg.SetBodyString(mail.TypeTextPlain, emailBody(ev))

	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(s.cfg.HTTP.RequestTimeout),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// emailBody renders the message with the details appended as indented JSON.
func emailBody(ev event) string {
	if len(ev.details) == 0 {
		return ev.message
	}
	encoded, err := gojson.MarshalIndent(ev.details, "", "  ")
	if err != nil {
		return ev.message
	}
	return ev.message + "\n\nDetails:\n" + string(encoded)
}

// sendSlack posts the event to the incoming webhook with a color-coded
// attachment carrying the scalar details as fields.
func (s *Service) sendSlack(ctx context.Context, ev event) error {
	attachment := map[string]interface{}{
		"color":  severityColor(ev.severity),
		"text":   ev.message,
		"fields": slackFields(ev.details),
		"ts":     time.Now().Unix(),
	}
	payload := map[string]interface{}{
		"username":    s.cfg.Slack.Username,
		"channel":     s.cfg.Slack.Channel,
		"text":        ev.subject,
		"attachments": []interface{}{attachment},
	}
	return s.postJSON(ctx, s.client, s.cfg.Slack.WebhookURL, "", payload)
}

// sendWebhook posts the event envelope to one configured webhook.
func (s *Service) sendWebhook(ctx context.Context, target webhookTarget, ev event) error {
	payload := map[string]interface{}{
		"event_type": ev.kind,
		"subject":    ev.subject,
		"message":    ev.message,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if len(ev.details) > 0 {
		payload["details"] = ev.details
	}
	return s.postJSON(ctx, target.client, target.cfg.URL, target.cfg.BearerToken, payload)
}

// postJSON posts the payload and requires a 2xx response.
func (s *Service) postJSON(ctx context.Context, client *http.Client, url, bearer string, payload map[string]interface{}) error {
	body, err := gojson.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s from %s", resp.Status, url)
	}
	return nil
}

// severityColor maps a severity onto the Slack attachment palette.
func severityColor(sev errors.Severity) string {
	switch sev {
	case errors.SeverityCritical, errors.SeverityError:
		return "danger"
	case errors.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

// slackFields flattens the scalar details into attachment fields, sorted for
// stable output. Nested maps and slices stay out; they belong to the webhook
// payload.
func slackFields(details map[string]interface{}) []map[string]interface{} {
	keys := make([]string, 0, len(details))
	for k, v := range details {
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			continue
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	fields := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": fmt.Sprintf("%v", details[k]),
			"short": true,
		})
	}
	return fields
}

// Snapshot captures the process environment for escalation payloads.
func Snapshot(jobName string) map[string]interface{} {
	hostname, _ := os.Hostname()
	snap := map[string]interface{}{
		"hostname":    hostname,
		"pid":         os.Getpid(),
		"job":         jobName,
		"captured_at": time.Now().UTC().Format(time.RFC3339),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			snap["rss_bytes"] = mem.RSS
		}
		if pct, err := proc.CPUPercent(); err == nil {
			snap["cpu_percent"] = pct
		}
	}
	return snap
}
