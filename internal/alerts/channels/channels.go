// Package channels implements the pluggable Alert Engine notification
// channels: log, email, webhook, slack.
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"github.com/slack-go/slack"

	"github.com/R3E-Network/taskstream/pkg/logger"
)

// Notification is the rendered (subject, body) pair formatted from an
// alert's fields, plus enough raw context for channels that want structure
// instead of prose.
type Notification struct {
	Subject  string
	Body     string
	Severity string
	AlertID  string
	RuleID   string
	Metric   string
	Value    float64
	SentAt   time.Time
}

// Channel is a pluggable notification sink, identified by name.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// LogChannel routes notifications through the structured logger. It never
// fails, matching its role as the always-available fallback channel.
type LogChannel struct {
	log *logger.Logger
}

func NewLogChannel(log *logger.Logger) *LogChannel {
	if log == nil {
		log = logger.NewDefault("alerts")
	}
	return &LogChannel{log: log}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, n Notification) error {
	c.log.WithFields(map[string]interface{}{
		"alert_id": n.AlertID, "rule_id": n.RuleID, "metric": n.Metric, "value": n.Value, "severity": n.Severity,
	}).Warn(n.Subject)
	return nil
}

// EmailConfig configures the SMTP email channel.
type EmailConfig struct {
	SMTPAddr string
	From     string
	To       []string
}

// EmailChannel sends a plain MAIL FROM/RCPT TO/DATA message via net/smtp.
// No third-party library in the pack wraps SMTP, and the channel needs no
// templating or connection pooling that would justify one (see DESIGN.md).
type EmailChannel struct {
	cfg EmailConfig
}

func NewEmailChannel(cfg EmailConfig) *EmailChannel { return &EmailChannel{cfg: cfg} }

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, n Notification) error {
	if c.cfg.SMTPAddr == "" || len(c.cfg.To) == 0 {
		return fmt.Errorf("email channel not configured")
	}
	msg := fmt.Sprintf("Subject: %s\r\n\r\n%s\r\n", n.Subject, n.Body)
	return smtp.SendMail(c.cfg.SMTPAddr, nil, c.cfg.From, c.cfg.To, []byte(msg))
}

// WebhookChannel posts a JSON payload to a configured URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{url: url, client: &http.Client{Timeout: 5 * time.Second}}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	if c.url == "" {
		return fmt.Errorf("webhook channel not configured")
	}
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SlackChannel posts via an incoming webhook URL using slack-go/slack.
type SlackChannel struct {
	webhookURL string
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{webhookURL: webhookURL}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, n Notification) error {
	if c.webhookURL == "" {
		return fmt.Errorf("slack channel not configured")
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("*%s*\n%s", n.Subject, n.Body),
	}
	return slack.PostWebhookContext(ctx, c.webhookURL, msg)
}

// Render formats the standard (subject, body) template pair from an
// alert's fields through typed substitution, never string concatenation of
// caller-controlled input.
func Render(ruleID, metric string, severity string, value float64, alertID string, escalated bool) (subject, body string) {
	prefix := "Alert"
	if escalated {
		prefix = "Escalated alert"
	}
	subject = fmt.Sprintf("[%s] %s: %s", severity, prefix, ruleID)
	body = fmt.Sprintf("Metric %q is %s (rule %s, alert %s) at %s", metric, formatValue(value), ruleID, alertID, time.Now().UTC().Format(time.RFC3339))
	return subject, body
}

func formatValue(v float64) string {
	return fmt.Sprintf("%.4g", v)
}
