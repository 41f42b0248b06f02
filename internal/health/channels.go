package health

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"
)

// EmailChannel sends a plain-text alert email per transition: plain
// auth/envelope construction over net/smtp, a single fixed message body
// instead of a template registry.
type EmailChannel struct {
	Host, From string
	Port       int
	Password   string
	Username   string
	To         []string
}

func NewEmailChannel(host string, port int, username, password, from string, to []string) *EmailChannel {
	return &EmailChannel{Host: host, Port: port, Username: username, Password: password, From: from, To: to}
}

func (c *EmailChannel) Notify(ctx context.Context, evt AlertEvent) error {
	if len(c.To) == 0 {
		return nil
	}
	subject := fmt.Sprintf("[fleetwatch] partition %s: %s -> %s", evt.Partition, evt.Previous, evt.Current)
	body := fmt.Sprintf(
		"Partition %s transitioned from %s to %s at %s.\nSize: %.1f MiB\nRows: %d\n",
		evt.Partition, evt.Previous, evt.Current, evt.At.Format(time.RFC3339), evt.SizeMB, evt.Rows,
	)

	var msg bytes.Buffer
	msg.WriteString(fmt.Sprintf("From: %s\r\n", c.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", joinComma(c.To)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	msg.WriteString(body)

	auth := smtp.PlainAuth("", c.Username, c.Password, c.Host)
	addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
	if err := smtp.SendMail(addr, auth, c.From, c.To, msg.Bytes()); err != nil {
		return fmt.Errorf("sending alert email: %w", err)
	}
	return nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// WebhookChannel posts a JSON payload, HMAC-signed when a secret is
// configured, with no in-process retry loop: a stalled health tick
// already retries on the next cadence, so an extra retry here buys
// little against a bounded sample window.
type WebhookChannel struct {
	URL        string
	Secret     string
	httpClient *http.Client
}

func NewWebhookChannel(url, secret string) *WebhookChannel {
	return &WebhookChannel{URL: url, Secret: secret, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

type webhookPayload struct {
	Event     string `json:"event"`
	Partition string `json:"partition"`
	Previous  string `json:"previous_status"`
	Current   string `json:"current_status"`
	SizeMB    float64 `json:"size_mb"`
	Rows      int64  `json:"rows"`
	Timestamp int64  `json:"timestamp"`
}

func (c *WebhookChannel) Notify(ctx context.Context, evt AlertEvent) error {
	if c.URL == "" {
		return nil
	}
	payload := webhookPayload{
		Event:     "partition_health_transition",
		Partition: evt.Partition,
		Previous:  string(evt.Previous),
		Current:   string(evt.Current),
		SizeMB:    evt.SizeMB,
		Rows:      evt.Rows,
		Timestamp: evt.At.Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Secret != "" {
		req.Header.Set("X-Webhook-Signature", c.sign(body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *WebhookChannel) sign(payload []byte) string {
	h := hmac.New(sha256.New, []byte(c.Secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
