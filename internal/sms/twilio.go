package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/voicegate/internal/redact"
	"github.com/ent0n29/voicegate/internal/reliability"
)

type Config struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
}

// Twilio sends text messages through the Messages REST API.
type Twilio struct {
	cfg    Config
	client *http.Client
}

func NewTwilio(cfg Config) (*Twilio, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, fmt.Errorf("twilio account sid, auth token and from number are required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	return &Twilio{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}, nil
}

// Send delivers body to the given number and returns the message SID.
func (t *Twilio) Send(ctx context.Context, to, body string) (string, error) {
	if strings.TrimSpace(to) == "" {
		return "", fmt.Errorf("sms recipient is empty")
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.cfg.From)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(t.cfg.BaseURL, "/"), url.PathEscape(t.cfg.AccountSID))
	var sid string
	err := reliability.Retry(ctx, 2, 500*time.Millisecond, time.Second, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := t.client.Do(req)
		if err != nil {
			return reliability.Retryable(fmt.Errorf("send sms: %w", err))
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode >= 300 {
			err := fmt.Errorf("send sms: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
			if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				return reliability.Retryable(err)
			}
			return err
		}
		var msg struct {
			SID string `json:"sid"`
		}
		_ = json.Unmarshal(data, &msg)
		sid = msg.SID
		return nil
	})
	if err == nil {
		log.Printf("[sms] sent sid=%s to=%s", sid, redact.Phone(to))
	}
	return sid, err
}

// Recipient binds a phone number so a session can use it as a text channel.
type Recipient struct {
	Sender *Twilio
	To     string
}

func (r Recipient) SendText(ctx context.Context, text string) error {
	_, err := r.Sender.Send(ctx, r.To, text)
	return err
}
