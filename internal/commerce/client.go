package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/voicegate/internal/reliability"
)

type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Attempts int
}

// Client talks to the store backend over a small JSON API.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("commerce base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

type CancelOptions struct {
	Reason  string `json:"reason"`
	Email   bool   `json:"email"`
	Refund  bool   `json:"refund"`
	Restock bool   `json:"restock"`
}

func (c *Client) Products(ctx context.Context) (any, error) {
	return c.get(ctx, "/products", nil)
}

func (c *Client) CustomerByPhone(ctx context.Context, phone string) (any, error) {
	return c.get(ctx, "/customers", url.Values{"phone": {phone}})
}

func (c *Client) Orders(ctx context.Context, phone string) (any, error) {
	q := url.Values{}
	if phone != "" {
		q.Set("phone", phone)
	}
	return c.get(ctx, "/orders", q)
}

func (c *Client) Order(ctx context.Context, id string) (any, error) {
	return c.get(ctx, "/orders/"+url.PathEscape(id), nil)
}

func (c *Client) Cancellable(ctx context.Context, id string) (any, error) {
	return c.get(ctx, "/orders/"+url.PathEscape(id)+"/cancellable", nil)
}

// CancelOrder is not retried; a timed out cancel may still have happened.
func (c *Client) CancelOrder(ctx context.Context, id string, opts CancelOptions) (any, error) {
	body, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, "/orders/"+url.PathEscape(id)+"/cancel", nil, body)
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (any, error) {
	var out any
	err := reliability.Retry(ctx, c.cfg.Attempts, 200*time.Millisecond, 2*time.Second, func(ctx context.Context) error {
		v, err := c.do(ctx, http.MethodGet, path, q, nil)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte) (any, error) {
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var r io.Reader
	if body != nil {
		r = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, reliability.Retryable(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
		if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return nil, reliability.Retryable(err)
		}
		return nil, err
	}
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return out, nil
}
