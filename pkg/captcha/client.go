// Package captcha talks to a 2captcha compatible solving service.
package captcha

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	statusNotReady = "CAPCHA_NOT_READY"

	maxBodyBytes = 1 << 20
)

var (
	ErrNotReady      = errors.New("captcha: answer not ready")
	ErrPollExhausted = errors.New("captcha: answer not ready after max polls")
	ErrEmptyImage    = errors.New("captcha: empty image")
)

// Error is a terminal answer from the solving service, e.g. ERROR_ZERO_BALANCE
// or ERROR_CAPTCHA_UNSOLVABLE.
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("captcha: %s: %s", e.Op, e.Message)
}

type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	PollInterval time.Duration
	MaxPolls     int
}

type envelope struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

type Client struct {
	cfg  Config
	http *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(cfg Config, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 24
	}

	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Solve uploads img and polls until the service returns an answer.
func (c *Client) Solve(ctx context.Context, img []byte) (string, error) {
	if len(img) == 0 {
		return "", ErrEmptyImage
	}

	id, err := c.submit(ctx, img)
	if err != nil {
		return "", err
	}

	var answer string
	poll := func() error {
		a, err := c.result(ctx, id)
		if err != nil {
			var svcErr *Error
			if errors.As(err, &svcErr) {
				return backoff.Permanent(err)
			}
			return err
		}
		answer = a
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.PollInterval), uint64(c.cfg.MaxPolls-1)),
		ctx,
	)
	if err := backoff.Retry(poll, b); err != nil {
		if errors.Is(err, ErrNotReady) {
			return "", ErrPollExhausted
		}
		return "", err
	}

	zap.L().Debug("captcha solved", zap.String("id", id), zap.Int("answer_len", len(answer)))
	return strings.TrimSpace(answer), nil
}

func (c *Client) submit(ctx context.Context, img []byte) (string, error) {
	form := url.Values{}
	form.Set("key", c.cfg.APIKey)
	form.Set("method", "base64")
	form.Set("body", base64.StdEncoding.EncodeToString(img))
	form.Set("json", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/in.php", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	env, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("captcha: submit: %w", err)
	}
	if env.Status != 1 || env.Request == "" {
		return "", &Error{Op: "submit", Message: env.Request}
	}
	return env.Request, nil
}

func (c *Client) result(ctx context.Context, id string) (string, error) {
	q := url.Values{}
	q.Set("key", c.cfg.APIKey)
	q.Set("action", "get")
	q.Set("id", id)
	q.Set("json", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/res.php?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}

	env, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("captcha: result: %w", err)
	}
	switch {
	case env.Status == 1:
		return env.Request, nil
	case env.Request == statusNotReady:
		return "", ErrNotReady
	default:
		return "", &Error{Op: "result", Message: env.Request}
	}
}

func (c *Client) do(req *http.Request) (*envelope, error) {
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", res.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode %q: %w", raw, err)
	}
	return &env, nil
}
