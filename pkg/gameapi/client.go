package gameapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	pathPlayer   = "/player"
	pathCaptcha  = "/captcha"
	pathGiftCode = "/gift_code"

	maxBodyBytes = 4 << 20
)

// Operation names used in errors and logs.
const (
	OpCheckIdentity    = "check_identity"
	OpFetchChallenge   = "fetch_challenge"
	OpSubmitRedemption = "submit_redemption"
)

type Config struct {
	BaseURL       string
	Secret        string
	UserAgent     string
	Origin        string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// Response is the envelope every game API endpoint answers with.
type Response struct {
	Code       int             `json:"code"`
	Data       json.RawMessage `json:"data"`
	Message    string          `json:"msg"`
	ErrCode    ErrCode         `json:"err_code"`
	HTTPStatus int             `json:"-"`
	Raw        []byte          `json:"-"`
}

type Player struct {
	FID        string `json:"-"`
	Nickname   string `json:"nickname"`
	Kingdom    int    `json:"kid"`
	StoveLevel int    `json:"stove_lv"`
	Avatar     string `json:"avatar_image"`
}

// Error is returned for any failed call. Raw keeps the upstream body for
// diagnostics.
type Error struct {
	Op         string
	Category   FailureCategory
	Code       int
	ErrCode    ErrCode
	HTTPStatus int
	Message    string
	Raw        []byte
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("gameapi: ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.ErrCode != 0 {
		fmt.Fprintf(&b, " (err_code=%d)", int(e.ErrCode))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func errorFromResponse(op string, resp *Response, fallback string) *Error {
	msg := strings.TrimSpace(resp.Message)
	if msg == "" {
		msg = fallback
	}
	return &Error{
		Op:         op,
		Category:   Categorize(resp.ErrCode, resp.Message),
		Code:       resp.Code,
		ErrCode:    resp.ErrCode,
		HTTPStatus: resp.HTTPStatus,
		Message:    msg,
		Raw:        resp.Raw,
	}
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock overrides the source of the signed "time" parameter.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func NewClient(cfg Config, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckIdentity resolves fid to a player. The server sets the session cookies
// that later calls depend on.
func (c *Client) CheckIdentity(ctx context.Context, sess *Session, fid string) (*Player, error) {
	resp, err := c.post(ctx, sess, OpCheckIdentity, pathPlayer, map[string]string{"fid": fid})
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, errorFromResponse(OpCheckIdentity, resp, "player lookup failed")
	}

	var player Player
	if err := json.Unmarshal(resp.Data, &player); err != nil || strings.TrimSpace(player.Nickname) == "" {
		e := errorFromResponse(OpCheckIdentity, resp, "account not resolvable")
		e.Category = FailureOther
		e.Message = "account not resolvable"
		e.Err = err
		return nil, e
	}
	player.FID = fid
	return &player, nil
}

// FetchChallenge requests a fresh captcha image for fid and returns the
// decoded image bytes.
func (c *Client) FetchChallenge(ctx context.Context, sess *Session, fid string) ([]byte, error) {
	resp, err := c.post(ctx, sess, OpFetchChallenge, pathCaptcha, map[string]string{"fid": fid, "init": "0"})
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		return nil, errorFromResponse(OpFetchChallenge, resp, "captcha request rejected")
	}

	var data struct {
		Img string `json:"img"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		e := errorFromResponse(OpFetchChallenge, resp, "")
		e.Category, e.Message, e.Err = FailureOther, "malformed captcha payload", err
		return nil, e
	}

	img, err := DecodeImage(data.Img)
	if err != nil {
		e := errorFromResponse(OpFetchChallenge, resp, "")
		e.Category, e.Message, e.Err = FailureOther, "no decodable captcha image", err
		return nil, e
	}
	return img, nil
}

// SubmitRedemption posts the gift code with the solved captcha and returns the
// upstream envelope as is. Only transport and decoding failures are errors;
// use ClassifyRedemption to interpret the response.
func (c *Client) SubmitRedemption(ctx context.Context, sess *Session, fid, code, answer string) (*Response, error) {
	return c.post(ctx, sess, OpSubmitRedemption, pathGiftCode, map[string]string{
		"fid":          fid,
		"cdk":          code,
		"captcha_code": answer,
	})
}

func (c *Client) post(ctx context.Context, sess *Session, op, path string, params map[string]string) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Op: op, Category: FailureNetwork, Message: "rate limiter wait", Err: err}
	}

	params["time"] = strconv.FormatInt(c.now().UnixMilli(), 10)
	body := Sign(params, c.cfg.Secret).Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(body))
	if err != nil {
		return nil, &Error{Op: op, Category: FailureOther, Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if c.cfg.Origin != "" {
		req.Header.Set("Origin", c.cfg.Origin)
		req.Header.Set("Referer", c.cfg.Origin+"/")
	}
	if sess != nil {
		sess.Apply(req)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Category: FailureNetwork, Message: "request failed", Err: err}
	}
	defer res.Body.Close()

	if sess != nil {
		sess.Capture(res)
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Op: op, Category: FailureNetwork, HTTPStatus: res.StatusCode, Message: "read response", Err: err}
	}

	zap.L().Debug("game api response",
		zap.String("op", op),
		zap.String("fid", params["fid"]),
		zap.Int("status", res.StatusCode),
	)

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, &Error{Op: op, Category: FailureAuth, HTTPStatus: res.StatusCode, Message: http.StatusText(res.StatusCode), Raw: raw}
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return nil, &Error{Op: op, Category: FailureNetwork, HTTPStatus: res.StatusCode, Message: http.StatusText(res.StatusCode), Raw: raw}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Op: op, Category: FailureNetwork, HTTPStatus: res.StatusCode, Message: "decode response", Raw: raw, Err: err}
	}
	out.HTTPStatus = res.StatusCode
	out.Raw = raw
	return &out, nil
}

// DecodeImage decodes a base64 image, with or without a data URL prefix.
func DecodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "base64,"); i >= 0 {
		s = s[i+len("base64,"):]
	}
	if s == "" {
		return nil, fmt.Errorf("empty image")
	}
	img, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(img) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	return img, nil
}
