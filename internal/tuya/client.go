package tuya

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	tokenPath     = "/v1.0/token"
	refreshWindow = 60 * time.Second
	maxBodyBytes  = 4 << 20
)

var (
	ErrCircuitOpen  = errors.New("tuya circuit open")
	ErrNotConnected = errors.New("tuya client not connected")
)

type Config struct {
	Endpoint      string
	AccessID      string
	AccessSecret  string
	Lang          string
	Timeout       time.Duration
	FailThreshold int32
	OpenDuration  time.Duration
}

type TokenInfo struct {
	AccessToken  string
	RefreshToken string
	UID          string
	ExpireAt     time.Time
}

// Response is the envelope every OpenAPI call returns. Success is the only
// outcome signal; the HTTP status of the transport is not consulted.
type Response struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg,omitempty"`
	Code    int             `json:"code,omitempty"`
	T       int64           `json:"t,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`

	// Raw is the body exactly as the cloud sent it.
	Raw json.RawMessage `json:"-"`
}

type tokenResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UID          string `json:"uid"`
	ExpireTime   int64  `json:"expire_time"`
}

type Client struct {
	endpoint     string
	accessID     string
	accessSecret string
	lang         string
	http         *http.Client
	l            zerolog.Logger

	now      func() time.Time
	newNonce func() string

	mu        sync.RWMutex
	token     *TokenInfo
	refreshMu sync.Mutex

	failThreshold int32
	openDuration  time.Duration
	failCnt       int32
	openUntilUnix int64
}

func New(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		accessID:      cfg.AccessID,
		accessSecret:  cfg.AccessSecret,
		lang:          cfg.Lang,
		http:          &http.Client{Timeout: cfg.Timeout},
		l:             logger,
		now:           time.Now,
		newNonce:      uuid.NewString,
		failThreshold: cfg.FailThreshold,
		openDuration:  cfg.OpenDuration,
	}
}

func (c *Client) isOpen() bool {
	return atomic.LoadInt64(&c.openUntilUnix) > c.now().Unix()
}

func (c *Client) onOK() {
	atomic.StoreInt32(&c.failCnt, 0)
	atomic.StoreInt64(&c.openUntilUnix, 0)
}

// failUnlessCanceled counts a transport error unless the caller gave up first.
func (c *Client) failUnlessCanceled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c.onFail()
}

func (c *Client) onFail() {
	if c.failThreshold <= 0 {
		return
	}
	n := atomic.AddInt32(&c.failCnt, 1)
	if n >= c.failThreshold {
		atomic.StoreInt64(&c.openUntilUnix, c.now().Add(c.openDuration).Unix())
	}
}

// Connect exchanges the access id and secret for a token. It must succeed
// before Get or Post can be used.
func (c *Client) Connect(ctx context.Context) (TokenInfo, error) {
	resp, err := c.request(ctx, http.MethodGet, tokenPath, map[string]string{"grant_type": "1"}, nil, "")
	if err != nil {
		return TokenInfo{}, fmt.Errorf("tuya connect: %w", err)
	}
	if !resp.Success {
		msg := resp.Msg
		if msg == "" {
			msg = "token request rejected"
		}
		return TokenInfo{}, fmt.Errorf("tuya connect: %s (code %d)", msg, resp.Code)
	}
	tok, err := c.storeToken(resp)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("tuya connect: %w", err)
	}
	c.l.Info().Str("uid", tok.UID).Time("expire_at", tok.ExpireAt).Msg("tuya token acquired")
	return tok, nil
}

// Token returns the current token, if any.
func (c *Client) Token() (TokenInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == nil {
		return TokenInfo{}, false
	}
	return *c.token, true
}

// Close drops the token and idle connections.
func (c *Client) Close() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
	c.http.CloseIdleConnections()
}

func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.call(ctx, http.MethodGet, path, nil)
}

func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return c.call(ctx, http.MethodPost, path, b)
}

func (c *Client) call(ctx context.Context, method, path string, body []byte) (*Response, error) {
	c.refreshIfNeeded(ctx)

	tok, ok := c.Token()
	if !ok {
		return nil, ErrNotConnected
	}
	return c.request(ctx, method, path, nil, body, tok.AccessToken)
}

func (c *Client) refreshIfNeeded(ctx context.Context) {
	tok, ok := c.Token()
	if !ok || tok.RefreshToken == "" || c.now().Add(refreshWindow).Before(tok.ExpireAt) {
		return
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// another caller may have refreshed while we waited
	if cur, ok := c.Token(); !ok || cur.AccessToken != tok.AccessToken {
		return
	}

	resp, err := c.request(ctx, http.MethodGet, tokenPath+"/"+tok.RefreshToken, nil, nil, "")
	if err != nil {
		c.l.Warn().Err(err).Msg("tuya token refresh failed")
		return
	}
	if !resp.Success {
		c.l.Warn().Str("msg", resp.Msg).Int("code", resp.Code).Msg("tuya token refresh rejected")
		return
	}
	if _, err := c.storeToken(resp); err != nil {
		c.l.Warn().Err(err).Msg("tuya token refresh returned no token")
		return
	}
	c.l.Debug().Msg("tuya token refreshed")
}

func (c *Client) storeToken(resp *Response) (TokenInfo, error) {
	var tr tokenResult
	if err := json.Unmarshal(resp.Result, &tr); err != nil {
		return TokenInfo{}, fmt.Errorf("decode token: %w", err)
	}
	if tr.AccessToken == "" {
		return TokenInfo{}, errors.New("token response without access_token")
	}

	issued := c.now()
	if resp.T > 0 {
		issued = time.UnixMilli(resp.T)
	}
	tok := TokenInfo{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		UID:          tr.UID,
		ExpireAt:     issued.Add(time.Duration(tr.ExpireTime) * time.Second),
	}

	c.mu.Lock()
	c.token = &tok
	c.mu.Unlock()
	return tok, nil
}

// request signs and sends one call. accessToken is empty for token endpoints.
func (c *Client) request(ctx context.Context, method, path string, params map[string]string, body []byte, accessToken string) (*Response, error) {
	if c.isOpen() {
		return nil, ErrCircuitOpen
	}

	t := c.now().UnixMilli()
	nonce := c.newNonce()
	signature := sign(c.accessID, c.accessSecret, accessToken, t, nonce, stringToSign(method, path, params, body))

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+signedURL(path, params), rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("client_id", c.accessID)
	req.Header.Set("sign", signature)
	req.Header.Set("sign_method", signMethod)
	req.Header.Set("t", strconv.FormatInt(t, 10))
	req.Header.Set("nonce", nonce)
	req.Header.Set("lang", c.lang)
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("access_token", accessToken)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		c.failUnlessCanceled(ctx)
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		c.failUnlessCanceled(ctx)
		return nil, fmt.Errorf("read response: %w", err)
	}

	// null and bare scalars decode into a zero Response otherwise.
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
		c.onFail()
		return nil, fmt.Errorf("decode response (http %d): body is not a JSON object", httpResp.StatusCode)
	}
	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		c.onFail()
		return nil, fmt.Errorf("decode response (http %d): %w", httpResp.StatusCode, err)
	}
	out.Raw = raw

	c.onOK()
	if accessToken != "" {
		c.l.Debug().
			Str("method", method).
			Str("path", path).
			Int("http_status", httpResp.StatusCode).
			Bool("success", out.Success).
			Msg("tuya call")
	}
	return &out, nil
}
