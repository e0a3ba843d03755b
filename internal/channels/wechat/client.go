package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultAPIBase = "https://api.weixin.qq.com"
	// refresh a little before the platform expires the token
	tokenEarlyExpiry = 5 * time.Minute
	maxPushRunes     = 2000
)

// APIError is a non-zero errcode returned by the platform API.
type APIError struct {
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wechat api error %d: %s", e.Code, e.Message)
}

// tokenInvalid reports errcodes meaning the cached access token is stale.
func (e *APIError) tokenInvalid() bool {
	return e.Code == 40001 || e.Code == 40014 || e.Code == 42001
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithAPIBase points the client at another host (tests, proxies).
func WithAPIBase(base string) ClientOption {
	return func(c *Client) { c.apiBase = strings.TrimRight(base, "/") }
}

// WithPushRate limits outbound push calls per second.
func WithPushRate(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// Client calls the Official Account API with a cached access token.
type Client struct {
	appID   string
	secret  string
	apiBase string
	http    *http.Client
	limiter *rate.Limiter

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time

	sf singleflight.Group
}

// NewClient creates a platform API client.
func NewClient(appID, secret string, opts ...ClientOption) *Client {
	c := &Client{
		appID:   appID,
		secret:  secret,
		apiBase: defaultAPIBase,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(20), 20),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AccessToken returns a cached token, fetching a new one when missing or
// about to expire. Concurrent refreshes collapse into one request.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.expiresAt) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do("token", func() (interface{}, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", c.appID)
	q.Set("secret", c.secret)

	body, err := c.do(ctx, http.MethodGet, "/cgi-bin/token?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	res := gjson.ParseBytes(body)
	tok := res.Get("access_token").String()
	if tok == "" {
		return "", fmt.Errorf("fetch access token: empty token in response")
	}
	ttl := time.Duration(res.Get("expires_in").Int()) * time.Second
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}

	c.mu.Lock()
	c.token = tok
	c.expiresAt = c.now().Add(ttl - tokenEarlyExpiry)
	c.mu.Unlock()
	slog.Debug("wechat access token refreshed", "expires_in", ttl)
	return tok, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// Push sends a customer-service text message to openID. Any non-zero
// errcode (48-hour window closed, unverified account, quota) is an error.
func (c *Client) Push(ctx context.Context, openID, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("push rate limit: %w", err)
	}
	if r := []rune(text); len(r) > maxPushRunes {
		text = string(r[:maxPushRunes])
	}
	payload := map[string]interface{}{
		"touser":  openID,
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	}
	_, err := c.callWithToken(ctx, http.MethodPost, "/cgi-bin/message/custom/send", payload)
	return err
}

// CreateMenu installs the custom menu. menu is the platform's JSON menu
// definition ({"button": [...]}).
func (c *Client) CreateMenu(ctx context.Context, menu json.RawMessage) error {
	_, err := c.callWithToken(ctx, http.MethodPost, "/cgi-bin/menu/create", menu)
	return err
}

// GetMenu returns the installed menu definition.
func (c *Client) GetMenu(ctx context.Context) (json.RawMessage, error) {
	body, err := c.callWithToken(ctx, http.MethodGet, "/cgi-bin/get_current_selfmenu_info", nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// DeleteMenu removes the custom menu.
func (c *Client) DeleteMenu(ctx context.Context) error {
	_, err := c.callWithToken(ctx, http.MethodGet, "/cgi-bin/menu/delete", nil)
	return err
}

// callWithToken calls an authenticated endpoint, refreshing the token once
// if the platform reports it stale.
func (c *Client) callWithToken(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		tok, err := c.AccessToken(ctx)
		if err != nil {
			return nil, err
		}
		body, err := c.do(ctx, method, path+"?access_token="+url.QueryEscape(tok), payload)
		var apiErr *APIError
		if err != nil && attempt == 0 && errors.As(err, &apiErr) && apiErr.tokenInvalid() {
			slog.Warn("wechat access token rejected, refreshing", "errcode", apiErr.Code)
			c.invalidateToken()
			continue
		}
		return body, err
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		var data []byte
		switch p := payload.(type) {
		case json.RawMessage:
			data = p
		default:
			b, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("marshal request: %w", err)
			}
			data = b
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call %s: %w", redactPath(path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api call %s: HTTP %d", redactPath(path), resp.StatusCode)
	}

	if code := gjson.GetBytes(body, "errcode"); code.Exists() && code.Int() != 0 {
		return nil, &APIError{Code: code.Int(), Message: gjson.GetBytes(body, "errmsg").String()}
	}
	return body, nil
}

// redactPath drops the query string, which carries the token or secret.
func redactPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
