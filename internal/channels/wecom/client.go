// Package wecom serves a Work WeChat (WeCom) self-built app: the callback
// is acknowledged at once and answers go back through the app message API.
package wecom

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
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/difybridge/internal/channels/wechat"
)

const (
	defaultAPIBase   = "https://qyapi.weixin.qq.com"
	tokenEarlyExpiry = 5 * time.Minute
	maxSendBytes     = 2048
)

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithAPIBase points the client at another host.
func WithAPIBase(base string) ClientOption {
	return func(c *Client) {
		if base != "" {
			c.apiBase = strings.TrimRight(base, "/")
		}
	}
}

// WithSendRate limits message API calls per second.
func WithSendRate(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// Client calls the WeCom server API for one app.
type Client struct {
	corpID  string
	secret  string
	agentID int
	apiBase string
	http    *http.Client
	limiter *rate.Limiter

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time

	sf singleflight.Group
}

// NewClient creates a client for the app identified by agentID.
func NewClient(corpID, secret string, agentID int, opts ...ClientOption) *Client {
	c := &Client{
		corpID:  corpID,
		secret:  secret,
		agentID: agentID,
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

// AccessToken returns the cached app token, refreshing it five minutes
// before the platform expires it.
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
	q.Set("corpid", c.corpID)
	q.Set("corpsecret", c.secret)

	body, err := c.do(ctx, http.MethodGet, "/cgi-bin/gettoken?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("fetch wecom token: %w", err)
	}
	res := gjson.ParseBytes(body)
	tok := res.Get("access_token").String()
	if tok == "" {
		return "", errors.New("fetch wecom token: empty token in response")
	}
	ttl := time.Duration(res.Get("expires_in").Int()) * time.Second
	if ttl <= tokenEarlyExpiry {
		ttl = 2 * time.Hour
	}

	c.mu.Lock()
	c.token = tok
	c.expiresAt = c.now().Add(ttl - tokenEarlyExpiry)
	c.mu.Unlock()
	slog.Debug("wecom access token refreshed", "expires_in", ttl)
	return tok, nil
}

// Send delivers a text message to one member of the corp.
func (c *Client) Send(ctx context.Context, userID, text string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wecom send rate limit: %w", err)
	}
	payload := map[string]interface{}{
		"touser":  userID,
		"msgtype": "text",
		"agentid": c.agentID,
		"text":    map[string]string{"content": clip(text, maxSendBytes)},
		"safe":    0,
	}

	for attempt := 0; ; attempt++ {
		tok, err := c.AccessToken(ctx)
		if err != nil {
			return err
		}
		_, err = c.do(ctx, http.MethodPost, "/cgi-bin/message/send?access_token="+url.QueryEscape(tok), payload)
		var apiErr *wechat.APIError
		if err != nil && attempt == 0 && errors.As(err, &apiErr) && staleToken(apiErr.Code) {
			slog.Warn("wecom access token rejected, refreshing", "errcode", apiErr.Code)
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			continue
		}
		return err
	}
}

func staleToken(code int64) bool {
	return code == 40014 || code == 42001
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
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

	endpoint, _, _ := strings.Cut(path, "?")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wecom call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wecom call %s: HTTP %d", endpoint, resp.StatusCode)
	}
	if code := gjson.GetBytes(body, "errcode"); code.Exists() && code.Int() != 0 {
		return nil, &wechat.APIError{Code: code.Int(), Message: gjson.GetBytes(body, "errmsg").String()}
	}
	return body, nil
}

// clip cuts s to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
