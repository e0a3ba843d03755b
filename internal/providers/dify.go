package providers

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	difyDefaultAPIBase = "https://api.dify.ai/v1"
	sseDataPrefix      = "data: "
	maxSSELineBytes    = 1 << 20
)

// DifyProvider talks to a Dify chat application over its HTTP API.
type DifyProvider struct {
	apiBase     string
	apiKey      string
	client      *http.Client // blocking calls, bounded by timeout
	stream      *http.Client // streaming calls, bounded by ctx only
	retryConfig RetryConfig
}

// DifyOption customizes a DifyProvider.
type DifyOption func(*DifyProvider)

// WithBlockingTimeout sets the overall timeout for blocking calls.
func WithBlockingTimeout(d time.Duration) DifyOption {
	return func(p *DifyProvider) {
		if d > 0 {
			p.client.Timeout = d
		}
	}
}

// WithInsecureTLS disables certificate verification (self-hosted Dify with
// self-signed certs).
func WithInsecureTLS() DifyOption {
	return func(p *DifyProvider) {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via verify_ssl=false
		p.client.Transport = tr
		p.stream.Transport = tr
	}
}

// WithRetryConfig overrides the connection-phase retry policy.
func WithRetryConfig(cfg RetryConfig) DifyOption {
	return func(p *DifyProvider) { p.retryConfig = cfg }
}

// NewDifyProvider creates a Dify client. apiBase defaults to the hosted API.
func NewDifyProvider(apiKey, apiBase string, opts ...DifyOption) *DifyProvider {
	if apiBase == "" {
		apiBase = difyDefaultAPIBase
	}
	p := &DifyProvider{
		apiBase:     strings.TrimRight(apiBase, "/"),
		apiKey:      apiKey,
		client:      &http.Client{Timeout: 30 * time.Second},
		stream:      &http.Client{},
		retryConfig: DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *DifyProvider) Name() string    { return "dify" }
func (p *DifyProvider) APIBase() string { return p.apiBase }

func (p *DifyProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildRequestBody(req, "blocking")

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		respBody, err := p.doRequest(ctx, p.client, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var out difyBlockingResponse
		if err := json.NewDecoder(respBody).Decode(&out); err != nil {
			return nil, fmt.Errorf("dify: decode response: %w", err)
		}
		return &ChatResponse{
			Answer:         out.Answer,
			ConversationID: out.ConversationID,
			MessageID:      out.ID,
		}, nil
	})
}

// OpenStream retries only the connection phase; once the body is open,
// fragments flow to the caller and nothing is replayed.
func (p *DifyProvider) OpenStream(ctx context.Context, req ChatRequest) (Stream, error) {
	body := p.buildRequestBody(req, "streaming")

	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, p.stream, body)
	})
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)
	return &difyStream{body: respBody, scanner: scanner}, nil
}

// Messages fetches the message history of a conversation.
func (p *DifyProvider) Messages(ctx context.Context, userID, conversationID string, limit int) ([]HistoryMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	q := url.Values{}
	q.Set("user", userID)
	q.Set("limit", strconv.Itoa(limit))
	if conversationID != "" {
		q.Set("conversation_id", conversationID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("dify: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dify: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{Status: resp.StatusCode, Body: "dify: " + string(b)}
	}

	var out struct {
		Data []HistoryMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("dify: decode history: %w", err)
	}
	return out.Data, nil
}

func (p *DifyProvider) buildRequestBody(req ChatRequest, mode string) map[string]interface{} {
	body := map[string]interface{}{
		"inputs":        map[string]interface{}{},
		"query":         req.Query,
		"response_mode": mode,
		"user":          req.UserID,
	}
	if req.ConversationID != "" {
		body["conversation_id"] = req.ConversationID
	}
	return body
}

func (p *DifyProvider) doRequest(ctx context.Context, client *http.Client, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("dify: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat-messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("dify: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dify: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       "dify: " + string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

type difyBlockingResponse struct {
	ID             string `json:"id"`
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

// difyStream decodes Dify's server-sent events into fragments.
type difyStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *difyStream) Recv() (Fragment, error) {
	if s.done {
		return Fragment{}, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, sseDataPrefix) {
			continue
		}
		data := strings.TrimPrefix(line, sseDataPrefix)
		if !gjson.Valid(data) {
			continue
		}

		ev := gjson.Parse(data)
		switch ev.Get("event").String() {
		case "message", "agent_message":
			return Fragment{
				Kind:           FragmentDelta,
				AnswerDelta:    ev.Get("answer").String(),
				ConversationID: ev.Get("conversation_id").String(),
				MessageID:      ev.Get("id").String(),
			}, nil
		case "message_end":
			s.done = true
			return Fragment{
				Kind:           FragmentEnd,
				ConversationID: ev.Get("conversation_id").String(),
				MessageID:      ev.Get("id").String(),
			}, nil
		case "error":
			s.done = true
			return Fragment{}, &APIError{
				Code:    ev.Get("code").String(),
				Message: ev.Get("message").String(),
			}
		}
		// ping, workflow_started, node_* and friends carry no answer text.
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return Fragment{}, fmt.Errorf("dify: read stream: %w", err)
	}
	return Fragment{}, io.EOF
}

func (s *difyStream) Close() error {
	s.done = true
	return s.body.Close()
}

// Compile-time interface checks.
var (
	_ Backend        = (*DifyProvider)(nil)
	_ HistoryBackend = (*DifyProvider)(nil)
)
