package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the difybridge gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Reply     ReplyConfig     `json:"reply"`
	Sessions  SessionsConfig  `json:"sessions"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	Janitor   JanitorConfig   `json:"janitor,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig controls the HTTP listener and the operator API.
type GatewayConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"token,omitempty"` // bearer token for /v1/*; empty = open
	// RateLimitRPM is the per-sender inbound message budget (0 = unlimited).
	RateLimitRPM   int `json:"rate_limit_rpm,omitempty"`
	RateLimitBurst int `json:"rate_limit_burst,omitempty"`
}

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	WeChat WeChatConfig `json:"wechat"`
	WeCom  WeComConfig  `json:"wecom,omitempty"`
}

// WeChatConfig configures the Official Account webhook and push client.
type WeChatConfig struct {
	Enabled     bool   `json:"enabled"`
	WebhookPath string `json:"webhook_path,omitempty"` // default "/wechat/official"
	Token       string `json:"token"`                  // signature token set in the platform console
	AppID       string `json:"app_id"`
	AppSecret   string `json:"app_secret"`
	APIBase     string `json:"api_base,omitempty"`

	// PushRate bounds customer-service API calls per second.
	PushRate float64 `json:"push_rate,omitempty"`

	Welcome         string            `json:"welcome,omitempty"`
	MenuReplies     map[string]string `json:"menu_replies,omitempty"`
	ClearHistoryKey string            `json:"clear_history_key,omitempty"`
	ClearedText     string            `json:"cleared_text,omitempty"`
}

// PushEnabled reports whether out-of-band delivery can be attempted.
func (w WeChatConfig) PushEnabled() bool {
	return w.AppID != "" && w.AppSecret != ""
}

// WeComConfig configures the Work WeChat (WeCom) app callback. Answers
// are sent back through the app's message API.
type WeComConfig struct {
	Enabled     bool    `json:"enabled,omitempty"`
	WebhookPath string  `json:"webhook_path,omitempty"` // default "/wechat/work"
	Token       string  `json:"token,omitempty"`        // callback token; empty skips signature checks
	CorpID      string  `json:"corp_id,omitempty"`
	CorpSecret  string  `json:"corp_secret,omitempty"`
	AgentID     int     `json:"agent_id,omitempty"`
	APIBase     string  `json:"api_base,omitempty"`
	PushRate    float64 `json:"push_rate,omitempty"`
}

// ProvidersConfig contains AI backend settings.
type ProvidersConfig struct {
	Dify DifyConfig `json:"dify"`
}

// DifyConfig configures the Dify chat application.
type DifyConfig struct {
	APIKey     string `json:"api_key"`
	APIBase    string `json:"api_base,omitempty"`
	VerifySSL  *bool  `json:"verify_ssl,omitempty"` // default true
	TimeoutSec int    `json:"timeout_sec,omitempty"` // blocking calls only
}

// TLSVerify reports whether certificates are checked.
func (d DifyConfig) TLSVerify() bool {
	return d.VerifySSL == nil || *d.VerifySSL
}

// ReplyConfig tunes the reply orchestrator. Hot-reloadable.
type ReplyConfig struct {
	DeadlineMs             int    `json:"deadline_ms,omitempty"`
	MaxLength              int    `json:"max_length,omitempty"`
	ContinuationTimeoutSec int    `json:"continuation_timeout_sec,omitempty"`
	ForceCompleteWaitSec   int    `json:"force_complete_wait_sec,omitempty"`
	PendingTTLSec          int    `json:"pending_ttl_sec,omitempty"`
	DedupCapacity          int    `json:"dedup_capacity,omitempty"`
	GroupTrigger           string `json:"group_trigger,omitempty"`

	Texts ReplyTexts `json:"texts,omitempty"`
}

// ReplyTexts overrides the built-in fixed replies. Empty = built-in.
type ReplyTexts struct {
	Waiting       string `json:"waiting,omitempty"`
	Apology       string `json:"apology,omitempty"`
	NoReply       string `json:"no_reply,omitempty"`
	PendingPrefix string `json:"pending_prefix,omitempty"`
	TextOnly      string `json:"text_only,omitempty"`
	EmptyText     string `json:"empty_text,omitempty"`
	Throttled     string `json:"throttled,omitempty"`
}

func (r ReplyConfig) Deadline() time.Duration {
	return time.Duration(r.DeadlineMs) * time.Millisecond
}

func (r ReplyConfig) ContinuationTimeout() time.Duration {
	return time.Duration(r.ContinuationTimeoutSec) * time.Second
}

func (r ReplyConfig) ForceCompleteWait() time.Duration {
	return time.Duration(r.ForceCompleteWaitSec) * time.Second
}

func (r ReplyConfig) PendingTTL() time.Duration {
	return time.Duration(r.PendingTTLSec) * time.Second
}

// SessionsConfig selects where conversation ids live.
type SessionsConfig struct {
	Storage  string `json:"storage"`             // "memory" (default), "sqlite" or "postgres"
	Path     string `json:"path,omitempty"`      // sqlite file
	TTLHours int    `json:"ttl_hours,omitempty"` // idle conversation expiry (default 168)
}

func (s SessionsConfig) TTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

// DatabaseConfig configures Postgres for shared mode.
// PostgresDSN is NEVER read from config.json (secret), only from env DIFYBRIDGE_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext connection (local collectors)
	ServiceName string            `json:"service_name,omitempty"` // default "difybridge"
	Headers     map[string]string `json:"headers,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"` // default "/metrics"
}

// JanitorConfig schedules expiry sweeps of pending replies, sessions and
// leases.
type JanitorConfig struct {
	Schedule string `json:"schedule,omitempty"` // cron expression, default "*/5 * * * *"
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Reply = src.Reply
	c.Sessions = src.Sessions
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Metrics = src.Metrics
	c.Janitor = src.Janitor
}

// ReplySnapshot returns the reply section under the read lock.
func (c *Config) ReplySnapshot() ReplyConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Reply
}
