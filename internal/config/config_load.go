package config

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			RateLimitRPM:   20,
			RateLimitBurst: 5,
		},
		Channels: ChannelsConfig{
			WeChat: WeChatConfig{
				Enabled:         true,
				WebhookPath:     "/wechat/official",
				PushRate:        20,
				Welcome:         "感谢关注！我是AI助手，直接发送文字即可开始对话。",
				ClearHistoryKey: "CLEAR_HISTORY",
				ClearedText:     "对话历史已清除，我们重新开始吧。",
			},
			WeCom: WeComConfig{
				WebhookPath: "/wechat/work",
				PushRate:    20,
			},
		},
		Providers: ProvidersConfig{
			Dify: DifyConfig{
				APIBase:    "https://api.dify.ai/v1",
				TimeoutSec: 30,
			},
		},
		Reply: ReplyConfig{
			DeadlineMs:             4500,
			MaxLength:              2000,
			ContinuationTimeoutSec: 30,
			ForceCompleteWaitSec:   10,
			PendingTTLSec:          600,
			DedupCapacity:          1000,
		},
		Sessions: SessionsConfig{
			Storage:  "memory",
			Path:     "~/.difybridge/state.db",
			TTLHours: 168,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "difybridge",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Janitor: JanitorConfig{
			Schedule: "*/5 * * * *",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Gateway
	envStr("DIFYBRIDGE_HOST", &c.Gateway.Host)
	envInt("DIFYBRIDGE_PORT", &c.Gateway.Port)
	envStr("DIFYBRIDGE_GATEWAY_TOKEN", &c.Gateway.Token)

	// WeChat
	envStr("DIFYBRIDGE_WECHAT_TOKEN", &c.Channels.WeChat.Token)
	envStr("DIFYBRIDGE_WECHAT_APP_ID", &c.Channels.WeChat.AppID)
	envStr("DIFYBRIDGE_WECHAT_APP_SECRET", &c.Channels.WeChat.AppSecret)
	envStr("DIFYBRIDGE_WECHAT_API_BASE", &c.Channels.WeChat.APIBase)

	// WeCom
	envBool("DIFYBRIDGE_WECOM_ENABLED", &c.Channels.WeCom.Enabled)
	envStr("DIFYBRIDGE_WECOM_TOKEN", &c.Channels.WeCom.Token)
	envStr("DIFYBRIDGE_WECOM_CORP_ID", &c.Channels.WeCom.CorpID)
	envStr("DIFYBRIDGE_WECOM_CORP_SECRET", &c.Channels.WeCom.CorpSecret)
	envInt("DIFYBRIDGE_WECOM_AGENT_ID", &c.Channels.WeCom.AgentID)

	// Dify
	envStr("DIFYBRIDGE_DIFY_API_KEY", &c.Providers.Dify.APIKey)
	envStr("DIFYBRIDGE_DIFY_API_BASE", &c.Providers.Dify.APIBase)
	if v := os.Getenv("DIFYBRIDGE_DIFY_VERIFY_SSL"); v != "" {
		verify := v == "true" || v == "1"
		c.Providers.Dify.VerifySSL = &verify
	}

	// Reply
	envInt("DIFYBRIDGE_REPLY_DEADLINE_MS", &c.Reply.DeadlineMs)
	envInt("DIFYBRIDGE_REPLY_MAX_LENGTH", &c.Reply.MaxLength)
	envStr("DIFYBRIDGE_GROUP_TRIGGER", &c.Reply.GroupTrigger)

	// Sessions & database
	envStr("DIFYBRIDGE_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("DIFYBRIDGE_SESSIONS_PATH", &c.Sessions.Path)
	envStr("DIFYBRIDGE_POSTGRES_DSN", &c.Database.PostgresDSN)

	// Telemetry
	envBool("DIFYBRIDGE_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("DIFYBRIDGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("DIFYBRIDGE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("DIFYBRIDGE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("DIFYBRIDGE_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	envBool("DIFYBRIDGE_METRICS_ENABLED", &c.Metrics.Enabled)
	envStr("DIFYBRIDGE_JANITOR_SCHEDULE", &c.Janitor.Schedule)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Validate checks the settings the gateway cannot start without.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.Providers.Dify.APIKey == "" {
		errs = append(errs, errors.New("providers.dify.api_key is required (or DIFYBRIDGE_DIFY_API_KEY)"))
	}
	if c.Channels.WeChat.Enabled && c.Channels.WeChat.Token == "" {
		errs = append(errs, errors.New("channels.wechat.token is required when the channel is enabled"))
	}
	switch c.Sessions.Storage {
	case "", "memory", "sqlite":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			errs = append(errs, errors.New("sessions.storage=postgres needs DIFYBRIDGE_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("sessions.storage: unknown backend %q", c.Sessions.Storage))
	}
	if d := c.Reply.DeadlineMs; d > 0 && d >= 5000 {
		errs = append(errs, fmt.Errorf("reply.deadline_ms=%d must stay below the gateway's 5000ms limit", d))
	}
	if n := c.Reply.DedupCapacity; n != 0 && n < 2 {
		errs = append(errs, fmt.Errorf("reply.dedup_capacity=%d must be at least 2", n))
	}
	if c.Channels.WeCom.Enabled && (c.Channels.WeCom.CorpID == "" || c.Channels.WeCom.CorpSecret == "" || c.Channels.WeCom.AgentID == 0) {
		errs = append(errs, errors.New("channels.wecom needs corp_id, corp_secret and agent_id when enabled"))
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("telemetry.protocol: unknown protocol %q", c.Telemetry.Protocol))
	}
	return errors.Join(errs...)
}

// Save writes the config to a JSON file. The Postgres DSN is never
// written.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by the stats endpoint and the status command.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Channels.WeChat.Token)
	maskNonEmpty(&cp.Channels.WeChat.AppSecret)
	maskNonEmpty(&cp.Channels.WeCom.Token)
	maskNonEmpty(&cp.Channels.WeCom.CorpSecret)
	maskNonEmpty(&cp.Providers.Dify.APIKey)
	for k := range cp.Telemetry.Headers {
		cp.Telemetry.Headers[k] = secretMask
	}
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// ResolvePath returns the config file path: explicit flag, then
// DIFYBRIDGE_CONFIG, then ./config.json5.
func ResolvePath(flag string) string {
	if flag != "" {
		return ExpandHome(flag)
	}
	if v := strings.TrimSpace(os.Getenv("DIFYBRIDGE_CONFIG")); v != "" {
		return ExpandHome(v)
	}
	return "config.json5"
}
