package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Reply.DeadlineMs != 4500 || cfg.Reply.MaxLength != 2000 || cfg.Reply.PendingTTLSec != 600 {
		t.Fatalf("unexpected reply defaults %+v", cfg.Reply)
	}
	if cfg.Reply.Deadline() != 4500*time.Millisecond {
		t.Fatalf("unexpected deadline %v", cfg.Reply.Deadline())
	}
}

func TestLoad_JSON5AndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	data := `{
		// comments and trailing commas are fine
		providers: { dify: { api_key: "file-key", verify_ssl: false } },
		reply: { max_length: 500, group_trigger: "@bot", },
		sessions: { storage: "sqlite" },
	}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DIFYBRIDGE_DIFY_API_KEY", "env-key")
	t.Setenv("DIFYBRIDGE_POSTGRES_DSN", "postgres://x")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.Dify.APIKey != "env-key" {
		t.Fatalf("env must override file, got %q", cfg.Providers.Dify.APIKey)
	}
	if cfg.Providers.Dify.TLSVerify() {
		t.Fatal("verify_ssl=false not applied")
	}
	if cfg.Reply.MaxLength != 500 || cfg.Reply.GroupTrigger != "@bot" || cfg.Reply.DeadlineMs != 4500 {
		t.Fatalf("unexpected reply config %+v", cfg.Reply)
	}
	if cfg.Sessions.Storage != "sqlite" || cfg.Database.PostgresDSN != "postgres://x" {
		t.Fatalf("unexpected storage config %+v %+v", cfg.Sessions, cfg.Database)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "api_key") || !strings.Contains(err.Error(), "wechat.token") {
		t.Fatalf("expected missing key errors, got %v", err)
	}

	cfg.Providers.Dify.APIKey = "k"
	cfg.Channels.WeChat.Token = "t"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg.Reply.DeadlineMs = 5000
	cfg.Sessions.Storage = "postgres"
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "deadline_ms") || !strings.Contains(err.Error(), "POSTGRES_DSN") {
		t.Fatalf("expected deadline and dsn errors, got %v", err)
	}

	cfg.Reply.DeadlineMs = 4500
	cfg.Sessions.Storage = "memory"
	cfg.Reply.DedupCapacity = 1
	cfg.Channels.WeCom.Enabled = true
	cfg.Channels.WeCom.CorpID = "corp"
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "dedup_capacity") || !strings.Contains(err.Error(), "wecom") {
		t.Fatalf("expected dedup capacity and wecom errors, got %v", err)
	}

	cfg.Reply.DedupCapacity = 2
	cfg.Channels.WeCom.CorpSecret = "s"
	cfg.Channels.WeCom.AgentID = 1000002
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Providers.Dify.APIKey = "secret"
	cfg.Channels.WeChat.AppSecret = "secret"
	cfg.Channels.WeCom.CorpSecret = "secret"
	cfg.Gateway.Token = ""

	cp := cfg.MaskedCopy()
	if cp.Providers.Dify.APIKey != secretMask || cp.Channels.WeChat.AppSecret != secretMask || cp.Channels.WeCom.CorpSecret != secretMask {
		t.Fatal("secrets must be masked")
	}
	if cp.Gateway.Token != "" {
		t.Fatal("empty secrets stay empty")
	}
	if cfg.Providers.Dify.APIKey != "secret" {
		t.Fatal("original must not change")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := Default()
	cfg.Reply.MaxLength = 777
	cfg.Database.PostgresDSN = "postgres://secret"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "postgres://secret") {
		t.Fatal("dsn must never be written")
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Reply.MaxLength != 777 {
		t.Fatalf("expected 777, got %d", loaded.Reply.MaxLength)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	if err := os.WriteFile(path, []byte(`{reply: {max_length: 100}}`), 0600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan int, 4)
	go Watch(ctx, path, func(c *Config) { got <- c.Reply.MaxLength })

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{reply: {max_length: 200}}`), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-got:
		if n != 200 {
			t.Fatalf("expected 200, got %d", n)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}
}
