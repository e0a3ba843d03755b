package cmd

import (
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/difybridge/internal/channels/wechat"
	"github.com/nextlevelbuilder/difybridge/internal/channels/wecom"
	"github.com/nextlevelbuilder/difybridge/internal/config"
	"github.com/nextlevelbuilder/difybridge/internal/providers"
	"github.com/nextlevelbuilder/difybridge/internal/reply"
)

func newBackend(cfg *config.Config) *providers.DifyProvider {
	dc := cfg.Providers.Dify
	opts := []providers.DifyOption{
		providers.WithBlockingTimeout(time.Duration(dc.TimeoutSec) * time.Second),
	}
	if !dc.TLSVerify() {
		slog.Warn("dify: TLS certificate verification disabled")
		opts = append(opts, providers.WithInsecureTLS())
	}
	p := providers.NewDifyProvider(dc.APIKey, dc.APIBase, opts...)
	slog.Info("registered backend", "name", p.Name(), "api_base", p.APIBase())
	return p
}

// newPushClient returns nil when the account has no push credentials.
func newPushClient(cfg *config.Config) *wechat.Client {
	wc := cfg.Channels.WeChat
	if !wc.PushEnabled() {
		return nil
	}
	var opts []wechat.ClientOption
	if wc.APIBase != "" {
		opts = append(opts, wechat.WithAPIBase(wc.APIBase))
	}
	if wc.PushRate > 0 {
		opts = append(opts, wechat.WithPushRate(wc.PushRate, int(wc.PushRate)+1))
	}
	return wechat.NewClient(wc.AppID, wc.AppSecret, opts...)
}

func newWeComClient(wc config.WeComConfig) *wecom.Client {
	opts := []wecom.ClientOption{wecom.WithAPIBase(wc.APIBase)}
	if wc.PushRate > 0 {
		opts = append(opts, wecom.WithSendRate(wc.PushRate, int(wc.PushRate)+1))
	}
	return wecom.NewClient(wc.CorpID, wc.CorpSecret, wc.AgentID, opts...)
}

func replyConfigFrom(rc config.ReplyConfig) reply.Config {
	return reply.Config{
		Deadline:            rc.Deadline(),
		MaxLength:           rc.MaxLength,
		ContinuationTimeout: rc.ContinuationTimeout(),
		GroupTrigger:        rc.GroupTrigger,
		Texts: reply.Texts{
			Waiting:       rc.Texts.Waiting,
			Apology:       rc.Texts.Apology,
			NoReply:       rc.Texts.NoReply,
			PendingPrefix: rc.Texts.PendingPrefix,
			TextOnly:      rc.Texts.TextOnly,
			EmptyText:     rc.Texts.EmptyText,
			Throttled:     rc.Texts.Throttled,
		},
	}
}
