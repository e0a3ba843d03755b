package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nextlevelbuilder/difybridge/internal/config"
)

var gatewayAddr string

// opsBaseURL resolves the running gateway's address: --addr, else the
// configured host and port.
func opsBaseURL(cfg *config.Config) string {
	if gatewayAddr != "" {
		return gatewayAddr
	}
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Gateway.Port)
}

// opsRequest calls the gateway's ops API and returns the raw JSON body.
func opsRequest(ctx context.Context, cfg *config.Config, method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, opsBaseURL(cfg)+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.Gateway.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}

	client := &http.Client{Timeout: 70 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable at %s: %w", opsBaseURL(cfg), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(data, "error").String()
		if msg == "" {
			msg = string(data)
		}
		return data, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, msg)
	}
	return data, nil
}
