package feishu

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lk2023060901/xplay/pkg/config"
)

// Client 飞书机器人客户端
type Client struct {
	config *Config
	client *http.Client
	now    func() time.Time
}

// NewClient 创建飞书客户端
func NewClient(cfg *Config) (*Client, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		config: newCfg,
		client: &http.Client{Timeout: newCfg.Timeout},
		now:    time.Now,
	}, nil
}

// Send 发送消息
func (c *Client) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"msg_type": msg.Type(),
		"content":  msg.Content(),
	}
	if c.config.Secret != "" {
		timestamp := c.now().Unix()
		payload["timestamp"] = fmt.Sprintf("%d", timestamp)
		payload["sign"] = c.genSign(timestamp)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWebhook, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWebhook, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("%w: status %d: %v", ErrBadResponse, resp.StatusCode, err)
	}
	if result.Code != 0 {
		return fmt.Errorf("%w: %s (code=%d)", ErrRejected, result.Msg, result.Code)
	}
	return nil
}

// genSign 签名：以 timestamp + "\n" + secret 为 HMAC-SHA256 密钥对空串签名
func (c *Client) genSign(timestamp int64) string {
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, c.config.Secret)
	h := hmac.New(sha256.New, []byte(stringToSign))
	h.Write([]byte{})
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
