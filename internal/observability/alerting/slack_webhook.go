package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SlackWebhookSender 通过 Incoming Webhook 向 Slack 发送消息。
type SlackWebhookSender struct {
	WebhookURL string
	Client     *http.Client
}

type slackWebhookPayload struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

// Send 实现 SlackSender。
func (s *SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	if s == nil || s.WebhookURL == "" {
		return fmt.Errorf("slack webhook 未配置")
	}
	body, err := json.Marshal(slackWebhookPayload{Channel: channel, Text: content})
	if err != nil {
		return fmt.Errorf("编码 Slack 消息失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构建 Slack 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 Slack 消息失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("Slack 返回 %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return nil
}
