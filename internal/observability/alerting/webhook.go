package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 10 * time.Second

// HTTPWebhookSender 把告警以 JSON 形式 POST 到外部回调地址。
type HTTPWebhookSender struct {
	url    string
	client *http.Client
}

// NewHTTPWebhookSender 创建 HTTP 回调发送器。
func NewHTTPWebhookSender(url string) (*HTTPWebhookSender, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("webhook 地址不能为空")
	}
	return &HTTPWebhookSender{
		url:    url,
		client: &http.Client{Timeout: defaultWebhookTimeout},
	}, nil
}

// Send 实现 WebhookSender。
func (s *HTTPWebhookSender) Send(ctx context.Context, payload string) error {
	body, err := json.Marshal(map[string]string{"text": payload})
	if err != nil {
		return fmt.Errorf("序列化告警内容失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("构建 webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook 返回错误状态 %d", resp.StatusCode)
	}
	return nil
}
