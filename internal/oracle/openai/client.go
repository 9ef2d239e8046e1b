package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"AgentFleet-Chain/internal/oracle"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 为执行管线产出函数选择决策。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 决策客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Decide 调用 OpenAI 生成结构化决策。
func (c *Client) Decide(ctx context.Context, snapshot oracle.Snapshot) (*oracle.Decision, error) {
	payload, err := c.buildPayload(snapshot)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 OpenAI 请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 OpenAI 响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}
	content = stripFence(content)

	var decision oracle.Decision
	if err := json.Unmarshal([]byte(content), &decision); err != nil {
		return nil, fmt.Errorf("解析决策 JSON 失败: %w", err)
	}
	if err := decision.Validate(snapshot); err != nil {
		return nil, err
	}
	return &decision, nil
}

func (c *Client) buildPayload(snapshot oracle.Snapshot) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	messages := []message{
		{
			Role:    "system",
			Content: systemPrompt,
		},
		{
			Role:    "user",
			Content: buildUserPrompt(snapshot),
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 OpenAI 请求失败: %w", err)
	}
	return encoded, nil
}

const systemPrompt = "" +
	"You are the decision engine of an autonomous on-chain agent. " +
	"Pick exactly one of the listed contract functions to call next, or skip this round. " +
	"Always respond with a compact JSON object: " +
	"{\"function\": string, \"args\": object, \"reasoning\": string, \"skip\": bool}. " +
	"Argument values must satisfy the declared parameter types."

func buildUserPrompt(snapshot oracle.Snapshot) string {
	var builder strings.Builder
	builder.WriteString("## 智能体\n")
	builder.WriteString(fmt.Sprintf("名称: %s\n", strings.TrimSpace(snapshot.AgentName)))
	if goal := strings.TrimSpace(snapshot.Goal); goal != "" {
		builder.WriteString(fmt.Sprintf("目标: %s\n", goal))
	}
	builder.WriteString(fmt.Sprintf("合约: %s\n", snapshot.ContractAddress))
	if snapshot.ChainID != "" {
		builder.WriteString(fmt.Sprintf("链 ID: %s，最新区块: %s\n", snapshot.ChainID, snapshot.BlockNumber))
	}

	builder.WriteString("\n## 可调用函数\n")
	for idx, fn := range snapshot.Functions {
		builder.WriteString(fmt.Sprintf("[%d] %s (%s, %s)\n", idx+1, fn.Name, fn.Signature, fn.Direction))
		for _, param := range fn.Params {
			line := fmt.Sprintf("    - %s: %s", param.Name, param.Type)
			if param.Default != nil {
				line += " (默认 " + *param.Default + ")"
			}
			builder.WriteString(line + "\n")
		}
	}

	if len(snapshot.History) > 0 {
		builder.WriteString("\n## 近期执行\n")
		for idx, entry := range snapshot.History {
			builder.WriteString(fmt.Sprintf("[%d] %s -> %s %s\n",
				idx+1, entry.Function, entry.Outcome, truncate(entry.Output)))
			if idx >= 4 {
				break
			}
		}
	}

	builder.WriteString("\n请给出本轮最合理的函数选择与参数。")
	return builder.String()
}

// stripFence 去掉模型偶尔包裹的 markdown 代码块标记。
func stripFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 80 {
		return string([]rune(text)[:80]) + "..."
	}
	return text
}
