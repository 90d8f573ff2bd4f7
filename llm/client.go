package llm

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

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/internal/retry"
	"github.com/BaSui01/ragflow/types"
)

// Config LLM 客户端配置。
type Config struct {
	BaseURL     string        // 形如 https://api.openai.com/v1
	APIKey      string
	Model       string
	Timeout     time.Duration // 单次请求超时
	MaxRetries  int
	Temperature float64
}

// DefaultConfig 返回默认客户端配置。
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		Timeout:     30 * time.Second,
		MaxRetries:  2,
		Temperature: 0.1,
	}
}

// Client OpenAI 兼容 chat completions 客户端。
type Client struct {
	config  Config
	http    *http.Client
	retryer *retry.Retryer
	logger  *zap.Logger
}

// NewClient 创建客户端。
func NewClient(config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	policy := retry.DefaultPolicy()
	policy.MaxRetries = config.MaxRetries
	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		retryer: retry.New(policy, logger),
		logger:  logger.With(zap.String("component", "llm_client")),
	}
}

// OpenAI 兼容 wire 结构
type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Complete 发送单轮用户消息，返回助手回复文本。
// 网络错误与 5xx/429 按重试策略重试，上下文取消立即返回。
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	return retry.DoWithResult(c.retryer, ctx, func() (string, error) {
		return c.complete(ctx, prompt)
	})
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(openAIRequest{
		Model:       c.config.Model,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
		Temperature: c.config.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", types.WrapError(types.ErrTimeout, "llm request timed out", err)
		}
		return "", types.WrapError(types.ErrUpstreamError, "llm request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", types.WrapError(types.ErrUpstreamError, "read llm response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError(resp.StatusCode, data)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", types.WrapError(types.ErrUpstreamError, "decode llm response", err)
	}
	if parsed.Error != nil {
		return "", types.NewError(types.ErrUpstreamError, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", types.NewError(types.ErrUpstreamError, "llm response has no choices")
	}

	c.logger.Debug("llm completion",
		zap.String("model", c.config.Model),
		zap.Duration("latency", time.Since(start)),
		zap.Int("prompt_chars", len(prompt)))
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) statusError(status int, body []byte) error {
	msg := fmt.Sprintf("llm endpoint returned %d", status)
	var parsed openAIResponse
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
		msg = fmt.Sprintf("%s: %s", msg, parsed.Error.Message)
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		// 可重试
		return types.NewError(types.ErrUpstreamError, msg)
	case status == http.StatusRequestTimeout:
		return types.NewError(types.ErrTimeout, msg)
	default:
		err := types.NewError(types.ErrUpstreamError, msg)
		err.Retryable = false
		return err
	}
}
