package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/ragflow/internal/retry"
	"github.com/BaSui01/ragflow/types"
)

// Config 向量化提供者配置。
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	MaxBatch   int     // 单次请求最大文本数
	RateLimit  float64 // 每秒请求数上限，0 表示不限速
	Timeout    time.Duration
	MaxRetries int
}

// DefaultConfig 返回默认向量化配置。
func DefaultConfig() Config {
	return Config{
		BaseURL:    "https://api.openai.com/v1",
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		MaxBatch:   100,
		RateLimit:  10,
		Timeout:    30 * time.Second,
		MaxRetries: 2,
	}
}

// OpenAIProvider OpenAI 兼容 /embeddings 客户端。
type OpenAIProvider struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
	retryer *retry.Retryer
	logger  *zap.Logger
}

// NewOpenAIProvider 创建向量化提供者。
func NewOpenAIProvider(config Config, logger *zap.Logger) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxBatch <= 0 {
		config.MaxBatch = 100
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}
	policy := retry.DefaultPolicy()
	policy.MaxRetries = config.MaxRetries
	return &OpenAIProvider{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: limiter,
		retryer: retry.New(policy, logger),
		logger:  logger.With(zap.String("component", "embedding")),
	}
}

func (p *OpenAIProvider) Dimensions() int { return p.config.Dimensions }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed 向量化文本，超过批次上限时自动分批。
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.config.MaxBatch {
		end := start + p.config.MaxBatch
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (p *OpenAIProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, types.WrapError(types.ErrTimeout, "embedding rate limit wait", err)
		}
	}
	return retry.DoWithResult(p.retryer, ctx, func() ([][]float32, error) {
		return p.request(ctx, texts)
	})
}

func (p *OpenAIProvider) request(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: p.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, types.WrapError(types.ErrEmbeddingFailed, "embedding request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, types.WrapError(types.ErrEmbeddingFailed, "read embedding response", err)
	}
	if resp.StatusCode != http.StatusOK {
		e := types.NewError(types.ErrEmbeddingFailed,
			fmt.Sprintf("embedding endpoint returned %d", resp.StatusCode))
		e.Retryable = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, e
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, types.WrapError(types.ErrEmbeddingFailed, "decode embedding response", err)
	}
	if parsed.Error != nil {
		return nil, types.NewError(types.ErrEmbeddingFailed, parsed.Error.Message)
	}
	if len(parsed.Data) != len(texts) {
		return nil, types.NewError(types.ErrEmbeddingFailed,
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(parsed.Data)))
	}

	// 端点可能乱序返回，按 index 归位
	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, types.NewError(types.ErrEmbeddingFailed,
				fmt.Sprintf("embedding index %d out of range", d.Index))
		}
		out[d.Index] = d.Embedding
	}
	p.logger.Debug("embedded batch", zap.Int("texts", len(texts)))
	return out, nil
}
