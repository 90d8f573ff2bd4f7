package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/internal/cache"
	"github.com/BaSui01/ragflow/internal/metrics"
	"github.com/BaSui01/ragflow/types"
)

// LLMProvider judge 所需的最小 LLM 接口。
type LLMProvider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config judge 配置。
type Config struct {
	DefaultTopK      int           `json:"default_top_k"`
	DefaultThreshold float64       `json:"default_threshold"`
	DefaultRerank    bool          `json:"default_rerank"`
	RetrievalMargin  int           `json:"retrieval_margin"` // 检索超额量，供阈值过滤消耗
	CacheTTL         time.Duration `json:"cache_ttl"`
}

// DefaultConfig 返回默认 judge 配置。
// 阈值 0.4 和 k=10 是经验常数，按语料调整。
func DefaultConfig() Config {
	return Config{
		DefaultTopK:      10,
		DefaultThreshold: 0.4,
		DefaultRerank:    true,
		RetrievalMargin:  5,
		CacheTTL:         30 * time.Minute,
	}
}

// Judge 检索质量判官。
type Judge struct {
	config   Config
	provider LLMProvider
	cache    *cache.Layer
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// Option Judge 选项。
type Option func(*Judge)

// WithCache 启用判官结果缓存。
func WithCache(layer *cache.Layer) Option {
	return func(j *Judge) { j.cache = layer }
}

// WithMetrics 启用指标采集。
func WithMetrics(collector *metrics.Collector) Option {
	return func(j *Judge) { j.metrics = collector }
}

// WithLogger 设置日志器。
func WithLogger(logger *zap.Logger) Option {
	return func(j *Judge) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// New 创建判官。provider 为 nil 时所有操作直接走降级路径。
// 配置按字段补默认值，调用方显式设置的字段不被覆盖。
func New(config Config, provider LLMProvider, opts ...Option) *Judge {
	if config.DefaultTopK <= 0 {
		config.DefaultTopK = 10
	}
	if config.DefaultThreshold <= 0 || config.DefaultThreshold >= 1 {
		config.DefaultThreshold = 0.4
	}
	if config.RetrievalMargin <= 0 {
		config.RetrievalMargin = 5
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 30 * time.Minute
	}
	j := &Judge{
		config:   config,
		provider: provider,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With(zap.String("component", "retrieval_judge"))
	return j
}

// Margin 返回检索超额后的实际取数。
func (j *Judge) Margin(topK int) int {
	if topK <= 0 {
		topK = j.config.DefaultTopK
	}
	return topK + j.config.RetrievalMargin
}

// Threshold 返回配置的默认相关性阈值。
func (j *Judge) Threshold() float64 {
	return j.config.DefaultThreshold
}

// =============================================================================
// 🔍 ANALYZE
// =============================================================================

const analyzePrompt = `You tune retrieval parameters for a RAG system.

Query: %q
Recent conversation (may be empty):
%s

Classify the query and recommend retrieval parameters. Short factual queries need few candidates; multi-part or ambiguous queries need more.

Respond with JSON only:
{"complexity": "simple|moderate|complex", "top_k": <3-30>, "threshold": <0.1-0.9>, "rerank": <bool>, "justification": "<one sentence>"}`

// AnalyzeQuery 分析查询复杂度并推荐检索参数。从不失败：
// judge 不可用或输出畸形时返回固定默认值（k=10、0.4、重排开）。
func (j *Judge) AnalyzeQuery(ctx context.Context, query string, conversation []string) types.QueryAnalysis {
	key := cache.Key("analyze_query", query, strings.Join(tail(conversation, 3), "\n"))
	if j.cache != nil {
		var cached types.QueryAnalysis
		if err := j.cache.GetJSON(ctx, key, &cached); err == nil {
			j.recordCache("analyze", true)
			return cached
		}
		j.recordCache("analyze", false)
	}

	analysis, err := j.askAnalyze(ctx, query, conversation)
	if err != nil {
		j.logger.Warn("query analysis degraded to defaults",
			zap.String("query", query),
			zap.Error(err))
		j.recordFallback("analyze")
		// 降级结果不进缓存，后端恢复后同一查询立即重新评估
		return j.fallbackAnalysis(query)
	}

	if j.cache != nil {
		_ = j.cache.SetJSON(ctx, key, analysis, j.config.CacheTTL)
	}
	return analysis
}

func (j *Judge) askAnalyze(ctx context.Context, query string, conversation []string) (types.QueryAnalysis, error) {
	if j.provider == nil {
		return types.QueryAnalysis{}, types.NewError(types.ErrServiceUnavailable, "no judge provider")
	}
	j.recordCall("analyze")

	convo := strings.Join(tail(conversation, 3), "\n")
	if convo == "" {
		convo = "(none)"
	}
	raw, err := j.provider.Complete(ctx, fmt.Sprintf(analyzePrompt, query, convo))
	if err != nil {
		return types.QueryAnalysis{}, fmt.Errorf("analyze query: %w", err)
	}

	var parsed types.QueryAnalysis
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		j.logger.Warn("malformed analyze response", zap.String("raw", clip(raw, 300)))
		return types.QueryAnalysis{}, types.WrapError(types.ErrMalformedJudge, "unparseable analysis", err)
	}
	return j.sanitizeAnalysis(parsed), nil
}

func (j *Judge) sanitizeAnalysis(a types.QueryAnalysis) types.QueryAnalysis {
	switch a.Complexity {
	case types.ComplexitySimple, types.ComplexityModerate, types.ComplexityComplex:
	default:
		a.Complexity = types.ComplexityModerate
	}
	if a.TopK < 3 || a.TopK > 30 {
		a.TopK = j.config.DefaultTopK
	}
	if a.Threshold < 0.1 || a.Threshold > 0.9 {
		a.Threshold = j.config.DefaultThreshold
	}
	return a
}

// fallbackAnalysis 固定默认参数，复杂度用启发式标注仅供日志观察。
func (j *Judge) fallbackAnalysis(query string) types.QueryAnalysis {
	return types.QueryAnalysis{
		Complexity:    heuristicComplexity(query),
		TopK:          j.config.DefaultTopK,
		Threshold:     j.config.DefaultThreshold,
		Rerank:        j.config.DefaultRerank,
		Justification: "judge unavailable, defaults applied",
	}
}

func heuristicComplexity(query string) types.QueryComplexity {
	words := len(strings.Fields(query))
	questions := strings.Count(query, "?") + strings.Count(query, "？")
	switch {
	case words <= 5 && questions <= 1:
		return types.ComplexitySimple
	case words > 20 || questions > 1 || strings.Contains(strings.ToLower(query), " and "):
		return types.ComplexityComplex
	default:
		return types.ComplexityModerate
	}
}

// =============================================================================
// 工具
// =============================================================================

func (j *Judge) recordCall(op string) {
	if j.metrics != nil {
		j.metrics.RecordJudgeCall(op)
	}
}

func (j *Judge) recordFallback(op string) {
	if j.metrics != nil {
		j.metrics.RecordJudgeFallback(op)
	}
}

func (j *Judge) recordCache(op string, hit bool) {
	if j.metrics != nil {
		j.metrics.RecordCacheHit("judge_"+op, hit)
	}
}

func tail(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// extractJSONObject 从可能带说明或代码栅栏的回复中截取首个 JSON 对象。
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
