package chunking

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/internal/cache"
	"github.com/BaSui01/ragflow/types"
)

// MetaStrategyFallback 文档元数据键，记录策略选择回退规则的原因。
const MetaStrategyFallback = "strategy_fallback_reason"

// Selection 策略选择结果。
type Selection struct {
	Strategy       types.ChunkStrategy `json:"strategy"`
	ChunkSize      int                 `json:"chunk_size"`
	ChunkOverlap   int                 `json:"chunk_overlap"`
	Justification  string              `json:"justification,omitempty"`
	Fallback       bool                `json:"fallback,omitempty"`
	FallbackReason string              `json:"fallback_reason,omitempty"`
}

// Selector 为文档挑选分块策略与参数。
// 优先询问 LLM judge；judge 缺席、超时或输出不可解析时回退到
// 扩展名与内容信号规则，Select 从不失败。
type Selector struct {
	provider LLMProvider
	cache    *cache.Layer
	defaults Config
	logger   *zap.Logger
}

// NewSelector 创建策略选择器。provider 和 cacheLayer 均可为 nil。
func NewSelector(provider LLMProvider, cacheLayer *cache.Layer, defaults Config, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.ChunkSize <= 0 {
		defaults = DefaultConfig()
	}
	return &Selector{
		provider: provider,
		cache:    cacheLayer,
		defaults: defaults,
		logger:   logger.With(zap.String("component", "strategy_selector")),
	}
}

const selectPrompt = `You choose a chunking strategy for a document being indexed for retrieval.

Strategies:
- "recursive": general prose, splits on paragraph/sentence separators
- "token": dense or uniform text where token budgets matter
- "markdown": documents structured by markdown headers
- "semantic": topically diverse prose where LLM boundary detection pays off

Filename: %s
Document sample (head, structural lines, tail):
---
%s
---

Respond with JSON only:
{"strategy": "...", "chunk_size": <100-4000>, "chunk_overlap": <0-500>, "justification": "<one sentence>"}`

// Select 为文档选择策略。结果按文件名与内容采样缓存。
func (s *Selector) Select(ctx context.Context, filename, content string) Selection {
	sample := buildSample(content)

	key := cache.Key("strategy_select", filename, sample)
	if s.cache != nil {
		var cached Selection
		if err := s.cache.GetJSON(ctx, key, &cached); err == nil && types.ValidStrategy(string(cached.Strategy)) {
			return cached
		}
	}

	sel, err := s.ask(ctx, filename, sample)
	if err != nil {
		s.logger.Warn("strategy judge unavailable, applying rules",
			zap.String("filename", filename),
			zap.Error(err))
		// 规则回退不进缓存，judge 恢复后重新裁决
		return s.clamp(s.ruleSelect(filename, content, err))
	}
	sel = s.clamp(sel)

	if s.cache != nil {
		_ = s.cache.SetJSON(ctx, key, sel, 0)
	}
	return sel
}

func (s *Selector) ask(ctx context.Context, filename, sample string) (Selection, error) {
	if s.provider == nil {
		return Selection{}, types.NewError(types.ErrServiceUnavailable, "no llm provider for strategy selection")
	}
	raw, err := s.provider.Complete(ctx, fmt.Sprintf(selectPrompt, filename, sample))
	if err != nil {
		return Selection{}, fmt.Errorf("strategy selection: %w", err)
	}
	var sel Selection
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &sel); err != nil {
		return Selection{}, types.WrapError(types.ErrMalformedJudge, "unparseable strategy response", err)
	}
	if !types.ValidStrategy(string(sel.Strategy)) {
		return Selection{}, types.NewError(types.ErrMalformedJudge, fmt.Sprintf("unknown strategy %q", sel.Strategy))
	}
	return sel, nil
}

// ruleSelect 规则回退。扩展名优先，其次看内容信号。
func (s *Selector) ruleSelect(filename, content string, cause error) Selection {
	reason := "judge unavailable"
	if cause != nil {
		reason = cause.Error()
	}
	sel := Selection{
		Strategy:       types.StrategyRecursive,
		ChunkSize:      s.defaults.ChunkSize,
		ChunkOverlap:   s.defaults.ChunkOverlap,
		Fallback:       true,
		FallbackReason: reason,
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown", ".mdx":
		sel.Strategy = types.StrategyMarkdown
		sel.Justification = "markdown extension"
		return sel
	}
	if headerLineCount(content) >= 3 {
		sel.Strategy = types.StrategyMarkdown
		sel.Justification = "multiple markdown headers in content"
		return sel
	}
	sel.Justification = "default recursive"
	return sel
}

func (s *Selector) clamp(sel Selection) Selection {
	if sel.ChunkSize < 100 || sel.ChunkSize > 4000 {
		sel.ChunkSize = s.defaults.ChunkSize
	}
	if sel.ChunkOverlap < 0 || sel.ChunkOverlap >= sel.ChunkSize/2 {
		sel.ChunkOverlap = s.defaults.ChunkOverlap
		if sel.ChunkOverlap >= sel.ChunkSize/2 {
			sel.ChunkOverlap = sel.ChunkSize / 5
		}
	}
	return sel
}

// buildSample 构造偏向边缘的采样：头部、结构行（标题/列表）、尾部。
// 大文档的中段多为同质正文，对策略判断贡献有限。
func buildSample(content string) string {
	const (
		headChars  = 1200
		tailChars  = 600
		maxStructs = 12
	)
	if len(content) <= headChars+tailChars {
		return content
	}

	var b strings.Builder
	b.WriteString(content[:headChars])

	middle := content[headChars : len(content)-tailChars]
	var structs []string
	for _, line := range strings.Split(middle, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			structs = append(structs, trimmed)
			if len(structs) == maxStructs {
				break
			}
		}
	}
	if len(structs) > 0 {
		b.WriteString("\n...\n")
		b.WriteString(strings.Join(structs, "\n"))
	}
	b.WriteString("\n...\n")
	b.WriteString(content[len(content)-tailChars:])
	return b.String()
}

func headerLineCount(content string) int {
	count := 0
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "#") && strings.Contains(t, "# ") {
			count++
		}
	}
	return count
}
