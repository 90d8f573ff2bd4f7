package chunking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/internal/cache"
	"github.com/BaSui01/ragflow/types"
)

// LLMProvider 语义边界检测所需的最小 LLM 接口。
type LLMProvider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// semanticSplitter 用 LLM 检测话题转换边界。
// 长文档按窗口处理，每个窗口的边界决策按内容哈希缓存。
type semanticSplitter struct {
	provider LLMProvider
	cache    *cache.Layer
	window   int
	logger   *zap.Logger
}

// NewSemanticSplitter 创建语义分割器。cacheLayer 可为 nil（不缓存）。
func NewSemanticSplitter(provider LLMProvider, cacheLayer *cache.Layer, window int, logger *zap.Logger) *semanticSplitter {
	if window <= 0 {
		window = 4000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &semanticSplitter{
		provider: provider,
		cache:    cacheLayer,
		window:   window,
		logger:   logger.With(zap.String("component", "semantic_splitter")),
	}
}

// splitSemantic 语义策略入口。分割器未配置或 LLM 失败时返回错误，
// 由调用方回退 recursive。
func (c *Chunker) splitSemantic(ctx context.Context, text string, size int) ([]span, error) {
	if c.semantic == nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "semantic splitter not configured")
	}
	return c.semantic.split(ctx, c, text, size)
}

func (s *semanticSplitter) split(ctx context.Context, chunker *Chunker, text string, size int) ([]span, error) {
	if s.provider == nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "no llm provider for semantic chunking")
	}

	paras := splitParagraphs(text)
	if len(paras) == 0 {
		return nil, nil
	}

	// 边界集合为“开启新段的段落下标”，0 恒为边界
	boundaries := map[int]bool{0: true}
	for _, win := range windowParagraphs(paras, s.window) {
		local, err := s.windowBoundaries(ctx, text, paras, win)
		if err != nil {
			return nil, err
		}
		for _, b := range local {
			boundaries[b] = true
		}
	}

	var spans []span
	segStart := paras[0].start
	for i := 1; i < len(paras); i++ {
		if boundaries[i] {
			spans = append(spans, span{segStart, paras[i].start})
			segStart = paras[i].start
		}
	}
	spans = append(spans, span{segStart, paras[len(paras)-1].end})

	// 语义段仍受大小上限约束
	var out []span
	for _, sp := range spans {
		if measureChars(text[sp.start:sp.end]) > size {
			out = append(out, chunker.segmentRange(text, sp.start, sp.end, defaultSeparators, size, measureChars)...)
		} else {
			out = append(out, sp)
		}
	}
	return out, nil
}

// paragraph 原文中一个段落的区间，含尾随分隔符。
type paragraph struct {
	start, end int
}

// splitParagraphs 按空行切段，区间连续覆盖原文。
func splitParagraphs(text string) []paragraph {
	var paras []paragraph
	start := 0
	for _, part := range strings.SplitAfter(text, "\n\n") {
		if part == "" {
			continue
		}
		paras = append(paras, paragraph{start, start + len(part)})
		start += len(part)
	}
	return paras
}

// window 一个处理窗口覆盖的段落下标区间 [first, last]。
type window struct {
	first, last int
}

func windowParagraphs(paras []paragraph, windowChars int) []window {
	var wins []window
	first := 0
	chars := 0
	for i, p := range paras {
		size := p.end - p.start
		if chars > 0 && chars+size > windowChars {
			wins = append(wins, window{first, i - 1})
			first = i
			chars = 0
		}
		chars += size
	}
	wins = append(wins, window{first, len(paras) - 1})
	return wins
}

const semanticBoundaryPrompt = `You segment documents by topic. Below is a numbered list of consecutive paragraphs from one document.

Identify where the topic shifts. Respond with JSON only:
{"boundaries": [<paragraph numbers that START a new topical segment>]}

Rules:
- Use only numbers from the list.
- An unchanged topic needs no boundary; returning {"boundaries": []} is valid.
- JSON only, no commentary.

Paragraphs:
%s`

// windowBoundaries 对单个窗口做边界检测，命中缓存时跳过 LLM 调用。
func (s *semanticSplitter) windowBoundaries(ctx context.Context, text string, paras []paragraph, win window) ([]int, error) {
	windowText := text[paras[win.first].start:paras[win.last].end]
	key := cache.Key("semantic_boundaries", windowText)

	if s.cache != nil {
		var cached []int
		if err := s.cache.GetJSON(ctx, key, &cached); err == nil {
			s.logger.Debug("semantic boundaries cache hit", zap.Int("window_first", win.first))
			return offsetBoundaries(cached, win), nil
		}
	}

	var listing strings.Builder
	for i := win.first; i <= win.last; i++ {
		excerpt := strings.TrimSpace(text[paras[i].start:paras[i].end])
		if len(excerpt) > 400 {
			excerpt = excerpt[:400]
		}
		fmt.Fprintf(&listing, "[%d] %s\n\n", i-win.first, excerpt)
	}

	raw, err := s.provider.Complete(ctx, fmt.Sprintf(semanticBoundaryPrompt, listing.String()))
	if err != nil {
		return nil, fmt.Errorf("semantic boundary detection: %w", err)
	}

	var parsed struct {
		Boundaries []int `json:"boundaries"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &parsed); err != nil {
		return nil, types.WrapError(types.ErrMalformedJudge, "unparseable boundary response", err)
	}

	var local []int
	for _, b := range parsed.Boundaries {
		if b > 0 && b <= win.last-win.first {
			local = append(local, b)
		}
	}
	if s.cache != nil {
		_ = s.cache.SetJSON(ctx, key, local, 0)
	}
	return offsetBoundaries(local, win), nil
}

func offsetBoundaries(local []int, win window) []int {
	out := make([]int, 0, len(local))
	for _, b := range local {
		out = append(out, win.first+b)
	}
	return out
}

// extractJSONObject 从可能带说明或 markdown 代码栅栏的回复中截取首个 JSON 对象。
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
