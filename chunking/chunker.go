package chunking

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/types"
)

// 默认分隔符层级，从粗到细
var defaultSeparators = []string{"\n\n", "\n", "。", ". ", "！", "!", "？", "?", "；", ";", " "}

// Config 分块配置。
type Config struct {
	ChunkSize      int    // 块大小上限（recursive 按字符，token 按 token）
	ChunkOverlap   int    // 相邻块重叠量，单位同 ChunkSize
	MinChunkSize   int    // 小于该值的尾块并入前块
	TokenizerModel string // token 计量模型
	SemanticWindow int    // semantic 策略单窗口字符数
}

// DefaultConfig 返回默认分块配置。
func DefaultConfig() Config {
	return Config{
		ChunkSize:      1000,
		ChunkOverlap:   200,
		MinChunkSize:   50,
		TokenizerModel: "gpt-4o",
		SemanticWindow: 4000,
	}
}

// Piece 一个分块。Start/End 为非重叠区间在原文中的字节偏移，
// Text 可能携带来自前一块尾部的重叠前缀。
type Piece struct {
	Text  string
	Start int
	End   int
	Meta  map[string]any
}

// Chunker 文档分块器，支持全部四种策略。
type Chunker struct {
	config    Config
	tokenizer Tokenizer
	semantic  *semanticSplitter
	logger    *zap.Logger
}

// Option Chunker 选项。
type Option func(*Chunker)

// WithLogger 设置日志器。
func WithLogger(logger *zap.Logger) Option {
	return func(c *Chunker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTokenizer 替换 token 计量器。
func WithTokenizer(t Tokenizer) Option {
	return func(c *Chunker) {
		if t != nil {
			c.tokenizer = t
		}
	}
}

// WithSemanticSplitter 启用 semantic 策略所需的 LLM 边界检测。
// 未设置时 semantic 策略直接回退 recursive。
func WithSemanticSplitter(s *semanticSplitter) Option {
	return func(c *Chunker) { c.semantic = s }
}

// New 创建分块器。
func New(cfg Config, opts ...Option) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 5
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = 50
	}
	if cfg.SemanticWindow <= 0 {
		cfg.SemanticWindow = 4000
	}
	c := &Chunker{
		config: cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokenizer == nil {
		c.tokenizer = NewTiktokenTokenizer(cfg.TokenizerModel, c.logger)
	}
	c.logger = c.logger.With(zap.String("component", "chunker"))
	return c
}

// Split 按指定策略分块。size/overlap 传 0 时使用配置默认值。
// 返回的 pieces 非重叠区间按序拼接等于原文。
func (c *Chunker) Split(ctx context.Context, text string, strategy types.ChunkStrategy, size, overlap int) ([]Piece, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if size <= 0 {
		size = c.config.ChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = c.config.ChunkOverlap
		if overlap >= size {
			overlap = size / 5
		}
	}

	var spans []span
	var metas map[int]map[string]any
	var err error

	switch strategy {
	case types.StrategyRecursive, "":
		spans = c.segmentRange(text, 0, len(text), defaultSeparators, size, measureChars)
	case types.StrategyToken:
		spans = c.segmentRange(text, 0, len(text), defaultSeparators, size, c.tokenizer.CountTokens)
	case types.StrategyMarkdown:
		spans, metas = c.splitMarkdown(text, size)
	case types.StrategySemantic:
		spans, err = c.splitSemantic(ctx, text, size)
		if err != nil {
			c.logger.Warn("semantic chunking failed, falling back to recursive", zap.Error(err))
			spans = c.segmentRange(text, 0, len(text), defaultSeparators, size, measureChars)
		}
	default:
		return nil, types.NewError(types.ErrInvalidConfig, fmt.Sprintf("unknown chunk strategy %q", strategy))
	}

	// markdown 的小节边界有语义，不做小块合并以免标题归属错位
	if strategy != types.StrategyMarkdown {
		spans = c.mergeSmall(text, spans)
	}

	overlapChars := overlap
	if strategy == types.StrategyToken {
		// token 重叠换算为字符，~4 字符/token
		overlapChars = overlap * 4
	}
	pieces := c.applyOverlap(text, spans, overlapChars)
	for i := range pieces {
		if m, ok := metas[i]; ok {
			pieces[i].Meta = m
		}
	}

	c.logger.Debug("document split",
		zap.String("strategy", string(strategy)),
		zap.Int("chunks", len(pieces)),
		zap.Int("chunk_size", size),
		zap.Int("overlap", overlap))
	return pieces, nil
}

// span 原文中的一个连续字节区间 [start, end)。
type span struct {
	start, end int
}

func measureChars(s string) int { return utf8.RuneCountInString(s) }

// segmentRange 递归分割 text[start:end]，保证结果区间连续覆盖输入。
func (c *Chunker) segmentRange(text string, start, end int, seps []string, size int, measure func(string) int) []span {
	if start >= end {
		return nil
	}
	if measure(text[start:end]) <= size {
		return []span{{start, end}}
	}
	if len(seps) == 0 {
		return hardCut(text, start, end, size, measure)
	}

	parts := strings.SplitAfter(text[start:end], seps[0])
	var out []span
	flush := func(s, e int) {
		if s >= e {
			return
		}
		if measure(text[s:e]) > size {
			out = append(out, c.segmentRange(text, s, e, seps[1:], size, measure)...)
		} else {
			out = append(out, span{s, e})
		}
	}

	cur := ""
	curStart := start
	pos := start
	for _, p := range parts {
		if p == "" {
			continue
		}
		if cur != "" && measure(cur+p) > size {
			flush(curStart, pos)
			curStart = pos
			cur = ""
		}
		cur += p
		pos += len(p)
	}
	flush(curStart, pos)
	return out
}

// hardCut 无分隔符可用时按计量上限强制切分，保持 rune 边界。
func hardCut(text string, start, end, size int, measure func(string) int) []span {
	var out []span
	for start < end {
		// 二分查找满足 size 的最长前缀
		lo, hi := start, end
		for lo < hi {
			mid := (lo + hi + 1) / 2
			// 对齐到 rune 边界
			for mid < end && !utf8.RuneStart(text[mid]) {
				mid++
			}
			if mid <= lo {
				break
			}
			if measure(text[start:mid]) <= size {
				lo = mid
			} else {
				hi = mid - 1
				for hi > start && !utf8.RuneStart(text[hi]) {
					hi--
				}
			}
		}
		cut := lo
		if cut <= start {
			// 至少前进一个 rune
			_, w := utf8.DecodeRuneInString(text[start:])
			cut = start + w
		}
		out = append(out, span{start, cut})
		start = cut
	}
	return out
}

// mergeSmall 将过小的尾块并入前一块，保持连续性。
func (c *Chunker) mergeSmall(text string, spans []span) []span {
	if len(spans) < 2 {
		return spans
	}
	out := spans[:0:0]
	for _, sp := range spans {
		n := len(out)
		if n > 0 && utf8.RuneCountInString(strings.TrimSpace(text[sp.start:sp.end])) < c.config.MinChunkSize {
			out[n-1].end = sp.end
			continue
		}
		out = append(out, sp)
	}
	return out
}

// applyOverlap 从上一块尾部复制 overlapChars 个字符作为当前块前缀。
func (c *Chunker) applyOverlap(text string, spans []span, overlapChars int) []Piece {
	pieces := make([]Piece, 0, len(spans))
	for i, sp := range spans {
		body := text[sp.start:sp.end]
		if i > 0 && overlapChars > 0 {
			prev := text[spans[i-1].start:spans[i-1].end]
			body = tailRunes(prev, overlapChars) + body
		}
		pieces = append(pieces, Piece{Text: body, Start: sp.start, End: sp.end})
	}
	return pieces
}

// tailRunes 返回 s 末尾最多 n 个 rune。
func tailRunes(s string, n int) string {
	if n <= 0 || s == "" {
		return ""
	}
	count := 0
	for i := len(s); i > 0; {
		r, w := utf8.DecodeLastRuneInString(s[:i])
		_ = r
		i -= w
		count++
		if count == n {
			return s[i:]
		}
	}
	return s
}

// ToChunks 将 pieces 转换为带元数据的 types.Chunk。
func ToChunks(documentID string, pieces []Piece, extra map[string]any) []types.Chunk {
	chunks := make([]types.Chunk, 0, len(pieces))
	for i, p := range pieces {
		meta := map[string]any{
			types.MetaDocumentID: documentID,
			types.MetaIndex:      i,
		}
		for k, v := range extra {
			meta[k] = v
		}
		for k, v := range p.Meta {
			meta[k] = v
		}
		chunks = append(chunks, types.Chunk{
			ID:         fmt.Sprintf("%s_%d", documentID, i),
			DocumentID: documentID,
			Index:      i,
			Content:    p.Text,
			Metadata:   meta,
			CreatedAt:  time.Now(),
		})
	}
	return chunks
}
