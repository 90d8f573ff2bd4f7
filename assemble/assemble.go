/*
# 概述

Package assemble 把最终候选集装配为带引用标记的上下文。

不变量：

  - 候选为空时返回哨兵上下文和空来源列表，生成阶段据此拒绝编造引用
  - [i] 标记在最终收录决定之后才分配，被预算丢弃的候选不占编号
  - 超预算先丢弃排名最低的候选；发生任何裁剪都置 Truncated
*/
package assemble

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/types"
)

// blockSeparator 上下文中相邻来源块的分隔符
const blockSeparator = "\n\n---\n\n"

// Config 装配配置。
type Config struct {
	MaxContextSize int // 上下文字符预算
	ExcerptLength  int // Source.Excerpt 长度
}

// DefaultConfig 返回默认装配配置。
func DefaultConfig() Config {
	return Config{
		MaxContextSize: 12000,
		ExcerptLength:  200,
	}
}

// Assembler 上下文装配器。无共享可变状态，可并发使用。
type Assembler struct {
	config Config
	logger *zap.Logger
}

// New 创建装配器。
func New(config Config, logger *zap.Logger) *Assembler {
	if config.MaxContextSize <= 0 {
		config.MaxContextSize = 12000
	}
	if config.ExcerptLength <= 0 {
		config.ExcerptLength = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		config: config,
		logger: logger.With(zap.String("component", "assembler")),
	}
}

// Assemble 装配上下文。candidates 按最终优先级排列（最相关在前）。
// conversation 不进入上下文本体，但其长度从预算中扣除，保证
// 上下文加会话历史的总量有界。
func (a *Assembler) Assemble(query string, candidates []types.RetrievalCandidate, conversation []string) types.AssembledContext {
	if len(candidates) == 0 {
		return types.AssembledContext{Context: types.NoRelevantDocuments}
	}

	budget := a.config.MaxContextSize
	for _, turn := range conversation {
		budget -= utf8.RuneCountInString(turn)
	}
	if budget < 200 {
		budget = 200
	}

	// 先决定收录，后分配编号
	type included struct {
		candidate types.RetrievalCandidate
		body      string
	}
	var kept []included
	truncated := false
	used := 0
	for _, c := range candidates {
		body := c.Chunk.Content
		cost := utf8.RuneCountInString(body) + len(blockSeparator) + 64 // 块头估算
		if used+cost > budget {
			if len(kept) == 0 {
				// 首块独超预算时截断收录并记录，不能返回空上下文
				body = truncateRunes(body, budget-64)
				kept = append(kept, included{candidate: c, body: body})
			}
			truncated = true
			break
		}
		used += cost
		kept = append(kept, included{candidate: c, body: body})
	}
	if len(kept) < len(candidates) {
		truncated = true
	}

	var b strings.Builder
	sources := make([]types.Source, 0, len(kept))
	docIDs := make([]string, 0, len(kept))
	seenDocs := make(map[string]bool)
	for i, inc := range kept {
		chunk := inc.candidate.Chunk
		idx := i + 1
		if i > 0 {
			b.WriteString(blockSeparator)
		}
		b.WriteString(fmt.Sprintf("[%d] %s\n%s", idx, sourceDescriptor(&chunk), inc.body))

		sources = append(sources, types.Source{
			Index:      idx,
			DocumentID: chunk.DocumentID,
			Filename:   filenameOf(&chunk),
			Excerpt:    truncateRunes(strings.TrimSpace(chunk.Content), a.config.ExcerptLength),
			Tags:       chunk.Tags(),
			Folder:     chunk.Folder(),
		})
		if !seenDocs[chunk.DocumentID] {
			seenDocs[chunk.DocumentID] = true
			docIDs = append(docIDs, chunk.DocumentID)
		}
	}

	a.logger.Debug("context assembled",
		zap.String("query", query),
		zap.Int("sources", len(sources)),
		zap.Int("context_chars", b.Len()),
		zap.Bool("truncated", truncated))

	return types.AssembledContext{
		Context:     b.String(),
		Sources:     sources,
		DocumentIDs: docIDs,
		Truncated:   truncated,
	}
}

// sourceDescriptor 紧凑的来源描述，跟在引用标记后面。
func sourceDescriptor(chunk *types.Chunk) string {
	parts := []string{"Source: " + filenameOf(chunk)}
	if folder := chunk.Folder(); folder != "" {
		parts = append(parts, "folder: "+folder)
	}
	if tags := chunk.Tags(); len(tags) > 0 {
		parts = append(parts, "tags: "+strings.Join(tags, ","))
	}
	return strings.Join(parts, " | ")
}

func filenameOf(chunk *types.Chunk) string {
	if name, ok := chunk.Metadata[types.MetaFilename].(string); ok && name != "" {
		return name
	}
	return chunk.DocumentID
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
