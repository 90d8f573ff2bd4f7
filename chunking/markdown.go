package chunking

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// MetaHeaderPath markdown 块元数据键，值为 "H1 > H2" 形式的标题路径。
const MetaHeaderPath = "header_path"

// markdown 分割的标题边界层级，H1/H2 开启新块
const markdownBoundaryLevel = 2

type mdHeading struct {
	level     int
	lineStart int // 标题行（含 # 前缀）在原文中的字节偏移
	path      string
}

// splitMarkdown 在 H1/H2 标题边界切分，超长小节内部递归分割。
// 返回 spans 与按 span 下标索引的标题路径元数据。
func (c *Chunker) splitMarkdown(src string, size int) ([]span, map[int]map[string]any) {
	headings := parseHeadings(src)

	// 边界偏移集合，始终包含文档起点
	type section struct {
		start int
		path  string
	}
	sections := []section{{start: 0}}
	for _, h := range headings {
		if h.level > markdownBoundaryLevel {
			continue
		}
		if h.lineStart == 0 {
			sections[0].path = h.path
			continue
		}
		sections = append(sections, section{start: h.lineStart, path: h.path})
	}

	var spans []span
	metas := make(map[int]map[string]any)
	for i, sec := range sections {
		end := len(src)
		if i+1 < len(sections) {
			end = sections[i+1].start
		}
		if sec.start >= end {
			continue
		}
		// 空白小节并入相邻 span 的做法会破坏标题归属，这里保留原样
		sub := []span{{sec.start, end}}
		if measureChars(src[sec.start:end]) > size {
			sub = c.segmentRange(src, sec.start, end, defaultSeparators, size, measureChars)
		}
		for _, sp := range sub {
			if sec.path != "" {
				metas[len(spans)] = map[string]any{MetaHeaderPath: sec.path}
			}
			spans = append(spans, sp)
		}
	}
	return spans, metas
}

// parseHeadings 解析 markdown，返回按文档顺序排列的标题及其层级路径。
func parseHeadings(src string) []mdHeading {
	source := []byte(src)
	doc := goldmark.New().Parser().Parse(gtext.NewReader(source))

	var headings []mdHeading
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		seg := h.Lines().At(0)
		headings = append(headings, mdHeading{
			level:     h.Level,
			lineStart: lineStartOf(src, seg.Start),
		})
		return ast.WalkContinue, nil
	})

	// 用目录树补全标题路径，目录项与标题按文档序一一对应
	if tree, err := toc.Inspect(doc, source); err == nil {
		titles := flattenTOC(tree.Items, nil)
		for i := range headings {
			if i < len(titles) {
				headings[i].path = titles[i]
			}
		}
	}
	return headings
}

// flattenTOC 深度优先展开目录树，每项返回 "父 > 子" 路径。
func flattenTOC(items toc.Items, prefix []string) []string {
	var out []string
	for _, item := range items {
		path := append(append([]string{}, prefix...), string(item.Title))
		out = append(out, strings.Join(path, " > "))
		out = append(out, flattenTOC(item.Items, path)...)
	}
	return out
}

// lineStartOf 回退到 offset 所在行的行首，把 "#" 前缀也纳入块内。
func lineStartOf(src string, offset int) int {
	if offset > len(src) {
		offset = len(src)
	}
	i := strings.LastIndexByte(src[:offset], '\n')
	return i + 1
}
