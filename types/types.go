package types

import (
	"strings"
	"time"
)

// ProcessingStatus 文档处理状态
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"    // 已上传，等待处理
	StatusProcessing ProcessingStatus = "processing" // 分块/嵌入进行中
	StatusCompleted  ProcessingStatus = "completed"  // 全部 chunk 可检索
	StatusFailed     ProcessingStatus = "failed"     // 处理失败，错误记录在元数据
)

// ChunkStrategy 分块策略
type ChunkStrategy string

const (
	StrategyRecursive ChunkStrategy = "recursive" // 递归分隔符分块
	StrategyToken     ChunkStrategy = "token"     // 按 token 计数分块
	StrategyMarkdown  ChunkStrategy = "markdown"  // 标题边界感知分块
	StrategySemantic  ChunkStrategy = "semantic"  // LLM 语义边界分块
)

// ValidStrategy 判断字符串是否为已知分块策略。
func ValidStrategy(s string) bool {
	switch ChunkStrategy(s) {
	case StrategyRecursive, StrategyToken, StrategyMarkdown, StrategySemantic:
		return true
	}
	return false
}

// Document 文档实体
type Document struct {
	ID             string           `json:"id"`
	Filename       string           `json:"filename"`
	Content        string           `json:"content,omitempty"` // 可选，仅元数据的文档为空
	Metadata       map[string]any   `json:"metadata,omitempty"`
	Folder         string           `json:"folder,omitempty"`
	Status         ProcessingStatus `json:"status"`
	Strategy       ChunkStrategy    `json:"strategy,omitempty"`
	FileSize       int64            `json:"file_size,omitempty"`
	FileType       string           `json:"file_type,omitempty"`
	UploadedAt     time.Time        `json:"uploaded_at"`
	LastAccessedAt time.Time        `json:"last_accessed_at,omitempty"`
}

// Chunk 元数据键。检索、过滤和引用展示都依赖这几个键。
const (
	MetaDocumentID = "document_id"
	MetaIndex      = "index"
	MetaFolder     = "folder"
	MetaTags       = "tags"
	MetaFilename   = "filename"
)

// Chunk 文档块。创建后内容不可变，仅允许元数据补充。
// Index 在所属文档内唯一且反映原文顺序。
type Chunk struct {
	ID           string         `json:"id"`
	DocumentID   string         `json:"document_id"`
	Content      string         `json:"content"`
	Index        int            `json:"index"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	QualityScore *float64       `json:"quality_score,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Tags 从元数据中取出标签列表。
func (c *Chunk) Tags() []string {
	raw, ok := c.Metadata[MetaTags]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}

// Folder 从元数据中取出目录路径。
func (c *Chunk) Folder() string {
	if s, ok := c.Metadata[MetaFolder].(string); ok {
		return s
	}
	return ""
}

// RetrievalCandidate 检索候选。每次查询临时构造，不持久化。
// Relevance 在 EVALUATE 之前为 nil（“未评估”与“零分”是不同状态）。
type RetrievalCandidate struct {
	Chunk      Chunk    `json:"chunk"`
	Distance   float64  `json:"distance"`
	Similarity float64  `json:"similarity"`
	Relevance  *float64 `json:"relevance,omitempty"`
	Rank       int      `json:"rank"`
}

// RelevanceOrSimilarity 返回评估后的相关性分数；
// 未评估时回退到向量相似度。
func (c *RetrievalCandidate) RelevanceOrSimilarity() float64 {
	if c.Relevance != nil {
		return *c.Relevance
	}
	return c.Similarity
}

// QueryComplexity 查询复杂度分级
type QueryComplexity string

const (
	ComplexitySimple   QueryComplexity = "simple"
	ComplexityModerate QueryComplexity = "moderate"
	ComplexityComplex  QueryComplexity = "complex"
)

// QueryAnalysis 查询分析结果（每次查询或每轮 refinement 产生一次）
type QueryAnalysis struct {
	Complexity    QueryComplexity `json:"complexity"`
	TopK          int             `json:"top_k"`
	Threshold     float64         `json:"threshold"`
	Rerank        bool            `json:"rerank"`
	Justification string          `json:"justification,omitempty"`
}

// RetrievalEvaluation 候选评估结果
type RetrievalEvaluation struct {
	Scores           []float64 `json:"scores"` // 与候选列表一一对应
	NeedsRefinement  bool      `json:"needs_refinement"`
	Justification    string    `json:"justification,omitempty"`
	AboveThreshold   int       `json:"above_threshold"`
	JudgeUnavailable bool      `json:"judge_unavailable,omitempty"` // 评估降级为直通
}

// Source 引用来源记录。Index 与上下文中的 [n] 标记一一对应。
type Source struct {
	Index      int      `json:"index"`
	DocumentID string   `json:"document_id"`
	Filename   string   `json:"filename"`
	Excerpt    string   `json:"excerpt"`
	Tags       []string `json:"tags,omitempty"`
	Folder     string   `json:"folder,omitempty"`
}

// NoRelevantDocuments 是“无相关文档”的哨兵上下文。
// 生成阶段依赖这个确定值来避免编造引用。
const NoRelevantDocuments = "NO_RELEVANT_DOCUMENTS: no indexed content matched this query."

// AssembledContext 最终装配的上下文与来源列表。
// 不变量：Context 中出现的每个 [i] 标记对应 Sources 中 Index==i 的唯一条目，
// 不存在无标记的多余来源；无来源时 Context 为哨兵值。
type AssembledContext struct {
	Context     string   `json:"context"`
	Sources     []Source `json:"sources"`
	DocumentIDs []string `json:"document_ids"`
	Truncated   bool     `json:"truncated,omitempty"` // 预算裁剪发生过
	Partial     bool     `json:"partial,omitempty"`   // 超时返回的部分结果
}

// Empty 报告是否没有任何来源（哨兵上下文）。
func (a *AssembledContext) Empty() bool {
	return len(a.Sources) == 0
}

// RelevanceFromDistance 把向量距离换算为 [0,1] 相关性分数。
// 全管线统一使用该换算：距离越小越相似，relevance = 1 - distance，
// 超出范围时裁剪。
func RelevanceFromDistance(distance float64) float64 {
	r := 1.0 - distance
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}
