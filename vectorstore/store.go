package vectorstore

import (
	"context"
	"math"

	"github.com/BaSui01/ragflow/types"
)

// Point 向量索引中的一个条目。
type Point struct {
	ID     string      `json:"id"`
	Vector []float32   `json:"vector"`
	Chunk  types.Chunk `json:"chunk"`
}

// Filter 元数据过滤条件，零值表示不过滤。
// 各字段为 AND 关系；Tags 內部任一命中即可。
type Filter struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
	Folder      string   `json:"folder,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Empty 报告过滤器是否为空。
func (f *Filter) Empty() bool {
	return f == nil || (len(f.DocumentIDs) == 0 && f.Folder == "" && len(f.Tags) == 0)
}

// Matches 判断 chunk 是否通过过滤。
func (f *Filter) Matches(chunk *types.Chunk) bool {
	if f.Empty() {
		return true
	}
	if len(f.DocumentIDs) > 0 {
		found := false
		for _, id := range f.DocumentIDs {
			if chunk.DocumentID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Folder != "" && chunk.Folder() != f.Folder {
		return false
	}
	if len(f.Tags) > 0 {
		chunkTags := chunk.Tags()
		found := false
		for _, want := range f.Tags {
			for _, have := range chunkTags {
				if want == have {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SearchResult 向量搜索结果。
type SearchResult struct {
	Chunk    types.Chunk `json:"chunk"`
	Score    float64     `json:"score"`    // 余弦相似度
	Distance float64     `json:"distance"` // 1 - Score
}

// VectorStore 向量索引接口。
type VectorStore interface {
	// Upsert 写入或覆盖条目。
	Upsert(ctx context.Context, points []Point) error

	// Search 返回与 vector 最相似的 topK 个条目，相似度降序。
	// 索引为空或无一通过过滤时返回空切片。
	Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]SearchResult, error)

	// DeleteByDocument 删除某文档的全部条目。
	DeleteByDocument(ctx context.Context, documentID string) error

	// Count 返回条目总数。
	Count(ctx context.Context) (int, error)
}

// Clearable 支持整体清空的可选接口，用类型断言探测：
//
//	if c, ok := store.(Clearable); ok { c.ClearAll(ctx) }
type Clearable interface {
	ClearAll(ctx context.Context) error
}

// cosineSimilarity 余弦相似度，维度不符或零向量返回 0。
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
