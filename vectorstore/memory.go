package vectorstore

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/types"
)

// InMemoryStore 内存向量存储（用于测试和小规模应用）。
type InMemoryStore struct {
	mu     sync.RWMutex
	points map[string]*memoryPoint
	seq    uint64 // 入库序号，同分结果的稳定排序依据
	logger *zap.Logger
}

type memoryPoint struct {
	Point
	seq uint64
}

// NewInMemoryStore 创建内存向量存储。
func NewInMemoryStore(logger *zap.Logger) *InMemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryStore{
		points: make(map[string]*memoryPoint),
		logger: logger.With(zap.String("component", "memory_store")),
	}
}

func (s *InMemoryStore) Upsert(ctx context.Context, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range points {
		if len(p.Vector) == 0 {
			return types.NewError(types.ErrInvalidConfig, "point "+p.ID+" has no vector")
		}
		if existing, ok := s.points[p.ID]; ok {
			existing.Point = p
			continue
		}
		s.seq++
		s.points[p.ID] = &memoryPoint{Point: p, seq: s.seq}
	}

	s.logger.Debug("points upserted",
		zap.Int("count", len(points)),
		zap.Int("total", len(s.points)))
	return nil
}

func (s *InMemoryStore) Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if topK <= 0 || len(s.points) == 0 {
		return []SearchResult{}, nil
	}

	type scored struct {
		result SearchResult
		seq    uint64
	}
	candidates := make([]scored, 0, len(s.points))
	for _, p := range s.points {
		if !filter.Matches(&p.Chunk) {
			continue
		}
		score := cosineSimilarity(vector, p.Vector)
		candidates = append(candidates, scored{
			result: SearchResult{Chunk: p.Chunk, Score: score, Distance: 1.0 - score},
			seq:    p.seq,
		})
	}

	// 相似度降序，同分按入库顺序
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].result.Score != candidates[j].result.Score {
			return candidates[i].result.Score > candidates[j].result.Score
		}
		return candidates[i].seq < candidates[j].seq
	})

	if topK > len(candidates) {
		topK = len(candidates)
	}
	out := make([]SearchResult, topK)
	for i := 0; i < topK; i++ {
		out[i] = candidates[i].result
	}
	return out, nil
}

func (s *InMemoryStore) DeleteByDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, p := range s.points {
		if p.Chunk.DocumentID == documentID {
			delete(s.points, id)
			deleted++
		}
	}
	s.logger.Debug("points deleted",
		zap.String("document_id", documentID),
		zap.Int("deleted", deleted))
	return nil
}

func (s *InMemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points), nil
}

// ClearAll 清空全部条目。
func (s *InMemoryStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = make(map[string]*memoryPoint)
	s.seq = 0
	return nil
}
