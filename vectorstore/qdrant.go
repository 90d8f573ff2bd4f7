package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/types"
)

// QdrantConfig Qdrant 连接配置。
type QdrantConfig struct {
	Host                 string
	Port                 int
	APIKey               string
	Collection           string
	VectorSize           int
	Timeout              time.Duration
	AutoCreateCollection bool
}

// DefaultQdrantConfig 返回默认 Qdrant 配置。
func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{
		Host:                 "localhost",
		Port:                 6333,
		Collection:           "ragflow_chunks",
		VectorSize:           1536,
		Timeout:              10 * time.Second,
		AutoCreateCollection: true,
	}
}

// QdrantStore Qdrant REST 适配器。
// chunk ID 映射为确定性 UUID 作为 point ID，原始 chunk 存在 payload 里。
type QdrantStore struct {
	config  QdrantConfig
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewQdrantStore 创建 Qdrant 存储。AutoCreateCollection 开启时
// 确保集合存在（余弦距离）。
func NewQdrantStore(ctx context.Context, config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Collection == "" {
		return nil, types.NewError(types.ErrInvalidConfig, "qdrant collection name required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	s := &QdrantStore{
		config:  config,
		baseURL: fmt.Sprintf("http://%s:%d", config.Host, config.Port),
		http:    &http.Client{Timeout: config.Timeout},
		logger:  logger.With(zap.String("component", "qdrant_store")),
	}
	if config.AutoCreateCollection {
		if err := s.ensureCollection(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	status, _, err := s.do(ctx, http.MethodGet, "/collections/"+s.config.Collection, nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.config.VectorSize,
			"distance": "Cosine",
		},
	}
	status, data, err := s.do(ctx, http.MethodPut, "/collections/"+s.config.Collection, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return types.NewError(types.ErrStoreUnavailable,
			fmt.Sprintf("create collection failed (%d): %s", status, truncate(data, 200)))
	}
	s.logger.Info("qdrant collection created",
		zap.String("collection", s.config.Collection),
		zap.Int("vector_size", s.config.VectorSize))
	return nil
}

// pointID chunk ID 的确定性 UUID，保证重复写入覆盖同一条目。
func pointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qdrantPoints := make([]map[string]any, 0, len(points))
	for _, p := range points {
		qdrantPoints = append(qdrantPoints, map[string]any{
			"id":     pointID(p.ID),
			"vector": p.Vector,
			"payload": map[string]any{
				"chunk":             p.Chunk,
				types.MetaDocumentID: p.Chunk.DocumentID,
				types.MetaFolder:     p.Chunk.Folder(),
				types.MetaTags:       p.Chunk.Tags(),
			},
		})
	}

	status, data, err := s.do(ctx, http.MethodPut,
		"/collections/"+s.config.Collection+"/points?wait=true",
		map[string]any{"points": qdrantPoints})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return types.NewError(types.ErrStoreUnavailable,
			fmt.Sprintf("upsert failed (%d): %s", status, truncate(data, 200)))
	}
	return nil
}

type qdrantSearchResponse struct {
	Result []struct {
		Score   float64         `json:"score"`
		Payload json.RawMessage `json:"payload"`
	} `json:"result"`
}

func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]SearchResult, error) {
	if topK <= 0 {
		return []SearchResult{}, nil
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if qf := buildQdrantFilter(filter); qf != nil {
		body["filter"] = qf
	}

	status, data, err := s.do(ctx, http.MethodPost,
		"/collections/"+s.config.Collection+"/points/search", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, types.NewError(types.ErrStoreUnavailable,
			fmt.Sprintf("search failed (%d): %s", status, truncate(data, 200)))
	}

	var parsed qdrantSearchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, types.WrapError(types.ErrStoreUnavailable, "decode search response", err)
	}

	out := make([]SearchResult, 0, len(parsed.Result))
	for _, r := range parsed.Result {
		var payload struct {
			Chunk types.Chunk `json:"chunk"`
		}
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			s.logger.Warn("skipping point with malformed payload", zap.Error(err))
			continue
		}
		out = append(out, SearchResult{
			Chunk:    payload.Chunk,
			Score:    r.Score,
			Distance: 1.0 - r.Score,
		})
	}
	return out, nil
}

func buildQdrantFilter(filter *Filter) map[string]any {
	if filter.Empty() {
		return nil
	}
	var must []map[string]any
	if len(filter.DocumentIDs) > 0 {
		must = append(must, map[string]any{
			"key":   types.MetaDocumentID,
			"match": map[string]any{"any": filter.DocumentIDs},
		})
	}
	if filter.Folder != "" {
		must = append(must, map[string]any{
			"key":   types.MetaFolder,
			"match": map[string]any{"value": filter.Folder},
		})
	}
	if len(filter.Tags) > 0 {
		must = append(must, map[string]any{
			"key":   types.MetaTags,
			"match": map[string]any{"any": filter.Tags},
		})
	}
	return map[string]any{"must": must}
}

func (s *QdrantStore) DeleteByDocument(ctx context.Context, documentID string) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": types.MetaDocumentID, "match": map[string]any{"value": documentID}},
			},
		},
	}
	status, data, err := s.do(ctx, http.MethodPost,
		"/collections/"+s.config.Collection+"/points/delete?wait=true", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return types.NewError(types.ErrStoreUnavailable,
			fmt.Sprintf("delete failed (%d): %s", status, truncate(data, 200)))
	}
	return nil
}

func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	status, data, err := s.do(ctx, http.MethodPost,
		"/collections/"+s.config.Collection+"/points/count",
		map[string]any{"exact": true})
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, types.NewError(types.ErrStoreUnavailable,
			fmt.Sprintf("count failed (%d): %s", status, truncate(data, 200)))
	}
	var parsed struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return 0, types.WrapError(types.ErrStoreUnavailable, "decode count response", err)
	}
	return parsed.Result.Count, nil
}

func (s *QdrantStore) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal qdrant request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("api-key", s.config.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, types.WrapError(types.ErrStoreUnavailable, "qdrant unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return 0, nil, types.WrapError(types.ErrStoreUnavailable, "read qdrant response", err)
	}
	return resp.StatusCode, data, nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
