package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/ragflow/chunking"
	"github.com/BaSui01/ragflow/embedding"
	"github.com/BaSui01/ragflow/internal/metrics"
	"github.com/BaSui01/ragflow/store"
	"github.com/BaSui01/ragflow/types"
	"github.com/BaSui01/ragflow/vectorstore"
)

// Config 摄取配置。
type Config struct {
	MaxWorkers      int           // 批量摄取的并发上限
	DocumentTimeout time.Duration // 单篇文档的处理时限
}

// DefaultConfig 返回默认摄取配置。
func DefaultConfig() Config {
	return Config{
		MaxWorkers:      4,
		DocumentTimeout: 5 * time.Minute,
	}
}

// Ingestor 文档摄取器。
type Ingestor struct {
	config   Config
	repo     *store.Repository
	selector *chunking.Selector
	chunker  *chunking.Chunker
	embedder embedding.Provider
	vectors  vectorstore.VectorStore
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// Option Ingestor 选项。
type Option func(*Ingestor)

// WithMetrics 启用指标采集。
func WithMetrics(collector *metrics.Collector) Option {
	return func(in *Ingestor) { in.metrics = collector }
}

// WithLogger 设置日志器。
func WithLogger(logger *zap.Logger) Option {
	return func(in *Ingestor) {
		if logger != nil {
			in.logger = logger
		}
	}
}

// New 创建摄取器。
func New(config Config, repo *store.Repository, selector *chunking.Selector, chunker *chunking.Chunker, embedder embedding.Provider, vectors vectorstore.VectorStore, opts ...Option) *Ingestor {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 4
	}
	if config.DocumentTimeout <= 0 {
		config.DocumentTimeout = 5 * time.Minute
	}
	in := &Ingestor{
		config:   config,
		repo:     repo,
		selector: selector,
		chunker:  chunker,
		embedder: embedder,
		vectors:  vectors,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.logger = in.logger.With(zap.String("component", "ingest"))
	return in
}

// Ingest 摄取单篇文档：选策略、切分、持久化、嵌入入库。
// 任一步失败都把文档置为 failed 并记录原因，错误同时返回给调用方。
func (in *Ingestor) Ingest(ctx context.Context, doc *types.Document) error {
	ctx, cancel := context.WithTimeout(ctx, in.config.DocumentTimeout)
	defer cancel()

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}
	if doc.FileType == "" {
		doc.FileType = strings.TrimPrefix(filepath.Ext(doc.Filename), ".")
	}
	if doc.FileSize == 0 {
		doc.FileSize = int64(len(doc.Content))
	}
	doc.Status = types.StatusPending
	if err := in.repo.SaveDocument(ctx, doc); err != nil {
		return in.fail(ctx, doc, err)
	}

	// 仅元数据的文档没有可切分内容，直接完成
	if strings.TrimSpace(doc.Content) == "" {
		doc.Status = types.StatusCompleted
		if err := in.repo.UpdateStatus(ctx, doc.ID, types.StatusCompleted, ""); err != nil {
			return in.fail(ctx, doc, err)
		}
		in.recordIngested("completed")
		return nil
	}

	if err := in.repo.UpdateStatus(ctx, doc.ID, types.StatusProcessing, ""); err != nil {
		return in.fail(ctx, doc, err)
	}

	sel := in.selector.Select(ctx, doc.Filename, doc.Content)
	doc.Strategy = sel.Strategy
	if sel.Fallback {
		if doc.Metadata == nil {
			doc.Metadata = map[string]any{}
		}
		doc.Metadata[chunking.MetaStrategyFallback] = sel.FallbackReason
	}
	if err := in.repo.SaveDocument(ctx, doc); err != nil {
		return in.fail(ctx, doc, err)
	}

	pieces, err := in.chunker.Split(ctx, doc.Content, sel.Strategy, sel.ChunkSize, sel.ChunkOverlap)
	if err != nil {
		return in.fail(ctx, doc, err)
	}
	chunks := chunking.ToChunks(doc.ID, pieces, in.chunkMeta(doc))
	if err := in.repo.SaveChunks(ctx, doc.ID, chunks); err != nil {
		return in.fail(ctx, doc, err)
	}

	if err := in.index(ctx, chunks); err != nil {
		return in.fail(ctx, doc, err)
	}

	doc.Status = types.StatusCompleted
	if err := in.repo.UpdateStatus(ctx, doc.ID, types.StatusCompleted, ""); err != nil {
		return in.fail(ctx, doc, err)
	}
	in.recordIngested("completed")
	if in.metrics != nil {
		in.metrics.RecordChunksCreated(len(chunks))
	}
	in.logger.Info("document ingested",
		zap.String("document_id", doc.ID),
		zap.String("filename", doc.Filename),
		zap.String("strategy", string(sel.Strategy)),
		zap.Int("chunks", len(chunks)))
	return nil
}

// Report 批量摄取结果。
type Report struct {
	Completed int
	Failed    map[string]error // document id → 失败原因
}

// IngestAll 用有界工作池并行摄取一批文档。
// 单篇失败只记入 Report，不会中断其余文档。
func (in *Ingestor) IngestAll(ctx context.Context, docs []*types.Document) Report {
	report := Report{Failed: map[string]error{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.config.MaxWorkers)
	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			if err := in.Ingest(gctx, doc); err != nil {
				mu.Lock()
				report.Failed[doc.ID] = err
				mu.Unlock()
				return nil // 失败隔离：不取消其他文档
			}
			mu.Lock()
			report.Completed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// Delete 删除文档：先清向量索引，再级联删除持久层的文档与 chunk。
func (in *Ingestor) Delete(ctx context.Context, documentID string) error {
	if err := in.vectors.DeleteByDocument(ctx, documentID); err != nil {
		return err
	}
	return in.repo.DeleteDocument(ctx, documentID)
}

// index 嵌入 chunk 并写入向量索引。
func (in *Ingestor) index(ctx context.Context, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := in.embedder.Embed(ctx, texts)
	if err != nil {
		return types.WrapError(types.ErrEmbeddingFailed, "embed chunks", err)
	}
	if len(vectors) != len(chunks) {
		return types.NewError(types.ErrEmbeddingFailed,
			fmt.Sprintf("embedding count mismatch: %d chunks, %d vectors", len(chunks), len(vectors)))
	}
	points := make([]vectorstore.Point, len(chunks))
	for i, c := range chunks {
		points[i] = vectorstore.Point{ID: c.ID, Vector: vectors[i], Chunk: c}
	}
	return in.vectors.Upsert(ctx, points)
}

// chunkMeta 构造每个 chunk 随身携带的文档级元数据。
func (in *Ingestor) chunkMeta(doc *types.Document) map[string]any {
	meta := map[string]any{
		types.MetaFilename: doc.Filename,
	}
	if doc.Folder != "" {
		meta[types.MetaFolder] = doc.Folder
	}
	if tags, ok := doc.Metadata[types.MetaTags]; ok {
		meta[types.MetaTags] = tags
	}
	return meta
}

// fail 把失败原因落到文档状态上，再返回摄取错误。
func (in *Ingestor) fail(ctx context.Context, doc *types.Document, cause error) error {
	// 状态更新用独立 context：文档超时后仍要能写入失败状态
	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := in.repo.UpdateStatus(statusCtx, doc.ID, types.StatusFailed, cause.Error()); err != nil {
		in.logger.Warn("failed to record ingest failure",
			zap.String("document_id", doc.ID), zap.Error(err))
	}
	in.recordIngested("failed")
	in.logger.Error("document ingest failed",
		zap.String("document_id", doc.ID),
		zap.String("filename", doc.Filename),
		zap.Error(cause))
	return types.WrapError(types.ErrIngestFailed, "ingest "+doc.Filename, cause)
}

func (in *Ingestor) recordIngested(status string) {
	if in.metrics != nil {
		in.metrics.RecordDocumentIngested(status)
	}
}
