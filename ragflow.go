// Package ragflow provides a top-level convenience entry point assembling
// the full retrieval pipeline from a single config.
//
// Usage:
//
//	import "github.com/BaSui01/ragflow"
//
//	cfg, _ := config.NewLoader().WithConfigPath("config.yaml").Load()
//	engine, err := ragflow.New(ctx, cfg)
//	defer engine.Close()
//
//	engine.Ingest(ctx, &types.Document{Filename: "specs.md", Content: text})
//	result, err := engine.Query(ctx, "What CPU does the hub use?")
package ragflow

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/ragflow/assemble"
	"github.com/BaSui01/ragflow/chunking"
	"github.com/BaSui01/ragflow/config"
	"github.com/BaSui01/ragflow/embedding"
	"github.com/BaSui01/ragflow/ingest"
	"github.com/BaSui01/ragflow/internal/cache"
	"github.com/BaSui01/ragflow/internal/metrics"
	"github.com/BaSui01/ragflow/judge"
	"github.com/BaSui01/ragflow/llm"
	"github.com/BaSui01/ragflow/pipeline"
	"github.com/BaSui01/ragflow/store"
	"github.com/BaSui01/ragflow/types"
	"github.com/BaSui01/ragflow/vectorstore"
)

// Engine 把 ingest 与查询管线组装为一个整体。
type Engine struct {
	config   *config.Config
	logger   *zap.Logger
	cache    *cache.Layer
	metrics  *metrics.Collector
	repo     *store.Repository
	vectors  vectorstore.VectorStore
	ingestor *ingest.Ingestor
	pipeline *pipeline.Orchestrator

	ownLogger bool
}

// Option Engine 选项。
type Option func(*engineOptions)

type engineOptions struct {
	logger   *zap.Logger
	vectors  vectorstore.VectorStore
	embedder embedding.Provider
	provider judge.LLMProvider
}

// WithLogger 使用外部日志器，Close 时不再 Sync。
func WithLogger(logger *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = logger }
}

// WithVectorStore 使用外部向量存储，覆盖配置选择。
func WithVectorStore(store vectorstore.VectorStore) Option {
	return func(o *engineOptions) { o.vectors = store }
}

// WithEmbedder 使用外部嵌入提供者，覆盖配置选择。
func WithEmbedder(provider embedding.Provider) Option {
	return func(o *engineOptions) { o.embedder = provider }
}

// WithJudgeProvider 使用外部 LLM 提供者，覆盖配置选择。
func WithJudgeProvider(provider judge.LLMProvider) Option {
	return func(o *engineOptions) { o.provider = provider }
}

// New 按配置组装 Engine。cfg 为 nil 时使用默认配置。
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrInvalidConfig, "validate config", err)
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	ownLogger := false
	if logger == nil {
		var err error
		logger, err = NewLogger(cfg.Log)
		if err != nil {
			return nil, types.WrapError(types.ErrInvalidConfig, "build logger", err)
		}
		ownLogger = true
	}

	collector := metrics.NewCollector("ragflow", logger)
	cacheLayer := cache.NewLayer(cache.Config{
		MaxEntries:       cfg.Cache.MaxEntries,
		DefaultTTL:       cfg.Cache.DefaultTTL,
		SnapshotPath:     cfg.Cache.SnapshotPath,
		SnapshotInterval: cfg.Cache.SnapshotInterval,
		RedisAddr:        cfg.Cache.RedisAddr,
		RedisPassword:    cfg.Cache.RedisPassword,
		RedisDB:          cfg.Cache.RedisDB,
	}, logger)

	// judge / selector / semantic 共用同一个 LLM 客户端；
	// 禁用时传 nil，所有调用方降级到各自的回退路径
	provider := o.provider
	if provider == nil && cfg.LLM.Enabled {
		provider = llm.NewClient(llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Timeout:     cfg.LLM.Timeout,
			MaxRetries:  cfg.LLM.MaxRetries,
			Temperature: cfg.LLM.Temperature,
		}, logger)
	}

	embedder := o.embedder
	if embedder == nil {
		embedder = buildEmbedder(cfg.Embedding, logger)
	}

	vectors := o.vectors
	if vectors == nil {
		var err error
		vectors, err = buildVectorStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	repo, err := store.Open(store.Config{Path: cfg.Database.Path}, logger)
	if err != nil {
		return nil, err
	}

	chunkCfg := chunking.Config{
		ChunkSize:      cfg.Chunking.ChunkSize,
		ChunkOverlap:   cfg.Chunking.ChunkOverlap,
		MinChunkSize:   cfg.Chunking.MinChunkSize,
		TokenizerModel: cfg.Chunking.TokenizerModel,
		SemanticWindow: cfg.Chunking.SemanticWindow,
	}
	chunkOpts := []chunking.Option{chunking.WithLogger(logger)}
	if provider != nil {
		chunkOpts = append(chunkOpts,
			chunking.WithSemanticSplitter(chunking.NewSemanticSplitter(provider, cacheLayer, chunkCfg.SemanticWindow, logger)))
	}
	chunker := chunking.New(chunkCfg, chunkOpts...)
	selector := chunking.NewSelector(provider, cacheLayer, chunkCfg, logger)

	j := judge.New(judge.Config{
		DefaultTopK:      cfg.Judge.DefaultTopK,
		DefaultThreshold: cfg.Judge.DefaultThreshold,
		DefaultRerank:    cfg.Judge.DefaultRerank,
		RetrievalMargin:  cfg.Judge.RetrievalMargin,
		CacheTTL:         cfg.Judge.CacheTTL,
	}, provider,
		judge.WithCache(cacheLayer),
		judge.WithMetrics(collector),
		judge.WithLogger(logger))

	assembler := assemble.New(assemble.Config{
		MaxContextSize: cfg.Pipeline.MaxContextSize,
	}, logger)

	orchestrator := pipeline.New(pipeline.Config{
		QueryTimeout:   cfg.Pipeline.QueryTimeout,
		SearchCacheTTL: cfg.Pipeline.SearchCacheTTL,
	}, j, vectors, embedder, assembler,
		pipeline.WithCache(cacheLayer),
		pipeline.WithMetrics(collector),
		pipeline.WithLogger(logger))

	ingestor := ingest.New(ingest.Config{
		MaxWorkers:      cfg.Ingest.MaxWorkers,
		DocumentTimeout: cfg.Ingest.DocumentTimeout,
	}, repo, selector, chunker, embedder, vectors,
		ingest.WithMetrics(collector),
		ingest.WithLogger(logger))

	return &Engine{
		config:    cfg,
		logger:    logger,
		cache:     cacheLayer,
		metrics:   collector,
		repo:      repo,
		vectors:   vectors,
		ingestor:  ingestor,
		pipeline:  orchestrator,
		ownLogger: ownLogger,
	}, nil
}

// Query 执行一次检索查询。
func (e *Engine) Query(ctx context.Context, query string, conversation ...string) (*pipeline.Result, error) {
	return e.pipeline.Run(ctx, pipeline.Request{Query: query, Conversation: conversation})
}

// Run 执行一次带完整参数的检索查询。
func (e *Engine) Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	return e.pipeline.Run(ctx, req)
}

// Ingest 摄取单篇文档。
func (e *Engine) Ingest(ctx context.Context, doc *types.Document) error {
	return e.ingestor.Ingest(ctx, doc)
}

// IngestAll 并行摄取一批文档。
func (e *Engine) IngestAll(ctx context.Context, docs []*types.Document) ingest.Report {
	return e.ingestor.IngestAll(ctx, docs)
}

// DeleteDocument 删除文档及其全部 chunk 与向量。
func (e *Engine) DeleteDocument(ctx context.Context, documentID string) error {
	return e.ingestor.Delete(ctx, documentID)
}

// Documents 返回文档仓库，供列表/详情查询使用。
func (e *Engine) Documents() *store.Repository { return e.repo }

// Metrics 返回指标采集器，供暴露 /metrics 端点使用。
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// Close 释放缓存、数据库与日志资源。
func (e *Engine) Close() error {
	var firstErr error
	if err := e.cache.Close(); err != nil {
		firstErr = err
	}
	if err := e.repo.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.ownLogger {
		_ = e.logger.Sync()
	}
	return firstErr
}

// NewLogger 按日志配置构造 zap 日志器。
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	return zc.Build()
}

// buildEmbedder 按配置选择嵌入后端。local 用确定性哈希向量，
// 无外部依赖，适合离线与测试环境。
func buildEmbedder(cfg config.EmbeddingConfig, logger *zap.Logger) embedding.Provider {
	if cfg.Provider == "local" {
		return embedding.NewHashProvider(cfg.Dimensions)
	}
	return embedding.NewOpenAIProvider(embedding.Config{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
		MaxBatch:   cfg.MaxBatch,
		RateLimit:  cfg.RateLimit,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
	}, logger)
}

// buildVectorStore 按配置选择向量存储后端。
func buildVectorStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (vectorstore.VectorStore, error) {
	if !cfg.Qdrant.Enabled {
		return vectorstore.NewInMemoryStore(logger), nil
	}
	return vectorstore.NewQdrantStore(ctx, vectorstore.QdrantConfig{
		Host:                 cfg.Qdrant.Host,
		Port:                 cfg.Qdrant.Port,
		APIKey:               cfg.Qdrant.APIKey,
		Collection:           cfg.Qdrant.Collection,
		VectorSize:           cfg.Embedding.Dimensions,
		Timeout:              cfg.Qdrant.Timeout,
		AutoCreateCollection: cfg.Qdrant.AutoCreateCollection,
	}, logger)
}
