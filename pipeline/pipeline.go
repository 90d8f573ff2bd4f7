/*
# 概述

Package pipeline 按 ANALYZE → RETRIEVE → EVALUATE →（REFINE →
RETRIEVE → EVALUATE）→ OPTIMIZE → 装配 的顺序编排单次查询。

关键行为：

  - 空索引短路：索引无任何条目时直接返回哨兵上下文，judge 零调用
  - refinement 至多一轮，保证终止；改写查询只用于补充检索，
    原查询始终是面向用户的那一个
  - 向量检索经缓存层，命中时跳过嵌入与搜索
  - evaluate 降级（judge 不可用）时候选按向量顺序直通，不过滤不重排
  - 查询级超时返回已有的部分结果并置 Partial，而不是整体失败

Orchestrator 自身无可变状态，可被并发查询安全共享；唯一共享
可变状态在缓存层内部。
*/
package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/ragflow/assemble"
	"github.com/BaSui01/ragflow/embedding"
	"github.com/BaSui01/ragflow/internal/cache"
	"github.com/BaSui01/ragflow/internal/metrics"
	"github.com/BaSui01/ragflow/judge"
	"github.com/BaSui01/ragflow/types"
	"github.com/BaSui01/ragflow/vectorstore"
)

// Config 管线配置。
type Config struct {
	QueryTimeout   time.Duration // 整条管线的时限
	SearchCacheTTL time.Duration // 向量检索结果缓存时长
}

// DefaultConfig 返回默认管线配置。
func DefaultConfig() Config {
	return Config{
		QueryTimeout:   60 * time.Second,
		SearchCacheTTL: 10 * time.Minute,
	}
}

// Request 一次查询请求。
type Request struct {
	Query        string
	Conversation []string
	TopKHint     int // >0 时覆盖查询分析推荐的 k
	Filter       *vectorstore.Filter
}

// Result 管线结果。
type Result struct {
	types.AssembledContext
	Analysis     types.QueryAnalysis
	RefinedQuery string // refinement 发生时的改写查询，否则为空
}

// Orchestrator 查询管线编排器。
type Orchestrator struct {
	config    Config
	judge     *judge.Judge
	store     vectorstore.VectorStore
	embedder  embedding.Provider
	assembler *assemble.Assembler
	cache     *cache.Layer
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// Option Orchestrator 选项。
type Option func(*Orchestrator)

// WithCache 启用检索结果缓存。
func WithCache(layer *cache.Layer) Option {
	return func(o *Orchestrator) { o.cache = layer }
}

// WithMetrics 启用指标采集。
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = collector }
}

// WithLogger 设置日志器。
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New 创建编排器。
func New(config Config, j *judge.Judge, store vectorstore.VectorStore, embedder embedding.Provider, assembler *assemble.Assembler, opts ...Option) *Orchestrator {
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 60 * time.Second
	}
	o := &Orchestrator{
		config:    config,
		judge:     j,
		store:     store,
		embedder:  embedder,
		assembler: assembler,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "pipeline"))
	return o
}

// Run 执行一次查询管线。
// 空结果不是错误；只有向量索引整体不可达才返回 error。
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.QueryTimeout)
	defer cancel()
	start := time.Now()

	// 空索引短路，judge 零调用
	total, err := o.store.Count(ctx)
	if err != nil {
		o.recordRun("error")
		return nil, err
	}
	if total == 0 {
		o.logger.Debug("empty index short-circuit", zap.String("query", req.Query))
		o.recordEmpty("empty_index")
		return o.sentinel(req, types.QueryAnalysis{}, false), nil
	}

	// ANALYZE
	stageStart := time.Now()
	analysis := o.judge.AnalyzeQuery(ctx, req.Query, req.Conversation)
	if req.TopKHint > 0 {
		analysis.TopK = req.TopKHint
	}
	o.recordStage("analyze", stageStart)

	// RETRIEVE
	stageStart = time.Now()
	candidates, err := o.retrieve(ctx, req.Query, analysis.TopK, req.Filter)
	o.recordStage("retrieve", stageStart)
	if err != nil {
		if partial := o.partialOnTimeout(ctx, req, analysis, nil); partial != nil {
			return partial, nil
		}
		o.recordRun("error")
		return nil, err
	}
	if len(candidates) == 0 {
		o.recordEmpty("no_candidates")
		return o.sentinel(req, analysis, false), nil
	}

	// EVALUATE
	stageStart = time.Now()
	eval := o.judge.EvaluateChunks(ctx, req.Query, candidates, analysis.Threshold)
	o.recordStage("evaluate", stageStart)

	// REFINE：至多一轮
	refinedQuery := ""
	if eval.NeedsRefinement && !eval.JudgeUnavailable && ctx.Err() == nil {
		stageStart = time.Now()
		refined := o.judge.RefineQuery(ctx, req.Query, eval, weakest(candidates, eval))
		if refined != req.Query {
			if o.metrics != nil {
				o.metrics.RecordRefinement()
			}
			refinedCandidates, rerr := o.retrieve(ctx, refined, analysis.TopK, req.Filter)
			if rerr == nil && len(refinedCandidates) > 0 {
				refinedEval := o.judge.EvaluateChunks(ctx, refined, refinedCandidates, analysis.Threshold)
				if refinedEval.AboveThreshold > eval.AboveThreshold || eval.AboveThreshold == 0 {
					candidates = refinedCandidates
					eval = refinedEval
					refinedQuery = refined
				}
			}
		}
		o.recordStage("refine", stageStart)
	}

	retrieved := len(candidates)

	// 评分归位 + 阈值过滤 + 重排。judge 不可用时全部直通。
	if eval.JudgeUnavailable {
		attachScores(candidates, eval.Scores)
	} else {
		attachScores(candidates, eval.Scores)
		candidates = thresholdFilter(candidates, analysis.Threshold)
		if len(candidates) == 0 {
			o.recordEmpty("below_threshold")
			return o.sentinel(req, analysis, false), nil
		}
		if analysis.Rerank {
			// 稳定排序：同分保持向量距离顺序
			sort.SliceStable(candidates, func(i, j int) bool {
				return candidates[i].RelevanceOrSimilarity() > candidates[j].RelevanceOrSimilarity()
			})

			// OPTIMIZE
			if ctx.Err() == nil {
				stageStart = time.Now()
				candidates = o.judge.OptimizeContext(ctx, req.Query, candidates)
				o.recordStage("optimize", stageStart)
			}
		}
		if len(candidates) > analysis.TopK {
			candidates = candidates[:analysis.TopK]
		}
	}

	if o.metrics != nil {
		o.metrics.RecordCandidates(retrieved, len(candidates))
	}

	// 装配
	result := o.assembler.Assemble(req.Query, candidates, req.Conversation)
	if ctx.Err() != nil {
		result.Partial = true
	}

	o.logger.Info("pipeline run complete",
		zap.String("query", req.Query),
		zap.String("complexity", string(analysis.Complexity)),
		zap.Int("sources", len(result.Sources)),
		zap.Bool("refined", refinedQuery != ""),
		zap.Bool("judge_degraded", eval.JudgeUnavailable),
		zap.Duration("elapsed", time.Since(start)))
	if result.Partial {
		o.recordRun("partial")
	} else {
		o.recordRun("ok")
	}

	return &Result{
		AssembledContext: result,
		Analysis:         analysis,
		RefinedQuery:     refinedQuery,
	}, nil
}

// retrieve 嵌入查询并检索 k+margin 个候选，结果经缓存层。
// 缓存命中时嵌入与向量搜索全部跳过。
func (o *Orchestrator) retrieve(ctx context.Context, query string, topK int, filter *vectorstore.Filter) ([]types.RetrievalCandidate, error) {
	limit := o.judge.Margin(topK)
	key := searchKey(query, limit, filter)

	if o.cache != nil {
		var cached []vectorstore.SearchResult
		if err := o.cache.GetJSON(ctx, key, &cached); err == nil {
			o.recordCacheHit("vector_search", true)
			return toCandidates(cached), nil
		}
		o.recordCacheHit("vector_search", false)
	}

	vectors, err := o.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, types.WrapError(types.ErrEmbeddingFailed, "embed query", err)
	}
	results, err := o.store.Search(ctx, vectors[0], limit, filter)
	if err != nil {
		return nil, err
	}

	if o.cache != nil {
		_ = o.cache.SetJSON(ctx, key, results, o.config.SearchCacheTTL)
	}
	return toCandidates(results), nil
}

func searchKey(query string, limit int, filter *vectorstore.Filter) string {
	filterJSON := ""
	if !filter.Empty() {
		if data, err := json.Marshal(filter); err == nil {
			filterJSON = string(data)
		}
	}
	return cache.Key("vector_search", query, filterJSON, strconv.Itoa(limit))
}

func toCandidates(results []vectorstore.SearchResult) []types.RetrievalCandidate {
	out := make([]types.RetrievalCandidate, len(results))
	for i, r := range results {
		out[i] = types.RetrievalCandidate{
			Chunk:      r.Chunk,
			Distance:   r.Distance,
			Similarity: r.Score,
			Rank:       i,
		}
	}
	return out
}

func attachScores(candidates []types.RetrievalCandidate, scores []float64) {
	if len(scores) != len(candidates) {
		return
	}
	for i := range candidates {
		s := scores[i]
		candidates[i].Relevance = &s
	}
}

func thresholdFilter(candidates []types.RetrievalCandidate, threshold float64) []types.RetrievalCandidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if c.RelevanceOrSimilarity() >= threshold {
			out = append(out, c)
		}
	}
	return out
}

// weakest 取评估分最低的几个候选，供 refinement 提示参考。
func weakest(candidates []types.RetrievalCandidate, eval types.RetrievalEvaluation) []types.RetrievalCandidate {
	if len(eval.Scores) != len(candidates) {
		return nil
	}
	idx := make([]int, len(candidates))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return eval.Scores[idx[a]] < eval.Scores[idx[b]] })
	n := 3
	if n > len(idx) {
		n = len(idx)
	}
	out := make([]types.RetrievalCandidate, 0, n)
	for _, i := range idx[:n] {
		out = append(out, candidates[i])
	}
	return out
}

// sentinel 构造哨兵结果。
func (o *Orchestrator) sentinel(req Request, analysis types.QueryAnalysis, partial bool) *Result {
	ctx := o.assembler.Assemble(req.Query, nil, req.Conversation)
	ctx.Partial = partial
	return &Result{AssembledContext: ctx, Analysis: analysis}
}

// partialOnTimeout 超时时返回部分结果（当前仅哨兵），其余错误返回 nil。
func (o *Orchestrator) partialOnTimeout(ctx context.Context, req Request, analysis types.QueryAnalysis, candidates []types.RetrievalCandidate) *Result {
	if ctx.Err() == nil {
		return nil
	}
	o.recordRun("partial")
	if len(candidates) == 0 {
		return o.sentinel(req, analysis, true)
	}
	result := o.assembler.Assemble(req.Query, candidates, req.Conversation)
	result.Partial = true
	return &Result{AssembledContext: result, Analysis: analysis}
}

func (o *Orchestrator) recordStage(stage string, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordStage(stage, time.Since(start))
	}
}

func (o *Orchestrator) recordRun(outcome string) {
	if o.metrics != nil {
		o.metrics.RecordPipelineRun(outcome)
	}
}

func (o *Orchestrator) recordEmpty(outcome string) {
	if o.metrics != nil {
		o.metrics.RecordEmptyResult()
		o.metrics.RecordPipelineRun(outcome)
	}
}

func (o *Orchestrator) recordCacheHit(op string, hit bool) {
	if o.metrics != nil {
		o.metrics.RecordCacheHit(op, hit)
	}
}
