// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector 指标收集器。使用独立 Registry，
// 便于测试中创建互不干扰的实例。
type Collector struct {
	registry *prometheus.Registry

	// 管线指标
	pipelineRuns     *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	refinementRounds prometheus.Counter
	emptyResults     prometheus.Counter

	// 检索指标
	candidatesRetrieved prometheus.Histogram
	candidatesKept      prometheus.Histogram

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// judge 指标
	judgeCalls     *prometheus.CounterVec
	judgeFallbacks *prometheus.CounterVec

	// 摄取指标
	documentsIngested *prometheus.CounterVec
	chunksCreated     prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	factory := func(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
		v := prometheus.NewCounterVec(opts, labels)
		registry.MustRegister(v)
		return v
	}

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.pipelineRuns = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_runs_total",
		Help:      "Total number of pipeline runs",
	}, []string{"outcome"})

	c.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Pipeline stage duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})
	registry.MustRegister(c.stageDuration)

	c.refinementRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refinement_rounds_total",
		Help:      "Total number of query refinement rounds executed",
	})
	registry.MustRegister(c.refinementRounds)

	c.emptyResults = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "empty_results_total",
		Help:      "Total number of queries that produced the no-documents sentinel",
	})
	registry.MustRegister(c.emptyResults)

	c.candidatesRetrieved = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "candidates_retrieved",
		Help:      "Number of candidates returned by vector search",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})
	registry.MustRegister(c.candidatesRetrieved)

	c.candidatesKept = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "candidates_kept",
		Help:      "Number of candidates surviving evaluation and optimization",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})
	registry.MustRegister(c.candidatesKept)

	c.cacheHits = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Total number of cache hits",
	}, []string{"operation"})

	c.cacheMisses = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Total number of cache misses",
	}, []string{"operation"})

	c.judgeCalls = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "judge_calls_total",
		Help:      "Total number of judge invocations",
	}, []string{"operation"})

	c.judgeFallbacks = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "judge_fallbacks_total",
		Help:      "Total number of judge failures degraded to fallback behavior",
	}, []string{"operation"})

	c.documentsIngested = factory(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "documents_ingested_total",
		Help:      "Total number of documents ingested",
	}, []string{"status"})

	c.chunksCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunks_created_total",
		Help:      "Total number of chunks created",
	})
	registry.MustRegister(c.chunksCreated)

	return c
}

// Registry 返回底层 Prometheus 注册表，供调用方挂接 /metrics。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordPipelineRun 记录一次管线运行。
func (c *Collector) RecordPipelineRun(outcome string) {
	c.pipelineRuns.WithLabelValues(outcome).Inc()
}

// RecordStage 记录阶段耗时。
func (c *Collector) RecordStage(stage string, d time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordRefinement 记录一轮 refinement。
func (c *Collector) RecordRefinement() {
	c.refinementRounds.Inc()
}

// RecordEmptyResult 记录一次哨兵结果。
func (c *Collector) RecordEmptyResult() {
	c.emptyResults.Inc()
}

// RecordCandidates 记录候选数量变化。
func (c *Collector) RecordCandidates(retrieved, kept int) {
	c.candidatesRetrieved.Observe(float64(retrieved))
	c.candidatesKept.Observe(float64(kept))
}

// RecordCacheHit 记录缓存命中或未命中。
func (c *Collector) RecordCacheHit(operation string, hit bool) {
	if hit {
		c.cacheHits.WithLabelValues(operation).Inc()
	} else {
		c.cacheMisses.WithLabelValues(operation).Inc()
	}
}

// RecordJudgeCall 记录一次 judge 调用。
func (c *Collector) RecordJudgeCall(operation string) {
	c.judgeCalls.WithLabelValues(operation).Inc()
}

// RecordJudgeFallback 记录一次 judge 降级。
func (c *Collector) RecordJudgeFallback(operation string) {
	c.judgeFallbacks.WithLabelValues(operation).Inc()
}

// RecordDocumentIngested 记录文档摄取结果。
func (c *Collector) RecordDocumentIngested(status string) {
	c.documentsIngested.WithLabelValues(status).Inc()
}

// RecordChunksCreated 记录创建的 chunk 数。
func (c *Collector) RecordChunksCreated(n int) {
	c.chunksCreated.Add(float64(n))
}
