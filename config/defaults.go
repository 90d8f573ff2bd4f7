// =============================================================================
// 📦 ragflow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log:       DefaultLogConfig(),
		Cache:     DefaultCacheConfig(),
		Qdrant:    DefaultQdrantConfig(),
		Database:  DefaultDatabaseConfig(),
		LLM:       DefaultLLMConfig(),
		Embedding: DefaultEmbeddingConfig(),
		Chunking:  DefaultChunkingConfig(),
		Judge:     DefaultJudgeConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Ingest:    DefaultIngestConfig(),
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries:       2048,
		DefaultTTL:       15 * time.Minute,
		SnapshotInterval: 5 * time.Minute,
	}
}

// DefaultQdrantConfig 返回默认 Qdrant 配置
func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{
		Enabled:              true,
		Host:                 "localhost",
		Port:                 6333,
		Collection:           "ragflow_chunks",
		Timeout:              30 * time.Second,
		AutoCreateCollection: true,
	}
}

// DefaultDatabaseConfig 返回默认持久化配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver: "sqlite",
		Path:   "ragflow.db",
	}
}

// DefaultLLMConfig 返回默认 judge 后端配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Enabled:     true,
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		Temperature: 0.1,
	}
}

// DefaultEmbeddingConfig 返回默认嵌入配置
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:   "openai",
		BaseURL:    "https://api.openai.com/v1",
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		MaxBatch:   100,
		RateLimit:  10,
		Timeout:    30 * time.Second,
		MaxRetries: 2,
	}
}

// DefaultChunkingConfig 返回默认分块配置
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		DefaultStrategy: "recursive",
		ChunkSize:       1000,
		ChunkOverlap:    200,
		MinChunkSize:    50,
		TokenizerModel:  "gpt-4o",
		SemanticWindow:  4000,
	}
}

// DefaultJudgeConfig 返回默认裁决配置
// TopK/阈值是经验常数，按语料实际情况调整。
func DefaultJudgeConfig() JudgeConfig {
	return JudgeConfig{
		DefaultTopK:      10,
		DefaultThreshold: 0.4,
		DefaultRerank:    true,
		RetrievalMargin:  5,
		CacheTTL:         30 * time.Minute,
	}
}

// DefaultPipelineConfig 返回默认管线配置
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		QueryTimeout:   60 * time.Second,
		MaxContextSize: 12000,
		SearchCacheTTL: 10 * time.Minute,
	}
}

// DefaultIngestConfig 返回默认摄取配置
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		MaxWorkers:      4,
		DocumentTimeout: 5 * time.Minute,
	}
}
