// =============================================================================
// 📦 ragflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("RAGFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是 ragflow 的完整配置结构
type Config struct {
	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Cache 缓存层配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Qdrant 向量存储配置
	Qdrant QdrantConfig `yaml:"qdrant" env:"QDRANT"`

	// Database 持久化配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// LLM judge 后端配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Embedding 嵌入后端配置
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// Chunking 分块配置
	Chunking ChunkingConfig `yaml:"chunking" env:"CHUNKING"`

	// Judge 检索裁决配置
	Judge JudgeConfig `yaml:"judge" env:"JUDGE"`

	// Pipeline 管线配置
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// Ingest 摄取配置
	Ingest IngestConfig `yaml:"ingest" env:"INGEST"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// CacheConfig 缓存层配置
type CacheConfig struct {
	// 本地缓存最大条目数
	MaxEntries int `yaml:"max_entries" env:"MAX_ENTRIES"`
	// 默认过期时间
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	// 磁盘快照路径（为空禁用持久化）
	SnapshotPath string `yaml:"snapshot_path" env:"SNAPSHOT_PATH"`
	// 快照保存间隔
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
	// Redis 地址（为空禁用二级缓存）
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	// Redis 密码
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	// Redis 数据库编号
	RedisDB int `yaml:"redis_db" env:"REDIS_DB"`
}

// QdrantConfig Qdrant 向量存储配置
type QdrantConfig struct {
	// 是否启用 Qdrant（关闭时使用进程内向量索引）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// REST 端口
	Port int `yaml:"port" env:"PORT"`
	// API Key（可选）
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 集合名
	Collection string `yaml:"collection" env:"COLLECTION"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 自动创建集合
	AutoCreateCollection bool `yaml:"auto_create_collection" env:"AUTO_CREATE_COLLECTION"`
}

// DatabaseConfig 持久化配置
type DatabaseConfig struct {
	// 驱动类型: sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 数据库文件路径（sqlite）；":memory:" 为内存库
	Path string `yaml:"path" env:"PATH"`
}

// LLMConfig judge 后端配置
type LLMConfig struct {
	// 是否启用 LLM judge（关闭时全部走规则回退）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 基础 URL（OpenAI 兼容）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 模型名
	Model string `yaml:"model" env:"MODEL"`
	// 单次调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 采样温度
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
}

// EmbeddingConfig 嵌入后端配置
type EmbeddingConfig struct {
	// 提供者: openai, local
	Provider string `yaml:"provider" env:"PROVIDER"`
	// 基础 URL（OpenAI 兼容）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 模型名
	Model string `yaml:"model" env:"MODEL"`
	// 向量维度
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// 单批最大条数
	MaxBatch int `yaml:"max_batch" env:"MAX_BATCH"`
	// 每秒请求数上限
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	// 单次调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
}

// ChunkingConfig 分块配置
type ChunkingConfig struct {
	// 默认策略: recursive, token, markdown, semantic
	DefaultStrategy string `yaml:"default_strategy" env:"DEFAULT_STRATEGY"`
	// 块大小（字符；token 策略下为 token 数）
	ChunkSize int `yaml:"chunk_size" env:"CHUNK_SIZE"`
	// 重叠大小
	ChunkOverlap int `yaml:"chunk_overlap" env:"CHUNK_OVERLAP"`
	// 最小块大小
	MinChunkSize int `yaml:"min_chunk_size" env:"MIN_CHUNK_SIZE"`
	// token 策略的 tokenizer 模型
	TokenizerModel string `yaml:"tokenizer_model" env:"TOKENIZER_MODEL"`
	// 语义分块window 大小（字符）
	SemanticWindow int `yaml:"semantic_window" env:"SEMANTIC_WINDOW"`
}

// JudgeConfig 检索裁决配置
type JudgeConfig struct {
	// 默认候选数
	DefaultTopK int `yaml:"default_top_k" env:"DEFAULT_TOP_K"`
	// 默认相关性阈值
	DefaultThreshold float64 `yaml:"default_threshold" env:"DEFAULT_THRESHOLD"`
	// 默认是否重排
	DefaultRerank bool `yaml:"default_rerank" env:"DEFAULT_RERANK"`
	// 检索余量（RETRIEVE 阶段多取的候选数）
	RetrievalMargin int `yaml:"retrieval_margin" env:"RETRIEVAL_MARGIN"`
	// judge 输出缓存 TTL
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// PipelineConfig 管线配置
type PipelineConfig struct {
	// 单次查询总超时
	QueryTimeout time.Duration `yaml:"query_timeout" env:"QUERY_TIMEOUT"`
	// 上下文最大字符预算
	MaxContextSize int `yaml:"max_context_size" env:"MAX_CONTEXT_SIZE"`
	// 检索结果缓存 TTL
	SearchCacheTTL time.Duration `yaml:"search_cache_ttl" env:"SEARCH_CACHE_TTL"`
}

// IngestConfig 摄取配置
type IngestConfig struct {
	// 并行 worker 数上限
	MaxWorkers int `yaml:"max_workers" env:"MAX_WORKERS"`
	// 单文档处理超时
	DocumentTimeout time.Duration `yaml:"document_timeout" env:"DOCUMENT_TIMEOUT"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "RAGFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量覆盖配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Judge.DefaultTopK <= 0 {
		errs = append(errs, "judge.default_top_k must be positive")
	}
	if c.Judge.DefaultThreshold < 0 || c.Judge.DefaultThreshold > 1 {
		errs = append(errs, "judge.default_threshold must be in [0,1]")
	}
	if c.Chunking.ChunkSize <= 0 {
		errs = append(errs, "chunking.chunk_size must be positive")
	}
	if c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		errs = append(errs, "chunking.chunk_overlap must be smaller than chunk_size")
	}
	if c.Pipeline.MaxContextSize <= 0 {
		errs = append(errs, "pipeline.max_context_size must be positive")
	}
	if c.Ingest.MaxWorkers <= 0 {
		errs = append(errs, "ingest.max_workers must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
