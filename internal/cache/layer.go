package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss 判断是否为缓存未命中错误。
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Config 缓存层配置
type Config struct {
	// 本地缓存最大条目数
	MaxEntries int `yaml:"max_entries" json:"max_entries"`

	// 默认过期时间
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// 磁盘快照路径（为空禁用持久化）
	SnapshotPath string `yaml:"snapshot_path" json:"snapshot_path"`

	// 快照保存间隔
	SnapshotInterval time.Duration `yaml:"snapshot_interval" json:"snapshot_interval"`

	// Redis 二级缓存（Addr 为空禁用）
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
}

// DefaultConfig 返回默认缓存配置。
func DefaultConfig() Config {
	return Config{
		MaxEntries:       2048,
		DefaultTTL:       15 * time.Minute,
		SnapshotInterval: 5 * time.Minute,
	}
}

// Layer 缓存层。管线中唯一的共享可变状态；
// 所有方法并发安全，条目之间相互独立。
type Layer struct {
	config Config
	local  *lruCache
	redis  *redis.Client
	logger *zap.Logger

	now func() time.Time // 测试注入

	mu     sync.Mutex // 保护快照写入与 closed
	dirty  bool
	closed bool
	stopCh chan struct{}

	stats struct {
		mu     sync.Mutex
		hits   uint64
		misses uint64
	}
}

// NewLayer 创建缓存层。启动时尝试加载磁盘快照；
// 快照损坏或不可读时丢弃并告警，不阻止启动。
func NewLayer(config Config, logger *zap.Logger) *Layer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultConfig().MaxEntries
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultConfig().DefaultTTL
	}

	l := &Layer{
		config: config,
		local:  newLRUCache(config.MaxEntries, config.DefaultTTL),
		logger: logger.With(zap.String("component", "cache")),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}

	if config.RedisAddr != "" {
		l.redis = redis.NewClient(&redis.Options{
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
		})
	}

	if config.SnapshotPath != "" {
		l.loadSnapshot()
		if config.SnapshotInterval > 0 {
			go l.snapshotLoop()
		}
	}

	l.logger.Info("cache layer initialized",
		zap.Int("max_entries", config.MaxEntries),
		zap.Duration("default_ttl", config.DefaultTTL),
		zap.Bool("redis", l.redis != nil),
		zap.String("snapshot", config.SnapshotPath))

	return l
}

// Get 读取缓存值。过期条目视为不存在。
func (l *Layer) Get(ctx context.Context, key string) ([]byte, error) {
	if entry, ok := l.local.get(key, l.now()); ok {
		l.recordHit(true)
		return entry.Value, nil
	}

	// 二级缓存
	if l.redis != nil {
		val, err := l.redis.Get(ctx, key).Bytes()
		if err == nil {
			l.recordHit(true)
			// 回填本地
			l.local.set(key, val, 0, l.now())
			return val, nil
		}
		if !errors.Is(err, redis.Nil) {
			l.logger.Warn("redis get failed", zap.String("key", key), zap.Error(err))
		}
	}

	l.recordHit(false)
	return nil, ErrCacheMiss
}

// Set 写入缓存值。写入总是成功（Redis 失败只记日志）。
// ttl <= 0 时使用默认 TTL。
func (l *Layer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = l.config.DefaultTTL
	}
	l.local.set(key, value, ttl, l.now())

	l.mu.Lock()
	l.dirty = true
	l.mu.Unlock()

	if l.redis != nil {
		if err := l.redis.Set(ctx, key, value, ttl).Err(); err != nil {
			l.logger.Warn("redis set failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// GetJSON 读取并反序列化缓存值。
func (l *Layer) GetJSON(ctx context.Context, key string, dest any) error {
	val, err := l.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(val, dest); err != nil {
		return fmt.Errorf("unmarshal cache value: %w", err)
	}
	return nil
}

// SetJSON 序列化并写入缓存值。
func (l *Layer) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	l.Set(ctx, key, data, ttl)
	return nil
}

// Delete 删除缓存条目。
func (l *Layer) Delete(ctx context.Context, keys ...string) {
	for _, k := range keys {
		l.local.delete(k)
	}
	if l.redis != nil && len(keys) > 0 {
		if err := l.redis.Del(ctx, keys...).Err(); err != nil {
			l.logger.Warn("redis delete failed", zap.Error(err))
		}
	}
}

// Len 返回本地缓存条目数。
func (l *Layer) Len() int {
	return l.local.len()
}

// Stats 命中统计
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Keys   int    `json:"keys"`
}

// GetStats 返回命中统计。
func (l *Layer) GetStats() Stats {
	l.stats.mu.Lock()
	defer l.stats.mu.Unlock()
	return Stats{Hits: l.stats.hits, Misses: l.stats.misses, Keys: l.local.len()}
}

// Close 停止后台快照并保存最终快照。
func (l *Layer) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stopCh)

	if l.config.SnapshotPath != "" {
		l.saveSnapshot()
	}
	if l.redis != nil {
		return l.redis.Close()
	}
	return nil
}

func (l *Layer) recordHit(hit bool) {
	l.stats.mu.Lock()
	if hit {
		l.stats.hits++
	} else {
		l.stats.misses++
	}
	l.stats.mu.Unlock()
}

// ====== 磁盘快照 ======

type snapshotFile struct {
	Version int               `json:"version"`
	SavedAt time.Time         `json:"saved_at"`
	Entries map[string]*Entry `json:"entries"`
}

// loadSnapshot 从磁盘加载快照。损坏的快照丢弃并告警。
func (l *Layer) loadSnapshot() {
	data, err := os.ReadFile(l.config.SnapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("cache snapshot unreadable, starting cold", zap.Error(err))
		}
		return
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		l.logger.Warn("cache snapshot corrupted, discarding",
			zap.String("path", l.config.SnapshotPath),
			zap.Error(err))
		return
	}

	loaded := l.local.restore(snap.Entries, l.now())
	l.logger.Info("cache snapshot loaded",
		zap.Int("entries", loaded),
		zap.Time("saved_at", snap.SavedAt))
}

// saveSnapshot 原子写入快照（临时文件 + rename）。
func (l *Layer) saveSnapshot() {
	snap := snapshotFile{
		Version: 1,
		SavedAt: l.now(),
		Entries: l.local.snapshot(l.now()),
	}

	data, err := json.Marshal(snap)
	if err != nil {
		l.logger.Warn("cache snapshot marshal failed", zap.Error(err))
		return
	}

	dir := filepath.Dir(l.config.SnapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.logger.Warn("cache snapshot dir create failed", zap.Error(err))
		return
	}

	tmp := l.config.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		l.logger.Warn("cache snapshot write failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, l.config.SnapshotPath); err != nil {
		l.logger.Warn("cache snapshot rename failed", zap.Error(err))
		return
	}

	l.mu.Lock()
	l.dirty = false
	l.mu.Unlock()

	l.logger.Debug("cache snapshot saved", zap.Int("entries", len(snap.Entries)))
}

// snapshotLoop 周期性保存快照（仅在有写入时）。
func (l *Layer) snapshotLoop() {
	ticker := time.NewTicker(l.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.Lock()
			dirty := l.dirty
			l.mu.Unlock()
			if dirty {
				l.saveSnapshot()
			}
		}
	}
}
