// Package cache 实现管线共享的缓存层：本地 TTL LRU + 可选 Redis 二级缓存
// + 磁盘快照持久化。向量检索结果和 judge 输出都经由它记忆化。
// This package is internal and should not be imported by external projects.
package cache
