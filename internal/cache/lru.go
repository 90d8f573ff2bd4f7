package cache

import (
	"sync"
	"time"
)

// Entry 缓存条目
type Entry struct {
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	HitCount  int       `json:"hit_count"`
}

// lruCache 本地 TTL LRU 缓存（双向链表实现 O(1) 操作）。
// 过期在读取时判定；容量超限时从尾部（最久未使用）淘汰。
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*lruNode
	head     *lruNode // 最近使用
	tail     *lruNode // 最久未使用
}

type lruNode struct {
	key   string
	entry *Entry
	prev  *lruNode
	next  *lruNode
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*lruNode),
	}
}

func (c *lruCache) get(key string, now time.Time) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		return nil, false
	}

	// 过期视为不存在
	if now.After(node.entry.ExpiresAt) {
		c.removeNode(node)
		delete(c.items, key)
		return nil, false
	}

	c.moveToHead(node)
	node.entry.HitCount++
	return node.entry, true
}

func (c *lruCache) set(key string, value []byte, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.ttl
	}
	entry := &Entry{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if node, ok := c.items[key]; ok {
		node.entry = entry
		c.moveToHead(node)
		return
	}

	if len(c.items) >= c.capacity {
		c.evictTail()
	}

	node := &lruNode{key: key, entry: entry}
	c.items[key] = node
	c.addToHead(node)
}

func (c *lruCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		c.removeNode(node)
		delete(c.items, key)
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// snapshot 导出未过期条目，用于磁盘持久化。
func (c *lruCache) snapshot(now time.Time) map[string]*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]*Entry, len(c.items))
	for k, node := range c.items {
		if now.After(node.entry.ExpiresAt) {
			continue
		}
		out[k] = node.entry
	}
	return out
}

// restore 从快照恢复条目，跳过已过期的。
func (c *lruCache) restore(entries map[string]*Entry, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	loaded := 0
	for k, e := range entries {
		if now.After(e.ExpiresAt) {
			continue
		}
		if len(c.items) >= c.capacity {
			break
		}
		node := &lruNode{key: k, entry: e}
		c.items[k] = node
		c.addToHead(node)
		loaded++
	}
	return loaded
}

func (c *lruCache) addToHead(node *lruNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

func (c *lruCache) removeNode(node *lruNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
}

func (c *lruCache) moveToHead(node *lruNode) {
	if c.head == node {
		return
	}
	c.removeNode(node)
	c.addToHead(node)
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.items, c.tail.key)
	c.removeNode(c.tail)
}
