package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"anomaly-map/internal/geo"
	"anomaly-map/internal/kv"
	"anomaly-map/internal/logger"
	"anomaly-map/internal/metrics"
	"anomaly-map/internal/model"
)

// 文档注释：区域查询结果缓存（短 TTL，按容量淘汰最旧条目）
// 背景：视口来回拖动时同一 (区域, 过滤条件) 会被反复请求，命中即可省去一次网络调用。
// 约束：容量为近似字节数（按事件估算），写入后总量始终不超过 MaxBytes；单条超过上限的结果不缓存。

const indexKey = "cache:index"

// Config：缓存参数
type Config struct {
	TTL       time.Duration    `yaml:"ttl"`
	MaxBytes  int64            `yaml:"max_bytes"`
	Tolerance float64          `yaml:"tolerance"` // 容差查询的坐标误差（度）
	Clock     func() time.Time `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{TTL: 5 * time.Minute, MaxBytes: 50 << 20, Tolerance: 0.001}
}

// Entry：一条缓存记录
type Entry struct {
	Key       string               `json:"key"`
	Region    geo.Region           `json:"region"`
	Filters   model.FilterCriteria `json:"filters"`
	Events    []model.Event        `json:"events"`
	WrittenAt time.Time            `json:"written_at"`
	Size      int64                `json:"size"`
}

// Stats：观测用统计
type Stats struct {
	Entries   int   `json:"entries"`
	TotalSize int64 `json:"total_size"`
	MaxSize   int64 `json:"max_size"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache：写入顺序即年龄顺序，链表头最新、尾部最旧
type Cache struct {
	flushMu sync.Mutex // 串行化 Persist，后拍的快照后落盘
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time
	lst     *list.List
	dict    map[string]*list.Element
	total   int64
	hits    int64
	misses  int64
	evicted int64
	store   kv.Store
	log     *slog.Logger
}

// New：构造缓存；st 可为 nil（不持久化索引）
func New(cfg Config, st kv.Store) *Cache {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.Tolerance < 0 {
		cfg.Tolerance = 0
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Cache{cfg: cfg, now: now, lst: list.New(), dict: make(map[string]*list.Element), store: st, log: logger.For("cache")}
}

// KeyFor：精确命中键 = 区域（6 位小数）+ 过滤摘要
func KeyFor(r geo.Region, f model.FilterCriteria) string {
	return r.Key(6) + "|" + f.Key()
}

func (c *Cache) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.WrittenAt) >= c.cfg.TTL
}

// Get：精确命中（区域与过滤条件完全一致且未过期）
func (c *Cache) Get(r geo.Region, f model.FilterCriteria) ([]model.Event, bool) {
	key := KeyFor(r, f)
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.dict[key]
	if !ok {
		c.misses++
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	e := el.Value.(*Entry)
	if c.expired(e, c.now()) {
		c.removeLocked(el)
		c.misses++
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	c.hits++
	metrics.CacheHitsTotal.WithLabelValues("exact").Inc()
	return append([]model.Event(nil), e.Events...), true
}

// GetTolerant：容差命中
// 约束：任一未过期条目，其区域在容差内包含请求区域、过滤条件兼容请求，则返回落在请求区域内且满足请求过滤的事件；
// 多条满足时取最新写入的一条；结果为空视为未命中
func (c *Cache) GetTolerant(r geo.Region, f model.FilterCriteria) ([]model.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for el := c.lst.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if c.expired(e, now) {
			continue
		}
		if !e.Region.ContainsWithin(r, c.cfg.Tolerance) || !e.Filters.Covers(f) {
			continue
		}
		out := model.FilterEvents(e.Events, func(ev model.Event) bool {
			return r.ContainsPoint(ev.Lat, ev.Lon) && f.Match(ev)
		})
		if len(out) == 0 {
			continue
		}
		c.hits++
		metrics.CacheHitsTotal.WithLabelValues("tolerant").Inc()
		return out, true
	}
	return nil, false
}

// Put：写入或覆盖；总量超过上限时从最旧条目开始淘汰
func (c *Cache) Put(r geo.Region, f model.FilterCriteria, events []model.Event) bool {
	key := KeyFor(r, f)
	size := model.ApproxSize(events) + int64(len(key))
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.dict[key]; ok {
		c.removeLocked(el)
	}
	if size > c.cfg.MaxBytes {
		c.log.Debug("cache_entry_too_large", "key", key, "size", size, "max", c.cfg.MaxBytes)
		return false
	}
	for c.total+size > c.cfg.MaxBytes {
		back := c.lst.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
		c.evicted++
		metrics.CacheEvictionsTotal.Inc()
	}
	e := &Entry{Key: key, Region: r, Filters: f.Normalize(), Events: append([]model.Event(nil), events...), WrittenAt: c.now(), Size: size}
	c.dict[key] = c.lst.PushFront(e)
	c.total += size
	metrics.CacheBytes.Set(float64(c.total))
	return true
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*Entry)
	c.lst.Remove(el)
	delete(c.dict, e.Key)
	c.total -= e.Size
	metrics.CacheBytes.Set(float64(c.total))
}

// PurgeExpired：清理过期条目，返回清理数量
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for el := c.lst.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*Entry), now) {
			c.removeLocked(el)
			n++
		}
		el = prev
	}
	return n
}

// Clear：清空全部条目
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lst.Init()
	c.dict = make(map[string]*list.Element)
	c.total = 0
	metrics.CacheBytes.Set(0)
}

// Stats：条目数、总量、上限与命中统计
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: c.lst.Len(), TotalSize: c.total, MaxSize: c.cfg.MaxBytes, Hits: c.hits, Misses: c.misses, Evictions: c.evicted}
}

// Persist：把未过期条目（最旧在前）写入 kv 的 cache: 命名空间
func (c *Cache) Persist(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.mu.Lock()
	now := c.now()
	entries := make([]*Entry, 0, c.lst.Len())
	for el := c.lst.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*Entry)
		if !c.expired(e, now) {
			entries = append(entries, e)
		}
	}
	b, err := json.Marshal(entries)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.store.Set(ctx, indexKey, b)
}

// Restore：从 kv 恢复索引，跳过已过期条目；返回恢复数量
func (c *Cache) Restore(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	b, ok, err := c.store.Get(ctx, indexKey)
	if err != nil || !ok {
		return 0, err
	}
	var entries []*Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		c.log.Warn("cache_restore_decode_error", "err", err)
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, e := range entries {
		if e == nil || c.expired(e, now) || e.Size > c.cfg.MaxBytes {
			continue
		}
		if el, ok := c.dict[e.Key]; ok {
			c.removeLocked(el)
		}
		for c.total+e.Size > c.cfg.MaxBytes {
			back := c.lst.Back()
			if back == nil {
				break
			}
			c.removeLocked(back)
		}
		c.dict[e.Key] = c.lst.PushFront(e)
		c.total += e.Size
		n++
	}
	metrics.CacheBytes.Set(float64(c.total))
	c.log.Debug("cache_restore_done", "entries", n)
	return n, nil
}
