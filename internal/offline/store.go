// 包 offline：跨会话的持久化兜底存储，仅在离线或网络路径失败时读取
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"anomaly-map/internal/geo"
	"anomaly-map/internal/kv"
	"anomaly-map/internal/logger"
	"anomaly-map/internal/metrics"
	"anomaly-map/internal/model"
)

const (
	entriesKey = "offline:entries"
	metaKey    = "offline:meta"
)

// ErrTooLarge 单条数据超过存储总上限
var ErrTooLarge = errors.New("offline entry exceeds storage cap")

// Config：离线存储参数
type Config struct {
	TTL      time.Duration    `yaml:"ttl"`
	MaxBytes int64            `yaml:"max_bytes"`
	Clock    func() time.Time `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{TTL: 7 * 24 * time.Hour, MaxBytes: 20 << 20}
}

// Entry：一条离线数据
type Entry struct {
	Key      string               `json:"key"`
	Region   geo.Region           `json:"region"`
	Filters  model.FilterCriteria `json:"filters"`
	Events   []model.Event        `json:"events"`
	StoredAt time.Time            `json:"stored_at"`
	Size     int64                `json:"size"`
}

// Metadata：聚合元数据，与条目一同落盘
type Metadata struct {
	TotalSize   int64     `json:"total_size"`
	EntryCount  int       `json:"entry_count"`
	LastUpdated time.Time `json:"last_updated"`
	MaxSize     int64     `json:"max_size"`
}

// Store：内存中保留完整条目映射，每次变更整体写回 kv
// 约束：写回失败不回滚内存状态，仅记录日志；下一次成功写回即恢复一致
// 约束：flushMu 先于 mu 获取并覆盖“编码+写回”，快照落盘顺序与内存变更顺序一致
type Store struct {
	flushMu sync.Mutex
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time
	kv      kv.Store
	entries map[string]*Entry
	meta    Metadata
	log     *slog.Logger
}

// Open：加载命名空间并立即清理过期条目
func Open(ctx context.Context, st kv.Store, cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	if st == nil {
		st = kv.NewMemory()
	}
	s := &Store{cfg: cfg, now: now, kv: st, entries: make(map[string]*Entry), log: logger.For("offline")}
	b, ok, err := st.Get(ctx, entriesKey)
	if err != nil {
		return nil, err
	}
	if ok {
		var list []*Entry
		if err := json.Unmarshal(b, &list); err != nil {
			s.log.Warn("offline_decode_error", "err", err)
		} else {
			for _, e := range list {
				if e != nil && e.Key != "" {
					s.entries[e.Key] = e
				}
			}
		}
	}
	if b, ok, err := st.Get(ctx, metaKey); err == nil && ok {
		_ = json.Unmarshal(b, &s.meta)
	}
	n, err := s.Prune(ctx)
	if err != nil {
		return nil, err
	}
	s.log.Info("offline_open", "entries", len(s.entries), "pruned", n, "total_size", s.meta.TotalSize)
	return s, nil
}

// KeyFor：区域四舍五入到 3 位小数 + 过滤摘要
func KeyFor(r geo.Region, f model.FilterCriteria) string {
	return r.Round(3).Key(3) + "|" + f.Key()
}

func (s *Store) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.StoredAt) >= s.cfg.TTL
}

// Store：写入一条数据；超过上限时从最旧条目开始淘汰
func (s *Store) Store(ctx context.Context, r geo.Region, events []model.Event, f model.FilterCriteria) error {
	key := KeyFor(r, f)
	size := model.ApproxSize(events) + int64(len(key))
	if size > s.cfg.MaxBytes {
		s.log.Warn("offline_entry_too_large", "key", key, "size", size, "max", s.cfg.MaxBytes)
		return ErrTooLarge
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	delete(s.entries, key)
	s.recountLocked()
	evicted := 0
	for s.meta.TotalSize+size > s.cfg.MaxBytes {
		oldest := s.oldestLocked()
		if oldest == nil {
			break
		}
		delete(s.entries, oldest.Key)
		s.recountLocked()
		evicted++
	}
	s.entries[key] = &Entry{
		Key:      key,
		Region:   r,
		Filters:  f.Normalize(),
		Events:   append([]model.Event(nil), events...),
		StoredAt: s.now(),
		Size:     size,
	}
	s.recountLocked()
	payload, meta, err := s.encodeLocked()
	s.mu.Unlock()
	if evicted > 0 {
		metrics.OfflineEvictionsTotal.WithLabelValues("pressure").Add(float64(evicted))
		s.log.Debug("offline_store_evict", "count", evicted)
	}
	if err != nil {
		return err
	}
	return s.flush(ctx, payload, meta)
}

// Retrieve：读取兼容且未过期的数据
// 约束：优先区域精确匹配；否则合并所有相交条目并裁剪到请求区域，按 id 去重（较新的条目优先）
func (s *Store) Retrieve(ctx context.Context, r geo.Region, f model.FilterCriteria) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	want := r.Round(3)
	var candidates []*Entry
	for _, e := range s.entries {
		if s.expired(e, now) || !e.Filters.Covers(f) {
			continue
		}
		if e.Region.Round(3) == want {
			return model.FilterEvents(e.Events, func(ev model.Event) bool {
				return r.ContainsPoint(ev.Lat, ev.Lon) && f.Match(ev)
			}), nil
		}
		if e.Region.Intersects(r) {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].StoredAt.After(candidates[j].StoredAt) })
	seen := make(map[string]bool)
	var out []model.Event
	for _, e := range candidates {
		for _, ev := range e.Events {
			if seen[ev.ID] || !r.ContainsPoint(ev.Lat, ev.Lon) || !f.Match(ev) {
				continue
			}
			seen[ev.ID] = true
			out = append(out, ev)
		}
	}
	return out, nil
}

// Prune：删除全部过期条目并写回，返回删除数量
func (s *Store) Prune(ctx context.Context) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	now := s.now()
	n := 0
	for k, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, k)
			n++
		}
	}
	s.recountLocked()
	if n == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	payload, meta, err := s.encodeLocked()
	s.mu.Unlock()
	metrics.OfflineEvictionsTotal.WithLabelValues("expired").Add(float64(n))
	if err != nil {
		return n, err
	}
	return n, s.flush(ctx, payload, meta)
}

// Clear：删除全部条目与元数据
func (s *Store) Clear(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.mu.Lock()
	s.entries = make(map[string]*Entry)
	s.recountLocked()
	s.mu.Unlock()
	if err := s.kv.Remove(ctx, entriesKey); err != nil {
		return err
	}
	return s.kv.Remove(ctx, metaKey)
}

// Stats：聚合元数据快照
func (s *Store) Stats() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *Store) oldestLocked() *Entry {
	var oldest *Entry
	for _, e := range s.entries {
		if oldest == nil || e.StoredAt.Before(oldest.StoredAt) {
			oldest = e
		}
	}
	return oldest
}

func (s *Store) recountLocked() {
	var total int64
	for _, e := range s.entries {
		total += e.Size
	}
	s.meta.TotalSize = total
	s.meta.EntryCount = len(s.entries)
	s.meta.MaxSize = s.cfg.MaxBytes
	metrics.OfflineBytes.Set(float64(total))
}

func (s *Store) encodeLocked() ([]byte, []byte, error) {
	s.meta.LastUpdated = s.now()
	list := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StoredAt.Before(list[j].StoredAt) })
	payload, err := json.Marshal(list)
	if err != nil {
		return nil, nil, err
	}
	meta, err := json.Marshal(s.meta)
	if err != nil {
		return nil, nil, err
	}
	return payload, meta, nil
}

func (s *Store) flush(ctx context.Context, payload, meta []byte) error {
	if err := s.kv.Set(ctx, entriesKey, payload); err != nil {
		s.log.Error("offline_flush_error", "err", err)
		return err
	}
	if err := s.kv.Set(ctx, metaKey, meta); err != nil {
		s.log.Error("offline_flush_error", "err", err)
		return err
	}
	return nil
}
