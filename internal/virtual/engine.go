// 包 virtual：空间虚拟化引擎
// 以均匀网格索引全部已加载事件，按视口决定哪些事件可见、哪些需要预取、哪些可以卸载。
package virtual

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"anomaly-map/internal/geo"
	"anomaly-map/internal/logger"
	"anomaly-map/internal/metrics"
	"anomaly-map/internal/model"
	"anomaly-map/internal/notify"
)

// Config：引擎参数
type Config struct {
	CellSize             float64          `yaml:"cell_size"`
	BufferRatio          float64          `yaml:"buffer_ratio"`
	MaxRender            int              `yaml:"max_render"`
	UnloadDistanceFactor float64          `yaml:"unload_distance_factor"`
	UnloadGrace          time.Duration    `yaml:"unload_grace"`
	CleanupThreshold     int              `yaml:"cleanup_threshold"`
	CleanupAge           time.Duration    `yaml:"cleanup_age"`
	Clock                func() time.Time `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		CellSize:             0.01,
		BufferRatio:          0.2,
		MaxRender:            1000,
		UnloadDistanceFactor: 3,
		UnloadGrace:          5 * time.Minute,
		CleanupThreshold:     10000,
		CleanupAge:           10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CellSize <= 0 {
		c.CellSize = d.CellSize
	}
	if c.BufferRatio < 0 {
		c.BufferRatio = d.BufferRatio
	}
	if c.MaxRender <= 0 {
		c.MaxRender = d.MaxRender
	}
	if c.UnloadDistanceFactor <= 0 {
		c.UnloadDistanceFactor = d.UnloadDistanceFactor
	}
	if c.UnloadGrace <= 0 {
		c.UnloadGrace = d.UnloadGrace
	}
	if c.CleanupThreshold <= 0 {
		c.CleanupThreshold = d.CleanupThreshold
	}
	if c.CleanupAge <= 0 {
		c.CleanupAge = d.CleanupAge
	}
	return c
}

// VirtualizedEvent：引擎持有的事件视图
type VirtualizedEvent struct {
	model.Event
	Priority     model.Priority `json:"priority"`
	LastAccessed time.Time      `json:"last_accessed"`
	Visible      bool           `json:"visible"`
}

// Viewport：客户端当前视口
type Viewport struct {
	Region geo.Region `json:"region"`
	Zoom   float64    `json:"zoom"`
}

// LoadRequest：引擎向加载器发出的区域加载请求
type LoadRequest struct {
	Region   geo.Region
	Filters  model.FilterCriteria
	Priority model.Priority
}

// Loader：由编排器注册，负责拉取并回灌 AddEvents
type Loader func(ctx context.Context, req LoadRequest) error

// Stats：观测用统计
type Stats struct {
	Universe int       `json:"universe"`
	Visible  int       `json:"visible"`
	Cells    int       `json:"cells"`
	Ledger   int       `json:"ledger"`
	Viewport *Viewport `json:"viewport,omitempty"`
}

type ledgerEntry struct {
	region  geo.Region
	filters model.FilterCriteria
}

// Engine：可见性、加载账本与卸载策略
// 约束：调用加载器与订阅者时不持有锁；可见集合是视口内且满足展示过滤的事件中排序靠前的至多 MaxRender 个
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	universe map[string]*VirtualizedEvent
	grid     *grid
	visible  map[string]struct{}
	viewport *Viewport
	buffer   geo.Region
	ledger   []ledgerEntry
	display  model.FilterCriteria
	loader   Loader
	subs     *notify.Registry[[]VirtualizedEvent]
	log      *slog.Logger
}

func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:      cfg,
		now:      now,
		universe: make(map[string]*VirtualizedEvent),
		grid:     newGrid(cfg.CellSize),
		visible:  make(map[string]struct{}),
		display:  model.DefaultFilters(),
		subs:     notify.NewRegistry[[]VirtualizedEvent]("virtual"),
		log:      logger.For("virtual"),
	}
}

// SetLoader：注册加载器（可为 nil，表示不主动加载）
func (e *Engine) SetLoader(fn Loader) {
	e.mu.Lock()
	e.loader = fn
	e.mu.Unlock()
}

// Subscribe：订阅可见集合变化，返回取消函数
func (e *Engine) Subscribe(fn func([]VirtualizedEvent)) func() {
	return e.subs.Subscribe(fn)
}

// DisplayFilter：当前展示过滤条件
func (e *Engine) DisplayFilter() model.FilterCriteria {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.display
}

// SetDisplayFilter：更换展示过滤条件并立即重算可见性
func (e *Engine) SetDisplayFilter(f model.FilterCriteria) {
	e.mu.Lock()
	e.display = f.Normalize()
	e.recomputeVisibilityLocked()
	e.mu.Unlock()
}

// UpdateViewport：视口变化的完整处理流程
// 1) 重算可见性并重新分级；2) 对未加载的视口（High）与缓冲区（Medium）发起加载；
// 3) 卸载远离视口且超过宽限期未访问的事件；4) 内存清理；5) 通知订阅者
func (e *Engine) UpdateViewport(ctx context.Context, v Viewport) error {
	if err := v.Region.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	vp := v
	e.viewport = &vp
	e.buffer = v.Region.Expand(e.cfg.BufferRatio)
	e.recomputeVisibilityLocked()
	e.retierLocked()
	var reqs []LoadRequest
	if !e.isLoadedLocked(v.Region, e.display) {
		reqs = append(reqs, LoadRequest{Region: v.Region, Filters: e.display, Priority: model.PriorityHigh})
	}
	if e.buffer != v.Region && !e.isLoadedLocked(e.buffer, e.display) {
		reqs = append(reqs, LoadRequest{Region: e.buffer, Filters: e.display, Priority: model.PriorityMedium})
	}
	loader := e.loader
	e.mu.Unlock()

	if loader != nil {
		for _, req := range reqs {
			if ctx.Err() != nil {
				break
			}
			if err := loader(ctx, req); err != nil {
				e.log.Warn("viewport_load_error", "priority", req.Priority.String(), "region", req.Region.String(), "err", err)
			}
		}
	}

	e.mu.Lock()
	unloaded := e.unloadDistantLocked()
	cleaned := e.cleanupLocked()
	e.mu.Unlock()
	if unloaded > 0 || cleaned > 0 {
		e.log.Debug("viewport_unload", "distant", unloaded, "cleanup", cleaned)
	}
	e.Publish()
	return ctx.Err()
}

// AddEvents：写入事件、刷新优先级与访问时间，并在账本中登记 (region, filters)
// region 为零值（或非法）时只写入事件不登记账本，用于兜底来源的数据
func (e *Engine) AddEvents(events []model.Event, region geo.Region, filters model.FilterCriteria, p model.Priority) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	dirty := false
	for _, ev := range events {
		if ev.ID == "" {
			continue
		}
		cur, ok := e.universe[ev.ID]
		if ok {
			if cur.Lat != ev.Lat || cur.Lon != ev.Lon {
				e.grid.remove(cur.ID, cur.Lat, cur.Lon)
				e.grid.add(ev.ID, ev.Lat, ev.Lon)
			}
			cur.Event = ev
		} else {
			cur = &VirtualizedEvent{Event: ev}
			e.universe[ev.ID] = cur
			e.grid.add(ev.ID, ev.Lat, ev.Lon)
		}
		cur.Priority = p
		cur.LastAccessed = now
		if e.inViewportLocked(cur) {
			cur.Priority = model.PriorityHigh
		}
		if cur.Visible || e.candidateLocked(cur) {
			dirty = true
		}
	}
	if dirty {
		e.recomputeVisibilityLocked()
	}
	if region.Validate() == nil {
		e.stampLocked(region, filters.Normalize())
	}
	metrics.UniverseEvents.Set(float64(len(e.universe)))
}

// VisibleEvents：可见事件，按 (优先级升序, 严重度降序) 排序，数量不超过 MaxRender
func (e *Engine) VisibleEvents() []VirtualizedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visibleLocked()
}

// Publish：把当前可见集合推送给订阅者，返回推送内容
func (e *Engine) Publish() []VirtualizedEvent {
	list := e.VisibleEvents()
	if n := e.subs.Notify(list); n > 0 {
		e.log.Warn("publish_subscriber_failed", "failed", n)
	}
	return list
}

// IsLoaded：账本中是否存在严格包含该区域且过滤条件兼容的记录
func (e *Engine) IsLoaded(r geo.Region, f model.FilterCriteria) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLoadedLocked(r, f)
}

// EventsIn：区域内满足过滤条件的已加载事件，按 id 排序
func (e *Engine) EventsIn(r geo.Region, f model.FilterCriteria) []model.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	var out []model.Event
	for _, id := range e.grid.idsIn(r) {
		ve := e.universe[id]
		if ve == nil || !r.ContainsPoint(ve.Lat, ve.Lon) || !f.Match(ve.Event) {
			continue
		}
		ve.LastAccessed = now
		out = append(out, ve.Event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cleanup：手动触发内存清理，返回清理数量
func (e *Engine) Cleanup() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cleanupLocked()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{Universe: len(e.universe), Visible: len(e.visible), Cells: e.grid.len(), Ledger: len(e.ledger)}
	if e.viewport != nil {
		vp := *e.viewport
		s.Viewport = &vp
	}
	return s
}

func (e *Engine) isLoadedLocked(r geo.Region, f model.FilterCriteria) bool {
	for _, l := range e.ledger {
		if l.region.Contains(r) && l.filters.Covers(f) {
			return true
		}
	}
	return false
}

// stampLocked：登记已加载区域；已被覆盖的新记录忽略，被新记录覆盖的旧记录移除
func (e *Engine) stampLocked(r geo.Region, f model.FilterCriteria) {
	if e.isLoadedLocked(r, f) {
		return
	}
	kept := e.ledger[:0]
	for _, l := range e.ledger {
		if r.Contains(l.region) && f.Covers(l.filters) {
			continue
		}
		kept = append(kept, l)
	}
	e.ledger = append(kept, ledgerEntry{region: r, filters: f})
}

// dropLedgerLocked：移除包含任一被卸载事件坐标的账本记录，避免包含判定命中空洞
func (e *Engine) dropLedgerLocked(removed []*VirtualizedEvent) {
	if len(removed) == 0 || len(e.ledger) == 0 {
		return
	}
	kept := e.ledger[:0]
	for _, l := range e.ledger {
		hole := false
		for _, ve := range removed {
			if l.region.ContainsPoint(ve.Lat, ve.Lon) {
				hole = true
				break
			}
		}
		if !hole {
			kept = append(kept, l)
		}
	}
	e.ledger = kept
}

func (e *Engine) inViewportLocked(ve *VirtualizedEvent) bool {
	return e.viewport != nil && e.viewport.Region.ContainsPoint(ve.Lat, ve.Lon)
}

// candidateLocked：位于视口内且满足展示过滤，是否置可见位还取决于 MaxRender
func (e *Engine) candidateLocked(ve *VirtualizedEvent) bool {
	return e.inViewportLocked(ve) && e.display.Match(ve.Event)
}

// renderOrder：可见排序 (优先级升序, 严重度降序, id)
func renderOrder(list []*VirtualizedEvent) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		return a.ID < b.ID
	})
}

// recomputeVisibilityLocked：先清除旧可见集合，再按视口单元收集候选，只给排序后的前 MaxRender 个置可见位
func (e *Engine) recomputeVisibilityLocked() {
	for id := range e.visible {
		if ve := e.universe[id]; ve != nil {
			ve.Visible = false
		}
	}
	e.visible = make(map[string]struct{})
	if e.viewport != nil {
		var cands []*VirtualizedEvent
		for _, id := range e.grid.idsIn(e.viewport.Region) {
			if ve := e.universe[id]; ve != nil && e.candidateLocked(ve) {
				cands = append(cands, ve)
			}
		}
		renderOrder(cands)
		if len(cands) > e.cfg.MaxRender {
			cands = cands[:e.cfg.MaxRender]
		}
		for _, ve := range cands {
			ve.Visible = true
			e.visible[ve.ID] = struct{}{}
		}
	}
	metrics.VisibleEvents.Set(float64(len(e.visible)))
}

func (e *Engine) retierLocked() {
	for _, ve := range e.universe {
		switch {
		case e.inViewportLocked(ve):
			ve.Priority = model.PriorityHigh
		case e.buffer.ContainsPoint(ve.Lat, ve.Lon):
			ve.Priority = model.PriorityMedium
		default:
			ve.Priority = model.PriorityLow
		}
	}
}

// unloadDistantLocked：距视口中心超过 UnloadDistanceFactor×对角线 且超过宽限期未访问的非可见事件
func (e *Engine) unloadDistantLocked() int {
	if e.viewport == nil {
		return 0
	}
	cLat, cLon := e.viewport.Region.Center()
	limit := e.cfg.UnloadDistanceFactor * e.viewport.Region.DiagonalKm()
	now := e.now()
	var removed []*VirtualizedEvent
	for _, ve := range e.universe {
		if ve.Visible || now.Sub(ve.LastAccessed) <= e.cfg.UnloadGrace {
			continue
		}
		if geo.HaversineKm(cLat, cLon, ve.Lat, ve.Lon) > limit {
			removed = append(removed, ve)
		}
	}
	e.removeLocked(removed)
	if len(removed) > 0 {
		metrics.UnloadedTotal.WithLabelValues("distance").Add(float64(len(removed)))
	}
	return len(removed)
}

// cleanupLocked：总量超过阈值时清除低优先级、非可见且长时间未访问的事件
func (e *Engine) cleanupLocked() int {
	if len(e.universe) <= e.cfg.CleanupThreshold {
		return 0
	}
	now := e.now()
	var removed []*VirtualizedEvent
	for _, ve := range e.universe {
		if ve.Visible || ve.Priority != model.PriorityLow {
			continue
		}
		if now.Sub(ve.LastAccessed) > e.cfg.CleanupAge {
			removed = append(removed, ve)
		}
	}
	e.removeLocked(removed)
	if len(removed) > 0 {
		metrics.UnloadedTotal.WithLabelValues("cleanup").Add(float64(len(removed)))
	}
	return len(removed)
}

func (e *Engine) removeLocked(removed []*VirtualizedEvent) {
	for _, ve := range removed {
		e.grid.remove(ve.ID, ve.Lat, ve.Lon)
		delete(e.universe, ve.ID)
		delete(e.visible, ve.ID)
	}
	e.dropLedgerLocked(removed)
	metrics.UniverseEvents.Set(float64(len(e.universe)))
}

func (e *Engine) visibleLocked() []VirtualizedEvent {
	now := e.now()
	list := make([]*VirtualizedEvent, 0, len(e.visible))
	for id := range e.visible {
		if ve := e.universe[id]; ve != nil {
			list = append(list, ve)
		}
	}
	renderOrder(list)
	out := make([]VirtualizedEvent, len(list))
	for i, ve := range list {
		ve.LastAccessed = now
		out[i] = *ve
	}
	return out
}
