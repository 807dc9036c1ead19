// 包 orchestrator：数据访问编排器
// 渲染层获取事件的唯一入口：精确缓存 → 引擎包含判定 → 网络（带重试）→ 固定顺序兜底，最后通知订阅者。
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"anomaly-map/internal/cache"
	"anomaly-map/internal/geo"
	"anomaly-map/internal/logger"
	"anomaly-map/internal/metrics"
	"anomaly-map/internal/model"
	"anomaly-map/internal/notify"
	"anomaly-map/internal/offline"
	"anomaly-map/internal/retry"
	"anomaly-map/internal/source"
	"anomaly-map/internal/virtual"
)

// 结果来源
const (
	SourceCache         = "cache"
	SourceMemory        = "memory"
	SourceNetwork       = "network"
	SourceOffline       = "offline"
	SourceCacheTolerant = "cache_tolerant"
	SourceRetryFallback = "retry_fallback"
	SourceNone          = "none"
)

const opFetch = "fetch_events"

// Status：结果附带的状态
// Offline/Degraded 供界面显示非阻塞提示；Err 为分类后的错误描述；Stale 表示结果属于已被取代的请求
type Status struct {
	Source   string `json:"source"`
	Offline  bool   `json:"offline"`
	Degraded bool   `json:"degraded"`
	Err      string `json:"error,omitempty"`
	Stale    bool   `json:"stale,omitempty"`
}

// Result：事件列表 + 状态，不向调用方抛出错误
type Result struct {
	Events []model.Event `json:"events"`
	Status Status        `json:"status"`
}

// Connectivity：在线信号的只读视图
type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// Config：编排器参数
type Config struct {
	ProgressThreshold time.Duration `yaml:"progress_threshold"`
	SlowFetch         time.Duration `yaml:"slow_fetch"`
	FetchLimit        int           `yaml:"fetch_limit"`
}

func DefaultConfig() Config {
	return Config{ProgressThreshold: 300 * time.Millisecond, SlowFetch: 2 * time.Second, FetchLimit: 5000}
}

// Deps：显式注入的组件
type Deps struct {
	Source  source.Source
	Cache   *cache.Cache
	Offline *offline.Store
	Engine  *virtual.Engine
	Retry   *retry.Handler
	Conn    Connectivity
}

// Stats：聚合统计
type Stats struct {
	Cache   cache.Stats      `json:"cache"`
	Offline offline.Metadata `json:"offline"`
	Engine  virtual.Stats    `json:"engine"`
	Errors  map[string]int   `json:"errors"`
	Online  bool             `json:"online"`
	Loading []LoadingState   `json:"loading"`
}

// Orchestrator：单飞取数与兜底编排
// 约束：只有最新一次 FetchEvents 的结果被采纳（代数计数 + 取消上一次传输）；被取代的结果不写缓存、不入引擎、不通知
type Orchestrator struct {
	cfg     Config
	src     source.Source
	cache   *cache.Cache
	offline *offline.Store
	engine  *virtual.Engine
	retry   *retry.Handler
	conn    Connectivity

	gen      atomic.Uint64
	mu       sync.Mutex
	cancel   context.CancelFunc
	filters  model.FilterCriteria
	viewport *virtual.Viewport
	loading  *loadingTracker
	status   *notify.Registry[Status]
	log      *slog.Logger
}

func New(cfg Config, d Deps) *Orchestrator {
	def := DefaultConfig()
	if cfg.ProgressThreshold <= 0 {
		cfg.ProgressThreshold = def.ProgressThreshold
	}
	if cfg.SlowFetch <= 0 {
		cfg.SlowFetch = def.SlowFetch
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = def.FetchLimit
	}
	if d.Conn == nil {
		d.Conn = alwaysOnline{}
	}
	if d.Cache == nil {
		d.Cache = cache.New(cache.DefaultConfig(), nil)
	}
	if d.Engine == nil {
		d.Engine = virtual.New(virtual.DefaultConfig())
	}
	if d.Retry == nil {
		d.Retry = retry.NewHandler(retry.DefaultPolicy(), d.Conn.Online)
	}
	o := &Orchestrator{
		cfg:     cfg,
		src:     d.Source,
		cache:   d.Cache,
		offline: d.Offline,
		engine:  d.Engine,
		retry:   d.Retry,
		conn:    d.Conn,
		filters: model.DefaultFilters(),
		loading: newLoadingTracker(cfg.ProgressThreshold),
		status:  notify.NewRegistry[Status]("orchestrator"),
		log:     logger.For("orchestrator"),
	}
	o.engine.SetLoader(o.load)
	return o
}

// load：引擎加载回调
func (o *Orchestrator) load(ctx context.Context, req virtual.LoadRequest) error {
	r := o.FetchEvents(ctx, req.Region, req.Filters, req.Priority)
	if r.Status.Err != "" && len(r.Events) == 0 {
		return errors.New(r.Status.Err)
	}
	return nil
}

// FetchEvents：按区域与过滤条件取数，永不返回错误
// 参与单飞：新调用会取消仍在进行的上一次调用，被取代的一方返回 Stale 空结果
func (o *Orchestrator) FetchEvents(ctx context.Context, region geo.Region, filters model.FilterCriteria, p model.Priority) Result {
	return o.fetch(ctx, region, filters, p, true)
}

// Query：请求级取数，兜底顺序与 FetchEvents 相同
// 不参与单飞、不取消其他调用，结果写穿缓存与离线存储但不入引擎；供多个 HTTP 客户端共用
func (o *Orchestrator) Query(ctx context.Context, region geo.Region, filters model.FilterCriteria, p model.Priority) Result {
	return o.fetch(ctx, region, filters, p, false)
}

func (o *Orchestrator) fetch(ctx context.Context, region geo.Region, filters model.FilterCriteria, p model.Priority, single bool) Result {
	t0 := time.Now()
	if err := region.Validate(); err != nil {
		o.retry.Record(&retry.Error{Kind: retry.KindUnclassified, Op: opFetch, Err: err})
		return o.finish(t0, Result{Status: Status{Source: SourceNone, Degraded: true, Err: err.Error()}})
	}
	filters = filters.Normalize()

	if events, ok := o.cache.Get(region, filters); ok {
		if single {
			o.engine.AddEvents(events, region, filters, p)
			o.engine.Publish()
		}
		o.log.Debug("fetch_cache_hit", "region", region.String(), "events", len(events))
		return o.finish(t0, Result{Events: events, Status: Status{Source: SourceCache, Offline: !o.conn.Online()}})
	}
	if o.engine.IsLoaded(region, filters) {
		events := o.engine.EventsIn(region, filters)
		o.log.Debug("fetch_memory_hit", "region", region.String(), "events", len(events))
		return o.finish(t0, Result{Events: events, Status: Status{Source: SourceMemory, Offline: !o.conn.Online()}})
	}

	// gen 为 0 表示请求级调用，永不被取代
	var gen uint64
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if single {
		gen = o.gen.Add(1)
		o.mu.Lock()
		prev := o.cancel
		o.cancel = cancel
		o.mu.Unlock()
		if prev != nil {
			prev()
		}
	}

	ls := o.loading.begin("加载 " + p.String() + " 区域事件")
	defer o.loading.end(ls)

	q := source.Query{Region: region, Filters: filters, Limit: o.cfg.FetchLimit}
	var res source.Result
	var err error
	online := o.conn.Online()
	if !online || o.src == nil {
		err = retry.NewNetworkError(opFetch, retry.ErrOffline)
		o.retry.Record(retry.Classify(opFetch, err))
	} else {
		err = o.retry.Do(fctx, opFetch, func(c context.Context) error {
			var e error
			res, e = o.src.Fetch(c, q)
			return e
		})
	}
	if o.superseded(gen) {
		o.log.Debug("fetch_stale_discarded", "gen", gen)
		return o.finish(t0, Result{Status: Status{Source: SourceNetwork, Degraded: true, Stale: true}})
	}
	if err == nil {
		o.reportSlow(t0)
		o.accept(gen, region, filters, p, res.Events)
		o.log.Debug("fetch_network_ok", "region", region.String(), "events", len(res.Events), "rejected", res.Rejected, "has_more", res.HasMore)
		return o.finish(t0, Result{Events: res.Events, Status: Status{Source: SourceNetwork}})
	}
	return o.fallback(fctx, t0, gen, region, filters, p, q, err)
}

// fallback：固定顺序的兜底链，首个非空结果胜出
// 兜底数据入引擎但不登记加载账本，恢复在线后同一区域仍会走网络刷新
// (a) 离线时读离线存储；(b) 容差缓存；(c) 重试处理器的额外尝试；在线且重试耗尽时再读一次离线存储；(d) 空列表
func (o *Orchestrator) fallback(ctx context.Context, t0 time.Time, gen uint64, region geo.Region, filters model.FilterCriteria, p model.Priority, q source.Query, cause error) Result {
	online := o.conn.Online()
	msg := retry.Classify(opFetch, cause).Error()
	st := Status{Offline: !online, Degraded: true, Err: msg}

	if !online {
		if events := o.readOffline(ctx, region, filters); len(events) > 0 {
			o.ingest(gen, events, geo.Region{}, filters, p)
			st.Source = SourceOffline
			o.log.Info("fetch_offline_hit", "region", region.String(), "events", len(events))
			return o.finish(t0, Result{Events: events, Status: st})
		}
	}
	if events, ok := o.cache.GetTolerant(region, filters); ok {
		o.ingest(gen, events, geo.Region{}, filters, p)
		st.Source = SourceCacheTolerant
		o.log.Info("fetch_cache_tolerant_hit", "region", region.String(), "events", len(events))
		return o.finish(t0, Result{Events: events, Status: st})
	}
	if o.src != nil && online {
		var res source.Result
		err := o.retry.Fallback(ctx, opFetch, cause, func(c context.Context) error {
			var e error
			res, e = o.src.Fetch(c, q)
			return e
		})
		if o.superseded(gen) {
			return o.finish(t0, Result{Status: Status{Source: SourceRetryFallback, Degraded: true, Stale: true}})
		}
		if err == nil {
			o.accept(gen, region, filters, p, res.Events)
			st = Status{Source: SourceRetryFallback, Offline: !o.conn.Online()}
			o.log.Info("fetch_retry_fallback_ok", "region", region.String(), "events", len(res.Events))
			return o.finish(t0, Result{Events: res.Events, Status: st})
		}
	}
	if online {
		if events := o.readOffline(ctx, region, filters); len(events) > 0 {
			o.ingest(gen, events, geo.Region{}, filters, p)
			st.Source = SourceOffline
			o.log.Info("fetch_offline_after_exhaustion", "region", region.String(), "events", len(events))
			return o.finish(t0, Result{Events: events, Status: st})
		}
	}
	st.Source = SourceNone
	o.log.Warn("fetch_failed", "region", region.String(), "err", msg, "offline", !online)
	if gen != 0 {
		o.engine.Publish()
	}
	return o.finish(t0, Result{Events: []model.Event{}, Status: st})
}

// accept：成功结果写穿缓存与离线存储；单飞调用再入引擎并通知订阅者
func (o *Orchestrator) accept(gen uint64, region geo.Region, filters model.FilterCriteria, p model.Priority, events []model.Event) {
	o.cache.Put(region, filters, events)
	if o.offline != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.offline.Store(ctx, region, events, filters); err != nil {
			o.log.Warn("offline_write_through_error", "err", err)
		}
		cancel()
	}
	o.ingest(gen, events, region, filters, p)
}

func (o *Orchestrator) ingest(gen uint64, events []model.Event, region geo.Region, filters model.FilterCriteria, p model.Priority) {
	if gen == 0 {
		return
	}
	o.engine.AddEvents(events, region, filters, p)
	o.engine.Publish()
}

func (o *Orchestrator) readOffline(ctx context.Context, region geo.Region, filters model.FilterCriteria) []model.Event {
	if o.offline == nil {
		return nil
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	events, err := o.offline.Retrieve(ctx, region, filters)
	if err != nil {
		o.log.Warn("offline_read_error", "err", err)
		return nil
	}
	return events
}

func (o *Orchestrator) superseded(gen uint64) bool { return gen != 0 && o.gen.Load() != gen }

func (o *Orchestrator) reportSlow(t0 time.Time) {
	ms := float64(time.Since(t0).Milliseconds())
	o.retry.ReportPerformance("fetch_duration_ms", ms, float64(o.cfg.SlowFetch.Milliseconds()))
}

func (o *Orchestrator) finish(t0 time.Time, r Result) Result {
	metrics.FetchRequestsTotal.WithLabelValues(r.Status.Source).Inc()
	metrics.FetchDurationMs.Observe(float64(time.Since(t0).Milliseconds()))
	if r.Events == nil {
		r.Events = []model.Event{}
	}
	if !r.Status.Stale {
		o.status.Notify(r.Status)
	}
	return r
}

// UpdateViewport：转交引擎；引擎经加载回调触发取数
func (o *Orchestrator) UpdateViewport(ctx context.Context, v virtual.Viewport) error {
	if err := v.Region.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	vp := v
	o.viewport = &vp
	o.mu.Unlock()
	return o.engine.UpdateViewport(ctx, v)
}

// SetFilters：更换当前过滤条件；已有视口时按新条件重新加载
func (o *Orchestrator) SetFilters(ctx context.Context, f model.FilterCriteria) error {
	f = f.Normalize()
	o.mu.Lock()
	o.filters = f
	vp := o.viewport
	o.mu.Unlock()
	o.engine.SetDisplayFilter(f)
	if vp == nil {
		o.engine.Publish()
		return nil
	}
	return o.engine.UpdateViewport(ctx, *vp)
}

// Filters：当前过滤条件
func (o *Orchestrator) Filters() model.FilterCriteria {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.filters
}

// Viewport：最近一次视口（未设置时返回 nil）
func (o *Orchestrator) Viewport() *virtual.Viewport {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.viewport == nil {
		return nil
	}
	vp := *o.viewport
	return &vp
}

// Subscribe：订阅可见事件集合
func (o *Orchestrator) Subscribe(fn func([]virtual.VirtualizedEvent)) func() {
	return o.engine.Subscribe(fn)
}

// SubscribeStatus：订阅每次取数的状态（含离线/降级标记）
func (o *Orchestrator) SubscribeStatus(fn func(Status)) func() {
	return o.status.Subscribe(fn)
}

// VisibleEvents：当前可见事件
func (o *Orchestrator) VisibleEvents() []virtual.VirtualizedEvent { return o.engine.VisibleEvents() }

// CacheStats：结果缓存统计
func (o *Orchestrator) CacheStats() cache.Stats { return o.cache.Stats() }

// Stats：全部组件的聚合统计
func (o *Orchestrator) Stats() Stats {
	s := Stats{Cache: o.cache.Stats(), Engine: o.engine.Stats(), Online: o.conn.Online(), Loading: o.LoadingStates(), Errors: map[string]int{}}
	if o.offline != nil {
		s.Offline = o.offline.Stats()
	}
	for k, v := range o.retry.Counts() {
		s.Errors[k.String()] = v
	}
	return s
}

// LoadingStates：进行中的加载状态
func (o *Orchestrator) LoadingStates() []LoadingState { return o.loading.list() }

// RecentErrors：最近的分类上报
func (o *Orchestrator) RecentErrors() []retry.Report { return o.retry.Recent() }

// 渲染依赖失败时的命名降级行为
var renderFallbacks = map[string]string{
	"clustering": "plain_markers",
	"heatmap":    "hide_layer",
	"tiles":      "cached_tiles",
	"popup":      "tooltip_only",
}

// ReportRenderFallback：记录渲染依赖失败并返回应采用的降级行为
func (o *Orchestrator) ReportRenderFallback(component string, err error) string {
	fb, ok := renderFallbacks[component]
	if !ok {
		fb = "static_list"
	}
	return o.retry.RenderFallback(component, fb, err)
}

// Maintain：一次维护：清理离线过期条目、清理过期缓存、持久化缓存索引
func (o *Orchestrator) Maintain(ctx context.Context) {
	if o.offline != nil {
		if n, err := o.offline.Prune(ctx); err != nil {
			o.log.Warn("maintenance_prune_error", "err", err)
		} else if n > 0 {
			o.log.Info("maintenance_pruned", "entries", n)
		}
	}
	if n := o.cache.PurgeExpired(); n > 0 {
		o.log.Debug("maintenance_cache_purged", "entries", n)
	}
	if err := o.cache.Persist(ctx); err != nil {
		o.log.Warn("maintenance_persist_error", "err", err)
	}
	o.engine.Cleanup()
}

// StartMaintenance：后台周期维护，ctx 取消时停止
func (o *Orchestrator) StartMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				o.Maintain(ctx)
			}
		}
	}()
}

// Close：取消进行中的请求并持久化缓存索引
func (o *Orchestrator) Close(ctx context.Context) error {
	o.gen.Add(1)
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.mu.Unlock()
	return o.cache.Persist(ctx)
}
