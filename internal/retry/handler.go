package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"anomaly-map/internal/logger"
	"anomaly-map/internal/metrics"
)

// Policy：指数退避参数
// 第 n 次重试前等待 BaseDelay * Factor^(n-1)，上限 MaxDelay；总调用次数最多 MaxRetries+1
type Policy struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Factor     float64       `yaml:"factor"`
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second, Factor: 2}
}

// Delay：第 attempt 次重试（从 1 开始）之前的等待时长
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	f := p.Factor
	if f < 1 {
		f = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= f
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Report：一次分类上报
type Report struct {
	Kind     Kind      `json:"kind"`
	Severity Severity  `json:"severity"`
	Op       string    `json:"op"`
	Status   int       `json:"status,omitempty"`
	Attempt  int       `json:"attempt"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Handler：错误分类器与重试执行器
// 约束：online 为外部连通性信号的只读视图；recent 为定长环形缓冲，供 /stats 观测
type Handler struct {
	policy Policy
	online func() bool
	log    *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	recent []Report
	next   int
	full   bool
	counts map[Kind]int
}

const recentCap = 128

func NewHandler(p Policy, online func() bool) *Handler {
	if online == nil {
		online = func() bool { return true }
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return &Handler{
		policy: p,
		online: online,
		log:    logger.For("retry"),
		sleep:  sleepCtx,
		recent: make([]Report, recentCap),
		counts: make(map[Kind]int),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Policy：当前生效的退避参数
func (h *Handler) Policy() Policy { return h.policy }

// Do：按策略执行 fn，返回最后一次的分类错误（成功返回 nil）
// 约束：ctx 取消时立即停止且不再上报；不可重试错误立即返回；离线时网络错误快速失败
func (h *Handler) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	var last *Error
	for attempt := 0; attempt <= h.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.RetriesTotal.WithLabelValues(op).Inc()
			if err := h.sleep(ctx, h.policy.Delay(attempt)); err != nil {
				return err
			}
		}
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				h.log.Info("retry_recovered", "op", op, "attempt", attempt)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		last = Classify(op, err)
		online := h.online()
		h.record(last, attempt, online)
		if !last.Retryable(online) {
			h.log.Debug("retry_give_up", "op", op, "kind", last.Kind.String(), "status", last.Status, "attempt", attempt)
			return last
		}
	}
	h.log.Warn("retry_exhausted", "op", op, "attempts", h.policy.MaxRetries+1, "err", last)
	return last
}

// Fallback：编排器失败兜底链中的额外一次尝试，最多调用一次 fn
// 约束：离线时不做网络调用，直接返回 ErrOffline 的分类结果；
// last 非网络类错误时不再尝试（API 错误已按策略重试完毕或不可重试）
func (h *Handler) Fallback(ctx context.Context, op string, last error, fn func(context.Context) error) error {
	if !h.online() {
		e := NewNetworkError(op, ErrOffline)
		h.record(e, 0, false)
		return e
	}
	if le := Classify(op, last); le != nil && le.Kind != KindNetwork {
		return le
	}
	if err := h.sleep(ctx, h.policy.Delay(1)); err != nil {
		return err
	}
	metrics.RetriesTotal.WithLabelValues(op + "_fallback").Inc()
	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e := Classify(op, err)
		h.record(e, h.policy.MaxRetries+1, h.online())
		return e
	}
	return nil
}

// RenderFallback：下游渲染依赖失败，记录并返回命名的降级行为（如 "plain_markers"）
func (h *Handler) RenderFallback(component, fallback string, err error) string {
	e := &Error{Kind: KindRenderFallback, Op: component, Fallback: fallback, Err: err}
	h.record(e, 0, h.online())
	return fallback
}

// ReportPerformance：指标越过阈值时上报；未越过返回 false 且不记录
func (h *Handler) ReportPerformance(metric string, value, threshold float64) bool {
	if threshold <= 0 || value <= threshold {
		return false
	}
	e := &Error{Kind: KindPerformance, Op: "performance", Metric: metric, Value: value, Threshold: threshold}
	h.record(e, 0, h.online())
	return true
}

// Record：外部已分类错误的直接上报入口（如校验失败）
func (h *Handler) Record(e *Error) {
	if e == nil {
		return
	}
	h.record(e, 0, h.online())
}

func (h *Handler) record(e *Error, attempt int, online bool) {
	sev := e.Severity(online)
	r := Report{Kind: e.Kind, Severity: sev, Op: e.Op, Status: e.Status, Attempt: attempt, Message: e.Error(), At: time.Now()}
	h.mu.Lock()
	h.recent[h.next] = r
	h.next = (h.next + 1) % recentCap
	if h.next == 0 {
		h.full = true
	}
	h.counts[e.Kind]++
	h.mu.Unlock()
	metrics.ErrorReportsTotal.WithLabelValues(e.Kind.String(), sev.String()).Inc()
	lvl := slog.LevelInfo
	if sev >= SeverityHigh {
		lvl = slog.LevelWarn
	}
	h.log.Log(context.Background(), lvl, "error_report", "kind", e.Kind.String(), "severity", sev.String(), "op", e.Op, "status", e.Status, "attempt", attempt, "err", e.Err)
}

// Recent：按时间顺序返回最近的上报（最多 128 条）
func (h *Handler) Recent() []Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Report
	if h.full {
		out = append(out, h.recent[h.next:]...)
	}
	out = append(out, h.recent[:h.next]...)
	return out
}

// Counts：按类别累计的上报次数
func (h *Handler) Counts() map[Kind]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[Kind]int, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}
