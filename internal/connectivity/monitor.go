// 包 connectivity：连通性信号，供重试策略与编排器判断是否跳过网络路径
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"anomaly-map/internal/logger"
	"anomaly-map/internal/metrics"
	"anomaly-map/internal/notify"
)

// Probe：一次连通性探测，返回 nil 表示在线
type Probe func(ctx context.Context) error

// Monitor：在线状态
// 约束：初始为在线；状态由外部观察者 Set 或心跳探测更新；仅在状态翻转时通知订阅者
type Monitor struct {
	online  atomic.Bool
	mu      sync.Mutex
	lastErr error
	last    time.Time
	subs    *notify.Registry[bool]
	log     *slog.Logger
}

func NewMonitor() *Monitor {
	m := &Monitor{subs: notify.NewRegistry[bool]("connectivity"), log: logger.For("connectivity")}
	m.online.Store(true)
	metrics.Online.Set(1)
	return m
}

// Online：当前是否在线
func (m *Monitor) Online() bool { return m.online.Load() }

// Set：外部观察者写入状态
func (m *Monitor) Set(online bool) {
	prev := m.online.Swap(online)
	if online {
		metrics.Online.Set(1)
	} else {
		metrics.Online.Set(0)
	}
	if prev != online {
		m.log.Info("connectivity_changed", "online", online)
		m.subs.Notify(online)
	}
}

// OnChange：订阅状态翻转
func (m *Monitor) OnChange(fn func(online bool)) func() { return m.subs.Subscribe(fn) }

// LastCheck：最近一次探测时间与错误
func (m *Monitor) LastCheck() (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.lastErr
}

// Check：执行一次探测并更新状态
func (m *Monitor) Check(ctx context.Context, probe Probe, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	err := probe(cctx)
	cancel()
	m.mu.Lock()
	m.last = time.Now()
	m.lastErr = err
	m.mu.Unlock()
	if err != nil {
		metrics.HeartbeatTotal.WithLabelValues("fail").Inc()
		m.log.Debug("heartbeat_fail", "err", err)
	} else {
		metrics.HeartbeatTotal.WithLabelValues("ok").Inc()
	}
	m.Set(err == nil)
	return err == nil
}

// Start：周期性心跳探测；在 ctx 取消时停止
func (m *Monitor) Start(ctx context.Context, probe Probe, interval time.Duration) {
	if probe == nil || interval <= 0 {
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
				m.Check(ctx, probe, interval/2)
			}
		}
	}()
}
