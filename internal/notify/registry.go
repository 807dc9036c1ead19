// 包 notify：观察者注册表，同步回调且按订阅者隔离 panic
package notify

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"anomaly-map/internal/logger"
)

type subscriber[T any] struct {
	seq uint64
	fn  func(T)
}

// Registry：按订阅顺序回调
// 约束：Notify 在调用方 goroutine 内同步执行，不持有锁回调；单个订阅者 panic 不影响其余订阅者
type Registry[T any] struct {
	mu   sync.Mutex
	seq  uint64
	subs map[string]subscriber[T]
	log  *slog.Logger
}

func NewRegistry[T any](name string) *Registry[T] {
	return &Registry[T]{subs: make(map[string]subscriber[T]), log: logger.For(name)}
}

// Subscribe：注册回调，返回幂等的取消函数
func (r *Registry[T]) Subscribe(fn func(T)) func() {
	id := uuid.NewString()
	r.mu.Lock()
	r.seq++
	r.subs[id] = subscriber[T]{seq: r.seq, fn: fn}
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Len：当前订阅者数量
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Notify：依次回调所有订阅者，返回 panic 的订阅者数量
func (r *Registry[T]) Notify(v T) int {
	r.mu.Lock()
	list := make([]subscriber[T], 0, len(r.subs))
	for _, s := range r.subs {
		list = append(list, s)
	}
	r.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	failed := 0
	for _, s := range list {
		if !r.call(s.fn, v) {
			failed++
		}
	}
	return failed
}

func (r *Registry[T]) call(fn func(T), v T) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("subscriber_panic", "panic", p)
			ok = false
		}
	}()
	fn(v)
	return true
}
