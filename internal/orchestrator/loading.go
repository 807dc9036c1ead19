package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LoadingState：一次取数的加载状态，取数开始时创建、结束时销毁
// ShowProgress 在耗时越过阈值后置位，界面据此决定是否显示进度
type LoadingState struct {
	ID           string    `json:"id"`
	Label        string    `json:"label"`
	StartedAt    time.Time `json:"started_at"`
	ShowProgress bool      `json:"show_progress"`
}

type loadingTracker struct {
	mu        sync.Mutex
	threshold time.Duration
	states    map[string]*LoadingState
	timers    map[string]*time.Timer
}

func newLoadingTracker(threshold time.Duration) *loadingTracker {
	return &loadingTracker{threshold: threshold, states: make(map[string]*LoadingState), timers: make(map[string]*time.Timer)}
}

func (t *loadingTracker) begin(label string) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.states[id] = &LoadingState{ID: id, Label: label, StartedAt: time.Now()}
	t.timers[id] = time.AfterFunc(t.threshold, func() {
		t.mu.Lock()
		if s, ok := t.states[id]; ok {
			s.ShowProgress = true
		}
		t.mu.Unlock()
	})
	t.mu.Unlock()
	return id
}

func (t *loadingTracker) end(id string) {
	t.mu.Lock()
	if tm, ok := t.timers[id]; ok {
		tm.Stop()
		delete(t.timers, id)
	}
	delete(t.states, id)
	t.mu.Unlock()
}

func (t *loadingTracker) list() []LoadingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]LoadingState, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
