package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"anomaly-map/internal/geo"
	"anomaly-map/internal/kv"
	"anomaly-map/internal/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

var sfRegion = geo.Region{North: 37.80, South: 37.70, East: -122.40, West: -122.50}

func events(n int, r geo.Region) []model.Event {
	out := make([]model.Event, n)
	for i := range out {
		out[i] = model.Event{
			ID:         fmt.Sprintf("ev-%03d", i),
			Lat:        r.South + (r.North-r.South)*float64(i+1)/float64(n+1),
			Lon:        r.West + (r.East-r.West)*float64(i+1)/float64(n+1),
			Severity:   i%5 + 1,
			Confidence: 0.9,
		}
	}
	return out
}

func TestExactHitAndMiss(t *testing.T) {
	clk := newClock()
	c := New(Config{TTL: time.Minute, MaxBytes: 1 << 20, Clock: clk.Now}, nil)
	f := model.DefaultFilters()
	if _, ok := c.Get(sfRegion, f); ok {
		t.Fatal("empty cache must miss")
	}
	if !c.Put(sfRegion, f, events(3, sfRegion)) {
		t.Fatal("Put rejected")
	}
	got, ok := c.Get(sfRegion, f)
	if !ok || len(got) != 3 {
		t.Fatalf("Get = %d events ok=%v", len(got), ok)
	}
	// 不同过滤条件不是精确命中
	if _, ok := c.Get(sfRegion, model.FilterCriteria{Severities: []int{5}}); ok {
		t.Fatal("different filters must miss")
	}
	st := c.Stats()
	if st.Hits != 1 || st.Misses != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTTLExpiry(t *testing.T) {
	clk := newClock()
	c := New(Config{TTL: time.Minute, MaxBytes: 1 << 20, Clock: clk.Now}, nil)
	f := model.DefaultFilters()
	c.Put(sfRegion, f, events(2, sfRegion))
	clk.Advance(59 * time.Second)
	if _, ok := c.Get(sfRegion, f); !ok {
		t.Fatal("entry should still be fresh")
	}
	clk.Advance(time.Second)
	if _, ok := c.Get(sfRegion, f); ok {
		t.Fatal("entry should have expired")
	}
	if c.Stats().Entries != 0 {
		t.Fatal("expired entry must be dropped on access")
	}
}

func TestTolerantHit(t *testing.T) {
	clk := newClock()
	c := New(Config{TTL: time.Minute, MaxBytes: 1 << 20, Tolerance: 0.001, Clock: clk.Now}, nil)
	all := events(10, sfRegion)
	c.Put(sfRegion, model.DefaultFilters(), all)

	sub := geo.Region{North: 37.75, South: 37.70, East: -122.45, West: -122.50}
	req := model.FilterCriteria{Severities: []int{1, 2}}
	got, ok := c.GetTolerant(sub, req)
	if !ok {
		t.Fatal("expected tolerant hit")
	}
	for _, e := range got {
		if !sub.ContainsPoint(e.Lat, e.Lon) || !req.Match(e) {
			t.Fatalf("event %s outside request", e.ID)
		}
	}

	// 稍微越界（容差内）仍可命中
	nudged := geo.Region{North: 37.8005, South: 37.70, East: -122.40, West: -122.50}
	if _, ok := c.GetTolerant(nudged, model.DefaultFilters()); !ok {
		t.Fatal("expected hit within tolerance")
	}
	// 更宽的过滤条件无法由较窄的缓存满足
	c2 := New(Config{TTL: time.Minute, MaxBytes: 1 << 20, Clock: clk.Now}, nil)
	c2.Put(sfRegion, model.FilterCriteria{Severities: []int{5}}, events(5, sfRegion))
	if _, ok := c2.GetTolerant(sfRegion, model.DefaultFilters()); ok {
		t.Fatal("narrow cached filters must not cover a wider request")
	}
}

func TestEvictionKeepsBound(t *testing.T) {
	clk := newClock()
	one := model.ApproxSize(events(10, sfRegion)) + int64(len(KeyFor(sfRegion, model.DefaultFilters())))
	c := New(Config{TTL: time.Hour, MaxBytes: one*3 + one/2, Clock: clk.Now}, nil)
	var regions []geo.Region
	for i := 0; i < 6; i++ {
		r := geo.Region{North: 10 + float64(i), South: 9 + float64(i), East: 10, West: 9}
		regions = append(regions, r)
		c.Put(r, model.DefaultFilters(), events(10, r))
		clk.Advance(time.Second)
		if st := c.Stats(); st.TotalSize > st.MaxSize {
			t.Fatalf("total %d exceeds max %d", st.TotalSize, st.MaxSize)
		}
	}
	st := c.Stats()
	if st.Entries != 3 || st.Evictions != 3 {
		t.Fatalf("stats = %+v", st)
	}
	if _, ok := c.Get(regions[0], model.DefaultFilters()); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := c.Get(regions[5], model.DefaultFilters()); !ok {
		t.Fatal("newest entry must survive")
	}
	if c.Put(sfRegion, model.DefaultFilters(), events(100, sfRegion)) {
		t.Fatal("entry larger than the cap must be rejected")
	}
}

func TestPurgeExpired(t *testing.T) {
	clk := newClock()
	c := New(Config{TTL: time.Minute, MaxBytes: 1 << 20, Clock: clk.Now}, nil)
	c.Put(sfRegion, model.DefaultFilters(), events(1, sfRegion))
	clk.Advance(30 * time.Second)
	other := geo.Region{North: 1, South: 0, East: 1, West: 0}
	c.Put(other, model.DefaultFilters(), events(1, other))
	clk.Advance(40 * time.Second)
	if n := c.PurgeExpired(); n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if c.Stats().Entries != 1 {
		t.Fatal("fresh entry must survive purge")
	}
}

func TestPersistRestore(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := kv.NewMemory()
	c := New(Config{TTL: time.Minute, MaxBytes: 1 << 20, Clock: clk.Now}, st)
	c.Put(sfRegion, model.DefaultFilters(), events(4, sfRegion))
	if err := c.Persist(ctx); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	c2 := New(Config{TTL: time.Minute, MaxBytes: 1 << 20, Clock: clk.Now}, st)
	n, err := c2.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	if got, ok := c2.Get(sfRegion, model.DefaultFilters()); !ok || len(got) != 4 {
		t.Fatalf("restored Get = %d ok=%v", len(got), ok)
	}

	clk.Advance(2 * time.Minute)
	c3 := New(Config{TTL: time.Minute, MaxBytes: 1 << 20, Clock: clk.Now}, st)
	if n, _ := c3.Restore(ctx); n != 0 {
		t.Fatalf("expired entries restored: %d", n)
	}
}

type gatedKV struct {
	*kv.Memory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedKV) Set(ctx context.Context, key string, value []byte) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Memory.Set(ctx, key, value)
}

func TestPersistOrdersSnapshots(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	mem := kv.NewMemory()
	g := &gatedKV{Memory: mem, entered: make(chan struct{}), release: make(chan struct{})}
	c := New(Config{TTL: time.Minute, MaxBytes: 1 << 20, Clock: clk.Now}, g)
	c.Put(sfRegion, model.DefaultFilters(), events(2, sfRegion))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = c.Persist(ctx)
	}()
	<-g.entered
	oakland := geo.Region{North: 37.85, South: 37.75, East: -122.20, West: -122.30}
	c.Put(oakland, model.DefaultFilters(), events(3, oakland))
	go func() {
		defer wg.Done()
		_ = c.Persist(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	close(g.release)
	wg.Wait()

	restored := New(Config{TTL: time.Minute, MaxBytes: 1 << 20, Clock: clk.Now}, mem)
	if n, err := restored.Restore(ctx); err != nil || n != 2 {
		t.Fatalf("Restore = %d, %v, want both entries", n, err)
	}
}
