package offline

import (
	"context"
	"errors"
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
	return &fakeClock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func grid(prefix string, r geo.Region, n int) []model.Event {
	out := make([]model.Event, n)
	for i := range out {
		out[i] = model.Event{
			ID:         fmt.Sprintf("%s-%02d", prefix, i),
			Lat:        r.South + (r.North-r.South)*float64(i+1)/float64(n+1),
			Lon:        r.West + (r.East-r.West)*float64(i+1)/float64(n+1),
			Severity:   3,
			Confidence: 0.8,
		}
	}
	return out
}

var region = geo.Region{North: 52.55, South: 52.45, East: 13.45, West: 13.35}

func TestStoreRetrieveExact(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s, err := Open(ctx, kv.NewMemory(), Config{TTL: 7 * 24 * time.Hour, MaxBytes: 1 << 20, Clock: clk.Now})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Store(ctx, region, grid("b", region, 5), model.DefaultFilters()); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := s.Retrieve(ctx, region, model.DefaultFilters())
	if err != nil || len(got) != 5 {
		t.Fatalf("Retrieve = %d, %v", len(got), err)
	}
	// 区域在 3 位小数上一致即视为同一区域
	nearly := geo.Region{North: 52.5501, South: 52.4499, East: 13.4502, West: 13.3498}
	if got, _ := s.Retrieve(ctx, nearly, model.DefaultFilters()); len(got) != 5 {
		t.Fatalf("rounded retrieve = %d", len(got))
	}
	// 更严格的过滤条件由已存数据裁剪得到
	if got, _ := s.Retrieve(ctx, region, model.FilterCriteria{Severities: []int{5}}); len(got) != 0 {
		t.Fatalf("severity 5 retrieve = %d, want 0", len(got))
	}
	st := s.Stats()
	if st.EntryCount != 1 || st.TotalSize <= 0 || st.MaxSize != 1<<20 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRetrieveWithinTTL(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s, _ := Open(ctx, kv.NewMemory(), Config{TTL: 7 * 24 * time.Hour, MaxBytes: 1 << 20, Clock: clk.Now})
	_ = s.Store(ctx, region, grid("b", region, 3), model.DefaultFilters())

	clk.Advance(48 * time.Hour)
	if got, _ := s.Retrieve(ctx, region, model.DefaultFilters()); len(got) != 3 {
		t.Fatalf("two day old entry must be served, got %d", len(got))
	}
	clk.Advance(6 * 24 * time.Hour)
	if got, _ := s.Retrieve(ctx, region, model.DefaultFilters()); len(got) != 0 {
		t.Fatalf("expired entry served: %d", len(got))
	}
	if n, err := s.Prune(ctx); err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
}

func TestRetrieveUnionDedupe(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s, _ := Open(ctx, kv.NewMemory(), Config{MaxBytes: 1 << 20, Clock: clk.Now})
	west := geo.Region{North: 52.55, South: 52.45, East: 13.40, West: 13.30}
	east := geo.Region{North: 52.55, South: 52.45, East: 13.50, West: 13.40}
	shared := model.Event{ID: "shared", Lat: 52.50, Lon: 13.40, Severity: 2, Confidence: 1}

	_ = s.Store(ctx, west, append(grid("w", west, 4), shared), model.DefaultFilters())
	clk.Advance(time.Minute)
	_ = s.Store(ctx, east, append(grid("e", east, 4), shared), model.DefaultFilters())

	got, err := s.Retrieve(ctx, region, model.DefaultFilters())
	if err != nil {
		t.Fatal(err)
	}
	ids := make(map[string]int)
	for _, e := range got {
		ids[e.ID]++
		if !region.ContainsPoint(e.Lat, e.Lon) {
			t.Fatalf("event %s outside request", e.ID)
		}
	}
	if ids["shared"] != 1 {
		t.Fatalf("shared event returned %d times", ids["shared"])
	}
	for id, n := range ids {
		if n != 1 {
			t.Fatalf("%s duplicated", id)
		}
	}
}

func TestStoreEvictsOldest(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	one := model.ApproxSize(grid("x", region, 10)) + int64(len(KeyFor(region, model.DefaultFilters())))
	s, _ := Open(ctx, kv.NewMemory(), Config{MaxBytes: one*2 + one/2, Clock: clk.Now})

	var regions []geo.Region
	for i := 0; i < 4; i++ {
		r := geo.Region{North: region.North + float64(i), South: region.South + float64(i), East: region.East, West: region.West}
		regions = append(regions, r)
		if err := s.Store(ctx, r, grid("x", r, 10), model.DefaultFilters()); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
		clk.Advance(time.Minute)
		if st := s.Stats(); st.TotalSize > st.MaxSize {
			t.Fatalf("total %d over cap %d", st.TotalSize, st.MaxSize)
		}
	}
	if st := s.Stats(); st.EntryCount != 2 {
		t.Fatalf("entries = %d, want 2", st.EntryCount)
	}
	if got, _ := s.Retrieve(ctx, regions[0], model.DefaultFilters()); len(got) != 0 {
		t.Fatal("oldest entry should be evicted")
	}
	if got, _ := s.Retrieve(ctx, regions[3], model.DefaultFilters()); len(got) != 10 {
		t.Fatal("newest entry must survive")
	}

	err := s.Store(ctx, region, grid("big", region, 50), model.DefaultFilters())
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Store(oversized) = %v, want ErrTooLarge", err)
	}
}

func TestOpenRestoresAndPrunes(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := kv.NewMemory()
	s, _ := Open(ctx, st, Config{TTL: 24 * time.Hour, MaxBytes: 1 << 20, Clock: clk.Now})
	old := geo.Region{North: 1, South: 0, East: 1, West: 0}
	_ = s.Store(ctx, old, grid("o", old, 2), model.DefaultFilters())
	clk.Advance(20 * time.Hour)
	_ = s.Store(ctx, region, grid("n", region, 2), model.DefaultFilters())
	clk.Advance(5 * time.Hour)

	s2, err := Open(ctx, st, Config{TTL: 24 * time.Hour, MaxBytes: 1 << 20, Clock: clk.Now})
	if err != nil {
		t.Fatal(err)
	}
	if n := s2.Stats().EntryCount; n != 1 {
		t.Fatalf("entries after reopen = %d, want 1", n)
	}
	if got, _ := s2.Retrieve(ctx, region, model.DefaultFilters()); len(got) != 2 {
		t.Fatalf("retrieve after reopen = %d", len(got))
	}

	if err := s2.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := st.Get(ctx, entriesKey); ok {
		t.Fatal("entries key must be removed by Clear")
	}
	if s2.Stats().EntryCount != 0 {
		t.Fatal("Clear must reset metadata")
	}
}

// gatedKV：第一次写入条目快照时阻塞，直到 release 关闭
type gatedKV struct {
	*kv.Memory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedKV) Set(ctx context.Context, key string, value []byte) error {
	if key == entriesKey {
		first := false
		g.once.Do(func() { first = true })
		if first {
			close(g.entered)
			<-g.release
		}
	}
	return g.Memory.Set(ctx, key, value)
}

func TestConcurrentStoresKeepLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	mem := kv.NewMemory()
	g := &gatedKV{Memory: mem, entered: make(chan struct{}), release: make(chan struct{})}
	s, err := Open(ctx, g, Config{Clock: clk.Now})
	if err != nil {
		t.Fatal(err)
	}
	other := geo.Region{North: 48.90, South: 48.80, East: 2.40, West: 2.30}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.Store(ctx, region, grid("berlin", region, 3), model.DefaultFilters()); err != nil {
			t.Errorf("Store berlin: %v", err)
		}
	}()
	<-g.entered
	go func() {
		defer wg.Done()
		if err := s.Store(ctx, other, grid("paris", other, 2), model.DefaultFilters()); err != nil {
			t.Errorf("Store paris: %v", err)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	close(g.release)
	wg.Wait()

	if n := s.Stats().EntryCount; n != 2 {
		t.Fatalf("in-memory entries = %d", n)
	}
	reopened, err := Open(ctx, mem, Config{Clock: clk.Now})
	if err != nil {
		t.Fatal(err)
	}
	if n := reopened.Stats().EntryCount; n != 2 {
		t.Fatalf("reopened entries = %d, want 2", n)
	}
	got, _ := reopened.Retrieve(ctx, other, model.DefaultFilters())
	if len(got) != 2 {
		t.Fatalf("paris events after reopen = %d", len(got))
	}
}
