package virtual

import (
	"math"

	"anomaly-map/internal/geo"
)

// cellKey：网格单元坐标 (floor(lat/cell), floor(lon/cell))
type cellKey struct {
	lat int
	lon int
}

// grid：单元 -> 事件 id 集合
type grid struct {
	size  float64
	cells map[cellKey]map[string]struct{}
}

func newGrid(size float64) *grid {
	return &grid{size: size, cells: make(map[cellKey]map[string]struct{})}
}

func (g *grid) keyOf(lat, lon float64) cellKey {
	return cellKey{lat: int(math.Floor(lat / g.size)), lon: int(math.Floor(lon / g.size))}
}

func (g *grid) add(id string, lat, lon float64) {
	k := g.keyOf(lat, lon)
	set, ok := g.cells[k]
	if !ok {
		set = make(map[string]struct{})
		g.cells[k] = set
	}
	set[id] = struct{}{}
}

func (g *grid) remove(id string, lat, lon float64) {
	k := g.keyOf(lat, lon)
	set, ok := g.cells[k]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(g.cells, k)
	}
}

// span：区域覆盖的单元矩形（闭区间）及单元总数
func (g *grid) span(r geo.Region) (lo, hi cellKey, n int64) {
	lo = g.keyOf(r.South, r.West)
	hi = g.keyOf(r.North, r.East)
	n = int64(hi.lat-lo.lat+1) * int64(hi.lon-lo.lon+1)
	return lo, hi, n
}

// idsIn：区域覆盖单元内的全部 id（未按点坐标精确裁剪）
// 单元数多于已占用单元时改为遍历已占用单元，避免大区域枚举空单元
func (g *grid) idsIn(r geo.Region) []string {
	lo, hi, n := g.span(r)
	var out []string
	if n > int64(len(g.cells)) {
		for k, set := range g.cells {
			if k.lat < lo.lat || k.lat > hi.lat || k.lon < lo.lon || k.lon > hi.lon {
				continue
			}
			for id := range set {
				out = append(out, id)
			}
		}
		return out
	}
	for la := lo.lat; la <= hi.lat; la++ {
		for lo2 := lo.lon; lo2 <= hi.lon; lo2++ {
			for id := range g.cells[cellKey{lat: la, lon: lo2}] {
				out = append(out, id)
			}
		}
	}
	return out
}

func (g *grid) len() int { return len(g.cells) }
