// 包 geo：经纬度包围盒与距离计算，作为加载、缓存与可见性判定的统一寻址单位
package geo

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvertedBounds = errors.New("region bounds inverted")
	ErrOutOfRange     = errors.New("region bounds out of range")
)

// Region：轴对齐的经纬度包围盒（度）
// 约束：North > South，East > West；纬度在 [-90,90]，经度在 [-180,180]；不支持跨越反子午线的区域
type Region struct {
	North float64 `json:"north" yaml:"north"`
	South float64 `json:"south" yaml:"south"`
	East  float64 `json:"east" yaml:"east"`
	West  float64 `json:"west" yaml:"west"`
}

// Validate：校验区域不变量，返回首个违例
func (r Region) Validate() error {
	for _, v := range []float64{r.North, r.South, r.East, r.West} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite bound", ErrOutOfRange)
		}
	}
	if r.North > 90 || r.South < -90 || r.East > 180 || r.West < -180 {
		return fmt.Errorf("%w: %s", ErrOutOfRange, r)
	}
	if r.North <= r.South || r.East <= r.West {
		return fmt.Errorf("%w: %s", ErrInvertedBounds, r)
	}
	return nil
}

func (r Region) String() string {
	return fmt.Sprintf("N%.5f S%.5f E%.5f W%.5f", r.North, r.South, r.East, r.West)
}

// Contains：严格包含判定（四条边均需覆盖，边界相等视为包含）
func (r Region) Contains(o Region) bool {
	return r.North >= o.North && r.South <= o.South && r.East >= o.East && r.West <= o.West
}

// ContainsWithin：带容差的包含判定，eps 为允许的坐标误差（度）
func (r Region) ContainsWithin(o Region, eps float64) bool {
	if eps < 0 {
		eps = 0
	}
	return r.North+eps >= o.North && r.South-eps <= o.South && r.East+eps >= o.East && r.West-eps <= o.West
}

// ContainsPoint：点是否落在区域内（含边界）
func (r Region) ContainsPoint(lat, lon float64) bool {
	return lat >= r.South && lat <= r.North && lon >= r.West && lon <= r.East
}

// Intersects：两区域是否存在交集（边界相接也视为相交）
func (r Region) Intersects(o Region) bool {
	return r.West <= o.East && r.East >= o.West && r.South <= o.North && r.North >= o.South
}

// Expand：按比例向四周扩展，结果夹紧到合法经纬度范围
// 例如 ratio=0.2 时每一侧各扩展 20% 的跨度
func (r Region) Expand(ratio float64) Region {
	dLat := (r.North - r.South) * ratio
	dLon := (r.East - r.West) * ratio
	return Region{
		North: math.Min(90, r.North+dLat),
		South: math.Max(-90, r.South-dLat),
		East:  math.Min(180, r.East+dLon),
		West:  math.Max(-180, r.West-dLon),
	}
}

// Center：区域中心点（lat, lon）
func (r Region) Center() (float64, float64) {
	return (r.North + r.South) / 2, (r.East + r.West) / 2
}

// DiagonalKm：西南角到东北角的大圆距离（千米）
func (r Region) DiagonalKm() float64 {
	return HaversineKm(r.South, r.West, r.North, r.East)
}

// Round：四舍五入到指定小数位，用于构造稳定的存储键
func (r Region) Round(decimals int) Region {
	p := math.Pow(10, float64(decimals))
	f := func(v float64) float64 { return math.Round(v*p) / p }
	return Region{North: f(r.North), South: f(r.South), East: f(r.East), West: f(r.West)}
}

// Key：固定精度的区域键
func (r Region) Key(decimals int) string {
	return fmt.Sprintf("%.*f,%.*f,%.*f,%.*f", decimals, r.North, decimals, r.South, decimals, r.East, decimals, r.West)
}
