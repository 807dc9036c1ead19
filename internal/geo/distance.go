package geo

import (
	"github.com/golang/geo/s2"
)

// EarthRadiusKm 平均地球半径
const EarthRadiusKm = 6371.0

// HaversineKm：两点间球面距离（千米）
// 约束：输入为 WGS84 经纬度（度）；卸载判定只需要该精度，不做椭球修正
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusKm
}

// ClampLat / ClampLon：把坐标夹紧到合法范围
func ClampLat(v float64) float64 {
	if v > 90 {
		return 90
	}
	if v < -90 {
		return -90
	}
	return v
}

func ClampLon(v float64) float64 {
	if v > 180 {
		return 180
	}
	if v < -180 {
		return -180
	}
	return v
}
