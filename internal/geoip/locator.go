// 包 geoip：按客户端 IP 推断初始视口（MaxMind City 库）
package geoip

import (
	"errors"
	"net"

	"github.com/oschwald/geoip2-golang"

	"anomaly-map/internal/geo"
	"anomaly-map/internal/logger"
)

var ErrNoLocation = errors.New("no location for ip")

// Locator：City 库只读句柄
type Locator struct {
	db *geoip2.Reader
}

// Open：打开 mmdb 文件；path 为空返回 nil Locator（调用方按未配置处理）
func Open(path string) (*Locator, error) {
	if path == "" {
		return nil, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	logger.L().Info("geoip_open", "path", path, "type", db.Metadata().DatabaseType)
	return &Locator{db: db}, nil
}

func (l *Locator) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Locate：IP 的经纬度
func (l *Locator) Locate(ip string) (float64, float64, error) {
	if l == nil || l.db == nil {
		return 0, 0, ErrNoLocation
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return 0, 0, ErrNoLocation
	}
	rec, err := l.db.City(addr)
	if err != nil {
		return 0, 0, err
	}
	if rec.Location.Latitude == 0 && rec.Location.Longitude == 0 {
		return 0, 0, ErrNoLocation
	}
	return rec.Location.Latitude, rec.Location.Longitude, nil
}

// Viewport：以 IP 定位点为中心、边长 spanDeg 的初始视口
func (l *Locator) Viewport(ip string, spanDeg float64) (geo.Region, error) {
	lat, lon, err := l.Locate(ip)
	if err != nil {
		return geo.Region{}, err
	}
	return Around(lat, lon, spanDeg), nil
}

// Around：以 (lat, lon) 为中心的方形区域，夹紧到合法范围
func Around(lat, lon, spanDeg float64) geo.Region {
	if spanDeg <= 0 {
		spanDeg = 0.1
	}
	h := spanDeg / 2
	return geo.Region{
		North: geo.ClampLat(lat + h),
		South: geo.ClampLat(lat - h),
		East:  geo.ClampLon(lon + h),
		West:  geo.ClampLon(lon - h),
	}
}
