package model

import (
	"math"
	"strings"
	"time"

	"anomaly-map/internal/geo"
)

// RawEvent：上游原始记录（HTTP JSON 或数据库行），字段允许缺失，进入核心前必须经过 Validate
type RawEvent struct {
	ID         string   `json:"id"`
	CreatedAt  string   `json:"created_at"`
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
	AccuracyM  float64  `json:"accuracy_m"`
	SpeedMS    float64  `json:"speed_ms"`
	Heading    *float64 `json:"heading"`
	PeakAccelG float64  `json:"peak_accel_g"`
	ImpulseMs  float64  `json:"impulse_ms"`
	Severity   int      `json:"severity"`
	Confidence float64  `json:"confidence"`
	Device     Device   `json:"device"`
	SessionID  string   `json:"session_id"`
}

// Validation：校验结果（Valid/Invalid 标记）
// Clamped 列出被夹紧的字段；Invalid 时 Reason 给出拒绝原因
type Validation struct {
	Event   Event
	Valid   bool
	Reason  string
	Clamped []string
}

// Validate：严格校验并夹紧越界字段
// 约束：缺少 id、缺少坐标或坐标非有限值直接拒绝；坐标/置信度/严重度越界时夹紧而非拒绝
func Validate(r RawEvent) Validation {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return Validation{Reason: "missing_id"}
	}
	if r.Lat == nil || r.Lon == nil {
		return Validation{Reason: "missing_coordinates"}
	}
	lat, lon := *r.Lat, *r.Lon
	if !finite(lat) || !finite(lon) {
		return Validation{Reason: "non_finite_coordinates"}
	}
	v := Validation{Valid: true}
	if c := geo.ClampLat(lat); c != lat {
		v.Clamped = append(v.Clamped, "lat")
		lat = c
	}
	if c := geo.ClampLon(lon); c != lon {
		v.Clamped = append(v.Clamped, "lon")
		lon = c
	}
	conf := r.Confidence
	if !finite(conf) {
		conf = 0
		v.Clamped = append(v.Clamped, "confidence")
	} else if conf < 0 || conf > 1 {
		conf = math.Max(0, math.Min(1, conf))
		v.Clamped = append(v.Clamped, "confidence")
	}
	sev := r.Severity
	if sev < 1 || sev > 5 {
		if sev < 1 {
			sev = 1
		} else {
			sev = 5
		}
		v.Clamped = append(v.Clamped, "severity")
	}
	var heading *float64
	if r.Heading != nil && finite(*r.Heading) {
		h := math.Mod(*r.Heading+360, 360)
		heading = &h
	}
	created := parseTime(r.CreatedAt)
	if created.IsZero() {
		v.Clamped = append(v.Clamped, "created_at")
	}
	v.Event = Event{
		ID:         id,
		CreatedAt:  created,
		Lat:        lat,
		Lon:        lon,
		AccuracyM:  nonNegative(r.AccuracyM),
		SpeedMS:    nonNegative(r.SpeedMS),
		Heading:    heading,
		PeakAccelG: nonNegative(r.PeakAccelG),
		ImpulseMs:  nonNegative(r.ImpulseMs),
		Severity:   sev,
		Confidence: conf,
		Device:     r.Device,
		SessionID:  r.SessionID,
	}
	return v
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func nonNegative(v float64) float64 {
	if !finite(v) || v < 0 {
		return 0
	}
	return v
}

// parseTime：兼容 RFC3339 与毫秒时间戳文本；无法解析返回零值
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	var ms int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return time.Time{}
		}
		ms = ms*10 + int64(c-'0')
	}
	return time.UnixMilli(ms).UTC()
}
