// 包 model：路面异常事件、过滤条件与加载优先级等共享数据结构
package model

import (
	"time"
)

// Device：采集设备元数据，随事件透传，不参与任何判定
type Device struct {
	ID         string `json:"id"`
	Model      string `json:"model,omitempty"`
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

// Event：一条路面异常记录（上游产出，进入本层后不再修改）
// 约束：Severity 取值 1..5；Confidence 取值 [0,1]；经纬度已通过 Validate 夹紧
type Event struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	AccuracyM  float64   `json:"accuracy_m"`
	SpeedMS    float64   `json:"speed_ms"`
	Heading    *float64  `json:"heading,omitempty"`
	PeakAccelG float64   `json:"peak_accel_g"`
	ImpulseMs  float64   `json:"impulse_ms"`
	Severity   int       `json:"severity"`
	Confidence float64   `json:"confidence"`
	Device     Device    `json:"device"`
	SessionID  string    `json:"session_id"`
}

// approxEventBytes 单条事件的近似内存占用，用于缓存容量估算
const approxEventBytes = 320

// ApproxSize：事件集合的近似字节数（非精确序列化大小）
func ApproxSize(events []Event) int64 {
	var n int64
	for i := range events {
		n += approxEventBytes + int64(len(events[i].ID)+len(events[i].SessionID)+len(events[i].Device.ID)+len(events[i].Device.Model))
	}
	return n
}

// Priority：加载优先级，数值越小越优先
type Priority int

const (
	PriorityHigh   Priority = iota // 当前视口
	PriorityMedium                 // 缓冲区
	PriorityLow                    // 背景/预取
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// ParsePriority：解析文本优先级，未知值回退为 High
func ParsePriority(s string) Priority {
	switch s {
	case "medium", "1":
		return PriorityMedium
	case "low", "2":
		return PriorityLow
	}
	return PriorityHigh
}
