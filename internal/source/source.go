// 包 source：上游只读数据源契约与实现（HTTP JSON、PostgreSQL）
package source

import (
	"context"

	"anomaly-map/internal/geo"
	"anomaly-map/internal/logger"
	"anomaly-map/internal/metrics"
	"anomaly-map/internal/model"
)

// Query：区域 + 过滤条件 + 条数上限
type Query struct {
	Region  geo.Region
	Filters model.FilterCriteria
	Limit   int
}

// Result：已校验的事件与分页信息
// Rejected 为未通过校验被丢弃的原始记录数
type Result struct {
	Events   []model.Event
	Total    int
	HasMore  bool
	Rejected int
}

// Source：上游读取接口
// 约束：非 2xx 响应以 *retry.StatusError 返回，传输错误原样返回，由调用方统一分类
type Source interface {
	Fetch(ctx context.Context, q Query) (Result, error)
	Health(ctx context.Context) error
}

const defaultLimit = 5000

// validateAll：逐条校验原始记录，丢弃无效记录并再次按过滤条件裁剪
func validateAll(raws []model.RawEvent, q Query) ([]model.Event, int) {
	out := make([]model.Event, 0, len(raws))
	rejected := 0
	for _, r := range raws {
		v := model.Validate(r)
		if !v.Valid {
			rejected++
			logger.L().Debug("upstream_record_rejected", "id", r.ID, "reason", v.Reason)
			continue
		}
		if len(v.Clamped) > 0 {
			logger.L().Debug("upstream_record_clamped", "id", v.Event.ID, "fields", v.Clamped)
		}
		if !q.Region.ContainsPoint(v.Event.Lat, v.Event.Lon) || !q.Filters.Match(v.Event) {
			continue
		}
		out = append(out, v.Event)
	}
	if rejected > 0 {
		metrics.UpstreamRejectedTotal.Add(float64(rejected))
	}
	return out, rejected
}
