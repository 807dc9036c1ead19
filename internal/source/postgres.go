package source

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"anomaly-map/internal/logger"
	"anomaly-map/internal/metrics"
	"anomaly-map/internal/model"
)

// PostgresSource：直接读取 road_anomalies 表
// 约束：只读；严重度集合以数组参数传入，时间端点为空时不设限
type PostgresSource struct {
	db *sql.DB
}

func AttachPostgres(db *sql.DB) *PostgresSource { return &PostgresSource{db: db} }

func (p *PostgresSource) DB() *sql.DB { return p.db }

const selectByBounds = `
SELECT id, created_at, lat, lon, accuracy_m, speed_ms, heading, peak_accel_g, impulse_ms,
       severity, confidence, device_id, device_model, platform, app_version, session_id,
       count(*) OVER() AS total
FROM road_anomalies
WHERE lat BETWEEN $1 AND $2 AND lon BETWEEN $3 AND $4
  AND severity = ANY($5)
  AND confidence >= $6
  AND ($7::timestamptz IS NULL OR created_at >= $7)
  AND ($8::timestamptz IS NULL OR created_at <= $8)
ORDER BY created_at DESC
LIMIT $9`

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Fetch：按包围盒与过滤条件查询，多取一行用于判断 HasMore
func (p *PostgresSource) Fetch(ctx context.Context, q Query) (Result, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	n := q.Filters.Normalize()
	sev := make([]int64, 0, len(n.Severities))
	for _, s := range n.Severities {
		sev = append(sev, int64(s))
	}
	t0 := time.Now()
	rows, err := p.db.QueryContext(ctx, selectByBounds,
		q.Region.South, q.Region.North, q.Region.West, q.Region.East,
		pq.Array(sev), n.MinConfidence, nullTime(n.From), nullTime(n.To), limit+1)
	if err != nil {
		metrics.UpstreamCallsTotal.WithLabelValues("db_error").Inc()
		return Result{}, err
	}
	defer rows.Close()
	var raws []model.RawEvent
	total := 0
	for rows.Next() {
		var (
			r        model.RawEvent
			created  time.Time
			lat, lon sql.NullFloat64
			heading  sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &created, &lat, &lon, &r.AccuracyM, &r.SpeedMS, &heading, &r.PeakAccelG, &r.ImpulseMs,
			&r.Severity, &r.Confidence, &r.Device.ID, &r.Device.Model, &r.Device.Platform, &r.Device.AppVersion, &r.SessionID,
			&total); err != nil {
			metrics.UpstreamCallsTotal.WithLabelValues("db_error").Inc()
			return Result{}, err
		}
		r.CreatedAt = created.UTC().Format(time.RFC3339Nano)
		if lat.Valid {
			r.Lat = &lat.Float64
		}
		if lon.Valid {
			r.Lon = &lon.Float64
		}
		if heading.Valid {
			r.Heading = &heading.Float64
		}
		raws = append(raws, r)
	}
	if err := rows.Err(); err != nil {
		metrics.UpstreamCallsTotal.WithLabelValues("db_error").Inc()
		return Result{}, err
	}
	hasMore := len(raws) > limit
	if hasMore {
		raws = raws[:limit]
	}
	events, rejected := validateAll(raws, q)
	metrics.UpstreamCallsTotal.WithLabelValues("ok").Inc()
	logger.L().Debug("upstream_db_ok", "events", len(events), "rejected", rejected, "total", total, "duration_ms", time.Since(t0).Milliseconds())
	return Result{Events: events, Total: total, HasMore: hasMore, Rejected: rejected}, nil
}

// Health：PingContext
func (p *PostgresSource) Health(ctx context.Context) error {
	return p.db.PingContext(ctx)
}
