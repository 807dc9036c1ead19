package migrate

import (
	"context"
	"database/sql"

	"anomaly-map/internal/logger"
)

// 背景：首次运行自动创建上游事件表与包围盒查询索引，供 PostgresSource 读取及本地联调写入
// 约束：使用 IF NOT EXISTS 避免与既有结构冲突；仅创建最小必需结构
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS road_anomalies (
            id TEXT PRIMARY KEY,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            lat DOUBLE PRECISION,
            lon DOUBLE PRECISION,
            accuracy_m DOUBLE PRECISION NOT NULL DEFAULT 0,
            speed_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
            heading DOUBLE PRECISION,
            peak_accel_g DOUBLE PRECISION NOT NULL DEFAULT 0,
            impulse_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
            severity INT NOT NULL DEFAULT 1,
            confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
            device_id TEXT NOT NULL DEFAULT '',
            device_model TEXT NOT NULL DEFAULT '',
            platform TEXT NOT NULL DEFAULT '',
            app_version TEXT NOT NULL DEFAULT '',
            session_id TEXT NOT NULL DEFAULT ''
        )`,
		`CREATE INDEX IF NOT EXISTS idx_road_anomalies_lat_lon ON road_anomalies(lat, lon)`,
		`CREATE INDEX IF NOT EXISTS idx_road_anomalies_created ON road_anomalies(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_road_anomalies_severity ON road_anomalies(severity)`,
	}
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}
