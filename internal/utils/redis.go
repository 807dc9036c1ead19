// 包 utils：Redis / PostgreSQL 连接工具
package utils

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"anomaly-map/internal/logger"
)

// OpenRedis：打开 Redis 客户端并做一次带超时的 Ping
// 约束：addr 为空返回 nil；Ping 失败只记录日志，客户端仍返回，由调用方在首次读写时感知
func OpenRedis(addr, pass string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	rc := redis.NewClient(&redis.Options{Addr: addr, Password: pass, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		logger.L().Error("redis_ping_error", "addr", addr, "err", err)
	} else {
		logger.L().Debug("redis_ping_ok", "addr", addr, "db", db)
	}
	return rc
}
