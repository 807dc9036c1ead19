package kv

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"anomaly-map/internal/logger"
	"anomaly-map/internal/utils"
)

// RedisOptions：Redis 连接参数
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis：共享 Redis 后端，多个服务实例可共用离线数据
// 约束：所有键带 prefix 命名空间；Size 通过 SCAN+STRLEN 统计，仅供观测
type Redis struct {
	rc     *redis.Client
	prefix string
}

func OpenRedis(o RedisOptions, prefix string) (*Redis, error) {
	if o.Addr == "" {
		return nil, errors.New("redis addr required")
	}
	r := NewRedisWithClient(utils.OpenRedis(o.Addr, o.Password, o.DB), prefix)
	logger.L().Debug("kv_redis_open", "addr", o.Addr, "db", o.DB, "prefix", r.prefix)
	return r, nil
}

// NewRedisWithClient：复用已建立的客户端
func NewRedisWithClient(rc *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "anomap:"
	}
	return &Redis{rc: rc, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rc.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.rc.Set(ctx, r.prefix+key, value, 0).Err()
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	return r.rc.Del(ctx, r.prefix+key).Err()
}

func (r *Redis) Size(ctx context.Context) (int64, error) {
	var total int64
	var cursor uint64
	for {
		keys, next, err := r.rc.Scan(ctx, cursor, r.prefix+"*", 256).Result()
		if err != nil {
			return total, err
		}
		for _, k := range keys {
			n, err := r.rc.StrLen(ctx, k).Result()
			if err == nil {
				total += int64(len(k)) + n
			}
		}
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

func (r *Redis) Close() error { return r.rc.Close() }
