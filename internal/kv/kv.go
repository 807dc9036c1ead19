// 包 kv：持久化键值存储抽象，离线存储与结果缓存索引均通过该接口落盘，与具体后端解耦
package kv

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed 存储已关闭
var ErrClosed = errors.New("kv store closed")

// Store：最小键值契约
// 约束：Get 未命中返回 (nil, false, nil)；Size 为后端占用的近似字节数；实现需并发安全
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Size(ctx context.Context) (int64, error)
	Close() error
}

// Options：后端选择参数
type Options struct {
	Backend string // badger | redis | file | memory
	Dir     string
	Prefix  string
	Redis   RedisOptions
}

// Open：按配置构造后端
func Open(o Options) (Store, error) {
	switch o.Backend {
	case "", "badger":
		return OpenBadger(o.Dir)
	case "file":
		return OpenFile(o.Dir)
	case "redis":
		return OpenRedis(o.Redis, o.Prefix)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown kv backend: %s", o.Backend)
	}
}
