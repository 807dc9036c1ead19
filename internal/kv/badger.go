package kv

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"

	"anomaly-map/internal/logger"
)

// Badger：嵌入式 LSM 键值库，默认后端，进程重启后数据仍在
type Badger struct {
	db *badger.DB
}

func OpenBadger(dir string) (*Badger, error) {
	if dir == "" {
		dir = filepath.Join("data", "kv")
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	logger.L().Debug("kv_badger_open", "dir", dir)
	return &Badger{db: db}, nil
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return nil, false, ErrClosed
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (b *Badger) Set(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

func (b *Badger) Remove(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

// Size：LSM 与 value log 的占用之和（后台统计，存在延迟）
func (b *Badger) Size(_ context.Context) (int64, error) {
	lsm, vlog := b.db.Size()
	return lsm + vlog, nil
}

func (b *Badger) Close() error { return b.db.Close() }
