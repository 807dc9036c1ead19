package kv

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// exerciseStore：各后端共享的契约检查
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) ok=%v err=%v, want miss without error", ok, err)
	}
	if err := s.Set(ctx, "offline:entries", []byte(`[{"key":"a"}]`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(ctx, "offline:entries")
	if err != nil || !ok || !bytes.Equal(v, []byte(`[{"key":"a"}]`)) {
		t.Fatalf("Get = %q ok=%v err=%v", v, ok, err)
	}
	if err := s.Set(ctx, "offline:entries", []byte(`[]`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, _, _ := s.Get(ctx, "offline:entries"); string(v) != "[]" {
		t.Fatalf("overwrite not visible: %q", v)
	}
	if err := s.Remove(ctx, "offline:entries"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "offline:entries"); ok {
		t.Fatal("key still present after Remove")
	}
	if err := s.Remove(ctx, "never-set"); err != nil {
		t.Fatalf("Remove(missing) = %v, want nil", err)
	}
	if _, err := s.Size(ctx); err != nil {
		t.Fatalf("Size: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	exerciseStore(t, m)

	ctx := context.Background()
	buf := []byte("abc")
	_ = m.Set(ctx, "k", buf)
	buf[0] = 'x'
	v, _, _ := m.Get(ctx, "k")
	if string(v) != "abc" {
		t.Fatalf("Set must copy the value, got %q", v)
	}
	if n, _ := m.Size(ctx); n != int64(len("k")+len("abc")) {
		t.Fatalf("Size = %d", n)
	}
	_ = m.Close()
	if err := m.Set(ctx, "k", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Set after Close = %v", err)
	}
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenFile(dir)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	exerciseStore(t, f)

	ctx := context.Background()
	if err := f.Set(ctx, "cache:index", []byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.Size(ctx); n != 10 {
		t.Fatalf("Size = %d, want 10", n)
	}
	_ = f.Close()

	// 重新打开后数据仍在
	f2, err := OpenFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()
	if v, ok, _ := f2.Get(ctx, "cache:index"); !ok || string(v) != "0123456789" {
		t.Fatalf("reopen Get = %q ok=%v", v, ok)
	}
}

func TestBadgerStore(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBadger(dir)
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	exerciseStore(t, b)

	ctx := context.Background()
	if err := b.Set(ctx, "offline:meta", []byte(`{"entry_count":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	b2, err := OpenBadger(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close()
	if v, ok, _ := b2.Get(ctx, "offline:meta"); !ok || string(v) != `{"entry_count":1}` {
		t.Fatalf("reopen Get = %q ok=%v", v, ok)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(Options{Backend: "etcd"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	s, err := Open(Options{Backend: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	exerciseStore(t, s)
}
