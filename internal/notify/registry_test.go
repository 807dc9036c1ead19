package notify

import (
	"testing"
)

func TestNotifyOrderAndPanicIsolation(t *testing.T) {
	r := NewRegistry[int]("test")
	var got []string
	r.Subscribe(func(v int) { got = append(got, "a") })
	r.Subscribe(func(v int) { panic("boom") })
	r.Subscribe(func(v int) { got = append(got, "c") })

	if failed := r.Notify(1); failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("callbacks = %v, want [a c]", got)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	r := NewRegistry[string]("test")
	calls := 0
	unsub := r.Subscribe(func(string) { calls++ })
	r.Subscribe(func(string) {})
	if r.Len() != 2 {
		t.Fatalf("Len = %d", r.Len())
	}
	unsub()
	unsub()
	if r.Len() != 1 {
		t.Fatalf("Len after unsubscribe = %d", r.Len())
	}
	r.Notify("x")
	if calls != 0 {
		t.Fatal("unsubscribed callback was invoked")
	}
}

func TestSubscribeDuringNotify(t *testing.T) {
	r := NewRegistry[int]("test")
	added := false
	r.Subscribe(func(int) {
		if !added {
			added = true
			r.Subscribe(func(int) {})
		}
	})
	r.Notify(1)
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
}
