package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

// newTestHandler：记录每次等待时长且不真实睡眠
func newTestHandler(p Policy, online func() bool) (*Handler, *[]time.Duration) {
	h := NewHandler(p, online)
	var waits []time.Duration
	h.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return h, &waits
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Factor: 2}
	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for attempt, w := range want {
		if got := p.Delay(attempt); got != w {
			t.Fatalf("Delay(%d) = %s, want %s", attempt, got, w)
		}
	}
	if (Policy{}).Delay(3) != 0 {
		t.Fatal("zero policy must not wait")
	}
}

func TestDoRetriesServerErrors(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Factor: 2}
	h, waits := newTestHandler(p, nil)
	calls := 0
	err := h.Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		return &StatusError{Code: 500}
	})
	if calls != 4 {
		t.Fatalf("calls = %d, want MaxRetries+1 = 4", calls)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindAPI || ce.Status != 500 {
		t.Fatalf("err = %v, want classified api 500", err)
	}
	wantWaits := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(*waits) != len(wantWaits) {
		t.Fatalf("waits = %v", *waits)
	}
	for i, w := range wantWaits {
		if (*waits)[i] != w {
			t.Fatalf("wait[%d] = %s, want %s", i, (*waits)[i], w)
		}
	}
	if got := h.Counts()[KindAPI]; got != 4 {
		t.Fatalf("api reports = %d, want 4", got)
	}
}

func TestDoStopsOnClientError(t *testing.T) {
	h, waits := newTestHandler(DefaultPolicy(), nil)
	calls := 0
	err := h.Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		return &StatusError{Code: 404}
	})
	if calls != 1 || len(*waits) != 0 {
		t.Fatalf("calls = %d waits = %v, want a single call", calls, *waits)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Status != 404 {
		t.Fatalf("err = %v", err)
	}
	if ce.Severity(true) != SeverityMedium {
		t.Fatalf("4xx severity = %s", ce.Severity(true))
	}
}

func TestDoRecoversAfterTransientFailure(t *testing.T) {
	h, _ := newTestHandler(DefaultPolicy(), nil)
	calls := 0
	err := h.Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		if calls < 3 {
			return &net.OpError{Op: "dial", Err: errors.New("connection refused")}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err = %v calls = %d", err, calls)
	}
}

func TestDoOfflineFailsFast(t *testing.T) {
	h, waits := newTestHandler(DefaultPolicy(), func() bool { return false })
	calls := 0
	err := h.Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		return fmt.Errorf("dial: %w", ErrOffline)
	})
	if calls != 1 || len(*waits) != 0 {
		t.Fatalf("offline network error must not be retried: calls=%d", calls)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindNetwork {
		t.Fatalf("err = %v", err)
	}
	r := h.Recent()
	if len(r) != 1 || r[0].Severity != SeverityLow {
		t.Fatalf("recent = %+v, want one low severity report", r)
	}
}

func TestDoContextCanceled(t *testing.T) {
	h := NewHandler(Policy{MaxRetries: 3, BaseDelay: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := h.Do(ctx, "fetch", func(context.Context) error {
		calls++
		cancel()
		return &StatusError{Code: 503}
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("err = %v calls = %d", err, calls)
	}
}

func TestFallback(t *testing.T) {
	t.Run("offline makes no call", func(t *testing.T) {
		h, _ := newTestHandler(DefaultPolicy(), func() bool { return false })
		called := false
		err := h.Fallback(context.Background(), "fetch", errors.New("x"), func(context.Context) error {
			called = true
			return nil
		})
		if called || !errors.Is(err, ErrOffline) {
			t.Fatalf("called = %v err = %v", called, err)
		}
	})
	t.Run("api error is final", func(t *testing.T) {
		h, _ := newTestHandler(DefaultPolicy(), nil)
		called := false
		err := h.Fallback(context.Background(), "fetch", &StatusError{Code: 500}, func(context.Context) error {
			called = true
			return nil
		})
		var ce *Error
		if called || !errors.As(err, &ce) || ce.Kind != KindAPI {
			t.Fatalf("called = %v err = %v", called, err)
		}
	})
	t.Run("network error gets one more try", func(t *testing.T) {
		h, waits := newTestHandler(DefaultPolicy(), nil)
		calls := 0
		err := h.Fallback(context.Background(), "fetch", NewNetworkError("fetch", errors.New("reset")), func(context.Context) error {
			calls++
			return nil
		})
		if err != nil || calls != 1 || len(*waits) != 1 {
			t.Fatalf("err = %v calls = %d waits = %v", err, calls, *waits)
		}
	})
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "status", err: fmt.Errorf("wrap: %w", &StatusError{Code: 502}), kind: KindAPI},
		{name: "offline", err: ErrOffline, kind: KindNetwork},
		{name: "deadline", err: context.DeadlineExceeded, kind: KindNetwork},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "x"}, kind: KindNetwork},
		{name: "plain", err: errors.New("boom"), kind: KindUnclassified},
		{name: "already classified", err: NewAPIError("", 429, nil), kind: KindAPI},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Classify("op", tc.err)
			if got.Kind != tc.kind {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got.Kind, tc.kind)
			}
			if got.Op != "op" {
				t.Fatalf("op = %q", got.Op)
			}
		})
	}
	if Classify("op", nil) != nil {
		t.Fatal("nil error must classify to nil")
	}
}

func TestSeverityAndRetryable(t *testing.T) {
	if !NewAPIError("op", 429, nil).Retryable(true) {
		t.Fatal("429 is retryable")
	}
	if NewAPIError("op", 400, nil).Retryable(true) {
		t.Fatal("400 is not retryable")
	}
	if NewAPIError("op", 503, nil).Severity(true) != SeverityHigh {
		t.Fatal("5xx is high severity")
	}
	if NewNetworkError("op", nil).Severity(true) != SeverityMedium {
		t.Fatal("online network error is medium")
	}
	perf := &Error{Kind: KindPerformance, Value: 5, Threshold: 2}
	if perf.Severity(true) != SeverityHigh {
		t.Fatal("2x over threshold is high")
	}
	if (&Error{Kind: KindUnclassified}).Severity(true) != SeverityHigh {
		t.Fatal("unclassified is high")
	}
}

func TestRenderFallbackAndPerformance(t *testing.T) {
	h := NewHandler(DefaultPolicy(), nil)
	if fb := h.RenderFallback("clustering", "plain_markers", errors.New("worker crashed")); fb != "plain_markers" {
		t.Fatalf("fallback = %q", fb)
	}
	if h.ReportPerformance("fetch_ms", 100, 200) {
		t.Fatal("below threshold must not report")
	}
	if !h.ReportPerformance("fetch_ms", 300, 200) {
		t.Fatal("above threshold must report")
	}
	c := h.Counts()
	if c[KindRenderFallback] != 1 || c[KindPerformance] != 1 {
		t.Fatalf("counts = %v", c)
	}
}

func TestRecentRingBuffer(t *testing.T) {
	h := NewHandler(DefaultPolicy(), nil)
	for i := 0; i < recentCap+5; i++ {
		h.Record(NewAPIError(fmt.Sprintf("op%d", i), 400, nil))
	}
	r := h.Recent()
	if len(r) != recentCap {
		t.Fatalf("len = %d", len(r))
	}
	if r[0].Op != "op5" || r[len(r)-1].Op != fmt.Sprintf("op%d", recentCap+4) {
		t.Fatalf("order: first %q last %q", r[0].Op, r[len(r)-1].Op)
	}
}
