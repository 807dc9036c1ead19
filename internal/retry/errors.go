// 包 retry：集中的错误分类与重试策略
// 所有错误在此归类为 Network / API / RenderFallback / PerformanceThreshold / Unclassified，
// 并在记录时附带严重程度，任何错误都不会在未分类的情况下被吞掉。
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

// Kind：错误大类
type Kind int

const (
	KindUnclassified Kind = iota
	KindNetwork
	KindAPI
	KindRenderFallback
	KindPerformance
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAPI:
		return "api"
	case KindRenderFallback:
		return "render_fallback"
	case KindPerformance:
		return "performance_threshold"
	}
	return "unclassified"
}

// Severity：上报严重程度
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	}
	return "critical"
}

// Error：分类后的错误
// Status 仅对 API 有意义；Fallback 仅对 RenderFallback 有意义；Value/Threshold 仅对 PerformanceThreshold 有意义
type Error struct {
	Kind      Kind
	Op        string
	Status    int
	Fallback  string
	Metric    string
	Value     float64
	Threshold float64
	Err       error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindAPI:
		return fmt.Sprintf("%s: api status %d: %v", e.Op, e.Status, e.Err)
	case KindRenderFallback:
		return fmt.Sprintf("%s: render fallback %q: %v", e.Op, e.Fallback, e.Err)
	case KindPerformance:
		return fmt.Sprintf("%s: %s=%.1f over threshold %.1f", e.Op, e.Metric, e.Value, e.Threshold)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable：是否值得重试
// 约束：Network 在已知离线时不重试；API 仅 5xx 与 429 可重试；其余类别一律不重试
func (e *Error) Retryable(online bool) bool {
	switch e.Kind {
	case KindNetwork:
		return online
	case KindAPI:
		return e.Status >= 500 || e.Status == 429
	}
	return false
}

// Severity：按类别与量级推导严重程度
func (e *Error) Severity(online bool) Severity {
	switch e.Kind {
	case KindNetwork:
		if !online {
			return SeverityLow
		}
		return SeverityMedium
	case KindAPI:
		if e.Status >= 500 {
			return SeverityHigh
		}
		return SeverityMedium
	case KindRenderFallback:
		return SeverityLow
	case KindPerformance:
		if e.Threshold > 0 && e.Value >= 2*e.Threshold {
			return SeverityHigh
		}
		return SeverityMedium
	}
	return SeverityHigh
}

// StatusError：上游返回非 2xx 时由传输层构造，Classify 将其归为 API
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// ErrOffline：离线时直接短路网络调用
var ErrOffline = errors.New("device offline")

// Classify：把任意错误归类为 *Error；已分类错误原样返回（补全 Op）
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Op == "" {
			ce.Op = op
		}
		return ce
	}
	var se *StatusError
	if errors.As(err, &se) {
		return &Error{Kind: KindAPI, Op: op, Status: se.Code, Err: err}
	}
	if isNetwork(err) {
		return &Error{Kind: KindNetwork, Op: op, Err: err}
	}
	return &Error{Kind: KindUnclassified, Op: op, Err: err}
}

func isNetwork(err error) bool {
	if errors.Is(err, ErrOffline) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	var de *net.DNSError
	if errors.As(err, &de) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// NewAPIError / NewNetworkError：测试与适配层的便捷构造
func NewAPIError(op string, status int, err error) *Error {
	if err == nil {
		err = &StatusError{Code: status}
	}
	return &Error{Kind: KindAPI, Op: op, Status: status, Err: err}
}

func NewNetworkError(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}
