package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"anomaly-map/internal/logger"
	"anomaly-map/internal/metrics"
	"anomaly-map/internal/model"
	"anomaly-map/internal/retry"
)

// 文档注释：HTTP JSON 上游
// 背景：采集端提供只读接口 GET {base}/anomalies?minLat=&maxLat=&minLon=&maxLon=&severity=&minConfidence=&from=&to=&limit=
// 与 GET {base}/health；响应体为 {"events":[...],"total":n,"has_more":bool}。
// 约束：非 2xx 转为 retry.StatusError（携带截断后的响应体）；单次调用超时由 client 决定。
type HTTPSource struct {
	base   string
	client *http.Client
}

func NewHTTP(base string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{base: strings.TrimRight(base, "/"), client: &http.Client{Timeout: timeout}}
}

// WithClient：替换 HTTP 客户端（测试注入）
func (h *HTTPSource) WithClient(c *http.Client) *HTTPSource {
	if c != nil {
		h.client = c
	}
	return h
}

type pageResponse struct {
	Events  []model.RawEvent `json:"events"`
	Total   int              `json:"total"`
	HasMore bool             `json:"has_more"`
}

func encodeQuery(q Query) url.Values {
	v := url.Values{}
	f := func(x float64) string { return strconv.FormatFloat(x, 'f', 6, 64) }
	v.Set("minLat", f(q.Region.South))
	v.Set("maxLat", f(q.Region.North))
	v.Set("minLon", f(q.Region.West))
	v.Set("maxLon", f(q.Region.East))
	n := q.Filters.Normalize()
	sev := make([]string, 0, len(n.Severities))
	for _, s := range n.Severities {
		sev = append(sev, strconv.Itoa(s))
	}
	v.Set("severity", strings.Join(sev, ","))
	if n.MinConfidence > 0 {
		v.Set("minConfidence", strconv.FormatFloat(n.MinConfidence, 'f', 3, 64))
	}
	if !n.From.IsZero() {
		v.Set("from", n.From.UTC().Format(time.RFC3339))
	}
	if !n.To.IsZero() {
		v.Set("to", n.To.UTC().Format(time.RFC3339))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	v.Set("limit", strconv.Itoa(limit))
	return v
}

// Fetch：拉取一页事件并校验
func (h *HTTPSource) Fetch(ctx context.Context, q Query) (Result, error) {
	u := h.base + "/anomalies?" + encodeQuery(q).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "application/json")
	t0 := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		metrics.UpstreamCallsTotal.WithLabelValues("transport_error").Inc()
		logger.L().Debug("upstream_http_error", "err", err)
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.UpstreamCallsTotal.WithLabelValues("status_" + strconv.Itoa(resp.StatusCode/100) + "xx").Inc()
		return Result{}, &retry.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	var page pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		metrics.UpstreamCallsTotal.WithLabelValues("decode_error").Inc()
		return Result{}, fmt.Errorf("decode upstream page: %w", err)
	}
	events, rejected := validateAll(page.Events, q)
	metrics.UpstreamCallsTotal.WithLabelValues("ok").Inc()
	logger.L().Debug("upstream_http_ok", "events", len(events), "rejected", rejected, "total", page.Total, "duration_ms", time.Since(t0).Milliseconds())
	return Result{Events: events, Total: page.Total, HasMore: page.HasMore, Rejected: rejected}, nil
}

// Health：访问 /health，非 200 视为不可用
func (h *HTTPSource) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &retry.StatusError{Code: resp.StatusCode}
	}
	return nil
}
