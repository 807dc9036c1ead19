package model

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// FilterCriteria：事件查询过滤条件
// 约束：Severities 为空表示接受全部 1..5；非空但不含 1..5 内的值时不匹配任何事件；From/To 零值表示该端不设限
type FilterCriteria struct {
	Severities    []int     `json:"severities,omitempty" yaml:"severities"`
	From          time.Time `json:"from,omitempty" yaml:"from"`
	To            time.Time `json:"to,omitempty" yaml:"to"`
	MinConfidence float64   `json:"min_confidence" yaml:"min_confidence"`
}

// DefaultFilters：接受全部严重度、不限时间、不限置信度
func DefaultFilters() FilterCriteria {
	return FilterCriteria{Severities: []int{1, 2, 3, 4, 5}}
}

// severitySet：归一化的严重度集合（空列表展开为 1..5，只含非法值时为空集合）
func (f FilterCriteria) severitySet() map[int]bool {
	m := make(map[int]bool, 5)
	if len(f.Severities) == 0 {
		for s := 1; s <= 5; s++ {
			m[s] = true
		}
		return m
	}
	for _, s := range f.Severities {
		if s >= 1 && s <= 5 {
			m[s] = true
		}
	}
	return m
}

// noSeverity：空集合的归一化表示；0 不在 1..5 内，不会被展开为全集
const noSeverity = 0

// Normalize：去重排序严重度，便于比较与生成键
func (f FilterCriteria) Normalize() FilterCriteria {
	set := f.severitySet()
	out := f
	if len(set) == 0 {
		out.Severities = []int{noSeverity}
		return out
	}
	out.Severities = make([]int, 0, len(set))
	for s := range set {
		out.Severities = append(out.Severities, s)
	}
	sort.Ints(out.Severities)
	return out
}

// Covers：f 是否兼容（覆盖）req；较宽的缓存/离线数据可以满足较窄的请求
// 约束：严重度集合为超集、置信度阈值不高于对方、时间范围包含对方；关系非对称
func (f FilterCriteria) Covers(req FilterCriteria) bool {
	mine := f.severitySet()
	for s := range req.severitySet() {
		if !mine[s] {
			return false
		}
	}
	if f.MinConfidence > req.MinConfidence {
		return false
	}
	if !f.From.IsZero() && (req.From.IsZero() || req.From.Before(f.From)) {
		return false
	}
	if !f.To.IsZero() && (req.To.IsZero() || req.To.After(f.To)) {
		return false
	}
	return true
}

// Match：单条事件是否满足过滤条件
func (f FilterCriteria) Match(e Event) bool {
	if !f.severitySet()[e.Severity] {
		return false
	}
	if e.Confidence < f.MinConfidence {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// Key：过滤条件摘要，作为缓存与离线存储键的一部分
func (f FilterCriteria) Key() string {
	n := f.Normalize()
	parts := make([]string, 0, len(n.Severities))
	for _, s := range n.Severities {
		parts = append(parts, strconv.Itoa(s))
	}
	var b strings.Builder
	b.WriteString("s=")
	b.WriteString(strings.Join(parts, ""))
	b.WriteString(";c=")
	b.WriteString(strconv.FormatFloat(n.MinConfidence, 'f', 3, 64))
	if !n.From.IsZero() {
		b.WriteString(";f=")
		b.WriteString(strconv.FormatInt(n.From.Unix(), 10))
	}
	if !n.To.IsZero() {
		b.WriteString(";t=")
		b.WriteString(strconv.FormatInt(n.To.Unix(), 10))
	}
	return b.String()
}

// Equal：归一化后是否完全一致（精确缓存命中使用）
func (f FilterCriteria) Equal(o FilterCriteria) bool { return f.Key() == o.Key() }

// FilterEvents：返回满足 match 的事件子集（不修改入参）
func FilterEvents(events []Event, match func(Event) bool) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if match(e) {
			out = append(out, e)
		}
	}
	return out
}
