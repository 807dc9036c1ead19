package model

import (
	"testing"
	"time"
)

func TestFilterCovers(t *testing.T) {
	t.Parallel()

	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		have FilterCriteria
		req  FilterCriteria
		want bool
	}{
		{name: "default covers default", have: DefaultFilters(), req: DefaultFilters(), want: true},
		{name: "empty severities means all", have: FilterCriteria{}, req: FilterCriteria{Severities: []int{4, 5}}, want: true},
		{name: "superset severities", have: FilterCriteria{Severities: []int{3, 4, 5}}, req: FilterCriteria{Severities: []int{4}}, want: true},
		{name: "missing severity", have: FilterCriteria{Severities: []int{4, 5}}, req: FilterCriteria{Severities: []int{3, 4}}, want: false},
		{name: "narrow cannot cover wide", have: FilterCriteria{Severities: []int{4}}, req: DefaultFilters(), want: false},
		{name: "lower confidence covers higher", have: FilterCriteria{MinConfidence: 0.3}, req: FilterCriteria{MinConfidence: 0.5}, want: true},
		{name: "higher confidence cannot cover", have: FilterCriteria{MinConfidence: 0.6}, req: FilterCriteria{MinConfidence: 0.5}, want: false},
		{name: "open range covers bounded", have: FilterCriteria{}, req: FilterCriteria{From: day, To: day.Add(24 * time.Hour)}, want: true},
		{name: "bounded cannot cover open", have: FilterCriteria{From: day}, req: FilterCriteria{}, want: false},
		{name: "range contains range", have: FilterCriteria{From: day, To: day.Add(72 * time.Hour)}, req: FilterCriteria{From: day.Add(time.Hour), To: day.Add(48 * time.Hour)}, want: true},
		{name: "invalid-only matches nothing and covers nothing", have: FilterCriteria{Severities: []int{7}}, req: FilterCriteria{Severities: []int{5}}, want: false},
		{name: "anything covers invalid-only", have: FilterCriteria{Severities: []int{4}}, req: FilterCriteria{Severities: []int{7}}, want: true},
		{name: "range overflow", have: FilterCriteria{From: day, To: day.Add(24 * time.Hour)}, req: FilterCriteria{From: day, To: day.Add(25 * time.Hour)}, want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.have.Covers(tc.req); got != tc.want {
				t.Fatalf("Covers = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFilterMatch(t *testing.T) {
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := FilterCriteria{Severities: []int{3, 4}, MinConfidence: 0.5, From: day.Add(-time.Hour), To: day.Add(time.Hour)}
	ok := Event{ID: "a", Severity: 4, Confidence: 0.7, CreatedAt: day}
	if !f.Match(ok) {
		t.Fatal("expected match")
	}
	for name, e := range map[string]Event{
		"severity":   {ID: "b", Severity: 2, Confidence: 0.7, CreatedAt: day},
		"confidence": {ID: "c", Severity: 4, Confidence: 0.4, CreatedAt: day},
		"too early":  {ID: "d", Severity: 4, Confidence: 0.7, CreatedAt: day.Add(-2 * time.Hour)},
		"too late":   {ID: "e", Severity: 4, Confidence: 0.7, CreatedAt: day.Add(2 * time.Hour)},
	} {
		if f.Match(e) {
			t.Fatalf("%s: unexpected match", name)
		}
	}
}

func TestInvalidSeveritiesMatchNothing(t *testing.T) {
	f := FilterCriteria{Severities: []int{7, -1}}
	for sev := 1; sev <= 5; sev++ {
		if f.Match(Event{ID: "x", Severity: sev, Confidence: 1}) {
			t.Fatalf("severity %d matched %v", sev, f.Severities)
		}
	}
	n := f.Normalize()
	if len(n.Severities) == 0 {
		t.Fatal("normalized invalid-only filter must not collapse to the accept-all form")
	}
	if n.Normalize().Match(Event{ID: "x", Severity: 3, Confidence: 1}) {
		t.Fatal("normalization must be stable")
	}
	if f.Key() == DefaultFilters().Key() {
		t.Fatalf("key %q collides with the default filter", f.Key())
	}
	// 混入合法值时只保留合法部分
	if got := (FilterCriteria{Severities: []int{9, 4}}).Normalize().Severities; len(got) != 1 || got[0] != 4 {
		t.Fatalf("mixed normalize = %v", got)
	}
}

func TestFilterKeyNormalizes(t *testing.T) {
	a := FilterCriteria{Severities: []int{5, 3, 3, 1}, MinConfidence: 0.25}
	b := FilterCriteria{Severities: []int{1, 3, 5}, MinConfidence: 0.25}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %q vs %q", a.Key(), b.Key())
	}
	if !a.Equal(b) {
		t.Fatal("expected Equal")
	}
	if (FilterCriteria{}).Key() != DefaultFilters().Key() {
		t.Fatal("empty severities must normalize to the full set")
	}
	if a.Key() == (FilterCriteria{Severities: []int{1, 3, 5}, MinConfidence: 0.3}).Key() {
		t.Fatal("confidence must be part of the key")
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{"": PriorityHigh, "high": PriorityHigh, "medium": PriorityMedium, "2": PriorityLow, "bogus": PriorityHigh}
	for in, want := range cases {
		if got := ParsePriority(in); got != want {
			t.Fatalf("ParsePriority(%q) = %s, want %s", in, got, want)
		}
	}
}
