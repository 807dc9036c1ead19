package api

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"anomaly-map/internal/geo"
	"anomaly-map/internal/model"
)

var errMissingBounds = errors.New("missing bounds: north/south/east/west or minLat/maxLat/minLon/maxLon")

// parseRegion：支持 north/south/east/west 与 minLat/maxLat/minLon/maxLon 两种写法
func parseRegion(q url.Values) (geo.Region, error) {
	pick := func(a, b string) (float64, bool) {
		for _, k := range []string{a, b} {
			if s := q.Get(k); s != "" {
				if f, err := strconv.ParseFloat(s, 64); err == nil {
					return f, true
				}
			}
		}
		return 0, false
	}
	n, ok1 := pick("north", "maxLat")
	s, ok2 := pick("south", "minLat")
	e, ok3 := pick("east", "maxLon")
	w, ok4 := pick("west", "minLon")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return geo.Region{}, errMissingBounds
	}
	r := geo.Region{North: n, South: s, East: e, West: w}
	return r, r.Validate()
}

// parseFilters：severity=1,2,3&minConfidence=0.5&from=RFC3339&to=RFC3339
func parseFilters(q url.Values) (model.FilterCriteria, error) {
	var f model.FilterCriteria
	if s := q.Get("severity"); s != "" {
		for _, part := range strings.Split(s, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || n < 1 || n > 5 {
				return f, errors.New("severity must be a comma separated list of 1..5")
			}
			f.Severities = append(f.Severities, n)
		}
	}
	if s := q.Get("minConfidence"); s != "" {
		c, err := strconv.ParseFloat(s, 64)
		if err != nil || c < 0 || c > 1 {
			return f, errors.New("minConfidence must be within [0,1]")
		}
		f.MinConfidence = c
	}
	var err error
	if f.From, err = parseBound(q.Get("from")); err != nil {
		return f, err
	}
	if f.To, err = parseBound(q.Get("to")); err != nil {
		return f, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, errors.New("to before from")
	}
	return f.Normalize(), nil
}

func parseBound(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.New("date bounds must be RFC3339")
	}
	return t.UTC(), nil
}
