// 包 api：集中注册 HTTP API 路由以解耦主入口，便于后续扩展与替换
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"anomaly-map/internal/geoip"
	"anomaly-map/internal/logger"
	"anomaly-map/internal/model"
	"anomaly-map/internal/orchestrator"
	"anomaly-map/internal/virtual"
)

// Options：路由依赖
type Options struct {
	Orchestrator   *orchestrator.Orchestrator
	Locator        *geoip.Locator
	InitialSpanDeg float64
	DefaultCenter  [2]float64
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodOnly(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("allow", method)
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		h(w, r)
	}
}

type viewportResponse struct {
	Visible []virtual.VirtualizedEvent `json:"visible"`
	Stats   virtual.Stats              `json:"stats"`
}

type filtersRequest struct {
	Severities    []int   `json:"severities"`
	From          string  `json:"from"`
	To            string  `json:"to"`
	MinConfidence float64 `json:"min_confidence"`
}

type renderFallbackRequest struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

// BuildRoutes：构建 API 路由；独立 ServeMux 便于在主入口挂载到 /api 前缀
func BuildRoutes(opt Options) *http.ServeMux {
	o := opt.Orchestrator
	mux := http.NewServeMux()

	mux.HandleFunc("/events", methodOnly(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		region, err := parseRegion(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f, err := parseFilters(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		// 请求级取数：并发客户端互不取消
		res := o.Query(r.Context(), region, f, model.ParsePriority(q.Get("priority")))
		writeJSON(w, http.StatusOK, res)
	}))

	mux.HandleFunc("/viewport", methodOnly(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var vp virtual.Viewport
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&vp); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := o.UpdateViewport(r.Context(), vp); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, viewportResponse{Visible: o.VisibleEvents(), Stats: o.Stats().Engine})
	}))

	mux.HandleFunc("/filters", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, o.Filters())
		case http.MethodPost:
			var req filtersRequest
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			f, err := req.criteria()
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if err := o.SetFilters(r.Context(), f); err != nil {
				logger.L().Warn("set_filters_error", "err", err)
			}
			writeJSON(w, http.StatusOK, o.Filters())
		default:
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		}
	})

	mux.HandleFunc("/visible", methodOnly(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, o.VisibleEvents())
	}))

	mux.HandleFunc("/stats", methodOnly(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"stats": o.Stats(), "recent_errors": o.RecentErrors()})
	}))

	mux.HandleFunc("/render-fallback", methodOnly(http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
		var req renderFallbackRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil || req.Component == "" {
			writeError(w, http.StatusBadRequest, errors.New("component required"))
			return
		}
		fb := o.ReportRenderFallback(req.Component, errors.New(req.Error))
		writeJSON(w, http.StatusOK, map[string]string{"component": req.Component, "fallback": fb})
	}))

	mux.HandleFunc("/initial-viewport", methodOnly(http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		region, err := opt.Locator.Viewport(ip, opt.InitialSpanDeg)
		located := err == nil
		if !located {
			logger.L().Debug("initial_viewport_fallback", "ip", ip, "err", err)
			region = geoip.Around(opt.DefaultCenter[0], opt.DefaultCenter[1], opt.InitialSpanDeg)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ip": ip, "located": located, "region": region})
	}))

	mux.Handle("/ws", newHub(o))
	return mux
}

func (f filtersRequest) criteria() (model.FilterCriteria, error) {
	c := model.FilterCriteria{Severities: f.Severities, MinConfidence: f.MinConfidence}
	for _, s := range f.Severities {
		if s < 1 || s > 5 {
			return c, errors.New("severities must be within 1..5")
		}
	}
	if f.MinConfidence < 0 || f.MinConfidence > 1 {
		return c, errors.New("min_confidence must be within [0,1]")
	}
	var err error
	if c.From, err = parseBound(f.From); err != nil {
		return c, err
	}
	if c.To, err = parseBound(f.To); err != nil {
		return c, err
	}
	return c.Normalize(), nil
}
