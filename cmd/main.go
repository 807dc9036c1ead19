// 程序入口：仅负责读取配置、初始化依赖并启动服务；API 注册在 internal/api 以便扩展
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"anomaly-map/internal/api"
	"anomaly-map/internal/cache"
	"anomaly-map/internal/config"
	"anomaly-map/internal/connectivity"
	"anomaly-map/internal/geoip"
	"anomaly-map/internal/kv"
	"anomaly-map/internal/logger"
	"anomaly-map/internal/metrics"
	"anomaly-map/internal/middleware"
	"anomaly-map/internal/migrate"
	"anomaly-map/internal/offline"
	"anomaly-map/internal/orchestrator"
	"anomaly-map/internal/retry"
	"anomaly-map/internal/source"
	"anomaly-map/internal/utils"
	"anomaly-map/internal/version"
	"anomaly-map/internal/virtual"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()
	l.Debug("log_init_ok", "commit", version.Commit)

	cfg, err := config.Load()
	if err != nil {
		l.Error("config_error", "err", err)
		os.Exit(1)
	}
	l.Debug("config_loaded", "upstream", cfg.Upstream.Kind, "kv", cfg.KV.Backend, "api_base", cfg.APIBase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var src source.Source
	switch cfg.Upstream.Kind {
	case "postgres":
		db, err := utils.OpenPostgres(cfg.Postgres.Params())
		if err != nil {
			l.Error("db_open_error", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			l.Error("db_ping_error", "err", err)
		} else {
			l.Info("db_ping_ok")
		}
		if cfg.Upstream.Schema {
			if err := migrate.EnsureSchema(ctx, db); err != nil {
				l.Error("schema_error", "err", err)
				os.Exit(1)
			}
		}
		src = source.AttachPostgres(db)
	default:
		src = source.NewHTTP(cfg.Upstream.URL, cfg.Upstream.Timeout)
	}
	l.Info("upstream_ready", "kind", cfg.Upstream.Kind)

	store, err := kv.Open(cfg.KV.Options())
	if err != nil {
		l.Error("kv_open_error", "backend", cfg.KV.Backend, "err", err)
		os.Exit(1)
	}
	defer store.Close()
	l.Info("kv_open_ok", "backend", cfg.KV.Backend)

	off, err := offline.Open(ctx, store, cfg.Offline)
	if err != nil {
		l.Error("offline_open_error", "err", err)
		os.Exit(1)
	}
	rc := cache.New(cfg.Cache, store)
	if n, err := rc.Restore(ctx); err != nil {
		l.Warn("cache_restore_error", "err", err)
	} else {
		l.Info("cache_restored", "entries", n)
	}

	conn := connectivity.NewMonitor()
	conn.Start(ctx, src.Health, cfg.Heartbeat)

	orch := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Source:  src,
		Cache:   rc,
		Offline: off,
		Engine:  virtual.New(cfg.Virtual),
		Retry:   retry.NewHandler(cfg.Retry, conn.Online),
		Conn:    conn,
	})
	orch.StartMaintenance(ctx, cfg.Maintenance)

	loc, err := geoip.Open(cfg.GeoIPPath)
	if err != nil {
		l.Warn("geoip_open_error", "path", cfg.GeoIPPath, "err", err)
	}
	defer loc.Close()

	mux := http.NewServeMux()
	apiMux := api.BuildRoutes(api.Options{Orchestrator: orch, Locator: loc, InitialSpanDeg: cfg.InitialSpanDeg})
	mux.Handle(cfg.APIBase+"/", http.StripPrefix(cfg.APIBase, apiMux))
	mux.Handle(cfg.APIBase+"/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	handler := logger.AccessMiddleware(l)(mux)
	handler = middleware.Wrap(handler, cfg.RateLimit.Enabled, cfg.RateLimit.QPS)
	s := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := orch.Close(sctx); err != nil {
			l.Warn("orchestrator_close_error", "err", err)
		}
		_ = s.Shutdown(sctx)
	}()

	l.Info("listening", "addr", cfg.Addr)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Error("listen_error", "err", err)
		os.Exit(1)
	}
	l.Info("shutdown_done")
}
